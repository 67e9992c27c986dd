// Package logger is the logging seam shared by every mdht package: a
// small Debugf/Infof/Errorf interface so the event loop and its
// components never depend on the standard log package directly.
//
// Kept essentially verbatim from the teacher, which defines the same
// DebugLogger interface and a NullLogger (here renamed in spirit but
// kept API-compatible); StdLogger is added for cmd/mdht-node per
// SPEC_FULL.md §7.1.
package logger

import "log"

// DebugLogger is implemented by anything mdht components can log to.
type DebugLogger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// NullLogger discards Debugf/Infof and prints Errorf via the standard
// logger, matching the teacher's default.
type NullLogger struct{}

func (l *NullLogger) Debugf(format string, args ...interface{}) {}
func (l *NullLogger) Infof(format string, args ...interface{})  {}
func (l *NullLogger) Errorf(format string, args ...interface{}) {
	log.Printf("[ERROR] "+format, args...)
}

// StdLogger logs every level through the standard log package, used by
// cmd/mdht-node so a human running the example binary sees traffic.
type StdLogger struct{}

func (l *StdLogger) Debugf(format string, args ...interface{}) {
	log.Printf("[DEBUG] "+format, args...)
}
func (l *StdLogger) Infof(format string, args ...interface{}) {
	log.Printf("[INFO] "+format, args...)
}
func (l *StdLogger) Errorf(format string, args ...interface{}) {
	log.Printf("[ERROR] "+format, args...)
}
