package peerstore

import (
	"crypto/rand"
	"net"
	"testing"

	"mdht/contact"
)

func randIH(t *testing.T) contact.ID {
	t.Helper()
	var id contact.ID
	if _, err := rand.Read(id[:]); err != nil {
		t.Fatal(err)
	}
	return id
}

func loc(t *testing.T, port int) contact.Location {
	t.Helper()
	l, err := contact.NewLocation(net.ParseIP("203.0.113.1"), port)
	if err != nil {
		t.Fatal(err)
	}
	return l
}

func TestAnnounceAndPeers(t *testing.T) {
	s := New(4)
	ih := randIH(t)
	s.Announce(ih, loc(t, 6881))
	s.Announce(ih, loc(t, 6882))

	got := s.Peers(ih)
	if len(got) != 2 {
		t.Fatalf("Peers returned %d entries, want 2", len(got))
	}
	if s.Count(ih) != 2 {
		t.Errorf("Count = %d, want 2", s.Count(ih))
	}
}

func TestPeersCapsAtRetrievalCap(t *testing.T) {
	s := New(4)
	ih := randIH(t)
	for p := 0; p < RetrievalCap+50; p++ {
		s.Announce(ih, loc(t, 1024+p))
	}
	got := s.Peers(ih)
	if len(got) != RetrievalCap {
		t.Fatalf("Peers returned %d entries, want capped at %d", len(got), RetrievalCap)
	}
}

func TestSweepEvictsNothingWithinExpiry(t *testing.T) {
	s := New(4)
	ih := randIH(t)
	s.Announce(ih, loc(t, 6881))
	remaining := s.Sweep(nil)
	if remaining != 1 {
		t.Errorf("Sweep remaining = %d, want 1 (nothing should expire immediately)", remaining)
	}
}

func TestUnknownInfoHashReturnsEmpty(t *testing.T) {
	s := New(4)
	if got := s.Peers(randIH(t)); got != nil {
		t.Errorf("Peers on unknown infohash = %v, want nil", got)
	}
	if s.Count(randIH(t)) != 0 {
		t.Error("Count on unknown infohash should be 0")
	}
}
