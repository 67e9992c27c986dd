package datastore

import (
	"crypto/rand"
	"testing"

	"mdht/bencode"
	"mdht/contact"
)

func randTarget(t *testing.T) contact.ID {
	t.Helper()
	var id contact.ID
	if _, err := rand.Read(id[:]); err != nil {
		t.Fatal(err)
	}
	return id
}

func TestPutThenGet(t *testing.T) {
	s := New(4)
	target := randTarget(t)
	s.Put(target, Item{V: bencode.String("hello")})

	got, ok := s.Get(target)
	if !ok {
		t.Fatal("Get returned false after Put")
	}
	if got.V.Str != "hello" {
		t.Errorf("Get V = %+v, want %q", got.V, "hello")
	}
}

func TestGetUnknownTarget(t *testing.T) {
	s := New(4)
	if _, ok := s.Get(randTarget(t)); ok {
		t.Error("Get on unknown target should return false")
	}
}

func TestPutReplacesExisting(t *testing.T) {
	s := New(4)
	target := randTarget(t)
	s.Put(target, Item{V: bencode.Int(1), Mutable: true, Seq: 1})
	s.Put(target, Item{V: bencode.Int(2), Mutable: true, Seq: 2})

	got, ok := s.Get(target)
	if !ok || got.Seq != 2 || got.V.Int != 2 {
		t.Errorf("Put did not replace existing item: %+v", got)
	}
}

func TestSweepKeepsFreshItems(t *testing.T) {
	s := New(4)
	target := randTarget(t)
	s.Put(target, Item{V: bencode.String("x")})
	remaining := s.Sweep(nil)
	if remaining != 1 {
		t.Errorf("Sweep remaining = %d, want 1", remaining)
	}
}
