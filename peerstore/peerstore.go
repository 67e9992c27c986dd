// Package peerstore implements spec.md §3/§4.5's announced-peer store: a
// mapping from infohash to a set of peer locations with per-entry
// timestamps, 30-minute expiry, and a 150-entry retrieval cap per
// infohash.
//
// Grounded on the teacher's peer.PeerStore, which bounds the number of
// distinct tracked infohashes with a github.com/golang/groupcache/lru
// cache (kept here for the same reason: unlike the teacher's
// ring-buffer-rotated peerContactsSet, the LRU here bounds *cardinality*
// of infohashes while each entry additionally expires *by age*, per
// spec.md's TTL requirement, which the teacher's version (no BEP44, no
// per-entry TTL) doesn't need).
package peerstore

import (
	"time"

	"github.com/golang/groupcache/lru"

	"mdht/contact"
)

// Expiry is how long an announced peer is kept before the housekeeping
// sweep evicts it.
const Expiry = 30 * time.Minute

// RetrievalCap is the maximum number of peer locations returned for a
// single infohash at retrieval time.
const RetrievalCap = 150

// DefaultMaxInfoHashes bounds the number of distinct infohashes tracked
// at once, mirroring the teacher's Config.MaxInfoHashes default.
const DefaultMaxInfoHashes = 2048

type entry struct {
	loc       contact.Location
	announced time.Time
}

type peerSet struct {
	byLoc map[contact.Location]*entry
}

// Store is the announced-peer map.
type Store struct {
	infoHashes *lru.Cache // key: contact.ID, value: *peerSet
}

// New creates a peer store bounding the number of distinct tracked
// infohashes to maxInfoHashes.
func New(maxInfoHashes int) *Store {
	if maxInfoHashes <= 0 {
		maxInfoHashes = DefaultMaxInfoHashes
	}
	return &Store{infoHashes: lru.New(maxInfoHashes)}
}

func (s *Store) get(ih contact.ID) *peerSet {
	v, ok := s.infoHashes.Get(ih)
	if !ok {
		return nil
	}
	return v.(*peerSet)
}

// Announce records loc as a peer for infohash ih, refreshing its
// timestamp if already present.
func (s *Store) Announce(ih contact.ID, loc contact.Location) {
	ps := s.get(ih)
	if ps == nil {
		ps = &peerSet{byLoc: make(map[contact.Location]*entry)}
		s.infoHashes.Add(ih, ps)
	}
	ps.byLoc[loc] = &entry{loc: loc, announced: time.Now()}
}

// Peers returns up to RetrievalCap peer locations known for ih, most
// recently announced first.
func (s *Store) Peers(ih contact.ID) []contact.Location {
	ps := s.get(ih)
	if ps == nil {
		return nil
	}
	entries := make([]*entry, 0, len(ps.byLoc))
	for _, e := range ps.byLoc {
		entries = append(entries, e)
	}
	sortEntriesByRecency(entries)
	n := len(entries)
	if n > RetrievalCap {
		n = RetrievalCap
	}
	out := make([]contact.Location, n)
	for i := 0; i < n; i++ {
		out[i] = entries[i].loc
	}
	return out
}

// Count reports how many peers are currently stored for ih.
func (s *Store) Count(ih contact.ID) int {
	ps := s.get(ih)
	if ps == nil {
		return 0
	}
	return len(ps.byLoc)
}

// Sweep evicts every peer entry older than Expiry, invoking onDrop for
// each one, and returns the total number remaining across all
// infohashes, for the aggregate `peers` housekeeping event.
func (s *Store) Sweep(onDrop func(ih contact.ID, loc contact.Location)) (remaining int) {
	now := time.Now()
	for _, key := range s.infoHashes.Keys() {
		ih := key.(contact.ID)
		ps := s.get(ih)
		if ps == nil {
			continue
		}
		for loc, e := range ps.byLoc {
			if now.Sub(e.announced) > Expiry {
				delete(ps.byLoc, loc)
				if onDrop != nil {
					onDrop(ih, loc)
				}
				continue
			}
			remaining++
		}
		if len(ps.byLoc) == 0 {
			s.infoHashes.Remove(ih)
		}
	}
	return remaining
}

func sortEntriesByRecency(entries []*entry) {
	// Simple insertion sort over one infohash's peers; the per-infohash
	// set has no size cap, and this keeps the package dependency-free
	// beyond lru.
	for i := 1; i < len(entries); i++ {
		for j := i; j > 0 && entries[j].announced.After(entries[j-1].announced); j-- {
			entries[j], entries[j-1] = entries[j-1], entries[j]
		}
	}
}
