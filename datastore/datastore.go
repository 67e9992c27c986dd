// Package datastore implements spec.md §3/§4.5's BEP44 value store: a
// map from target (the 20-byte SHA-1 of the stored bencoded value, or of
// the salted public key for mutable items) to a stored item, with a
// 120-minute expiry and LRU cardinality bounding.
//
// There is no teacher equivalent of BEP44 storage (STX5-dht only
// implements BEP5 peer discovery), so this package is grounded loosely
// on the shape of prxssh-rabbit/internal/dht/storage.go (a target-keyed
// map of signed/unsigned blobs) combined with spec.md §4.5's exact
// validation order, which lives in the handlers package rather than
// here: this package only stores and evicts, it does not validate.
package datastore

import (
	"time"

	"github.com/golang/groupcache/lru"

	"mdht/bencode"
	"mdht/contact"
)

// Expiry is how long a stored item survives without being refreshed by
// a new put.
const Expiry = 120 * time.Minute

// DefaultMaxItems bounds the number of distinct targets tracked at once.
const DefaultMaxItems = 4096

// Item is a single BEP44 stored value, immutable or mutable.
type Item struct {
	V       bencode.Value
	Mutable bool
	K       [32]byte // ed25519 public key, zero if immutable
	Seq     int64    // only meaningful if Mutable
	Sig     [64]byte // ed25519 signature, zero if immutable
	Salt    string

	stored time.Time
}

// Store is the BEP44 value map.
type Store struct {
	items *lru.Cache // key: contact.ID (target), value: *Item
}

// New creates a value store bounding the number of distinct targets to
// maxItems.
func New(maxItems int) *Store {
	if maxItems <= 0 {
		maxItems = DefaultMaxItems
	}
	return &Store{items: lru.New(maxItems)}
}

// Get returns the item stored at target, if any and not expired.
func (s *Store) Get(target contact.ID) (Item, bool) {
	v, ok := s.items.Get(target)
	if !ok {
		return Item{}, false
	}
	it := v.(*Item)
	if time.Since(it.stored) > Expiry {
		s.items.Remove(target)
		return Item{}, false
	}
	return *it, true
}

// Put stores or replaces the item at target. Callers (handlers package)
// are responsible for CAS/seq/signature validation before calling Put.
func (s *Store) Put(target contact.ID, it Item) {
	it.stored = time.Now()
	s.items.Add(target, &it)
}

// Sweep evicts every item older than Expiry, invoking onDrop for each
// one, and returns the count of items remaining, for the aggregate
// `data` housekeeping event.
func (s *Store) Sweep(onDrop func(target contact.ID)) (remaining int) {
	now := time.Now()
	for _, key := range s.items.Keys() {
		target := key.(contact.ID)
		v, ok := s.items.Get(target)
		if !ok {
			continue
		}
		it := v.(*Item)
		if now.Sub(it.stored) > Expiry {
			s.items.Remove(target)
			if onDrop != nil {
				onDrop(target)
			}
			continue
		}
		remaining++
	}
	return remaining
}

// Len reports how many items are currently tracked, expired or not.
func (s *Store) Len() int {
	return s.items.Len()
}
