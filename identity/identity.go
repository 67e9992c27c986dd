// Package identity owns a node's long-lived identity: its 20-byte DHT
// id, its Ed25519 keypair for BEP44 mutable items, the BEP42 binding to
// its external address, and the rotating token secrets used to gate
// announce_peer/put.
//
// Grounded on the teacher's minNodes/secretRotatePeriod constants and
// DHT.New's initialization order (generate or load an id, then seed
// tokenSecrets), generalized with an Ed25519 keypair (new: BEP44 is out
// of the teacher's scope) and BEP42 derivation (new, see bep42.go).
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"time"

	"mdht/contact"
)

// MinNodes mirrors the teacher's minNodes constant. No code in this
// module reads it; bootstrap runs a single populate pass regardless of
// how many contacts it yields.
const MinNodes = 16

// HousekeepingPeriod is the interval of the periodic maintenance tick:
// spam reset, routing table refresh, token rotation, store eviction.
const HousekeepingPeriod = 5 * time.Minute

// BootstrapNodeCountHeuristic is populate's filter for excluding
// replies from the well-known public bootstrap routers: a find_node
// response packing exactly this many nodes is assumed to be a router
// dumping its whole routing table rather than a real peer, per spec.md
// §4.6, and such a responder is not inserted as a contact.
const BootstrapNodeCountHeuristic = 16

// Identity is a node's long-lived key material.
type Identity struct {
	ID         contact.ID
	PublicKey  ed25519.PublicKey
	PrivateKey ed25519.PrivateKey
	Tokens     *TokenManager
}

// New creates an identity from an explicit 20-byte id and a 32-byte
// Ed25519 seed. If id is the zero value, a random one is generated; if
// seed is nil, a random keypair is generated.
func New(id contact.ID, seed []byte) (*Identity, error) {
	if id == (contact.ID{}) {
		if _, err := rand.Read(id[:]); err != nil {
			return nil, err
		}
	}
	var pub ed25519.PublicKey
	var priv ed25519.PrivateKey
	if seed != nil {
		priv = ed25519.NewKeyFromSeed(seed)
		pub = priv.Public().(ed25519.PublicKey)
	} else {
		var err error
		pub, priv, err = ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, err
		}
	}
	tm, err := NewTokenManager()
	if err != nil {
		return nil, err
	}
	return &Identity{ID: id, PublicKey: pub, PrivateKey: priv, Tokens: tm}, nil
}

// NewFromExternalIP derives a BEP42-bound id from a known external IPv4
// address instead of a fully random one, per spec.md §4.7's
// initialization order ("20-byte id... or BEP42-derived from external
// IP").
func NewFromExternalIP(ip [4]byte, seed []byte) (*Identity, error) {
	var rand8 [1]byte
	if _, err := rand.Read(rand8[:]); err != nil {
		return nil, err
	}
	id, err := DeriveBEP42ID(ip, rand8[0])
	if err != nil {
		return nil, err
	}
	return New(id, seed)
}
