// TokenManager mints and validates the short-lived opaque tokens BEP5
// requires before a sender's subsequent announce_peer/put is accepted.
//
// Grounded on the teacher's DHT.hostToken/checkToken/newTokenSecret
// (SHA-1 of the address string concatenated with a random secret,
// with two secrets kept so a token survives one rotation); generalized
// to use the full 26-byte node∥location wire form as the keyed input,
// per spec.md §4.5, rather than the teacher's net.UDPAddr.String().
package identity

import (
	"crypto/rand"
	"crypto/sha1"

	"mdht/contact"
)

// SecretLen is the width of each rotating token secret, per spec.md §3.
const SecretLen = 20

// TokenManager holds the current and previous token secrets.
type TokenManager struct {
	current  [SecretLen]byte
	previous [SecretLen]byte
}

// NewTokenManager creates a manager with two freshly generated secrets.
func NewTokenManager() (*TokenManager, error) {
	tm := &TokenManager{}
	if _, err := rand.Read(tm.current[:]); err != nil {
		return nil, err
	}
	if _, err := rand.Read(tm.previous[:]); err != nil {
		return nil, err
	}
	return tm, nil
}

func nodeBytes(id contact.ID, loc contact.Location) []byte {
	n := contact.Contact{ID: id, Loc: loc}.Node()
	return n[:]
}

// Mint returns token = SHA-1(node_bytes ∥ current_secret), where
// node_bytes is the sender's id∥location.
func (tm *TokenManager) Mint(id contact.ID, loc contact.Location) string {
	return tm.hash(id, loc, tm.current[:])
}

func (tm *TokenManager) hash(id contact.ID, loc contact.Location, secret []byte) string {
	h := sha1.New()
	h.Write(nodeBytes(id, loc))
	h.Write(secret)
	return string(h.Sum(nil))
}

// Valid reports whether token was minted with the current or the
// previous secret.
func (tm *TokenManager) Valid(id contact.ID, loc contact.Location, token string) bool {
	return token == tm.hash(id, loc, tm.current[:]) || token == tm.hash(id, loc, tm.previous[:])
}

// Rotate replaces the previous secret with current and generates a new
// current, called on every 5-minute housekeeping tick.
func (tm *TokenManager) Rotate() error {
	tm.previous = tm.current
	var fresh [SecretLen]byte
	if _, err := rand.Read(fresh[:]); err != nil {
		return err
	}
	tm.current = fresh
	return nil
}
