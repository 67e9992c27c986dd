// BEP42 id derivation and verification: ties a node's id to its
// external IPv4 address via a CRC32C checksum, raising the cost of
// Sybil attacks that flood the routing table with ids near a target.
//
// There is no teacher equivalent (STX5-dht generates a plain random
// node id in remoteNode.RandNodeId); this is grounded directly on
// spec.md §4.7's byte recipe, which must be reproduced bit-exact.
package identity

import (
	"crypto/rand"
	"hash/crc32"

	"mdht/contact"
)

var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

// maskBytes masks an IPv4 address down to its /6-ish routing prefix
// before checksumming, per BEP42.
var maskBytes = [4]byte{0x03, 0x0f, 0x3f, 0xff}

// DeriveBEP42ID builds a node id bound to ip, using rand8 as the
// low-entropy byte mixed into both the checksum and id[19]. Bytes 3..18
// are filled with crypto/rand.
func DeriveBEP42ID(ip [4]byte, rand8 byte) (contact.ID, error) {
	var masked [4]byte
	for i := range masked {
		masked[i] = ip[i] & maskBytes[i]
	}
	masked[0] |= (rand8 & 0x7) << 5

	crc := crc32.Checksum(masked[:], crc32cTable)

	var id contact.ID
	id[0] = byte(crc >> 24)
	id[1] = byte(crc >> 16)
	id[2] = (byte(crc>>8) & 0xf8) | (rand8 & 0x7)
	if _, err := rand.Read(id[3:19]); err != nil {
		return id, err
	}
	id[19] = rand8

	return id, nil
}

// CheckBEP42 reports whether id's first three bytes are consistent with
// having been derived from ip via DeriveBEP42ID. It does not reject
// ids that fail the check; callers use the result purely to set the
// informational BEP42 flag on a contact.
func CheckBEP42(ip [4]byte, id contact.ID) bool {
	rand8 := id[19]
	var masked [4]byte
	for i := range masked {
		masked[i] = ip[i] & maskBytes[i]
	}
	masked[0] |= (rand8 & 0x7) << 5

	crc := crc32.Checksum(masked[:], crc32cTable)

	want0 := byte(crc >> 24)
	want1 := byte(crc >> 16)
	want2 := (byte(crc>>8) & 0xf8) | (rand8 & 0x7)

	return id[0] == want0 && id[1] == want1 && id[2] == want2
}
