// Package peerid implements the 224-bit identifier space peer discovery
// runs over: derivation from a public key, XOR distance, and bit testing
// with bit 0 as the most significant bit.
package peerid

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Length is the width of the identifier space in bytes (224 bits).
const Length = 28

// Bits is the width of the identifier space in bits.
const Bits = Length * 8

// ID is a 224-bit unsigned integer, stored big-endian, bit index 0 is the
// most significant bit of byte 0.
type ID [Length]byte

// FromPublicKey derives a PeerId as SHA-224 of an Ed25519 public key.
func FromPublicKey(pub ed25519.PublicKey) ID {
	sum := sha256.Sum224(pub)
	var id ID
	copy(id[:], sum[:])
	return id
}

// Random returns a cryptographically random ID, for maintenance probe
// targets and other random points in the id space.
func Random() ID {
	var id ID
	if _, err := rand.Read(id[:]); err != nil {
		panic(fmt.Sprintf("peerid: crypto/rand failed: %v", err))
	}
	return id
}

// RandomWithBit returns a random ID whose bit at position idx equals bit.
// Bootstrap uses this to populate the far half of the routing table: it
// draws ids whose bit 0 differs from the local id's bit 0.
func RandomWithBit(idx int, bit bool) ID {
	id := Random()
	id.setBit(idx, bit)
	return id
}

func (id *ID) setBit(idx int, v bool) {
	byteIdx, mask := idx/8, byte(0x80>>uint(idx%8))
	if v {
		id[byteIdx] |= mask
	} else {
		id[byteIdx] &^= mask
	}
}

// Bit reports the value of bit idx, where idx 0 is the most significant
// bit of the identifier.
func (id ID) Bit(idx int) bool {
	byteIdx, mask := idx/8, byte(0x80>>uint(idx%8))
	return id[byteIdx]&mask != 0
}

// Distance returns the XOR distance between two ids, a 224-bit value in
// the same space. distance(a,b) == distance(b,a); distance(a,a) == 0.
func Distance(a, b ID) ID {
	var d ID
	for i := range d {
		d[i] = a[i] ^ b[i]
	}
	return d
}

// Less reports whether a is numerically less than b, treating both as
// big-endian unsigned integers. Used to order candidates by distance.
func Less(a, b ID) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

// Equal reports whether two ids are the same.
func Equal(a, b ID) bool {
	return a == b
}

func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

// Bytes returns the identifier's big-endian byte representation.
func (id ID) Bytes() []byte {
	return id[:]
}

// FromBytes parses a big-endian 28-byte identifier. It returns an error
// if b is not exactly Length bytes.
func FromBytes(b []byte) (ID, error) {
	var id ID
	if len(b) != Length {
		return id, fmt.Errorf("peerid: want %d bytes, got %d", Length, len(b))
	}
	copy(id[:], b)
	return id, nil
}
