package protocol

import (
	"encoding/hex"
	"fmt"
)

// IDLength is the width in bytes of identities and content hashes.
const IDLength = 16

// ID is a fixed-width opaque identifier. Two of them address an artifact
// set: the identity (usually an asset GUID) and the content hash supplied by
// the client. Equality is byte-exact; the hex form is only derived.
type ID [IDLength]byte

// ParseID decodes the 32 character hexadecimal form of an ID.
func ParseID(s string) (ID, error) {
	var id ID
	if len(s) != IDLength*2 {
		return id, fmt.Errorf("%w: id %q has length %d, want %d", ErrMalformed, s, len(s), IDLength*2)
	}
	if _, err := hex.Decode(id[:], []byte(s)); err != nil {
		return id, fmt.Errorf("%w: id %q: %v", ErrMalformed, s, err)
	}
	return id, nil
}

// String returns the lowercase hexadecimal form of the ID. This is the form
// used in log output and in filesystem paths.
func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

// IsZero reports whether every byte of the ID is zero.
func (id ID) IsZero() bool {
	return id == ID{}
}
