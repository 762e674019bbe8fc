package main

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
)

// NodeID is a 160-bit identifier naming both nodes and content keys
type NodeID [IDLength]byte

// NewNodeID builds an identifier from the raw bytes of a string. Strings
// shorter than 20 bytes are zero-padded; longer strings are truncated, so
// the result is always exactly 160 bits.
func NewNodeID(data string) NodeID {
	var id NodeID
	copy(id[:], data)
	return id
}

// NewNodeIDFromHex parses a 40-character hex identifier (the String form)
func NewNodeIDFromHex(s string) (NodeID, error) {
	var id NodeID
	decoded, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("invalid identifier hex: %w", err)
	}
	if len(decoded) != IDLength {
		return id, fmt.Errorf("invalid identifier length: got %d bytes, want %d", len(decoded), IDLength)
	}
	copy(id[:], decoded)
	return id, nil
}

// RandomNodeID returns a uniformly random identifier
func RandomNodeID() NodeID {
	var id NodeID
	rand.Read(id[:])
	return id
}

// XOR returns the distance value between two identifiers
func (id NodeID) XOR(other NodeID) NodeID {
	var result NodeID
	for i := 0; i < IDLength; i++ {
		result[i] = id[i] ^ other[i]
	}
	return result
}

// PrefixLength counts the leading zero bits of the identifier
func (id NodeID) PrefixLength() int {
	for i := 0; i < IDLength; i++ {
		if id[i] == 0 {
			continue
		}
		for j := 7; j >= 0; j-- {
			if id[i]&(1<<uint(j)) != 0 {
				return i*8 + (7 - j)
			}
		}
	}
	return IDBits
}

// BucketDistance is the bucket-index form of distance:
// 160 minus the number of leading zero bits in the XOR value.
// Equal identifiers are at distance 0.
func (id NodeID) BucketDistance(other NodeID) int {
	return IDBits - id.XOR(other).PrefixLength()
}

// Less orders identifiers as big-endian unsigned 160-bit integers
func (id NodeID) Less(other NodeID) bool {
	for i := 0; i < IDLength; i++ {
		if id[i] != other[i] {
			return id[i] < other[i]
		}
	}
	return false
}

// Equals checks byte-wise equality
func (id NodeID) Equals(other NodeID) bool {
	return id == other
}

// String is the zero-padded uppercase 40-character hex form
func (id NodeID) String() string {
	return strings.ToUpper(hex.EncodeToString(id[:]))
}

// MarshalJSON writes the identifier in its hex text form; state snapshot
// files stay readable that way
func (id NodeID) MarshalJSON() ([]byte, error) {
	return []byte(`"` + id.String() + `"`), nil
}

// UnmarshalJSON parses the hex text form
func (id *NodeID) UnmarshalJSON(data []byte) error {
	if len(data) < 2 || data[0] != '"' || data[len(data)-1] != '"' {
		return fmt.Errorf("identifier must be a JSON string")
	}
	parsed, err := NewNodeIDFromHex(string(data[1 : len(data)-1]))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// closerToTarget reports whether a is strictly closer to target than b,
// comparing raw XOR values as big-endian unsigned integers. This is the
// fine-grained ordering used to sort contacts; BucketDistance is its
// coarse bucket-index projection.
func closerToTarget(target, a, b NodeID) bool {
	return target.XOR(a).Less(target.XOR(b))
}
