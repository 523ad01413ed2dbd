package peer

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// IDBytes is the length of a peer session hash.
const IDBytes = 20

// ID is the 160-bit session identity of a peer, rendered as 40 hex
// characters on the wire. It is generated once per client at startup and is
// unrelated to the DHT node ID.
type ID [IDBytes]byte

// NewID returns a random peer identity.
func NewID() (ID, error) {
	var id ID
	if _, err := rand.Read(id[:]); err != nil {
		return ID{}, fmt.Errorf("peer id generation failed: %w", err)
	}
	return id, nil
}

// ParseID decodes a 40-character hex string.
func ParseID(s string) (ID, error) {
	var id ID
	raw, err := hex.DecodeString(s)
	if err != nil || len(raw) != IDBytes {
		return ID{}, fmt.Errorf("invalid peer id %q", s)
	}
	copy(id[:], raw)
	return id, nil
}

// String returns the ID as lowercase hex.
func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

// Short returns an abbreviated form for log lines.
func (id ID) Short() string {
	return hex.EncodeToString(id[:4])
}
