package keycache

import (
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// State tags whether a cached key is live or deleted.
type State uint8

const (
	// StateValid marks a key with a live value on flash.
	StateValid State = iota
	// StateDeleted marks a key whose newest entry is a tombstone.
	StateDeleted
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateValid:
		return "valid"
	case StateDeleted:
		return "deleted"
	default:
		return fmt.Sprintf("state(%d)", s)
	}
}

// Descriptor is the in-RAM summary of one logical key. The key text itself
// is never cached; only its hash is, and callers disambiguate hash
// collisions by reading the entry back from flash.
type Descriptor struct {
	// KeyHash is the 64-bit hash of the key bytes.
	KeyHash uint64
	// TransactionID orders writes globally; the highest id for a hash wins.
	TransactionID uint32
	// State is the key's lifecycle state.
	State State
}

// Hash returns the hash of key used for descriptors.
func Hash(key []byte) uint64 {
	return xxhash.Sum64(key)
}
