package kvs

import (
	"fmt"

	"github.com/FlashKV/flashkv/pkg/entry"
	"github.com/FlashKV/flashkv/pkg/keycache"
)

// ItemIterator walks the live keys of a store in cache insertion order.
// Tombstoned keys are skipped. The iterator is invalidated by any write or
// maintenance call on the store; obtain a fresh one afterwards.
type ItemIterator struct {
	store *KeyValueStore
	inner *keycache.Iterator
}

// Items returns an iterator over the live keys.
func (s *KeyValueStore) Items() (*ItemIterator, error) {
	if s.state == StateNotInitialized {
		return nil, fmt.Errorf("%w: store not initialized", ErrFailedPrecondition)
	}
	return &ItemIterator{store: s, inner: s.cache.Iterator()}, nil
}

// Next advances to the next live key, returning false when exhausted.
func (it *ItemIterator) Next() bool {
	for it.inner.Next() {
		if it.inner.State() == keycache.StateValid {
			return true
		}
	}
	return false
}

// Key reads the current key's text back from flash. Key text is never held
// in RAM, so this costs a flash read.
func (it *ItemIterator) Key() ([]byte, error) {
	stored, err := it.store.readKeyBytes(it.inner.Metadata())
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(stored))
	copy(out, stored)
	return out, nil
}

// Value reads the current value into buf with Get's short-buffer semantics.
func (it *ItemIterator) Value(buf []byte) (int, error) {
	_, raw, err := it.store.readEntry(it.inner.Metadata(), false)
	if err != nil {
		return 0, err
	}
	h, _ := entry.DecodeHeader(raw)
	value := raw[entry.HeaderSize+int(h.KeyLength) : entry.HeaderSize+int(h.KeyLength)+h.ValueLength()]
	n := copy(buf, value)
	if n < len(value) {
		return n, fmt.Errorf("%w: value truncated to %d of %d bytes",
			ErrResourceExhausted, n, len(value))
	}
	return n, nil
}

// ValueSize returns the size of the current value.
func (it *ItemIterator) ValueSize() (int, error) {
	h, _, err := it.store.readEntry(it.inner.Metadata(), false)
	if err != nil {
		return 0, err
	}
	return h.ValueLength(), nil
}
