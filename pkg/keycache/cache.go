// Package keycache implements the fixed-capacity in-RAM index of the
// key-value store: one descriptor per logical key plus the flash addresses
// of its redundant copies.
package keycache

import (
	"errors"
	"fmt"
)

var (
	// ErrFull is returned when the cache is at its configured capacity.
	ErrFull = errors.New("entry cache full")
	// ErrSameSector is returned when a second copy of an entry is recorded in
	// a sector that already holds one. Two copies in one sector means a
	// rewrite happened without an erase, which is an upstream logic bug and
	// is treated as data loss.
	ErrSameSector = errors.New("duplicate entry copy in sector")
)

// Outcome describes what AddNewOrUpdateExisting did.
type Outcome int

const (
	// OutcomeNew means a descriptor was inserted for a previously unseen hash.
	OutcomeNew Outcome = iota
	// OutcomeSuperseded means the incoming entry had a newer transaction id
	// and replaced the existing descriptor and its address list.
	OutcomeSuperseded
	// OutcomeCopyAdded means the incoming entry is another copy of the
	// current newest write; its address was recorded (or silently dropped at
	// the redundancy cap).
	OutcomeCopyAdded
	// OutcomeStale means the incoming entry is older than the cached one and
	// was ignored.
	OutcomeStale
)

// Cache is the capacity-bounded key index. All storage is allocated at
// construction: descriptors plus a flat address arena of
// maxEntries*redundancy slots. A Cache is not safe for concurrent use.
type Cache struct {
	maxEntries int
	redundancy int
	sectorSize int

	descriptors   []Descriptor
	addresses     []uint32 // arena, stride = redundancy
	addressCounts []uint8
}

// New creates a cache for at most maxEntries keys with up to redundancy
// copies each. sectorSizeBytes is needed to detect same-sector duplicates.
func New(maxEntries, redundancy, sectorSizeBytes int) *Cache {
	return &Cache{
		maxEntries:    maxEntries,
		redundancy:    redundancy,
		sectorSize:    sectorSizeBytes,
		descriptors:   make([]Descriptor, 0, maxEntries),
		addresses:     make([]uint32, maxEntries*redundancy),
		addressCounts: make([]uint8, maxEntries),
	}
}

// Len returns the number of cached descriptors.
func (c *Cache) Len() int { return len(c.descriptors) }

// Capacity returns the maximum number of descriptors.
func (c *Cache) Capacity() int { return c.maxEntries }

// Redundancy returns the per-key copy limit.
func (c *Cache) Redundancy() int { return c.redundancy }

// Reset removes every descriptor and address. Used when re-initializing
// after catastrophic corruption.
func (c *Cache) Reset() {
	c.descriptors = c.descriptors[:0]
	for i := range c.addressCounts {
		c.addressCounts[i] = 0
	}
}

func (c *Cache) indexOf(hash uint64) int {
	for i := range c.descriptors {
		if c.descriptors[i].KeyHash == hash {
			return i
		}
	}
	return -1
}

// Find looks up the descriptor for a key hash. The caller must re-read the
// entry from flash and compare literal key bytes before trusting a match:
// two different keys may share a hash.
func (c *Cache) Find(hash uint64) (Metadata, bool) {
	idx := c.indexOf(hash)
	if idx < 0 {
		return Metadata{}, false
	}
	return Metadata{cache: c, index: idx}, true
}

// FindExisting is Find restricted to keys in StateValid; tombstoned keys
// report not found.
func (c *Cache) FindExisting(hash uint64) (Metadata, bool) {
	meta, ok := c.Find(hash)
	if !ok || meta.State() != StateValid {
		return Metadata{}, false
	}
	return meta, true
}

// AddNew inserts a brand-new descriptor with a single address.
func (c *Cache) AddNew(d Descriptor, address uint32) (Metadata, error) {
	if len(c.descriptors) >= c.maxEntries {
		return Metadata{}, fmt.Errorf("%w: %d entries", ErrFull, c.maxEntries)
	}
	idx := len(c.descriptors)
	c.descriptors = append(c.descriptors, d)
	c.addresses[idx*c.redundancy] = address
	c.addressCounts[idx] = 1
	return Metadata{cache: c, index: idx}, nil
}

// AddNewOrUpdateExisting reconciles an entry found on flash (or just
// written) against the cache. A higher transaction id replaces the cached
// descriptor; an equal id records another redundant copy; a lower id is
// reported stale and ignored.
func (c *Cache) AddNewOrUpdateExisting(d Descriptor, address uint32) (Metadata, Outcome, error) {
	idx := c.indexOf(d.KeyHash)
	if idx < 0 {
		meta, err := c.AddNew(d, address)
		return meta, OutcomeNew, err
	}
	meta := Metadata{cache: c, index: idx}
	existing := &c.descriptors[idx]

	switch {
	case d.TransactionID > existing.TransactionID:
		*existing = d
		c.addresses[idx*c.redundancy] = address
		c.addressCounts[idx] = 1
		return meta, OutcomeSuperseded, nil

	case d.TransactionID == existing.TransactionID:
		if err := c.addAddress(idx, address); err != nil {
			return meta, OutcomeCopyAdded, err
		}
		return meta, OutcomeCopyAdded, nil

	default:
		return meta, OutcomeStale, nil
	}
}

// addAddress records another copy of the entry at idx, enforcing the
// distinct-sector invariant and the redundancy cap.
func (c *Cache) addAddress(idx int, address uint32) error {
	sector := address / uint32(c.sectorSize)
	base := idx * c.redundancy
	n := int(c.addressCounts[idx])
	for i := 0; i < n; i++ {
		if c.addresses[base+i]/uint32(c.sectorSize) == sector {
			return fmt.Errorf("%w %d", ErrSameSector, sector)
		}
	}
	if n >= c.redundancy {
		// Already at the copy limit; the oldest copies stay authoritative.
		return nil
	}
	c.addresses[base+n] = address
	c.addressCounts[idx] = uint8(n + 1)
	return nil
}

// Remove deletes the descriptor for hash, preserving insertion order of the
// remaining descriptors. Outstanding Metadata values are invalidated.
func (c *Cache) Remove(hash uint64) bool {
	idx := c.indexOf(hash)
	if idx < 0 {
		return false
	}
	last := len(c.descriptors) - 1
	copy(c.descriptors[idx:], c.descriptors[idx+1:])
	c.descriptors = c.descriptors[:last]
	copy(c.addresses[idx*c.redundancy:], c.addresses[(idx+1)*c.redundancy:(last+1)*c.redundancy])
	copy(c.addressCounts[idx:], c.addressCounts[idx+1:last+1])
	c.addressCounts[last] = 0
	return true
}

// Iterator returns a fresh iterator over all descriptors in insertion
// order. Each call restarts from the beginning.
func (c *Cache) Iterator() *Iterator {
	return &Iterator{cache: c, index: -1}
}

// Metadata is a handle to one cached descriptor. It is invalidated by any
// call that removes descriptors or resets the cache.
type Metadata struct {
	cache *Cache
	index int
}

// Hash returns the key hash.
func (m Metadata) Hash() uint64 { return m.cache.descriptors[m.index].KeyHash }

// TransactionID returns the transaction id of the newest write.
func (m Metadata) TransactionID() uint32 { return m.cache.descriptors[m.index].TransactionID }

// State returns the key's lifecycle state.
func (m Metadata) State() State { return m.cache.descriptors[m.index].State }

// AddressCount returns the number of recorded copies.
func (m Metadata) AddressCount() int { return int(m.cache.addressCounts[m.index]) }

// FirstAddress returns the address of the first recorded copy.
func (m Metadata) FirstAddress() uint32 { return m.cache.addresses[m.index*m.cache.redundancy] }

// Addresses returns a copy of the recorded addresses.
func (m Metadata) Addresses() []uint32 {
	base := m.index * m.cache.redundancy
	n := int(m.cache.addressCounts[m.index])
	out := make([]uint32, n)
	copy(out, m.cache.addresses[base:base+n])
	return out
}

// HasAddress reports whether address is one of the recorded copies.
func (m Metadata) HasAddress(address uint32) bool {
	base := m.index * m.cache.redundancy
	for i := 0; i < int(m.cache.addressCounts[m.index]); i++ {
		if m.cache.addresses[base+i] == address {
			return true
		}
	}
	return false
}

// Reset replaces the descriptor and address list with a new write. Used
// after all redundant copies of an updated entry have been written.
func (m Metadata) Reset(d Descriptor, address uint32) {
	m.cache.descriptors[m.index] = d
	m.cache.addresses[m.index*m.cache.redundancy] = address
	m.cache.addressCounts[m.index] = 1
}

// AddAddress records one more copy of the current write.
func (m Metadata) AddAddress(address uint32) error {
	return m.cache.addAddress(m.index, address)
}

// ReplaceAddress rewrites one recorded copy address, used when an entry is
// relocated during garbage collection.
func (m Metadata) ReplaceAddress(oldAddr, newAddr uint32) bool {
	base := m.index * m.cache.redundancy
	for i := 0; i < int(m.cache.addressCounts[m.index]); i++ {
		if m.cache.addresses[base+i] == oldAddr {
			m.cache.addresses[base+i] = newAddr
			return true
		}
	}
	return false
}

// RemoveAddress drops one recorded copy address, used when a copy proves
// unreadable during relocation.
func (m Metadata) RemoveAddress(address uint32) bool {
	base := m.index * m.cache.redundancy
	n := int(m.cache.addressCounts[m.index])
	for i := 0; i < n; i++ {
		if m.cache.addresses[base+i] == address {
			copy(m.cache.addresses[base+i:base+n-1], m.cache.addresses[base+i+1:base+n])
			m.cache.addressCounts[m.index] = uint8(n - 1)
			return true
		}
	}
	return false
}

// Iterator walks descriptors in insertion order. It is one-shot; obtain a
// new one from Cache.Iterator to restart.
type Iterator struct {
	cache *Cache
	index int
}

// Next advances to the next descriptor, returning false when exhausted.
func (it *Iterator) Next() bool {
	it.index++
	return it.index < len(it.cache.descriptors)
}

// Metadata returns a handle to the current descriptor.
func (it *Iterator) Metadata() Metadata {
	return Metadata{cache: it.cache, index: it.index}
}

// Hash returns the current key hash.
func (it *Iterator) Hash() uint64 { return it.cache.descriptors[it.index].KeyHash }

// State returns the current state.
func (it *Iterator) State() State { return it.cache.descriptors[it.index].State }

// TransactionID returns the current transaction id.
func (it *Iterator) TransactionID() uint32 { return it.cache.descriptors[it.index].TransactionID }

// FirstAddress returns the first copy address of the current descriptor.
func (it *Iterator) FirstAddress() uint32 {
	return it.cache.addresses[it.index*it.cache.redundancy]
}
