// Package stats collects operation counters for the store. Counters are
// fixed fields rather than maps so the collector allocates nothing after
// construction, matching the store's embedded memory profile.
package stats

import "sync/atomic"

// Collector accumulates store-wide counters. All methods are safe for
// concurrent use, though the store itself is single-owner.
type Collector struct {
	initScans      atomic.Uint64
	gets           atomic.Uint64
	puts           atomic.Uint64
	deletes        atomic.Uint64
	gcSectors      atomic.Uint64
	relocations    atomic.Uint64
	sectorErases   atomic.Uint64
	corruptEntries atomic.Uint64
	bytesRead      atomic.Uint64
	bytesWritten   atomic.Uint64
}

// NewCollector creates an empty collector.
func NewCollector() *Collector { return &Collector{} }

// TrackInit counts an initialization scan.
func (c *Collector) TrackInit() { c.initScans.Add(1) }

// TrackGet counts a read and the bytes it returned.
func (c *Collector) TrackGet(bytes int) {
	c.gets.Add(1)
	c.bytesRead.Add(uint64(bytes))
}

// TrackPut counts a write and the bytes it stored.
func (c *Collector) TrackPut(bytes int) {
	c.puts.Add(1)
	c.bytesWritten.Add(uint64(bytes))
}

// TrackDelete counts a tombstone write.
func (c *Collector) TrackDelete() { c.deletes.Add(1) }

// TrackGcSector counts one garbage-collected sector.
func (c *Collector) TrackGcSector() { c.gcSectors.Add(1) }

// TrackRelocation counts one entry moved during garbage collection.
func (c *Collector) TrackRelocation() { c.relocations.Add(1) }

// TrackErase counts sector erases.
func (c *Collector) TrackErase(sectors int) { c.sectorErases.Add(uint64(sectors)) }

// TrackCorruptEntry counts an entry lost to corruption.
func (c *Collector) TrackCorruptEntry() { c.corruptEntries.Add(1) }

// Snapshot is a point-in-time copy of all counters.
type Snapshot struct {
	InitScans      uint64
	Gets           uint64
	Puts           uint64
	Deletes        uint64
	GcSectors      uint64
	Relocations    uint64
	SectorErases   uint64
	CorruptEntries uint64
	BytesRead      uint64
	BytesWritten   uint64
}

// Snapshot returns a copy of the current counters.
func (c *Collector) Snapshot() Snapshot {
	return Snapshot{
		InitScans:      c.initScans.Load(),
		Gets:           c.gets.Load(),
		Puts:           c.puts.Load(),
		Deletes:        c.deletes.Load(),
		GcSectors:      c.gcSectors.Load(),
		Relocations:    c.relocations.Load(),
		SectorErases:   c.sectorErases.Load(),
		CorruptEntries: c.corruptEntries.Load(),
		BytesRead:      c.bytesRead.Load(),
		BytesWritten:   c.bytesWritten.Load(),
	}
}
