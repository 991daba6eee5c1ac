// Package sector tracks per-sector bookkeeping for the key-value store:
// how many bytes each sector holds, how many of those are reclaimable, which
// sectors are writable, and where the next write or garbage collection
// should go.
package sector

import (
	"errors"
	"fmt"
)

// DefaultGcUsageThreshold is the store utilization above which sectors that
// still contain live entries become garbage-collection candidates.
const DefaultGcUsageThreshold = 0.70

// ErrNoSpace is returned when no writable sector can hold a write of the
// requested size. The caller decides whether garbage collection may run.
var ErrNoSpace = errors.New("no writable sector with enough space")

// Accounting is the fixed-size sector table. All slices are allocated at
// construction and never grow. Not safe for concurrent use.
type Accounting struct {
	sectorSize int

	written     []uint32 // append offset: bytes written since last erase
	reclaimable []uint32 // stale bytes among written
	unwritable  []bool   // set when header corruption is found, cleared by erase
	eraseCounts []uint32 // wear-leveling bookkeeping only

	cursor      int // rotation point for write-sector selection
	gcThreshold float64
}

// New creates accounting for sectorCount sectors of sectorSizeBytes each.
func New(sectorCount, sectorSizeBytes int) *Accounting {
	return &Accounting{
		sectorSize:  sectorSizeBytes,
		written:     make([]uint32, sectorCount),
		reclaimable: make([]uint32, sectorCount),
		unwritable:  make([]bool, sectorCount),
		eraseCounts: make([]uint32, sectorCount),
		cursor:      sectorCount - 1, // first pick starts at sector 0
		gcThreshold: DefaultGcUsageThreshold,
	}
}

// SectorCount returns the number of tracked sectors.
func (a *Accounting) SectorCount() int { return len(a.written) }

// SectorSizeBytes returns the sector size.
func (a *Accounting) SectorSizeBytes() int { return a.sectorSize }

// BaseAddress returns the flash address where sector begins.
func (a *Accounting) BaseAddress(sector int) uint32 {
	return uint32(sector * a.sectorSize)
}

// SectorOf returns the sector containing address.
func (a *Accounting) SectorOf(address uint32) int {
	return int(address) / a.sectorSize
}

// WriteAddress returns the address of the next free byte in sector.
func (a *Accounting) WriteAddress(sector int) uint32 {
	return a.BaseAddress(sector) + a.written[sector]
}

// RecordWrite accounts n freshly written bytes in sector.
func (a *Accounting) RecordWrite(sector, n int) {
	a.written[sector] += uint32(n)
}

// RecordReclaimable marks n already-written bytes in sector as stale. The
// count saturates at the written total: a stale size decoded from damaged
// flash can overshoot, and used bytes must never go negative.
func (a *Accounting) RecordReclaimable(sector, n int) {
	a.reclaimable[sector] += uint32(n)
	if a.reclaimable[sector] > a.written[sector] {
		a.reclaimable[sector] = a.written[sector]
	}
}

// BytesUsed returns the live bytes in sector.
func (a *Accounting) BytesUsed(sector int) int {
	return int(a.written[sector] - a.reclaimable[sector])
}

// BytesReclaimable returns the stale bytes in sector.
func (a *Accounting) BytesReclaimable(sector int) int {
	return int(a.reclaimable[sector])
}

// FreeBytes returns the unwritten bytes at the tail of sector.
func (a *Accounting) FreeBytes(sector int) int {
	return a.sectorSize - int(a.written[sector])
}

// IsFree reports whether sector is fully erased and writable.
func (a *Accounting) IsFree(sector int) bool {
	return a.written[sector] == 0 && !a.unwritable[sector]
}

// MarkUnwritable flags sector as unusable for writes until it is erased.
func (a *Accounting) MarkUnwritable(sector int) {
	a.unwritable[sector] = true
}

// IsWritable reports whether sector may receive writes.
func (a *Accounting) IsWritable(sector int) bool {
	return !a.unwritable[sector]
}

// CorruptSectorCount returns how many sectors are currently unwritable.
func (a *Accounting) CorruptSectorCount() int {
	n := 0
	for _, bad := range a.unwritable {
		if bad {
			n++
		}
	}
	return n
}

// ResetSector restores sector accounting to the fully-erased state after the
// device has erased it, and bumps the erase counter.
func (a *Accounting) ResetSector(sector int) {
	a.written[sector] = 0
	a.reclaimable[sector] = 0
	a.unwritable[sector] = false
	a.eraseCounts[sector]++
}

// EraseCount returns the recorded erase count of sector.
func (a *Accounting) EraseCount(sector int) uint32 { return a.eraseCounts[sector] }

// EraseCounts returns a copy of all erase counters.
func (a *Accounting) EraseCounts() []uint32 {
	out := make([]uint32, len(a.eraseCounts))
	copy(out, a.eraseCounts)
	return out
}

// FreeSectorCount returns the number of fully-erased writable sectors.
func (a *Accounting) FreeSectorCount() int {
	n := 0
	for s := range a.written {
		if a.IsFree(s) {
			n++
		}
	}
	return n
}

// TotalBytesUsed returns the live bytes across all sectors.
func (a *Accounting) TotalBytesUsed() int {
	total := 0
	for s := range a.written {
		total += a.BytesUsed(s)
	}
	return total
}

// TotalBytesReclaimable returns the stale bytes across all sectors.
func (a *Accounting) TotalBytesReclaimable() int {
	total := 0
	for _, r := range a.reclaimable {
		total += int(r)
	}
	return total
}

// Utilization returns the written fraction of the whole store.
func (a *Accounting) Utilization() float64 {
	written := 0
	for _, w := range a.written {
		written += int(w)
	}
	return float64(written) / float64(len(a.written)*a.sectorSize)
}

func contains(sectors []int, s int) bool {
	for _, x := range sectors {
		if x == s {
			return true
		}
	}
	return false
}

// PickWriteSector selects a sector that can hold required contiguous bytes,
// skipping sectors in reserved (targets of an in-flight multi-copy write).
//
// Partially-written sectors are preferred so free sectors are not consumed
// early. A fully-erased sector is only handed out if another erased sector
// remains afterwards; garbage collection is the one caller allowed to take
// the last free sector, since erasing its victim restores the invariant.
// Selection rotates round-robin to spread wear.
func (a *Accounting) PickWriteSector(required int, reserved []int, allowLastFree bool) (int, error) {
	n := len(a.written)
	partial, free := -1, -1
	for i := 1; i <= n; i++ {
		s := (a.cursor + i) % n
		if a.unwritable[s] || contains(reserved, s) || a.FreeBytes(s) < required {
			continue
		}
		if a.written[s] > 0 {
			partial = s
			break
		}
		if free < 0 {
			free = s
		}
	}

	if partial >= 0 {
		a.cursor = partial
		return partial, nil
	}
	if free >= 0 {
		remaining := 0
		for s := range a.written {
			if a.IsFree(s) && s != free && !contains(reserved, s) {
				remaining++
			}
		}
		if allowLastFree || remaining >= 1 {
			a.cursor = free
			return free, nil
		}
	}
	return -1, fmt.Errorf("%w: %d bytes", ErrNoSpace, required)
}

// PickGcSector selects the best garbage-collection victim: the sector with
// the most reclaimable bytes among sectors holding no live data. Sectors
// that still contain live entries are only considered once the store's
// utilization crosses the usage threshold, or when ignoreLiveProtection is
// set (heavy maintenance), since collecting them forces relocation.
func (a *Accounting) PickGcSector(reserved []int, ignoreLiveProtection bool) (int, bool) {
	best, bestReclaimable := -1, 0
	for s := range a.written {
		if contains(reserved, s) || a.reclaimable[s] == 0 {
			continue
		}
		if a.BytesUsed(s) == 0 && int(a.reclaimable[s]) > bestReclaimable {
			best, bestReclaimable = s, int(a.reclaimable[s])
		}
	}
	if best >= 0 {
		return best, true
	}

	if !ignoreLiveProtection && a.Utilization() <= a.gcThreshold {
		return -1, false
	}
	for s := range a.written {
		if contains(reserved, s) || a.reclaimable[s] == 0 {
			continue
		}
		if int(a.reclaimable[s]) > bestReclaimable {
			best, bestReclaimable = s, int(a.reclaimable[s])
		}
	}
	return best, best >= 0
}
