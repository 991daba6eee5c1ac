package flash

import "fmt"

// MemDevice is an in-memory Device with NOR-like semantics: erase sets bytes
// to the erased value and writes can only move bits away from the erased
// polarity. Re-programming a region without erasing it first corrupts data
// the same way real flash would, which several recovery tests rely on.
//
// MemDevice also keeps per-sector erase counters and exposes fault-injection
// hooks, so it doubles as the reference device for wear-leveling and
// corruption tests.
type MemDevice struct {
	data        []byte
	sectorSize  int
	sectorCount int
	alignment   int
	erasedValue byte
	eraseCounts []uint32

	// ReadFault, if set, is consulted before every Read; a non-nil return is
	// surfaced to the caller instead of performing the read.
	ReadFault func(address uint32, length int) error
	// WriteFault, if set, is consulted before every Write.
	WriteFault func(address uint32, length int) error
}

// NewMemDevice creates a fully-erased in-memory device.
func NewMemDevice(sectorSize, sectorCount, alignment int) *MemDevice {
	d := &MemDevice{
		data:        make([]byte, sectorSize*sectorCount),
		sectorSize:  sectorSize,
		sectorCount: sectorCount,
		alignment:   alignment,
		erasedValue: 0xFF,
		eraseCounts: make([]uint32, sectorCount),
	}
	for i := range d.data {
		d.data[i] = d.erasedValue
	}
	return d
}

// Erase resets whole sectors to the erased value.
func (d *MemDevice) Erase(address uint32, numSectors int) error {
	if int(address)%d.sectorSize != 0 {
		return fmt.Errorf("%w: erase address %#x", ErrAlignment, address)
	}
	start := int(address) / d.sectorSize
	if start+numSectors > d.sectorCount {
		return fmt.Errorf("%w: erase of %d sectors at %#x", ErrOutOfRange, numSectors, address)
	}
	for s := start; s < start+numSectors; s++ {
		base := s * d.sectorSize
		for i := base; i < base+d.sectorSize; i++ {
			d.data[i] = d.erasedValue
		}
		d.eraseCounts[s]++
	}
	return nil
}

// Read fills buf from the device.
func (d *MemDevice) Read(address uint32, buf []byte) (int, error) {
	if int(address)+len(buf) > len(d.data) {
		return 0, fmt.Errorf("%w: read of %d bytes at %#x", ErrOutOfRange, len(buf), address)
	}
	if d.ReadFault != nil {
		if err := d.ReadFault(address, len(buf)); err != nil {
			return 0, err
		}
	}
	n := copy(buf, d.data[address:])
	return n, nil
}

// Write programs data at address. Bits can only move toward the programmed
// polarity, so writing over non-erased bytes silently produces the AND (or
// OR, for zero-erased parts) of old and new contents.
func (d *MemDevice) Write(address uint32, data []byte) (int, error) {
	if int(address)%d.alignment != 0 || len(data)%d.alignment != 0 {
		return 0, fmt.Errorf("%w: write of %d bytes at %#x", ErrAlignment, len(data), address)
	}
	if int(address)+len(data) > len(d.data) {
		return 0, fmt.Errorf("%w: write of %d bytes at %#x", ErrOutOfRange, len(data), address)
	}
	if d.WriteFault != nil {
		if err := d.WriteFault(address, len(data)); err != nil {
			return 0, err
		}
	}
	for i, b := range data {
		if d.erasedValue == 0xFF {
			d.data[int(address)+i] &= b
		} else {
			d.data[int(address)+i] |= b
		}
	}
	return len(data), nil
}

// IsErased reports whether the region reads back fully erased.
func (d *MemDevice) IsErased(address uint32, length int) (bool, error) {
	if int(address)+length > len(d.data) {
		return false, fmt.Errorf("%w: erased check of %d bytes at %#x", ErrOutOfRange, length, address)
	}
	for _, b := range d.data[address : int(address)+length] {
		if b != d.erasedValue {
			return false, nil
		}
	}
	return true, nil
}

// SectorSizeBytes returns the sector size.
func (d *MemDevice) SectorSizeBytes() int { return d.sectorSize }

// SectorCount returns the number of sectors.
func (d *MemDevice) SectorCount() int { return d.sectorCount }

// AlignmentBytes returns the write alignment.
func (d *MemDevice) AlignmentBytes() int { return d.alignment }

// ErasedByteValue returns the erased byte pattern.
func (d *MemDevice) ErasedByteValue() byte { return d.erasedValue }

// EraseCount returns how many times the given sector has been erased.
func (d *MemDevice) EraseCount(sector int) uint32 { return d.eraseCounts[sector] }

// EraseCounts returns a copy of the per-sector erase counters.
func (d *MemDevice) EraseCounts() []uint32 {
	out := make([]uint32, len(d.eraseCounts))
	copy(out, d.eraseCounts)
	return out
}

// Bytes exposes the raw device image. Tests use it to locate entries.
func (d *MemDevice) Bytes() []byte { return d.data }

// CorruptByte flips one bit at address, bypassing write semantics.
func (d *MemDevice) CorruptByte(address uint32) {
	d.data[address] ^= 0x01
}
