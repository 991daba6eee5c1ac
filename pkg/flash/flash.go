// Package flash defines the block-device abstraction the key-value store
// operates on. The store only ever talks to a Device; the real hardware
// driver lives outside this module.
package flash

import "errors"

var (
	// ErrOutOfRange is returned when an address or length falls outside the device
	ErrOutOfRange = errors.New("address out of device range")
	// ErrAlignment is returned when an address or length violates the device's write alignment
	ErrAlignment = errors.New("address or length not aligned")
	// ErrReadFault is returned when the device fails to read a region
	ErrReadFault = errors.New("device read fault")
	// ErrWriteFault is returned when the device fails to program a region
	ErrWriteFault = errors.New("device write fault")
)

// Device models raw sector-erasable flash. Addresses are byte offsets from
// the start of the device. Writes may only program bits away from the erased
// polarity; a region must be erased before it can hold new data.
type Device interface {
	// Erase resets numSectors sectors to the erased byte value, starting at the
	// sector containing address. The address must be sector-aligned.
	Erase(address uint32, numSectors int) error

	// Read fills buf from the device starting at address and returns the number
	// of bytes read.
	Read(address uint32, buf []byte) (int, error)

	// Write programs data at address and returns the number of bytes written.
	// The address and length must be multiples of AlignmentBytes.
	Write(address uint32, data []byte) (int, error)

	// IsErased reports whether every byte in [address, address+length) reads
	// back as the erased byte value.
	IsErased(address uint32, length int) (bool, error)

	// SectorSizeBytes returns the size of the smallest erasable unit.
	SectorSizeBytes() int

	// SectorCount returns the number of sectors on the device.
	SectorCount() int

	// AlignmentBytes returns the minimum write alignment, in bytes.
	AlignmentBytes() int

	// ErasedByteValue returns the value a byte reads back as after an erase.
	ErasedByteValue() byte
}
