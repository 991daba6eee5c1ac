// Package checksum provides the pluggable checksum algorithms used to
// protect on-flash entries.
package checksum

import (
	"bytes"
	"encoding/binary"
	"errors"
	"hash/crc32"

	"github.com/cespare/xxhash/v2"
)

// ErrMismatch is returned when a candidate checksum does not match the
// computed state.
var ErrMismatch = errors.New("checksum mismatch")

// Algorithm is a streaming checksum over a byte sequence. An Algorithm is
// stateful and not safe for concurrent use; the store owns one per
// registered entry format.
//
// A nil Algorithm is a valid configuration meaning "no verification"; in
// that case the stored checksum field on flash must be zero.
type Algorithm interface {
	// Reset clears the running state.
	Reset()
	// Update feeds data into the running state.
	Update(data []byte)
	// Finish returns the current state as bytes. It does not reset.
	Finish() []byte
	// Verify compares candidate against the current state. Only the common
	// prefix is compared when the candidate is shorter than the state, which
	// lets fixed-width header fields hold truncated checksums.
	Verify(candidate []byte) error
	// SizeBytes returns the size of the full state returned by Finish.
	SizeBytes() int
}

// verifyPrefix implements the shared truncated-comparison rule.
func verifyPrefix(state, candidate []byte) error {
	n := len(candidate)
	if len(state) < n {
		n = len(state)
	}
	if n == 0 || !bytes.Equal(state[:n], candidate[:n]) {
		return ErrMismatch
	}
	return nil
}

// Crc32 is an IEEE CRC-32 Algorithm.
type Crc32 struct {
	state uint32
}

// NewCrc32 creates a CRC-32 checksum algorithm.
func NewCrc32() *Crc32 { return &Crc32{} }

// Reset clears the running CRC.
func (c *Crc32) Reset() { c.state = 0 }

// Update feeds data into the CRC.
func (c *Crc32) Update(data []byte) {
	c.state = crc32.Update(c.state, crc32.IEEETable, data)
}

// Finish returns the CRC as 4 little-endian bytes.
func (c *Crc32) Finish() []byte {
	out := make([]byte, 4)
	binary.LittleEndian.PutUint32(out, c.state)
	return out
}

// Verify compares candidate against the running CRC.
func (c *Crc32) Verify(candidate []byte) error {
	return verifyPrefix(c.Finish(), candidate)
}

// SizeBytes returns 4.
func (c *Crc32) SizeBytes() int { return 4 }

// XXHash64 is an Algorithm backed by 64-bit xxHash.
type XXHash64 struct {
	digest *xxhash.Digest
}

// NewXXHash64 creates an xxHash-64 checksum algorithm.
func NewXXHash64() *XXHash64 {
	return &XXHash64{digest: xxhash.New()}
}

// Reset clears the running hash.
func (x *XXHash64) Reset() { x.digest.Reset() }

// Update feeds data into the hash.
func (x *XXHash64) Update(data []byte) {
	// Digest.Write never fails.
	_, _ = x.digest.Write(data)
}

// Finish returns the hash as 8 little-endian bytes.
func (x *XXHash64) Finish() []byte {
	out := make([]byte, 8)
	binary.LittleEndian.PutUint64(out, x.digest.Sum64())
	return out
}

// Verify compares candidate against the running hash.
func (x *XXHash64) Verify(candidate []byte) error {
	return verifyPrefix(x.Finish(), candidate)
}

// SizeBytes returns 8.
func (x *XXHash64) SizeBytes() int { return 8 }
