// Package entry implements the on-flash record codec: a fixed 16-byte
// header followed by raw key bytes, raw value bytes, and padding up to the
// configured alignment.
package entry

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/FlashKV/flashkv/pkg/checksum"
)

const (
	// HeaderSize is the fixed size of an entry header in bytes.
	HeaderSize = 16
	// MaxKeyLength is the largest key the format can describe.
	MaxKeyLength = 64
	// MaxValueLength is the largest value the format can describe. The
	// all-ones pattern above it is reserved for tombstones.
	MaxValueLength = 65534
	// MinAlignmentBytes is the smallest entry alignment.
	MinAlignmentBytes = 16
	// MaxAlignmentBytes is the largest entry alignment the one-byte
	// alignment-units field can express.
	MaxAlignmentBytes = 4096

	// deletedValueLength marks a tombstone in the value-length field.
	deletedValueLength = 0xFFFF
)

var (
	// ErrKeyLength is returned for empty or oversized keys.
	ErrKeyLength = errors.New("invalid key length")
	// ErrValueLength is returned for oversized values.
	ErrValueLength = errors.New("value too large")
	// ErrAlignment is returned for an alignment outside the representable range.
	ErrAlignment = errors.New("invalid entry alignment")
	// ErrTruncated is returned when a buffer is too short for the entry it claims to hold.
	ErrTruncated = errors.New("entry truncated")
	// ErrCorrupt is returned when a header fails basic sanity checks.
	ErrCorrupt = errors.New("corrupt entry header")
	// ErrChecksum is returned when an entry fails checksum verification.
	ErrChecksum = errors.New("entry checksum mismatch")
)

// Header is the decoded form of the 16-byte entry header.
//
// Layout, little-endian:
//
//	offset 0  magic            (4 bytes)
//	offset 4  checksum         (4 bytes, zeroed during computation)
//	offset 8  alignment units  (1 byte; alignment = (units+1)*16)
//	offset 9  key length       (1 byte)
//	offset 10 value length     (2 bytes; 0xFFFF marks a tombstone)
//	offset 12 transaction id   (4 bytes)
type Header struct {
	Magic          uint32
	Checksum       uint32
	AlignmentUnits uint8
	KeyLength      uint8
	RawValueLength uint16
	TransactionID  uint32
}

// Deleted reports whether the header describes a tombstone.
func (h Header) Deleted() bool { return h.RawValueLength == deletedValueLength }

// ValueLength returns the value payload size. Tombstones carry no payload,
// so this returns 0 regardless of the stored sentinel pattern.
func (h Header) ValueLength() int {
	if h.Deleted() {
		return 0
	}
	return int(h.RawValueLength)
}

// Alignment returns the entry alignment in bytes.
func (h Header) Alignment() int { return (int(h.AlignmentUnits) + 1) * MinAlignmentBytes }

// EntrySize returns the total on-flash size of the entry, padding included.
func (h Header) EntrySize() int {
	return AlignUp(HeaderSize+int(h.KeyLength)+h.ValueLength(), h.Alignment())
}

// Check performs the sanity checks that a scan applies before trusting a
// header it found on flash.
func (h Header) Check() error {
	if h.KeyLength == 0 || h.KeyLength > MaxKeyLength {
		return fmt.Errorf("%w: key length %d", ErrCorrupt, h.KeyLength)
	}
	return nil
}

// DecodeHeader parses a header from the first HeaderSize bytes of data.
func DecodeHeader(data []byte) (Header, error) {
	if len(data) < HeaderSize {
		return Header{}, fmt.Errorf("%w: %d header bytes", ErrTruncated, len(data))
	}
	return Header{
		Magic:          binary.LittleEndian.Uint32(data[0:4]),
		Checksum:       binary.LittleEndian.Uint32(data[4:8]),
		AlignmentUnits: data[8],
		KeyLength:      data[9],
		RawValueLength: binary.LittleEndian.Uint16(data[10:12]),
		TransactionID:  binary.LittleEndian.Uint32(data[12:16]),
	}, nil
}

// encodeHeader serializes h into the first HeaderSize bytes of dst.
func encodeHeader(dst []byte, h Header) {
	binary.LittleEndian.PutUint32(dst[0:4], h.Magic)
	binary.LittleEndian.PutUint32(dst[4:8], h.Checksum)
	dst[8] = h.AlignmentUnits
	dst[9] = h.KeyLength
	binary.LittleEndian.PutUint16(dst[10:12], h.RawValueLength)
	binary.LittleEndian.PutUint32(dst[12:16], h.TransactionID)
}

// AlignUp rounds n up to the next multiple of alignment.
func AlignUp(n, alignment int) int {
	return (n + alignment - 1) / alignment * alignment
}

// Size returns the on-flash size of an entry with the given key and value
// lengths at the given alignment.
func Size(alignment, keyLength, valueLength int) int {
	return AlignUp(HeaderSize+keyLength+valueLength, alignment)
}

// Encode serializes a valid key-value entry in the given format. Padding
// bytes are set to padByte, the device's erased value, so the pad region is
// indistinguishable from unwritten flash.
func Encode(f Format, key, value []byte, alignment int, transactionID uint32, padByte byte) ([]byte, error) {
	if len(value) > MaxValueLength {
		return nil, fmt.Errorf("%w: %d bytes", ErrValueLength, len(value))
	}
	return encode(f, key, value, uint16(len(value)), alignment, transactionID, padByte)
}

// EncodeTombstone serializes a deletion record for key.
func EncodeTombstone(f Format, key []byte, alignment int, transactionID uint32, padByte byte) ([]byte, error) {
	return encode(f, key, nil, deletedValueLength, alignment, transactionID, padByte)
}

func encode(f Format, key, value []byte, rawValueLength uint16, alignment int, transactionID uint32, padByte byte) ([]byte, error) {
	if len(key) == 0 || len(key) > MaxKeyLength {
		return nil, fmt.Errorf("%w: %d bytes", ErrKeyLength, len(key))
	}
	if alignment < MinAlignmentBytes || alignment > MaxAlignmentBytes || alignment%MinAlignmentBytes != 0 {
		return nil, fmt.Errorf("%w: %d bytes", ErrAlignment, alignment)
	}

	total := Size(alignment, len(key), len(value))
	buf := make([]byte, total)
	encodeHeader(buf, Header{
		Magic:          f.Magic,
		Checksum:       0,
		AlignmentUnits: uint8(alignment/MinAlignmentBytes - 1),
		KeyLength:      uint8(len(key)),
		RawValueLength: rawValueLength,
		TransactionID:  transactionID,
	})
	n := HeaderSize
	n += copy(buf[n:], key)
	n += copy(buf[n:], value)
	for i := n; i < total; i++ {
		buf[i] = padByte
	}

	if f.Checksum != nil {
		state := computeChecksum(f.Checksum, buf[:n])
		// The header field holds at most the first 4 bytes of the state.
		copy(buf[4:8], state)
	}
	return buf, nil
}

// computeChecksum runs algo over header+key+value with the checksum field
// treated as zero. raw must hold exactly header+key+value (no padding).
func computeChecksum(algo checksum.Algorithm, raw []byte) []byte {
	var zeros [4]byte
	algo.Reset()
	algo.Update(raw[0:4])
	algo.Update(zeros[:])
	algo.Update(raw[8:])
	return algo.Finish()
}

// VerifyChecksum recomputes the checksum of a raw entry and compares it
// against the stored header field. raw must contain at least the header,
// key, and value bytes; trailing padding is ignored.
//
// With a nil algorithm the stored checksum must be zero: a nonzero value is
// an integrity claim that can no longer be checked, which is data loss.
func VerifyChecksum(algo checksum.Algorithm, raw []byte) error {
	h, err := DecodeHeader(raw)
	if err != nil {
		return err
	}
	need := HeaderSize + int(h.KeyLength) + h.ValueLength()
	if len(raw) < need {
		return fmt.Errorf("%w: %d of %d entry bytes", ErrTruncated, len(raw), need)
	}

	if algo == nil {
		if h.Checksum != 0 {
			return fmt.Errorf("%w: nonzero checksum with no algorithm", ErrChecksum)
		}
		return nil
	}

	state := computeChecksum(algo, raw[:need])
	stored := raw[4:8]
	if algo.SizeBytes() < len(stored) {
		stored = stored[:algo.SizeBytes()]
	}
	for i := range stored {
		if state[i] != stored[i] {
			return ErrChecksum
		}
	}
	return nil
}
