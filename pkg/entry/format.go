package entry

import (
	"errors"

	"github.com/FlashKV/flashkv/pkg/checksum"
)

// ErrUnknownMagic is returned when no registered format matches a header's
// magic value.
var ErrUnknownMagic = errors.New("unknown entry magic")

// Format identifies one on-flash entry format: a magic value plus the
// checksum algorithm protecting entries written with it. A nil Checksum
// means entries of this format carry a zero checksum field and are not
// verified.
type Format struct {
	Magic    uint32
	Checksum checksum.Algorithm
}

// Formats is the ordered set of formats a store understands. The first
// format is primary: all new writes use it. The rest are read-compatible
// secondary formats kept so older images stay readable.
type Formats struct {
	formats []Format
}

// NewFormats builds a format registry from a primary format and optional
// secondary formats.
func NewFormats(primary Format, secondary ...Format) Formats {
	all := make([]Format, 0, 1+len(secondary))
	all = append(all, primary)
	all = append(all, secondary...)
	return Formats{formats: all}
}

// Primary returns the format used for new writes.
func (f Formats) Primary() Format { return f.formats[0] }

// Find returns the registered format with the given magic.
func (f Formats) Find(magic uint32) (Format, error) {
	for _, fmt := range f.formats {
		if fmt.Magic == magic {
			return fmt, nil
		}
	}
	return Format{}, ErrUnknownMagic
}

// Known reports whether magic belongs to a registered format.
func (f Formats) Known(magic uint32) bool {
	_, err := f.Find(magic)
	return err == nil
}

// Len returns the number of registered formats.
func (f Formats) Len() int { return len(f.formats) }
