package flash

import (
	"bytes"
	"errors"
	"testing"
)

func TestMemDeviceEraseFillsErasedValue(t *testing.T) {
	d := NewMemDevice(1024, 4, 16)

	buf := make([]byte, 64)
	if _, err := d.Read(0, buf); err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	for i, b := range buf {
		if b != d.ErasedByteValue() {
			t.Fatalf("byte %d not erased after construction: %#x", i, b)
		}
	}

	data := bytes.Repeat([]byte{0xA5}, 32)
	if _, err := d.Write(0, data); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	erased, err := d.IsErased(0, 32)
	if err != nil {
		t.Fatalf("IsErased failed: %v", err)
	}
	if erased {
		t.Error("region reported erased after write")
	}

	if err := d.Erase(0, 1); err != nil {
		t.Fatalf("Erase failed: %v", err)
	}
	erased, _ = d.IsErased(0, 1024)
	if !erased {
		t.Error("sector not erased after Erase")
	}
	if d.EraseCount(0) != 1 {
		t.Errorf("erase count = %d, expected 1", d.EraseCount(0))
	}
}

func TestMemDeviceWriteWithoutEraseClearsBits(t *testing.T) {
	d := NewMemDevice(1024, 4, 16)

	first := bytes.Repeat([]byte{0xF0}, 16)
	second := bytes.Repeat([]byte{0x0F}, 16)
	if _, err := d.Write(0, first); err != nil {
		t.Fatalf("first write failed: %v", err)
	}
	if _, err := d.Write(0, second); err != nil {
		t.Fatalf("second write failed: %v", err)
	}

	buf := make([]byte, 16)
	d.Read(0, buf)
	for i, b := range buf {
		if b != 0x00 {
			t.Fatalf("byte %d = %#x, expected 0x00 from AND of overlapping writes", i, b)
		}
	}
}

func TestMemDeviceAlignmentEnforced(t *testing.T) {
	d := NewMemDevice(1024, 4, 16)

	if _, err := d.Write(8, make([]byte, 16)); !errors.Is(err, ErrAlignment) {
		t.Errorf("unaligned address: got %v, expected ErrAlignment", err)
	}
	if _, err := d.Write(0, make([]byte, 10)); !errors.Is(err, ErrAlignment) {
		t.Errorf("unaligned length: got %v, expected ErrAlignment", err)
	}
	if err := d.Erase(100, 1); !errors.Is(err, ErrAlignment) {
		t.Errorf("unaligned erase: got %v, expected ErrAlignment", err)
	}
}

func TestMemDeviceBoundsChecked(t *testing.T) {
	d := NewMemDevice(1024, 2, 16)

	if _, err := d.Write(2048-16, make([]byte, 32)); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("overrun write: got %v, expected ErrOutOfRange", err)
	}
	if _, err := d.Read(2048, make([]byte, 1)); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("overrun read: got %v, expected ErrOutOfRange", err)
	}
	if err := d.Erase(1024, 2); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("overrun erase: got %v, expected ErrOutOfRange", err)
	}
}

func TestMemDeviceFaultInjection(t *testing.T) {
	d := NewMemDevice(1024, 4, 16)
	d.ReadFault = func(address uint32, length int) error {
		if address < 16 {
			return ErrReadFault
		}
		return nil
	}

	if _, err := d.Read(0, make([]byte, 16)); !errors.Is(err, ErrReadFault) {
		t.Errorf("expected injected read fault, got %v", err)
	}
	if _, err := d.Read(32, make([]byte, 16)); err != nil {
		t.Errorf("unexpected fault outside injected range: %v", err)
	}
}
