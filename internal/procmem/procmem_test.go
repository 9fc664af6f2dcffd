package procmem

import (
	"encoding/binary"
	"errors"
	"runtime"
	"testing"
)

type fakeRegion struct {
	start, end uintptr
	writable   bool
}

func (r *fakeRegion) Contains(addr, size uintptr) bool {
	return addr >= r.start && addr+size <= r.end
}

func (r *fakeRegion) Writable() bool { return r.writable }

func TestSelfReads(t *testing.T) {
	buf := make([]byte, 32)
	binary.NativeEndian.PutUint64(buf[0:], 0x1122334455667788)
	binary.NativeEndian.PutUint32(buf[8:], 0xcafef00d)
	copy(buf[16:], "libnotgl.so\x00junk")
	base := AddressOf(buf)

	if got := Self.ReadUint(base, 8); got != 0x1122334455667788 {
		t.Fatalf("ReadUint(8) = %#x", got)
	}
	if got := Self.ReadUint(base+8, 4); got != 0xcafef00d {
		t.Fatalf("ReadUint(4) = %#x", got)
	}
	if got := Self.CString(base+16, 0); got != "libnotgl.so" {
		t.Fatalf("CString = %q", got)
	}
	if got := Self.CString(base+16, 3); got != "lib" {
		t.Fatalf("bounded CString = %q", got)
	}
	if got := Self.ReadBytes(base+8, 4); binary.NativeEndian.Uint32(got) != 0xcafef00d {
		t.Fatalf("ReadBytes = %x", got)
	}
	if got := Self.ReadUint(0, 8); got != 0 {
		t.Fatalf("ReadUint(nil) = %#x", got)
	}
	runtime.KeepAlive(buf)
}

func TestSlotStore(t *testing.T) {
	buf := make([]byte, 16)
	base := AddressOf(buf)
	region := &fakeRegion{start: base, end: base + 16, writable: true}

	slot, err := NewSlot(base+8, 8, region)
	if err != nil {
		t.Fatalf("NewSlot: %v", err)
	}
	if err := slot.Store(0xdeadbeef); err != nil {
		t.Fatalf("Store: %v", err)
	}
	if got := slot.Load(); got != 0xdeadbeef {
		t.Fatalf("Load = %#x", got)
	}
	for _, b := range buf[:8] {
		if b != 0 {
			t.Fatalf("neighbouring bytes changed: %x", buf)
		}
	}

	region.writable = false
	if err := slot.Store(1); !errors.Is(err, ErrNotWritable) {
		t.Fatalf("Store on read-only region: got %v", err)
	}
	if got := slot.Load(); got != 0xdeadbeef {
		t.Fatalf("read-only store modified slot: %#x", got)
	}
	runtime.KeepAlive(buf)
}

func TestNewSlotValidation(t *testing.T) {
	buf := make([]byte, 16)
	base := AddressOf(buf)
	region := &fakeRegion{start: base, end: base + 16, writable: true}

	if _, err := NewSlot(base+12, 8, region); !errors.Is(err, ErrOutOfRegion) {
		t.Fatalf("slot crossing region end: got %v", err)
	}
	if _, err := NewSlot(base, 3, region); !errors.Is(err, ErrBadWidth) {
		t.Fatalf("bad width: got %v", err)
	}
	if _, err := NewSlot(0, 8, region); !errors.Is(err, ErrNilAddress) {
		t.Fatalf("nil address: got %v", err)
	}
	if _, err := NewSlot(base, 8, nil); !errors.Is(err, ErrOutOfRegion) {
		t.Fatalf("nil region: got %v", err)
	}

	slot, err := NewSlot(base, 4, region)
	if err != nil {
		t.Fatalf("NewSlot(4): %v", err)
	}
	if err := slot.Store(1 << 40); !errors.Is(err, ErrValueTooWide) {
		t.Fatalf("wide value into 32-bit slot: got %v", err)
	}
	runtime.KeepAlive(buf)
}
