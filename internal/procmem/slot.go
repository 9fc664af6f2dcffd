package procmem

import (
	"fmt"
	"unsafe"
)

// Region is an address range whose mapping the caller has looked up, such
// as a /proc/self/maps record.
type Region interface {
	Contains(addr uintptr, size uintptr) bool
	Writable() bool
}

// Slot is a pointer-sized cell (a GOT or PLT entry) inside a verified
// region. It is the only way to store into process memory.
type Slot struct {
	addr   uintptr
	width  int
	region Region
}

// NewSlot validates that [addr, addr+width) lies inside region.
func NewSlot(addr uintptr, width int, region Region) (Slot, error) {
	if addr == 0 {
		return Slot{}, ErrNilAddress
	}
	if width != 4 && width != 8 {
		return Slot{}, ErrBadWidth
	}
	if region == nil || !region.Contains(addr, uintptr(width)) {
		return Slot{}, fmt.Errorf("%w: %#x", ErrOutOfRegion, addr)
	}
	return Slot{addr: addr, width: width, region: region}, nil
}

func (s Slot) Addr() uintptr { return s.addr }

func (s Slot) Width() int { return s.width }

// Load reads the current slot value.
func (s Slot) Load() uint64 {
	return Self.ReadUint(s.addr, s.width)
}

// Store writes v. The region's writability is checked at the moment of the
// store because protection may have changed since the slot was created.
func (s Slot) Store(v uint64) error {
	if s.addr == 0 || s.region == nil {
		return ErrNilAddress
	}
	if !s.region.Writable() {
		return fmt.Errorf("%w: %#x", ErrNotWritable, s.addr)
	}
	p := unsafe.Pointer(s.addr)
	switch s.width {
	case 4:
		if v > 0xffffffff {
			return fmt.Errorf("%w: %#x", ErrValueTooWide, v)
		}
		*(*uint32)(p) = uint32(v)
	case 8:
		*(*uint64)(p) = v
	default:
		return ErrBadWidth
	}
	return nil
}
