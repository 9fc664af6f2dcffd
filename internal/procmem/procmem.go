// Package procmem is the only place where the capsule runtime reads or
// writes raw process memory. Everything above it works with addresses as
// plain integers and goes through Memory for reads and Slot for writes.
package procmem

import (
	"errors"
	"fmt"
	"unsafe"
)

var (
	ErrNilAddress   = errors.New("procmem: nil address")
	ErrBadWidth     = errors.New("procmem: slot width must be 4 or 8")
	ErrOutOfRegion  = errors.New("procmem: slot outside of verified region")
	ErrNotWritable  = errors.New("procmem: region is not writable")
	ErrValueTooWide = errors.New("procmem: value does not fit slot")
)

// Memory reads words and strings from an address space.
type Memory interface {
	// ReadUint reads a little- or big-endian native word of width 1, 2, 4
	// or 8 bytes at addr.
	ReadUint(addr uintptr, width int) uint64
	// ReadBytes copies n bytes starting at addr.
	ReadBytes(addr uintptr, n int) []byte
	// CString reads a NUL-terminated string of at most max bytes.
	CString(addr uintptr, max int) string
}

// Self reads the memory of the running process. Callers must only pass
// addresses they obtained from the dynamic linker or from a mapped table.
var Self Memory = self{}

type self struct{}

func (self) ReadUint(addr uintptr, width int) uint64 {
	if addr == 0 {
		return 0
	}
	p := unsafe.Pointer(addr)
	switch width {
	case 1:
		return uint64(*(*uint8)(p))
	case 2:
		return uint64(*(*uint16)(p))
	case 4:
		return uint64(*(*uint32)(p))
	case 8:
		return *(*uint64)(p)
	default:
		panic(fmt.Sprintf("procmem: unsupported read width %d", width))
	}
}

func (self) ReadBytes(addr uintptr, n int) []byte {
	if addr == 0 || n <= 0 {
		return nil
	}
	out := make([]byte, n)
	copy(out, unsafe.Slice((*byte)(unsafe.Pointer(addr)), n))
	return out
}

func (self) CString(addr uintptr, max int) string {
	if addr == 0 {
		return ""
	}
	if max <= 0 {
		max = 1 << 20
	}
	buf := make([]byte, 0, 64)
	for i := 0; i < max; i++ {
		ch := *(*byte)(unsafe.Pointer(addr + uintptr(i)))
		if ch == 0 {
			break
		}
		buf = append(buf, ch)
	}
	return string(buf)
}

// AddressOf returns the address of the first byte of b. b must stay
// reachable for as long as the address is used.
func AddressOf(b []byte) uintptr {
	if len(b) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&b[0]))
}
