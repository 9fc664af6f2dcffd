// Package ldcache reads the glibc ld.so.cache written by ldconfig.
//
// Both the bare "glibc-ld.so.cache1.1" layout and the legacy layout that
// prefixes it with an "ld.so-1.7.0" table are accepted; the legacy table
// itself is skipped.
package ldcache

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"os"

	"github.com/steamrt/capsule/elfdyn"
)

// DefaultPath is where ldconfig writes the cache, relative to a sysroot.
const DefaultPath = "/etc/ld.so.cache"

const (
	oldMagic = "ld.so-1.7.0"
	newMagic = "glibc-ld.so.cache"
	version  = "1.1"

	newHeaderSize = 48
	newEntrySize  = 24
	oldEntrySize  = 12
)

// Entry flags.
const (
	FlagTypeMask     = 0x00ff
	FlagELFLibc6     = 0x0003
	FlagRequiredMask = 0xff00
	FlagSPARCLib64   = 0x0100
	FlagX8664Lib64   = 0x0300
	FlagS390Lib64    = 0x0400
	FlagPowerPCLib64 = 0x0500
	FlagMIPS64Libn32 = 0x0600
	FlagMIPS64Libn64 = 0x0700
	FlagX8664LibX32  = 0x0800
	FlagARMLibHF     = 0x0900
	FlagAArch64Lib64 = 0x0a00
	FlagARMLibSF     = 0x0b00
)

var (
	ErrBadMagic  = errors.New("ldcache: not an ld.so.cache file")
	ErrTruncated = errors.New("ldcache: truncated cache")
)

// Entry maps a soname to the path ldconfig found it at.
type Entry struct {
	Flags     int32
	Key       string
	Value     string
	OSVersion uint32
	HWCap     uint64
}

// Cache is a parsed ld.so.cache.
type Cache struct {
	Entries []Entry
}

// Open reads and parses the cache at path.
func Open(path string) (*Cache, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	c, err := Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return c, nil
}

// Parse decodes a cache image. Multi-byte fields use host byte order, as
// ldconfig writes them.
func Parse(raw []byte) (*Cache, error) {
	data := raw
	if bytes.HasPrefix(data, []byte(oldMagic)) {
		// 12-byte magic (11 + padding) followed by nlibs and the old entries.
		if len(data) < 16 {
			return nil, ErrTruncated
		}
		n := binary.NativeEndian.Uint32(data[12:16])
		skip := 16 + uint64(n)*oldEntrySize
		// The new table is aligned to the alignment of its header.
		skip = (skip + 7) &^ 7
		if skip > uint64(len(data)) {
			return nil, ErrTruncated
		}
		data = data[skip:]
		if !bytes.HasPrefix(data, []byte(newMagic)) {
			// Some writers did not align; retry at the unaligned offset.
			unaligned := 16 + uint64(n)*oldEntrySize
			data = raw[unaligned:]
		}
	}
	if !bytes.HasPrefix(data, []byte(newMagic+version)) {
		return nil, ErrBadMagic
	}
	if len(data) < newHeaderSize {
		return nil, ErrTruncated
	}

	n := binary.NativeEndian.Uint32(data[20:24])
	if uint64(newHeaderSize)+uint64(n)*newEntrySize > uint64(len(data)) {
		return nil, ErrTruncated
	}

	c := &Cache{Entries: make([]Entry, 0, n)}
	for i := uint32(0); i < n; i++ {
		e := data[newHeaderSize+int(i)*newEntrySize:]
		key, err := cString(data, binary.NativeEndian.Uint32(e[4:8]))
		if err != nil {
			return nil, fmt.Errorf("entry %d key: %w", i, err)
		}
		value, err := cString(data, binary.NativeEndian.Uint32(e[8:12]))
		if err != nil {
			return nil, fmt.Errorf("entry %d value: %w", i, err)
		}
		c.Entries = append(c.Entries, Entry{
			Flags:     int32(binary.NativeEndian.Uint32(e[0:4])),
			Key:       key,
			Value:     value,
			OSVersion: binary.NativeEndian.Uint32(e[12:16]),
			HWCap:     binary.NativeEndian.Uint64(e[16:24]),
		})
	}
	return c, nil
}

func cString(data []byte, off uint32) (string, error) {
	if uint64(off) >= uint64(len(data)) {
		return "", ErrTruncated
	}
	end := bytes.IndexByte(data[off:], 0)
	if end < 0 {
		return "", ErrTruncated
	}
	return string(data[off : off+uint32(end)]), nil
}

// Lookup returns the first entry for soname whose flags match class.
func (c *Cache) Lookup(soname string, class elfdyn.Class) (string, bool) {
	for _, e := range c.Entries {
		if e.Key == soname && Compatible(e.Flags, class) {
			return e.Value, true
		}
	}
	return "", false
}

// Compatible reports whether an entry with flags can be loaded by a
// process of the given class.
func Compatible(flags int32, class elfdyn.Class) bool {
	if flags&FlagTypeMask != FlagELFLibc6 {
		return false
	}
	required := flags & FlagRequiredMask
	for _, want := range requiredFlags(class) {
		if required == want {
			return true
		}
	}
	return false
}

func requiredFlags(class elfdyn.Class) []int32 {
	switch class {
	case elfdyn.Class64X86:
		return []int32{FlagX8664Lib64}
	case elfdyn.Class64ARM:
		return []int32{FlagAArch64Lib64}
	case elfdyn.Class32ARM:
		return []int32{FlagARMLibHF, FlagARMLibSF, 0}
	case elfdyn.Class32X86:
		return []int32{0}
	default:
		return nil
	}
}
