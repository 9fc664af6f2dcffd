package elftest

import (
	"encoding/binary"
)

type versionData struct {
	versym    []uint16
	verdef    []byte
	verdefnum int
	verneed   []byte
}

const (
	verdefSize  = 20
	verdauxSize = 8
	verneedSize = 16
	vernauxSize = 16
	verFlgBase  = 1
)

// buildVersions lays out DT_VERSYM, DT_VERDEF and DT_VERNEED for the
// versioned symbols, or returns nil when no symbol carries a version.
func buildVersions(b *Builder, symbols []Symbol, strs *strtab) *versionData {
	versioned := false
	for _, s := range symbols {
		if s.Version != "" {
			versioned = true
			break
		}
	}
	if !versioned {
		return nil
	}

	var defined, needed []string
	seen := make(map[string]bool)
	for _, s := range symbols {
		if s.Version == "" || seen[s.Version] {
			continue
		}
		seen[s.Version] = true
		if s.Defined {
			defined = append(defined, s.Version)
		} else {
			needed = append(needed, s.Version)
		}
	}

	index := make(map[string]uint16)
	next := uint16(2)
	data := &versionData{}

	if len(defined) > 0 {
		baseName := b.Soname
		if baseName == "" {
			baseName = "libelftest.so"
		}
		names := append([]string{baseName}, defined...)
		data.verdefnum = len(names)
		data.verdef = make([]byte, len(names)*(verdefSize+verdauxSize))
		for i, name := range names {
			at := i * (verdefSize + verdauxSize)
			e := data.verdef[at:]
			ndx := uint16(1)
			flags := uint16(verFlgBase)
			if i > 0 {
				ndx, flags = next, 0
				index[name] = ndx
				next++
			}
			binary.NativeEndian.PutUint16(e[0:], 1)
			binary.NativeEndian.PutUint16(e[2:], flags)
			binary.NativeEndian.PutUint16(e[4:], ndx)
			binary.NativeEndian.PutUint16(e[6:], 1)
			binary.NativeEndian.PutUint32(e[12:], verdefSize)
			if i < len(names)-1 {
				binary.NativeEndian.PutUint32(e[16:], verdefSize+verdauxSize)
			}
			binary.NativeEndian.PutUint32(e[verdefSize:], strs.add(name))
		}
	}

	if len(needed) > 0 {
		file := b.NeedFile
		if file == "" {
			file = "libneeded.so.1"
		}
		data.verneed = make([]byte, verneedSize+len(needed)*vernauxSize)
		e := data.verneed
		binary.NativeEndian.PutUint16(e[0:], 1)
		binary.NativeEndian.PutUint16(e[2:], uint16(len(needed)))
		binary.NativeEndian.PutUint32(e[4:], strs.add(file))
		binary.NativeEndian.PutUint32(e[8:], verneedSize)
		for i, name := range needed {
			a := e[verneedSize+i*vernauxSize:]
			index[name] = next
			binary.NativeEndian.PutUint16(a[6:], next)
			binary.NativeEndian.PutUint32(a[8:], strs.add(name))
			if i < len(needed)-1 {
				binary.NativeEndian.PutUint32(a[12:], vernauxSize)
			}
			next++
		}
	}

	data.versym = make([]uint16, len(symbols))
	for i, s := range symbols {
		switch {
		case i == 0:
		case s.Version == "":
			data.versym[i] = 1
		default:
			data.versym[i] = index[s.Version]
			if s.Hidden {
				data.versym[i] |= 0x8000
			}
		}
	}
	return data
}
