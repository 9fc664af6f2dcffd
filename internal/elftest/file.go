package elftest

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"os"
	"testing"

	"github.com/steamrt/capsule/elfdyn"
)

// Object describes a shared object written to disk. It carries section
// headers and a dynamic section only; it is meant for readers such as
// debug/elf, not for the dynamic linker.
type Object struct {
	Class   elfdyn.Class
	Soname  string
	Needed  []string
	Runpath string
	Rpath   string
	// Type defaults to ET_DYN.
	Type elf.Type
}

// WriteObject writes obj to path.
func WriteObject(t testing.TB, path string, obj Object) {
	t.Helper()

	c := obj.Class
	if c == (elfdyn.Class{}) {
		native, err := elfdyn.Native()
		if err != nil {
			t.Skip(err)
		}
		c = native
	}
	typ := obj.Type
	if typ == elf.ET_NONE {
		typ = elf.ET_DYN
	}

	dynstr := []byte{0}
	addStr := func(s string) uint64 {
		off := uint64(len(dynstr))
		dynstr = append(dynstr, s...)
		dynstr = append(dynstr, 0)
		return off
	}
	type dyn struct {
		tag elf.DynTag
		val uint64
	}
	var dyns []dyn
	for _, n := range obj.Needed {
		dyns = append(dyns, dyn{elf.DT_NEEDED, addStr(n)})
	}
	if obj.Soname != "" {
		dyns = append(dyns, dyn{elf.DT_SONAME, addStr(obj.Soname)})
	}
	if obj.Runpath != "" {
		dyns = append(dyns, dyn{elf.DT_RUNPATH, addStr(obj.Runpath)})
	}
	if obj.Rpath != "" {
		dyns = append(dyns, dyn{elf.DT_RPATH, addStr(obj.Rpath)})
	}
	dyns = append(dyns, dyn{elf.DT_STRSZ, uint64(len(dynstr))}, dyn{elf.DT_NULL, 0})

	shstr := []byte("\x00.dynstr\x00.dynamic\x00.shstrtab\x00")
	const (
		nameDynstr   = 1
		nameDynamic  = 9
		nameShstrtab = 18
	)

	le := binary.LittleEndian
	var body bytes.Buffer
	pad := func(a int) {
		for body.Len()%a != 0 {
			body.WriteByte(0)
		}
	}

	hdrSize, shentSize := 52, 40
	if c.Is64() {
		hdrSize, shentSize = 64, 64
	}
	body.Write(make([]byte, hdrSize))

	dynstrOff := body.Len()
	body.Write(dynstr)
	pad(8)
	dynamicOff := body.Len()
	for _, d := range dyns {
		if c.Is64() {
			_ = binary.Write(&body, le, elf.Dyn64{Tag: int64(d.tag), Val: d.val})
		} else {
			_ = binary.Write(&body, le, elf.Dyn32{Tag: int32(d.tag), Val: uint32(d.val)})
		}
	}
	dynamicSize := body.Len() - dynamicOff
	shstrOff := body.Len()
	body.Write(shstr)
	pad(8)
	shOff := body.Len()

	type section struct {
		name, typ, link    uint32
		off, size, entsize uint64
	}
	sections := []section{
		{},
		{name: nameDynstr, typ: uint32(elf.SHT_STRTAB), off: uint64(dynstrOff), size: uint64(len(dynstr))},
		{name: nameDynamic, typ: uint32(elf.SHT_DYNAMIC), link: 1, off: uint64(dynamicOff), size: uint64(dynamicSize), entsize: uint64(c.DynSize())},
		{name: nameShstrtab, typ: uint32(elf.SHT_STRTAB), off: uint64(shstrOff), size: uint64(len(shstr))},
	}
	for _, s := range sections {
		if c.Is64() {
			_ = binary.Write(&body, le, elf.Section64{
				Name: s.name, Type: s.typ, Link: s.link, Off: s.off, Size: s.size, Entsize: s.entsize, Addralign: 1,
			})
		} else {
			_ = binary.Write(&body, le, elf.Section32{
				Name: s.name, Type: s.typ, Link: s.link, Off: uint32(s.off), Size: uint32(s.size), Entsize: uint32(s.entsize), Addralign: 1,
			})
		}
	}

	var ident [elf.EI_NIDENT]byte
	copy(ident[:], elf.ELFMAG)
	ident[elf.EI_CLASS] = byte(c.Class)
	ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)

	var hdr bytes.Buffer
	if c.Is64() {
		_ = binary.Write(&hdr, le, elf.Header64{
			Ident: ident, Type: uint16(typ), Machine: uint16(c.Machine), Version: uint32(elf.EV_CURRENT),
			Shoff: uint64(shOff), Ehsize: uint16(hdrSize), Shentsize: uint16(shentSize),
			Shnum: uint16(len(sections)), Shstrndx: 3,
		})
	} else {
		_ = binary.Write(&hdr, le, elf.Header32{
			Ident: ident, Type: uint16(typ), Machine: uint16(c.Machine), Version: uint32(elf.EV_CURRENT),
			Shoff: uint32(shOff), Ehsize: uint16(hdrSize), Shentsize: uint16(shentSize),
			Shnum: uint16(len(sections)), Shstrndx: 3,
		})
	}
	out := body.Bytes()
	copy(out, hdr.Bytes())

	if err := os.WriteFile(path, out, 0o755); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}
