// Package elftest builds synthetic loaded-ELF images in memory: a dynamic
// section with string, symbol, hash, version and relocation tables, and a
// GOT whose slots the relocation entries point at. Tests walk and patch
// these images exactly as they would a real object mapped by ld.so.
package elftest

import (
	"debug/elf"
	"encoding/binary"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"golang.org/x/sys/unix"

	"github.com/steamrt/capsule/elfdyn"
	"github.com/steamrt/capsule/internal/procmem"
)

// Mapping selects the memory backing an image.
type Mapping int

const (
	// Heap places the image in a Go byte slice.
	Heap Mapping = iota
	// Anonymous places the image in a private anonymous mapping.
	Anonymous
	// File maps a temporary file privately, which is how a shared
	// object's RELRO segment appears in /proc/self/maps.
	File
)

// Symbol describes a dynamic symbol.
type Symbol struct {
	Name    string
	Version string
	Hidden  bool
	Defined bool
	Value   uint64
}

// Reloc describes a relocation entry and the GOT slot it binds.
type Reloc struct {
	Symbol string
	// Kind picks the machine's relocation type; Type overrides it when
	// non-zero.
	Kind elfdyn.RelocKind
	Type uint32
	// Table is DT_RELA, DT_REL or DT_JMPREL. Defaults to DT_JMPREL.
	Table  elf.DynTag
	Addend int64
	// Initial is the slot's value before patching.
	Initial uint64
	// SymIndex overrides the symbol index when non-zero.
	SymIndex uint32
}

// Builder lays out an image.
type Builder struct {
	Class   elfdyn.Class
	Symbols []Symbol
	Relocs  []Reloc
	Soname  string
	// NeedFile is the DT_VERNEED file name for versioned imports.
	NeedFile string

	// PLTRel is the DT_PLTREL value. Defaults to DT_RELA on 64-bit
	// classes and DT_REL on 32-bit ones.
	PLTRel elf.DynTag
	// Omit lists dynamic tags that are not emitted.
	Omit []elf.DynTag
	// Absolute stores absolute addresses in d_ptr entries instead of
	// base-relative ones.
	Absolute bool
	NoHash   bool
	GNUHash  bool

	Mapping     Mapping
	ReadOnlyGOT bool
}

// Image is a built image.
type Image struct {
	Class   elfdyn.Class
	Mem     []byte
	Base    uintptr
	Dynamic uintptr
	DynSize uintptr
	Strtab  uintptr
	Symtab  uintptr
	// GOT is the offset of the first slot; slots are WordSize apart and
	// follow Relocs order.
	GOT   uintptr
	Path  string
	slots []uintptr
}

// SlotAddr returns the absolute address of the slot bound by Relocs[i].
func (img *Image) SlotAddr(i int) uintptr { return img.Base + img.slots[i] }

// Slot returns the value of the slot bound by Relocs[i].
func (img *Image) Slot(i int) uint64 {
	off := img.slots[i]
	v := readWord(img.Mem[off:], img.Class.WordSize())
	runtime.KeepAlive(img.Mem)
	return v
}

// SlotCount returns the number of GOT slots.
func (img *Image) SlotCount() int { return len(img.slots) }

// Memory returns the reader tests should hand to the walker.
func (img *Image) Memory() procmem.Memory { return procmem.Self }

type dyn struct {
	tag elf.DynTag
	val uint64
	ptr bool
}

type strtab struct {
	data  []byte
	index map[string]uint32
}

func newStrtab() *strtab {
	return &strtab{data: []byte{0}, index: map[string]uint32{"": 0}}
}

func (s *strtab) add(name string) uint32 {
	if off, ok := s.index[name]; ok {
		return off
	}
	off := uint32(len(s.data))
	s.data = append(s.data, name...)
	s.data = append(s.data, 0)
	s.index[name] = off
	return off
}

func align(v, a uintptr) uintptr {
	return (v + a - 1) &^ (a - 1)
}

// Build lays out and maps the image. Mappings are released when the test
// ends.
func (b *Builder) Build(t testing.TB) *Image {
	t.Helper()

	c := b.Class
	if c.Machine == elf.EM_NONE {
		native, err := elfdyn.Native()
		if err != nil {
			t.Skipf("no native ELF class: %v", err)
		}
		c = native
	}
	word := uintptr(c.WordSize())
	pageSize := uintptr(unix.Getpagesize())

	symbols := append([]Symbol{{}}, b.Symbols...)
	symIndex := make(map[string]uint32)
	for i, s := range symbols[1:] {
		symIndex[s.Name] = uint32(i + 1)
	}
	for _, r := range b.Relocs {
		if _, ok := symIndex[r.Symbol]; !ok && r.Symbol != "" {
			symIndex[r.Symbol] = uint32(len(symbols))
			symbols = append(symbols, Symbol{Name: r.Symbol})
		}
	}

	strs := newStrtab()
	if b.Soname != "" {
		strs.add(b.Soname)
	}
	nameOffsets := make([]uint32, len(symbols))
	for i, s := range symbols {
		nameOffsets[i] = strs.add(s.Name)
	}

	versions := buildVersions(b, symbols, strs)

	pltRel := b.PLTRel
	if pltRel == 0 {
		pltRel = elf.DT_RELA
		if !c.Is64() {
			pltRel = elf.DT_REL
		}
	}

	// group relocations per table
	type group struct {
		tag     elf.DynTag
		kind    elfdyn.TableKind
		indices []int
	}
	groups := []*group{
		{tag: elf.DT_RELA, kind: elfdyn.KindRELA},
		{tag: elf.DT_REL, kind: elfdyn.KindREL},
		{tag: elf.DT_JMPREL, kind: elfdyn.KindRELA},
	}
	if pltRel != elf.DT_RELA {
		groups[2].kind = elfdyn.KindREL
	}
	for i, r := range b.Relocs {
		tag := r.Table
		if tag == 0 {
			tag = elf.DT_JMPREL
		}
		for _, g := range groups {
			if g.tag == tag {
				g.indices = append(g.indices, i)
			}
		}
	}
	entSize := func(k elfdyn.TableKind) uintptr {
		if k == elfdyn.KindRELA {
			return uintptr(c.RelaSize())
		}
		return uintptr(c.RelSize())
	}

	// layout
	off := uintptr(64)
	var dyns []dyn
	emit := func(tag elf.DynTag, val uint64, ptr bool) {
		for _, o := range b.Omit {
			if o == tag {
				return
			}
		}
		dyns = append(dyns, dyn{tag: tag, val: val, ptr: ptr})
	}

	// the dynamic section comes first; reserve a generous number of
	// entries and fill it in once every other offset is known
	const maxDyn = 40
	dynOff := off
	off += maxDyn * uintptr(c.DynSize())

	strOff := align(off, 8)
	off = strOff + uintptr(len(strs.data))

	symOff := align(off, 8)
	off = symOff + uintptr(len(symbols))*uintptr(c.SymSize())

	var hashOff, gnuOff uintptr
	if !b.NoHash {
		hashOff = align(off, 8)
		off = hashOff + uintptr(3+len(symbols))*4
	}
	if b.GNUHash {
		gnuOff = align(off, 8)
		off = gnuOff + 16 + word + 4 + uintptr(len(symbols)-1)*4
	}

	var versymOff, verdefOff, verneedOff uintptr
	if versions != nil {
		versymOff = align(off, 8)
		off = versymOff + uintptr(len(symbols))*2
		if len(versions.verdef) > 0 {
			verdefOff = align(off, 8)
			off = verdefOff + uintptr(len(versions.verdef))
		}
		if len(versions.verneed) > 0 {
			verneedOff = align(off, 8)
			off = verneedOff + uintptr(len(versions.verneed))
		}
	}

	tableOffs := make([]uintptr, len(groups))
	for gi, g := range groups {
		tableOffs[gi] = align(off, 8)
		off = tableOffs[gi] + uintptr(len(g.indices))*entSize(g.kind)
	}

	gotOff := align(off, pageSize)
	off = gotOff + uintptr(len(b.Relocs))*word
	total := align(off, pageSize)
	if total == gotOff {
		total += pageSize
	}

	mem, path := b.allocate(t, int(total))
	base := procmem.AddressOf(mem)

	ptrVal := func(o uintptr) uint64 {
		if b.Absolute {
			return uint64(base + o)
		}
		return uint64(o)
	}

	// dynamic entries
	if b.Soname != "" {
		emit(elf.DT_SONAME, uint64(strs.index[b.Soname]), false)
	}
	emit(elf.DT_STRTAB, ptrVal(strOff), true)
	emit(elf.DT_STRSZ, uint64(len(strs.data)), false)
	emit(elf.DT_SYMTAB, ptrVal(symOff), true)
	emit(elf.DT_SYMENT, uint64(c.SymSize()), false)
	if hashOff != 0 {
		emit(elf.DT_HASH, ptrVal(hashOff), true)
	}
	if gnuOff != 0 {
		emit(elf.DT_GNU_HASH, ptrVal(gnuOff), true)
	}
	if versymOff != 0 {
		emit(elf.DT_VERSYM, ptrVal(versymOff), true)
	}
	if verdefOff != 0 {
		emit(elf.DT_VERDEF, ptrVal(verdefOff), true)
		emit(elf.DT_VERDEFNUM, uint64(versions.verdefnum), false)
	}
	if verneedOff != 0 {
		emit(elf.DT_VERNEED, ptrVal(verneedOff), true)
		emit(elf.DT_VERNEEDNUM, 1, false)
	}
	for gi, g := range groups {
		if len(g.indices) == 0 {
			continue
		}
		size := uint64(uintptr(len(g.indices)) * entSize(g.kind))
		switch g.tag {
		case elf.DT_RELA:
			emit(elf.DT_RELA, ptrVal(tableOffs[gi]), true)
			emit(elf.DT_RELASZ, size, false)
			emit(elf.DT_RELAENT, uint64(c.RelaSize()), false)
		case elf.DT_REL:
			emit(elf.DT_REL, ptrVal(tableOffs[gi]), true)
			emit(elf.DT_RELSZ, size, false)
			emit(elf.DT_RELENT, uint64(c.RelSize()), false)
		case elf.DT_JMPREL:
			// size tags after the table they describe, as ld emits them
			emit(elf.DT_JMPREL, ptrVal(tableOffs[gi]), true)
			emit(elf.DT_PLTRELSZ, size, false)
			emit(elf.DT_PLTREL, uint64(pltRel), false)
			if groups[2].kind == elfdyn.KindRELA && len(groups[0].indices) == 0 {
				emit(elf.DT_RELAENT, uint64(c.RelaSize()), false)
			}
			if groups[2].kind == elfdyn.KindREL && len(groups[1].indices) == 0 {
				emit(elf.DT_RELENT, uint64(c.RelSize()), false)
			}
		}
	}
	if len(dyns) >= maxDyn {
		t.Fatalf("elftest: too many dynamic entries (%d)", len(dyns))
	}

	w := &writer{t: t, mem: mem, size: int(word)}
	for i, d := range dyns {
		at := dynOff + uintptr(i)*uintptr(c.DynSize())
		w.word(at, uint64(d.tag))
		w.word(at+word, d.val)
	}
	// DT_NULL is already zero

	copy(mem[strOff:], strs.data)

	for i, s := range symbols {
		at := symOff + uintptr(i)*uintptr(c.SymSize())
		info := byte(0)
		var shndx uint16
		if i > 0 {
			info = byte(elf.STB_GLOBAL)<<4 | byte(elf.STT_FUNC)
			if s.Defined {
				shndx = 1
			}
		}
		if c.Is64() {
			w.put(at, 4, uint64(nameOffsets[i]))
			mem[at+4] = info
			w.put(at+6, 2, uint64(shndx))
			w.put(at+8, 8, s.Value)
		} else {
			w.put(at, 4, uint64(nameOffsets[i]))
			w.put(at+4, 4, s.Value)
			mem[at+12] = info
			w.put(at+14, 2, uint64(shndx))
		}
	}

	if hashOff != 0 {
		w.put(hashOff, 4, 1)
		w.put(hashOff+4, 4, uint64(len(symbols)))
	}
	if gnuOff != 0 {
		w.put(gnuOff, 4, 1)   // nbuckets
		w.put(gnuOff+4, 4, 1) // symoffset
		w.put(gnuOff+8, 4, 1) // bloom size
		w.put(gnuOff+12, 4, 6)
		buckets := gnuOff + 16 + word
		if len(symbols) > 1 {
			w.put(buckets, 4, 1)
		}
		chains := buckets + 4
		for i := 1; i < len(symbols); i++ {
			v := uint64(2)
			if i == len(symbols)-1 {
				v = 3
			}
			w.put(chains+uintptr(i-1)*4, 4, v)
		}
	}

	if versions != nil {
		for i, v := range versions.versym {
			w.put(versymOff+uintptr(i)*2, 2, uint64(v))
		}
		copy(mem[verdefOff:], versions.verdef)
		copy(mem[verneedOff:], versions.verneed)
	}

	img := &Image{
		Class:   c,
		Mem:     mem,
		Base:    base,
		Dynamic: base + dynOff,
		DynSize: uintptr(len(dyns)+1) * uintptr(c.DynSize()),
		Strtab:  base + strOff,
		Symtab:  base + symOff,
		GOT:     gotOff,
		Path:    path,
		slots:   make([]uintptr, len(b.Relocs)),
	}

	for i, r := range b.Relocs {
		img.slots[i] = gotOff + uintptr(i)*word
		w.word(img.slots[i], r.Initial)
	}

	for gi, g := range groups {
		for n, ri := range g.indices {
			r := b.Relocs[ri]
			at := tableOffs[gi] + uintptr(n)*entSize(g.kind)
			typ := r.Type
			if typ == 0 {
				var ok bool
				kind := r.Kind
				if kind == elfdyn.KindOther {
					kind = elfdyn.KindJumpSlot
				}
				typ, ok = c.RelocType(kind)
				if !ok {
					t.Fatalf("elftest: no %s relocation on %s", kind, c)
				}
			}
			sym := symIndex[r.Symbol]
			if r.SymIndex != 0 {
				sym = r.SymIndex
			}
			slotOff := img.slots[ri]
			if g.kind == elfdyn.KindRELA {
				// the slot is computed as base + r_offset + r_addend
				slotOff = uintptr(int64(slotOff) - r.Addend)
			}
			w.word(at, uint64(slotOff))
			w.word(at+word, c.MakeRInfo(sym, typ))
			if g.kind == elfdyn.KindRELA {
				w.word(at+2*word, uint64(r.Addend))
			}
		}
	}

	if b.ReadOnlyGOT {
		if b.Mapping == Heap {
			t.Fatalf("elftest: ReadOnlyGOT needs an Anonymous or File mapping")
		}
		if err := unix.Mprotect(mem[gotOff:], unix.PROT_READ); err != nil {
			t.Fatalf("elftest: mprotect GOT: %v", err)
		}
	}
	return img
}

func (b *Builder) allocate(t testing.TB, size int) ([]byte, string) {
	switch b.Mapping {
	case Anonymous:
		mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
		if err != nil {
			t.Fatalf("elftest: mmap anonymous: %v", err)
		}
		t.Cleanup(func() { _ = unix.Munmap(mem) })
		return mem, ""
	case File:
		name := b.Soname
		if name == "" {
			name = "libelftest.so"
		}
		path := filepath.Join(t.TempDir(), name)
		if err := os.WriteFile(path, make([]byte, size), 0o600); err != nil {
			t.Fatalf("elftest: write backing file: %v", err)
		}
		f, err := os.Open(path)
		if err != nil {
			t.Fatalf("elftest: open backing file: %v", err)
		}
		defer f.Close()
		mem, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE)
		if err != nil {
			t.Fatalf("elftest: mmap file: %v", err)
		}
		t.Cleanup(func() { _ = unix.Munmap(mem) })
		return mem, path
	default:
		mem := make([]byte, size)
		t.Cleanup(func() { runtime.KeepAlive(mem) })
		return mem, ""
	}
}

type writer struct {
	t    testing.TB
	mem  []byte
	size int
}

func (w *writer) put(at uintptr, width int, v uint64) {
	b := w.mem[at : at+uintptr(width)]
	switch width {
	case 1:
		b[0] = byte(v)
	case 2:
		binary.NativeEndian.PutUint16(b, uint16(v))
	case 4:
		binary.NativeEndian.PutUint32(b, uint32(v))
	case 8:
		binary.NativeEndian.PutUint64(b, v)
	}
}

func (w *writer) word(at uintptr, v uint64) {
	if w.size == 4 && v > 0xffffffff && (int64(v) >= 0 || int64(v) < -0x80000000) {
		w.t.Fatalf("elftest: value %#x does not fit a 32-bit word", v)
	}
	w.put(at, w.size, v)
}

func readWord(b []byte, width int) uint64 {
	if width == 4 {
		return uint64(binary.NativeEndian.Uint32(b))
	}
	return binary.NativeEndian.Uint64(b)
}
