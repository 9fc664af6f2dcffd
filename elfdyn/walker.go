// Package elfdyn decodes the PT_DYNAMIC segment of a loaded ELF object:
// string and symbol tables, symbol versions, and the REL/RELA/JMPREL
// relocation tables the dynamic linker applied when it bound the object.
//
// All reads go through a procmem.Memory, so the same code walks objects
// mapped in the running process and synthetic images built by tests.
package elfdyn

import (
	"debug/elf"
	"errors"
	"fmt"
	"log/slog"

	"github.com/steamrt/capsule/internal/logging"
	"github.com/steamrt/capsule/internal/procmem"
)

// maxDynEntries bounds a walk of a dynamic section without a known size.
const maxDynEntries = 1 << 16

var (
	ErrNoDynamic      = errors.New("elfdyn: no dynamic section")
	ErrMissingTag     = errors.New("elfdyn: missing dynamic tag")
	ErrUnknownPLTRel  = errors.New("elfdyn: unknown DT_PLTREL type")
	ErrEntrySize      = errors.New("elfdyn: unexpected relocation entry size")
	ErrSymbolNotFound = errors.New("elfdyn: symbol not found")
)

// FixAddr turns a d_ptr value into an absolute address. Values below the
// load base are taken as base-relative, anything else as already
// relocated. The dynamic linker rewrites most d_ptr entries in place when
// it loads an object, but not all of them on all architectures, so both
// forms show up in practice.
func FixAddr(base, addr uintptr) uintptr {
	if addr < base {
		return base + addr
	}
	return addr
}

// Tables holds the addresses and sizes found in one dynamic section.
// Addresses are absolute.
type Tables struct {
	Base uintptr

	Strtab uintptr
	Strsz  uintptr
	Symtab uintptr
	Syment uintptr
	// SymCount is the number of symbols derived from DT_HASH or
	// DT_GNU_HASH; 0 when neither is present.
	SymCount uint32

	Versym     uintptr
	Verdef     uintptr
	Verdefnum  uintptr
	Verneed    uintptr
	Verneednum uintptr

	Hash    uintptr
	GNUHash uintptr

	// SonameOffset is DT_SONAME's string table offset, valid when
	// HasSoname is set.
	SonameOffset uintptr
	HasSoname    bool
}

// TableKind is the relocation entry format of a table.
type TableKind int

const (
	KindREL TableKind = iota
	KindRELA
)

func (k TableKind) String() string {
	if k == KindRELA {
		return "RELA"
	}
	return "REL"
}

// RelocTable is one relocation table discovered by Walk.
type RelocTable struct {
	// Tag is the dynamic tag that named the table: DT_REL, DT_RELA or
	// DT_JMPREL.
	Tag     elf.DynTag
	Kind    TableKind
	Addr    uintptr
	Size    uintptr
	Entsize uintptr
	*Tables
}

// Len returns the number of entries in the table.
func (t *RelocTable) Len() int {
	if t.Entsize == 0 {
		return 0
	}
	return int(t.Size / t.Entsize)
}

// Reloc is a decoded relocation entry.
type Reloc struct {
	Offset uint64
	Info   uint64
	Addend int64
	Sym    uint32
	Type   uint32
}

// Entry decodes entry i. Addend is zero for REL tables.
func (t *RelocTable) Entry(mem procmem.Memory, class Class, i int) Reloc {
	word := class.WordSize()
	addr := t.Addr + uintptr(i)*t.Entsize
	r := Reloc{
		Offset: mem.ReadUint(addr, word),
		Info:   mem.ReadUint(addr+uintptr(word), word),
	}
	if t.Kind == KindRELA {
		raw := mem.ReadUint(addr+2*uintptr(word), word)
		if word == 4 {
			r.Addend = int64(int32(uint32(raw)))
		} else {
			r.Addend = int64(raw)
		}
	}
	r.Sym, r.Type = class.RInfo(r.Info)
	return r
}

// Handler processes one relocation table. User data travels in the
// closure.
type Handler func(table *RelocTable) error

// Skipped records a table that was not dispatched and why.
type Skipped struct {
	Tag elf.DynTag
	Err error
}

// Summary describes one walk.
type Summary struct {
	Tables     Tables
	Dispatched []elf.DynTag
	Skipped    []Skipped
}

// Walker walks dynamic sections.
type Walker struct {
	Mem    procmem.Memory
	Class  Class
	Logger *slog.Logger
}

// NewWalker returns a walker over the running process for the native
// class.
func NewWalker(logger *slog.Logger) (*Walker, error) {
	class, err := Native()
	if err != nil {
		return nil, err
	}
	return &Walker{
		Mem:    procmem.Self,
		Class:  class,
		Logger: logging.Component(logger, logging.ComponentELF),
	}, nil
}

func (w *Walker) logger() *slog.Logger {
	if w.Logger == nil {
		w.Logger = logging.Component(nil, logging.ComponentELF)
	}
	return w.Logger
}

type dynEntry struct {
	tag elf.DynTag
	val uint64
}

// entries reads the dynamic section. size 0 means "until DT_NULL".
func (w *Walker) entries(dynamic, size uintptr) []dynEntry {
	word := w.Class.WordSize()
	entSize := uintptr(w.Class.DynSize())

	var out []dynEntry
	for i := uintptr(0); i < maxDynEntries; i++ {
		if size > 0 && (i+1)*entSize > size {
			break
		}
		addr := dynamic + i*entSize
		rawTag := w.Mem.ReadUint(addr, word)
		var tag elf.DynTag
		if word == 4 {
			tag = elf.DynTag(int32(uint32(rawTag)))
		} else {
			tag = elf.DynTag(int64(rawTag))
		}
		if tag == elf.DT_NULL {
			break
		}
		out = append(out, dynEntry{tag: tag, val: w.Mem.ReadUint(addr+uintptr(word), word)})
	}
	return out
}

// ReadTables performs the first pass only: it returns the string, symbol,
// version and hash table locations of a dynamic section.
func (w *Walker) ReadTables(base, dynamic, size uintptr) (*Tables, error) {
	if dynamic == 0 {
		return nil, ErrNoDynamic
	}
	tables, _ := w.scan(base, w.entries(dynamic, size))
	return tables, nil
}

type pltInfo struct {
	relasz, relsz   uintptr
	relaent, relent uintptr
	jmpsz           uintptr
	jmprel          elf.DynTag
	hasJmpsz        bool
	hasRelasz       bool
	hasRelsz        bool
	hasPLTRel       bool
}

// scan is pass one: it resolves every size and type that a table tag may
// depend on, since ELF does not order the size tags before the tables.
func (w *Walker) scan(base uintptr, entries []dynEntry) (*Tables, pltInfo) {
	t := &Tables{Base: base}
	var p pltInfo

	for _, e := range entries {
		v := uintptr(e.val)
		switch e.tag {
		case elf.DT_PLTRELSZ:
			p.jmpsz, p.hasJmpsz = v, true
		case elf.DT_PLTREL:
			p.jmprel, p.hasPLTRel = elf.DynTag(e.val), true
		case elf.DT_RELASZ:
			p.relasz, p.hasRelasz = v, true
		case elf.DT_RELSZ:
			p.relsz, p.hasRelsz = v, true
		case elf.DT_RELAENT:
			p.relaent = v
		case elf.DT_RELENT:
			p.relent = v
		case elf.DT_STRTAB:
			t.Strtab = FixAddr(base, v)
		case elf.DT_STRSZ:
			t.Strsz = v
		case elf.DT_SYMTAB:
			t.Symtab = FixAddr(base, v)
		case elf.DT_SYMENT:
			t.Syment = v
		case elf.DT_VERSYM:
			t.Versym = FixAddr(base, v)
		case elf.DT_VERDEF:
			t.Verdef = FixAddr(base, v)
		case elf.DT_VERDEFNUM:
			t.Verdefnum = v
		case elf.DT_VERNEED:
			t.Verneed = FixAddr(base, v)
		case elf.DT_VERNEEDNUM:
			t.Verneednum = v
		case elf.DT_HASH:
			t.Hash = FixAddr(base, v)
		case elf.DT_GNU_HASH:
			t.GNUHash = FixAddr(base, v)
		case elf.DT_SONAME:
			t.SonameOffset, t.HasSoname = v, true
		}
	}
	if t.Syment == 0 {
		t.Syment = uintptr(w.Class.SymSize())
	}
	t.SymCount = w.symbolCount(t)
	return t, p
}

// Walk decodes the dynamic section at dynamic (absolute, or relative to
// base) and calls handle for every relocation table it can describe
// completely. A table whose size or entry type is unknown is skipped as a
// whole and reported in the summary; it is never handed out with a guessed
// length. Walk stops at the first handler error.
func (w *Walker) Walk(base, dynamic, size uintptr, handle Handler) (*Summary, error) {
	if dynamic == 0 {
		return nil, ErrNoDynamic
	}
	dynamic = FixAddr(base, dynamic)
	log := w.logger()

	entries := w.entries(dynamic, size)
	tables, p := w.scan(base, entries)
	summary := &Summary{Tables: *tables}

	skip := func(tag elf.DynTag, err error) {
		log.Warn("skipping relocation table", "tag", tag.String(), "base", fmt.Sprintf("%#x", base), "reason", err)
		summary.Skipped = append(summary.Skipped, Skipped{Tag: tag, Err: err})
	}

	for _, e := range entries {
		var table *RelocTable
		switch e.tag {
		case elf.DT_RELA:
			if !p.hasRelasz {
				skip(e.tag, fmt.Errorf("%w: DT_RELASZ", ErrMissingTag))
				continue
			}
			table = &RelocTable{Tag: e.tag, Kind: KindRELA, Size: p.relasz, Entsize: p.relaent}
		case elf.DT_REL:
			if !p.hasRelsz {
				skip(e.tag, fmt.Errorf("%w: DT_RELSZ", ErrMissingTag))
				continue
			}
			table = &RelocTable{Tag: e.tag, Kind: KindREL, Size: p.relsz, Entsize: p.relent}
		case elf.DT_JMPREL:
			if !p.hasJmpsz {
				skip(e.tag, fmt.Errorf("%w: DT_PLTRELSZ", ErrMissingTag))
				continue
			}
			switch {
			case !p.hasPLTRel:
				skip(e.tag, fmt.Errorf("%w: DT_PLTREL", ErrMissingTag))
				continue
			case p.jmprel == elf.DT_RELA:
				table = &RelocTable{Tag: e.tag, Kind: KindRELA, Size: p.jmpsz, Entsize: p.relaent}
			case p.jmprel == elf.DT_REL:
				table = &RelocTable{Tag: e.tag, Kind: KindREL, Size: p.jmpsz, Entsize: p.relent}
			default:
				skip(e.tag, fmt.Errorf("%w: %d", ErrUnknownPLTRel, int64(p.jmprel)))
				continue
			}
		default:
			continue
		}

		if tables.Strtab == 0 || tables.Symtab == 0 {
			skip(e.tag, fmt.Errorf("%w: DT_STRTAB/DT_SYMTAB", ErrMissingTag))
			continue
		}

		want := uintptr(w.Class.RelSize())
		if table.Kind == KindRELA {
			want = uintptr(w.Class.RelaSize())
		}
		if table.Entsize == 0 {
			table.Entsize = want
		}
		if table.Entsize != want {
			skip(e.tag, fmt.Errorf("%w: %d, want %d", ErrEntrySize, table.Entsize, want))
			continue
		}

		table.Addr = FixAddr(base, uintptr(e.val))
		table.Tables = tables
		log.Debug("relocation table",
			"tag", e.tag.String(),
			"kind", table.Kind.String(),
			"addr", fmt.Sprintf("%#x", table.Addr),
			"entries", table.Len(),
		)
		summary.Dispatched = append(summary.Dispatched, e.tag)
		if err := handle(table); err != nil {
			return summary, fmt.Errorf("process %s table: %w", e.tag, err)
		}
	}
	return summary, nil
}

// Soname returns the DT_SONAME string, if any.
func (w *Walker) Soname(t *Tables) string {
	if !t.HasSoname || t.Strtab == 0 {
		return ""
	}
	limit := 0
	if t.Strsz > 0 {
		if t.SonameOffset >= t.Strsz {
			return ""
		}
		limit = int(t.Strsz - t.SonameOffset)
	}
	return w.Mem.CString(t.Strtab+t.SonameOffset, limit)
}
