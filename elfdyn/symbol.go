package elfdyn

import (
	"debug/elf"

	"github.com/steamrt/capsule/internal/procmem"
)

// Symbol is a decoded ElfW(Sym).
type Symbol struct {
	Name  uint32
	Value uint64
	Size  uint64
	Info  uint8
	Other uint8
	Shndx uint16
}

func (s Symbol) Bind() elf.SymBind { return elf.ST_BIND(s.Info) }

func (s Symbol) Type() elf.SymType { return elf.ST_TYPE(s.Info) }

// Defined reports whether the symbol is defined by the object rather than
// imported.
func (s Symbol) Defined() bool { return elf.SectionIndex(s.Shndx) != elf.SHN_UNDEF }

// ReadSymbol decodes the symbol at addr without bounds checks.
func ReadSymbol(mem procmem.Memory, class Class, addr uintptr) Symbol {
	if class.Is64() {
		return Symbol{
			Name:  uint32(mem.ReadUint(addr, 4)),
			Info:  uint8(mem.ReadUint(addr+4, 1)),
			Other: uint8(mem.ReadUint(addr+5, 1)),
			Shndx: uint16(mem.ReadUint(addr+6, 2)),
			Value: mem.ReadUint(addr+8, 8),
			Size:  mem.ReadUint(addr+16, 8),
		}
	}
	return Symbol{
		Name:  uint32(mem.ReadUint(addr, 4)),
		Value: mem.ReadUint(addr+4, 4),
		Size:  mem.ReadUint(addr+8, 4),
		Info:  uint8(mem.ReadUint(addr+12, 1)),
		Other: uint8(mem.ReadUint(addr+13, 1)),
		Shndx: uint16(mem.ReadUint(addr+14, 2)),
	}
}

// FindSymbol resolves symbol index to its entry and name. It refuses
// indices past the symbol count and names past DT_STRSZ when those sizes
// are known, instead of reading beyond the tables.
func (w *Walker) FindSymbol(index uint32, t *Tables) (Symbol, string, bool) {
	if t == nil || t.Symtab == 0 || t.Strtab == 0 {
		return Symbol{}, "", false
	}
	if t.SymCount > 0 && index >= t.SymCount {
		return Symbol{}, "", false
	}

	sym := ReadSymbol(w.Mem, w.Class, t.Symtab+uintptr(index)*t.Syment)
	name, ok := w.stringAt(t, uintptr(sym.Name))
	if !ok {
		return Symbol{}, "", false
	}
	return sym, name, true
}

// stringAt reads a string table entry, bounded by DT_STRSZ when known.
func (w *Walker) stringAt(t *Tables, offset uintptr) (string, bool) {
	limit := 0
	if t.Strsz > 0 {
		if offset >= t.Strsz {
			return "", false
		}
		limit = int(t.Strsz - offset)
	}
	return w.Mem.CString(t.Strtab+offset, limit), true
}

// DynamicSymbol is a symbol with its decoded name and version.
type DynamicSymbol struct {
	Symbol
	Index   uint32
	Name    string
	Version string
	// Hidden is set for non-default versions (name@version rather than
	// name@@version).
	Hidden bool
}

// String formats the symbol as name, name@version or name@@version.
func (s DynamicSymbol) String() string {
	return FormatVersioned(s.Name, s.Version, s.Defined() && !s.Hidden)
}

// Symbols lists every symbol in the table. The symbol count must be known.
func (w *Walker) Symbols(t *Tables) []DynamicSymbol {
	if t == nil || t.SymCount == 0 {
		return nil
	}
	out := make([]DynamicSymbol, 0, t.SymCount)
	for i := uint32(1); i < t.SymCount; i++ {
		sym, name, ok := w.FindSymbol(i, t)
		if !ok {
			continue
		}
		entry := DynamicSymbol{Symbol: sym, Index: i, Name: name}
		if v, ok := w.SymbolVersion(i, t); ok {
			entry.Version = v.Name
			entry.Hidden = v.Hidden
		}
		out = append(out, entry)
	}
	return out
}
