package elfdyn

import "strings"

const (
	versymHidden = 0x8000
	versymIndex  = 0x7fff

	// indices 0 (local) and 1 (global, unversioned) carry no version
	verNdxGlobal = 1

	maxVersionEntries = 1 << 12
)

// Version is a decoded symbol version.
type Version struct {
	Name string
	// Library is the DT_VERNEED file name for imported versions.
	Library string
	Hidden  bool
}

// SymbolVersion decodes the version of symbol index from DT_VERSYM and
// DT_VERDEF (versions the object defines) or DT_VERNEED (versions it
// requires). Versions are used for diagnostics only; relocations are
// matched by name.
func (w *Walker) SymbolVersion(index uint32, t *Tables) (Version, bool) {
	if t == nil || t.Versym == 0 {
		return Version{}, false
	}
	if t.SymCount > 0 && index >= t.SymCount {
		return Version{}, false
	}

	raw := uint16(w.Mem.ReadUint(t.Versym+uintptr(index)*2, 2))
	ndx := raw & versymIndex
	if ndx <= verNdxGlobal {
		return Version{}, false
	}
	hidden := raw&versymHidden != 0

	if name, ok := w.verdefName(t, ndx); ok {
		return Version{Name: name, Hidden: hidden}, true
	}
	if name, lib, ok := w.verneedName(t, ndx); ok {
		return Version{Name: name, Library: lib, Hidden: hidden}, true
	}
	return Version{}, false
}

// Elf_Verdef: vd_version u16, vd_flags u16, vd_ndx u16, vd_cnt u16,
// vd_hash u32, vd_aux u32, vd_next u32. Elf_Verdaux: vda_name u32,
// vda_next u32. The layout is the same for both classes.
func (w *Walker) verdefName(t *Tables, ndx uint16) (string, bool) {
	if t.Verdef == 0 {
		return "", false
	}
	entry := t.Verdef
	for i := 0; i < maxVersionEntries; i++ {
		if t.Verdefnum > 0 && uintptr(i) >= t.Verdefnum {
			break
		}
		if uint16(w.Mem.ReadUint(entry+4, 2)) == ndx {
			aux := entry + uintptr(w.Mem.ReadUint(entry+12, 4))
			return w.stringAt(t, uintptr(w.Mem.ReadUint(aux, 4)))
		}
		next := uintptr(w.Mem.ReadUint(entry+16, 4))
		if next == 0 {
			break
		}
		entry += next
	}
	return "", false
}

// Elf_Verneed: vn_version u16, vn_cnt u16, vn_file u32, vn_aux u32,
// vn_next u32. Elf_Vernaux: vna_hash u32, vna_flags u16, vna_other u16,
// vna_name u32, vna_next u32.
func (w *Walker) verneedName(t *Tables, ndx uint16) (name string, library string, ok bool) {
	if t.Verneed == 0 {
		return "", "", false
	}
	entry := t.Verneed
	for i := 0; i < maxVersionEntries; i++ {
		if t.Verneednum > 0 && uintptr(i) >= t.Verneednum {
			break
		}
		count := int(w.Mem.ReadUint(entry+2, 2))
		aux := entry + uintptr(w.Mem.ReadUint(entry+8, 4))
		for j := 0; j < count && j < maxVersionEntries; j++ {
			if uint16(w.Mem.ReadUint(aux+6, 2)) == ndx {
				name, nameOK := w.stringAt(t, uintptr(w.Mem.ReadUint(aux+8, 4)))
				lib, _ := w.stringAt(t, uintptr(w.Mem.ReadUint(entry+4, 4)))
				return name, lib, nameOK
			}
			next := uintptr(w.Mem.ReadUint(aux+12, 4))
			if next == 0 {
				break
			}
			aux += next
		}
		next := uintptr(w.Mem.ReadUint(entry+12, 4))
		if next == 0 {
			break
		}
		entry += next
	}
	return "", "", false
}

// FormatVersioned renders name@version, or name@@version for a default
// definition.
func FormatVersioned(name, version string, isDefault bool) string {
	if version == "" {
		return name
	}
	if isDefault {
		return name + "@@" + version
	}
	return name + "@" + version
}

// SplitVersioned splits "name@version" or "name@@version".
func SplitVersioned(s string) (name, version string) {
	name, version, found := strings.Cut(s, "@")
	if !found {
		return s, ""
	}
	return name, strings.TrimPrefix(version, "@")
}
