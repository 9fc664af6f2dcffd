package elfdyn

// maxSymbols guards the hash walks against corrupt tables.
const maxSymbols = 1 << 24

// symbolCount derives the number of dynamic symbols from DT_HASH (nchain)
// or, failing that, by walking DT_GNU_HASH to its last chain entry.
func (w *Walker) symbolCount(t *Tables) uint32 {
	if t.Hash != 0 {
		// Elf_Hash words are 32 bits on every class but Alpha and s390x.
		n := uint32(w.Mem.ReadUint(t.Hash+4, 4))
		if n < maxSymbols {
			return n
		}
		return 0
	}
	if t.GNUHash != 0 {
		return w.gnuHashSymbolCount(t.GNUHash)
	}
	return 0
}

func (w *Walker) gnuHashSymbolCount(addr uintptr) uint32 {
	nbuckets := uint32(w.Mem.ReadUint(addr, 4))
	symoffset := uint32(w.Mem.ReadUint(addr+4, 4))
	bloomSize := uint32(w.Mem.ReadUint(addr+8, 4))
	if nbuckets == 0 || nbuckets > maxSymbols || bloomSize > maxSymbols {
		return 0
	}

	buckets := addr + 16 + uintptr(bloomSize)*uintptr(w.Class.WordSize())
	chains := buckets + uintptr(nbuckets)*4

	var last uint32
	for i := uint32(0); i < nbuckets; i++ {
		if b := uint32(w.Mem.ReadUint(buckets+uintptr(i)*4, 4)); b > last {
			last = b
		}
	}
	if last < symoffset {
		return symoffset
	}

	for i := last; i-symoffset < maxSymbols; i++ {
		if uint32(w.Mem.ReadUint(chains+uintptr(i-symoffset)*4, 4))&1 != 0 {
			return i + 1
		}
	}
	return 0
}
