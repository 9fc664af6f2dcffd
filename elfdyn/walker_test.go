package elfdyn_test

import (
	"debug/elf"
	"errors"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steamrt/capsule/elfdyn"
	"github.com/steamrt/capsule/internal/elftest"
	"github.com/steamrt/capsule/internal/logging"
	"github.com/steamrt/capsule/internal/procmem"
)

func newWalker(class elfdyn.Class) *elfdyn.Walker {
	return &elfdyn.Walker{Mem: procmem.Self, Class: class, Logger: logging.Discard()}
}

func TestFixAddr(t *testing.T) {
	const base = uintptr(0x7f0000000000)
	assert.Equal(t, base+0x1000, elfdyn.FixAddr(base, 0x1000))
	assert.Equal(t, base, elfdyn.FixAddr(base, base))
	assert.Equal(t, base+0x10, elfdyn.FixAddr(base, base+0x10))
	assert.Equal(t, uintptr(0x1234), elfdyn.FixAddr(0, 0x1234))

	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 1000; i++ {
		b := uintptr(rng.Uint64() >> 2)
		v := uintptr(rng.Uint64() >> 2)
		got := elfdyn.FixAddr(b, v)
		if v >= b {
			require.Equal(t, v, got)
		} else {
			require.Equal(t, b+v, got)
		}
	}
}

type seenTable struct {
	tag     elf.DynTag
	kind    elfdyn.TableKind
	entries []elfdyn.Reloc
	names   []string
}

func collect(w *elfdyn.Walker, seen *[]seenTable) elfdyn.Handler {
	return func(tab *elfdyn.RelocTable) error {
		st := seenTable{tag: tab.Tag, kind: tab.Kind}
		for i := 0; i < tab.Len(); i++ {
			r := tab.Entry(w.Mem, w.Class, i)
			st.entries = append(st.entries, r)
			_, name, _ := w.FindSymbol(r.Sym, tab.Tables)
			st.names = append(st.names, name)
		}
		*seen = append(*seen, st)
		return nil
	}
}

func TestWalkNativeClass(t *testing.T) {
	class, err := elfdyn.Native()
	if err != nil {
		t.Skip(err)
	}

	for _, absolute := range []bool{false, true} {
		img := (&elftest.Builder{
			Class:    class,
			Soname:   "libcaller.so",
			Absolute: absolute,
			Relocs: []elftest.Reloc{
				{Symbol: "notgl_draw", Table: elf.DT_JMPREL, Kind: elfdyn.KindJumpSlot},
				{Symbol: "notgl_clear", Table: elf.DT_JMPREL, Kind: elfdyn.KindJumpSlot},
				{Symbol: "notgl_state", Table: elf.DT_RELA, Kind: elfdyn.KindGlobDat},
			},
		}).Build(t)

		w := newWalker(class)
		var seen []seenTable
		summary, err := w.Walk(img.Base, img.Dynamic, 0, collect(w, &seen))
		require.NoError(t, err)
		require.Empty(t, summary.Skipped)
		require.Equal(t, []elf.DynTag{elf.DT_RELA, elf.DT_JMPREL}, summary.Dispatched)

		require.Len(t, seen, 2)
		assert.Equal(t, elfdyn.KindRELA, seen[0].kind)
		assert.Equal(t, []string{"notgl_state"}, seen[0].names)
		assert.Equal(t, []string{"notgl_draw", "notgl_clear"}, seen[1].names)
		assert.Equal(t, elfdyn.KindJumpSlot, class.Kind(seen[1].entries[0].Type))
		assert.Equal(t, uint64(img.SlotAddr(0)-img.Base), seen[1].entries[0].Offset)

		assert.Equal(t, img.Strtab, summary.Tables.Strtab)
		assert.Equal(t, img.Symtab, summary.Tables.Symtab)
		assert.Equal(t, uint32(4), summary.Tables.SymCount)
		assert.Equal(t, "libcaller.so", w.Soname(&summary.Tables))
	}
}

func TestWalk32BitREL(t *testing.T) {
	img := (&elftest.Builder{
		Class: elfdyn.Class32X86,
		Relocs: []elftest.Reloc{
			{Symbol: "notgl_state", Table: elf.DT_REL, Kind: elfdyn.KindAbsolute},
			{Symbol: "notgl_draw", Table: elf.DT_JMPREL, Kind: elfdyn.KindJumpSlot},
		},
	}).Build(t)

	w := newWalker(elfdyn.Class32X86)
	var seen []seenTable
	summary, err := w.Walk(img.Base, img.Dynamic, img.DynSize, collect(w, &seen))
	require.NoError(t, err)
	require.Len(t, seen, 2)

	assert.Equal(t, elf.DT_REL, seen[0].tag)
	assert.Equal(t, elfdyn.KindREL, seen[0].kind)
	assert.Equal(t, uint32(elf.R_386_32), seen[0].entries[0].Type)
	assert.Equal(t, int64(0), seen[0].entries[0].Addend)
	assert.Equal(t, []string{"notgl_state"}, seen[0].names)

	assert.Equal(t, elfdyn.KindREL, seen[1].kind)
	assert.Equal(t, uint32(elf.R_386_JMP_SLOT), seen[1].entries[0].Type)
	assert.Equal(t, []string{"notgl_draw"}, seen[1].names)
	assert.Equal(t, uint32(3), summary.Tables.SymCount)
}

func TestWalk32BitRELANegativeAddend(t *testing.T) {
	img := (&elftest.Builder{
		Class:  elfdyn.Class32ARM,
		PLTRel: elf.DT_RELA,
		Relocs: []elftest.Reloc{
			{Symbol: "notgl_draw", Table: elf.DT_JMPREL, Addend: -8},
		},
	}).Build(t)

	w := newWalker(elfdyn.Class32ARM)
	var seen []seenTable
	_, err := w.Walk(img.Base, img.Dynamic, 0, collect(w, &seen))
	require.NoError(t, err)
	require.Len(t, seen, 1)
	assert.Equal(t, int64(-8), seen[0].entries[0].Addend)
	assert.Equal(t, uint32(elf.R_ARM_JUMP_SLOT), seen[0].entries[0].Type)
}

func TestWalkSkipsIncompleteTables(t *testing.T) {
	tests := []struct {
		name    string
		builder elftest.Builder
		skipped elf.DynTag
		want    error
	}{
		{
			name: "JMPREL without PLTRELSZ",
			builder: elftest.Builder{
				Omit:   []elf.DynTag{elf.DT_PLTRELSZ},
				Relocs: []elftest.Reloc{{Symbol: "notgl_draw"}},
			},
			skipped: elf.DT_JMPREL,
			want:    elfdyn.ErrMissingTag,
		},
		{
			name: "unknown PLTREL type",
			builder: elftest.Builder{
				PLTRel: elf.DynTag(99),
				Relocs: []elftest.Reloc{{Symbol: "notgl_draw"}},
			},
			skipped: elf.DT_JMPREL,
			want:    elfdyn.ErrUnknownPLTRel,
		},
		{
			name: "JMPREL without PLTREL",
			builder: elftest.Builder{
				Omit:   []elf.DynTag{elf.DT_PLTREL},
				Relocs: []elftest.Reloc{{Symbol: "notgl_draw"}},
			},
			skipped: elf.DT_JMPREL,
			want:    elfdyn.ErrMissingTag,
		},
		{
			name: "RELA without RELASZ",
			builder: elftest.Builder{
				Omit:   []elf.DynTag{elf.DT_RELASZ},
				Relocs: []elftest.Reloc{{Symbol: "notgl_state", Table: elf.DT_RELA, Kind: elfdyn.KindGlobDat}},
			},
			skipped: elf.DT_RELA,
			want:    elfdyn.ErrMissingTag,
		},
		{
			name: "no symbol table",
			builder: elftest.Builder{
				Omit:   []elf.DynTag{elf.DT_SYMTAB},
				Relocs: []elftest.Reloc{{Symbol: "notgl_draw"}},
			},
			skipped: elf.DT_JMPREL,
			want:    elfdyn.ErrMissingTag,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			img := tt.builder.Build(t)
			w := newWalker(img.Class)

			called := 0
			summary, err := w.Walk(img.Base, img.Dynamic, 0, func(*elfdyn.RelocTable) error {
				called++
				return nil
			})
			require.NoError(t, err)
			assert.Zero(t, called)
			require.Len(t, summary.Skipped, 1)
			assert.Equal(t, tt.skipped, summary.Skipped[0].Tag)
			assert.ErrorIs(t, summary.Skipped[0].Err, tt.want)
		})
	}
}

func TestWalkBoundedBySize(t *testing.T) {
	img := (&elftest.Builder{
		Relocs: []elftest.Reloc{{Symbol: "notgl_draw"}},
	}).Build(t)
	w := newWalker(img.Class)

	// only the first entry (DT_STRTAB) is inside the bound
	called := 0
	summary, err := w.Walk(img.Base, img.Dynamic, uintptr(img.Class.DynSize()), func(*elfdyn.RelocTable) error {
		called++
		return nil
	})
	require.NoError(t, err)
	assert.Zero(t, called)
	assert.NotZero(t, summary.Tables.Strtab)
	assert.Zero(t, summary.Tables.Symtab)
}

func TestWalkHandlerError(t *testing.T) {
	img := (&elftest.Builder{
		Relocs: []elftest.Reloc{{Symbol: "notgl_draw"}},
	}).Build(t)
	w := newWalker(img.Class)

	boom := errors.New("boom")
	_, err := w.Walk(img.Base, img.Dynamic, 0, func(*elfdyn.RelocTable) error { return boom })
	assert.ErrorIs(t, err, boom)

	_, err = w.Walk(img.Base, 0, 0, func(*elfdyn.RelocTable) error { return nil })
	assert.ErrorIs(t, err, elfdyn.ErrNoDynamic)
}

func TestClassRInfo(t *testing.T) {
	for _, class := range []elfdyn.Class{elfdyn.Class64X86, elfdyn.Class32X86, elfdyn.Class64ARM, elfdyn.Class32ARM} {
		t.Run(class.String(), func(t *testing.T) {
			for _, kind := range []elfdyn.RelocKind{elfdyn.KindGlobDat, elfdyn.KindJumpSlot, elfdyn.KindAbsolute} {
				typ, ok := class.RelocType(kind)
				require.True(t, ok)
				assert.Equal(t, kind, class.Kind(typ))
				assert.True(t, class.Kind(typ).Actionable())

				info := class.MakeRInfo(0x1234, typ)
				sym, gotType := class.RInfo(info)
				if class.Is64() || typ <= 0xff {
					assert.Equal(t, uint32(0x1234), sym)
					assert.Equal(t, typ, gotType)
				}
			}
		})
	}

	assert.Equal(t, elfdyn.KindOther, elfdyn.Class64X86.Kind(uint32(elf.R_X86_64_RELATIVE)))
	assert.False(t, elfdyn.KindOther.Actionable())
	assert.Equal(t, "R_X86_64_JMP_SLOT", elfdyn.Class64X86.TypeName(uint32(elf.R_X86_64_JMP_SLOT)))

	sym, typ := elfdyn.Class32X86.RInfo(0x00012307)
	assert.Equal(t, uint32(0x123), sym)
	assert.Equal(t, uint32(7), typ)
	sym, typ = elfdyn.Class64X86.RInfo(0x0000000500000007)
	assert.Equal(t, uint32(5), sym)
	assert.Equal(t, uint32(7), typ)
}
