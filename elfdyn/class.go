package elfdyn

import (
	"debug/elf"
	"errors"
	"fmt"
	"runtime"
)

// RelocKind classifies a relocation type by what it binds.
type RelocKind int

const (
	// KindOther is any relocation the patcher does not act on.
	KindOther RelocKind = iota
	// KindGlobDat binds a GOT entry to a symbol address.
	KindGlobDat
	// KindJumpSlot binds a PLT GOT entry to a function address.
	KindJumpSlot
	// KindAbsolute stores a symbol's absolute address (R_X86_64_64 and
	// friends).
	KindAbsolute
)

func (k RelocKind) String() string {
	switch k {
	case KindGlobDat:
		return "GLOB_DAT"
	case KindJumpSlot:
		return "JUMP_SLOT"
	case KindAbsolute:
		return "ABS"
	default:
		return "other"
	}
}

// Actionable reports whether the kind binds an address the patcher may
// rewrite.
func (k RelocKind) Actionable() bool {
	return k != KindOther
}

// Class describes the ELF class and machine of the objects being walked.
// r_info packing, structure sizes and relocation numbering all depend on
// it.
type Class struct {
	Class   elf.Class
	Machine elf.Machine
}

var (
	Class64X86 = Class{Class: elf.ELFCLASS64, Machine: elf.EM_X86_64}
	Class32X86 = Class{Class: elf.ELFCLASS32, Machine: elf.EM_386}
	Class64ARM = Class{Class: elf.ELFCLASS64, Machine: elf.EM_AARCH64}
	Class32ARM = Class{Class: elf.ELFCLASS32, Machine: elf.EM_ARM}
)

var ErrBadClass = errors.New("elfdyn: unsupported ELF class")

var (
	nativeResult Class
	nativeErr    error
)

func init() {
	nativeResult, nativeErr = classForArch(runtime.GOARCH)
}

// Native returns the class of the running process.
func Native() (Class, error) {
	return nativeResult, nativeErr
}

func classForArch(goarch string) (Class, error) {
	switch goarch {
	case "amd64":
		return Class64X86, nil
	case "386":
		return Class32X86, nil
	case "arm64":
		return Class64ARM, nil
	case "arm":
		return Class32ARM, nil
	default:
		return Class{}, fmt.Errorf("%w: architecture %s", ErrBadClass, goarch)
	}
}

// Is64 reports whether the class is ELFCLASS64.
func (c Class) Is64() bool { return c.Class == elf.ELFCLASS64 }

// WordSize is sizeof(ElfW(Addr)).
func (c Class) WordSize() int {
	if c.Is64() {
		return 8
	}
	return 4
}

// DynSize is sizeof(ElfW(Dyn)).
func (c Class) DynSize() int { return 2 * c.WordSize() }

// SymSize is sizeof(ElfW(Sym)).
func (c Class) SymSize() int {
	if c.Is64() {
		return 24
	}
	return 16
}

// RelSize is sizeof(ElfW(Rel)).
func (c Class) RelSize() int { return 2 * c.WordSize() }

// RelaSize is sizeof(ElfW(Rela)).
func (c Class) RelaSize() int { return 3 * c.WordSize() }

// RInfo splits r_info into symbol index and relocation type.
func (c Class) RInfo(info uint64) (sym uint32, typ uint32) {
	if c.Is64() {
		return uint32(info >> 32), uint32(info & 0xffffffff)
	}
	return uint32(info>>8) & 0xffffff, uint32(info & 0xff)
}

// MakeRInfo packs a symbol index and type into r_info.
func (c Class) MakeRInfo(sym uint32, typ uint32) uint64 {
	if c.Is64() {
		return uint64(sym)<<32 | uint64(typ)
	}
	return uint64(sym)<<8 | uint64(typ&0xff)
}

// Kind classifies relocation type typ for the class's machine.
func (c Class) Kind(typ uint32) RelocKind {
	switch c.Machine {
	case elf.EM_X86_64:
		switch elf.R_X86_64(typ) {
		case elf.R_X86_64_GLOB_DAT:
			return KindGlobDat
		case elf.R_X86_64_JMP_SLOT:
			return KindJumpSlot
		case elf.R_X86_64_64:
			return KindAbsolute
		}
	case elf.EM_386:
		switch elf.R_386(typ) {
		case elf.R_386_GLOB_DAT:
			return KindGlobDat
		case elf.R_386_JMP_SLOT:
			return KindJumpSlot
		case elf.R_386_32:
			return KindAbsolute
		}
	case elf.EM_AARCH64:
		switch elf.R_AARCH64(typ) {
		case elf.R_AARCH64_GLOB_DAT:
			return KindGlobDat
		case elf.R_AARCH64_JUMP_SLOT:
			return KindJumpSlot
		case elf.R_AARCH64_ABS64:
			return KindAbsolute
		}
	case elf.EM_ARM:
		switch elf.R_ARM(typ) {
		case elf.R_ARM_GLOB_DAT:
			return KindGlobDat
		case elf.R_ARM_JUMP_SLOT:
			return KindJumpSlot
		case elf.R_ARM_ABS32:
			return KindAbsolute
		}
	}
	return KindOther
}

// TypeName returns the machine-specific name of relocation type typ.
func (c Class) TypeName(typ uint32) string {
	switch c.Machine {
	case elf.EM_X86_64:
		return elf.R_X86_64(typ).String()
	case elf.EM_386:
		return elf.R_386(typ).String()
	case elf.EM_AARCH64:
		return elf.R_AARCH64(typ).String()
	case elf.EM_ARM:
		return elf.R_ARM(typ).String()
	default:
		return fmt.Sprintf("R_%d", typ)
	}
}

// RelocType returns the numeric type of the given kind on this machine,
// or false when the machine has no such relocation.
func (c Class) RelocType(kind RelocKind) (uint32, bool) {
	for _, typ := range c.candidateTypes() {
		if c.Kind(typ) == kind {
			return typ, true
		}
	}
	return 0, false
}

func (c Class) candidateTypes() []uint32 {
	switch c.Machine {
	case elf.EM_X86_64:
		return []uint32{uint32(elf.R_X86_64_64), uint32(elf.R_X86_64_GLOB_DAT), uint32(elf.R_X86_64_JMP_SLOT)}
	case elf.EM_386:
		return []uint32{uint32(elf.R_386_32), uint32(elf.R_386_GLOB_DAT), uint32(elf.R_386_JMP_SLOT)}
	case elf.EM_AARCH64:
		return []uint32{uint32(elf.R_AARCH64_ABS64), uint32(elf.R_AARCH64_GLOB_DAT), uint32(elf.R_AARCH64_JUMP_SLOT)}
	case elf.EM_ARM:
		return []uint32{uint32(elf.R_ARM_ABS32), uint32(elf.R_ARM_GLOB_DAT), uint32(elf.R_ARM_JUMP_SLOT)}
	}
	return nil
}

func (c Class) String() string {
	return fmt.Sprintf("%s/%s", c.Class, c.Machine)
}
