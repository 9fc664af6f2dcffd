package mmapinfo

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/sys/unix"
)

var ErrInvalidRecord = errors.New("mmapinfo: invalid maps record")

// Protector changes the protection of [addr, addr+length).
type Protector func(addr, length uintptr, prot int) error

// DefaultProtector calls mprotect(2) on raw addresses. unix.Mprotect needs
// a []byte and the ranges here are not Go memory.
func DefaultProtector(addr, length uintptr, prot int) error {
	_, _, errno := unix.Syscall(unix.SYS_MPROTECT, addr, length, uintptr(prot))
	if errno != 0 {
		return errno
	}
	return nil
}

// AddProtection adds the bits in prot to the record's protection and
// remembers the original value for ResetProtection. Adding bits that are
// already present is a no-op.
func (info *Info) AddProtection(prot int) error {
	if info == nil || info.Invalid {
		return ErrInvalidRecord
	}
	if info.Protect&prot == prot {
		return nil
	}

	next := info.Protect | prot
	if err := info.protector()(info.Start, info.End-info.Start, next); err != nil {
		return fmt.Errorf("mprotect %s to %s: %w", info, protString(next, info.Shared), err)
	}
	if !info.modified {
		info.Original = info.Protect
		info.modified = true
	}
	info.Protect = next
	info.log("added protection", "prot", protString(next, info.Shared))
	return nil
}

// ResetProtection restores the protection recorded by AddProtection.
func (info *Info) ResetProtection() error {
	if info == nil || info.Invalid {
		return ErrInvalidRecord
	}
	if !info.modified {
		return nil
	}
	if err := info.protector()(info.Start, info.End-info.Start, info.Original); err != nil {
		return fmt.Errorf("mprotect %s back to %s: %w", info, protString(info.Original, info.Shared), err)
	}
	info.Protect = info.Original
	info.modified = false
	info.log("reset protection", "prot", protString(info.Protect, info.Shared))
	return nil
}

// Modified reports whether protection has been changed and not yet reset.
func (info *Info) Modified() bool {
	return info != nil && info.modified
}

// ResetAll restores every record changed through this table.
func (t *Table) ResetAll() error {
	if t == nil {
		return nil
	}
	var errs []error
	for i := range t.Entries {
		if err := t.Entries[i].ResetProtection(); err != nil && !errors.Is(err, ErrInvalidRecord) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ShouldBeWritable reports whether a currently read-only record is a
// legitimate relocation target: a private, readable, non-executable file
// mapping, which is what RELRO leaves behind. Code, shared mappings,
// anonymous memory and kernel-provided pseudo mappings never are.
func ShouldBeWritable(info *Info) bool {
	if info == nil || info.Invalid {
		return false
	}
	if info.Protect&unix.PROT_WRITE != 0 {
		return false
	}
	if info.Protect&unix.PROT_EXEC != 0 || info.Protect&unix.PROT_READ == 0 {
		return false
	}
	if info.Shared {
		return false
	}
	if info.Path == "" || strings.HasPrefix(info.Path, "[") {
		return false
	}
	return true
}

func (info *Info) protector() Protector {
	if info.table != nil && info.table.protect != nil {
		return info.table.protect
	}
	return DefaultProtector
}

func (info *Info) log(msg string, args ...any) {
	if info.table == nil || info.table.logger == nil {
		return
	}
	info.table.logger.Debug(msg, append([]any{"start", fmt.Sprintf("%#x", info.Start), "path", info.Path}, args...)...)
}
