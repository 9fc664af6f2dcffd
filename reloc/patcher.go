// Package reloc rewrites already-bound GOT and PLT slots so that calls
// bound to a shim implementation reach a real implementation instead.
//
// Patching mutates process-wide state. It must run before any thread can
// call through the affected slots, which in practice means library
// constructor time, and callers must serialize it.
package reloc

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sys/unix"

	"github.com/steamrt/capsule/elfdyn"
	"github.com/steamrt/capsule/internal/procmem"
	"github.com/steamrt/capsule/mmapinfo"
)

// Item is one symbol to redirect. Shim is the address the linker
// originally bound; Real is the replacement, or 0 if it could not be
// resolved.
type Item struct {
	Name    string
	Version string
	Shim    uintptr
	Real    uintptr
}

// Flags adjust a relocation batch.
type Flags uint

const (
	// AvoidLibc leaves libc's own relocations alone.
	AvoidLibc Flags = 1 << iota
	// DryRun counts what would be patched without writing.
	DryRun
	// SkipCapsuleNamespace leaves objects outside the base namespace
	// alone.
	SkipCapsuleNamespace
)

// Result counts the outcome of a batch. Slots that already held the real
// address are not counted.
type Result struct {
	Success int
	Failure int
}

func (r Result) String() string {
	return fmt.Sprintf("%d relocated, %d failed", r.Success, r.Failure)
}

// Add accumulates other into r.
func (r *Result) Add(other Result) {
	r.Success += other.Success
	r.Failure += other.Failure
}

// Data is the state of one patch batch. It lives for a single walk over a
// set of objects and is discarded afterwards.
type Data struct {
	Items  []Item
	Maps   *mmapinfo.Table
	Flags  Flags
	Walker *elfdyn.Walker
	Logger *slog.Logger
	Result
}

// ActiveItems returns items up to, not including, the first item without
// a name. Generated tables end with such an item.
func ActiveItems(items []Item) []Item {
	for i := range items {
		if items[i].Name == "" {
			return items[:i]
		}
	}
	return items
}

// SlotAddress computes the address a relocation entry binds. RELA entries
// include the addend in the address.
func SlotAddress(base uintptr, r elfdyn.Reloc, kind elfdyn.TableKind) uintptr {
	addr := base + uintptr(r.Offset)
	if kind == elfdyn.KindRELA {
		addr = uintptr(int64(addr) + r.Addend)
	}
	return addr
}

// Process patches every matching entry of one relocation table. It is an
// elfdyn.Handler and never fails: problems with individual entries are
// counted and logged.
func (d *Data) Process(table *elfdyn.RelocTable) error {
	for i := 0; i < table.Len(); i++ {
		d.processEntry(table, table.Entry(d.Walker.Mem, d.Walker.Class, i))
	}
	return nil
}

func (d *Data) processEntry(table *elfdyn.RelocTable, r elfdyn.Reloc) {
	kind := d.Walker.Class.Kind(r.Type)
	if !kind.Actionable() {
		if d.Logger.Enabled(context.Background(), slog.LevelDebug) {
			_, name, _ := d.Walker.FindSymbol(r.Sym, table.Tables)
			d.Logger.Debug("ignoring relocation", "type", d.Walker.Class.TypeName(r.Type), "symbol", name)
		}
		return
	}

	_, name, ok := d.Walker.FindSymbol(r.Sym, table.Tables)
	if !ok || name == "" {
		return
	}

	item := d.lookup(name)
	if item == nil {
		return
	}

	addr := SlotAddress(table.Base, r, table.Kind)
	log := d.Logger.With(
		"symbol", d.describe(name, r.Sym, table.Tables),
		"kind", kind.String(),
		"slot", fmt.Sprintf("%#x", addr),
	)
	d.patch(item, addr, log)
}

// lookup scans the item table by name. The table is small and built
// before anything else in the process is ready, so a linear scan it is.
func (d *Data) lookup(name string) *Item {
	for i := range d.Items {
		if d.Items[i].Name == "" {
			return nil
		}
		if d.Items[i].Name == name {
			return &d.Items[i]
		}
	}
	return nil
}

func (d *Data) describe(name string, index uint32, tables *elfdyn.Tables) string {
	if v, ok := d.Walker.SymbolVersion(index, tables); ok {
		return elfdyn.FormatVersioned(name, v.Name, false)
	}
	return name
}

func (d *Data) patch(item *Item, addr uintptr, log *slog.Logger) {
	if item.Real == 0 {
		d.Failure++
		log.Warn("no real implementation; keeping shim binding")
		return
	}

	width := d.Walker.Class.WordSize()
	info := d.Maps.Find(addr)
	if info == nil {
		d.Failure++
		log.Warn("slot is not in any known mapping; not patched")
		return
	}
	if info.Protect&unix.PROT_READ == 0 {
		d.Failure++
		log.Warn("slot is in an unreadable mapping; not patched", "mapping", info.String())
		return
	}

	slot, err := procmem.NewSlot(addr, width, info)
	if err != nil {
		d.Failure++
		log.Warn("slot failed validation", "error", err)
		return
	}

	current := slot.Load()
	if current == uint64(item.Real) {
		log.Debug("already relocated")
		return
	}
	if item.Shim != 0 && current != uint64(item.Shim) {
		log.Debug("slot does not hold the shim address",
			"current", fmt.Sprintf("%#x", current),
			"shim", fmt.Sprintf("%#x", item.Shim),
		)
	}

	if !info.Writable() {
		if !mmapinfo.ShouldBeWritable(info) {
			d.Failure++
			log.Warn("slot is in a read-only mapping that is not a relocation target", "mapping", info.String())
			return
		}
		if d.Flags&DryRun == 0 {
			if err := info.AddProtection(unix.PROT_WRITE); err != nil {
				d.Failure++
				log.Warn("cannot make slot writable", "error", err)
				return
			}
		}
	}

	if d.Flags&DryRun != 0 {
		d.Success++
		log.Info("would relocate", "real", fmt.Sprintf("%#x", item.Real))
		return
	}

	if err := slot.Store(uint64(item.Real)); err != nil {
		d.Failure++
		log.Warn("store failed", "error", err)
		return
	}
	d.Success++
	log.Debug("relocated",
		"old", fmt.Sprintf("%#x", current),
		"real", fmt.Sprintf("%#x", item.Real),
	)
}
