package capsule

import (
	"debug/elf"
	"fmt"
	"path/filepath"

	"github.com/steamrt/capsule/dl"
	"github.com/steamrt/capsule/reloc"
)

// RelocateExcept points the private namespace's bindings of every excluded
// library's functions at the default namespace's copy of that library, so
// that both namespaces share a single instance of it (one malloc arena,
// one set of locale and thread state).
func (c *Capsule) RelocateExcept() (Result, error) {
	self, err := c.linker.Self()
	if err != nil {
		return Result{}, fmt.Errorf("capsule %s: %w", c.Soname, err)
	}
	defaults, err := c.linker.Objects(self)
	if err != nil {
		return Result{}, fmt.Errorf("capsule %s: list objects: %w", c.Soname, err)
	}

	var items []Item
	for _, soname := range c.exclude {
		obj, ok := c.findObject(defaults, soname)
		if !ok {
			c.logger.Debug("excluded library not in default namespace", "soname", soname)
			continue
		}
		exported, err := c.exportedFunctions(obj)
		if err != nil {
			c.logger.Warn("cannot read exported functions", "soname", soname, "error", err)
			continue
		}
		items = append(items, exported...)
	}
	if len(items) == 0 {
		return Result{}, nil
	}

	private, err := c.linker.Objects(c.handle)
	if err != nil {
		return Result{}, fmt.Errorf("capsule %s: list private objects: %w", c.Soname, err)
	}
	var targets []reloc.Object
	for _, obj := range c.objects(private, c.namespace) {
		if c.excluded(obj.Name) {
			continue
		}
		targets = append(targets, obj)
	}

	result, err := reloc.Relocate(targets, items, c.relocOptions(c.flags&^reloc.SkipCapsuleNamespace))
	if err != nil {
		return result, fmt.Errorf("capsule %s: %w", c.Soname, err)
	}
	c.logger.Debug("relocated private namespace", "soname", c.Soname, "result", result.String())
	return result, nil
}

func (c *Capsule) excluded(path string) bool {
	base := filepath.Base(path)
	for _, e := range c.exclude {
		if e == base {
			return true
		}
	}
	return false
}

func (c *Capsule) findObject(objects []dl.Object, soname string) (dl.Object, bool) {
	for _, obj := range objects {
		if obj.Dynamic == 0 {
			continue
		}
		if filepath.Base(obj.Name) == soname {
			return obj, true
		}
		tables, err := c.walker.ReadTables(obj.Base, obj.Dynamic, 0)
		if err == nil && c.walker.Soname(tables) == soname {
			return obj, true
		}
	}
	return dl.Object{}, false
}

// exportedFunctions lists the default-version global functions obj
// defines, with their run-time addresses.
func (c *Capsule) exportedFunctions(obj dl.Object) ([]Item, error) {
	tables, err := c.walker.ReadTables(obj.Base, obj.Dynamic, 0)
	if err != nil {
		return nil, err
	}
	var items []Item
	for _, sym := range c.walker.Symbols(tables) {
		if !sym.Defined() || sym.Hidden || sym.Type() != elf.STT_FUNC || sym.Bind() == elf.STB_LOCAL {
			continue
		}
		items = append(items, Item{
			Name:    sym.Name,
			Version: sym.Version,
			Real:    obj.Base + uintptr(sym.Value),
		})
	}
	return items, nil
}
