// Package capsule loads a library and its dependency tree into a private
// dynamic-linker namespace and redirects the default namespace's bindings
// of that library's functions to the private copy.
//
// A capsule is built once, normally from a shim library's constructor,
// and then lives for the rest of the process. Construction and relocation
// are not safe for concurrent use; callers must finish both before other
// threads call through the affected symbols.
package capsule

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/steamrt/capsule/dl"
	"github.com/steamrt/capsule/elfdyn"
	"github.com/steamrt/capsule/internal/ldlibs"
	"github.com/steamrt/capsule/internal/logging"
	"github.com/steamrt/capsule/mmapinfo"
	"github.com/steamrt/capsule/reloc"
)

// ErrConstruction is wrapped by every error New returns.
var ErrConstruction = errors.New("capsule: construction failed")

// Item is one symbol to redirect.
type Item = reloc.Item

// Result counts the outcome of a relocation batch.
type Result = reloc.Result

// Capsule is a library loaded into its own namespace.
type Capsule struct {
	Soname string
	Prefix string

	namespace dl.Namespace
	handle    dl.Handle
	closure   *ldlibs.Closure
	shared    map[string]dl.Handle
	exclude   []string
	export    []string
	items     []Item

	flags    reloc.Flags
	linker   Linker
	walker   *elfdyn.Walker
	loadMaps func() (*mmapinfo.Table, error)
	// base is handed to lower layers, which tag it with their own
	// component.
	base   *slog.Logger
	logger *slog.Logger
}

// Option configures New.
type Option func(*Capsule)

// WithLogger sets the logger. Defaults to the CAPSULE_DEBUG-configured
// logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Capsule) { c.base = logger }
}

// WithLinker replaces the dynamic linker.
func WithLinker(l Linker) Option {
	return func(c *Capsule) { c.linker = l }
}

// WithFlags sets the flags used by Relocate.
func WithFlags(flags reloc.Flags) Option {
	return func(c *Capsule) { c.flags = flags }
}

// WithItems adds pre-built items, for example a generated table whose
// Shim addresses are already known. Items follow the configured symbols.
func WithItems(items []Item) Option {
	return func(c *Capsule) { c.items = append(c.items, reloc.ActiveItems(items)...) }
}

// WithMaps replaces the /proc/self/maps loader used per batch.
func WithMaps(load func() (*mmapinfo.Table, error)) Option {
	return func(c *Capsule) { c.loadMaps = load }
}

// New resolves cfg.Soname's dependency closure under cfg.Prefix, loads it
// into a new namespace, and resolves every item against it. Items that
// cannot be resolved keep Real == 0 and count as failures when relocated;
// a closure member that cannot be opened fails construction.
func New(cfg Config, opts ...Option) (*Capsule, error) {
	c := &Capsule{
		Soname:    cfg.Soname,
		Prefix:    cfg.Prefix,
		namespace: dl.NewNamespace,
		shared:    make(map[string]dl.Handle),
		exclude:   append([]string(nil), cfg.Exclude...),
		export:    append([]string(nil), cfg.Export...),
		items:     cfg.Items(),
		flags:     reloc.SkipCapsuleNamespace,
		linker:    SystemLinker,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = logging.Component(c.base, logging.ComponentCapsule)
	if c.Prefix == "" {
		c.Prefix = "/"
	}
	if c.Soname == "" {
		return nil, fmt.Errorf("%w: soname is required", ErrConstruction)
	}

	walker, err := elfdyn.NewWalker(c.base)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConstruction, err)
	}
	c.walker = walker

	closure, err := ldlibs.Resolve(c.Soname, ldlibs.Options{
		Prefix:      c.Prefix,
		LibraryPath: cfg.LibraryPath,
		Exclude:     c.exclude,
		Class:       walker.Class,
		Logger:      c.base,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConstruction, err)
	}
	c.closure = closure

	if err := c.load(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConstruction, err)
	}
	c.resolveItems()
	return c, nil
}

// load opens the closure leaves first so that every library finds its
// dependencies already present in the namespace.
func (c *Capsule) load() error {
	for _, lib := range c.closure.Order {
		if lib.Excluded {
			h, err := c.linker.Open(lib.Soname, dl.Now|dl.NoLoad)
			if err != nil {
				c.logger.Debug("excluded library not loaded yet", "soname", lib.Soname)
				h, err = c.linker.Open(lib.Soname, dl.Now)
				if err != nil {
					return fmt.Errorf("open %s in default namespace: %w", lib.Soname, err)
				}
			}
			c.shared[lib.Soname] = h
			continue
		}

		h, err := c.linker.MOpen(c.namespace, lib.Path, dl.Now)
		if err != nil {
			return fmt.Errorf("open %s: %w", lib.Path, err)
		}
		if c.namespace == dl.NewNamespace {
			ns, err := c.linker.Namespace(h)
			if err != nil {
				return fmt.Errorf("namespace of %s: %w", lib.Path, err)
			}
			c.namespace = ns
			c.logger.Debug("created namespace", "namespace", int64(ns), "first", lib.Path)
		}
		c.logger.Debug("loaded library", "path", lib.Path, "namespace", int64(c.namespace))
		if lib == c.closure.Root {
			c.handle = h
		}
	}
	if c.handle == 0 {
		return fmt.Errorf("%s was not loaded into the private namespace", c.Soname)
	}
	return nil
}

func (c *Capsule) resolveItems() {
	for i := range c.items {
		item := &c.items[i]
		if item.Real == 0 {
			addr, err := c.linker.Sym(c.handle, item.Name, item.Version)
			if err != nil {
				c.logger.Warn("symbol not found in capsule", "symbol", item.Name, "version", item.Version, "error", err)
			}
			item.Real = addr
		}
		if item.Shim == 0 {
			if addr, err := c.linker.Sym(dl.Default, item.Name, ""); err == nil {
				item.Shim = addr
			}
		}
	}
}

// Namespace returns the capsule's link-map list id.
func (c *Capsule) Namespace() dl.Namespace { return c.namespace }

// Handle returns the private handle of the capsule's library.
func (c *Capsule) Handle() dl.Handle { return c.handle }

// Items returns a copy of the capsule's relocation items.
func (c *Capsule) Items() []Item { return append([]Item(nil), c.items...) }

// Libraries returns the closure in load order.
func (c *Capsule) Libraries() []*ldlibs.Library { return c.closure.Order }

// Relocate points the default namespace's bindings of the capsule's
// symbols at their private implementations. The dynamic linker, the vDSO
// and objects outside the default namespace are left alone, as is libc
// when the AvoidLibc flag is set.
func (c *Capsule) Relocate() (Result, error) {
	self, err := c.linker.Self()
	if err != nil {
		return Result{}, fmt.Errorf("capsule %s: %w", c.Soname, err)
	}
	objects, err := c.linker.Objects(self)
	if err != nil {
		return Result{}, fmt.Errorf("capsule %s: list objects: %w", c.Soname, err)
	}

	result, err := reloc.Relocate(c.objects(objects, dl.BaseNamespace), c.items, c.relocOptions(c.flags))
	if err != nil {
		return result, fmt.Errorf("capsule %s: %w", c.Soname, err)
	}
	c.logger.Debug("relocated default namespace", "soname", c.Soname, "result", result.String())
	return result, nil
}

// Dlsym looks name up in the capsule's namespace.
func (c *Capsule) Dlsym(name string) (uintptr, error) {
	return c.linker.Sym(c.handle, name, "")
}

// Open is a dlopen replacement: requests for an exported soname are
// answered with the capsule's private handle, everything else is opened
// in the default namespace.
func (c *Capsule) Open(path string, flags int) (dl.Handle, error) {
	if c.exports(path) {
		c.logger.Debug("redirecting dlopen to capsule", "path", path)
		return c.handle, nil
	}
	return c.linker.Open(path, flags)
}

func (c *Capsule) exports(path string) bool {
	if path == "" {
		return false
	}
	base := filepath.Base(path)
	for _, e := range c.export {
		if e == path || e == base {
			return true
		}
	}
	return base == c.Soname || path == c.Soname
}

func (c *Capsule) objects(list []dl.Object, ns dl.Namespace) []reloc.Object {
	out := make([]reloc.Object, 0, len(list))
	for _, obj := range list {
		if isDynamicLinker(obj.Name) || isVDSO(obj.Name) {
			continue
		}
		out = append(out, reloc.Object{
			Name:      obj.Name,
			Base:      obj.Base,
			Dynamic:   obj.Dynamic,
			Namespace: int64(ns),
		})
	}
	return out
}

func (c *Capsule) relocOptions(flags reloc.Flags) reloc.Options {
	return reloc.Options{
		Flags:    flags,
		Walker:   c.walker,
		Logger:   c.base,
		LoadMaps: c.loadMaps,
	}
}

func isDynamicLinker(path string) bool {
	name := filepath.Base(path)
	return strings.HasPrefix(name, "ld-linux") ||
		strings.HasPrefix(name, "ld64.so") ||
		strings.HasPrefix(name, "ld.so") ||
		strings.HasPrefix(name, "ld-musl")
}

func isVDSO(path string) bool {
	return strings.HasPrefix(path, "linux-vdso") || strings.HasPrefix(path, "linux-gate")
}
