package reloc

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/steamrt/capsule/elfdyn"
	"github.com/steamrt/capsule/internal/logging"
	"github.com/steamrt/capsule/mmapinfo"
)

// Object is a loaded ELF object as reported by the dynamic linker.
type Object struct {
	Name string
	// Base is the load bias (link_map l_addr).
	Base uintptr
	// Dynamic is the address of PT_DYNAMIC (link_map l_ld).
	Dynamic uintptr
	// Namespace is the link-map list the object belongs to.
	Namespace int64
}

// Options configures Relocate.
type Options struct {
	Flags  Flags
	Walker *elfdyn.Walker
	Logger *slog.Logger
	// LoadMaps returns a fresh maps snapshot. Defaults to mmapinfo.Load.
	LoadMaps func() (*mmapinfo.Table, error)
	// Skip excludes objects from the batch.
	Skip func(Object) bool
}

// Relocate patches the GOT/PLT slots of objects that bind a symbol named
// in items. The maps snapshot is taken once for the batch, and every
// protection change made during the batch is undone before returning.
func Relocate(objects []Object, items []Item, opts Options) (result Result, err error) {
	logger := logging.Component(opts.Logger, logging.ComponentReloc)

	walker := opts.Walker
	if walker == nil {
		walker, err = elfdyn.NewWalker(opts.Logger)
		if err != nil {
			return Result{}, err
		}
	}

	loadMaps := opts.LoadMaps
	if loadMaps == nil {
		loadMaps = func() (*mmapinfo.Table, error) {
			return mmapinfo.Load(mmapinfo.WithLogger(opts.Logger))
		}
	}
	maps, err := loadMaps()
	if err != nil {
		return Result{}, fmt.Errorf("load memory map: %w", err)
	}
	defer func() {
		if resetErr := maps.ResetAll(); resetErr != nil {
			err = errors.Join(err, fmt.Errorf("restore memory protection: %w", resetErr))
		}
	}()

	data := &Data{
		Items:  ActiveItems(items),
		Maps:   maps,
		Flags:  opts.Flags,
		Walker: walker,
		Logger: logger,
	}

	var walkErrs []error
	for _, obj := range objects {
		if obj.Dynamic == 0 {
			continue
		}
		if opts.Flags&SkipCapsuleNamespace != 0 && obj.Namespace != 0 {
			continue
		}
		if opts.Flags&AvoidLibc != 0 && IsLibc(obj.Name) {
			logger.Debug("skipping libc", "object", obj.Name)
			continue
		}
		if opts.Skip != nil && opts.Skip(obj) {
			continue
		}

		before := data.Result
		if _, err := walker.Walk(obj.Base, obj.Dynamic, 0, data.Process); err != nil {
			walkErrs = append(walkErrs, fmt.Errorf("%s: %w", obj.Name, err))
			continue
		}
		if data.Result != before {
			logger.Debug("relocated object",
				"object", obj.Name,
				"success", data.Success-before.Success,
				"failure", data.Failure-before.Failure,
			)
		}
	}

	if len(walkErrs) > 0 {
		logger.Warn("some objects could not be walked", "error", errors.Join(walkErrs...))
	}
	return data.Result, nil
}

// IsLibc reports whether path names the C library.
func IsLibc(path string) bool {
	name := filepath.Base(path)
	switch {
	case name == "libc.so.6", name == "libc.so":
		return true
	case strings.HasPrefix(name, "libc-") && strings.HasSuffix(name, ".so"):
		return true
	case strings.HasPrefix(name, "ld-musl-"), strings.HasPrefix(name, "libc.musl-"):
		return true
	default:
		return false
	}
}
