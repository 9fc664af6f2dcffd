// Package ldlibs computes the DT_NEEDED closure of a library inside a
// filesystem prefix and the order in which its members must be opened.
//
// Search follows ld.so: DT_RPATH of the requester (when it has no
// DT_RUNPATH), the configured library path, DT_RUNPATH, the ld.so.cache
// found under the prefix, then the default directories. Candidates of the
// wrong ELF class or machine are skipped.
package ldlibs

import (
	"debug/elf"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"path/filepath"
	"strings"

	"github.com/steamrt/capsule/elfdyn"
	"github.com/steamrt/capsule/internal/ldcache"
	"github.com/steamrt/capsule/internal/logging"
)

var (
	ErrNotFound   = errors.New("library not found")
	ErrWrongClass = errors.New("library has the wrong ELF class or machine")
)

// Library is one member of a closure.
type Library struct {
	// Name is the DT_NEEDED entry (or the requested name for the root).
	Name string
	// Soname is DT_SONAME, falling back to Name.
	Soname string
	// Path is the location on the host filesystem, prefix included.
	Path string
	// Needed lists DT_NEEDED entries in file order.
	Needed []string
	// Excluded libraries are part of the closure but must come from the
	// default namespace; their own dependencies are not followed.
	Excluded bool

	runpath []string
	rpath   []string
}

// Options configures Resolve.
type Options struct {
	// Prefix is the sysroot the closure is resolved in. Empty means "/".
	Prefix string
	// LibraryPath is searched like LD_LIBRARY_PATH, inside the prefix.
	LibraryPath []string
	// Exclude lists sonames that are not followed.
	Exclude []string
	// Class defaults to the running process.
	Class elfdyn.Class
	// Cache overrides the ld.so.cache read from the prefix.
	Cache  *ldcache.Cache
	Logger *slog.Logger
}

// Closure is a resolved dependency tree.
type Closure struct {
	Root *Library
	// Order lists every library leaves first: each entry appears after
	// all of its dependencies, the root last.
	Order []*Library
}

// Find returns the closure member with the given soname or DT_NEEDED name.
func (c *Closure) Find(name string) *Library {
	for _, lib := range c.Order {
		if lib.Name == name || lib.Soname == name {
			return lib
		}
	}
	return nil
}

type resolver struct {
	opts    Options
	prefix  string
	class   elfdyn.Class
	cache   *ldcache.Cache
	noCache bool
	exclude map[string]bool
	byName  map[string]*Library
	active  map[string]bool
	order   []*Library

	search *slog.Logger
	ldc    *slog.Logger
}

// Resolve loads the closure of name.
func Resolve(name string, opts Options) (*Closure, error) {
	r := &resolver{
		opts:    opts,
		prefix:  opts.Prefix,
		class:   opts.Class,
		cache:   opts.Cache,
		exclude: make(map[string]bool),
		byName:  make(map[string]*Library),
		active:  make(map[string]bool),
		search:  logging.Component(opts.Logger, logging.ComponentSearch),
		ldc:     logging.Component(opts.Logger, logging.ComponentLDCache),
	}
	if r.prefix == "" {
		r.prefix = "/"
	}
	if r.class == (elfdyn.Class{}) {
		native, err := elfdyn.Native()
		if err != nil {
			return nil, err
		}
		r.class = native
	}
	for _, e := range opts.Exclude {
		r.exclude[e] = true
	}

	root, err := r.visit(name, nil)
	if err != nil {
		return nil, err
	}
	return &Closure{Root: root, Order: r.order}, nil
}

func (r *resolver) visit(name string, from *Library) (*Library, error) {
	if lib, ok := r.byName[name]; ok {
		return lib, nil
	}
	if r.active[name] {
		// Dependency cycle: the member is already on the stack and will be
		// appended when it unwinds.
		return nil, nil
	}
	r.active[name] = true
	defer delete(r.active, name)

	lib, err := r.locate(name, from)
	if err != nil {
		if from != nil {
			return nil, fmt.Errorf("%s (needed by %s): %w", name, from.Name, err)
		}
		return nil, err
	}
	if r.exclude[name] || r.exclude[lib.Soname] {
		lib.Excluded = true
	}

	if lib.Excluded {
		r.search.Debug("not following excluded library", "name", name)
	} else {
		for _, dep := range lib.Needed {
			if _, err := r.visit(dep, lib); err != nil {
				return nil, err
			}
		}
	}

	// A soname reached under a different DT_NEEDED spelling is the same
	// object.
	for _, seen := range r.order {
		if seen.Soname == lib.Soname {
			r.byName[name] = seen
			return seen, nil
		}
	}
	r.byName[name] = lib
	r.order = append(r.order, lib)
	return lib, nil
}

func (r *resolver) locate(name string, from *Library) (*Library, error) {
	if strings.Contains(name, "/") {
		return r.load(name, r.inPrefix(name))
	}

	var dirs []string
	if from != nil && len(from.runpath) == 0 {
		dirs = append(dirs, from.rpath...)
	}
	dirs = append(dirs, r.opts.LibraryPath...)
	if from != nil {
		dirs = append(dirs, from.runpath...)
	}
	for _, dir := range dirs {
		if lib, ok := r.try(name, filepath.Join(r.inPrefix(dir), name)); ok {
			return lib, nil
		}
	}

	if cache := r.ldcache(); cache != nil {
		if p, ok := cache.Lookup(name, r.class); ok {
			r.ldc.Debug("found in ld.so.cache", "name", name, "path", p)
			if lib, ok := r.try(name, r.inPrefix(p)); ok {
				return lib, nil
			}
		}
	}

	for _, dir := range DefaultDirs(r.class) {
		if lib, ok := r.try(name, filepath.Join(r.inPrefix(dir), name)); ok {
			return lib, nil
		}
	}
	return nil, fmt.Errorf("%s in %s: %w", name, r.prefix, ErrNotFound)
}

func (r *resolver) try(name, hostPath string) (*Library, bool) {
	lib, err := r.load(name, hostPath)
	if err != nil {
		r.search.Debug("rejected candidate", "name", name, "path", hostPath, "error", err)
		return nil, false
	}
	r.search.Debug("found library", "name", name, "path", hostPath)
	return lib, true
}

func (r *resolver) load(name, hostPath string) (*Library, error) {
	f, err := elf.Open(hostPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if f.Class != r.class.Class || f.Machine != r.class.Machine {
		return nil, fmt.Errorf("%s is %s/%s: %w", hostPath, f.Class, f.Machine, ErrWrongClass)
	}

	lib := &Library{Name: name, Soname: name, Path: hostPath}
	if needed, err := f.DynString(elf.DT_NEEDED); err == nil {
		lib.Needed = needed
	}
	if sonames, err := f.DynString(elf.DT_SONAME); err == nil && len(sonames) > 0 {
		lib.Soname = sonames[0]
	}
	origin := r.fromPrefix(filepath.Dir(hostPath))
	if runpath, err := f.DynString(elf.DT_RUNPATH); err == nil {
		lib.runpath = expandPaths(runpath, origin)
	}
	if rpath, err := f.DynString(elf.DT_RPATH); err == nil {
		lib.rpath = expandPaths(rpath, origin)
	}
	return lib, nil
}

func (r *resolver) ldcache() *ldcache.Cache {
	if r.cache != nil || r.noCache {
		return r.cache
	}
	cachePath := r.inPrefix(ldcache.DefaultPath)
	cache, err := ldcache.Open(cachePath)
	if err != nil {
		r.ldc.Debug("no usable ld.so.cache", "path", cachePath, "error", err)
		r.noCache = true
		return nil
	}
	r.cache = cache
	return cache
}

// inPrefix maps an absolute path inside the prefix to a host path.
func (r *resolver) inPrefix(p string) string {
	if r.prefix == "/" {
		return p
	}
	if !filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(r.prefix, p)
}

// fromPrefix is the inverse of inPrefix.
func (r *resolver) fromPrefix(hostPath string) string {
	if r.prefix == "/" {
		return hostPath
	}
	rel, err := filepath.Rel(r.prefix, hostPath)
	if err != nil || strings.HasPrefix(rel, "..") {
		return hostPath
	}
	return "/" + filepath.ToSlash(rel)
}

// expandPaths splits colon-separated DT_RUNPATH/DT_RPATH values and
// substitutes $ORIGIN.
func expandPaths(values []string, origin string) []string {
	var out []string
	for _, v := range values {
		for _, dir := range strings.Split(v, ":") {
			if dir == "" {
				continue
			}
			dir = strings.ReplaceAll(dir, "${ORIGIN}", origin)
			dir = strings.ReplaceAll(dir, "$ORIGIN", origin)
			out = append(out, path.Clean(dir))
		}
	}
	return out
}

// DefaultDirs returns the trusted directories ld.so searches last for
// class, multiarch directories first.
func DefaultDirs(class elfdyn.Class) []string {
	var dirs []string
	if triplet := Triplet(class); triplet != "" {
		dirs = append(dirs, "/lib/"+triplet, "/usr/lib/"+triplet)
	}
	if class.Is64() {
		dirs = append(dirs, "/lib64", "/usr/lib64")
	} else {
		dirs = append(dirs, "/lib32", "/usr/lib32")
	}
	return append(dirs, "/lib", "/usr/lib")
}

// Triplet returns the Debian multiarch tuple for class.
func Triplet(class elfdyn.Class) string {
	switch class {
	case elfdyn.Class64X86:
		return "x86_64-linux-gnu"
	case elfdyn.Class32X86:
		return "i386-linux-gnu"
	case elfdyn.Class64ARM:
		return "aarch64-linux-gnu"
	case elfdyn.Class32ARM:
		return "arm-linux-gnueabihf"
	default:
		return ""
	}
}
