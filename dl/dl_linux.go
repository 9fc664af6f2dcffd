//go:build linux && cgo

package dl

import (
	"debug/elf"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"unsafe"

	_ "github.com/steamrt/capsule/dl/internal/cgobootstrap"
	"github.com/steamrt/capsule/internal/logging"
	"github.com/steamrt/capsule/internal/procmem"
	"github.com/steamrt/capsule/mmapinfo"
)

const (
	wordSize = int(unsafe.Sizeof(uintptr(0)))
	// Upper bound on link-map chain length; guards against a corrupt chain.
	maxLinkMapEntries = 1 << 14
)

type dynAPI struct {
	dlopen  uintptr
	dlmopen uintptr
	dlsym   uintptr
	dlvsym  uintptr
	dlclose uintptr
	dlerror uintptr
	dlinfo  uintptr
}

var (
	apiOnce sync.Once
	api     dynAPI
	apiErr  error
)

// Open is dlopen(3). An empty path opens the main program.
func Open(path string, flags int) (Handle, error) {
	a, err := getAPI()
	if err != nil {
		return 0, err
	}
	return a.open(path, func(cPath uintptr) uintptr {
		return cCall2(a.dlopen, cPath, uintptr(flags))
	})
}

// MOpen is dlmopen(3): it loads path into the link-map list ns, or into a
// fresh one when ns is NewNamespace.
func MOpen(ns Namespace, path string, flags int) (Handle, error) {
	a, err := getAPI()
	if err != nil {
		return 0, err
	}
	if a.dlmopen == 0 {
		return 0, ErrNoDlmopen
	}
	return a.open(path, func(cPath uintptr) uintptr {
		return cCall3(a.dlmopen, uintptr(ns), cPath, uintptr(flags))
	})
}

// Self returns a handle for the main program, whose link map heads the
// default namespace.
func Self() (Handle, error) {
	return Open("", Now)
}

// Close is dlclose(3).
func Close(h Handle) error {
	if h == 0 {
		return ErrNilHandle
	}
	a, err := getAPI()
	if err != nil {
		return err
	}

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	_ = cCall0(a.dlerror)
	if int32(cCall1(a.dlclose, uintptr(h))) != 0 {
		return fmt.Errorf("dlclose: %w", a.lastErrorWithFallback("unknown dlclose error"))
	}
	return nil
}

// Sym is dlsym(3). A symbol whose address is nil is reported as
// ErrNotFound.
func Sym(h Handle, name string) (uintptr, error) {
	a, err := getAPI()
	if err != nil {
		return 0, err
	}
	cName, err := cStringBytes(name)
	if err != nil {
		return 0, err
	}

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	// clear stale dlerror
	_ = cCall0(a.dlerror)
	sym := cCall2(a.dlsym, uintptr(h), cStringPtr(cName))
	runtime.KeepAlive(cName)
	if err := a.lastError(); err != nil {
		return 0, fmt.Errorf("dlsym(%s): %w", name, err)
	}
	if sym == 0 {
		return 0, fmt.Errorf("dlsym(%s): %w", name, ErrNotFound)
	}
	return sym, nil
}

// VSym is dlvsym(3).
func VSym(h Handle, name, version string) (uintptr, error) {
	a, err := getAPI()
	if err != nil {
		return 0, err
	}
	if a.dlvsym == 0 {
		return 0, errors.New("dlvsym is not available in this libc")
	}
	cName, err := cStringBytes(name)
	if err != nil {
		return 0, err
	}
	cVersion, err := cStringBytes(version)
	if err != nil {
		return 0, err
	}

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	_ = cCall0(a.dlerror)
	sym := cCall3(a.dlvsym, uintptr(h), cStringPtr(cName), cStringPtr(cVersion))
	runtime.KeepAlive(cName)
	runtime.KeepAlive(cVersion)
	if err := a.lastError(); err != nil {
		return 0, fmt.Errorf("dlvsym(%s@%s): %w", name, version, err)
	}
	if sym == 0 {
		return 0, fmt.Errorf("dlvsym(%s@%s): %w", name, version, ErrNotFound)
	}
	return sym, nil
}

// NamespaceOf returns the link-map list h was loaded into.
func NamespaceOf(h Handle) (Namespace, error) {
	v, err := info(h, diLMID)
	if err != nil {
		return 0, err
	}
	if wordSize == 4 {
		return Namespace(int32(v)), nil
	}
	return Namespace(int64(v)), nil
}

// Objects returns every object in the link-map chain that h belongs to,
// in load order.
func Objects(h Handle) ([]Object, error) {
	lm, err := info(h, diLinkMap)
	if err != nil {
		return nil, err
	}
	return walkLinkMap(procmem.Self, uintptr(lm))
}

// Call0 calls a function taking no arguments and returning a word.
func Call0(fn uintptr) uintptr {
	return cCall0(fn)
}

func info(h Handle, request int) (uint64, error) {
	if h == 0 {
		return 0, ErrNilHandle
	}
	a, err := getAPI()
	if err != nil {
		return 0, err
	}
	out := cAlloc(8)
	if out == 0 {
		return 0, errors.New("dlinfo: out of memory")
	}
	defer cFree(out)

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	_ = cCall0(a.dlerror)
	if int32(cCall3(a.dlinfo, uintptr(h), uintptr(request), out)) != 0 {
		return 0, fmt.Errorf("dlinfo(%d): %w", request, a.lastErrorWithFallback("unknown dlinfo error"))
	}
	return procmem.Self.ReadUint(out, wordSize), nil
}

// walkLinkMap rewinds to the head of the chain containing lm and returns
// the chain in order. struct link_map starts with l_addr, l_name, l_ld,
// l_next, l_prev, each one word wide.
func walkLinkMap(mem procmem.Memory, lm uintptr) ([]Object, error) {
	if lm == 0 {
		return nil, ErrNilHandle
	}
	ws := uintptr(wordSize)
	field := func(node uintptr, i uintptr) uintptr {
		return uintptr(mem.ReadUint(node+i*ws, wordSize))
	}

	head := lm
	for i := 0; ; i++ {
		if i >= maxLinkMapEntries {
			return nil, errors.New("link map chain does not terminate")
		}
		prev := field(head, 4)
		if prev == 0 {
			break
		}
		head = prev
	}

	var objects []Object
	for node := head; node != 0; node = field(node, 3) {
		if len(objects) >= maxLinkMapEntries {
			return nil, errors.New("link map chain does not terminate")
		}
		objects = append(objects, Object{
			Base:    field(node, 0),
			Name:    mem.CString(field(node, 1), 4096),
			Dynamic: field(node, 2),
		})
	}
	return objects, nil
}

func (a *dynAPI) open(path string, call func(cPath uintptr) uintptr) (Handle, error) {
	var cPath []byte
	if path != "" {
		var err error
		cPath, err = cStringBytes(path)
		if err != nil {
			return 0, err
		}
	}

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	// clear stale dlerror
	_ = cCall0(a.dlerror)
	handle := call(cStringPtr(cPath))
	runtime.KeepAlive(cPath)
	if handle == 0 {
		return 0, fmt.Errorf("dlopen(%s): %w", path, a.lastErrorWithFallback("unknown dlopen error"))
	}
	return Handle(handle), nil
}

func cStringBytes(s string) ([]byte, error) {
	if strings.ContainsRune(s, '\x00') {
		return nil, errors.New("string contains NUL")
	}
	b := make([]byte, len(s)+1)
	copy(b, s)
	return b, nil
}

func cStringPtr(b []byte) uintptr {
	if len(b) == 0 {
		return 0
	}
	return procmem.AddressOf(b)
}

// lastError must run on the thread that made the failing call.
func (a *dynAPI) lastError() error {
	msg := procmem.Self.CString(cCall0(a.dlerror), 0)
	if msg == "" {
		return nil
	}
	return errors.New(msg)
}

func (a *dynAPI) lastErrorWithFallback(fallback string) error {
	if err := a.lastError(); err != nil {
		return err
	}
	return errors.New(fallback)
}

func getAPI() (*dynAPI, error) {
	apiOnce.Do(func() {
		apiErr = initAPI()
	})
	if apiErr != nil {
		return nil, apiErr
	}
	return &api, nil
}

func initAPI() error {
	logger := logging.Component(nil, logging.ComponentDLFunc)

	maps, err := mmapinfo.Load()
	if err != nil {
		return err
	}
	libs := findRuntimeLibs(maps)
	if len(libs) == 0 {
		return errors.New("failed to locate runtime libc mapping")
	}

	resolve := func(name string) uintptr {
		for _, lib := range libs {
			off, err := findELFSymbolOffset(lib.path, name)
			if err != nil {
				continue
			}
			logger.Debug("resolved dynamic linker entry point", "symbol", name, "library", lib.path)
			return lib.base + off
		}
		return 0
	}

	a := dynAPI{
		dlopen:  resolve("dlopen"),
		dlmopen: resolve("dlmopen"),
		dlsym:   resolve("dlsym"),
		dlvsym:  resolve("dlvsym"),
		dlclose: resolve("dlclose"),
		dlerror: resolve("dlerror"),
		dlinfo:  resolve("dlinfo"),
	}
	for name, addr := range map[string]uintptr{
		"dlopen":  a.dlopen,
		"dlsym":   a.dlsym,
		"dlclose": a.dlclose,
		"dlerror": a.dlerror,
		"dlinfo":  a.dlinfo,
	} {
		if addr == 0 {
			return fmt.Errorf("resolve libc symbol %s: %w", name, ErrNotFound)
		}
	}
	api = a
	return nil
}

type runtimeLib struct {
	path  string
	base  uintptr
	score int
}

// findRuntimeLibs returns the mapped libraries that may export the dl*
// family, best candidate first.
func findRuntimeLibs(maps *mmapinfo.Table) []runtimeLib {
	var libs []runtimeLib
	seen := make(map[string]bool)
	for i := range maps.Entries {
		entry := &maps.Entries[i]
		if entry.Invalid || entry.Offset != 0 || !strings.HasPrefix(entry.Path, "/") {
			continue
		}
		if seen[entry.Path] {
			continue
		}
		score := libcPathScore(entry.Path)
		if score < 0 {
			continue
		}
		seen[entry.Path] = true
		libs = append(libs, runtimeLib{path: entry.Path, base: entry.Start, score: score})
	}
	for i := 1; i < len(libs); i++ {
		for j := i; j > 0 && libs[j].score > libs[j-1].score; j-- {
			libs[j], libs[j-1] = libs[j-1], libs[j]
		}
	}
	return libs
}

func libcPathScore(path string) int {
	p := strings.ToLower(path)
	if i := strings.LastIndexByte(p, '/'); i >= 0 {
		p = p[i+1:]
	}
	switch {
	case strings.HasPrefix(p, "libc.so"):
		return 100
	case strings.HasPrefix(p, "libc-"):
		return 95
	case strings.HasPrefix(p, "libdl.so"), strings.HasPrefix(p, "libdl-"):
		return 92
	case strings.HasPrefix(p, "ld-musl"):
		return 90
	case strings.Contains(p, "musl"):
		return 85
	case strings.HasPrefix(p, "ld-linux"):
		return 80
	default:
		return -1
	}
}

func findELFSymbolOffset(path string, symbol string) (uintptr, error) {
	f, err := elf.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open elf %s: %w", path, err)
	}
	defer f.Close()

	if syms, err := f.DynamicSymbols(); err == nil {
		if off, ok := matchSymbolOffset(syms, symbol); ok {
			return off, nil
		}
	}
	return 0, fmt.Errorf("symbol %s not found in %s", symbol, path)
}

func matchSymbolOffset(symbols []elf.Symbol, want string) (uintptr, bool) {
	for _, s := range symbols {
		if s.Value == 0 || s.Section == elf.SHN_UNDEF {
			continue
		}
		if elf.ST_TYPE(s.Info) != elf.STT_FUNC {
			continue
		}
		if s.Name == want || strings.HasPrefix(s.Name, want+"@") {
			return uintptr(s.Value), true
		}
	}
	return 0, false
}
