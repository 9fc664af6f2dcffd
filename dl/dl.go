// Package dl calls the dynamic linker of the running process: dlopen,
// dlmopen, dlsym, dlvsym and dlinfo, plus enumeration of a namespace's
// link-map chain.
//
// The entry points are not linked at build time. They are located in the
// libc (or libdl) mapped into the process and called through cgo
// trampolines, so the same binary works against glibc versions that moved
// the dl* family between libdl and libc.
package dl

import "errors"

// Handle is an opaque handle returned by dlopen or dlmopen.
type Handle uintptr

// Default is RTLD_DEFAULT: lookups search the default namespace in load
// order.
const Default Handle = 0

// Namespace is a link-map list id (Lmid_t).
type Namespace int64

const (
	// BaseNamespace is LM_ID_BASE.
	BaseNamespace Namespace = 0
	// NewNamespace is LM_ID_NEWLM: dlmopen creates a fresh namespace.
	NewNamespace Namespace = -1
)

// dlopen flags.
const (
	Lazy   = 0x00001
	Now    = 0x00002
	NoLoad = 0x00004
	Global = 0x00100
	Local  = 0
)

// dlinfo requests.
const (
	diLMID    = 1
	diLinkMap = 2
)

var (
	ErrUnsupported = errors.New("dynamic linker calls are only supported on linux with cgo")
	ErrNoDlmopen   = errors.New("dlmopen is not available in this libc")
	ErrNilHandle   = errors.New("nil handle")
	ErrNotFound    = errors.New("symbol not found")
)

// Object is one entry of a link-map chain.
type Object struct {
	// Name is l_name; empty for the main program.
	Name string
	// Base is l_addr, the load bias.
	Base uintptr
	// Dynamic is l_ld, the address of PT_DYNAMIC.
	Dynamic uintptr
}
