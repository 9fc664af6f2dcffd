//go:build linux && cgo

package cgobootstrap

/*
#cgo LDFLAGS: -ldl
#include <stdlib.h>
*/
import "C"

// Force a cgo-linked object into linux builds so libc is mapped and its
// dynamic linker entry points can be located at runtime.
var _ = C.int(0)
