//go:build linux && cgo

package dl

/*
#include <stdint.h>
#include <stdlib.h>

typedef uintptr_t (*capsule_fn0)(void);
typedef uintptr_t (*capsule_fn1)(uintptr_t);
typedef uintptr_t (*capsule_fn2)(uintptr_t, uintptr_t);
typedef uintptr_t (*capsule_fn3)(uintptr_t, uintptr_t, uintptr_t);

static uintptr_t capsule_call0(uintptr_t fn) {
	return ((capsule_fn0)fn)();
}

static uintptr_t capsule_call1(uintptr_t fn, uintptr_t a0) {
	return ((capsule_fn1)fn)(a0);
}

static uintptr_t capsule_call2(uintptr_t fn, uintptr_t a0, uintptr_t a1) {
	return ((capsule_fn2)fn)(a0, a1);
}

static uintptr_t capsule_call3(uintptr_t fn, uintptr_t a0, uintptr_t a1, uintptr_t a2) {
	return ((capsule_fn3)fn)(a0, a1, a2);
}

static uintptr_t capsule_alloc(size_t n) {
	return (uintptr_t)calloc(1, n);
}

static void capsule_free(uintptr_t p) {
	free((void *)p);
}
*/
import "C"

func cCall0(fn uintptr) uintptr {
	return uintptr(C.capsule_call0(C.uintptr_t(fn)))
}

func cCall1(fn, a0 uintptr) uintptr {
	return uintptr(C.capsule_call1(C.uintptr_t(fn), C.uintptr_t(a0)))
}

func cCall2(fn, a0, a1 uintptr) uintptr {
	return uintptr(C.capsule_call2(C.uintptr_t(fn), C.uintptr_t(a0), C.uintptr_t(a1)))
}

func cCall3(fn, a0, a1, a2 uintptr) uintptr {
	return uintptr(C.capsule_call3(C.uintptr_t(fn), C.uintptr_t(a0), C.uintptr_t(a1), C.uintptr_t(a2)))
}

// cAlloc returns zeroed C memory for out-parameters the dynamic linker
// writes into.
func cAlloc(n int) uintptr {
	return uintptr(C.capsule_alloc(C.size_t(n)))
}

func cFree(p uintptr) {
	C.capsule_free(C.uintptr_t(p))
}
