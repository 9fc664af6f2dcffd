//go:build linux && cgo

package dl

import (
	"errors"
	"runtime"
	"testing"
	"unsafe"

	"github.com/steamrt/capsule/internal/procmem"
	"github.com/steamrt/capsule/mmapinfo"
)

func TestLibcPathScore(t *testing.T) {
	tests := []struct {
		path string
		want int
	}{
		{"/usr/lib/x86_64-linux-gnu/libc.so.6", 100},
		{"/lib/libc-2.31.so", 95},
		{"/lib/x86_64-linux-gnu/libdl.so.2", 92},
		{"/lib/ld-musl-x86_64.so.1", 90},
		{"/lib64/ld-linux-x86-64.so.2", 80},
		{"/usr/lib/libcapsule.so.0", -1},
		{"/usr/lib/libcrypt.so.1", -1},
	}
	for _, tc := range tests {
		if got := libcPathScore(tc.path); got != tc.want {
			t.Errorf("libcPathScore(%q) = %d, want %d", tc.path, got, tc.want)
		}
	}
}

func TestFindRuntimeLibsOrder(t *testing.T) {
	maps := mmapinfo.Parse([]byte(
		"7f0000000000-7f0000001000 r--p 00000000 08:01 1 /lib64/ld-linux-x86-64.so.2\n" +
			"7f1000000000-7f1000028000 r--p 00000000 08:01 2 /lib/x86_64-linux-gnu/libdl.so.2\n" +
			"7f2000000000-7f2000028000 r--p 00000000 08:01 3 /lib/x86_64-linux-gnu/libc.so.6\n" +
			"7f2000028000-7f20001bd000 r-xp 00028000 08:01 3 /lib/x86_64-linux-gnu/libc.so.6\n" +
			"7f3000000000-7f3000001000 r--p 00000000 08:01 4 /usr/lib/libGL.so.1\n"))

	libs := findRuntimeLibs(maps)
	if len(libs) != 3 {
		t.Fatalf("got %d candidates, want 3: %+v", len(libs), libs)
	}
	want := []string{
		"/lib/x86_64-linux-gnu/libc.so.6",
		"/lib/x86_64-linux-gnu/libdl.so.2",
		"/lib64/ld-linux-x86-64.so.2",
	}
	for i, lib := range libs {
		if lib.path != want[i] {
			t.Errorf("candidate %d = %s, want %s", i, lib.path, want[i])
		}
	}
	if libs[0].base != 0x7f2000000000 {
		t.Errorf("libc base = %#x", libs[0].base)
	}
}

func TestWalkLinkMap(t *testing.T) {
	nodes := make([]uintptr, 3*5)
	names := [][]byte{[]byte("\x00"), []byte("/usr/lib/libfoo.so.1\x00"), []byte("/usr/lib/libbar.so.2\x00")}
	addr := func(i int) uintptr { return uintptr(unsafe.Pointer(&nodes[i*5])) }
	for i := 0; i < 3; i++ {
		n := nodes[i*5 : i*5+5]
		n[0] = uintptr(0x1000 * i)
		n[1] = procmem.AddressOf(names[i])
		n[2] = uintptr(0x7000 + i)
		if i < 2 {
			n[3] = addr(i + 1)
		}
		if i > 0 {
			n[4] = addr(i - 1)
		}
	}

	objects, err := walkLinkMap(procmem.Self, addr(1))
	runtime.KeepAlive(nodes)
	runtime.KeepAlive(names)
	if err != nil {
		t.Fatalf("walkLinkMap: %v", err)
	}
	if len(objects) != 3 {
		t.Fatalf("got %d objects, want 3", len(objects))
	}
	if objects[0].Name != "" || objects[1].Name != "/usr/lib/libfoo.so.1" || objects[2].Name != "/usr/lib/libbar.so.2" {
		t.Errorf("unexpected names: %+v", objects)
	}
	if objects[2].Base != 0x2000 || objects[2].Dynamic != 0x7002 {
		t.Errorf("unexpected object: %+v", objects[2])
	}
}

func TestSelfObjects(t *testing.T) {
	h, err := Self()
	if err != nil {
		t.Fatalf("Self: %v", err)
	}
	ns, err := NamespaceOf(h)
	if err != nil {
		t.Fatalf("NamespaceOf: %v", err)
	}
	if ns != BaseNamespace {
		t.Errorf("main program namespace = %d, want %d", ns, BaseNamespace)
	}

	objects, err := Objects(h)
	if err != nil {
		t.Fatalf("Objects: %v", err)
	}
	if len(objects) < 2 {
		t.Fatalf("got %d objects, expected the program and at least libc", len(objects))
	}
	if objects[0].Name != "" {
		t.Errorf("first object should be the main program, got %q", objects[0].Name)
	}
	foundLibc := false
	for _, obj := range objects {
		if libcPathScore(obj.Name) >= 95 && obj.Dynamic != 0 {
			foundLibc = true
		}
	}
	if !foundLibc {
		t.Errorf("libc missing from link map: %+v", objects)
	}
}

func TestSymDefault(t *testing.T) {
	addr, err := Sym(Default, "malloc")
	if err != nil {
		t.Fatalf("Sym(malloc): %v", err)
	}
	if addr == 0 {
		t.Fatal("Sym(malloc) returned zero")
	}

	if _, err := Sym(Default, "capsule_no_such_symbol_xyzzy"); err == nil {
		t.Fatal("expected error for missing symbol")
	}
}

func TestOpenMissingLibrary(t *testing.T) {
	_, err := Open("/nonexistent/libcapsule-missing.so", Now)
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestMOpenNewNamespace(t *testing.T) {
	h, err := MOpen(NewNamespace, "libm.so.6", Now)
	if errors.Is(err, ErrNoDlmopen) {
		t.Skip(err)
	}
	if err != nil {
		t.Skipf("libm.so.6 not loadable into a new namespace: %v", err)
	}

	ns, err := NamespaceOf(h)
	if err != nil {
		t.Fatalf("NamespaceOf: %v", err)
	}
	if ns <= BaseNamespace {
		t.Fatalf("dlmopen namespace = %d, want > 0", ns)
	}

	if _, err := Sym(h, "cos"); err != nil {
		t.Fatalf("Sym(cos) in private namespace: %v", err)
	}

	objects, err := Objects(h)
	if err != nil {
		t.Fatalf("Objects: %v", err)
	}
	if len(objects) == 0 {
		t.Fatal("empty private link map")
	}

	again, err := MOpen(ns, "libm.so.6", Now|NoLoad)
	if err != nil {
		t.Fatalf("MOpen(NoLoad) in existing namespace: %v", err)
	}
	if again != h {
		t.Errorf("NoLoad handle %#x differs from %#x", again, h)
	}
}
