//go:build !linux || !cgo

package dl

func Open(path string, flags int) (Handle, error) { return 0, ErrUnsupported }

func MOpen(ns Namespace, path string, flags int) (Handle, error) { return 0, ErrUnsupported }

func Close(h Handle) error { return ErrUnsupported }

func Sym(h Handle, name string) (uintptr, error) { return 0, ErrUnsupported }

func VSym(h Handle, name, version string) (uintptr, error) { return 0, ErrUnsupported }

func NamespaceOf(h Handle) (Namespace, error) { return 0, ErrUnsupported }

func Objects(h Handle) ([]Object, error) { return nil, ErrUnsupported }

func Self() (Handle, error) { return 0, ErrUnsupported }

func Call0(fn uintptr) uintptr {
	panic(ErrUnsupported)
}
