package capsule

import (
	"github.com/steamrt/capsule/dl"
)

// Linker is the dynamic linker a Capsule drives. The default forwards to
// package dl; tests substitute their own.
type Linker interface {
	// Open is dlopen in the default namespace.
	Open(path string, flags int) (dl.Handle, error)
	// MOpen is dlmopen.
	MOpen(ns dl.Namespace, path string, flags int) (dl.Handle, error)
	// Sym is dlsym, or dlvsym when version is set.
	Sym(h dl.Handle, name, version string) (uintptr, error)
	// Namespace is dlinfo(RTLD_DI_LMID).
	Namespace(h dl.Handle) (dl.Namespace, error)
	// Objects lists the link-map chain h belongs to.
	Objects(h dl.Handle) ([]dl.Object, error)
	// Self returns a handle for the main program.
	Self() (dl.Handle, error)
}

type systemLinker struct{}

// SystemLinker is the running process's dynamic linker.
var SystemLinker Linker = systemLinker{}

func (systemLinker) Open(path string, flags int) (dl.Handle, error) { return dl.Open(path, flags) }

func (systemLinker) MOpen(ns dl.Namespace, path string, flags int) (dl.Handle, error) {
	return dl.MOpen(ns, path, flags)
}

func (systemLinker) Sym(h dl.Handle, name, version string) (uintptr, error) {
	if version != "" {
		return dl.VSym(h, name, version)
	}
	return dl.Sym(h, name)
}

func (systemLinker) Namespace(h dl.Handle) (dl.Namespace, error) { return dl.NamespaceOf(h) }

func (systemLinker) Objects(h dl.Handle) ([]dl.Object, error) { return dl.Objects(h) }

func (systemLinker) Self() (dl.Handle, error) { return dl.Self() }
