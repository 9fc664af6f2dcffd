package main

import (
	"fmt"
	"path/filepath"

	"github.com/steamrt/capsule/dl"
	"github.com/steamrt/capsule/elfdyn"
)

// openPrivate loads path into a namespace of its own, so that inspecting
// it cannot disturb the tool's own bindings, and returns its link-map
// entry.
func openPrivate(path string) (dl.Object, *elfdyn.Walker, error) {
	h, err := dl.MOpen(dl.NewNamespace, path, dl.Now)
	if err != nil {
		return dl.Object{}, nil, err
	}
	objects, err := dl.Objects(h)
	if err != nil {
		return dl.Object{}, nil, err
	}
	walker, err := elfdyn.NewWalker(logger)
	if err != nil {
		return dl.Object{}, nil, err
	}

	want := filepath.Base(path)
	for _, obj := range objects {
		if obj.Dynamic == 0 {
			continue
		}
		if obj.Name == path || filepath.Base(obj.Name) == want {
			return obj, walker, nil
		}
		tables, err := walker.ReadTables(obj.Base, obj.Dynamic, 0)
		if err == nil && walker.Soname(tables) == want {
			return obj, walker, nil
		}
	}
	return dl.Object{}, nil, fmt.Errorf("%s: loaded but missing from its link map", path)
}
