package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/steamrt/capsule/internal/elftest"
)

func TestDepsCommand(t *testing.T) {
	prefix := t.TempDir()
	libdir := filepath.Join(prefix, "opt", "notgl")
	if err := os.MkdirAll(libdir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	elftest.WriteObject(t, filepath.Join(libdir, "libnotgl.so.0"), elftest.Object{
		Soname: "libnotgl.so.0",
		Needed: []string{"libnotgl-dep.so.1"},
	})
	elftest.WriteObject(t, filepath.Join(libdir, "libnotgl-dep.so.1"), elftest.Object{
		Soname: "libnotgl-dep.so.1",
	})

	cfgPath := filepath.Join(t.TempDir(), "capsule.yaml")
	cfg := fmt.Sprintf("soname: libnotgl.so.0\nprefix: %s\nlibrary_path: [/opt/notgl]\nexclude: [libnotgl-dep.so.1]\n", prefix)
	if err := os.WriteFile(cfgPath, []byte(cfg), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	var stdout, stderr bytes.Buffer
	rootCmd.SetOut(&stdout)
	rootCmd.SetErr(&stderr)
	rootCmd.SetArgs([]string{"deps", cfgPath})
	t.Cleanup(func() { rootCmd.SetArgs(nil) })

	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("deps: %v\n%s", err, stderr.String())
	}

	lines := strings.Split(strings.TrimSpace(stdout.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2:\n%s", len(lines), stdout.String())
	}
	want := []string{
		"1\tlibnotgl-dep.so.1\tdefault\t" + filepath.Join(libdir, "libnotgl-dep.so.1"),
		"2\tlibnotgl.so.0\tprivate\t" + filepath.Join(libdir, "libnotgl.so.0"),
	}
	for i := range want {
		if lines[i] != want[i] {
			t.Errorf("line %d = %q, want %q", i, lines[i], want[i])
		}
	}
}

func TestDepsCommandMissingConfig(t *testing.T) {
	var stderr bytes.Buffer
	rootCmd.SetOut(&bytes.Buffer{})
	rootCmd.SetErr(&stderr)
	rootCmd.SetArgs([]string{"deps", filepath.Join(t.TempDir(), "nope.yaml")})
	t.Cleanup(func() { rootCmd.SetArgs(nil) })

	if err := rootCmd.Execute(); err == nil {
		t.Fatal("expected error for missing config")
	}
}
