package logging

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDebug(t *testing.T) {
	tests := []struct {
		name    string
		value   string
		enabled []string
		quiet   []string
	}{
		{
			name:  "empty",
			value: "",
			quiet: []string{ComponentReloc, ComponentELF},
		},
		{
			name:    "comma list",
			value:   "reloc,mprotect",
			enabled: []string{ComponentReloc, ComponentMprotect},
			quiet:   []string{ComponentELF, ComponentCapsule},
		},
		{
			name:    "mixed separators and case",
			value:   "ELF capsule;search",
			enabled: []string{ComponentELF, ComponentCapsule, ComponentSearch},
			quiet:   []string{ComponentReloc},
		},
		{
			name:    "all",
			value:   "all",
			enabled: allComponents,
		},
		{
			name:    "unknown tokens ignored",
			value:   "bogus,reloc",
			enabled: []string{ComponentReloc},
			quiet:   []string{"bogus"},
		},
		{
			name:  "explicit level",
			value: "reloc=error",
			quiet: []string{ComponentReloc},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec := ParseDebug(tt.value)
			for _, c := range tt.enabled {
				assert.True(t, spec.Enabled(c), "component %s should be enabled", c)
			}
			for _, c := range tt.quiet {
				assert.False(t, spec.Enabled(c), "component %s should be quiet", c)
			}
		})
	}
}

func TestNew_FiltersByComponent(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Options{Debug: "reloc", Output: &buf})

	Component(logger, ComponentReloc).Debug("patched slot", "symbol", "notgl_draw")
	Component(logger, ComponentELF).Debug("skipped table")
	Component(logger, ComponentELF).Warn("missing DT_PLTRELSZ")

	out := buf.String()
	assert.Contains(t, out, "patched slot")
	assert.NotContains(t, out, "skipped table")
	assert.Contains(t, out, "missing DT_PLTRELSZ")
}

func TestFilteringHandler_WithGroup(t *testing.T) {
	var buf bytes.Buffer
	spec := ParseDebug("capsule")
	logger := slog.New(NewFilteringHandler(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.Level(LevelTrace)}), &spec))

	logger.With(ComponentKey, ComponentCapsule).WithGroup("item").Debug("resolved", "name", "notgl_draw")
	assert.Contains(t, buf.String(), "item.name=notgl_draw")
}

func TestNew_JSONFormat(t *testing.T) {
	var buf bytes.Buffer
	format, err := ParseFormat("JSON")
	require.NoError(t, err)

	logger := New(Options{Format: format, Output: &buf})
	logger.Warn("hello")
	assert.True(t, strings.HasPrefix(buf.String(), "{"), "expected JSON output, got %q", buf.String())

	_, err = ParseFormat("xml")
	assert.Error(t, err)
}

func TestParseLevel(t *testing.T) {
	for _, s := range []string{"trace", "debug", "info", "warn", "error"} {
		level, err := ParseLevel(s)
		require.NoError(t, err)
		assert.Equal(t, s, level.String())
	}
	_, err := ParseLevel("loud")
	assert.Error(t, err)
}
