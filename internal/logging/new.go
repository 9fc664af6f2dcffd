package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// EnvDebug is the environment variable holding the debug component list.
const EnvDebug = "CAPSULE_DEBUG"

// Format is the log output format.
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

// ParseFormat parses a format string into a Format.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "text", "":
		return FormatText, nil
	case "json":
		return FormatJSON, nil
	default:
		return FormatText, fmt.Errorf("unknown log format: %q", s)
	}
}

// Options configures New.
type Options struct {
	// Debug is a CAPSULE_DEBUG style component list.
	Debug string
	// Format is the output format (text or json).
	Format Format
	// Output defaults to os.Stderr; the runtime is linked into other
	// programs and must not write to their stdout.
	Output io.Writer
}

// New creates a logger with component-level filtering.
func New(opts Options) *slog.Logger {
	spec := ParseDebug(opts.Debug)

	output := opts.Output
	if output == nil {
		output = os.Stderr
	}

	handlerOpts := &slog.HandlerOptions{
		// the filtering handler decides
		Level: LevelTrace.ToSlog(),
	}

	var inner slog.Handler
	switch opts.Format {
	case FormatJSON:
		inner = slog.NewJSONHandler(output, handlerOpts)
	default:
		inner = slog.NewTextHandler(output, handlerOpts)
	}
	return slog.New(NewFilteringHandler(inner, &spec))
}

var (
	defaultOnce   sync.Once
	defaultLogger *slog.Logger
)

// Default returns the process logger configured from CAPSULE_DEBUG. It is
// built once; later changes to the environment are not observed.
func Default() *slog.Logger {
	defaultOnce.Do(func() {
		defaultLogger = New(Options{Debug: os.Getenv(EnvDebug)})
	})
	return defaultLogger
}

// Component returns logger tagged with component, or the default logger
// tagged with component when logger is nil.
func Component(logger *slog.Logger, component string) *slog.Logger {
	if logger == nil {
		logger = Default()
	}
	return logger.With(ComponentKey, component)
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: LevelError.ToSlog() + 1}))
}
