// Package mmapinfo snapshots /proc/self/maps and temporarily lifts write
// protection from RELRO pages so that already-bound GOT entries can be
// rewritten.
//
// A Table is a point-in-time view: the map can change under a concurrent
// dlopen, so callers load a fresh Table for every batch of changes and
// discard it afterwards.
package mmapinfo

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/steamrt/capsule/internal/logging"
)

// DefaultPath is the maps file of the running process.
const DefaultPath = "/proc/self/maps"

// Info is one /proc/self/maps record.
type Info struct {
	Start   uintptr
	End     uintptr
	Offset  uintptr
	Protect int
	Shared  bool
	Path    string
	// Invalid marks a record that could not be parsed; it never matches
	// an address.
	Invalid bool

	// Original is the protection observed before AddProtection changed it.
	Original int
	modified bool
	table    *Table
}

// Table is a parsed maps snapshot.
type Table struct {
	Entries []Info

	protect Protector
	logger  *slog.Logger
}

// Option configures Load and Parse.
type Option func(*Table)

// WithProtector replaces the mprotect call.
func WithProtector(p Protector) Option {
	return func(t *Table) { t.protect = p }
}

// WithLogger sets the logger; the "mprotect" component is added.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Table) { t.logger = logging.Component(logger, logging.ComponentMprotect) }
}

// Load reads and parses /proc/self/maps.
func Load(opts ...Option) (*Table, error) {
	return LoadFile(DefaultPath, opts...)
}

// LoadFile reads and parses a maps file.
func LoadFile(path string, opts ...Option) (*Table, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return Parse(raw, opts...), nil
}

// Parse parses the contents of a maps file. Lines that cannot be parsed
// are kept as Invalid records so that indices stay meaningful in logs.
func Parse(raw []byte, opts ...Option) *Table {
	table := &Table{protect: DefaultProtector}
	for _, opt := range opts {
		opt(table)
	}
	if table.logger == nil {
		table.logger = logging.Component(nil, logging.ComponentMprotect)
	}

	lines := strings.Split(string(raw), "\n")
	table.Entries = make([]Info, 0, len(lines))
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		info := parseLine(line)
		if info.Invalid {
			table.logger.Debug("unparseable maps line", "line", line)
		}
		table.Entries = append(table.Entries, info)
	}
	for i := range table.Entries {
		table.Entries[i].table = table
	}
	return table
}

func parseLine(line string) Info {
	fields := strings.Fields(line)
	if len(fields) < 5 {
		return Info{Invalid: true}
	}

	rangeParts := strings.SplitN(fields[0], "-", 2)
	if len(rangeParts) != 2 {
		return Info{Invalid: true}
	}
	start, startErr := parseHexUintptr(rangeParts[0])
	end, endErr := parseHexUintptr(rangeParts[1])
	offset, offsetErr := parseHexUintptr(fields[2])
	if startErr != nil || endErr != nil || offsetErr != nil || end <= start {
		return Info{Invalid: true}
	}

	prot, shared, ok := parsePerms(fields[1])
	if !ok {
		return Info{Invalid: true}
	}

	path := ""
	if len(fields) >= 6 {
		path = strings.Join(fields[5:], " ")
		path = strings.TrimSuffix(path, " (deleted)")
	}

	return Info{
		Start:    start,
		End:      end,
		Offset:   offset,
		Protect:  prot,
		Original: prot,
		Shared:   shared,
		Path:     path,
	}
}

func parsePerms(perms string) (prot int, shared bool, ok bool) {
	if len(perms) < 4 {
		return 0, false, false
	}
	if perms[0] == 'r' {
		prot |= unix.PROT_READ
	}
	if perms[1] == 'w' {
		prot |= unix.PROT_WRITE
	}
	if perms[2] == 'x' {
		prot |= unix.PROT_EXEC
	}
	switch perms[3] {
	case 's':
		shared = true
	case 'p':
	default:
		return 0, false, false
	}
	return prot, shared, true
}

func parseHexUintptr(s string) (uintptr, error) {
	if s == "" {
		return 0, fmt.Errorf("invalid hex string %q", s)
	}
	var out uintptr
	for _, r := range s {
		out <<= 4
		switch {
		case r >= '0' && r <= '9':
			out += uintptr(r - '0')
		case r >= 'a' && r <= 'f':
			out += uintptr(r-'a') + 10
		case r >= 'A' && r <= 'F':
			out += uintptr(r-'A') + 10
		default:
			return 0, fmt.Errorf("invalid hex string %q", s)
		}
	}
	return out, nil
}

// Find returns the record containing addr, or nil.
func (t *Table) Find(addr uintptr) *Info {
	if t == nil {
		return nil
	}
	for i := range t.Entries {
		info := &t.Entries[i]
		if info.Invalid {
			continue
		}
		if addr >= info.Start && addr < info.End {
			return info
		}
	}
	return nil
}

// Contains reports whether [addr, addr+size) lies inside the record.
func (info *Info) Contains(addr uintptr, size uintptr) bool {
	if info == nil || info.Invalid || size == 0 {
		return false
	}
	return addr >= info.Start && addr+size <= info.End && addr+size > addr
}

// Writable reports whether the record is currently writable.
func (info *Info) Writable() bool {
	return info != nil && !info.Invalid && info.Protect&unix.PROT_WRITE != 0
}

func (info *Info) String() string {
	if info == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%#x-%#x %s %s", info.Start, info.End, protString(info.Protect, info.Shared), info.Path)
}

func protString(prot int, shared bool) string {
	b := []byte("---p")
	if prot&unix.PROT_READ != 0 {
		b[0] = 'r'
	}
	if prot&unix.PROT_WRITE != 0 {
		b[1] = 'w'
	}
	if prot&unix.PROT_EXEC != 0 {
		b[2] = 'x'
	}
	if shared {
		b[3] = 's'
	}
	return string(b)
}
