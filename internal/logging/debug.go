package logging

import (
	"strings"
)

// Components understood by CAPSULE_DEBUG.
const (
	ComponentPath     = "path"
	ComponentSearch   = "search"
	ComponentLDCache  = "ldcache"
	ComponentCapsule  = "capsule"
	ComponentMprotect = "mprotect"
	ComponentWrappers = "wrappers"
	ComponentReloc    = "reloc"
	ComponentELF      = "elf"
	ComponentDLFunc   = "dlfunc"
)

var allComponents = []string{
	ComponentPath,
	ComponentSearch,
	ComponentLDCache,
	ComponentCapsule,
	ComponentMprotect,
	ComponentWrappers,
	ComponentReloc,
	ComponentELF,
	ComponentDLFunc,
}

// Spec maps components to the minimum level they log at.
type Spec struct {
	Default    Level
	Components map[string]Level
}

// LevelFor returns the level configured for component, falling back to
// the default level.
func (s *Spec) LevelFor(component string) Level {
	if s == nil {
		return LevelWarn
	}
	if level, ok := s.Components[component]; ok {
		return level
	}
	return s.Default
}

// ParseDebug parses a CAPSULE_DEBUG value. Tokens are separated by commas
// or whitespace; "all" enables every component and unknown tokens are
// ignored so that newer callers can pass categories older builds lack.
// A token of the form component=level sets an explicit level.
func ParseDebug(value string) Spec {
	spec := Spec{
		Default:    LevelWarn,
		Components: make(map[string]Level),
	}

	fields := strings.FieldsFunc(value, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t' || r == ':' || r == ';'
	})
	for _, field := range fields {
		name, levelText, hasLevel := strings.Cut(strings.ToLower(field), "=")
		level := LevelDebug
		if hasLevel {
			parsed, err := ParseLevel(levelText)
			if err != nil {
				continue
			}
			level = parsed
		}

		if name == "all" {
			for _, component := range allComponents {
				spec.Components[component] = level
			}
			continue
		}
		if !knownComponent(name) {
			continue
		}
		spec.Components[name] = level
	}
	return spec
}

// Enabled reports whether component was switched on at debug level or
// below.
func (s *Spec) Enabled(component string) bool {
	return s.LevelFor(component) <= LevelDebug
}

func knownComponent(name string) bool {
	for _, component := range allComponents {
		if component == name {
			return true
		}
	}
	return false
}
