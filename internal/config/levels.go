package config

import (
	"fmt"
	"strings"
)

// Level is one of the seven ordered test stages. Order matters: every level
// depends on the terminal success of all its predecessors.
type Level string

const (
	LevelSyntax        Level = "syntax"
	LevelInstall       Level = "install"
	LevelRegistration  Level = "registration"
	LevelInstantiation Level = "instantiation"
	LevelStaticCapture Level = "static_capture"
	LevelValidation    Level = "validation"
	LevelExecution     Level = "execution"
)

// AllLevels lists the levels in execution order.
var AllLevels = []Level{
	LevelSyntax,
	LevelInstall,
	LevelRegistration,
	LevelInstantiation,
	LevelStaticCapture,
	LevelValidation,
	LevelExecution,
}

// ParseLevel maps a user-supplied name to a Level.
func ParseLevel(s string) (Level, error) {
	name := Level(strings.ToLower(strings.TrimSpace(s)))
	for _, l := range AllLevels {
		if l == name {
			return l, nil
		}
	}
	return "", fmt.Errorf("unknown level %q (valid: %s)", s, strings.Join(levelNames(), ", "))
}

// LevelIndex returns the position of l in AllLevels, or -1.
func LevelIndex(l Level) int {
	for i, v := range AllLevels {
		if v == l {
			return i
		}
	}
	return -1
}

// ResolveLevels expands a requested level subset to the contiguous prefix
// through the highest requested level, so every level's dependencies run
// before it does.
func ResolveLevels(requested []Level) []Level {
	max := -1
	for _, l := range requested {
		if i := LevelIndex(l); i > max {
			max = i
		}
	}
	if max < 0 {
		return nil
	}
	out := make([]Level, max+1)
	copy(out, AllLevels[:max+1])
	return out
}

func levelNames() []string {
	out := make([]string, len(AllLevels))
	for i, l := range AllLevels {
		out[i] = string(l)
	}
	return out
}
