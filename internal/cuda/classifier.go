// Package cuda classifies node classes that cannot run on CPU-only hosts.
//
// The declared package list comes from comfy-env.toml; each
// NodeDefinition's resolved import closure comes from the registration
// collaborator. Classification is a pure function of the two: a class is
// flagged iff any transitive dependency name exactly matches a declared
// package after dash normalization. No fuzzy matching.
package cuda

import (
	"sort"

	"github.com/comfy-test/comfytest/internal/config"
	"github.com/comfy-test/comfytest/internal/workflow"
)

// FlagSet is the set of node class names classified as CUDA-only. Derived
// once per run and read-only afterwards.
type FlagSet map[string]struct{}

// Has reports whether the class is CUDA-only.
func (s FlagSet) Has(class string) bool {
	_, ok := s[class]
	return ok
}

// Names returns the flagged classes, sorted.
func (s FlagSet) Names() []string {
	out := make([]string, 0, len(s))
	for c := range s {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// Classify derives the FlagSet for the given declared package list and
// node definitions.
func Classify(packages []string, defs workflow.ObjectInfo) FlagSet {
	declared := make(map[string]struct{}, len(packages))
	for _, pkg := range packages {
		declared[config.NormalizePackage(pkg)] = struct{}{}
	}

	flags := FlagSet{}
	if len(declared) == 0 {
		return flags
	}
	for class, def := range defs {
		for _, dep := range def.Dependencies {
			if _, ok := declared[config.NormalizePackage(dep)]; ok {
				flags[class] = struct{}{}
				break
			}
		}
	}
	return flags
}
