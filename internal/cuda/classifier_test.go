package cuda

import (
	"reflect"
	"testing"

	"github.com/comfy-test/comfytest/internal/workflow"
)

func defsWithDeps(deps map[string][]string) workflow.ObjectInfo {
	info := workflow.ObjectInfo{}
	for class, d := range deps {
		info[class] = &workflow.NodeDefinition{Class: class, Dependencies: d}
	}
	return info
}

func TestClassify_ExactMatchOnly(t *testing.T) {
	defs := defsWithDeps(map[string][]string{
		"GpuNode":      {"torch", "flash_attn"},
		"CpuNode":      {"numpy", "pillow"},
		"NearMissNode": {"flash_attn_extras"},
	})

	flags := Classify([]string{"flash-attn"}, defs)

	if !flags.Has("GpuNode") {
		t.Fatalf("GpuNode should be flagged")
	}
	if flags.Has("CpuNode") {
		t.Fatalf("CpuNode should not be flagged")
	}
	if flags.Has("NearMissNode") {
		t.Fatalf("prefix match must not flag NearMissNode (no fuzzy matching)")
	}
}

func TestClassify_DashNormalizationBothSides(t *testing.T) {
	defs := defsWithDeps(map[string][]string{
		"A": {"flash-attn"},
	})
	flags := Classify([]string{"flash_attn"}, defs)
	if !flags.Has("A") {
		t.Fatalf("dash/underscore spellings must match")
	}
}

func TestClassify_Idempotent(t *testing.T) {
	defs := defsWithDeps(map[string][]string{
		"A": {"nvdiffrast"},
		"B": {"numpy"},
		"C": {"cumesh", "scipy"},
	})
	packages := []string{"nvdiffrast", "cumesh"}

	first := Classify(packages, defs)
	second := Classify(packages, defs)
	if !reflect.DeepEqual(first.Names(), second.Names()) {
		t.Fatalf("classifier is not idempotent: %v vs %v", first.Names(), second.Names())
	}
	if want := []string{"A", "C"}; !reflect.DeepEqual(first.Names(), want) {
		t.Fatalf("Names=%v, want %v", first.Names(), want)
	}
}

func TestClassify_EmptyDeclarationFlagsNothing(t *testing.T) {
	defs := defsWithDeps(map[string][]string{"A": {"torch"}})
	if flags := Classify(nil, defs); len(flags) != 0 {
		t.Fatalf("flags=%v, want empty", flags.Names())
	}
}
