package workflow

import (
	"testing"
)

const sampleObjectInfo = `{
  "KSampler": {
    "input": {
      "required": {
        "model": ["MODEL"],
        "seed": ["INT", {"default": 0, "min": 0, "max": 18446744073709551615}],
        "sampler_name": [["euler", "ddim"], {}]
      },
      "optional": {
        "denoise": ["FLOAT", {"default": 1.0, "min": 0.0, "max": 1.0}]
      }
    },
    "output": ["LATENT"],
    "output_name": ["LATENT"],
    "name": "sample",
    "display_name": "KSampler",
    "category": "sampling",
    "python_module": "nodes",
    "output_node": false
  },
  "Broken": {
    "input": "nope",
    "output": {"not": "a list"},
    "output_name": ["a", "b"]
  }
}`

func TestParseObjectInfo_OrderedInputs(t *testing.T) {
	info, err := ParseObjectInfo([]byte(sampleObjectInfo))
	if err != nil {
		t.Fatalf("ParseObjectInfo: %v", err)
	}
	def := info["KSampler"]
	if def == nil {
		t.Fatalf("KSampler missing")
	}
	if len(def.Malformed()) != 0 {
		t.Fatalf("unexpected malformed: %v", def.Malformed())
	}

	gotOrder := []string{}
	for _, in := range def.Input.Required {
		gotOrder = append(gotOrder, in.Name)
	}
	want := []string{"model", "seed", "sampler_name"}
	for i := range want {
		if gotOrder[i] != want[i] {
			t.Fatalf("required order=%v, want %v", gotOrder, want)
		}
	}

	seed, ok := def.Input.Lookup("seed")
	if !ok || seed.Type != "INT" {
		t.Fatalf("seed spec=%+v ok=%v", seed, ok)
	}
	if min, ok := seed.NumberOption("min"); !ok || min != 0 {
		t.Fatalf("seed min=%v ok=%v", min, ok)
	}
	if !seed.HasDefault() {
		t.Fatalf("seed should have a default")
	}

	sampler, _ := def.Input.Lookup("sampler_name")
	if !sampler.IsEnum() || len(sampler.Enum) != 2 {
		t.Fatalf("sampler spec=%+v", sampler)
	}

	if def.EntryPoint != "sample" {
		t.Fatalf("EntryPoint=%q", def.EntryPoint)
	}
	if typ, ok := def.OutputType(0); !ok || typ != "LATENT" {
		t.Fatalf("OutputType(0)=%q ok=%v", typ, ok)
	}
}

func TestParseObjectInfo_MalformedRecorded(t *testing.T) {
	info, err := ParseObjectInfo([]byte(sampleObjectInfo))
	if err != nil {
		t.Fatalf("ParseObjectInfo: %v", err)
	}
	def := info["Broken"]
	if def == nil {
		t.Fatalf("Broken missing")
	}
	if len(def.Malformed()) < 2 {
		t.Fatalf("malformed=%v, want input and output problems recorded", def.Malformed())
	}
	if def.EntryPoint != "" {
		t.Fatalf("EntryPoint=%q, want empty", def.EntryPoint)
	}
}

func TestParseObjectInfo_Classes(t *testing.T) {
	info, err := ParseObjectInfo([]byte(sampleObjectInfo))
	if err != nil {
		t.Fatalf("ParseObjectInfo: %v", err)
	}
	classes := info.Classes()
	if len(classes) != 2 || classes[0] != "Broken" || classes[1] != "KSampler" {
		t.Fatalf("Classes=%v", classes)
	}
}
