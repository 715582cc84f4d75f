package workflow

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// InputSpec is one input declaration from a NodeDefinition: either a type
// name ("INT", "IMAGE", ...) or an enum of allowed values, plus an options
// map (min, max, default, image_upload, ...).
type InputSpec struct {
	Type    string
	Enum    []any
	Options map[string]any
}

func (s *InputSpec) UnmarshalJSON(b []byte) error {
	var t string
	if err := json.Unmarshal(b, &t); err == nil {
		// Bare type string, no options.
		s.Type = t
		return nil
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return fmt.Errorf("input spec is neither a string nor an array")
	}
	if len(raw) == 0 {
		return fmt.Errorf("input spec is empty")
	}
	if err := json.Unmarshal(raw[0], &t); err == nil {
		s.Type = t
	} else {
		var enum []any
		if err := json.Unmarshal(raw[0], &enum); err != nil {
			return fmt.Errorf("input type is neither a string nor an enum list")
		}
		s.Enum = enum
	}
	if len(raw) > 1 {
		// A non-mapping second element is legal litegraph (tooltip string).
		_ = json.Unmarshal(raw[1], &s.Options)
	}
	return nil
}

// IsEnum reports whether the input is an enum (combo) declaration.
func (s InputSpec) IsEnum() bool { return s.Enum != nil }

func (s InputSpec) Option(name string) (any, bool) {
	v, ok := s.Options[name]
	return v, ok
}

// NumberOption returns a numeric option such as min or max.
func (s InputSpec) NumberOption(name string) (float64, bool) {
	v, ok := s.Options[name]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	}
	return 0, false
}

func (s InputSpec) BoolOption(name string) bool {
	v, ok := s.Options[name]
	if !ok {
		return false
	}
	b, ok := v.(bool)
	return ok && b
}

// HasDefault reports whether the input declares a default value.
func (s InputSpec) HasDefault() bool {
	_, ok := s.Options["default"]
	return ok
}

// NamedInput pairs an input name with its spec, preserving the declaration
// order from the host (widget value alignment depends on it).
type NamedInput struct {
	Name string
	Spec InputSpec
}

// InputSchema is the required/optional input declaration of a node class.
type InputSchema struct {
	Required []NamedInput
	Optional []NamedInput
}

// All returns required inputs followed by optional ones, in declaration
// order.
func (s InputSchema) All() []NamedInput {
	out := make([]NamedInput, 0, len(s.Required)+len(s.Optional))
	out = append(out, s.Required...)
	out = append(out, s.Optional...)
	return out
}

// Lookup finds an input spec by name.
func (s InputSchema) Lookup(name string) (InputSpec, bool) {
	for _, in := range s.All() {
		if in.Name == name {
			return in.Spec, true
		}
	}
	return InputSpec{}, false
}

// NodeDefinition is the introspected metadata of one node class as the
// host application reports it. Read-only after registration. Shape
// problems found while decoding are recorded instead of failing the
// decode, so the introspection sub-level can report them as diagnostics.
type NodeDefinition struct {
	Class        string
	Input        InputSchema
	Output       []any
	OutputNames  []string
	EntryPoint   string
	DisplayName  string
	Category     string
	PythonModule string
	OutputNode   bool

	// Dependencies is the resolved transitive import closure, populated by
	// the registration collaborator, not by /object_info itself.
	Dependencies []string

	malformed []string
}

// Malformed lists shape problems found while decoding the definition.
func (d *NodeDefinition) Malformed() []string { return d.malformed }

func (d *NodeDefinition) UnmarshalJSON(b []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(b, &fields); err != nil {
		return err
	}

	if raw, ok := fields["input"]; ok {
		var sections map[string]json.RawMessage
		if err := json.Unmarshal(raw, &sections); err != nil {
			d.malformed = append(d.malformed, "INPUT_TYPES is not a mapping")
		} else {
			if rr, ok := sections["required"]; ok {
				specs, err := decodeOrderedSpecs(rr)
				if err != nil {
					d.malformed = append(d.malformed, fmt.Sprintf("INPUT_TYPES 'required': %v", err))
				} else {
					d.Input.Required = specs
				}
			}
			if rr, ok := sections["optional"]; ok {
				specs, err := decodeOrderedSpecs(rr)
				if err != nil {
					d.malformed = append(d.malformed, fmt.Sprintf("INPUT_TYPES 'optional': %v", err))
				} else {
					d.Input.Optional = specs
				}
			}
		}
	}

	if raw, ok := fields["output"]; ok {
		if err := json.Unmarshal(raw, &d.Output); err != nil {
			d.malformed = append(d.malformed, "RETURN_TYPES is not a list")
		}
	}
	if raw, ok := fields["output_name"]; ok {
		if err := json.Unmarshal(raw, &d.OutputNames); err != nil {
			d.malformed = append(d.malformed, "RETURN_NAMES is not a list of strings")
		}
	}

	decodeString(fields, "name", &d.EntryPoint)
	decodeString(fields, "display_name", &d.DisplayName)
	decodeString(fields, "category", &d.Category)
	decodeString(fields, "python_module", &d.PythonModule)
	if raw, ok := fields["output_node"]; ok {
		_ = json.Unmarshal(raw, &d.OutputNode)
	}
	if raw, ok := fields["dependencies"]; ok {
		_ = json.Unmarshal(raw, &d.Dependencies)
	}
	return nil
}

// OutputType returns the declared type of output slot i as a string, if
// the slot exists and is a plain type name.
func (d *NodeDefinition) OutputType(i int) (string, bool) {
	if i < 0 || i >= len(d.Output) {
		return "", false
	}
	s, ok := d.Output[i].(string)
	return s, ok
}

func decodeString(fields map[string]json.RawMessage, key string, dst *string) {
	if raw, ok := fields[key]; ok {
		_ = json.Unmarshal(raw, dst)
	}
}

// decodeOrderedSpecs decodes a JSON object of input specs while preserving
// key order, which encoding/json maps would lose.
func decodeOrderedSpecs(raw json.RawMessage) ([]NamedInput, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("not a mapping")
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, fmt.Errorf("not a mapping")
	}
	var out []NamedInput
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		name, ok := keyTok.(string)
		if !ok {
			return nil, fmt.Errorf("non-string input name")
		}
		var spec InputSpec
		if err := dec.Decode(&spec); err != nil {
			return nil, fmt.Errorf("input %q: %v", name, err)
		}
		out = append(out, NamedInput{Name: name, Spec: spec})
	}
	return out, nil
}

// ObjectInfo is the full node registry keyed by class name.
type ObjectInfo map[string]*NodeDefinition

// ParseObjectInfo decodes an /object_info response. A class whose
// definition is not an object still appears in the result, flagged
// malformed, so the validator can report it.
func ParseObjectInfo(b []byte) (ObjectInfo, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return nil, fmt.Errorf("object_info is not a JSON object: %w", err)
	}
	info := make(ObjectInfo, len(raw))
	for class, body := range raw {
		def := &NodeDefinition{Class: class}
		if err := json.Unmarshal(body, def); err != nil {
			def.malformed = append(def.malformed, "definition is not an object")
		}
		info[class] = def
	}
	return info, nil
}

// Classes returns the registered class names, sorted.
func (o ObjectInfo) Classes() []string {
	out := make([]string, 0, len(o))
	for c := range o {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}
