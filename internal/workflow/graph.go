// Package workflow models serialized node graphs and the node metadata the
// host application reports for them.
//
// A workflow file is a litegraph JSON document: a list of node instances
// with widget values plus a list of links, each link a six-element array
// [id, from_node, from_slot, to_node, to_slot, type]. Node metadata comes
// from the host's /object_info endpoint and is read-only after the
// registration level.
package workflow

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Runner is the class of host a workflow is assigned to.
type Runner string

const (
	RunnerCPU Runner = "cpu"
	RunnerGPU Runner = "gpu"
)

// Ref is a discovered workflow file with its runner assignment. Parsing is
// deferred so that a malformed file surfaces as a validation diagnostic,
// not a discovery failure.
type Ref struct {
	Name   string `json:"name"`
	Path   string `json:"path"`
	Runner Runner `json:"runner"`
}

// Graph is a parsed workflow.
type Graph struct {
	Name  string
	Path  string
	Nodes []Node `json:"nodes"`
	Links []Link `json:"links"`

	byID map[int]*Node
}

// Node is one node instance in a graph.
type Node struct {
	ID            int          `json:"id"`
	Type          string       `json:"type"`
	WidgetsValues WidgetValues `json:"widgets_values"`
	Inputs        []NodeInput  `json:"inputs"`
	Outputs       []NodeOutput `json:"outputs"`
}

// WidgetValues is the ordered widget value list of a node instance. A few
// node packs serialize it as an object keyed by widget name; those decode
// to an empty list and schema validation falls back to defaults, matching
// the host's own tolerance.
type WidgetValues []any

func (w *WidgetValues) UnmarshalJSON(b []byte) error {
	var vals []any
	if err := json.Unmarshal(b, &vals); err == nil {
		*w = vals
		return nil
	}
	*w = nil
	return nil
}

// NodeInput is a declared input slot on a node instance. Link is nil when
// the slot is unconnected.
type NodeInput struct {
	Name string `json:"name"`
	Type string `json:"type"`
	Link *int   `json:"link"`
}

type NodeOutput struct {
	Name  string `json:"name"`
	Type  string `json:"type"`
	Links []int  `json:"links"`
}

// Link is one connection. Serialized as a six-element array.
type Link struct {
	ID       int
	FromNode int
	FromSlot int
	ToNode   int
	ToSlot   int
	Type     string
}

func (l *Link) UnmarshalJSON(b []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return fmt.Errorf("link is not an array: %w", err)
	}
	if len(raw) < 6 {
		return fmt.Errorf("link needs 6 elements, got %d", len(raw))
	}
	for i, dst := range []*int{&l.ID, &l.FromNode, &l.FromSlot, &l.ToNode, &l.ToSlot} {
		var f float64
		if err := json.Unmarshal(raw[i], &f); err != nil {
			return fmt.Errorf("link element %d: %w", i, err)
		}
		*dst = int(f)
	}
	if err := json.Unmarshal(raw[5], &l.Type); err != nil {
		// Old graphs store a numeric slot type.
		var f float64
		if err2 := json.Unmarshal(raw[5], &f); err2 != nil {
			return fmt.Errorf("link type: %w", err)
		}
		l.Type = strconv.FormatFloat(f, 'g', -1, 64)
	}
	return nil
}

func (l Link) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{l.ID, l.FromNode, l.FromSlot, l.ToNode, l.ToSlot, l.Type})
}

// NodeByID returns the node instance with the given id.
func (g *Graph) NodeByID(id int) (*Node, bool) {
	if g.byID == nil {
		g.byID = make(map[int]*Node, len(g.Nodes))
		for i := range g.Nodes {
			g.byID[g.Nodes[i].ID] = &g.Nodes[i]
		}
	}
	n, ok := g.byID[id]
	return n, ok
}

// utf8BOM is stripped before decoding; workflow files exported on Windows
// often carry it.
var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// Parse decodes a workflow document. The raw bytes are first checked
// against the embedded graph schema so shape problems produce a single
// clear error instead of a zero-valued struct.
func Parse(name string, b []byte) (*Graph, error) {
	b = bytes.TrimPrefix(b, utf8BOM)

	var doc any
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	if err := graphSchema().Validate(doc); err != nil {
		return nil, fmt.Errorf("not a workflow graph: %w", err)
	}

	var g Graph
	if err := json.Unmarshal(b, &g); err != nil {
		return nil, err
	}
	g.Name = name
	return &g, nil
}

// ParseFile reads and decodes a workflow file.
func ParseFile(path string) (*Graph, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	g, err := Parse(stem(path), b)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	g.Path = path
	return g, nil
}

func stem(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
