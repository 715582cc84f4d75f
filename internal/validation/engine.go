package validation

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/rs/zerolog"

	"github.com/comfy-test/comfytest/internal/cuda"
	"github.com/comfy-test/comfytest/internal/workflow"
)

const defaultPartialTimeout = 60 * time.Second

// Engine validates workflows against the node registry of one platform
// pipeline. Defs and Flags are read-only after construction.
type Engine struct {
	defs           workflow.ObjectInfo
	flags          cuda.FlagSet
	exec           SubgraphExecutor
	partialTimeout time.Duration
	log            zerolog.Logger
}

func New(defs workflow.ObjectInfo, flags cuda.FlagSet, exec SubgraphExecutor, log zerolog.Logger) *Engine {
	return &Engine{
		defs:           defs,
		flags:          flags,
		exec:           exec,
		partialTimeout: defaultPartialTimeout,
		log:            log,
	}
}

// SetPartialTimeout overrides the budget for the partial-execution smoke
// run.
func (e *Engine) SetPartialTimeout(d time.Duration) {
	if d > 0 {
		e.partialTimeout = d
	}
}

// ValidateFile loads and validates one discovered workflow. A file that
// cannot be parsed fails the schema sub-level; the later sub-levels are
// reported skipped, never omitted.
func (e *Engine) ValidateFile(ctx context.Context, ref workflow.Ref) *Report {
	g, err := workflow.ParseFile(ref.Path)
	if err != nil {
		const reason = "workflow could not be parsed"
		return &Report{
			Workflow: ref.Name,
			Runner:   ref.Runner,
			Subs: []SubResult{
				{Name: SubSchema, Status: StatusFailed, Diagnostics: []Diagnostic{{Message: err.Error()}}},
				skipped(SubGraph, reason),
				skipped(SubIntrospection, reason),
				skipped(SubPartialExecution, reason),
			},
		}
	}
	return e.Validate(ctx, g, ref.Runner)
}

// Validate runs all four sub-levels over a parsed graph.
func (e *Engine) Validate(ctx context.Context, g *workflow.Graph, runner workflow.Runner) *Report {
	rep := &Report{
		Workflow: g.Name,
		Runner:   runner,
		Subs: []SubResult{
			passed(SubSchema, e.validateSchema(g)),
			passed(SubGraph, e.validateGraph(g)),
			passed(SubIntrospection, e.validateIntrospection(g)),
		},
	}
	rep.Subs = append(rep.Subs, e.validatePartial(ctx, g))

	for _, s := range rep.Subs {
		for _, d := range s.Diagnostics {
			e.log.Debug().Str("workflow", g.Name).Str("sub_level", string(s.Name)).Msg(d.String())
		}
	}
	return rep
}

// Widget types that are uppercase but are values, not connections.
var widgetTypes = map[string]bool{"BOOLEAN": true, "INT": true, "FLOAT": true, "STRING": true}

// isConnectionType reports whether an input type names a connection slot
// (uppercase like IMAGE or MASK) rather than a widget.
func isConnectionType(t string) bool {
	if widgetTypes[t] {
		return false
	}
	hasLetter := false
	for _, r := range t {
		if unicode.IsLetter(r) {
			hasLetter = true
			if !unicode.IsUpper(r) {
				return false
			}
		}
	}
	return hasLetter
}

// validateSchema checks widget values against each node's input spec.
func (e *Engine) validateSchema(g *workflow.Graph) []Diagnostic {
	var diags []Diagnostic
	for i := range g.Nodes {
		node := &g.Nodes[i]
		def, ok := e.defs[node.Type]
		if !ok {
			diags = append(diags, Diagnostic{
				NodeID: node.ID, NodeType: node.Type,
				Message: fmt.Sprintf("unknown node type: %s", node.Type),
			})
			continue
		}
		diags = append(diags, validateWidgets(node, def)...)
	}
	return diags
}

func validateWidgets(node *workflow.Node, def *workflow.NodeDefinition) []Diagnostic {
	var diags []Diagnostic
	widgetIdx := 0
	for _, in := range def.Input.All() {
		spec := in.Spec
		if !spec.IsEnum() && isConnectionType(spec.Type) {
			continue
		}
		if widgetIdx >= len(node.WidgetsValues) {
			// Remaining widgets fall back to declared defaults.
			break
		}
		value := node.WidgetsValues[widgetIdx]
		widgetIdx++

		if msg := validateValue(spec, value); msg != "" {
			diags = append(diags, Diagnostic{
				NodeID: node.ID, NodeType: node.Type, Field: in.Name, Message: msg,
			})
		}
	}
	return diags
}

// validateValue checks a single widget value against its spec. Returns an
// empty string when valid.
func validateValue(spec workflow.InputSpec, value any) string {
	if spec.IsEnum() {
		// File-backed combos hold dynamic content the registry cannot know.
		if spec.BoolOption("image_upload") || spec.BoolOption("file_upload") {
			return ""
		}
		for _, allowed := range spec.Enum {
			if allowed == value {
				return ""
			}
		}
		return fmt.Sprintf("%v not in allowed values %v", value, spec.Enum)
	}

	switch spec.Type {
	case "INT", "FLOAT":
		n, ok := value.(float64)
		if !ok {
			return fmt.Sprintf("expected %s, got %T", spec.Type, value)
		}
		if min, has := spec.NumberOption("min"); has && n < min {
			return fmt.Sprintf("%v < minimum %v", n, min)
		}
		if max, has := spec.NumberOption("max"); has && n > max {
			return fmt.Sprintf("%v > maximum %v", n, max)
		}
	case "STRING":
		if _, ok := value.(string); !ok {
			return fmt.Sprintf("expected STRING, got %T", value)
		}
	case "BOOLEAN":
		if _, ok := value.(bool); !ok {
			return fmt.Sprintf("expected BOOLEAN, got %T", value)
		}
	}
	return ""
}

// validateGraph checks link targets, slot existence, type compatibility,
// required-input satisfaction and acyclicity.
func (e *Engine) validateGraph(g *workflow.Graph) []Diagnostic {
	var diags []Diagnostic

	for _, l := range g.Links {
		from, fromOK := g.NodeByID(l.FromNode)
		if !fromOK {
			diags = append(diags, Diagnostic{
				NodeID:  l.FromNode,
				Message: fmt.Sprintf("link %d: source node %d does not exist", l.ID, l.FromNode),
			})
			continue
		}
		to, toOK := g.NodeByID(l.ToNode)
		if !toOK {
			diags = append(diags, Diagnostic{
				NodeID:  l.ToNode,
				Message: fmt.Sprintf("link %d: target node %d does not exist", l.ID, l.ToNode),
			})
			continue
		}
		_, haveFrom := e.defs[from.Type]
		_, haveTo := e.defs[to.Type]
		if haveFrom && haveTo {
			if msg := e.validateConnection(from, l, to); msg != "" {
				diags = append(diags, Diagnostic{NodeID: to.ID, NodeType: to.Type, Message: msg})
			}
		}
	}

	diags = append(diags, e.validateRequiredInputs(g)...)
	diags = append(diags, detectCycles(g)...)
	return diags
}

func (e *Engine) validateConnection(from *workflow.Node, l workflow.Link, to *workflow.Node) string {
	fromDef := e.defs[from.Type]
	if l.FromSlot >= len(fromDef.Output) {
		return fmt.Sprintf("output slot %d does not exist on %s", l.FromSlot, from.Type)
	}
	outType, ok := fromDef.OutputType(l.FromSlot)
	if !ok {
		// Enum-valued output slots carry no comparable type name.
		return ""
	}
	if l.ToSlot >= len(to.Inputs) {
		return fmt.Sprintf("input slot %d does not exist on %s", l.ToSlot, to.Type)
	}
	targetType := to.Inputs[l.ToSlot].Type

	// "*" matches everything; union types ("STRING,FILE_3D_GLB") accept any
	// listed member.
	if outType == "*" || targetType == "*" {
		return ""
	}
	for _, accepted := range strings.Split(targetType, ",") {
		if strings.TrimSpace(accepted) == outType {
			return ""
		}
	}
	return fmt.Sprintf("type mismatch: %s outputs %s, but %s expects %s", from.Type, outType, to.Type, targetType)
}

func (e *Engine) validateRequiredInputs(g *workflow.Graph) []Diagnostic {
	var diags []Diagnostic
	for i := range g.Nodes {
		node := &g.Nodes[i]
		def, ok := e.defs[node.Type]
		if !ok {
			continue
		}
		for _, in := range def.Input.Required {
			spec := in.Spec
			if spec.IsEnum() || !isConnectionType(spec.Type) {
				// Widget inputs are satisfied by value or default.
				continue
			}
			if spec.HasDefault() {
				continue
			}
			if !inputConnected(node, in.Name) {
				diags = append(diags, Diagnostic{
					NodeID: node.ID, NodeType: node.Type, Field: in.Name,
					Message: "required input is not connected",
				})
			}
		}
	}
	return diags
}

func inputConnected(node *workflow.Node, name string) bool {
	for _, in := range node.Inputs {
		if in.Name == name {
			return in.Link != nil
		}
	}
	return false
}

// detectCycles reports a cycle among the graph's links; the host's
// execution model forbids them.
func detectCycles(g *workflow.Graph) []Diagnostic {
	adj := map[int][]int{}
	for _, l := range g.Links {
		if _, ok := g.NodeByID(l.FromNode); !ok {
			continue
		}
		if _, ok := g.NodeByID(l.ToNode); !ok {
			continue
		}
		adj[l.FromNode] = append(adj[l.FromNode], l.ToNode)
	}

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := map[int]int{}
	var cycleAt int
	found := false

	var visit func(id int) bool
	visit = func(id int) bool {
		color[id] = gray
		for _, next := range adj[id] {
			switch color[next] {
			case gray:
				cycleAt = next
				return true
			case white:
				if visit(next) {
					return true
				}
			}
		}
		color[id] = black
		return false
	}

	for i := range g.Nodes {
		id := g.Nodes[i].ID
		if color[id] == white && visit(id) {
			found = true
			break
		}
	}
	if !found {
		return nil
	}
	node, _ := g.NodeByID(cycleAt)
	d := Diagnostic{NodeID: cycleAt, Message: "cycle detected in workflow graph"}
	if node != nil {
		d.NodeType = node.Type
	}
	return []Diagnostic{d}
}

// validateIntrospection checks NodeDefinition well-formedness for every
// node class the workflow references, independent of instance wiring.
func (e *Engine) validateIntrospection(g *workflow.Graph) []Diagnostic {
	var diags []Diagnostic
	for i := range g.Nodes {
		node := &g.Nodes[i]
		def, ok := e.defs[node.Type]
		if !ok {
			// Already reported by the schema sub-level.
			continue
		}
		for _, problem := range def.Malformed() {
			diags = append(diags, Diagnostic{NodeID: node.ID, NodeType: node.Type, Message: problem})
		}
		if def.EntryPoint == "" {
			diags = append(diags, Diagnostic{
				NodeID: node.ID, NodeType: node.Type,
				Message: "node has no FUNCTION defined",
			})
		}
		if len(def.OutputNames) > 0 && len(def.Output) != len(def.OutputNames) {
			diags = append(diags, Diagnostic{
				NodeID: node.ID, NodeType: node.Type,
				Message: fmt.Sprintf("RETURN_TYPES (%d) does not match RETURN_NAMES (%d)",
					len(def.Output), len(def.OutputNames)),
			})
		}
	}
	return diags
}
