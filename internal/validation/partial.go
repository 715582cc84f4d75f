package validation

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/comfy-test/comfytest/internal/cuda"
	"github.com/comfy-test/comfytest/internal/errs"
	"github.com/comfy-test/comfytest/internal/workflow"
)

// SubgraphExecutor runs the induced subgraph of a workflow on a live host,
// keeping only the listed node IDs.
type SubgraphExecutor interface {
	ExecuteSubgraph(ctx context.Context, g *workflow.Graph, keep []int) error
}

func (e *Engine) validatePartial(ctx context.Context, g *workflow.Graph) SubResult {
	keep := InducedSubgraph(g, e.defs, e.flags)
	if len(keep) == 0 {
		return skipped(SubPartialExecution, "no nodes remain after excluding CUDA-dependent nodes")
	}
	if e.exec == nil {
		return skipped(SubPartialExecution, "no running host available")
	}

	ctx, cancel := context.WithTimeout(ctx, e.partialTimeout)
	defer cancel()

	if err := e.exec.ExecuteSubgraph(ctx, g, keep); err != nil {
		msg := err.Error()
		if errors.Is(err, context.DeadlineExceeded) || errs.IsKind(err, errs.Timeout) {
			msg = fmt.Sprintf("partial execution timed out after %s", e.partialTimeout)
		}
		return SubResult{
			Name:        SubPartialExecution,
			Status:      StatusFailed,
			Diagnostics: []Diagnostic{{Message: msg}},
		}
	}
	return SubResult{Name: SubPartialExecution, Status: StatusPassed}
}

// InducedSubgraph returns the sorted IDs of nodes that stay runnable once
// every CUDA-flagged node is excluded. A node is dropped when one of its
// required connection inputs, without a declared default, is fed by a
// dropped node; this repeats to a fixed point so exclusion propagates
// downstream.
func InducedSubgraph(g *workflow.Graph, defs workflow.ObjectInfo, flags cuda.FlagSet) []int {
	excluded := map[int]bool{}
	for i := range g.Nodes {
		if flags.Has(g.Nodes[i].Type) {
			excluded[g.Nodes[i].ID] = true
		}
	}

	linkByID := map[int]workflow.Link{}
	for _, l := range g.Links {
		linkByID[l.ID] = l
	}

	for changed := true; changed; {
		changed = false
		for i := range g.Nodes {
			node := &g.Nodes[i]
			if excluded[node.ID] {
				continue
			}
			def, ok := defs[node.Type]
			if !ok {
				continue
			}
			for _, in := range node.Inputs {
				if in.Link == nil {
					continue
				}
				l, ok := linkByID[*in.Link]
				if !ok || !excluded[l.FromNode] {
					continue
				}
				if requiredWithoutDefault(def, in.Name) {
					excluded[node.ID] = true
					changed = true
					break
				}
			}
		}
	}

	var keep []int
	for i := range g.Nodes {
		if !excluded[g.Nodes[i].ID] {
			keep = append(keep, g.Nodes[i].ID)
		}
	}
	sort.Ints(keep)
	return keep
}

func requiredWithoutDefault(def *workflow.NodeDefinition, name string) bool {
	for _, in := range def.Input.Required {
		if in.Name == name {
			return !in.Spec.HasDefault()
		}
	}
	return false
}
