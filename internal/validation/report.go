// Package validation runs the four-stage validation pass over workflow
// graphs: schema, graph, introspection and partial execution.
//
// Unlike the outer level pipeline, a failing sub-level never blocks later
// sub-levels: all four always run and report, so one pass shows the full
// diagnostic picture.
package validation

import (
	"fmt"

	"github.com/comfy-test/comfytest/internal/errs"
	"github.com/comfy-test/comfytest/internal/workflow"
)

type Status string

const (
	StatusPassed  Status = "passed"
	StatusFailed  Status = "failed"
	StatusSkipped Status = "skipped"
)

// SubLevel names one of the four ordered validation stages.
type SubLevel string

const (
	SubSchema           SubLevel = "schema"
	SubGraph            SubLevel = "graph"
	SubIntrospection    SubLevel = "introspection"
	SubPartialExecution SubLevel = "partial_execution"
)

// SubLevels lists the stages in run order.
var SubLevels = []SubLevel{SubSchema, SubGraph, SubIntrospection, SubPartialExecution}

// ErrKind returns the error kind attributed to failures of this stage.
func (s SubLevel) ErrKind() errs.Kind {
	switch s {
	case SubSchema:
		return errs.ValidationSchema
	case SubGraph:
		return errs.ValidationGraph
	case SubIntrospection:
		return errs.ValidationIntrospection
	default:
		return errs.ValidationPartialExecution
	}
}

// Diagnostic is one validation finding, attributed to a node and
// optionally an input field.
type Diagnostic struct {
	NodeID   int    `json:"node_id,omitempty"`
	NodeType string `json:"node_type,omitempty"`
	Field    string `json:"field,omitempty"`
	Message  string `json:"message"`
}

func (d Diagnostic) String() string {
	switch {
	case d.NodeType != "" && d.Field != "":
		return fmt.Sprintf("node %d (%s) %s: %s", d.NodeID, d.NodeType, d.Field, d.Message)
	case d.NodeType != "":
		return fmt.Sprintf("node %d (%s): %s", d.NodeID, d.NodeType, d.Message)
	default:
		return d.Message
	}
}

// SubResult is the outcome of one sub-level for one workflow.
type SubResult struct {
	Name        SubLevel     `json:"name"`
	Status      Status       `json:"status"`
	SkipReason  string       `json:"skip_reason,omitempty"`
	Diagnostics []Diagnostic `json:"diagnostics,omitempty"`
}

// Report holds the four ordered sub-results for one workflow. All four
// are always present.
type Report struct {
	Workflow string          `json:"workflow"`
	Runner   workflow.Runner `json:"runner"`
	Subs     []SubResult     `json:"sub_levels"`
}

// Sub returns the sub-result with the given name.
func (r *Report) Sub(name SubLevel) *SubResult {
	for i := range r.Subs {
		if r.Subs[i].Name == name {
			return &r.Subs[i]
		}
	}
	return nil
}

// Passed reports whether every sub-level passed or was skipped.
func (r *Report) Passed() bool {
	for _, s := range r.Subs {
		if s.Status == StatusFailed {
			return false
		}
	}
	return true
}

// FirstFailure returns the first failed sub-level, if any.
func (r *Report) FirstFailure() (SubLevel, bool) {
	for _, s := range r.Subs {
		if s.Status == StatusFailed {
			return s.Name, true
		}
	}
	return "", false
}

func passed(name SubLevel, diags []Diagnostic) SubResult {
	status := StatusPassed
	if len(diags) > 0 {
		status = StatusFailed
	}
	return SubResult{Name: name, Status: status, Diagnostics: diags}
}

func skipped(name SubLevel, reason string) SubResult {
	return SubResult{Name: name, Status: StatusSkipped, SkipReason: reason}
}
