package engine

import (
	"time"

	"github.com/comfy-test/comfytest/internal/config"
	"github.com/comfy-test/comfytest/internal/validation"
	"github.com/comfy-test/comfytest/internal/workflow"
)

// Status is the outcome of one level on one platform.
type Status string

const (
	StatusPassed  Status = "passed"
	StatusFailed  Status = "failed"
	StatusSkipped Status = "skipped"
)

// Skip reasons attached to skipped levels.
const (
	SkipBlocked      = "blocked by failed predecessor"
	SkipNotRequested = "not requested"
	SkipExcluded     = "excluded by configuration"
)

// ExecutionResult is one full workflow run at the execution level.
type ExecutionResult struct {
	Workflow string          `json:"workflow"`
	Runner   workflow.Runner `json:"runner"`
	Status   Status          `json:"status"`
	Error    string          `json:"error,omitempty"`
	Duration time.Duration   `json:"duration_ns"`
}

// LevelResult is the outcome of one level, with the payload the level
// produced. Only the fields a level populates are serialized.
type LevelResult struct {
	Level      config.Level  `json:"level"`
	Status     Status        `json:"status"`
	SkipReason string        `json:"skip_reason,omitempty"`
	Error      string        `json:"error,omitempty"`
	Duration   time.Duration `json:"duration_ns"`

	// SYNTAX: per-file compile and encoding problems.
	SyntaxIssues []string `json:"syntax_issues,omitempty"`

	// REGISTRATION: node classes this pack registered, and host import
	// failures attributed to it.
	RegisteredClasses []string `json:"registered_classes,omitempty"`
	ImportErrors      []string `json:"import_errors,omitempty"`

	// INSTANTIATION: constructor failures by class.
	InstantiationErrors map[string]string `json:"instantiation_errors,omitempty"`

	// STATIC_CAPTURE: written screenshot files, plus per-workflow capture
	// problems that did not fail the level.
	Screenshots []string `json:"screenshots,omitempty"`
	Warnings    []string `json:"warnings,omitempty"`

	// VALIDATION: per-workflow reports and the CUDA-flagged classes the
	// validator excluded from partial runs.
	Validation  []*validation.Report `json:"validation,omitempty"`
	CudaFlagged []string             `json:"cuda_flagged,omitempty"`

	// EXECUTION: per-workflow runs.
	Executions []ExecutionResult `json:"executions,omitempty"`
}

func skippedLevel(level config.Level, reason string) LevelResult {
	return LevelResult{Level: level, Status: StatusSkipped, SkipReason: reason}
}

// Failed reports whether the level blocks its successors.
func (r LevelResult) Failed() bool { return r.Status == StatusFailed }
