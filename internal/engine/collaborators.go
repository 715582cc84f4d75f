package engine

import (
	"context"

	"github.com/comfy-test/comfytest/internal/config"
	"github.com/comfy-test/comfytest/internal/validation"
	"github.com/comfy-test/comfytest/internal/workflow"
)

// Paths lays out one platform's exclusive workspace. Nothing outside Root
// is written by the pipeline.
type Paths struct {
	Root    string // exclusive per-platform directory under the work dir
	ComfyUI string // host application checkout
	Venv    string // virtual environment for the host and the pack
	NodeDir string // the pack installed under the host's custom_nodes
	Results string // per-platform slice of the output directory
}

// SyntaxChecker compiles the pack's sources without importing them.
type SyntaxChecker interface {
	CheckSources(ctx context.Context, dir string) ([]string, error)
}

// Installer provisions the host application, the environment and the pack
// inside a platform workspace.
type Installer interface {
	Install(ctx context.Context, rc *RunContext, platform config.PlatformName, paths Paths) error
}

// NodeServer manages one host process and its registration surface.
type NodeServer interface {
	Start(ctx context.Context, paths Paths) error
	// ImportErrors returns the import failures the host logged while
	// loading custom node packs, if any mention this pack.
	ImportErrors() []string
	ObjectInfo(ctx context.Context) (workflow.ObjectInfo, error)
	// Instantiate constructs each listed node class in-process and maps the
	// classes that failed to their error text.
	Instantiate(ctx context.Context, classes []string) (map[string]string, error)
	Stop() error
}

// Screenshotter captures the host UI with one workflow loaded. Called once
// per discovered workflow at the static capture level.
type Screenshotter interface {
	Capture(ctx context.Context, paths Paths, ref workflow.Ref, dest string) error
}

// WorkflowExecutor runs complete workflows against a live host. It also
// serves the validator's partial smoke runs.
type WorkflowExecutor interface {
	validation.SubgraphExecutor
	Execute(ctx context.Context, ref workflow.Ref) error
}

// Collaborators bundles the process-level dependencies of a pipeline.
// Tests substitute fakes; production wiring lives in the comfyui package.
type Collaborators struct {
	Syntax     SyntaxChecker
	Installer  Installer
	Server     NodeServer
	Executor   WorkflowExecutor
	Screenshot Screenshotter
}

// Sink receives pipeline progress. Implementations must be safe for
// concurrent use; one pipeline per platform reports into the same sink.
type Sink interface {
	PlatformStarted(platform config.PlatformName)
	LevelFinished(platform config.PlatformName, result LevelResult)
	PlatformFinished(platform config.PlatformName)
}
