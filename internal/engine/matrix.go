package engine

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/comfy-test/comfytest/internal/config"
	"github.com/comfy-test/comfytest/internal/errs"
	"github.com/comfy-test/comfytest/internal/workflow"
)

// CollaboratorFactory builds the process collaborators for one platform.
// Every platform gets its own server and executor; they must not share
// ports or workspaces.
type CollaboratorFactory func(platform config.PlatformName) Collaborators

// Matrix fans the pipeline out across every enabled platform.
type Matrix struct {
	rc      *RunContext
	factory CollaboratorFactory
	sink    Sink
	log     zerolog.Logger
}

func NewMatrix(rc *RunContext, factory CollaboratorFactory, sink Sink, log zerolog.Logger) *Matrix {
	return &Matrix{rc: rc, factory: factory, sink: sink, log: log}
}

// Run starts one pipeline per enabled platform and waits for all of them.
// Configuration problems surface before any platform does real work.
func (m *Matrix) Run(ctx context.Context) error {
	platforms := m.rc.Config.EnabledPlatforms()
	if len(platforms) == 0 {
		return errs.New(errs.Config, "no platforms enabled")
	}
	if err := m.checkWorkflowScope(); err != nil {
		return err
	}

	var wg sync.WaitGroup
	for _, platform := range platforms {
		wg.Add(1)
		go func(pf config.PlatformName) {
			defer wg.Done()
			NewPipeline(m.rc, pf, m.factory(pf), m.sink, m.log).Run(ctx)
		}(platform)
	}
	wg.Wait()
	return nil
}

// checkWorkflowScope resolves the configured workflow sets once, up front,
// so a misspelled explicit name fails the run before anything installs.
func (m *Matrix) checkWorkflowScope() error {
	cfg := m.rc.Config
	needed := false
	for _, l := range cfg.Levels {
		if l == config.LevelValidation || l == config.LevelExecution {
			needed = true
		}
	}
	if !needed {
		return nil
	}
	_, err := workflow.Discover(cfg.NodeDir, cfg.Workflows)
	return err
}
