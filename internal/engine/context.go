package engine

import (
	"os"

	"github.com/comfy-test/comfytest/internal/config"
)

const (
	envGPUHost     = "COMFY_TEST_GPU"
	envCUDAVersion = "COMFY_ENV_CUDA_VERSION"

	// CUDA toolchain version advertised to environment resolvers when the
	// host does not say otherwise.
	defaultCUDAVersion = "12.8"
)

// RunContext carries the per-run facts shared by every platform pipeline.
type RunContext struct {
	RunID   string
	Config  *config.Config
	WorkDir string // scratch root, one exclusive subdirectory per platform
	OutDir  string // where reports and screenshots land

	// GPUHost marks a runner with real CUDA hardware. GPU workflows only
	// enter scope when it is set.
	GPUHost bool

	// Env is injected into every spawned process on top of the host
	// environment.
	Env map[string]string
}

// NewRunContext allocates a run ID and captures host facts. The
// COMFY_TEST_GPU variable marks GPU-capable hosts; CI CPU runners leave it
// unset.
func NewRunContext(cfg *config.Config, workDir, outDir string) (*RunContext, error) {
	id, err := NewRunID()
	if err != nil {
		return nil, err
	}
	env := map[string]string{}
	if os.Getenv(envCUDAVersion) == "" {
		env[envCUDAVersion] = defaultCUDAVersion
	}
	return &RunContext{
		RunID:   id,
		Config:  cfg,
		WorkDir: workDir,
		OutDir:  outDir,
		GPUHost: os.Getenv(envGPUHost) == "1",
		Env:     env,
	}, nil
}
