package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/comfy-test/comfytest/internal/config"
	"github.com/comfy-test/comfytest/internal/errs"
	"github.com/comfy-test/comfytest/internal/workflow"
)

func TestExitCodeMapsConfigErrorsToTwo(t *testing.T) {
	if got := exitCode(errs.New(errs.Config, "bad")); got != 2 {
		t.Fatalf("config error exit = %d, want 2", got)
	}
	if got := exitCode(errs.New(errs.Execution, "boom")); got != 1 {
		t.Fatalf("execution error exit = %d, want 1", got)
	}
}

func TestRestrictWorkflowKeepsRunnerClass(t *testing.T) {
	nodeDir := t.TempDir()
	wfDir := filepath.Join(nodeDir, workflow.DirName)
	if err := os.MkdirAll(wfDir, 0o755); err != nil {
		t.Fatal(err)
	}
	doc := `{"nodes": [], "links": []}`
	for _, name := range []string{"cpu_one.json", "gpu_one.json"} {
		if err := os.WriteFile(filepath.Join(wfDir, name), []byte(doc), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	cfg := &config.Config{
		NodeDir: nodeDir,
		Workflows: config.Workflows{
			CPU:           config.WorkflowSet{Names: []string{"cpu_one.json"}},
			GPU:           config.WorkflowSet{Names: []string{"gpu_one.json"}},
			OverlapPolicy: config.OverlapGPU,
		},
	}

	if err := restrictWorkflow(cfg, "gpu_one"); err != nil {
		t.Fatalf("restrictWorkflow: %v", err)
	}
	if len(cfg.Workflows.CPU.Names) != 0 {
		t.Fatalf("cpu set = %v, want empty", cfg.Workflows.CPU.Names)
	}
	if len(cfg.Workflows.GPU.Names) != 1 || cfg.Workflows.GPU.Names[0] != "gpu_one.json" {
		t.Fatalf("gpu set = %v, want [gpu_one.json]", cfg.Workflows.GPU.Names)
	}
}

func TestRestrictWorkflowUnknownName(t *testing.T) {
	nodeDir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(nodeDir, workflow.DirName), 0o755); err != nil {
		t.Fatal(err)
	}
	cfg := &config.Config{
		NodeDir: nodeDir,
		Workflows: config.Workflows{
			CPU:           config.WorkflowSet{All: true},
			OverlapPolicy: config.OverlapGPU,
		},
	}
	if err := restrictWorkflow(cfg, "ghost"); !errs.IsKind(err, errs.Config) {
		t.Fatalf("err = %v, want Config kind", err)
	}
}

func TestSignalCancelContextCleanup(t *testing.T) {
	ctx, cleanup := signalCancelContext()
	cleanup()
	select {
	case <-ctx.Done():
	default:
		t.Fatal("context not canceled after cleanup")
	}
}
