package comfyui

import (
	"context"
	"io/fs"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
)

// PyCompileChecker byte-compiles the pack's sources with the host Python,
// without importing them. It runs before any environment exists, so it
// uses the system interpreter.
type PyCompileChecker struct {
	Python string
	runner commandRunner
}

func NewPyCompileChecker(log zerolog.Logger) *PyCompileChecker {
	return &PyCompileChecker{
		Python: findPython(),
		runner: commandRunner{log: log},
	}
}

// findPython locates a usable interpreter on PATH.
func findPython() string {
	for _, name := range []string{"python3", "python"} {
		if p, err := exec.LookPath(name); err == nil {
			return p
		}
	}
	return "python3"
}

var skipCompileDirs = map[string]bool{
	".git": true, "__pycache__": true, ".venv": true, "venv": true,
	"node_modules": true, "site-packages": true,
}

func (c *PyCompileChecker) CheckSources(ctx context.Context, dir string) ([]string, error) {
	var sources []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			name := d.Name()
			if skipCompileDirs[name] || (strings.HasPrefix(name, ".") && path != dir) {
				return filepath.SkipDir
			}
			return nil
		}
		if filepath.Ext(path) == ".py" {
			sources = append(sources, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	var issues []string
	for _, src := range sources {
		out, err := c.runner.run(ctx, dir, c.Python, "-m", "py_compile", src)
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			return nil, err
		}
		rel, relErr := filepath.Rel(dir, src)
		if relErr != nil {
			rel = src
		}
		issues = append(issues, filepath.ToSlash(rel)+": "+lastLines(out, 5))
	}
	return issues, nil
}
