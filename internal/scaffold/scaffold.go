// Package scaffold writes the starter files a node pack needs to adopt
// the test harness: a config file and a CI workflow.
package scaffold

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/comfy-test/comfytest/internal/config"
	"github.com/comfy-test/comfytest/internal/errs"
)

// Options configures Init.
type Options struct {
	Dir   string
	Name  string // defaults to the directory name
	Force bool   // overwrite existing files
}

const configTemplate = `[test]
name = %q

# Pin a host release, or leave unset for the latest.
# comfyui_version = "v0.3.26"

# Levels run in order; a failure blocks everything after it.
levels = ["syntax", "install", "registration", "instantiation", "static_capture", "validation", "execution"]

[test.platforms]
linux = true
macos = false
windows = false
windows_portable = false

[test.workflows]
cpu = "all"
gpu = []
timeout = 3600
partial_timeout = 60
`

// ciWorkflow mirrors the GitHub Actions schema for the file we generate.
// Field order here is the order in the emitted YAML.
type ciWorkflow struct {
	Name string         `yaml:"name"`
	On   ciTriggers     `yaml:"on"`
	Jobs map[string]any `yaml:"jobs"`
}

type ciTriggers struct {
	Push        ciBranches `yaml:"push"`
	PullRequest ciBranches `yaml:"pull_request"`
}

type ciBranches struct {
	Branches []string `yaml:"branches"`
}

type ciStep struct {
	Name string            `yaml:"name,omitempty"`
	Uses string            `yaml:"uses,omitempty"`
	With map[string]string `yaml:"with,omitempty"`
	Run  string            `yaml:"run,omitempty"`
}

// Init writes the starter files into dir and returns their paths.
// Existing files are left alone unless Force is set.
func Init(opts Options) ([]string, error) {
	if opts.Dir == "" {
		opts.Dir = "."
	}
	name := opts.Name
	if name == "" {
		abs, err := filepath.Abs(opts.Dir)
		if err != nil {
			return nil, errs.Wrap(errs.Config, "resolve directory", err)
		}
		name = config.DetectName(abs)
	}

	var written []string

	cfgPath := filepath.Join(opts.Dir, "comfy-test.toml")
	ok, err := writeFile(cfgPath, []byte(fmt.Sprintf(configTemplate, name)), opts.Force)
	if err != nil {
		return written, err
	}
	if ok {
		written = append(written, cfgPath)
	}

	ci, err := renderCI()
	if err != nil {
		return written, err
	}
	ciPath := filepath.Join(opts.Dir, ".github", "workflows", "comfy-test.yml")
	if err := os.MkdirAll(filepath.Dir(ciPath), 0o755); err != nil {
		return written, errs.Wrap(errs.Environment, "create workflow directory", err)
	}
	ok, err = writeFile(ciPath, ci, opts.Force)
	if err != nil {
		return written, err
	}
	if ok {
		written = append(written, ciPath)
	}
	return written, nil
}

func renderCI() ([]byte, error) {
	wf := ciWorkflow{
		Name: "comfy-test",
		On: ciTriggers{
			Push:        ciBranches{Branches: []string{"main"}},
			PullRequest: ciBranches{Branches: []string{"main"}},
		},
		Jobs: map[string]any{
			"test": map[string]any{
				"runs-on": "ubuntu-latest",
				"steps": []ciStep{
					{Uses: "actions/checkout@v4"},
					{
						Name: "Set up Python",
						Uses: "actions/setup-python@v5",
						With: map[string]string{"python-version": "3.12"},
					},
					{
						Name: "Set up Go",
						Uses: "actions/setup-go@v5",
						With: map[string]string{"go-version": "stable"},
					},
					{
						Name: "Install comfytest",
						Run:  "go install github.com/comfy-test/comfytest/cmd/comfytest@latest",
					},
					{
						Name: "Run tests",
						Run:  "comfytest run --platform linux",
					},
				},
			},
		},
	}
	b, err := yaml.Marshal(wf)
	if err != nil {
		return nil, errs.Wrap(errs.Environment, "render workflow", err)
	}
	return b, nil
}

// writeFile writes b to path; reports false when the file already exists
// and force is unset.
func writeFile(path string, b []byte, force bool) (bool, error) {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return false, nil
		}
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return false, errs.Wrap(errs.Environment, "write "+filepath.Base(path), err)
	}
	return true, nil
}
