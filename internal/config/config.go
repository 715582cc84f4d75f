// Package config loads and validates the per-run project configuration.
//
// The canonical config file is comfy-test.toml in the extension directory;
// YAML and JSON spellings of the same document are accepted. A sibling
// comfy-env.toml declares the CUDA-only package list consumed by the
// classifier. Configuration is loaded once and immutable for the run.
package config

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/comfy-test/comfytest/internal/errs"
)

// PlatformName identifies one OS/distribution variant under test.
type PlatformName string

const (
	PlatformLinux           PlatformName = "linux"
	PlatformMacOS           PlatformName = "macos"
	PlatformWindows         PlatformName = "windows"
	PlatformWindowsPortable PlatformName = "windows_portable"
)

// AllPlatforms is the canonical platform order used for reports.
var AllPlatforms = []PlatformName{
	PlatformLinux,
	PlatformMacOS,
	PlatformWindows,
	PlatformWindowsPortable,
}

// ParsePlatform normalizes a user-supplied platform name ("windows-portable"
// and "windows_portable" are equivalent).
func ParsePlatform(s string) (PlatformName, error) {
	name := PlatformName(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_"))
	for _, p := range AllPlatforms {
		if p == name {
			return p, nil
		}
	}
	return "", fmt.Errorf("unknown platform %q", s)
}

// Platform holds per-target settings.
type Platform struct {
	Enabled      bool   `json:"enabled"`
	SkipWorkflow bool   `json:"skip_workflow"`
	// PortableVersion is only meaningful for windows_portable.
	PortableVersion string `json:"comfyui_portable_version,omitempty"`
}

// OverlapPolicy decides the runner class of a workflow named in both the
// cpu and the gpu set.
type OverlapPolicy string

const (
	OverlapGPU   OverlapPolicy = "gpu"
	OverlapCPU   OverlapPolicy = "cpu"
	OverlapError OverlapPolicy = "error"
)

// WorkflowSet is either the literal "all" or an explicit filename list.
type WorkflowSet struct {
	All   bool
	Names []string
}

// Workflows configures workflow discovery and execution.
type Workflows struct {
	CPU            WorkflowSet
	GPU            WorkflowSet
	Timeout        int // seconds, per workflow run at EXECUTION
	PartialTimeout int // seconds, per partial smoke run at VALIDATION
	Concurrency    int // parallel workflows within STATIC_CAPTURE/EXECUTION
	OverlapPolicy  OverlapPolicy
}

// Instantiation configures level 4 failure policy.
type Instantiation struct {
	// Strict fails the level on any constructor failure instead of only
	// when every node fails.
	Strict bool
}

// Config is the immutable run configuration (the Project plus the platform
// matrix and workflow sets).
type Config struct {
	Name           string
	ComfyUIVersion string
	PythonVersion  string
	Levels         []Level // contiguous prefix of AllLevels
	Timeout        int     // seconds, default per-workflow execution budget

	Linux           Platform
	MacOS           Platform
	Windows         Platform
	WindowsPortable Platform

	Workflows     Workflows
	Instantiation Instantiation

	// CUDAPackages is the declared GPU-only package list from comfy-env.toml,
	// normalized ("-" becomes "_").
	CUDAPackages []string

	// NodeDir is the extension directory the config was loaded for.
	NodeDir string
}

// Platform returns the settings for the named target.
func (c *Config) Platform(name PlatformName) Platform {
	switch name {
	case PlatformLinux:
		return c.Linux
	case PlatformMacOS:
		return c.MacOS
	case PlatformWindows:
		return c.Windows
	case PlatformWindowsPortable:
		return c.WindowsPortable
	}
	return Platform{}
}

// EnabledPlatforms returns the enabled targets in canonical order.
func (c *Config) EnabledPlatforms() []PlatformName {
	var out []PlatformName
	for _, p := range AllPlatforms {
		if c.Platform(p).Enabled {
			out = append(out, p)
		}
	}
	return out
}

// RestrictPlatform disables every target except name. Used by `run
// --platform`.
func (c *Config) RestrictPlatform(name PlatformName) error {
	if !c.Platform(name).Enabled {
		return errs.Newf(errs.Config, "platform %s is disabled in configuration", name)
	}
	for _, p := range AllPlatforms {
		if p == name {
			continue
		}
		switch p {
		case PlatformLinux:
			c.Linux.Enabled = false
		case PlatformMacOS:
			c.MacOS.Enabled = false
		case PlatformWindows:
			c.Windows.Enabled = false
		case PlatformWindowsPortable:
			c.WindowsPortable.Enabled = false
		}
	}
	return nil
}

// TruncateLevels cuts the level set to the contiguous prefix through max.
// This is configuration, not a runtime failure: the cut levels report
// skipped with reason "not requested".
func (c *Config) TruncateLevels(max Level) {
	idx := LevelIndex(max)
	if idx < 0 {
		return
	}
	var out []Level
	for _, l := range c.Levels {
		if LevelIndex(l) <= idx {
			out = append(out, l)
		}
	}
	c.Levels = out
}

func (c *Config) validate() error {
	if len(c.EnabledPlatforms()) == 0 {
		return errs.New(errs.Config, "no platforms enabled; enable at least one of linux, macos, windows, windows_portable")
	}
	if c.Timeout <= 0 {
		return errs.Newf(errs.Config, "timeout must be positive, got %d", c.Timeout)
	}
	if c.Workflows.Timeout <= 0 {
		return errs.Newf(errs.Config, "workflows.timeout must be positive, got %d", c.Workflows.Timeout)
	}
	if c.Workflows.PartialTimeout <= 0 {
		return errs.Newf(errs.Config, "workflows.partial_timeout must be positive, got %d", c.Workflows.PartialTimeout)
	}
	if c.Workflows.Concurrency <= 0 {
		return errs.Newf(errs.Config, "workflows.concurrency must be positive, got %d", c.Workflows.Concurrency)
	}
	switch c.Workflows.OverlapPolicy {
	case OverlapGPU, OverlapCPU, OverlapError:
	default:
		return errs.Newf(errs.Config, "unknown workflows.overlap_policy %q", c.Workflows.OverlapPolicy)
	}
	for _, l := range c.Levels {
		if LevelIndex(l) < 0 {
			return errs.Newf(errs.Config, "unknown level %q", l)
		}
	}
	return nil
}

// DetectName derives the project name from the node directory, trimming the
// conventional ComfyUI- prefix.
func DetectName(nodeDir string) string {
	base := filepath.Base(nodeDir)
	return strings.TrimPrefix(base, "ComfyUI-")
}
