package config

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/comfy-test/comfytest/internal/errs"
)

// ConfigFileNames are searched in order by Discover.
var ConfigFileNames = []string{
	"comfy-test.toml",
	"comfy-test.yaml",
	"comfy-test.yml",
	"comfy-test.json",
}

// defaultPythonVersions is the allowed set a run picks from when the config
// does not pin python_version.
var defaultPythonVersions = []string{"3.10", "3.11", "3.12"}

const (
	defaultTimeoutSeconds = 3600
	// The partial smoke run at validation is a liveness check, not a full
	// render; it gets a much tighter budget than execution.
	defaultPartialTimeoutSeconds = 60
	defaultComfyUIVersion        = "latest"
)

type fileConfig struct {
	Test testSection `toml:"test" yaml:"test" json:"test"`
}

type testSection struct {
	Name            string               `toml:"name" yaml:"name" json:"name"`
	ComfyUIVersion  string               `toml:"comfyui_version" yaml:"comfyui_version" json:"comfyui_version"`
	PythonVersion   string               `toml:"python_version" yaml:"python_version" json:"python_version"`
	Levels          levelsField          `toml:"levels" yaml:"levels" json:"levels"`
	Timeout         int                  `toml:"timeout" yaml:"timeout" json:"timeout"`
	Platforms       map[string]bool      `toml:"platforms" yaml:"platforms" json:"platforms"`
	Linux           platformSection      `toml:"linux" yaml:"linux" json:"linux"`
	MacOS           platformSection      `toml:"macos" yaml:"macos" json:"macos"`
	Windows         platformSection      `toml:"windows" yaml:"windows" json:"windows"`
	WindowsPortable platformSection      `toml:"windows_portable" yaml:"windows_portable" json:"windows_portable"`
	Workflows       workflowsSection     `toml:"workflows" yaml:"workflows" json:"workflows"`
	Instantiation   instantiationSection `toml:"instantiation" yaml:"instantiation" json:"instantiation"`
}

type platformSection struct {
	Enabled         *bool  `toml:"enabled" yaml:"enabled" json:"enabled"`
	SkipWorkflow    bool   `toml:"skip_workflow" yaml:"skip_workflow" json:"skip_workflow"`
	PortableVersion string `toml:"comfyui_portable_version" yaml:"comfyui_portable_version" json:"comfyui_portable_version"`
}

type workflowsSection struct {
	CPU            *WorkflowSet `toml:"cpu" yaml:"cpu" json:"cpu"`
	GPU            *WorkflowSet `toml:"gpu" yaml:"gpu" json:"gpu"`
	Timeout        int          `toml:"timeout" yaml:"timeout" json:"timeout"`
	PartialTimeout int          `toml:"partial_timeout" yaml:"partial_timeout" json:"partial_timeout"`
	Concurrency    int          `toml:"concurrency" yaml:"concurrency" json:"concurrency"`
	OverlapPolicy  string       `toml:"overlap_policy" yaml:"overlap_policy" json:"overlap_policy"`
}

type instantiationSection struct {
	Strict bool `toml:"strict" yaml:"strict" json:"strict"`
}

// levelsField is "all" or an explicit list of level names.
type levelsField struct {
	all   bool
	names []string
}

func (f *levelsField) set(v any) error {
	switch t := v.(type) {
	case string:
		if strings.ToLower(t) != "all" {
			return fmt.Errorf("levels must be %q or a list, got %q", "all", t)
		}
		f.all = true
		return nil
	case []any:
		for _, e := range t {
			s, ok := e.(string)
			if !ok {
				return fmt.Errorf("levels entries must be strings, got %T", e)
			}
			f.names = append(f.names, s)
		}
		return nil
	default:
		return fmt.Errorf("levels must be %q or a list, got %T", "all", v)
	}
}

func (f *levelsField) UnmarshalTOML(data any) error { return f.set(data) }

func (f *levelsField) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		var s string
		if err := value.Decode(&s); err != nil {
			return err
		}
		return f.set(s)
	}
	var names []string
	if err := value.Decode(&names); err != nil {
		return err
	}
	f.names = names
	return nil
}

func (f *levelsField) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		return f.set(s)
	}
	var names []string
	if err := json.Unmarshal(b, &names); err != nil {
		return err
	}
	f.names = names
	return nil
}

func (s *WorkflowSet) set(v any) error {
	switch t := v.(type) {
	case string:
		if strings.ToLower(t) != "all" {
			return fmt.Errorf("workflow set must be %q or a list of filenames, got %q", "all", t)
		}
		s.All = true
		return nil
	case []any:
		for _, e := range t {
			name, ok := e.(string)
			if !ok {
				return fmt.Errorf("workflow set entries must be strings, got %T", e)
			}
			s.Names = append(s.Names, name)
		}
		return nil
	default:
		return fmt.Errorf("workflow set must be %q or a list of filenames, got %T", "all", v)
	}
}

func (s *WorkflowSet) UnmarshalTOML(data any) error { return s.set(data) }

func (s *WorkflowSet) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		var str string
		if err := value.Decode(&str); err != nil {
			return err
		}
		return s.set(str)
	}
	var names []string
	if err := value.Decode(&names); err != nil {
		return err
	}
	s.Names = names
	return nil
}

func (s *WorkflowSet) UnmarshalJSON(b []byte) error {
	var str string
	if err := json.Unmarshal(b, &str); err == nil {
		return s.set(str)
	}
	var names []string
	if err := json.Unmarshal(b, &names); err != nil {
		return err
	}
	s.Names = names
	return nil
}

// Load reads a config file. The file's directory is taken as the node
// directory for name detection and workflow resolution.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.Wrap(errs.Config, fmt.Sprintf("cannot read config file %s", path), err)
	}

	var fc fileConfig
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if err := toml.Unmarshal(b, &fc); err != nil {
			return nil, errs.Wrap(errs.Config, fmt.Sprintf("cannot parse %s", path), err)
		}
	case ".json":
		if err := json.Unmarshal(b, &fc); err != nil {
			return nil, errs.Wrap(errs.Config, fmt.Sprintf("cannot parse %s", path), err)
		}
	default:
		if err := yaml.Unmarshal(b, &fc); err != nil {
			return nil, errs.Wrap(errs.Config, fmt.Sprintf("cannot parse %s", path), err)
		}
	}

	nodeDir, err := filepath.Abs(filepath.Dir(path))
	if err != nil {
		return nil, err
	}
	return parse(fc, nodeDir)
}

// Discover finds and loads the config file in nodeDir.
func Discover(nodeDir string) (*Config, error) {
	for _, name := range ConfigFileNames {
		path := filepath.Join(nodeDir, name)
		if _, err := os.Stat(path); err == nil {
			return Load(path)
		}
	}
	return nil, errs.Newf(errs.Config,
		"no config file found in %s (searched: %s)", nodeDir, strings.Join(ConfigFileNames, ", "))
}

func parse(fc fileConfig, nodeDir string) (*Config, error) {
	t := fc.Test

	cfg := &Config{
		Name:           t.Name,
		ComfyUIVersion: t.ComfyUIVersion,
		PythonVersion:  t.PythonVersion,
		Timeout:        t.Timeout,
		NodeDir:        nodeDir,
	}

	if len(t.Levels.names) > 0 {
		var requested []Level
		for _, name := range t.Levels.names {
			l, err := ParseLevel(name)
			if err != nil {
				return nil, errs.Wrap(errs.Config, "invalid levels entry", err)
			}
			requested = append(requested, l)
		}
		cfg.Levels = ResolveLevels(requested)
	}

	cfg.Linux = parsePlatform(t.Linux, t.Platforms, PlatformLinux)
	cfg.MacOS = parsePlatform(t.MacOS, t.Platforms, PlatformMacOS)
	cfg.Windows = parsePlatform(t.Windows, t.Platforms, PlatformWindows)
	cfg.WindowsPortable = parsePlatform(t.WindowsPortable, t.Platforms, PlatformWindowsPortable)

	cfg.Workflows = Workflows{
		Timeout:        t.Workflows.Timeout,
		PartialTimeout: t.Workflows.PartialTimeout,
		Concurrency:    t.Workflows.Concurrency,
		OverlapPolicy:  OverlapPolicy(t.Workflows.OverlapPolicy),
	}
	if t.Workflows.CPU != nil {
		cfg.Workflows.CPU = *t.Workflows.CPU
	} else {
		cfg.Workflows.CPU = WorkflowSet{All: true}
	}
	if t.Workflows.GPU != nil {
		cfg.Workflows.GPU = *t.Workflows.GPU
	}
	cfg.Instantiation = Instantiation{Strict: t.Instantiation.Strict}

	applyDefaults(cfg)
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	packages, err := CUDAPackages(nodeDir)
	if err != nil {
		return nil, err
	}
	cfg.CUDAPackages = packages

	return cfg, nil
}

func parsePlatform(sec platformSection, toggles map[string]bool, name PlatformName) Platform {
	enabled := true
	if v, ok := toggles[string(name)]; ok {
		enabled = v
	}
	if sec.Enabled != nil {
		enabled = *sec.Enabled
	}
	return Platform{
		Enabled:         enabled,
		SkipWorkflow:    sec.SkipWorkflow,
		PortableVersion: sec.PortableVersion,
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Name == "" {
		cfg.Name = DetectName(cfg.NodeDir)
	}
	if cfg.ComfyUIVersion == "" {
		cfg.ComfyUIVersion = defaultComfyUIVersion
	}
	if cfg.PythonVersion == "" {
		cfg.PythonVersion = defaultPythonVersions[rand.Intn(len(defaultPythonVersions))]
	}
	if len(cfg.Levels) == 0 {
		cfg.Levels = append([]Level{}, AllLevels...)
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeoutSeconds
	}
	if cfg.Workflows.Timeout == 0 {
		cfg.Workflows.Timeout = cfg.Timeout
	}
	if cfg.Workflows.PartialTimeout == 0 {
		cfg.Workflows.PartialTimeout = defaultPartialTimeoutSeconds
	}
	if cfg.Workflows.Concurrency == 0 {
		cfg.Workflows.Concurrency = 1
	}
	if cfg.Workflows.OverlapPolicy == "" {
		cfg.Workflows.OverlapPolicy = OverlapGPU
	}
}
