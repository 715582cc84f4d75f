package report

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/comfy-test/comfytest/internal/config"
	"github.com/comfy-test/comfytest/internal/engine"
	"github.com/comfy-test/comfytest/internal/errs"
)

// FileName is the run report written into the output directory.
const FileName = "results.json"

// ProjectInfo identifies what was tested.
type ProjectInfo struct {
	Name           string `json:"name"`
	ComfyUIVersion string `json:"comfyui_version,omitempty"`
	PythonVersion  string `json:"python_version,omitempty"`
}

// PlatformReport is one platform's level sequence.
type PlatformReport struct {
	Platform config.PlatformName  `json:"platform"`
	Status   engine.Status        `json:"status"`
	Levels   []engine.LevelResult `json:"levels"`
}

// RunReport is the complete, serializable outcome of one run.
type RunReport struct {
	RunID      string           `json:"run_id"`
	Project    ProjectInfo      `json:"project"`
	GPUHost    bool             `json:"gpu_host"`
	StartedAt  time.Time        `json:"started_at"`
	FinishedAt time.Time        `json:"finished_at"`
	Platforms  []PlatformReport `json:"platforms"`
}

// Aggregator collects pipeline events into a RunReport. It is the run's
// engine.Sink; pipelines for different platforms feed it concurrently.
// Once a platform finishes its subtree is frozen and late events for it
// are dropped.
type Aggregator struct {
	mu        sync.Mutex
	runID     string
	project   ProjectInfo
	gpuHost   bool
	startedAt time.Time
	platforms map[config.PlatformName]*PlatformReport
	frozen    map[config.PlatformName]bool
}

func NewAggregator(rc *engine.RunContext) *Aggregator {
	return &Aggregator{
		runID: rc.RunID,
		project: ProjectInfo{
			Name:           rc.Config.Name,
			ComfyUIVersion: rc.Config.ComfyUIVersion,
			PythonVersion:  rc.Config.PythonVersion,
		},
		gpuHost:   rc.GPUHost,
		startedAt: time.Now().UTC(),
		platforms: map[config.PlatformName]*PlatformReport{},
		frozen:    map[config.PlatformName]bool{},
	}
}

func (a *Aggregator) PlatformStarted(platform config.PlatformName) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.frozen[platform] {
		return
	}
	a.platforms[platform] = &PlatformReport{Platform: platform, Status: engine.StatusPassed}
}

func (a *Aggregator) LevelFinished(platform config.PlatformName, result engine.LevelResult) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.frozen[platform] {
		return
	}
	p, ok := a.platforms[platform]
	if !ok {
		p = &PlatformReport{Platform: platform, Status: engine.StatusPassed}
		a.platforms[platform] = p
	}
	p.Levels = append(p.Levels, result)
	if result.Status == engine.StatusFailed {
		p.Status = engine.StatusFailed
	}
}

func (a *Aggregator) PlatformFinished(platform config.PlatformName) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.frozen[platform] = true
}

// Snapshot assembles the report. Platforms appear in matrix order so the
// output is deterministic regardless of pipeline interleaving.
func (a *Aggregator) Snapshot() RunReport {
	a.mu.Lock()
	defer a.mu.Unlock()
	rep := RunReport{
		RunID:      a.runID,
		Project:    a.project,
		GPUHost:    a.gpuHost,
		StartedAt:  a.startedAt,
		FinishedAt: time.Now().UTC(),
	}
	for _, name := range config.AllPlatforms {
		if p, ok := a.platforms[name]; ok {
			cp := *p
			cp.Levels = append([]engine.LevelResult(nil), p.Levels...)
			rep.Platforms = append(rep.Platforms, cp)
		}
	}
	return rep
}

// ExitOK reports whether the run should exit zero. A level skipped because
// a predecessor failed counts against the run; configured and
// not-requested skips do not.
func (a *Aggregator) ExitOK() bool {
	rep := a.Snapshot()
	for _, p := range rep.Platforms {
		for _, l := range p.Levels {
			if l.Status == engine.StatusFailed {
				return false
			}
			if l.Status == engine.StatusSkipped && l.SkipReason == engine.SkipBlocked {
				return false
			}
		}
	}
	return len(rep.Platforms) > 0
}

// WriteFile serializes the report into dir.
func (a *Aggregator) WriteFile(dir string) (string, error) {
	rep := a.Snapshot()
	b, err := json.MarshalIndent(rep, "", "  ")
	if err != nil {
		return "", errs.Wrap(errs.Environment, "encode report", err)
	}
	path := filepath.Join(dir, FileName)
	if err := os.WriteFile(path, append(b, '\n'), 0o644); err != nil {
		return "", errs.Wrap(errs.Environment, "write report", err)
	}
	return path, nil
}

// RenderTable writes the platform-by-level summary humans read at the end
// of a run.
func (a *Aggregator) RenderTable(w io.Writer) {
	rep := a.Snapshot()
	fmt.Fprintf(w, "%-18s", "platform")
	for _, level := range config.AllLevels {
		fmt.Fprintf(w, " %-14s", level)
	}
	fmt.Fprintln(w)
	for _, p := range rep.Platforms {
		fmt.Fprintf(w, "%-18s", p.Platform)
		for _, level := range config.AllLevels {
			fmt.Fprintf(w, " %-14s", cell(p, level))
		}
		fmt.Fprintln(w)
	}
}

func cell(p PlatformReport, level config.Level) string {
	for _, l := range p.Levels {
		if l.Level == level {
			switch l.Status {
			case engine.StatusPassed:
				return "pass"
			case engine.StatusFailed:
				return "FAIL"
			case engine.StatusSkipped:
				if l.SkipReason == engine.SkipBlocked {
					return "skip (blocked)"
				}
				return "skip"
			}
		}
	}
	return "-"
}
