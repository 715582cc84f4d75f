package engine

import (
	"github.com/comfy-test/comfytest/internal/config"
	"github.com/comfy-test/comfytest/internal/workflow"
)

// PlannedLevel is one row of a dry-run plan.
type PlannedLevel struct {
	Level  config.Level `json:"level"`
	Run    bool         `json:"run"`
	Reason string       `json:"reason,omitempty"`
}

// PlanEntry describes what one platform would do.
type PlanEntry struct {
	Platform  config.PlatformName `json:"platform"`
	Levels    []PlannedLevel      `json:"levels"`
	Workflows []workflow.Ref      `json:"workflows,omitempty"`
}

// BuildPlan computes the dry-run view of a configuration: which platforms
// run, which levels each would execute, and the workflows in scope. No
// workspace is touched.
func BuildPlan(rc *RunContext) ([]PlanEntry, error) {
	refs, err := workflow.Discover(rc.Config.NodeDir, rc.Config.Workflows)
	if err != nil {
		return nil, err
	}
	scoped := workflow.InScope(refs, rc.GPUHost)

	var plan []PlanEntry
	for _, platform := range rc.Config.EnabledPlatforms() {
		entry := PlanEntry{Platform: platform}
		skipWorkflow := rc.Config.Platform(platform).SkipWorkflow
		for _, level := range config.AllLevels {
			pl := PlannedLevel{Level: level, Run: true}
			switch {
			case !levelRequested(rc.Config.Levels, level):
				pl.Run, pl.Reason = false, SkipNotRequested
			case skipWorkflow && (level == config.LevelValidation || level == config.LevelExecution):
				pl.Run, pl.Reason = false, SkipExcluded
			}
			entry.Levels = append(entry.Levels, pl)
		}
		if !skipWorkflow {
			entry.Workflows = scoped
		}
		plan = append(plan, entry)
	}
	return plan, nil
}

func levelRequested(levels []config.Level, level config.Level) bool {
	for _, l := range levels {
		if l == level {
			return true
		}
	}
	return false
}
