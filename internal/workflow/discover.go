package workflow

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/comfy-test/comfytest/internal/config"
	"github.com/comfy-test/comfytest/internal/errs"
)

// DirName is the fixed folder workflows are discovered from, relative to
// the node directory.
const DirName = "workflows"

// graphPattern matches candidate workflow documents.
const graphPattern = "**/*.json"

// Discover resolves the configured cpu/gpu workflow sets against the
// workflows folder. "all" expands to every candidate file; an explicit
// filename that is not on disk is a configuration error, not a run
// failure. A file claimed by both sets is resolved by the overlap policy.
func Discover(nodeDir string, cfg config.Workflows) ([]Ref, error) {
	dir := filepath.Join(nodeDir, DirName)

	var candidates []string
	if info, err := os.Stat(dir); err == nil && info.IsDir() {
		matches, err := doublestar.Glob(os.DirFS(dir), graphPattern)
		if err != nil {
			return nil, fmt.Errorf("discovering workflows in %s: %w", dir, err)
		}
		candidates = matches
		sort.Strings(candidates)
	}

	cpu, err := resolveSet(cfg.CPU, candidates, dir, "cpu")
	if err != nil {
		return nil, err
	}
	gpu, err := resolveSet(cfg.GPU, candidates, dir, "gpu")
	if err != nil {
		return nil, err
	}

	assigned := map[string]Runner{}
	for _, name := range cpu {
		assigned[name] = RunnerCPU
	}
	for _, name := range gpu {
		if _, both := assigned[name]; both {
			switch cfg.OverlapPolicy {
			case config.OverlapCPU:
				continue
			case config.OverlapError:
				return nil, errs.Newf(errs.Config,
					"workflow %s is in both the cpu and the gpu set", name)
			default:
				// The gpu claim is the stricter one; it wins.
			}
		}
		assigned[name] = RunnerGPU
	}

	names := make([]string, 0, len(assigned))
	for name := range assigned {
		names = append(names, name)
	}
	sort.Strings(names)

	refs := make([]Ref, 0, len(names))
	for _, name := range names {
		refs = append(refs, Ref{
			Name:   stem(name),
			Path:   filepath.Join(dir, filepath.FromSlash(name)),
			Runner: assigned[name],
		})
	}
	return refs, nil
}

// InScope filters refs to the runner classes the current host can serve:
// a CPU-only host validates and executes cpu workflows; a GPU host serves
// both classes.
func InScope(refs []Ref, gpuHost bool) []Ref {
	var out []Ref
	for _, r := range refs {
		if r.Runner == RunnerCPU || gpuHost {
			out = append(out, r)
		}
	}
	return out
}

// FilterByName narrows refs to a single workflow, matching either the
// stem or the file name. An unmatched filter is a configuration error.
func FilterByName(refs []Ref, name string) ([]Ref, error) {
	if name == "" {
		return refs, nil
	}
	want := strings.TrimSuffix(name, ".json")
	for _, r := range refs {
		if r.Name == want || filepath.Base(r.Path) == name {
			return []Ref{r}, nil
		}
	}
	return nil, errs.Newf(errs.Config, "workflow not found: %s", name)
}

func resolveSet(set config.WorkflowSet, candidates []string, dir, label string) ([]string, error) {
	if set.All {
		return candidates, nil
	}
	var out []string
	for _, name := range set.Names {
		rel := filepath.ToSlash(strings.TrimPrefix(filepath.ToSlash(name), DirName+"/"))
		if _, err := os.Stat(filepath.Join(dir, filepath.FromSlash(rel))); err != nil {
			return nil, errs.Newf(errs.Config,
				"workflows.%s names %s, but %s does not exist", label, name, filepath.Join(dir, rel))
		}
		out = append(out, rel)
	}
	return out, nil
}
