package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/comfy-test/comfytest/internal/config"
	"github.com/comfy-test/comfytest/internal/cuda"
	"github.com/comfy-test/comfytest/internal/errs"
	"github.com/comfy-test/comfytest/internal/validation"
	"github.com/comfy-test/comfytest/internal/workflow"
)

// Pipeline runs the seven levels for one platform. A failed level blocks
// everything after it; the blocked levels are still reported, as skipped.
type Pipeline struct {
	Platform config.PlatformName

	rc     *RunContext
	collab Collaborators
	sink   Sink
	log    zerolog.Logger

	paths   Paths
	defs    workflow.ObjectInfo
	flags   cuda.FlagSet
	classes []string
	refs    []workflow.Ref
}

func NewPipeline(rc *RunContext, platform config.PlatformName, collab Collaborators, sink Sink, log zerolog.Logger) *Pipeline {
	return &Pipeline{
		Platform: platform,
		rc:       rc,
		collab:   collab,
		sink:     sink,
		log:      log.With().Str("platform", string(platform)).Logger(),
	}
}

// Run executes the level sequence and reports every level exactly once.
func (p *Pipeline) Run(ctx context.Context) {
	p.sink.PlatformStarted(p.Platform)
	defer p.sink.PlatformFinished(p.Platform)
	defer p.stopServer()

	if err := p.prepareWorkspace(); err != nil {
		res := LevelResult{Level: config.LevelSyntax, Status: StatusFailed, Error: err.Error()}
		p.sink.LevelFinished(p.Platform, res)
		p.reportBlocked(config.AllLevels[1:])
		return
	}

	blocked := false
	for _, level := range config.AllLevels {
		var res LevelResult
		switch {
		case !levelRequested(p.rc.Config.Levels, level):
			res = skippedLevel(level, SkipNotRequested)
		case p.excluded(level):
			res = skippedLevel(level, SkipExcluded)
		case blocked:
			res = skippedLevel(level, SkipBlocked)
		default:
			res = p.runLevel(ctx, level)
		}
		p.logLevel(res)
		p.sink.LevelFinished(p.Platform, res)
		if res.Failed() {
			blocked = true
		}
	}
}

// prepareWorkspace claims an exclusive directory for this platform.
// os.Mkdir fails if another pipeline already owns it.
func (p *Pipeline) prepareWorkspace() error {
	root := filepath.Join(p.rc.WorkDir, string(p.Platform))
	if err := os.Mkdir(root, 0o755); err != nil {
		return errs.Wrap(errs.Environment, "platform workspace is not exclusive", err)
	}
	results := filepath.Join(p.rc.OutDir, string(p.Platform))
	if err := os.MkdirAll(results, 0o755); err != nil {
		return errs.Wrap(errs.Environment, "create results directory", err)
	}
	p.paths = Paths{
		Root:    root,
		ComfyUI: filepath.Join(root, "ComfyUI"),
		Venv:    filepath.Join(root, "venv"),
		NodeDir: p.rc.Config.NodeDir,
		Results: results,
	}
	return nil
}

// excluded applies skip_workflow: the platform installs and registers but
// never touches workflows.
func (p *Pipeline) excluded(level config.Level) bool {
	if !p.rc.Config.Platform(p.Platform).SkipWorkflow {
		return false
	}
	return level == config.LevelValidation || level == config.LevelExecution
}

func (p *Pipeline) reportBlocked(levels []config.Level) {
	for _, level := range levels {
		p.sink.LevelFinished(p.Platform, skippedLevel(level, SkipBlocked))
	}
}

func (p *Pipeline) runLevel(ctx context.Context, level config.Level) LevelResult {
	start := time.Now()
	var res LevelResult
	switch level {
	case config.LevelSyntax:
		res = p.runSyntax(ctx)
	case config.LevelInstall:
		res = p.runInstall(ctx)
	case config.LevelRegistration:
		res = p.runRegistration(ctx)
	case config.LevelInstantiation:
		res = p.runInstantiation(ctx)
	case config.LevelStaticCapture:
		res = p.runStaticCapture(ctx)
	case config.LevelValidation:
		res = p.runValidation(ctx)
	case config.LevelExecution:
		res = p.runExecution(ctx)
	}
	res.Level = level
	res.Duration = time.Since(start)
	return res
}

func (p *Pipeline) logLevel(res LevelResult) {
	ev := p.log.Info()
	if res.Status == StatusFailed {
		ev = p.log.Error()
	}
	ev.Str("level", string(res.Level)).
		Str("status", string(res.Status)).
		Dur("duration", res.Duration).
		Msg("level finished")
}

func failedLevel(err error) LevelResult {
	if errors.Is(err, context.DeadlineExceeded) {
		err = errs.Wrap(errs.Timeout, "level timed out", err)
	}
	return LevelResult{Status: StatusFailed, Error: err.Error()}
}

func (p *Pipeline) runSyntax(ctx context.Context) LevelResult {
	var issues []string
	if p.collab.Syntax != nil {
		found, err := p.collab.Syntax.CheckSources(ctx, p.rc.Config.NodeDir)
		if err != nil {
			return failedLevel(errs.Wrap(errs.Syntax, "compile check", err))
		}
		issues = append(issues, found...)
	}
	found, err := ScanSourceEncoding(p.rc.Config.NodeDir)
	if err != nil {
		return failedLevel(errs.Wrap(errs.Syntax, "encoding scan", err))
	}
	issues = append(issues, found...)

	if len(issues) > 0 {
		return LevelResult{Status: StatusFailed, SyntaxIssues: issues,
			Error: fmt.Sprintf("%d source problem(s)", len(issues))}
	}
	return LevelResult{Status: StatusPassed}
}

func (p *Pipeline) runInstall(ctx context.Context) LevelResult {
	if p.collab.Installer == nil {
		return failedLevel(errs.New(errs.Environment, "no installer configured"))
	}
	if err := p.collab.Installer.Install(ctx, p.rc, p.Platform, p.paths); err != nil {
		return failedLevel(errs.Wrap(errs.Environment, "install", err))
	}
	return LevelResult{Status: StatusPassed}
}

func (p *Pipeline) runRegistration(ctx context.Context) LevelResult {
	if p.collab.Server == nil {
		return failedLevel(errs.New(errs.Registration, "no server configured"))
	}
	if err := p.collab.Server.Start(ctx, p.paths); err != nil {
		return failedLevel(errs.Wrap(errs.Registration, "start host", err))
	}
	defs, err := p.collab.Server.ObjectInfo(ctx)
	if err != nil {
		return failedLevel(errs.Wrap(errs.Registration, "fetch node registry", err))
	}
	p.defs = defs
	p.classes = packClasses(defs, p.rc.Config.Name)
	if ex, ok := p.collab.Executor.(interface{ SetObjectInfo(workflow.ObjectInfo) }); ok {
		ex.SetObjectInfo(defs)
	}

	res := LevelResult{
		Status:            StatusPassed,
		RegisteredClasses: p.classes,
		ImportErrors:      p.collab.Server.ImportErrors(),
	}
	if len(res.ImportErrors) > 0 {
		res.Status = StatusFailed
		res.Error = "host logged import errors for this pack"
		return res
	}
	if len(p.classes) == 0 {
		res.Status = StatusFailed
		res.Error = "no node classes registered"
	}
	return res
}

func (p *Pipeline) runInstantiation(ctx context.Context) LevelResult {
	failures, err := p.collab.Server.Instantiate(ctx, p.classes)
	if err != nil {
		return failedLevel(errs.Wrap(errs.Instantiation, "instantiate nodes", err))
	}
	res := LevelResult{Status: StatusPassed, InstantiationErrors: failures}
	if len(failures) == 0 {
		return res
	}
	// Individual constructor failures are diagnostics; the level fails
	// outright only when nothing constructs, or in strict mode.
	if p.rc.Config.Instantiation.Strict || len(failures) == len(p.classes) {
		res.Status = StatusFailed
		res.Error = fmt.Sprintf("%d of %d node classes failed to instantiate", len(failures), len(p.classes))
	}
	return res
}

// discoverWorkflows resolves the in-scope refs once; static capture and
// validation share the result.
func (p *Pipeline) discoverWorkflows() error {
	if p.refs != nil {
		return nil
	}
	refs, err := workflow.Discover(p.rc.Config.NodeDir, p.rc.Config.Workflows)
	if err != nil {
		return err
	}
	p.refs = workflow.InScope(refs, p.rc.GPUHost)
	return nil
}

// runStaticCapture screenshots the host UI once per discovered workflow.
// A capture that fails for one workflow is a warning; the level fails only
// when the capture tool itself cannot operate.
func (p *Pipeline) runStaticCapture(ctx context.Context) LevelResult {
	if p.collab.Screenshot == nil {
		return skippedLevel(config.LevelStaticCapture, "no capture tool available")
	}
	if err := p.discoverWorkflows(); err != nil {
		return failedLevel(err)
	}
	shotDir := filepath.Join(p.paths.Results, "screenshots")

	concurrency := p.rc.Config.Workflows.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}
	type capture struct {
		file    string
		warning string
		fatal   error
	}
	captures := make([]capture, len(p.refs))
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	for i, ref := range p.refs {
		wg.Add(1)
		go func(i int, ref workflow.Ref) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			dest := filepath.Join(shotDir, filepath.FromSlash(ref.Name)+".png")
			if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
				captures[i].fatal = errs.Wrap(errs.Environment, "create screenshots directory", err)
				return
			}
			err := p.collab.Screenshot.Capture(ctx, p.paths, ref, dest)
			switch {
			case err == nil:
				captures[i].file = dest
			case errs.IsKind(err, errs.Config) || errs.IsKind(err, errs.Environment):
				captures[i].fatal = err
			default:
				captures[i].warning = fmt.Sprintf("%s: %v", ref.Name, err)
			}
		}(i, ref)
	}
	wg.Wait()

	res := LevelResult{Status: StatusPassed}
	for _, c := range captures {
		if c.fatal != nil {
			return failedLevel(c.fatal)
		}
		if c.warning != "" {
			res.Warnings = append(res.Warnings, c.warning)
		}
		if c.file != "" {
			res.Screenshots = append(res.Screenshots, c.file)
		}
	}
	return res
}

func (p *Pipeline) runValidation(ctx context.Context) LevelResult {
	if err := p.discoverWorkflows(); err != nil {
		return failedLevel(err)
	}
	p.flags = cuda.Classify(p.rc.Config.CUDAPackages, p.defs)

	// A real GPU serves the CUDA-flagged nodes; nothing is excluded from
	// the partial smoke run then. The flagged classes are still reported.
	scope := p.flags
	if p.rc.GPUHost {
		scope = cuda.FlagSet{}
	}

	eng := validation.New(p.defs, scope, p.collab.Executor, p.log)
	if t := p.rc.Config.Workflows.PartialTimeout; t > 0 {
		eng.SetPartialTimeout(time.Duration(t) * time.Second)
	}

	res := LevelResult{Status: StatusPassed, CudaFlagged: p.flags.Names()}
	var firstFail *validation.Report
	for _, ref := range p.refs {
		rep := eng.ValidateFile(ctx, ref)
		res.Validation = append(res.Validation, rep)
		if !rep.Passed() {
			res.Status = StatusFailed
			if firstFail == nil {
				firstFail = rep
			}
		}
	}
	if firstFail != nil {
		sub, _ := firstFail.FirstFailure()
		res.Error = errs.Newf(sub.ErrKind(), "workflow validation failed at %s", sub).Error()
	}
	return res
}

func (p *Pipeline) runExecution(ctx context.Context) LevelResult {
	if p.collab.Executor == nil {
		return failedLevel(errs.New(errs.Execution, "no executor configured"))
	}
	timeout := time.Duration(p.rc.Config.Workflows.Timeout) * time.Second
	concurrency := p.rc.Config.Workflows.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}

	results := make([]ExecutionResult, len(p.refs))
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	for i, ref := range p.refs {
		wg.Add(1)
		go func(i int, ref workflow.Ref) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			results[i] = p.executeOne(ctx, ref, timeout)
		}(i, ref)
	}
	wg.Wait()

	res := LevelResult{Status: StatusPassed, Executions: results}
	failed := 0
	for _, r := range results {
		if r.Status == StatusFailed {
			failed++
		}
	}
	if failed > 0 {
		res.Status = StatusFailed
		res.Error = fmt.Sprintf("%d of %d workflow(s) failed", failed, len(results))
	}
	return res
}

func (p *Pipeline) executeOne(ctx context.Context, ref workflow.Ref, timeout time.Duration) ExecutionResult {
	start := time.Now()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	res := ExecutionResult{Workflow: ref.Name, Runner: ref.Runner, Status: StatusPassed}
	if err := p.collab.Executor.Execute(ctx, ref); err != nil {
		res.Status = StatusFailed
		switch {
		case errors.Is(err, context.Canceled):
			// A signal or parent cancellation, not an expired budget.
			res.Error = "run canceled"
		case errors.Is(err, context.DeadlineExceeded) || errs.IsKind(err, errs.Timeout):
			res.Error = fmt.Sprintf("timed out after %s", timeout)
		default:
			res.Error = err.Error()
		}
	}
	res.Duration = time.Since(start)
	return res
}

func (p *Pipeline) stopServer() {
	if p.collab.Server == nil {
		return
	}
	if err := p.collab.Server.Stop(); err != nil {
		p.log.Warn().Err(err).Msg("stop host")
	}
}

// packClasses lists the registered node classes whose python module belongs
// to the pack under test.
func packClasses(defs workflow.ObjectInfo, packName string) []string {
	want := normalizeModule(packName)
	var classes []string
	for class, def := range defs {
		mod, ok := strings.CutPrefix(def.PythonModule, "custom_nodes.")
		if !ok {
			continue
		}
		if top, _, _ := strings.Cut(mod, "."); normalizeModule(top) == want {
			classes = append(classes, class)
		}
	}
	sort.Strings(classes)
	return classes
}

// normalizeModule folds the spellings a pack directory name takes on disk
// versus in config: case, dash/underscore, and the conventional ComfyUI-
// prefix.
func normalizeModule(s string) string {
	s = strings.ToLower(strings.ReplaceAll(s, "-", "_"))
	s = strings.TrimPrefix(s, "comfyui_")
	return s
}
