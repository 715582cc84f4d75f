package engine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/comfy-test/comfytest/internal/config"
	"github.com/comfy-test/comfytest/internal/errs"
	"github.com/comfy-test/comfytest/internal/validation"
	"github.com/comfy-test/comfytest/internal/workflow"
)

const pipelineRegistry = `{
	"Prompt": {
		"input": {"required": {"text": ["STRING", {}]}},
		"output": ["STRING"],
		"output_name": ["text"],
		"name": "run",
		"python_module": "custom_nodes.mypack.nodes"
	},
	"Render": {
		"input": {"required": {"text": ["STRING", {}]}},
		"output": ["IMAGE"],
		"output_name": ["image"],
		"name": "render",
		"python_module": "custom_nodes.mypack.nodes"
	}
}`

type fakeSyntax struct{ issues []string }

func (f *fakeSyntax) CheckSources(context.Context, string) ([]string, error) {
	return f.issues, nil
}

type fakeInstaller struct {
	err    error
	called bool
}

func (f *fakeInstaller) Install(context.Context, *RunContext, config.PlatformName, Paths) error {
	f.called = true
	return f.err
}

type fakeServer struct {
	defs       workflow.ObjectInfo
	importErrs []string
	instErrs   map[string]string
	startErr   error
	stopped    bool
}

func (f *fakeServer) Start(context.Context, Paths) error { return f.startErr }
func (f *fakeServer) ImportErrors() []string             { return f.importErrs }
func (f *fakeServer) ObjectInfo(context.Context) (workflow.ObjectInfo, error) {
	return f.defs, nil
}
func (f *fakeServer) Instantiate(_ context.Context, classes []string) (map[string]string, error) {
	if f.instErrs == nil {
		return map[string]string{}, nil
	}
	return f.instErrs, nil
}
func (f *fakeServer) Stop() error {
	f.stopped = true
	return nil
}

type fakePipelineExec struct {
	mu       sync.Mutex
	execErr  error
	execWait bool
	subWait  bool
	ran      []string
}

func (f *fakePipelineExec) ExecuteSubgraph(ctx context.Context, _ *workflow.Graph, _ []int) error {
	if f.subWait {
		<-ctx.Done()
		return ctx.Err()
	}
	return nil
}

func (f *fakePipelineExec) Execute(ctx context.Context, ref workflow.Ref) error {
	f.mu.Lock()
	f.ran = append(f.ran, ref.Name)
	f.mu.Unlock()
	if f.execWait {
		<-ctx.Done()
		return ctx.Err()
	}
	return f.execErr
}

type fakeScreens struct {
	mu       sync.Mutex
	refs     []string
	dests    []string
	failWith map[string]error
}

func (f *fakeScreens) Capture(_ context.Context, _ Paths, ref workflow.Ref, dest string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refs = append(f.refs, ref.Name)
	f.dests = append(f.dests, dest)
	return f.failWith[ref.Name]
}

type recordSink struct {
	mu       sync.Mutex
	started  int
	finished int
	results  []LevelResult
}

func (s *recordSink) PlatformStarted(config.PlatformName) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started++
}

func (s *recordSink) LevelFinished(_ config.PlatformName, r LevelResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, r)
}

func (s *recordSink) PlatformFinished(config.PlatformName) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finished++
}

func (s *recordSink) byLevel(level config.Level) (LevelResult, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.results {
		if r.Level == level {
			return r, true
		}
	}
	return LevelResult{}, false
}

func writePackFixture(t *testing.T) string {
	t.Helper()
	nodeDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(nodeDir, "nodes.py"), []byte("VALUE = 1\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	wfDir := filepath.Join(nodeDir, workflow.DirName)
	if err := os.MkdirAll(wfDir, 0o755); err != nil {
		t.Fatal(err)
	}
	wf := `{"nodes": [{"id": 1, "type": "Prompt", "widgets_values": ["hi"]}], "links": []}`
	if err := os.WriteFile(filepath.Join(wfDir, "basic.json"), []byte(wf), 0o644); err != nil {
		t.Fatal(err)
	}
	return nodeDir
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Name:    "mypack",
		Levels:  config.AllLevels,
		Linux:   config.Platform{Enabled: true},
		Timeout: 60,
		Workflows: config.Workflows{
			CPU:           config.WorkflowSet{All: true},
			Timeout:       60,
			Concurrency:   1,
			OverlapPolicy: config.OverlapGPU,
		},
		NodeDir: writePackFixture(t),
	}
}

func testRunContext(t *testing.T, cfg *config.Config) *RunContext {
	t.Helper()
	rc, err := NewRunContext(cfg, t.TempDir(), t.TempDir())
	if err != nil {
		t.Fatalf("NewRunContext: %v", err)
	}
	return rc
}

func testCollaborators(t *testing.T) (Collaborators, *fakeInstaller, *fakeServer, *fakePipelineExec) {
	t.Helper()
	defs, err := workflow.ParseObjectInfo([]byte(pipelineRegistry))
	if err != nil {
		t.Fatalf("parse registry: %v", err)
	}
	installer := &fakeInstaller{}
	server := &fakeServer{defs: defs}
	exec := &fakePipelineExec{}
	return Collaborators{
		Syntax:     &fakeSyntax{},
		Installer:  installer,
		Server:     server,
		Executor:   exec,
		Screenshot: &fakeScreens{},
	}, installer, server, exec
}

func runPipeline(t *testing.T, rc *RunContext, collab Collaborators) *recordSink {
	t.Helper()
	sink := &recordSink{}
	NewPipeline(rc, config.PlatformLinux, collab, sink, zerolog.Nop()).Run(context.Background())
	return sink
}

func TestPipelineAllLevelsPass(t *testing.T) {
	rc := testRunContext(t, testConfig(t))
	collab, _, server, exec := testCollaborators(t)

	sink := runPipeline(t, rc, collab)

	if len(sink.results) != len(config.AllLevels) {
		t.Fatalf("got %d level results, want %d", len(sink.results), len(config.AllLevels))
	}
	for i, r := range sink.results {
		if r.Level != config.AllLevels[i] {
			t.Fatalf("result %d is %s, want %s", i, r.Level, config.AllLevels[i])
		}
		if r.Status != StatusPassed {
			t.Fatalf("level %s = %s (%s %s)", r.Level, r.Status, r.Error, r.SkipReason)
		}
	}
	if !server.stopped {
		t.Fatal("server was not stopped")
	}
	if len(exec.ran) != 1 || exec.ran[0] != "basic" {
		t.Fatalf("executed workflows = %v, want [basic]", exec.ran)
	}
}

func TestPipelineFailureBlocksSuccessors(t *testing.T) {
	rc := testRunContext(t, testConfig(t))
	collab, installer, _, _ := testCollaborators(t)
	installer.err = errs.New(errs.Environment, "pip exploded")

	sink := runPipeline(t, rc, collab)

	if r, _ := sink.byLevel(config.LevelSyntax); r.Status != StatusPassed {
		t.Fatalf("syntax = %s", r.Status)
	}
	if r, _ := sink.byLevel(config.LevelInstall); r.Status != StatusFailed {
		t.Fatalf("install = %s, want failed", r.Status)
	}
	for _, level := range config.AllLevels[2:] {
		r, ok := sink.byLevel(level)
		if !ok {
			t.Fatalf("level %s was not reported", level)
		}
		if r.Status != StatusSkipped || r.SkipReason != SkipBlocked {
			t.Fatalf("level %s = %s (%q), want skipped %q", level, r.Status, r.SkipReason, SkipBlocked)
		}
	}
}

func TestPipelineLevelPrefixStopsAfterRequested(t *testing.T) {
	cfg := testConfig(t)
	cfg.Levels = []config.Level{config.LevelSyntax, config.LevelInstall, config.LevelRegistration}
	rc := testRunContext(t, cfg)
	collab, _, _, exec := testCollaborators(t)

	sink := runPipeline(t, rc, collab)

	if r, _ := sink.byLevel(config.LevelRegistration); r.Status != StatusPassed {
		t.Fatalf("registration = %s (%s)", r.Status, r.Error)
	}
	for _, level := range config.AllLevels[3:] {
		r, _ := sink.byLevel(level)
		if r.Status != StatusSkipped || r.SkipReason != SkipNotRequested {
			t.Fatalf("level %s = %s (%q), want skipped %q", level, r.Status, r.SkipReason, SkipNotRequested)
		}
	}
	if len(exec.ran) != 0 {
		t.Fatalf("executor ran %v despite level prefix", exec.ran)
	}
}

func TestPipelineSkipWorkflowExcludesValidationAndExecution(t *testing.T) {
	cfg := testConfig(t)
	cfg.Linux.SkipWorkflow = true
	rc := testRunContext(t, cfg)
	collab, _, _, exec := testCollaborators(t)

	sink := runPipeline(t, rc, collab)

	if r, _ := sink.byLevel(config.LevelStaticCapture); r.Status != StatusPassed {
		t.Fatalf("static_capture = %s, want passed", r.Status)
	}
	for _, level := range []config.Level{config.LevelValidation, config.LevelExecution} {
		r, _ := sink.byLevel(level)
		if r.Status != StatusSkipped || r.SkipReason != SkipExcluded {
			t.Fatalf("level %s = %s (%q), want skipped %q", level, r.Status, r.SkipReason, SkipExcluded)
		}
	}
	if len(exec.ran) != 0 {
		t.Fatalf("executor ran %v despite skip_workflow", exec.ran)
	}
}

func TestPipelineInstantiationPartialFailureIsDiagnostic(t *testing.T) {
	rc := testRunContext(t, testConfig(t))
	collab, _, server, _ := testCollaborators(t)
	server.instErrs = map[string]string{"Render": "missing weight file"}

	sink := runPipeline(t, rc, collab)

	r, _ := sink.byLevel(config.LevelInstantiation)
	if r.Status != StatusPassed {
		t.Fatalf("instantiation = %s, want passed with diagnostics", r.Status)
	}
	if r.InstantiationErrors["Render"] != "missing weight file" {
		t.Fatalf("instantiation errors = %v", r.InstantiationErrors)
	}
}

func TestPipelineInstantiationStrictFails(t *testing.T) {
	cfg := testConfig(t)
	cfg.Instantiation.Strict = true
	rc := testRunContext(t, cfg)
	collab, _, server, _ := testCollaborators(t)
	server.instErrs = map[string]string{"Render": "missing weight file"}

	sink := runPipeline(t, rc, collab)

	r, _ := sink.byLevel(config.LevelInstantiation)
	if r.Status != StatusFailed {
		t.Fatalf("instantiation = %s, want failed in strict mode", r.Status)
	}
	if r, _ := sink.byLevel(config.LevelStaticCapture); r.SkipReason != SkipBlocked {
		t.Fatalf("static_capture skip reason = %q, want %q", r.SkipReason, SkipBlocked)
	}
}

func TestPipelineInstantiationAllFailingFails(t *testing.T) {
	rc := testRunContext(t, testConfig(t))
	collab, _, server, _ := testCollaborators(t)
	server.instErrs = map[string]string{"Prompt": "boom", "Render": "boom"}

	sink := runPipeline(t, rc, collab)

	if r, _ := sink.byLevel(config.LevelInstantiation); r.Status != StatusFailed {
		t.Fatalf("instantiation = %s, want failed when nothing constructs", r.Status)
	}
}

func TestPipelineRegistrationImportErrorsFail(t *testing.T) {
	rc := testRunContext(t, testConfig(t))
	collab, _, server, _ := testCollaborators(t)
	server.importErrs = []string{"ModuleNotFoundError: No module named 'torchaudio'"}

	sink := runPipeline(t, rc, collab)

	r, _ := sink.byLevel(config.LevelRegistration)
	if r.Status != StatusFailed {
		t.Fatalf("registration = %s, want failed", r.Status)
	}
	if len(r.ImportErrors) != 1 {
		t.Fatalf("import errors = %v", r.ImportErrors)
	}
}

func TestPipelineRegistrationNoClassesFails(t *testing.T) {
	rc := testRunContext(t, testConfig(t))
	collab, _, server, _ := testCollaborators(t)
	defs, err := workflow.ParseObjectInfo([]byte(`{
		"Other": {"name": "run", "python_module": "custom_nodes.not_ours.x"}
	}`))
	if err != nil {
		t.Fatal(err)
	}
	server.defs = defs

	sink := runPipeline(t, rc, collab)

	r, _ := sink.byLevel(config.LevelRegistration)
	if r.Status != StatusFailed || !strings.Contains(r.Error, "no node classes") {
		t.Fatalf("registration = %s (%q)", r.Status, r.Error)
	}
}

func TestPipelineExecutionTimeout(t *testing.T) {
	cfg := testConfig(t)
	cfg.Workflows.Timeout = 1
	rc := testRunContext(t, cfg)
	collab, _, _, exec := testCollaborators(t)
	exec.execWait = true

	sink := runPipeline(t, rc, collab)

	r, _ := sink.byLevel(config.LevelExecution)
	if r.Status != StatusFailed {
		t.Fatalf("execution = %s, want failed", r.Status)
	}
	if len(r.Executions) != 1 || !strings.Contains(r.Executions[0].Error, "timed out") {
		t.Fatalf("executions = %+v, want one timeout", r.Executions)
	}
}

func TestPipelineSyntaxIssuesFail(t *testing.T) {
	rc := testRunContext(t, testConfig(t))
	collab, installer, _, _ := testCollaborators(t)
	collab.Syntax = &fakeSyntax{issues: []string{"nodes.py:3: invalid syntax"}}

	sink := runPipeline(t, rc, collab)

	if r, _ := sink.byLevel(config.LevelSyntax); r.Status != StatusFailed {
		t.Fatalf("syntax = %s, want failed", r.Status)
	}
	if installer.called {
		t.Fatal("installer ran after syntax failure")
	}
}

func TestPipelineWorkspaceMustBeExclusive(t *testing.T) {
	rc := testRunContext(t, testConfig(t))
	if err := os.Mkdir(filepath.Join(rc.WorkDir, string(config.PlatformLinux)), 0o755); err != nil {
		t.Fatal(err)
	}
	collab, installer, _, _ := testCollaborators(t)

	sink := runPipeline(t, rc, collab)

	if len(sink.results) != len(config.AllLevels) {
		t.Fatalf("got %d results, want %d", len(sink.results), len(config.AllLevels))
	}
	if sink.results[0].Status != StatusFailed {
		t.Fatalf("first level = %s, want failed", sink.results[0].Status)
	}
	if installer.called {
		t.Fatal("installer ran in a claimed workspace")
	}
}

func TestMatrixNoEnabledPlatforms(t *testing.T) {
	cfg := testConfig(t)
	cfg.Linux.Enabled = false
	rc := testRunContext(t, cfg)

	m := NewMatrix(rc, func(config.PlatformName) Collaborators { return Collaborators{} }, &recordSink{}, zerolog.Nop())
	err := m.Run(context.Background())
	if !errs.IsKind(err, errs.Config) {
		t.Fatalf("err = %v, want Config kind", err)
	}
}

func TestMatrixUnknownWorkflowNameFailsBeforeInstall(t *testing.T) {
	cfg := testConfig(t)
	cfg.Workflows.CPU = config.WorkflowSet{Names: []string{"missing.json"}}
	rc := testRunContext(t, cfg)
	collab, installer, _, _ := testCollaborators(t)

	m := NewMatrix(rc, func(config.PlatformName) Collaborators { return collab }, &recordSink{}, zerolog.Nop())
	err := m.Run(context.Background())
	if !errs.IsKind(err, errs.Config) {
		t.Fatalf("err = %v, want Config kind", err)
	}
	if installer.called {
		t.Fatal("installer ran despite bad workflow scope")
	}
}

func TestMatrixRunsEveryEnabledPlatform(t *testing.T) {
	cfg := testConfig(t)
	cfg.MacOS.Enabled = true
	rc := testRunContext(t, cfg)
	sink := &recordSink{}

	m := NewMatrix(rc, func(config.PlatformName) Collaborators {
		collab, _, _, _ := testCollaborators(t)
		return collab
	}, sink, zerolog.Nop())
	if err := m.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sink.started != 2 || sink.finished != 2 {
		t.Fatalf("started %d finished %d, want 2 each", sink.started, sink.finished)
	}
	if len(sink.results) != 2*len(config.AllLevels) {
		t.Fatalf("got %d results, want %d", len(sink.results), 2*len(config.AllLevels))
	}
}

func TestBuildPlanMarksExcludedLevels(t *testing.T) {
	cfg := testConfig(t)
	cfg.Linux.SkipWorkflow = true
	rc := testRunContext(t, cfg)

	plan, err := BuildPlan(rc)
	if err != nil {
		t.Fatalf("BuildPlan: %v", err)
	}
	if len(plan) != 1 || plan[0].Platform != config.PlatformLinux {
		t.Fatalf("plan = %+v", plan)
	}
	for _, pl := range plan[0].Levels {
		switch pl.Level {
		case config.LevelValidation, config.LevelExecution:
			if pl.Run || pl.Reason != SkipExcluded {
				t.Fatalf("level %s = %+v, want excluded", pl.Level, pl)
			}
		default:
			if !pl.Run {
				t.Fatalf("level %s not planned", pl.Level)
			}
		}
	}
	if len(plan[0].Workflows) != 0 {
		t.Fatalf("workflows planned for skip_workflow platform: %v", plan[0].Workflows)
	}
}

func TestScanSourceEncoding(t *testing.T) {
	dir := t.TempDir()
	ok := "title = “quoted”  # cp1252 has curly quotes\n"
	bad := "BANNER = '\U0001F680 launch'\n"
	if err := os.WriteFile(filepath.Join(dir, "ok.py"), []byte(ok), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "bad.py"), []byte(bad), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(dir, ".venv"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, ".venv", "vendored.py"), []byte(bad), 0o644); err != nil {
		t.Fatal(err)
	}

	issues, err := ScanSourceEncoding(dir)
	if err != nil {
		t.Fatalf("ScanSourceEncoding: %v", err)
	}
	if len(issues) != 1 {
		t.Fatalf("issues = %v, want exactly one", issues)
	}
	if !strings.Contains(issues[0], "bad.py:1") || !strings.Contains(issues[0], "U+1F680") {
		t.Fatalf("issue = %q", issues[0])
	}
}

func TestPackClassesNormalizesNames(t *testing.T) {
	defs, err := workflow.ParseObjectInfo([]byte(`{
		"A": {"name": "a", "python_module": "custom_nodes.ComfyUI-My-Pack.nodes"},
		"B": {"name": "b", "python_module": "custom_nodes.comfyui_my_pack"},
		"C": {"name": "c", "python_module": "custom_nodes.other_pack.nodes"},
		"D": {"name": "d", "python_module": "comfy_extras.nodes_mask"}
	}`))
	if err != nil {
		t.Fatal(err)
	}
	got := packClasses(defs, "my-pack")
	want := []string{"A", "B"}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("packClasses = %v, want %v", got, want)
	}
}

func TestStaticCaptureShootsEveryWorkflow(t *testing.T) {
	cfg := testConfig(t)
	wf := `{"nodes": [{"id": 1, "type": "Prompt", "widgets_values": ["hi"]}], "links": []}`
	if err := os.WriteFile(filepath.Join(cfg.NodeDir, workflow.DirName, "extra.json"), []byte(wf), 0o644); err != nil {
		t.Fatal(err)
	}
	rc := testRunContext(t, cfg)
	collab, _, _, _ := testCollaborators(t)
	screens := &fakeScreens{}
	collab.Screenshot = screens

	sink := runPipeline(t, rc, collab)

	r, _ := sink.byLevel(config.LevelStaticCapture)
	if r.Status != StatusPassed {
		t.Fatalf("static_capture = %s (%s)", r.Status, r.Error)
	}
	sort.Strings(screens.refs)
	if len(screens.refs) != 2 || screens.refs[0] != "basic" || screens.refs[1] != "extra" {
		t.Fatalf("captured refs = %v, want [basic extra]", screens.refs)
	}
	sort.Strings(r.Screenshots)
	if len(r.Screenshots) != 2 || !strings.HasSuffix(r.Screenshots[0], filepath.Join("screenshots", "basic.png")) {
		t.Fatalf("screenshots = %v, want one file per workflow under screenshots/", r.Screenshots)
	}
}

func TestStaticCaptureWorkflowFailureIsWarning(t *testing.T) {
	rc := testRunContext(t, testConfig(t))
	collab, _, _, _ := testCollaborators(t)
	collab.Screenshot = &fakeScreens{failWith: map[string]error{"basic": errors.New("browser crashed")}}

	sink := runPipeline(t, rc, collab)

	r, _ := sink.byLevel(config.LevelStaticCapture)
	if r.Status != StatusPassed {
		t.Fatalf("static_capture = %s, want passed with warnings", r.Status)
	}
	if len(r.Warnings) != 1 || !strings.Contains(r.Warnings[0], "basic") {
		t.Fatalf("warnings = %v", r.Warnings)
	}
	if len(r.Screenshots) != 0 {
		t.Fatalf("screenshots = %v, want none for a failed capture", r.Screenshots)
	}
	if rv, _ := sink.byLevel(config.LevelValidation); rv.Status != StatusPassed {
		t.Fatalf("validation = %s, capture warning must not block", rv.Status)
	}
}

func TestStaticCaptureOperabilityErrorFailsLevel(t *testing.T) {
	rc := testRunContext(t, testConfig(t))
	collab, _, _, _ := testCollaborators(t)
	collab.Screenshot = &fakeScreens{failWith: map[string]error{
		"basic": errs.New(errs.Environment, "host is not running"),
	}}

	sink := runPipeline(t, rc, collab)

	if r, _ := sink.byLevel(config.LevelStaticCapture); r.Status != StatusFailed {
		t.Fatalf("static_capture = %s, want failed", r.Status)
	}
	if r, _ := sink.byLevel(config.LevelValidation); r.SkipReason != SkipBlocked {
		t.Fatalf("validation skip reason = %q, want %q", r.SkipReason, SkipBlocked)
	}
}

func TestPipelinePartialTimeoutIndependentOfExecutionBudget(t *testing.T) {
	cfg := testConfig(t)
	cfg.Workflows.Timeout = 600
	cfg.Workflows.PartialTimeout = 1
	rc := testRunContext(t, cfg)
	collab, _, _, exec := testCollaborators(t)
	exec.subWait = true

	sink := runPipeline(t, rc, collab)

	r, _ := sink.byLevel(config.LevelValidation)
	if r.Status != StatusFailed || len(r.Validation) != 1 {
		t.Fatalf("validation = %s (%d reports)", r.Status, len(r.Validation))
	}
	sub := r.Validation[0].Sub(validation.SubPartialExecution)
	if sub.Status != validation.StatusFailed || !strings.Contains(sub.Diagnostics[0].Message, "timed out after 1s") {
		t.Fatalf("partial = %s %v, want 1s timeout", sub.Status, sub.Diagnostics)
	}
	if len(exec.ran) != 0 {
		t.Fatalf("execution ran %v after validation failure", exec.ran)
	}
}

func TestPipelineGPUHostDoesNotExcludeCudaNodes(t *testing.T) {
	t.Setenv("COMFY_TEST_GPU", "1")
	cfg := testConfig(t)
	cfg.CUDAPackages = []string{"flash_attn"}
	rc := testRunContext(t, cfg)
	collab, _, server, _ := testCollaborators(t)
	defs, err := workflow.ParseObjectInfo([]byte(`{
		"Prompt": {
			"input": {"required": {"text": ["STRING", {}]}},
			"output": ["STRING"],
			"output_name": ["text"],
			"name": "run",
			"python_module": "custom_nodes.mypack.nodes",
			"dependencies": ["flash_attn"]
		}
	}`))
	if err != nil {
		t.Fatal(err)
	}
	server.defs = defs

	sink := runPipeline(t, rc, collab)

	r, _ := sink.byLevel(config.LevelValidation)
	if r.Status != StatusPassed {
		t.Fatalf("validation = %s (%s)", r.Status, r.Error)
	}
	if len(r.CudaFlagged) != 1 || r.CudaFlagged[0] != "Prompt" {
		t.Fatalf("cuda flagged = %v, want [Prompt]", r.CudaFlagged)
	}
	sub := r.Validation[0].Sub(validation.SubPartialExecution)
	if sub.Status != validation.StatusPassed {
		t.Fatalf("partial = %s (%s), want passed on a GPU host", sub.Status, sub.SkipReason)
	}
}

func TestPipelineCancellationIsNotReportedAsTimeout(t *testing.T) {
	rc := testRunContext(t, testConfig(t))
	collab, _, _, exec := testCollaborators(t)
	exec.execWait = true

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	sink := &recordSink{}
	NewPipeline(rc, config.PlatformLinux, collab, sink, zerolog.Nop()).Run(ctx)

	r, _ := sink.byLevel(config.LevelExecution)
	if r.Status != StatusFailed || len(r.Executions) != 1 {
		t.Fatalf("execution = %s (%d runs)", r.Status, len(r.Executions))
	}
	if got := r.Executions[0].Error; got != "run canceled" {
		t.Fatalf("execution error = %q, want %q", got, "run canceled")
	}
}
