package comfyui

import (
	"bufio"
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/comfy-test/comfytest/internal/engine"
	"github.com/comfy-test/comfytest/internal/errs"
	"github.com/comfy-test/comfytest/internal/workflow"
)

//go:embed probe.py
var probeScript string

const (
	readyPollInterval = 500 * time.Millisecond
	readyTimeout      = 5 * time.Minute
	stopGrace         = 10 * time.Second
)

// Server owns one host process. Each platform pipeline gets its own
// instance on its own port; instances never share state.
type Server struct {
	log     zerolog.Logger
	runner  commandRunner
	gpuHost bool
	packDir string
	client  *http.Client

	mu      sync.Mutex
	cmd     *exec.Cmd
	paths   engine.Paths
	baseURL string
	output  []string
	done    chan struct{}
}

func NewServer(rc *engine.RunContext, log zerolog.Logger) *Server {
	return &Server{
		log:     log,
		runner:  commandRunner{log: log, env: rc.Env},
		gpuHost: rc.GPUHost,
		packDir: filepath.Base(rc.Config.NodeDir),
		client:  &http.Client{Timeout: 2 * time.Minute},
	}
}

// BaseURL is the host's HTTP root. Empty until Start succeeds.
func (s *Server) BaseURL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.baseURL
}

// Start spawns the host and waits until it serves HTTP. Stdout and stderr
// are retained for import-error attribution.
func (s *Server) Start(ctx context.Context, paths engine.Paths) error {
	port, err := freePort()
	if err != nil {
		return errs.Wrap(errs.Registration, "allocate port", err)
	}

	python := VenvPython(paths.Venv)
	if _, statErr := os.Stat(python); statErr != nil {
		// windows_portable runs the embedded interpreter directly.
		python = filepath.Join(paths.Venv, "python.exe")
	}
	args := []string{"main.py", "--listen", "127.0.0.1", "--port", fmt.Sprint(port)}
	if !s.gpuHost {
		args = append(args, "--cpu")
	}

	cmd := exec.Command(python, args...)
	cmd.Dir = paths.ComfyUI
	cmd.Env = mergedEnv(s.runner.env)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return errs.Wrap(errs.Registration, "start host", err)
	}
	cmd.Stderr = cmd.Stdout

	s.log.Info().Int("port", port).Msg("starting host")
	if err := cmd.Start(); err != nil {
		return errs.Wrap(errs.Registration, "start host", err)
	}

	s.mu.Lock()
	s.cmd = cmd
	s.paths = paths
	s.baseURL = fmt.Sprintf("http://127.0.0.1:%d", port)
	s.output = nil
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.collectOutput(stdout)

	if err := s.waitReady(ctx); err != nil {
		_ = s.Stop()
		return err
	}
	return nil
}

func (s *Server) collectOutput(r io.Reader) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		s.mu.Lock()
		s.output = append(s.output, line)
		s.mu.Unlock()
		s.log.Trace().Msg(line)
	}
	s.mu.Lock()
	close(s.done)
	s.mu.Unlock()
}

func (s *Server) waitReady(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, readyTimeout)
	defer cancel()
	url := s.BaseURL() + "/system_stats"
	for {
		req, _ := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		resp, err := s.client.Do(req)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return errs.Wrap(errs.Registration, "host never became ready", ctx.Err()).
				WithDetails(lastLines(strings.Join(s.snapshotOutput(), "\n"), 30))
		case <-time.After(readyPollInterval):
		}
	}
}

func (s *Server) snapshotOutput() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.output...)
}

// importFailureMarkers are the host's log signatures for a pack that did
// not load.
var importFailureMarkers = []string{"IMPORT FAILED", "Cannot import", "Traceback (most recent call last)"}

// ImportErrors returns logged import failures attributable to this pack.
func (s *Server) ImportErrors() []string {
	lines := s.snapshotOutput()
	var found []string
	for i, line := range lines {
		marker := false
		for _, m := range importFailureMarkers {
			if strings.Contains(line, m) {
				marker = true
				break
			}
		}
		if !marker {
			continue
		}
		// Attribute by pack directory name appearing on the marker line or
		// close below it.
		window := lines[i:min(i+15, len(lines))]
		for _, w := range window {
			if strings.Contains(w, s.packDir) {
				found = append(found, strings.TrimSpace(line))
				break
			}
		}
	}
	return found
}

func (s *Server) ObjectInfo(ctx context.Context) (workflow.ObjectInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.BaseURL()+"/object_info", nil)
	if err != nil {
		return nil, errs.Wrap(errs.Registration, "fetch node registry", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, errs.Wrap(errs.Registration, "fetch node registry", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, errs.Newf(errs.Registration, "object_info: HTTP %d", resp.StatusCode)
	}
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errs.Wrap(errs.Registration, "fetch node registry", err)
	}
	defs, err := workflow.ParseObjectInfo(b)
	if err != nil {
		return nil, errs.Wrap(errs.Registration, "decode node registry", err)
	}
	return defs, nil
}

// Instantiate constructs each class in a fresh interpreter against the
// installed checkout and maps failures to their exception text.
func (s *Server) Instantiate(ctx context.Context, classes []string) (map[string]string, error) {
	if len(classes) == 0 {
		return map[string]string{}, nil
	}
	s.mu.Lock()
	paths := s.paths
	s.mu.Unlock()

	probe := filepath.Join(paths.Root, "instantiate_probe.py")
	if err := os.WriteFile(probe, []byte(probeScript), 0o644); err != nil {
		return nil, errs.Wrap(errs.Instantiation, "write probe", err)
	}
	python := VenvPython(paths.Venv)
	if _, statErr := os.Stat(python); statErr != nil {
		python = filepath.Join(paths.Venv, "python.exe")
	}
	args := append([]string{probe}, classes...)
	out, err := s.runner.run(ctx, paths.ComfyUI, python, args...)
	if err != nil {
		return nil, errs.Wrap(errs.Instantiation, "instantiation probe", err)
	}

	// The probe prints a single JSON object as its last line; host import
	// chatter precedes it.
	var result struct {
		Failed map[string]string `json:"failed"`
	}
	trimmed := strings.TrimSpace(out)
	if idx := strings.LastIndexByte(trimmed, '\n'); idx >= 0 {
		trimmed = trimmed[idx+1:]
	}
	if err := json.Unmarshal([]byte(trimmed), &result); err != nil {
		return nil, errs.Wrap(errs.Instantiation, "decode probe output", err).
			WithDetails(lastLines(out, 10))
	}
	if result.Failed == nil {
		result.Failed = map[string]string{}
	}
	return result.Failed, nil
}

// FreeMemory asks the host to drop cached models between workflows.
func (s *Server) FreeMemory(ctx context.Context) error {
	body := strings.NewReader(`{"unload_models": true, "free_memory": true}`)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.BaseURL()+"/free", body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// Stop terminates the host, politely first. The stdout pipe must reach
// EOF before Wait, so Stop blocks on the output collector, with Kill as
// the escalation when the process ignores the interrupt.
func (s *Server) Stop() error {
	s.mu.Lock()
	cmd := s.cmd
	done := s.done
	s.cmd = nil
	s.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	_ = interrupt(cmd)
	if done != nil {
		select {
		case <-done:
		case <-time.After(stopGrace):
			_ = cmd.Process.Kill()
			<-done
		}
	}
	// The exit status of an interrupted host is not a failure.
	_ = cmd.Wait()
	return nil
}

// interrupt asks the process to exit; on platforms without interrupt
// delivery it falls through to Kill.
func interrupt(cmd *exec.Cmd) error {
	if err := cmd.Process.Signal(os.Interrupt); err != nil {
		return cmd.Process.Kill()
	}
	return nil
}

func freePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}
