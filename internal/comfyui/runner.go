// Package comfyui drives a real ComfyUI checkout: provisioning it,
// serving it, and pushing workflows through it. Everything here shells
// out or speaks HTTP; the engine package only sees the collaborator
// interfaces.
package comfyui

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"sort"
	"strings"

	"al.essio.dev/pkg/shellescape"
	"github.com/rs/zerolog"

	"github.com/comfy-test/comfytest/internal/errs"
)

// commandRunner centralizes subprocess execution so every external call
// is logged the same way and inherits the run's environment overlay.
type commandRunner struct {
	log zerolog.Logger
	env map[string]string
}

// run executes a command in dir, returning combined output. The logged
// line is shell-quoted so it can be pasted into a terminal verbatim.
func (r *commandRunner) run(ctx context.Context, dir string, name string, args ...string) (string, error) {
	r.log.Debug().Str("dir", dir).Msg(quoteCommand(name, args))

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	cmd.Env = mergedEnv(r.env)

	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	err := cmd.Run()
	out := buf.String()
	if err != nil {
		if ctx.Err() != nil {
			return out, errs.Wrap(errs.Timeout, quoteCommand(name, args), ctx.Err())
		}
		e := errs.Wrap(errs.Environment, quoteCommand(name, args), err)
		if tail := lastLines(out, 20); tail != "" {
			e = e.WithDetails(tail)
		}
		return out, e
	}
	return out, nil
}

func quoteCommand(name string, args []string) string {
	parts := []string{shellescape.Quote(name)}
	for _, a := range args {
		parts = append(parts, shellescape.Quote(a))
	}
	return strings.Join(parts, " ")
}

// mergedEnv overlays extra on the host environment, deterministically.
func mergedEnv(extra map[string]string) []string {
	if len(extra) == 0 {
		return os.Environ()
	}
	env := os.Environ()
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+extra[k])
	}
	return env
}

func lastLines(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
