package comfyui

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/comfy-test/comfytest/internal/engine"
	"github.com/comfy-test/comfytest/internal/errs"
	"github.com/comfy-test/comfytest/internal/workflow"
)

// CommandScreenshotter captures the host UI with an external tool, once per
// workflow. The command template substitutes {url}, {workflow} and {out};
// typical tools are a headless browser wrapper or a playwright script.
type CommandScreenshotter struct {
	Command []string
	server  *Server
	runner  commandRunner
}

func NewScreenshotter(server *Server, command []string, log zerolog.Logger) *CommandScreenshotter {
	return &CommandScreenshotter{
		Command: command,
		server:  server,
		runner:  commandRunner{log: log},
	}
}

// Capture shoots one workflow. Misconfiguration and a dead host are
// operability errors; a failed capture command is attributed to the
// workflow only.
func (c *CommandScreenshotter) Capture(ctx context.Context, paths engine.Paths, ref workflow.Ref, dest string) error {
	if len(c.Command) == 0 {
		return errs.New(errs.Config, "no screenshot command configured")
	}
	url := c.server.BaseURL()
	if url == "" {
		return errs.New(errs.Environment, "host is not running")
	}
	args := make([]string, 0, len(c.Command)-1)
	for _, a := range c.Command[1:] {
		a = strings.ReplaceAll(a, "{url}", url)
		a = strings.ReplaceAll(a, "{workflow}", ref.Path)
		a = strings.ReplaceAll(a, "{out}", dest)
		args = append(args, a)
	}
	if _, err := c.runner.run(ctx, paths.Root, c.Command[0], args...); err != nil {
		return errs.Wrap(errs.Execution, fmt.Sprintf("capture %s", ref.Name), err)
	}
	return nil
}
