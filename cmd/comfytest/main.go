package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"github.com/comfy-test/comfytest/internal/comfyui"
	"github.com/comfy-test/comfytest/internal/config"
	"github.com/comfy-test/comfytest/internal/engine"
	"github.com/comfy-test/comfytest/internal/errs"
	"github.com/comfy-test/comfytest/internal/publish"
	"github.com/comfy-test/comfytest/internal/report"
	"github.com/comfy-test/comfytest/internal/scaffold"
	"github.com/comfy-test/comfytest/internal/version"
	"github.com/comfy-test/comfytest/internal/workflow"
)

const appName = "comfytest"

type app struct {
	log zerolog.Logger
	cli *cli.App
}

func main() {
	ctx, cleanup := signalCancelContext()
	defer cleanup()

	a := newApp()
	if err := a.cli.RunContext(ctx, os.Args); err != nil {
		if _, ok := err.(cli.ExitCoder); !ok {
			a.log.Error().Msg(err.Error())
			os.Exit(exitCode(err))
		}
		cli.HandleExitCoder(err)
	}
}

// exitCode distinguishes configuration mistakes from test failures.
func exitCode(err error) int {
	if errs.IsKind(err, errs.Config) {
		return 2
	}
	return 1
}

func signalCancelContext() (context.Context, func()) {
	ctx, cancel := context.WithCancelCause(context.Background())
	sigCh := make(chan os.Signal, 1)
	stopCh := make(chan struct{})
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		for {
			select {
			case sig := <-sigCh:
				cancel(fmt.Errorf("stopped by signal %s", sig.String()))
			case <-stopCh:
				return
			}
		}
	}()
	cleanup := func() {
		signal.Stop(sigCh)
		close(stopCh)
		cancel(nil)
	}
	return ctx, cleanup
}

func newApp() *app {
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	logger := zerolog.New(zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: time.RFC3339,
	}).With().Timestamp().Logger()

	a := &app{log: logger}
	a.cli = &cli.App{
		Name:    appName,
		Usage:   "test harness for ComfyUI custom node packs",
		Version: version.Version,
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "verbose",
				Usage: "Enable verbose (debug) logging",
			},
		},
		Before: func(ctx *cli.Context) error {
			// A .env next to the pack is a convenience for local runs.
			_ = godotenv.Load()
			if ctx.Bool("verbose") {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			}
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:   "init",
				Usage:  "Write a starter comfy-test.toml and CI workflow",
				Action: a.initAction,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "dir",
						Usage: "Pack directory to scaffold",
						Value: ".",
					},
					&cli.BoolFlag{
						Name:  "force",
						Usage: "Overwrite existing files",
					},
				},
			},
			{
				Name:   "run",
				Usage:  "Run the test levels for a node pack",
				Action: a.runAction,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "config",
						Usage: "Config file (default: discovered in the pack directory)",
					},
					&cli.StringFlag{
						Name:  "platform",
						Usage: "Restrict the run to one platform",
					},
					&cli.StringFlag{
						Name:  "level",
						Usage: "Run only through this level",
					},
					&cli.StringFlag{
						Name:  "workflow",
						Usage: "Run only the named workflow",
					},
					&cli.StringFlag{
						Name:  "output",
						Usage: "Results directory",
						Value: "comfy-test-results",
					},
					&cli.StringFlag{
						Name:  "work-dir",
						Usage: "Scratch directory (default: a fresh temp dir)",
					},
					&cli.BoolFlag{
						Name:  "dry-run",
						Usage: "Print the plan without running anything",
					},
				},
			},
			{
				Name:      "publish",
				Usage:     "Push a results directory to a repository branch",
				ArgsUsage: "<results-dir>",
				Action:    a.publishAction,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "repo",
						Usage:    "Target repository as owner/repo",
						Required: true,
					},
					&cli.StringFlag{
						Name:  "branch",
						Usage: "Target branch",
						Value: publish.DefaultBranch,
					},
				},
			},
		},
	}
	return a
}

func (a *app) initAction(c *cli.Context) error {
	written, err := scaffold.Init(scaffold.Options{
		Dir:   c.String("dir"),
		Force: c.Bool("force"),
	})
	if err != nil {
		return err
	}
	for _, path := range written {
		a.log.Info().Str("file", path).Msg("wrote")
	}
	if len(written) == 0 {
		a.log.Info().Msg("nothing to do; files exist (use --force to overwrite)")
	}
	return nil
}

func (a *app) runAction(c *cli.Context) error {
	cfg, err := a.loadConfig(c)
	if err != nil {
		return cli.Exit(err.Error(), 2)
	}
	if name := c.String("platform"); name != "" {
		platform, err := config.ParsePlatform(name)
		if err != nil {
			return cli.Exit(err.Error(), 2)
		}
		if err := cfg.RestrictPlatform(platform); err != nil {
			return cli.Exit(err.Error(), 2)
		}
	}
	if name := c.String("level"); name != "" {
		level, err := config.ParseLevel(name)
		if err != nil {
			return cli.Exit(err.Error(), 2)
		}
		cfg.TruncateLevels(level)
	}
	if name := c.String("workflow"); name != "" {
		if err := restrictWorkflow(cfg, name); err != nil {
			return cli.Exit(err.Error(), 2)
		}
	}

	workDir := c.String("work-dir")
	if workDir == "" {
		workDir, err = os.MkdirTemp("", appName+"-*")
		if err != nil {
			return err
		}
	} else if err := os.MkdirAll(workDir, 0o755); err != nil {
		return err
	}

	rc, err := engine.NewRunContext(cfg, workDir, "")
	if err != nil {
		return err
	}
	rc.OutDir = filepath.Join(c.String("output"), rc.RunID)

	if c.Bool("dry-run") {
		plan, err := engine.BuildPlan(rc)
		if err != nil {
			return cli.Exit(err.Error(), 2)
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(plan)
	}

	if err := os.MkdirAll(rc.OutDir, 0o755); err != nil {
		return err
	}
	a.log.Info().
		Str("run_id", rc.RunID).
		Str("pack", cfg.Name).
		Bool("gpu_host", rc.GPUHost).
		Msg("starting run")

	agg := report.NewAggregator(rc)
	m := engine.NewMatrix(rc, a.collaborators(rc), agg, a.log)
	if err := m.Run(c.Context); err != nil {
		return cli.Exit(err.Error(), exitCode(err))
	}

	path, err := agg.WriteFile(rc.OutDir)
	if err != nil {
		return err
	}
	agg.RenderTable(os.Stdout)
	a.log.Info().Str("report", path).Msg("run finished")
	if !agg.ExitOK() {
		return cli.Exit("one or more levels failed", 1)
	}
	return nil
}

func (a *app) loadConfig(c *cli.Context) (*config.Config, error) {
	if path := c.String("config"); path != "" {
		return config.Load(path)
	}
	cwd, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	return config.Discover(cwd)
}

// restrictWorkflow narrows the configured sets to one named workflow,
// keeping its runner classification.
func restrictWorkflow(cfg *config.Config, name string) error {
	refs, err := workflow.Discover(cfg.NodeDir, cfg.Workflows)
	if err != nil {
		return err
	}
	matched, err := workflow.FilterByName(refs, name)
	if err != nil {
		return err
	}
	wfDir := filepath.Join(cfg.NodeDir, workflow.DirName)
	var cpu, gpu []string
	for _, ref := range matched {
		rel, err := filepath.Rel(wfDir, ref.Path)
		if err != nil {
			rel = filepath.Base(ref.Path)
		}
		if ref.Runner == workflow.RunnerGPU {
			gpu = append(gpu, rel)
		} else {
			cpu = append(cpu, rel)
		}
	}
	cfg.Workflows.CPU = config.WorkflowSet{Names: cpu}
	cfg.Workflows.GPU = config.WorkflowSet{Names: gpu}
	return nil
}

// collaborators wires the real process collaborators, one set per
// platform.
func (a *app) collaborators(rc *engine.RunContext) engine.CollaboratorFactory {
	return func(platform config.PlatformName) engine.Collaborators {
		log := a.log.With().Str("platform", string(platform)).Logger()
		server := comfyui.NewServer(rc, log)
		collab := engine.Collaborators{
			Syntax:    comfyui.NewPyCompileChecker(log),
			Installer: comfyui.NewInstaller(rc, log),
			Server:    server,
			Executor:  comfyui.NewExecutor(server, log),
		}
		if cmd := os.Getenv("COMFY_TEST_SCREENSHOT_CMD"); cmd != "" {
			collab.Screenshot = comfyui.NewScreenshotter(server, strings.Fields(cmd), log)
		}
		return collab
	}
}

func (a *app) publishAction(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.Exit("usage: comfytest publish <results-dir> --repo owner/repo", 2)
	}
	p := publish.New(a.log)
	err := p.Publish(c.Context, publish.Options{
		ResultsDir: c.Args().First(),
		Repo:       c.String("repo"),
		Branch:     c.String("branch"),
		Token:      os.Getenv("GITHUB_TOKEN"),
	})
	if err != nil {
		return cli.Exit(err.Error(), exitCode(err))
	}
	return nil
}
