// Package publish uploads a run's results directory to a repository
// branch, where a static site serves the history.
package publish

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"al.essio.dev/pkg/shellescape"
	"github.com/rs/zerolog"

	"github.com/comfy-test/comfytest/internal/errs"
	"github.com/comfy-test/comfytest/internal/report"
)

// DefaultBranch is where published runs land.
const DefaultBranch = "gh-pages"

// Options configures one publish.
type Options struct {
	ResultsDir string
	Repo       string // "owner/repo"
	Branch     string
	Token      string // bearer for the push remote; never logged
}

// Publisher clones the target branch, drops the results in, commits and
// pushes.
type Publisher struct {
	log zerolog.Logger
}

func New(log zerolog.Logger) *Publisher {
	return &Publisher{log: log}
}

func (p *Publisher) Publish(ctx context.Context, opts Options) error {
	owner, repo, ok := strings.Cut(opts.Repo, "/")
	if !ok || owner == "" || repo == "" || strings.Contains(repo, "/") {
		return errs.Newf(errs.Config, "repo must be owner/repo, got %q", opts.Repo)
	}
	if opts.Branch == "" {
		opts.Branch = DefaultBranch
	}
	if fi, err := os.Stat(opts.ResultsDir); err != nil || !fi.IsDir() {
		return errs.Newf(errs.Config, "results directory %q does not exist", opts.ResultsDir)
	}
	runID, err := readRunID(opts.ResultsDir)
	if err != nil {
		return err
	}

	checkout, err := os.MkdirTemp("", "comfytest-publish-*")
	if err != nil {
		return errs.Wrap(errs.Environment, "create checkout", err)
	}
	defer os.RemoveAll(checkout)

	remote := fmt.Sprintf("https://github.com/%s.git", opts.Repo)
	if opts.Token != "" {
		remote = fmt.Sprintf("https://x-access-token:%s@github.com/%s.git", opts.Token, opts.Repo)
	}

	if err := p.git(ctx, "", opts.Token, "clone", "--depth", "1", "--branch", opts.Branch, remote, checkout); err != nil {
		// First publish: the branch does not exist yet.
		if err := p.git(ctx, "", opts.Token, "clone", "--depth", "1", remote, checkout); err != nil {
			return err
		}
		if err := p.git(ctx, checkout, opts.Token, "switch", "--orphan", opts.Branch); err != nil {
			return err
		}
	}

	dest := filepath.Join(checkout, "runs", runID)
	if err := copyTree(opts.ResultsDir, dest); err != nil {
		return errs.Wrap(errs.Environment, "copy results", err)
	}

	if err := p.git(ctx, checkout, opts.Token, "add", "-A"); err != nil {
		return err
	}
	commitArgs := []string{
		"-c", "user.name=comfytest", "-c", "user.email=comfytest@users.noreply.github.com",
		"commit", "-m", fmt.Sprintf("Test results %s", runID),
	}
	if err := p.git(ctx, checkout, opts.Token, commitArgs...); err != nil {
		return err
	}
	if err := p.git(ctx, checkout, opts.Token, "push", "origin", opts.Branch); err != nil {
		return err
	}
	p.log.Info().Str("repo", opts.Repo).Str("branch", opts.Branch).Str("run_id", runID).Msg("published")
	return nil
}

// readRunID takes the run ID from the report so the published directory
// name matches the run, falling back to the directory's own name.
func readRunID(dir string) (string, error) {
	b, err := os.ReadFile(filepath.Join(dir, report.FileName))
	if err != nil {
		if os.IsNotExist(err) {
			return filepath.Base(dir), nil
		}
		return "", errs.Wrap(errs.Config, "read report", err)
	}
	var rep struct {
		RunID string `json:"run_id"`
	}
	if err := json.Unmarshal(b, &rep); err != nil || rep.RunID == "" {
		return "", errs.New(errs.Config, "report has no run_id")
	}
	return rep.RunID, nil
}

func (p *Publisher) git(ctx context.Context, dir, token string, args ...string) error {
	p.log.Debug().Str("dir", dir).Msg(redact(quote(args), token))

	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		msg := redact("git "+strings.Join(args[:min(2, len(args))], " "), token)
		return errs.Wrap(errs.Environment, msg, err).
			WithDetails(redact(out.String(), token))
	}
	return nil
}

func quote(args []string) string {
	parts := []string{"git"}
	for _, a := range args {
		parts = append(parts, shellescape.Quote(a))
	}
	return strings.Join(parts, " ")
}

func redact(s, token string) string {
	if token == "" {
		return s
	}
	return strings.ReplaceAll(s, token, "***")
}

func copyTree(src, dest string) error {
	return filepath.WalkDir(src, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dest, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		b, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		return os.WriteFile(target, b, 0o644)
	})
}
