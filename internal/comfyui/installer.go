package comfyui

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/rs/zerolog"

	"github.com/comfy-test/comfytest/internal/config"
	"github.com/comfy-test/comfytest/internal/engine"
	"github.com/comfy-test/comfytest/internal/errs"
)

// DefaultRepo is the upstream host application.
const DefaultRepo = "https://github.com/comfyanonymous/ComfyUI"

// Installer provisions a platform workspace: host checkout, Python
// environment, and the pack under test installed as a custom node.
type Installer struct {
	Repo   string
	log    zerolog.Logger
	runner commandRunner
	client *http.Client
}

func NewInstaller(rc *engine.RunContext, log zerolog.Logger) *Installer {
	return &Installer{
		Repo:   DefaultRepo,
		log:    log,
		runner: commandRunner{log: log, env: rc.Env},
		client: http.DefaultClient,
	}
}

func (in *Installer) Install(ctx context.Context, rc *engine.RunContext, platform config.PlatformName, paths engine.Paths) error {
	if err := in.cloneHost(ctx, rc.Config.ComfyUIVersion, paths); err != nil {
		return err
	}
	python, err := in.provisionPython(ctx, rc.Config, platform, paths)
	if err != nil {
		return err
	}
	if _, err := in.runner.run(ctx, paths.ComfyUI, python, "-m", "pip", "install", "-r", "requirements.txt"); err != nil {
		return err
	}
	return in.installPack(ctx, rc.Config.NodeDir, python, paths)
}

func (in *Installer) cloneHost(ctx context.Context, version string, paths engine.Paths) error {
	if version == "" || version == "latest" {
		_, err := in.runner.run(ctx, paths.Root, "git", "clone", "--depth", "1", in.Repo, paths.ComfyUI)
		return err
	}
	if _, err := in.runner.run(ctx, paths.Root, "git", "clone", in.Repo, paths.ComfyUI); err != nil {
		return err
	}
	_, err := in.runner.run(ctx, paths.ComfyUI, "git", "checkout", version)
	return err
}

// provisionPython creates the environment and returns its interpreter.
// windows_portable uses the embeddable distribution instead of a venv,
// which is how portable ComfyUI bundles ship.
func (in *Installer) provisionPython(ctx context.Context, cfg *config.Config, platform config.PlatformName, paths engine.Paths) (string, error) {
	if platform == config.PlatformWindowsPortable {
		return in.installEmbedded(ctx, cfg.Platform(platform).PortableVersion, paths)
	}
	base := basePython(cfg.PythonVersion)
	if _, err := in.runner.run(ctx, paths.Root, base, "-m", "venv", paths.Venv); err != nil {
		return "", err
	}
	python := VenvPython(paths.Venv)
	if _, err := in.runner.run(ctx, paths.Root, python, "-m", "pip", "install", "--upgrade", "pip"); err != nil {
		return "", err
	}
	return python, nil
}

// basePython prefers a versioned interpreter when one is requested and on
// PATH.
func basePython(version string) string {
	if version != "" {
		if p, err := exec.LookPath("python" + version); err == nil {
			return p
		}
	}
	return findPython()
}

// VenvPython returns the interpreter inside a virtual environment.
func VenvPython(venv string) string {
	if runtime.GOOS == "windows" {
		return filepath.Join(venv, "Scripts", "python.exe")
	}
	return filepath.Join(venv, "bin", "python")
}

func (in *Installer) installEmbedded(ctx context.Context, version string, paths engine.Paths) (string, error) {
	if runtime.GOOS != "windows" {
		return "", errs.New(errs.Environment, "windows_portable requires a windows host")
	}
	if version == "" {
		return "", errs.New(errs.Config, "windows_portable needs comfyui_portable_version")
	}
	url := fmt.Sprintf("https://www.python.org/ftp/python/%s/python-%s-embed-amd64.zip", version, version)
	archive := filepath.Join(paths.Root, "python-embed.zip")
	if err := in.download(ctx, url, archive); err != nil {
		return "", err
	}
	if err := extractZip(archive, paths.Venv); err != nil {
		return "", errs.Wrap(errs.Environment, "extract embedded python", err)
	}
	python := filepath.Join(paths.Venv, "python.exe")
	// The embeddable distribution ships without pip.
	bootstrap := filepath.Join(paths.Root, "get-pip.py")
	if err := in.download(ctx, "https://bootstrap.pypa.io/get-pip.py", bootstrap); err != nil {
		return "", err
	}
	if _, err := in.runner.run(ctx, paths.Root, python, bootstrap); err != nil {
		return "", err
	}
	return python, nil
}

func (in *Installer) download(ctx context.Context, url, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return errs.Wrap(errs.Environment, "download "+url, err)
	}
	in.log.Debug().Str("url", url).Str("dest", dest).Msg("download")
	resp, err := in.client.Do(req)
	if err != nil {
		return errs.Wrap(errs.Environment, "download "+url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return errs.Newf(errs.Environment, "download %s: HTTP %d", url, resp.StatusCode)
	}
	f, err := os.Create(dest)
	if err != nil {
		return errs.Wrap(errs.Environment, "download "+url, err)
	}
	defer f.Close()
	if _, err := io.Copy(f, resp.Body); err != nil {
		return errs.Wrap(errs.Environment, "download "+url, err)
	}
	return nil
}

func extractZip(archive, dest string) error {
	r, err := zip.OpenReader(archive)
	if err != nil {
		return err
	}
	defer r.Close()
	for _, f := range r.File {
		target := filepath.Join(dest, filepath.FromSlash(f.Name))
		if !strings.HasPrefix(target, filepath.Clean(dest)+string(os.PathSeparator)) {
			return fmt.Errorf("archive entry escapes destination: %s", f.Name)
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		rc, err := f.Open()
		if err != nil {
			return err
		}
		w, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, f.Mode())
		if err != nil {
			rc.Close()
			return err
		}
		_, err = io.Copy(w, rc)
		rc.Close()
		w.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

// installPack copies the pack into custom_nodes and installs its Python
// dependencies.
func (in *Installer) installPack(ctx context.Context, nodeDir, python string, paths engine.Paths) error {
	name := filepath.Base(nodeDir)
	dest := filepath.Join(paths.ComfyUI, "custom_nodes", name)
	if err := copyPack(nodeDir, dest); err != nil {
		return errs.Wrap(errs.Environment, "install pack", err)
	}
	if _, err := os.Stat(filepath.Join(dest, "requirements.txt")); err == nil {
		if _, err := in.runner.run(ctx, dest, python, "-m", "pip", "install", "-r", "requirements.txt"); err != nil {
			return err
		}
	}
	// Manager convention: packs may ship a post-install hook.
	if _, err := os.Stat(filepath.Join(dest, "install.py")); err == nil {
		if _, err := in.runner.run(ctx, dest, python, "install.py"); err != nil {
			return err
		}
	}
	return nil
}

var skipCopyDirs = map[string]bool{
	".git": true, "__pycache__": true, ".venv": true, "venv": true, "node_modules": true,
}

func copyPack(src, dest string) error {
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
			if skipCopyDirs[d.Name()] && path != src {
				return filepath.SkipDir
			}
			return os.MkdirAll(target, 0o755)
		}
		b, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		return os.WriteFile(target, b, info.Mode().Perm())
	})
}
