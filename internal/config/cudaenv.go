package config

import (
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
)

const cudaEnvFileName = "comfy-env.toml"

// Directories never scanned for comfy-env.toml files.
var skipDirNames = map[string]bool{
	".git":          true,
	"__pycache__":   true,
	".venv":         true,
	"venv":          true,
	"node_modules":  true,
	"site-packages": true,
}

type cudaEnvFile struct {
	CUDA struct {
		Packages []string `toml:"packages"`
	} `toml:"cuda"`
}

// CUDAPackages collects the declared CUDA-only package names from every
// comfy-env.toml under nodeDir. Names are normalized ("-" becomes "_"),
// deduplicated and sorted. A missing file means an empty declaration, not
// an error; an unparseable one is skipped like the original tool does.
func CUDAPackages(nodeDir string) ([]string, error) {
	seen := map[string]bool{}

	err := filepath.WalkDir(nodeDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			name := d.Name()
			if skipDirNames[name] || strings.HasPrefix(name, ".") && path != nodeDir || strings.HasPrefix(name, "_env_") {
				return fs.SkipDir
			}
			return nil
		}
		if d.Name() != cudaEnvFileName {
			return nil
		}
		b, readErr := os.ReadFile(path)
		if readErr != nil {
			return nil
		}
		var env cudaEnvFile
		if tomlErr := toml.Unmarshal(b, &env); tomlErr != nil {
			return nil
		}
		for _, pkg := range env.CUDA.Packages {
			seen[NormalizePackage(pkg)] = true
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := make([]string, 0, len(seen))
	for pkg := range seen {
		out = append(out, pkg)
	}
	sort.Strings(out)
	return out, nil
}

// NormalizePackage maps a distribution name to its import spelling
// (flash-attn -> flash_attn). Matching is exact after normalization; no
// fuzzy matching.
func NormalizePackage(name string) string {
	return strings.ReplaceAll(strings.TrimSpace(name), "-", "_")
}
