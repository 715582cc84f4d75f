package engine

import (
	"bufio"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// cp1252Extras maps the code points that Windows-1252 places in 0x80-0x9F.
// Everything below 0x80 and in U+00A0-U+00FF encodes directly.
var cp1252Extras = map[rune]bool{
	'€': true, // euro sign
	'‚': true,
	'ƒ': true,
	'„': true,
	'…': true,
	'†': true,
	'‡': true,
	'ˆ': true,
	'‰': true,
	'Š': true,
	'‹': true,
	'Œ': true,
	'Ž': true,
	'‘': true,
	'’': true,
	'“': true,
	'”': true,
	'•': true,
	'–': true,
	'—': true,
	'˜': true,
	'™': true,
	'š': true,
	'›': true,
	'œ': true,
	'ž': true,
	'Ÿ': true,
}

func cp1252Encodable(r rune) bool {
	if r < 0x80 {
		return true
	}
	if r >= 0xA0 && r <= 0xFF {
		return true
	}
	return cp1252Extras[r]
}

// skipScanDirs are never descended into while scanning sources.
var skipScanDirs = map[string]bool{
	".git": true, "__pycache__": true, ".venv": true, "venv": true,
	"node_modules": true, "site-packages": true,
}

// ScanSourceEncoding walks the Python sources under dir and reports every
// character that the Windows console code page cannot represent. Such
// characters crash node packs that print them on windows and
// windows_portable.
func ScanSourceEncoding(dir string) ([]string, error) {
	var issues []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			name := d.Name()
			if skipScanDirs[name] || (strings.HasPrefix(name, ".") && path != dir) {
				return filepath.SkipDir
			}
			return nil
		}
		if filepath.Ext(path) != ".py" {
			return nil
		}
		found, err := scanFileEncoding(dir, path)
		if err != nil {
			return err
		}
		issues = append(issues, found...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return issues, nil
}

func scanFileEncoding(root, path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	rel, err := filepath.Rel(root, path)
	if err != nil {
		rel = path
	}

	var issues []string
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		for col, r := range sc.Text() {
			if !cp1252Encodable(r) {
				issues = append(issues, fmt.Sprintf(
					"%s:%d:%d: character %q (U+%04X) is not representable in cp1252",
					filepath.ToSlash(rel), lineNo, col+1, r, r))
			}
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", rel, err)
	}
	return issues, nil
}
