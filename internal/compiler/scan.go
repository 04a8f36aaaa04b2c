package compiler

import (
	"io/fs"
	"path/filepath"
	"sort"
	"strings"

	"github.com/lprior-repo/manifest/internal/model"
)

const (
	defaultMaxScanFileBytes = 1 << 20
	defaultMaxScanFiles     = 500
)

// Directories that carry no signal for analysis.
var scanSkipDirs = map[string]bool{
	".git":         true,
	".hg":          true,
	".svn":         true,
	"node_modules": true,
	"vendor":       true,
	"dist":         true,
	"build":        true,
	"__pycache__":  true,
}

// Extensions treated as binary or generated artifacts.
var scanSkipExts = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".ico": true,
	".pdf": true, ".zip": true, ".gz": true, ".tar": true,
	".so": true, ".a": true, ".o": true, ".exe": true, ".dll": true,
	".wasm": true, ".db": true, ".sqlite": true,
	".lock": true, ".sum": true,
	".min.js": true, ".min.css": true,
}

// scanTree enumerates project files worth showing to the analysis call:
// text-like, human-written, reasonably sized. The list is sorted and capped
// so the prompt stays stable and bounded.
func scanTree(projectDir string, maxFileBytes int64, maxFiles int) ([]string, error) {
	if maxFileBytes <= 0 {
		maxFileBytes = defaultMaxScanFileBytes
	}
	if maxFiles <= 0 {
		maxFiles = defaultMaxScanFiles
	}
	var files []string
	err := filepath.WalkDir(projectDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == projectDir {
				return err
			}
			return nil // unreadable subpaths are skipped, not fatal
		}
		if d.IsDir() {
			if scanSkipDirs[d.Name()] && path != projectDir {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Type()&fs.ModeSymlink != 0 {
			return nil
		}
		name := d.Name()
		if strings.HasPrefix(name, ".") {
			return nil
		}
		ext := strings.ToLower(filepath.Ext(name))
		if scanSkipExts[ext] || scanSkipExts[doubleExt(name)] {
			return nil
		}
		info, err := d.Info()
		if err != nil || info.Size() > maxFileBytes {
			return nil
		}
		rel, err := filepath.Rel(projectDir, path)
		if err != nil {
			return err
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, &model.PipelineError{Kind: model.ErrCodebaseUnreadable, Phase: model.IntentCompiling,
			Message: "cannot enumerate " + projectDir, Err: err}
	}
	sort.Strings(files)
	if len(files) > maxFiles {
		files = files[:maxFiles]
	}
	return files, nil
}

// doubleExt catches compound suffixes like .min.js.
func doubleExt(name string) string {
	parts := strings.Split(name, ".")
	if len(parts) < 3 {
		return ""
	}
	return "." + strings.Join(parts[len(parts)-2:], ".")
}
