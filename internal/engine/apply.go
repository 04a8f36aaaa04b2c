package engine

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/lprior-repo/manifest/internal/model"
)

// preimage is the state of one path before the apply touched it.
type preimage struct {
	existed bool
	content []byte
	mode    fs.FileMode
}

// applyChanges mutates the real project tree all-or-nothing. Pre-images are
// captured in memory before anything is written; a failure part-way rolls
// every already-applied file back. Writes go through a temp file and rename
// so a single file is never half-written.
func applyChanges(projectDir string, changes []model.FileChange) error {
	pre := make(map[string]preimage, len(changes))
	for _, ch := range changes {
		target, err := resolveInProject(projectDir, ch.Path)
		if err != nil {
			return err
		}
		if _, seen := pre[ch.Path]; seen {
			continue
		}
		img := preimage{mode: 0o644}
		if b, err := os.ReadFile(target); err == nil {
			img.existed = true
			img.content = b
			if info, err := os.Stat(target); err == nil {
				img.mode = info.Mode().Perm()
			}
		} else if !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("capture pre-image of %s: %w", ch.Path, err)
		}
		pre[ch.Path] = img
	}

	applied := make([]string, 0, len(changes))
	rollback := func() {
		for i := len(applied) - 1; i >= 0; i-- {
			path := applied[i]
			target, _ := resolveInProject(projectDir, path)
			img := pre[path]
			if img.existed {
				_ = os.WriteFile(target, img.content, img.mode)
			} else {
				_ = os.Remove(target)
			}
		}
	}

	for _, ch := range changes {
		target, _ := resolveInProject(projectDir, ch.Path)
		var err error
		switch ch.Action {
		case model.ActionDelete:
			err = os.Remove(target)
			if errors.Is(err, fs.ErrNotExist) {
				err = nil
			}
		case model.ActionCreate, model.ActionModify:
			err = writeAtomic(target, []byte(ch.Content))
		default:
			err = fmt.Errorf("unknown action %q", ch.Action)
		}
		if err != nil {
			rollback()
			return fmt.Errorf("apply %s to %s: %w", ch.Action, ch.Path, err)
		}
		applied = append(applied, ch.Path)
	}
	return nil
}

func writeAtomic(target string, content []byte) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	tmp := target + ".manifest-tmp"
	if err := os.WriteFile(tmp, content, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, target); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

func resolveInProject(projectDir, relPath string) (string, error) {
	clean := filepath.Clean(relPath)
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes project", relPath)
	}
	return filepath.Join(projectDir, clean), nil
}
