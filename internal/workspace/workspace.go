// Package workspace provisions throwaway copies of a project tree for
// isolated verification. Every workspace is acquired against a shared disk
// budget, lives under a recognizable ws- prefix, and is torn down when its
// scope exits — including on panic. Directories left behind by a crashed
// process are swept at startup.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/lprior-repo/manifest/internal/model"
)

const dirPrefix = "ws-"

// Directories never copied into a workspace.
var skipDirs = map[string]bool{
	".git":         true,
	"node_modules": true,
	".hg":          true,
	".svn":         true,
}

// Options tune the manager. Zero values get defaults.
type Options struct {
	DiskCapBytes   int64
	MaxFileBytes   int64
	AcquireTimeout time.Duration
	Cleanup        bool
}

// Manager owns the workspace root and the disk budget.
type Manager struct {
	root   string
	sem    *semaphore.Weighted
	opts   Options
	logger *zap.Logger
}

func NewManager(root string, opts Options, logger *zap.Logger) (*Manager, error) {
	if opts.DiskCapBytes <= 0 {
		opts.DiskCapBytes = 2 << 30
	}
	if opts.MaxFileBytes <= 0 {
		opts.MaxFileBytes = 8 << 20
	}
	if opts.AcquireTimeout <= 0 {
		opts.AcquireTimeout = 2 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, &model.PipelineError{Kind: model.ErrWorkspaceCreationFailed,
			Message: "create workspace root", Err: err}
	}
	return &Manager{
		root:   root,
		sem:    semaphore.NewWeighted(opts.DiskCapBytes),
		opts:   opts,
		logger: logger,
	}, nil
}

// Workspace is one isolated copy of the project.
type Workspace struct {
	Dir string
}

// With provisions a workspace copied from source, runs fn inside it, and
// tears it down afterwards — on success, error, or panic. The copy's
// measured size is held against the disk budget for the whole scope.
func (m *Manager) With(ctx context.Context, source string, fn func(ws *Workspace) error) error {
	size, err := m.measure(source)
	if err != nil {
		return &model.PipelineError{Kind: model.ErrCodebaseUnreadable,
			Message: fmt.Sprintf("measure %s", source), Err: err}
	}
	if size > m.opts.DiskCapBytes {
		return &model.PipelineError{Kind: model.ErrDiskFull,
			Message: fmt.Sprintf("project needs %d bytes, budget is %d", size, m.opts.DiskCapBytes)}
	}

	acqCtx, cancel := context.WithTimeout(ctx, m.opts.AcquireTimeout)
	defer cancel()
	if err := m.sem.Acquire(acqCtx, size); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &model.PipelineError{Kind: model.ErrDiskFull,
			Message: "timed out waiting for workspace disk budget", Err: err}
	}
	defer m.sem.Release(size)

	dir := filepath.Join(m.root, dirPrefix+model.NewID())
	if err := m.copyTree(source, dir); err != nil {
		_ = os.RemoveAll(dir)
		if isNoSpace(err) {
			return &model.PipelineError{Kind: model.ErrDiskFull, Message: "copying project", Err: err}
		}
		return &model.PipelineError{Kind: model.ErrWorkspaceCreationFailed,
			Message: fmt.Sprintf("copy %s", source), Err: err}
	}

	defer func() {
		if m.opts.Cleanup {
			if err := os.RemoveAll(dir); err != nil {
				m.logger.Warn("workspace cleanup failed", zap.String("dir", dir), zap.Error(err))
			}
		}
	}()
	return fn(&Workspace{Dir: dir})
}

// measure returns the byte size of everything that would be copied.
func (m *Manager) measure(source string) (int64, error) {
	var total int64
	err := filepath.WalkDir(source, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if skipDirs[d.Name()] && path != source {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Type()&fs.ModeSymlink != 0 {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if info.Size() > m.opts.MaxFileBytes {
			return nil
		}
		total += info.Size()
		return nil
	})
	return total, err
}

// copyTree copies real files only: symlinks are dropped rather than
// followed, so a workspace can never reach outside itself. Oversized files
// are skipped the same way measure skips them.
func (m *Manager) copyTree(source, dest string) error {
	return filepath.WalkDir(source, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(source, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dest, rel)
		if d.IsDir() {
			if skipDirs[d.Name()] && path != source {
				return filepath.SkipDir
			}
			return os.MkdirAll(target, 0o755)
		}
		if d.Type()&fs.ModeSymlink != 0 {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if info.Size() > m.opts.MaxFileBytes {
			return nil
		}
		return copyFile(path, target, info.Mode().Perm())
	})
}

func copyFile(src, dst string, perm fs.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

// Apply writes an attempt's file changes into the workspace. Paths are
// confined to the workspace directory; anything that escapes is rejected.
func (w *Workspace) Apply(changes []model.FileChange) error {
	for _, ch := range changes {
		target, err := w.resolve(ch.Path)
		if err != nil {
			return err
		}
		switch ch.Action {
		case model.ActionDelete:
			if err := os.Remove(target); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("delete %s: %w", ch.Path, err)
			}
		case model.ActionCreate, model.ActionModify:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return fmt.Errorf("create parent for %s: %w", ch.Path, err)
			}
			if err := os.WriteFile(target, []byte(ch.Content), 0o644); err != nil {
				return fmt.Errorf("write %s: %w", ch.Path, err)
			}
		default:
			return fmt.Errorf("unknown action %q for %s", ch.Action, ch.Path)
		}
	}
	return nil
}

// WriteFile places a single file inside the workspace, confined like Apply.
func (w *Workspace) WriteFile(relPath, content string) error {
	target, err := w.resolve(relPath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	return os.WriteFile(target, []byte(content), 0o644)
}

func (w *Workspace) resolve(relPath string) (string, error) {
	clean := filepath.Clean(relPath)
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes workspace", relPath)
	}
	return filepath.Join(w.Dir, clean), nil
}

// SweepOrphans removes workspace directories left behind by a previous
// process. Returns how many were removed.
func SweepOrphans(root string, logger *zap.Logger) (int, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}
	removed := 0
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), dirPrefix) {
			continue
		}
		dir := filepath.Join(root, e.Name())
		if err := os.RemoveAll(dir); err != nil {
			logger.Warn("orphan sweep failed", zap.String("dir", dir), zap.Error(err))
			continue
		}
		removed++
	}
	if removed > 0 {
		logger.Info("swept orphaned workspaces", zap.Int("count", removed))
	}
	return removed, nil
}

func isNoSpace(err error) bool {
	return errors.Is(err, syscall.ENOSPC)
}
