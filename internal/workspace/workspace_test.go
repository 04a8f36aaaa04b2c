package workspace

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/lprior-repo/manifest/internal/model"
)

func seedProject(t *testing.T) string {
	t.Helper()
	src := t.TempDir()
	mustWrite(t, filepath.Join(src, "main.go"), "package main\n")
	mustWrite(t, filepath.Join(src, "pkg", "util.go"), "package pkg\n")
	mustWrite(t, filepath.Join(src, ".git", "HEAD"), "ref: refs/heads/main\n")
	return src
}

func mustWrite(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func newTestManager(t *testing.T, opts Options) *Manager {
	t.Helper()
	m, err := NewManager(filepath.Join(t.TempDir(), "workspaces"), opts, nil)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return m
}

func TestWithCopiesProjectWithoutVCS(t *testing.T) {
	src := seedProject(t)
	m := newTestManager(t, Options{Cleanup: true})

	err := m.With(context.Background(), src, func(ws *Workspace) error {
		if _, err := os.Stat(filepath.Join(ws.Dir, "pkg", "util.go")); err != nil {
			t.Fatalf("nested file not copied: %v", err)
		}
		if _, err := os.Stat(filepath.Join(ws.Dir, ".git")); !os.IsNotExist(err) {
			t.Fatalf(".git should not be copied")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("With: %v", err)
	}
}

func TestWithCleansUpOnPanic(t *testing.T) {
	src := seedProject(t)
	root := filepath.Join(t.TempDir(), "workspaces")
	m, err := NewManager(root, Options{Cleanup: true}, nil)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	func() {
		defer func() {
			if recover() == nil {
				t.Fatalf("expected panic to propagate")
			}
		}()
		_ = m.With(context.Background(), src, func(ws *Workspace) error {
			panic("stage blew up")
		})
	}()

	entries, err := os.ReadDir(root)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("workspace survived a panic: %v", entries)
	}
}

func TestWithRefusesOversizedProject(t *testing.T) {
	src := seedProject(t)
	m := newTestManager(t, Options{DiskCapBytes: 1, Cleanup: true})

	err := m.With(context.Background(), src, func(ws *Workspace) error { return nil })
	if !model.IsKind(err, model.ErrDiskFull) {
		t.Fatalf("got %v, want disk_full", err)
	}
}

func TestWithBlocksUntilBudgetFrees(t *testing.T) {
	src := seedProject(t)
	m := newTestManager(t, Options{DiskCapBytes: 40, AcquireTimeout: 100 * time.Millisecond, Cleanup: true})

	// Hold most of the budget, then expect the second acquire to time out.
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- m.With(context.Background(), src, func(ws *Workspace) error {
			<-release
			return nil
		})
	}()
	time.Sleep(50 * time.Millisecond)

	err := m.With(context.Background(), src, func(ws *Workspace) error { return nil })
	if !model.IsKind(err, model.ErrDiskFull) {
		t.Fatalf("got %v, want disk_full while budget is held", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first With: %v", err)
	}
}

func TestApplyConfinedToWorkspace(t *testing.T) {
	src := seedProject(t)
	m := newTestManager(t, Options{Cleanup: true})

	err := m.With(context.Background(), src, func(ws *Workspace) error {
		changes := []model.FileChange{
			{Path: "auth/login.go", Action: model.ActionCreate, Content: "package auth\n"},
			{Path: "main.go", Action: model.ActionModify, Content: "package main // changed\n"},
		}
		if err := ws.Apply(changes); err != nil {
			t.Fatalf("Apply: %v", err)
		}
		b, err := os.ReadFile(filepath.Join(ws.Dir, "main.go"))
		if err != nil || string(b) != "package main // changed\n" {
			t.Fatalf("modify not applied: %q %v", b, err)
		}

		if err := ws.Apply([]model.FileChange{{Path: "../escape.go", Action: model.ActionCreate, Content: "x"}}); err == nil {
			t.Fatalf("escaping path accepted")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("With: %v", err)
	}
}

func TestApplyDeleteMissingFileIsIdempotent(t *testing.T) {
	src := seedProject(t)
	m := newTestManager(t, Options{Cleanup: true})

	err := m.With(context.Background(), src, func(ws *Workspace) error {
		return ws.Apply([]model.FileChange{{Path: "never-existed.go", Action: model.ActionDelete}})
	})
	if err != nil {
		t.Fatalf("delete of missing file should succeed: %v", err)
	}
}

func TestSweepOrphans(t *testing.T) {
	root := t.TempDir()
	mustWrite(t, filepath.Join(root, "ws-stale1", "f.go"), "x")
	mustWrite(t, filepath.Join(root, "ws-stale2", "f.go"), "x")
	mustWrite(t, filepath.Join(root, "keep.txt"), "x")

	n, err := SweepOrphans(root, nil)
	if err != nil {
		t.Fatalf("SweepOrphans: %v", err)
	}
	if n != 2 {
		t.Fatalf("swept %d, want 2", n)
	}
	if _, err := os.Stat(filepath.Join(root, "keep.txt")); err != nil {
		t.Fatalf("non-workspace file removed: %v", err)
	}
}

func TestSweepOrphansMissingRoot(t *testing.T) {
	n, err := SweepOrphans(filepath.Join(t.TempDir(), "absent"), nil)
	if err != nil || n != 0 {
		t.Fatalf("got n=%d err=%v, want 0, nil", n, err)
	}
}
