// Package testutil builds on-disk fixtures shared by package tests: world
// saves with computer directories and source trees of scripts.
package testutil

import (
	"os"
	"path/filepath"
	"testing"
)

// NewSave creates a minimal world save named "world" under a temp dir with
// one storage directory per computer ID and returns the save path.
func NewSave(t *testing.T, ids ...string) string {
	t.Helper()

	saveDir := filepath.Join(t.TempDir(), "world")
	computers := filepath.Join(saveDir, "computercraft", "computer")
	if err := os.MkdirAll(computers, 0755); err != nil {
		t.Fatalf("failed to create computers dir: %v", err)
	}
	for _, name := range []string{"level.dat", "session.lock"} {
		if err := os.WriteFile(filepath.Join(saveDir, name), nil, 0644); err != nil {
			t.Fatalf("failed to create %s: %v", name, err)
		}
	}
	for _, id := range ids {
		if err := os.MkdirAll(filepath.Join(computers, id), 0755); err != nil {
			t.Fatalf("failed to create computer %s: %v", id, err)
		}
	}
	return saveDir
}

// ComputerDir returns the storage directory of computer id in saveDir.
func ComputerDir(saveDir, id string) string {
	return filepath.Join(saveDir, "computercraft", "computer", id)
}

// WriteFiles creates files under root. Keys are slash-separated relative
// paths, values are file contents.
func WriteFiles(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		p := filepath.Join(root, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
			t.Fatalf("failed to create parent of %s: %v", rel, err)
		}
		if err := os.WriteFile(p, []byte(content), 0644); err != nil {
			t.Fatalf("failed to write %s: %v", rel, err)
		}
	}
}

// NewSourceTree creates a temp source root populated with files.
func NewSourceTree(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	WriteFiles(t, root, files)
	return root
}
