// Package workspace manages per-job scratch directories for staged reference
// files. A workspace lives exactly as long as its job; Cleanup runs on every
// exit path.
package workspace

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Manager allocates scratch workspaces under a single root so orphans from a
// crashed process are easy to sweep.
type Manager struct {
	root string
}

// NewManager initializes a Manager rooted at root.
func NewManager(root string) (*Manager, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, errors.New("workspace: root is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("workspace: ensure root: %w", err)
	}
	return &Manager{root: root}, nil
}

// Allocate creates a fresh scratch directory for a job.
func (m *Manager) Allocate(jobID string) (*Workspace, error) {
	prefix, err := sanitizeName(jobID)
	if err != nil {
		return nil, err
	}
	dir, err := os.MkdirTemp(m.root, prefix+"-")
	if err != nil {
		return nil, fmt.Errorf("workspace: allocate: %w", err)
	}
	return &Workspace{dir: dir}, nil
}

// Workspace is one job's scratch directory.
type Workspace struct {
	dir string
}

// Root returns the workspace directory.
func (w *Workspace) Root() string { return w.dir }

// Stage writes a named file into the workspace and returns its full path.
func (w *Workspace) Stage(name string, data []byte) (string, error) {
	clean, err := sanitizeName(name)
	if err != nil {
		return "", err
	}
	full := filepath.Join(w.dir, clean)
	if err := os.WriteFile(full, data, 0o644); err != nil {
		return "", fmt.Errorf("workspace: stage %s: %w", clean, err)
	}
	return full, nil
}

// Read returns the contents of a staged file.
func (w *Workspace) Read(name string) ([]byte, error) {
	clean, err := sanitizeName(name)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(w.dir, clean))
	if err != nil {
		return nil, fmt.Errorf("workspace: read %s: %w", clean, err)
	}
	return data, nil
}

// Cleanup removes the workspace tree. Safe to call more than once.
func (w *Workspace) Cleanup() error {
	if w == nil || w.dir == "" {
		return nil
	}
	if err := os.RemoveAll(w.dir); err != nil {
		return fmt.Errorf("workspace: cleanup: %w", err)
	}
	return nil
}

// sanitizeName keeps staged files inside the workspace: no separators, no
// traversal.
func sanitizeName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("workspace: name is required")
	}
	name = strings.ReplaceAll(name, "\\", "/")
	if strings.Contains(name, "/") || strings.Contains(name, "..") {
		return "", fmt.Errorf("workspace: invalid name %q", name)
	}
	return name, nil
}
