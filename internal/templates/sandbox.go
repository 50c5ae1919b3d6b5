package templates

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Sandbox confines template file lookups to one directory.
type Sandbox struct {
	root string
}

// NewSandbox roots a sandbox at dir, which must exist and be a directory.
// Symlinks in dir are resolved once so later containment checks compare
// canonical paths.
func NewSandbox(dir string) (*Sandbox, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("templates: sandbox root required")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("templates: resolve root: %w", err)
	}
	if abs, err = filepath.EvalSymlinks(abs); err != nil {
		return nil, fmt.Errorf("templates: eval root symlinks: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("templates: stat root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("templates: root %q is not a directory", abs)
	}
	return &Sandbox{root: abs}, nil
}

// Root returns the canonical sandbox directory.
func (s *Sandbox) Root() string { return s.root }

// Resolve maps name, relative to the root or absolute, onto a path inside the
// sandbox. Names that leave the sandbox, directly or through a symlink, are
// rejected.
func (s *Sandbox) Resolve(name string) (string, error) {
	if s == nil {
		return "", errors.New("templates: sandbox is nil")
	}
	candidate := filepath.Clean(name)
	if !filepath.IsAbs(candidate) {
		candidate = filepath.Join(s.root, candidate)
	}
	if !s.contains(candidate) {
		return "", fmt.Errorf("templates: path %q escapes sandbox", name)
	}
	resolved, err := filepath.EvalSymlinks(candidate)
	if err != nil {
		return "", fmt.Errorf("templates: resolve %q: %w", name, err)
	}
	if !s.contains(resolved) {
		return "", fmt.Errorf("templates: path %q escapes sandbox", name)
	}
	return resolved, nil
}

// ReadFile returns the contents of a file inside the sandbox.
func (s *Sandbox) ReadFile(name string) ([]byte, error) {
	path, err := s.Resolve(name)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("templates: read %q: %w", name, err)
	}
	return data, nil
}

func (s *Sandbox) contains(path string) bool {
	rel, err := filepath.Rel(s.root, path)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(os.PathSeparator)))
}
