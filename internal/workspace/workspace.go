// Package workspace provides root-jailed filesystem access to the local
// content directory. All reads and writes from the reconciler and the
// pipelines go through this type.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"golang.org/x/text/unicode/norm"
)

// Workspace provides thread-safe filesystem operations under a root
// directory. Writes are serialized by an exclusive lock; reads take a
// shared lock to avoid observing partial writes.
type Workspace struct {
	root string
	mu   sync.RWMutex
}

// New creates a Workspace rooted at the given directory. The directory
// must be an absolute path (resolved at config load time).
func New(root string) *Workspace {
	return &Workspace{root: root}
}

// Root returns the root directory of the workspace.
func (w *Workspace) Root() string {
	return w.root
}

// Read reads a file by relative path.
func (w *Workspace) Read(relPath string) ([]byte, error) {
	absPath, err := w.resolve(relPath)
	if err != nil {
		return nil, err
	}

	w.mu.RLock()
	defer w.mu.RUnlock()

	return os.ReadFile(absPath)
}

// Write writes content to a file by relative path, creating parent
// directories as needed.
func (w *Workspace) Write(relPath string, data []byte) error {
	absPath, err := w.resolve(relPath)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(absPath), 0755); err != nil {
		return fmt.Errorf("creating directory for %s: %w", relPath, err)
	}

	return os.WriteFile(absPath, data, 0644)
}

// Delete removes a file by relative path. Returns nil if the file does
// not exist.
func (w *Workspace) Delete(relPath string) error {
	absPath, err := w.resolve(relPath)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	err = os.Remove(absPath)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing %s: %w", relPath, err)
	}
	return nil
}

// Stat returns file info for a relative path.
func (w *Workspace) Stat(relPath string) (os.FileInfo, error) {
	absPath, err := w.resolve(relPath)
	if err != nil {
		return nil, err
	}

	w.mu.RLock()
	defer w.mu.RUnlock()

	return os.Stat(absPath)
}

// List walks the workspace and returns relative paths whose extension
// matches one of exts (case-insensitive, leading dot included). Hidden
// directories are skipped. A missing root directory is an empty result,
// not an error: a fresh workspace simply has no content yet. Paths are
// sorted ascending so callers get deterministic ordering.
func (w *Workspace) List(exts ...string) ([]string, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	allowed := make(map[string]bool, len(exts))
	for _, e := range exts {
		allowed[strings.ToLower(e)] = true
	}

	var paths []string
	err := filepath.WalkDir(w.root, func(absPath string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) && absPath == w.root {
				return filepath.SkipAll
			}
			return err
		}

		relPath, err := filepath.Rel(w.root, absPath)
		if err != nil {
			return err
		}
		if relPath == "." {
			return nil
		}

		base := filepath.Base(absPath)
		if strings.HasPrefix(base, ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			if base == "node_modules" {
				return filepath.SkipDir
			}
			return nil
		}
		// Skip symlinks so nothing outside the root leaks in.
		if d.Type()&os.ModeSymlink != 0 {
			return nil
		}

		if len(allowed) > 0 && !allowed[strings.ToLower(filepath.Ext(base))] {
			return nil
		}

		paths = append(paths, NormalizePath(filepath.ToSlash(relPath)))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing workspace: %w", err)
	}

	sort.Strings(paths)
	return paths, nil
}

// resolve converts a relative path to an absolute path within the
// workspace, rejecting path traversal attempts.
func (w *Workspace) resolve(relPath string) (string, error) {
	if relPath == "" {
		return "", fmt.Errorf("empty path")
	}
	absPath := filepath.Join(w.root, relPath)
	if !strings.HasPrefix(absPath, w.root+string(os.PathSeparator)) {
		return "", fmt.Errorf("path traversal blocked: %q resolves outside workspace", relPath)
	}
	return absPath, nil
}

// NormalizePath replaces non-breaking spaces with regular spaces,
// collapses repeated slashes, trims leading/trailing slashes, and
// applies Unicode NFC normalization. Call this on every path entering
// the system: scanner output and watcher events.
func NormalizePath(path string) string {
	path = strings.ReplaceAll(path, " ", " ")
	path = strings.ReplaceAll(path, " ", " ")

	var b strings.Builder
	prevSlash := false
	for _, r := range path {
		if r == '/' {
			if prevSlash {
				continue
			}
			prevSlash = true
		} else {
			prevSlash = false
		}
		b.WriteRune(r)
	}
	path = strings.Trim(b.String(), "/")

	return norm.NFC.String(path)
}
