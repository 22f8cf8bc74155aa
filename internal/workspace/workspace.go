// Package workspace owns the per-job temporary directory tree.
package workspace

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/joseph-ayodele/sanskrit-ocr/internal/common"
)

// removeAll is swapped in tests to simulate a tree that cannot be deleted.
var removeAll = os.RemoveAll

// Workspace is an isolated directory for one job. It is reference counted:
// the directory is removed when the last holder releases it, exactly once.
type Workspace struct {
	JobID string
	Root  string

	mu      sync.Mutex
	refs    int
	files   map[string]struct{}
	removed bool
	once    sync.Once
	err     error

	onRemove func(*Workspace)
	logger   *slog.Logger
}

// Retain registers another holder. Retaining a removed workspace fails.
func (w *Workspace) Retain() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.removed || w.refs == 0 {
		return common.ResourceError(fmt.Sprintf("workspace %s already released", w.Root), nil)
	}
	w.refs++
	return nil
}

// Release drops one holder; the last release deletes the tree. Releases past
// zero are no-ops and return the result of the original removal.
func (w *Workspace) Release() error {
	w.mu.Lock()
	if w.refs == 0 {
		w.mu.Unlock()
		return w.removalErr()
	}
	w.refs--
	last := w.refs == 0
	w.mu.Unlock()

	if !last {
		return nil
	}
	w.once.Do(w.remove)
	return w.removalErr()
}

func (w *Workspace) remove() {
	err := removeAll(w.Root)

	w.mu.Lock()
	w.removed = true
	if err != nil {
		w.err = common.ResourceError(fmt.Sprintf("remove workspace %s", w.Root), err)
	}
	tracked := len(w.files)
	w.mu.Unlock()

	if err != nil {
		w.logger.Error("workspace cleanup failed", "job_id", w.JobID, "root", w.Root, "error", err)
	} else {
		w.logger.Debug("workspace removed", "job_id", w.JobID, "root", w.Root, "tracked_files", tracked)
	}
	if w.onRemove != nil {
		w.onRemove(w)
	}
}

func (w *Workspace) removalErr() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

// Refs returns the current number of holders.
func (w *Workspace) Refs() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.refs
}

// Removed reports whether the directory tree has been deleted.
func (w *Workspace) Removed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.removed
}

// Dir creates (if needed) and returns a subdirectory of the workspace.
func (w *Workspace) Dir(name string) (string, error) {
	dir := filepath.Join(w.Root, name)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", common.ResourceError(fmt.Sprintf("create %s", dir), err)
	}
	return dir, nil
}

// PageDir is the private subdirectory of page index i. Only the worker that
// owns page i writes there.
func (w *Workspace) PageDir(i int) (string, error) {
	return w.Dir(fmt.Sprintf("page-%04d", i))
}

// Track records an artifact written into the workspace.
func (w *Workspace) Track(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.files[path] = struct{}{}
}

// Files lists tracked artifacts in lexical order.
func (w *Workspace) Files() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, 0, len(w.files))
	for f := range w.files {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}
