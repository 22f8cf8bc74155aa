package workspace

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/joseph-ayodele/sanskrit-ocr/internal/common"
)

const dirPrefix = "ocr-job-"

// Manager creates workspaces under a base directory and keeps track of the
// ones still alive.
type Manager struct {
	base   string
	logger *slog.Logger

	mu     sync.Mutex
	active map[string]*Workspace
}

func NewManager(base string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if base == "" {
		base = os.TempDir()
	}
	return &Manager{base: base, logger: logger, active: make(map[string]*Workspace)}
}

// Base returns the directory new workspaces are created under.
func (m *Manager) Base() string { return m.base }

// Acquire creates a uniquely named directory for jobID. The returned
// workspace holds one reference owned by the caller.
func (m *Manager) Acquire(jobID string) (*Workspace, error) {
	if strings.ContainsAny(jobID, `/\`) {
		return nil, common.InputError(fmt.Sprintf("invalid job id %q", jobID), nil)
	}
	if err := os.MkdirAll(m.base, 0o755); err != nil {
		return nil, common.ResourceError(fmt.Sprintf("create workspace base %s", m.base), err)
	}
	root, err := os.MkdirTemp(m.base, dirPrefix+jobID+"-*")
	if err != nil {
		return nil, common.ResourceError("create workspace", err)
	}
	ws := &Workspace{
		JobID:    jobID,
		Root:     root,
		refs:     1,
		files:    make(map[string]struct{}),
		logger:   m.logger,
		onRemove: m.forget,
	}

	m.mu.Lock()
	m.active[root] = ws
	m.mu.Unlock()

	m.logger.Debug("workspace acquired", "job_id", jobID, "root", root)
	return ws, nil
}

func (m *Manager) forget(ws *Workspace) {
	m.mu.Lock()
	delete(m.active, ws.Root)
	m.mu.Unlock()
}

// Active returns the number of workspaces not yet removed.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// Sweep removes workspace directories older than maxAge that this manager
// does not own, e.g. leftovers from a process that was killed.
func (m *Manager) Sweep(maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(m.base)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, common.ResourceError(fmt.Sprintf("read workspace base %s", m.base), err)
	}
	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), dirPrefix) {
			continue
		}
		path := filepath.Join(m.base, e.Name())

		m.mu.Lock()
		_, owned := m.active[path]
		m.mu.Unlock()
		if owned {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.RemoveAll(path); err != nil {
			m.logger.Warn("failed to sweep stale workspace", "root", path, "error", err)
			continue
		}
		removed++
	}
	if removed > 0 {
		m.logger.Info("swept stale workspaces", "count", removed, "base", m.base)
	}
	return removed, nil
}
