package workspace

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joseph-ayodele/sanskrit-ocr/internal/common"
)

func TestAcquireCreatesIsolatedDirectories(t *testing.T) {
	m := NewManager(t.TempDir(), nil)

	a, err := m.Acquire("job-a")
	require.NoError(t, err)
	b, err := m.Acquire("job-a")
	require.NoError(t, err)

	assert.NotEqual(t, a.Root, b.Root)
	assert.DirExists(t, a.Root)
	assert.DirExists(t, b.Root)
	assert.Equal(t, 2, m.Active())

	require.NoError(t, a.Release())
	assert.NoDirExists(t, a.Root)
	assert.DirExists(t, b.Root, "releasing one job must not touch another")
	require.NoError(t, b.Release())
	assert.Equal(t, 0, m.Active())
}

func TestAcquireRejectsPathLikeJobID(t *testing.T) {
	m := NewManager(t.TempDir(), nil)
	_, err := m.Acquire("../escape")
	require.Error(t, err)
	assert.Equal(t, common.KindInput, common.KindOf(err))
}

func TestAcquireFailsWithResourceError(t *testing.T) {
	base := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(base, []byte("x"), 0o600))

	m := NewManager(base, nil)
	_, err := m.Acquire("job")
	require.Error(t, err)
	assert.Equal(t, common.KindResource, common.KindOf(err))
}

func TestReleaseWaitsForAllHolders(t *testing.T) {
	m := NewManager(t.TempDir(), nil)
	ws, err := m.Acquire("job")
	require.NoError(t, err)

	dir, err := ws.PageDir(3)
	require.NoError(t, err)
	artifact := filepath.Join(dir, "image.png")
	require.NoError(t, os.WriteFile(artifact, []byte("png"), 0o600))
	ws.Track(artifact)

	require.NoError(t, ws.Retain())
	require.NoError(t, ws.Retain())
	assert.Equal(t, 3, ws.Refs())

	require.NoError(t, ws.Release())
	require.NoError(t, ws.Release())
	assert.DirExists(t, ws.Root)
	assert.False(t, ws.Removed())

	require.NoError(t, ws.Release())
	assert.NoDirExists(t, ws.Root)
	assert.True(t, ws.Removed())
	assert.Equal(t, []string{artifact}, ws.Files())
}

func TestReleaseIsIdempotentUnderConcurrency(t *testing.T) {
	m := NewManager(t.TempDir(), nil)
	ws, err := m.Acquire("job")
	require.NoError(t, err)

	const holders = 32
	for i := 0; i < holders; i++ {
		require.NoError(t, ws.Retain())
	}

	var wg sync.WaitGroup
	for i := 0; i < holders*2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = ws.Release()
		}()
	}
	wg.Wait()
	require.NoError(t, ws.Release())

	assert.NoDirExists(t, ws.Root)
	assert.Equal(t, 0, ws.Refs())
	assert.Equal(t, 0, m.Active())
}

func TestReleaseReportsRemovalFailure(t *testing.T) {
	orig := removeAll
	removeAll = func(string) error { return errors.New("device or resource busy") }
	t.Cleanup(func() { removeAll = orig })

	m := NewManager(t.TempDir(), nil)
	ws, err := m.Acquire("job")
	require.NoError(t, err)
	require.NoError(t, ws.Retain())

	require.NoError(t, ws.Release())
	err = ws.Release()
	require.Error(t, err)
	assert.Equal(t, common.KindResource, common.KindOf(err))
	assert.Contains(t, err.Error(), "device or resource busy")
	assert.True(t, ws.Removed())

	// later releases report the same failure
	assert.Equal(t, err, ws.Release())
}

func TestRetainAfterRemovalFails(t *testing.T) {
	m := NewManager(t.TempDir(), nil)
	ws, err := m.Acquire("job")
	require.NoError(t, err)
	require.NoError(t, ws.Release())

	err = ws.Retain()
	require.Error(t, err)
	assert.Equal(t, common.KindResource, common.KindOf(err))
}

func TestSweepRemovesOnlyStaleUnownedDirectories(t *testing.T) {
	base := t.TempDir()
	m := NewManager(base, nil)

	live, err := m.Acquire("live")
	require.NoError(t, err)
	defer live.Release()

	stale := filepath.Join(base, dirPrefix+"crashed-123")
	require.NoError(t, os.MkdirAll(filepath.Join(stale, "page-0000"), 0o700))
	old := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(stale, old, old))
	require.NoError(t, os.Chtimes(live.Root, old, old))

	unrelated := filepath.Join(base, "keep-me")
	require.NoError(t, os.MkdirAll(unrelated, 0o700))
	require.NoError(t, os.Chtimes(unrelated, old, old))

	n, err := m.Sweep(time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.NoDirExists(t, stale)
	assert.DirExists(t, live.Root)
	assert.DirExists(t, unrelated)
}
