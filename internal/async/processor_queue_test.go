package async

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joseph-ayodele/sanskrit-ocr/constants"
	"github.com/joseph-ayodele/sanskrit-ocr/internal/common"
	"github.com/joseph-ayodele/sanskrit-ocr/internal/entity"
	"github.com/joseph-ayodele/sanskrit-ocr/internal/pipeline"
	"github.com/joseph-ayodele/sanskrit-ocr/internal/repository"
)

type fakeRunner struct {
	block chan struct{} // when set, RunJob waits on it or ctx
}

func (f *fakeRunner) RunJob(ctx context.Context, job *entity.Job, req pipeline.JobRequest) (*entity.Job, error) {
	out := job.Clone()
	out.Status = constants.JobStatusRunning
	if so, ok := req.Observer.(pipeline.StatusObserver); ok {
		so.OnStatus(out.Clone())
	}
	req.Observer.OnProgress(entity.Progress{JobID: job.ID, Stage: pipeline.StageOCR, Current: 0, Total: 1})

	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			out.Status = constants.JobStatusCancelled
			out.Error = &entity.JobError{Kind: string(common.KindCancelled), Message: "job cancelled"}
			return out, common.CancelledError("job cancelled", ctx.Err())
		}
	}

	text := "नमो नमः"
	out.Status = constants.JobStatusSucceeded
	out.Pages = []entity.Page{{Index: 0, Status: constants.PageStatusSucceeded, Text: &text}}
	req.Observer.OnProgress(entity.Progress{JobID: job.ID, Stage: pipeline.StageComplete, Current: 1, Total: 1, Complete: true})
	return out, nil
}

type fakeArchiver struct {
	mu   sync.Mutex
	jobs []string
}

func (a *fakeArchiver) Archive(_ context.Context, job *entity.Job) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.jobs = append(a.jobs, job.ID)
	return nil
}

func (a *fakeArchiver) archived() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.jobs...)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func submit(t *testing.T, q *ProcessorQueue, repo repository.JobRepository, id, source string, remove bool) {
	t.Helper()
	job := &entity.Job{ID: id, SourceName: "page.png", SourcePath: source, Status: constants.JobStatusPending, CreatedAt: time.Now()}
	require.NoError(t, repo.Create(context.Background(), job))
	require.NoError(t, q.Enqueue(context.Background(), Job{Record: job, RemoveSource: remove}))
}

func TestQueueRunsAndStoresJobs(t *testing.T) {
	repo := repository.NewMemoryRepository()
	archiver := &fakeArchiver{}
	q := NewProcessorQueue(&fakeRunner{}, repo, quietLogger(), WithWorkers(2), WithQueueSize(4), WithArchiver(archiver))

	src := filepath.Join(t.TempDir(), "page.png")
	require.NoError(t, os.WriteFile(src, []byte("png"), 0o600))
	submit(t, q, repo, "job-1", src, true)
	submit(t, q, repo, "job-2", src+".keep", false)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	q.Shutdown(ctx)

	for _, id := range []string{"job-1", "job-2"} {
		job, err := repo.Get(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, constants.JobStatusSucceeded, job.Status)
		require.Len(t, job.Pages, 1)

		p, err := repo.GetProgress(context.Background(), id)
		require.NoError(t, err)
		assert.True(t, p.Complete)
	}
	assert.ElementsMatch(t, []string{"job-1", "job-2"}, archiver.archived())
	assert.NoFileExists(t, src)
}

func TestQueueRecordsRunningStatus(t *testing.T) {
	repo := repository.NewMemoryRepository()
	block := make(chan struct{})
	q := NewProcessorQueue(&fakeRunner{block: block}, repo, quietLogger(), WithWorkers(1))

	submit(t, q, repo, "job-1", "/nonexistent", false)
	require.Eventually(t, func() bool {
		job, err := repo.Get(context.Background(), "job-1")
		return err == nil && job.Status == constants.JobStatusRunning
	}, 2*time.Second, 10*time.Millisecond)

	close(block)
	q.Shutdown(context.Background())
	job, err := repo.Get(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, constants.JobStatusSucceeded, job.Status)
}

func TestEnqueueAfterShutdownFails(t *testing.T) {
	repo := repository.NewMemoryRepository()
	q := NewProcessorQueue(&fakeRunner{}, repo, quietLogger())
	q.Shutdown(context.Background())
	q.Shutdown(context.Background())

	err := q.Enqueue(context.Background(), Job{Record: &entity.Job{ID: "late"}})
	require.Error(t, err)
	assert.Equal(t, common.KindResource, common.KindOf(err))
}

func TestShutdownTimeoutCancelsRunningJobs(t *testing.T) {
	repo := repository.NewMemoryRepository()
	q := NewProcessorQueue(&fakeRunner{block: make(chan struct{})}, repo, quietLogger(), WithWorkers(1))
	submit(t, q, repo, "job-1", "/nonexistent", false)

	require.Eventually(t, func() bool {
		job, _ := repo.Get(context.Background(), "job-1")
		return job != nil && job.Status == constants.JobStatusRunning
	}, 2*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	q.Shutdown(ctx)

	job, err := repo.Get(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, constants.JobStatusCancelled, job.Status)
}

func TestEnqueueBackpressureHonoursContext(t *testing.T) {
	repo := repository.NewMemoryRepository()
	block := make(chan struct{})
	q := NewProcessorQueue(&fakeRunner{block: block}, repo, quietLogger(), WithWorkers(1), WithQueueSize(1))
	defer func() {
		close(block)
		q.Shutdown(context.Background())
	}()

	submit(t, q, repo, "job-1", "/a", false) // taken by the worker
	require.Eventually(t, func() bool {
		job, _ := repo.Get(context.Background(), "job-1")
		return job != nil && job.Status == constants.JobStatusRunning
	}, 2*time.Second, 10*time.Millisecond)
	submit(t, q, repo, "job-2", "/b", false) // fills the buffer

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := q.Enqueue(ctx, Job{Record: &entity.Job{ID: "job-3"}})
	require.Error(t, err)
	assert.Equal(t, common.KindResource, common.KindOf(err))
}

func TestBlockedEnqueueDoesNotStallOtherSenders(t *testing.T) {
	repo := repository.NewMemoryRepository()
	block := make(chan struct{})
	q := NewProcessorQueue(&fakeRunner{block: block}, repo, quietLogger(), WithWorkers(1), WithQueueSize(1))
	defer func() {
		close(block)
		q.Shutdown(context.Background())
	}()

	submit(t, q, repo, "job-1", "/a", false)
	require.Eventually(t, func() bool {
		job, _ := repo.Get(context.Background(), "job-1")
		return job != nil && job.Status == constants.JobStatusRunning
	}, 2*time.Second, 10*time.Millisecond)
	submit(t, q, repo, "job-2", "/b", false)

	slowCtx, slowCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer slowCancel()
	slowDone := make(chan error, 1)
	go func() { slowDone <- q.Enqueue(slowCtx, Job{Record: &entity.Job{ID: "job-3"}}) }()
	time.Sleep(20 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	start := time.Now()
	err := q.Enqueue(ctx, Job{Record: &entity.Job{ID: "job-4"}})
	require.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)

	slowCancel()
	require.Error(t, <-slowDone)
}

func TestShutdownWakesBlockedEnqueue(t *testing.T) {
	repo := repository.NewMemoryRepository()
	q := NewProcessorQueue(&fakeRunner{block: make(chan struct{})}, repo, quietLogger(), WithWorkers(1), WithQueueSize(1))

	submit(t, q, repo, "job-1", "/a", false)
	require.Eventually(t, func() bool {
		job, _ := repo.Get(context.Background(), "job-1")
		return job != nil && job.Status == constants.JobStatusRunning
	}, 2*time.Second, 10*time.Millisecond)
	submit(t, q, repo, "job-2", "/b", false)

	blocked := make(chan error, 1)
	go func() { blocked <- q.Enqueue(context.Background(), Job{Record: &entity.Job{ID: "job-3"}}) }()
	time.Sleep(20 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	shutdownDone := make(chan struct{})
	go func() { defer close(shutdownDone); q.Shutdown(ctx) }()

	select {
	case err := <-blocked:
		require.Error(t, err)
		assert.Equal(t, common.KindResource, common.KindOf(err))
	case <-time.After(2 * time.Second):
		t.Fatal("enqueue still blocked after shutdown started")
	}
	select {
	case <-shutdownDone:
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown did not return")
	}
}
