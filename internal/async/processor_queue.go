package async

import (
	"context"
	"os"
	"sync"
	"time"

	"log/slog"

	"github.com/joseph-ayodele/sanskrit-ocr/internal/common"
	"github.com/joseph-ayodele/sanskrit-ocr/internal/entity"
	"github.com/joseph-ayodele/sanskrit-ocr/internal/pipeline"
	"github.com/joseph-ayodele/sanskrit-ocr/internal/repository"
)

type ProcessorQueue struct {
	runner   JobRunner
	repo     repository.JobRepository
	archiver Archiver
	logger   *slog.Logger
	workers  int
	timeout  time.Duration

	ch   chan Job
	wg   sync.WaitGroup
	once sync.Once

	// base is cancelled when Shutdown gives up waiting, which cancels running jobs.
	base       context.Context
	cancelBase context.CancelFunc

	// closing wakes senders blocked on a full queue so Shutdown can take mu.
	closing     chan struct{}
	closingOnce sync.Once

	mu     sync.RWMutex
	closed bool
}

type Option func(*ProcessorQueue)

func WithWorkers(n int) Option {
	return func(q *ProcessorQueue) {
		if n > 0 {
			q.workers = n
		}
	}
}

func WithQueueSize(n int) Option {
	return func(q *ProcessorQueue) {
		if n > 0 {
			q.ch = make(chan Job, n)
		}
	}
}

// WithProcessTimeout bounds a whole job including waiting for page slots.
// The orchestrator's own job timeout still applies inside it.
func WithProcessTimeout(d time.Duration) Option {
	return func(q *ProcessorQueue) {
		if d > 0 {
			q.timeout = d
		}
	}
}

func WithArchiver(a Archiver) Option {
	return func(q *ProcessorQueue) {
		q.archiver = a
	}
}

func NewProcessorQueue(runner JobRunner, repo repository.JobRepository, logger *slog.Logger, opts ...Option) *ProcessorQueue {
	if logger == nil {
		logger = slog.Default()
	}
	base, cancel := context.WithCancel(context.Background())
	q := &ProcessorQueue{
		runner:     runner,
		repo:       repo,
		logger:     logger,
		workers:    2,
		ch:         make(chan Job, 64),
		base:       base,
		cancelBase: cancel,
		closing:    make(chan struct{}),
	}
	for _, o := range opts {
		o(q)
	}
	q.start()
	return q
}

func (q *ProcessorQueue) start() {
	q.once.Do(func() {
		for i := 0; i < q.workers; i++ {
			q.wg.Add(1)
			go func(workerID int) {
				defer q.wg.Done()
				q.logger.Info("worker started", "worker_id", workerID)

				for job := range q.ch {
					q.process(workerID, job)
				}

				q.logger.Info("worker stopped", "worker_id", workerID)
			}(i + 1)
		}
	})
}

func (q *ProcessorQueue) process(workerID int, job Job) {
	ctx, cancel := common.WithTimeout(q.base, q.timeout)
	defer cancel()
	ctx = common.WithJobID(ctx, job.Record.ID)

	if job.RemoveSource {
		defer func() {
			if err := os.Remove(job.Record.SourcePath); err != nil && !os.IsNotExist(err) {
				q.logger.Warn("failed to remove upload", "job_id", job.Record.ID, "err", err)
			}
		}()
	}

	rec := NewRecorder(q.repo, q.logger)
	result, err := q.runner.RunJob(ctx, job.Record, pipeline.JobRequest{
		ID:         job.Record.ID,
		SourcePath: job.Record.SourcePath,
		SourceName: job.Record.SourceName,
		Options:    job.Options,
		Observer:   rec,
	})

	// persist with a fresh context so a cancelled job is still recorded
	saveCtx, saveCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer saveCancel()
	if uerr := q.repo.Update(saveCtx, result); uerr != nil {
		q.logger.Error("failed to store job result", "worker_id", workerID, "job_id", result.ID, "error", uerr)
	}

	if err != nil {
		q.logger.Error("processing failed", "worker_id", workerID, "job_id", result.ID,
			"status", result.Status, "waited", time.Since(job.SubmittedAt), "error", err)
	} else {
		q.logger.Info("processed job", "worker_id", workerID, "job_id", result.ID,
			"status", result.Status, "waited", time.Since(job.SubmittedAt))
	}

	if q.archiver != nil && result.Status.IsTerminal() {
		if aerr := q.archiver.Archive(saveCtx, result); aerr != nil {
			q.logger.Error("failed to archive job", "job_id", result.ID, "error", aerr)
		}
	}
}

// Enqueue blocks while the queue is full until ctx is done or Shutdown starts.
// Senders share a read lock so a blocked one never holds up the others.
func (q *ProcessorQueue) Enqueue(ctx context.Context, job Job) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		q.logger.Warn("cannot enqueue: queue is shutting down", "job_id", job.Record.ID)
		return common.ResourceError("queue is shutting down", nil)
	}
	if job.SubmittedAt.IsZero() {
		job.SubmittedAt = time.Now()
	}
	select {
	case q.ch <- job:
		q.logger.Info("queued job for processing", "job_id", job.Record.ID)
		return nil
	default:
	}

	q.logger.Warn("queue full, applying backpressure", "job_id", job.Record.ID)
	select {
	case q.ch <- job:
		return nil
	case <-q.closing:
		return common.ResourceError("queue is shutting down", nil)
	case <-ctx.Done():
		return common.ResourceError("queue full", ctx.Err())
	}
}

// Shutdown stops intake and waits for queued jobs. If ctx expires first,
// running jobs are cancelled and Shutdown waits for them to unwind.
func (q *ProcessorQueue) Shutdown(ctx context.Context) {
	q.closingOnce.Do(func() { close(q.closing) })

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.ch)
	q.mu.Unlock()

	done := make(chan struct{})
	go func() { defer close(done); q.wg.Wait() }()

	select {
	case <-ctx.Done():
		q.logger.Warn("shutdown interrupted by context; cancelling running jobs")
		q.cancelBase()
		<-done
	case <-done:
		q.logger.Info("queue drained, shutdown complete")
	}
	q.cancelBase()
}

// Recorder persists progress and the RUNNING transition as a job advances.
// It implements pipeline.Observer and pipeline.StatusObserver.
type Recorder struct {
	repo   repository.JobRepository
	logger *slog.Logger
}

func NewRecorder(repo repository.JobRepository, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{repo: repo, logger: logger}
}

func (r *Recorder) OnProgress(p entity.Progress) {
	if err := r.repo.SaveProgress(context.Background(), p); err != nil {
		r.logger.Warn("failed to save progress", "job_id", p.JobID, "err", err)
	}
}

func (r *Recorder) OnStatus(job *entity.Job) {
	if err := r.repo.Update(context.Background(), job); err != nil {
		r.logger.Warn("failed to save job status", "job_id", job.ID, "err", err)
	}
}
