package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/sanskrit-ocr/internal/async"
	"github.com/joseph-ayodele/sanskrit-ocr/internal/common"
	"github.com/joseph-ayodele/sanskrit-ocr/internal/entity"
	"github.com/joseph-ayodele/sanskrit-ocr/internal/pipeline"
	"github.com/joseph-ayodele/sanskrit-ocr/internal/repository"
)

// stagingDirName lives inside the inbox so the move is a same-filesystem rename.
const stagingDirName = ".processing"

// JobFactory is satisfied by *pipeline.Orchestrator.
type JobFactory interface {
	NewJob(req pipeline.JobRequest) *entity.Job
}

// Inbox queues every document dropped into a directory.
type Inbox struct {
	dir      string
	staging  string
	debounce time.Duration
	jobs     JobFactory
	repo     repository.JobRepository
	queue    async.Queue
	logger   *slog.Logger
}

func NewInbox(cfg common.InboxConfig, jobs JobFactory, repo repository.JobRepository, queue async.Queue, logger *slog.Logger) *Inbox {
	if logger == nil {
		logger = slog.Default()
	}
	return &Inbox{
		dir:      cfg.Dir,
		staging:  filepath.Join(cfg.Dir, stagingDirName),
		debounce: cfg.Debounce,
		jobs:     jobs,
		repo:     repo,
		queue:    queue,
		logger:   logger.With("component", "inbox", "dir", cfg.Dir),
	}
}

// Run watches the inbox until ctx is done. Files already present are queued
// first. Anything left in staging by an earlier process is removed before that.
func (in *Inbox) Run(ctx context.Context) error {
	if err := os.MkdirAll(in.staging, 0o755); err != nil {
		return common.ResourceError("cannot create inbox staging directory", err)
	}
	if n := in.sweepStaging(); n > 0 {
		in.logger.Info("removed files staged by an earlier run", "count", n)
	}
	paths, errs, err := StartWatcher(ctx, WatchConfig{
		Roots:       []string{in.dir},
		InitialScan: true,
		Debounce:    in.debounce,
	}, in.logger)
	if err != nil {
		return common.ResourceError("cannot watch inbox", err)
	}
	in.logger.Info("watching inbox")

	for {
		select {
		case <-ctx.Done():
			return nil
		case p, ok := <-paths:
			if !ok {
				return nil
			}
			if _, err := in.Ingest(ctx, p); err != nil {
				in.logger.Warn("inbox file not queued", "path", p, "err", err)
			}
		case err, ok := <-errs:
			if ok && err != nil {
				in.logger.Warn("inbox watcher error", "err", err)
			}
		}
	}
}

// sweepStaging empties the staging directory. Files there belong to jobs that
// were failed at startup, so nothing will pick them up again.
func (in *Inbox) sweepStaging() int {
	entries, err := os.ReadDir(in.staging)
	if err != nil {
		in.logger.Warn("cannot read inbox staging directory", "err", err)
		return 0
	}
	removed := 0
	for _, e := range entries {
		path := filepath.Join(in.staging, e.Name())
		if err := os.RemoveAll(path); err != nil {
			in.logger.Warn("failed to remove staged file", "path", path, "err", err)
			continue
		}
		removed++
	}
	return removed
}

// Ingest moves path out of the inbox and submits it as a job. It returns a
// nil job without error when the file is gone or still empty; a later
// event picks it up again.
func (in *Inbox) Ingest(ctx context.Context, path string) (*entity.Job, error) {
	if !AllowedExt(filepath.Ext(path)) {
		return nil, common.InputError(fmt.Sprintf("unsupported file type %q", filepath.Ext(path)), nil)
	}
	st, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, common.ResourceError("cannot stat inbox file", err)
	}
	if st.IsDir() || st.Size() == 0 {
		return nil, nil
	}

	staged := filepath.Join(in.staging, uuid.NewString()+filepath.Ext(path))
	if err := os.Rename(path, staged); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, common.ResourceError("cannot move inbox file", err)
	}

	job := in.jobs.NewJob(pipeline.JobRequest{SourcePath: staged, SourceName: filepath.Base(path)})
	if err := in.repo.Create(ctx, job); err != nil {
		_ = os.Remove(staged)
		return nil, err
	}
	if err := async.Submit(ctx, in.queue, in.repo, async.Job{Record: job, RemoveSource: true}, in.logger); err != nil {
		_ = os.Remove(staged)
		return job, err
	}
	in.logger.Info("queued inbox file", "job_id", job.ID, "source", job.SourceName, "bytes", st.Size())
	return job, nil
}
