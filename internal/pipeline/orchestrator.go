// Package pipeline runs one uploaded document through split, rasterize and
// recognize, fanning pages out over a bounded worker pool and reducing the
// results into a terminal job.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"runtime"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/joseph-ayodele/sanskrit-ocr/constants"
	"github.com/joseph-ayodele/sanskrit-ocr/internal/common"
	"github.com/joseph-ayodele/sanskrit-ocr/internal/entity"
	"github.com/joseph-ayodele/sanskrit-ocr/internal/ocr"
	"github.com/joseph-ayodele/sanskrit-ocr/internal/workspace"
)

const (
	defaultPageTimeout = 2 * time.Minute
	defaultJobTimeout  = 30 * time.Minute
)

type Config struct {
	// Concurrency is the process-wide number of page slots shared by all jobs.
	Concurrency    int
	PageTimeout    time.Duration
	JobTimeout     time.Duration
	MaxPageTimeout time.Duration // 0 = no clamp
	MaxJobTimeout  time.Duration // 0 = no clamp
	MaxUploadBytes int64         // 0 = no limit
}

// Orchestrator is the only writer of Job.Status.
type Orchestrator struct {
	cfg        Config
	tools      *ocr.Tools
	workspaces *workspace.Manager
	split      *SplitStage
	raster     *RasterStage
	recognize  *RecognizeStage
	slots      *semaphore.Weighted
	logger     *slog.Logger
	now        func() time.Time
}

func NewOrchestrator(cfg Config, tools *ocr.Tools, workspaces *workspace.Manager, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = runtime.NumCPU()
	}
	if cfg.PageTimeout <= 0 {
		cfg.PageTimeout = defaultPageTimeout
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = defaultJobTimeout
	}
	return &Orchestrator{
		cfg:        cfg,
		tools:      tools,
		workspaces: workspaces,
		split:      NewSplitStage(tools, cfg.MaxUploadBytes, logger),
		raster:     NewRasterStage(tools, logger),
		recognize:  NewRecognizeStage(tools, logger),
		slots:      semaphore.NewWeighted(int64(cfg.Concurrency)),
		logger:     logger,
		now:        time.Now,
	}
}

// Capacity is the global slot count.
func (o *Orchestrator) Capacity() int { return o.cfg.Concurrency }

// NewJob creates the PENDING record for req, assigning an ID when req has none.
func (o *Orchestrator) NewJob(req JobRequest) *entity.Job {
	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}
	name := req.SourceName
	if name == "" {
		name = filepath.Base(req.SourcePath)
	}
	return &entity.Job{
		ID:         id,
		SourceName: name,
		SourcePath: req.SourcePath,
		Status:     constants.JobStatusPending,
		Pages:      []entity.Page{},
		CreatedAt:  o.now().UTC(),
	}
}

// Run creates a job for req and drives it to a terminal status.
func (o *Orchestrator) Run(ctx context.Context, req JobRequest) (*entity.Job, error) {
	job := o.NewJob(req)
	req.ID = job.ID
	return o.RunJob(ctx, job, req)
}

// RunJob drives a PENDING job to a terminal status. The returned job is always
// non-nil and owned by the caller. The error is set only when the job ended
// FAILED or CANCELLED and carries the job-scoped failure.
func (o *Orchestrator) RunJob(ctx context.Context, job *entity.Job, req JobRequest) (*entity.Job, error) {
	r := &jobRun{o: o, job: job.Clone(), observer: req.Observer}
	if err := r.transition(constants.JobStatusRunning); err != nil {
		return r.job.Clone(), err
	}
	started := o.now().UTC()
	r.job.StartedAt = &started
	r.started = started
	r.notifyStatus()

	opts := o.resolve(req.Options)
	jobCtx, cancel := context.WithTimeout(ctx, opts.jobTimeout)
	defer cancel()
	jobCtx = common.WithJobID(jobCtx, r.job.ID)

	log := o.logger.With("job_id", r.job.ID)
	log.Info("job started", "source", r.job.SourceName, "concurrency", opts.concurrency,
		"page_timeout", opts.pageTimeout, "job_timeout", opts.jobTimeout)

	r.emit(StageValidating, 0, 0, "Validating document")
	format, err := o.split.Validate(r.job.SourcePath)
	if err != nil {
		return r.finish(constants.JobStatusFailed, err)
	}
	r.job.Format = format

	ws, err := o.workspaces.Acquire(r.job.ID)
	if err != nil {
		return r.finish(constants.JobStatusFailed, err)
	}

	pages, procErr := o.processSafely(jobCtx, r, ws, format, opts)
	relErr := ws.Release()
	r.job.Pages = pages

	status := DeriveStatus(pages)
	var jobErr error
	switch {
	case jobCtx.Err() != nil && (procErr != nil || status != constants.JobStatusSucceeded):
		status = constants.JobStatusCancelled
		jobErr = interruption(jobCtx, opts)
	case procErr != nil:
		status = constants.JobStatusFailed
		jobErr = procErr
	case status == constants.JobStatusFailed:
		jobErr = allPagesFailed(len(pages), r.firstPageErr)
	}
	if relErr != nil {
		log.Error("workspace cleanup failed", "err", relErr)
		status = constants.JobStatusFailed
		jobErr = relErr
	}
	return r.finish(status, jobErr)
}

func (o *Orchestrator) processSafely(ctx context.Context, r *jobRun, ws *workspace.Workspace, format string, opts resolved) (pages []entity.Page, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			o.logger.Error("job panic", "job_id", r.job.ID, "panic", rec)
			pages = []entity.Page{}
			err = common.InternalError(fmt.Sprintf("job panic: %v", rec), nil)
		}
	}()
	return o.process(ctx, r, ws, format, opts)
}

func (o *Orchestrator) process(ctx context.Context, r *jobRun, ws *workspace.Workspace, format string, opts resolved) ([]entity.Page, error) {
	r.emit(StageSplitting, 0, 0, "Splitting document into pages")
	artifacts, err := o.split.Split(ctx, r.job.SourcePath, format, ws)
	if err != nil {
		return []entity.Page{}, err
	}

	total := len(artifacts)
	collector := NewCollector(total)
	outcomes := make(chan PageOutcome, total)
	collected := make(chan struct{})
	r.ocrStarted = o.now()
	r.emit(StageOCR, 0, total, fmt.Sprintf("Starting OCR on %d page(s)", total))

	go func() {
		defer close(collected)
		for out := range outcomes {
			if err := collector.Add(out); err != nil {
				o.logger.Error("drop page outcome", "job_id", r.job.ID, "page", out.Index, "err", err)
				continue
			}
			r.pageDone(collector.Reported(), total)
		}
		r.firstPageErr = collector.FirstError()
	}()

	g := new(errgroup.Group)
	g.SetLimit(opts.concurrency)
	for i, a := range artifacts {
		if ctx.Err() != nil {
			for _, rest := range artifacts[i:] {
				outcomes <- interruptedPage(ctx, rest.Index, ctx.Err())
			}
			break
		}
		if err := ws.Retain(); err != nil {
			outcomes <- PageOutcome{Index: a.Index, Status: constants.PageStatusFailed, Err: err}
			continue
		}
		g.Go(func() error {
			defer func() {
				if err := ws.Release(); err != nil {
					o.logger.Warn("page release failed", "job_id", r.job.ID, "page", a.Index, "err", err)
				}
			}()
			outcomes <- o.processPage(ctx, a, ws, opts)
			return nil
		})
	}
	_ = g.Wait()
	close(outcomes)
	<-collected

	return collector.Pages(), nil
}

// processPage runs both page sub-stages while holding one global slot.
func (o *Orchestrator) processPage(ctx context.Context, a PageArtifact, ws *workspace.Workspace, opts resolved) (out PageOutcome) {
	start := o.now()
	stage := constants.PageStatusPending
	log := o.logger.With("job_id", ws.JobID, "page", a.Index)
	defer func() {
		if rec := recover(); rec != nil {
			log.Error("page worker panic", "stage", stage, "panic", rec)
			out = PageOutcome{Index: a.Index, Status: constants.PageStatusFailed,
				Err: common.InternalError(fmt.Sprintf("page worker panic: %v", rec), nil)}
		}
		if !constants.CanTransitionPage(stage, out.Status) {
			out = PageOutcome{Index: a.Index, Status: constants.PageStatusFailed,
				Err: common.InternalError(fmt.Sprintf("illegal page transition %s -> %s", stage, out.Status), nil)}
		}
		out.Duration = o.now().Sub(start)
		if out.Status != constants.PageStatusSucceeded {
			log.Warn("page failed", "stage", stage, "status", out.Status, "err", out.Err)
		}
	}()

	if err := o.slots.Acquire(ctx, 1); err != nil {
		return interruptedPage(ctx, a.Index, err)
	}
	defer o.slots.Release(1)
	if err := ctx.Err(); err != nil {
		return interruptedPage(ctx, a.Index, err)
	}

	stage = constants.PageStatusRasterizing
	img, err := o.raster.Rasterize(ctx, a, ws, opts.pageTimeout)
	if err != nil {
		return pageFailure(ctx, a.Index, err)
	}

	stage = constants.PageStatusRecognizing
	text, err := o.recognize.Recognize(ctx, img, opts.language, opts.pageTimeout)
	if err != nil {
		return pageFailure(ctx, a.Index, err)
	}
	return PageOutcome{Index: a.Index, Status: constants.PageStatusSucceeded, Text: text, ImagePath: img.Path}
}

func pageFailure(ctx context.Context, index int, err error) PageOutcome {
	if ctx.Err() != nil {
		return interruptedPage(ctx, index, err)
	}
	status := constants.PageStatusFailed
	if common.KindOf(err) == common.KindTimeout {
		status = constants.PageStatusTimedOut
	}
	return PageOutcome{Index: index, Status: status, Err: err}
}

// interruptedPage reports a page that could not finish because the job ended.
func interruptedPage(ctx context.Context, index int, cause error) PageOutcome {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return PageOutcome{Index: index, Status: constants.PageStatusTimedOut,
			Err: common.TimeoutError("job deadline exceeded", cause)}
	}
	return PageOutcome{Index: index, Status: constants.PageStatusFailed,
		Err: common.CancelledError("job cancelled", cause)}
}

func interruption(ctx context.Context, opts resolved) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return common.TimeoutError(fmt.Sprintf("job exceeded %s", opts.jobTimeout), ctx.Err())
	}
	return common.CancelledError("job cancelled", ctx.Err())
}

func allPagesFailed(total int, first error) error {
	if first == nil {
		return common.InternalError(fmt.Sprintf("all %d pages failed", total), nil)
	}
	kind := common.KindOf(first)
	return common.NewAppError(string(kind), fmt.Sprintf("all %d pages failed: %s", total, common.Message(first)), first)
}

type resolved struct {
	concurrency int
	pageTimeout time.Duration
	jobTimeout  time.Duration
	language    string
}

// resolve applies per-job overrides on top of the configured defaults.
func (o *Orchestrator) resolve(opts Options) resolved {
	r := resolved{
		concurrency: o.cfg.Concurrency,
		pageTimeout: o.cfg.PageTimeout,
		jobTimeout:  o.cfg.JobTimeout,
		language:    opts.Language,
	}
	if opts.Concurrency > 0 && opts.Concurrency < r.concurrency {
		r.concurrency = opts.Concurrency
	}
	if opts.PageTimeout > 0 {
		r.pageTimeout = opts.PageTimeout
	}
	if opts.JobTimeout > 0 {
		r.jobTimeout = opts.JobTimeout
	}
	if o.cfg.MaxPageTimeout > 0 && r.pageTimeout > o.cfg.MaxPageTimeout {
		r.pageTimeout = o.cfg.MaxPageTimeout
	}
	if o.cfg.MaxJobTimeout > 0 && r.jobTimeout > o.cfg.MaxJobTimeout {
		r.jobTimeout = o.cfg.MaxJobTimeout
	}
	return r
}
