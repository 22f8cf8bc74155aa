// Package app wires configuration into the pipeline, job store, queue and servers.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/joseph-ayodele/sanskrit-ocr/internal/archive"
	"github.com/joseph-ayodele/sanskrit-ocr/internal/async"
	"github.com/joseph-ayodele/sanskrit-ocr/internal/chunk"
	"github.com/joseph-ayodele/sanskrit-ocr/internal/common"
	"github.com/joseph-ayodele/sanskrit-ocr/internal/export"
	"github.com/joseph-ayodele/sanskrit-ocr/internal/ingest"
	"github.com/joseph-ayodele/sanskrit-ocr/internal/ocr"
	"github.com/joseph-ayodele/sanskrit-ocr/internal/pipeline"
	"github.com/joseph-ayodele/sanskrit-ocr/internal/repository"
	"github.com/joseph-ayodele/sanskrit-ocr/internal/server"
	"github.com/joseph-ayodele/sanskrit-ocr/internal/workspace"
)

const shutdownTimeout = 30 * time.Second

type App struct {
	cfg    *common.Config
	logger *slog.Logger

	Workspaces   *workspace.Manager
	Orchestrator *pipeline.Orchestrator
	Repo         repository.JobRepository
	Queue        *async.ProcessorQueue
	Server       *server.Server
	Health       *server.HealthServer
	Inbox        *ingest.Inbox // nil unless INBOX_DIR is set
}

// ToolsConfig maps the external tool settings.
func ToolsConfig(cfg *common.Config) ocr.Config {
	return ocr.Config{
		Pdfseparate:   cfg.OCR.Pdfseparate,
		Pdftoppm:      cfg.OCR.Pdftoppm,
		Tesseract:     cfg.OCR.Tesseract,
		Pdftk:         cfg.OCR.Pdftk,
		TesseractLang: cfg.OCR.TesseractLang,
		TessdataDir:   cfg.OCR.TessdataDir,
		DPI:           cfg.OCR.DPI,
		PSM:           cfg.OCR.PSM,
		OEM:           cfg.OCR.OEM,
		MaxPages:      cfg.OCR.MaxPages,
		SplitTimeout:  cfg.OCR.SplitTimeout,
	}
}

// NewPipeline builds the orchestrator and its workspace manager from cfg.
func NewPipeline(cfg *common.Config, logger *slog.Logger) (*pipeline.Orchestrator, *workspace.Manager) {
	tools := ocr.NewTools(ToolsConfig(cfg), nil, logger)
	workspaces := workspace.NewManager(cfg.Pipeline.WorkspaceDir, logger)
	orch := pipeline.NewOrchestrator(pipeline.Config{
		Concurrency:    cfg.Pipeline.Concurrency,
		PageTimeout:    cfg.Pipeline.PageTimeout,
		JobTimeout:     cfg.Pipeline.JobTimeout,
		MaxPageTimeout: cfg.Pipeline.MaxPageTimeout,
		MaxJobTimeout:  cfg.Pipeline.MaxJobTimeout,
		MaxUploadBytes: cfg.Server.MaxUploadBytes,
	}, tools, workspaces, logger)
	return orch, workspaces
}

// NewSplitter builds the pdftk chunker writing under WorkspaceDir/ocr-splits.
func NewSplitter(cfg *common.Config, logger *slog.Logger) *chunk.Splitter {
	tools := ocr.NewTools(ToolsConfig(cfg), nil, logger)
	return chunk.NewSplitter(tools, filepath.Join(cfg.Pipeline.WorkspaceDir, "ocr-splits"), cfg.OCR.ChunkTargetKB, logger)
}

// RepositoryConfig maps the job store settings.
func RepositoryConfig(cfg *common.Config) repository.Config {
	db := cfg.Database
	return repository.Config{
		Driver:           db.Driver,
		DSN:              db.DSN,
		MaxConns:         db.MaxConns,
		MinConns:         db.MinConns,
		MaxConnLifetime:  db.MaxConnLifetime,
		MaxConnIdleTime:  db.MaxConnIdleTime,
		DialTimeout:      db.DialTimeout,
		StatementTimeout: db.StatementTimeout,
	}
}

func NewApp(ctx context.Context, cfg *common.Config, logger *slog.Logger) (*App, error) {
	orch, workspaces := NewPipeline(cfg, logger)
	if n, err := workspaces.Sweep(cfg.Pipeline.SweepAge); err != nil {
		logger.Warn("workspace sweep failed", "err", err)
	} else if n > 0 {
		logger.Info("removed stale workspaces", "count", n)
	}
	splitter := NewSplitter(cfg, logger)
	if n, err := splitter.Sweep(cfg.Pipeline.SweepAge); err != nil {
		logger.Warn("split sweep failed", "err", err)
	} else if n > 0 {
		logger.Info("removed stale split sessions", "count", n)
	}

	repo, err := repository.Open(ctx, RepositoryConfig(cfg), logger)
	if err != nil {
		return nil, fmt.Errorf("open job store: %w", err)
	}
	if n, err := repository.FailInterrupted(ctx, repo, logger); err != nil {
		logger.Warn("could not reconcile interrupted jobs", "err", err)
	} else if n > 0 {
		logger.Info("reconciled interrupted jobs", "count", n)
	}

	queueOpts := []async.Option{
		async.WithWorkers(cfg.Queue.Workers),
		async.WithQueueSize(cfg.Queue.Size),
	}
	var archiver async.Archiver
	if cfg.Archive.Enabled() {
		s3a, err := archive.NewS3Archiver(ctx, cfg.Archive, logger)
		if err != nil {
			_ = repo.Close()
			return nil, fmt.Errorf("init archive: %w", err)
		}
		archiver = s3a
		queueOpts = append(queueOpts, async.WithArchiver(s3a))
		logger.Info("archiving terminal jobs", "bucket", cfg.Archive.Bucket, "prefix", cfg.Archive.Prefix)
	}
	queue := async.NewProcessorQueue(orch, repo, logger, queueOpts...)

	srv, err := server.NewServer(cfg.Server, server.Deps{
		Orchestrator: orch,
		Queue:        queue,
		Repo:         repo,
		Export:       export.NewService(repo, logger),
		Archiver:     archiver,
		Splitter:     splitter,
		UploadDir:    filepath.Join(cfg.Pipeline.WorkspaceDir, "ocr-uploads"),
		Logger:       logger,
	})
	if err != nil {
		queue.Shutdown(ctx)
		_ = repo.Close()
		return nil, err
	}

	a := &App{
		cfg:          cfg,
		logger:       logger,
		Workspaces:   workspaces,
		Orchestrator: orch,
		Repo:         repo,
		Queue:        queue,
		Server:       srv,
		Health:       server.NewHealthServer(cfg.Server.GRPCAddr, logger),
	}
	if cfg.Inbox.Enabled() {
		a.Inbox = ingest.NewInbox(cfg.Inbox, orch, repo, queue, logger)
	}
	return a, nil
}

// Run serves until ctx is done or a listener fails, then shuts down in order:
// health goes NOT_SERVING, HTTP and the inbox stop accepting, the queue drains.
func (a *App) Run(ctx context.Context) error {
	errc := make(chan error, 2)
	inboxCtx, stopInbox := context.WithCancel(ctx)
	defer stopInbox()
	inboxDone := make(chan struct{})
	if a.Inbox != nil {
		go func() {
			defer close(inboxDone)
			if err := a.Inbox.Run(inboxCtx); err != nil {
				a.logger.Error("inbox stopped", "err", err)
			}
		}()
	} else {
		close(inboxDone)
	}
	go func() {
		if err := a.Health.Serve(); err != nil {
			errc <- fmt.Errorf("grpc health: %w", err)
		}
	}()
	go func() {
		if err := a.Server.Start(); err != nil {
			errc <- fmt.Errorf("http: %w", err)
		}
	}()
	a.Health.SetServing(true)
	a.logger.Info("sanskrit-ocr ready",
		"http_addr", a.cfg.Server.HTTPAddr,
		"grpc_addr", a.cfg.Server.GRPCAddr,
		"concurrency", a.Orchestrator.Capacity(),
		"job_store", a.cfg.Database.Driver,
	)

	var runErr error
	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case runErr = <-errc:
		a.logger.Error("listener failed", "err", runErr)
	}

	a.Health.SetServing(false)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.Server.Shutdown(shutdownCtx); err != nil {
		runErr = errors.Join(runErr, err)
	}
	stopInbox()
	<-inboxDone
	a.Queue.Shutdown(shutdownCtx)
	a.Health.Stop()
	return runErr
}

func (a *App) Close() {
	if err := a.Repo.Close(); err != nil {
		a.logger.Error("failed to close job store", "err", err)
	}
	if n := a.Workspaces.Active(); n > 0 {
		a.logger.Warn("workspaces still active at exit", "count", n)
	}
}
