package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/joseph-ayodele/sanskrit-ocr/constants"
	"github.com/joseph-ayodele/sanskrit-ocr/internal/common"
	"github.com/joseph-ayodele/sanskrit-ocr/internal/entity"
)

// Store drivers selected by JOB_STORE.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

type Config struct {
	Driver           string
	DSN              string
	MaxConns         int32
	MinConns         int32
	MaxConnLifetime  time.Duration
	MaxConnIdleTime  time.Duration
	DialTimeout      time.Duration
	StatementTimeout time.Duration
}

// ListFilter narrows List. A zero filter returns the most recent jobs.
type ListFilter struct {
	Statuses []constants.JobStatus
	Limit    int
}

// JobRepository persists job records and their latest progress snapshot.
// Every method returns copies; callers may mutate what they get back.
type JobRepository interface {
	Create(ctx context.Context, job *entity.Job) error
	Update(ctx context.Context, job *entity.Job) error
	Get(ctx context.Context, id string) (*entity.Job, error)
	List(ctx context.Context, filter ListFilter) ([]*entity.Job, error)
	SaveProgress(ctx context.Context, p entity.Progress) error
	GetProgress(ctx context.Context, jobID string) (*entity.Progress, error)
	HealthCheck(ctx context.Context) error
	Close() error
}

// Open builds the store named by cfg.Driver.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (JobRepository, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch cfg.Driver {
	case "", DriverMemory:
		logger.Info("using in-memory job store")
		return NewMemoryRepository(), nil
	case DriverSQLite:
		return OpenSQLite(ctx, cfg, logger)
	case DriverPostgres:
		return OpenPostgres(ctx, cfg, logger)
	}
	return nil, common.NewAppError("CONFIG_ERROR", fmt.Sprintf("unknown job store %q", cfg.Driver), nil)
}

// FailInterrupted marks jobs a previous process left PENDING or RUNNING as
// FAILED. Their workspaces are gone, so they can never finish.
func FailInterrupted(ctx context.Context, repo JobRepository, logger *slog.Logger) (int, error) {
	jobs, err := repo.List(ctx, ListFilter{Statuses: []constants.JobStatus{constants.JobStatusPending, constants.JobStatusRunning}})
	if err != nil {
		return 0, err
	}
	now := time.Now().UTC()
	for _, job := range jobs {
		job.Status = constants.JobStatusFailed
		job.Error = &entity.JobError{Kind: string(common.KindInternal), Message: "interrupted by server restart"}
		job.CompletedAt = &now
		if err := repo.Update(ctx, job); err != nil {
			return 0, err
		}
		logger.Warn("marked interrupted job failed", "job_id", job.ID)
	}
	return len(jobs), nil
}

func notFound(id string) error {
	return common.WrapError(common.ErrNotFound, fmt.Sprintf("job %s", id))
}

func encodePages(pages []entity.Page) ([]byte, error) {
	if pages == nil {
		pages = []entity.Page{}
	}
	return json.Marshal(pages)
}

func decodePages(b []byte) ([]entity.Page, error) {
	pages := []entity.Page{}
	if len(b) == 0 {
		return pages, nil
	}
	if err := json.Unmarshal(b, &pages); err != nil {
		return nil, fmt.Errorf("decode pages: %w", err)
	}
	return pages, nil
}

func matchesStatus(s constants.JobStatus, statuses []constants.JobStatus) bool {
	if len(statuses) == 0 {
		return true
	}
	for _, want := range statuses {
		if s == want {
			return true
		}
	}
	return false
}
