package repository

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/joseph-ayodele/sanskrit-ocr/constants"
	"github.com/joseph-ayodele/sanskrit-ocr/internal/entity"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS ocr_jobs (
	id            TEXT PRIMARY KEY,
	source_name   TEXT NOT NULL,
	format        TEXT NOT NULL DEFAULT '',
	status        TEXT NOT NULL,
	error_kind    TEXT,
	error_message TEXT,
	pages         JSONB NOT NULL DEFAULT '[]'::jsonb,
	created_at    TIMESTAMPTZ NOT NULL,
	started_at    TIMESTAMPTZ,
	completed_at  TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS ocr_jobs_status_idx ON ocr_jobs (status);
CREATE TABLE IF NOT EXISTS ocr_job_progress (
	job_id     TEXT PRIMARY KEY,
	stage      TEXT NOT NULL,
	current    INTEGER NOT NULL,
	total      INTEGER NOT NULL,
	message    TEXT NOT NULL,
	complete   BOOLEAN NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);`

// PostgresRepository stores jobs in Postgres through a pgx pool.
type PostgresRepository struct {
	pool *pgxpool.Pool
	log  *slog.Logger
}

// OpenPostgres creates a pgx pool, pings it and creates the schema.
func OpenPostgres(ctx context.Context, cfg Config, logger *slog.Logger) (*PostgresRepository, error) {
	logger.Info("connecting to database", "driver", DriverPostgres)
	pc, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		logger.Error("failed to parse database dsn", "error", err)
		return nil, err
	}

	if cfg.MaxConns > 0 {
		pc.MaxConns = cfg.MaxConns
	}
	pc.MinConns = cfg.MinConns
	if cfg.MaxConnLifetime > 0 {
		pc.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		pc.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	pc.ConnConfig.RuntimeParams["application_name"] = "sanskrit-ocr"
	if cfg.StatementTimeout > 0 {
		pc.ConnConfig.RuntimeParams["statement_timeout"] = fmt.Sprintf("%d", cfg.StatementTimeout.Milliseconds())
	}

	dialCtx := ctx
	if cfg.DialTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, cfg.DialTimeout)
		defer cancel()
	}
	pool, err := pgxpool.NewWithConfig(dialCtx, pc)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		return nil, err
	}
	repo := &PostgresRepository{pool: pool, log: logger}
	if err := repo.HealthCheck(dialCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := pool.Exec(dialCtx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	logger.Info("successfully connected to database")
	return repo, nil
}

func (r *PostgresRepository) Create(ctx context.Context, job *entity.Job) error {
	pages, err := encodePages(job.Pages)
	if err != nil {
		return err
	}
	kind, msg := pgJobError(job.Error)
	_, err = r.pool.Exec(ctx,
		`INSERT INTO ocr_jobs (`+jobColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		job.ID, job.SourceName, job.Format, string(job.Status), kind, msg, pages,
		job.CreatedAt, job.StartedAt, job.CompletedAt)
	if err != nil {
		r.log.Error("ocr_job create failed", "job_id", job.ID, "err", err)
		return fmt.Errorf("create job %s: %w", job.ID, err)
	}
	return nil
}

func (r *PostgresRepository) Update(ctx context.Context, job *entity.Job) error {
	pages, err := encodePages(job.Pages)
	if err != nil {
		return err
	}
	kind, msg := pgJobError(job.Error)
	tag, err := r.pool.Exec(ctx,
		`UPDATE ocr_jobs SET format = $1, status = $2, error_kind = $3, error_message = $4, pages = $5,
			started_at = $6, completed_at = $7 WHERE id = $8`,
		job.Format, string(job.Status), kind, msg, pages, job.StartedAt, job.CompletedAt, job.ID)
	if err != nil {
		r.log.Error("ocr_job update failed", "job_id", job.ID, "err", err)
		return fmt.Errorf("update job %s: %w", job.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return notFound(job.ID)
	}
	return nil
}

func (r *PostgresRepository) Get(ctx context.Context, id string) (*entity.Job, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM ocr_jobs WHERE id = $1`, id)
	job, err := scanPgJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound(id)
	}
	return job, err
}

func (r *PostgresRepository) List(ctx context.Context, filter ListFilter) ([]*entity.Job, error) {
	statuses := make([]string, len(filter.Statuses))
	for i, s := range filter.Statuses {
		statuses[i] = string(s)
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 1000
	}
	rows, err := r.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM ocr_jobs
		WHERE cardinality($1::text[]) = 0 OR status = ANY($1)
		ORDER BY created_at DESC LIMIT $2`, statuses, limit)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var out []*entity.Job
	for rows.Next() {
		job, err := scanPgJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) SaveProgress(ctx context.Context, p entity.Progress) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO ocr_job_progress (job_id, stage, current, total, message, complete, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (job_id) DO UPDATE SET stage = EXCLUDED.stage, current = EXCLUDED.current,
			total = EXCLUDED.total, message = EXCLUDED.message, complete = EXCLUDED.complete,
			updated_at = EXCLUDED.updated_at`,
		p.JobID, p.Stage, p.Current, p.Total, p.Message, p.Complete, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save progress %s: %w", p.JobID, err)
	}
	return nil
}

func (r *PostgresRepository) GetProgress(ctx context.Context, jobID string) (*entity.Progress, error) {
	var p entity.Progress
	err := r.pool.QueryRow(ctx,
		`SELECT job_id, stage, current, total, message, complete, updated_at FROM ocr_job_progress WHERE job_id = $1`, jobID).
		Scan(&p.JobID, &p.Stage, &p.Current, &p.Total, &p.Message, &p.Complete, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound(jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("get progress %s: %w", jobID, err)
	}
	return &p, nil
}

// HealthCheck pings the pool to catch DSN issues early.
func (r *PostgresRepository) HealthCheck(ctx context.Context) error {
	r.log.Debug("pinging database")
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return r.pool.Ping(ctx)
}

func (r *PostgresRepository) Close() error {
	r.log.Info("closing database connections")
	r.pool.Close()
	return nil
}

func scanPgJob(row pgx.Row) (*entity.Job, error) {
	var (
		job       entity.Job
		status    string
		kind, msg *string
		pages     []byte
	)
	if err := row.Scan(&job.ID, &job.SourceName, &job.Format, &status, &kind, &msg, &pages,
		&job.CreatedAt, &job.StartedAt, &job.CompletedAt); err != nil {
		return nil, err
	}
	job.Status = constants.JobStatus(status)
	if kind != nil {
		job.Error = &entity.JobError{Kind: *kind}
		if msg != nil {
			job.Error.Message = *msg
		}
	}
	decoded, err := decodePages(pages)
	if err != nil {
		return nil, err
	}
	job.Pages = decoded
	return &job, nil
}

func pgJobError(e *entity.JobError) (*string, *string) {
	if e == nil {
		return nil, nil
	}
	return &e.Kind, &e.Message
}
