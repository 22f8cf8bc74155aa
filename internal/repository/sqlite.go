package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/joseph-ayodele/sanskrit-ocr/constants"
	"github.com/joseph-ayodele/sanskrit-ocr/internal/entity"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS ocr_jobs (
	id            TEXT PRIMARY KEY,
	source_name   TEXT NOT NULL,
	format        TEXT NOT NULL DEFAULT '',
	status        TEXT NOT NULL,
	error_kind    TEXT,
	error_message TEXT,
	pages         TEXT NOT NULL DEFAULT '[]',
	created_at    TEXT NOT NULL,
	started_at    TEXT,
	completed_at  TEXT
);
CREATE INDEX IF NOT EXISTS ocr_jobs_status_idx ON ocr_jobs (status);
CREATE TABLE IF NOT EXISTS ocr_job_progress (
	job_id     TEXT PRIMARY KEY,
	stage      TEXT NOT NULL,
	current    INTEGER NOT NULL,
	total      INTEGER NOT NULL,
	message    TEXT NOT NULL,
	complete   INTEGER NOT NULL,
	updated_at TEXT NOT NULL
);`

const jobColumns = `id, source_name, format, status, error_kind, error_message, pages, created_at, started_at, completed_at`

// SQLiteRepository stores jobs in a single SQLite file through database/sql.
type SQLiteRepository struct {
	db  *sql.DB
	log *slog.Logger
}

// OpenSQLite opens cfg.DSN (a file path or ":memory:") and creates the schema.
func OpenSQLite(ctx context.Context, cfg Config, logger *slog.Logger) (*SQLiteRepository, error) {
	dsn := cfg.DSN
	if dsn == "" {
		dsn = "ocr-jobs.db"
	}
	logger.Info("opening sqlite job store", "dsn", dsn)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// one writer; also keeps ":memory:" on a single connection
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, `PRAGMA busy_timeout = 5000`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("configure sqlite: %w", err)
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate sqlite: %w", err)
	}
	return &SQLiteRepository{db: db, log: logger}, nil
}

func (r *SQLiteRepository) Create(ctx context.Context, job *entity.Job) error {
	pages, err := encodePages(job.Pages)
	if err != nil {
		return err
	}
	kind, msg := jobErrorColumns(job.Error)
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO ocr_jobs (`+jobColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.SourceName, job.Format, string(job.Status), kind, msg, string(pages),
		formatTime(&job.CreatedAt), formatTime(job.StartedAt), formatTime(job.CompletedAt))
	if err != nil {
		r.log.Error("ocr_job create failed", "job_id", job.ID, "err", err)
		return fmt.Errorf("create job %s: %w", job.ID, err)
	}
	return nil
}

func (r *SQLiteRepository) Update(ctx context.Context, job *entity.Job) error {
	pages, err := encodePages(job.Pages)
	if err != nil {
		return err
	}
	kind, msg := jobErrorColumns(job.Error)
	res, err := r.db.ExecContext(ctx,
		`UPDATE ocr_jobs SET format = ?, status = ?, error_kind = ?, error_message = ?, pages = ?,
			started_at = ?, completed_at = ? WHERE id = ?`,
		job.Format, string(job.Status), kind, msg, string(pages),
		formatTime(job.StartedAt), formatTime(job.CompletedAt), job.ID)
	if err != nil {
		r.log.Error("ocr_job update failed", "job_id", job.ID, "err", err)
		return fmt.Errorf("update job %s: %w", job.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound(job.ID)
	}
	return nil
}

func (r *SQLiteRepository) Get(ctx context.Context, id string) (*entity.Job, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM ocr_jobs WHERE id = ?`, id)
	job, err := scanSQLiteJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(id)
	}
	return job, err
}

func (r *SQLiteRepository) List(ctx context.Context, filter ListFilter) ([]*entity.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM ocr_jobs`
	var args []any
	if len(filter.Statuses) > 0 {
		marks := make([]string, len(filter.Statuses))
		for i, s := range filter.Statuses {
			marks[i] = "?"
			args = append(args, string(s))
		}
		query += ` WHERE status IN (` + strings.Join(marks, ", ") + `)`
	}
	query += ` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var out []*entity.Job
	for rows.Next() {
		job, err := scanSQLiteJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

func (r *SQLiteRepository) SaveProgress(ctx context.Context, p entity.Progress) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO ocr_job_progress (job_id, stage, current, total, message, complete, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (job_id) DO UPDATE SET stage = excluded.stage, current = excluded.current,
			total = excluded.total, message = excluded.message, complete = excluded.complete,
			updated_at = excluded.updated_at`,
		p.JobID, p.Stage, p.Current, p.Total, p.Message, p.Complete, formatTime(&p.UpdatedAt))
	if err != nil {
		return fmt.Errorf("save progress %s: %w", p.JobID, err)
	}
	return nil
}

func (r *SQLiteRepository) GetProgress(ctx context.Context, jobID string) (*entity.Progress, error) {
	var (
		p       entity.Progress
		updated string
	)
	err := r.db.QueryRowContext(ctx,
		`SELECT job_id, stage, current, total, message, complete, updated_at FROM ocr_job_progress WHERE job_id = ?`, jobID).
		Scan(&p.JobID, &p.Stage, &p.Current, &p.Total, &p.Message, &p.Complete, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("get progress %s: %w", jobID, err)
	}
	if t := parseTime(sql.NullString{String: updated, Valid: true}); t != nil {
		p.UpdatedAt = *t
	}
	return &p, nil
}

func (r *SQLiteRepository) HealthCheck(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func (r *SQLiteRepository) Close() error {
	r.log.Info("closing sqlite job store")
	return r.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteJob(row rowScanner) (*entity.Job, error) {
	var (
		job                entity.Job
		status             string
		kind, msg          sql.NullString
		pages              string
		created            string
		started, completed sql.NullString
	)
	if err := row.Scan(&job.ID, &job.SourceName, &job.Format, &status, &kind, &msg, &pages,
		&created, &started, &completed); err != nil {
		return nil, err
	}
	job.Status = constants.JobStatus(status)
	if kind.Valid {
		job.Error = &entity.JobError{Kind: kind.String, Message: msg.String}
	}
	decoded, err := decodePages([]byte(pages))
	if err != nil {
		return nil, err
	}
	job.Pages = decoded
	if t := parseTime(sql.NullString{String: created, Valid: true}); t != nil {
		job.CreatedAt = *t
	}
	job.StartedAt = parseTime(started)
	job.CompletedAt = parseTime(completed)
	return &job, nil
}

func jobErrorColumns(e *entity.JobError) (sql.NullString, sql.NullString) {
	if e == nil {
		return sql.NullString{}, sql.NullString{}
	}
	return sql.NullString{String: e.Kind, Valid: true}, sql.NullString{String: e.Message, Valid: true}
}

// Times are stored as RFC 3339 text so ordering by column is chronological.
func formatTime(t *time.Time) sql.NullString {
	if t == nil || t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format("2006-01-02T15:04:05.000000000Z07:00"), Valid: true}
}

func parseTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return nil
	}
	return &t
}
