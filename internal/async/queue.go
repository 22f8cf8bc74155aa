// Package async runs OCR jobs in the background so uploads can return
// immediately and clients poll for progress.
package async

import (
	"context"
	"time"

	"github.com/joseph-ayodele/sanskrit-ocr/internal/entity"
	"github.com/joseph-ayodele/sanskrit-ocr/internal/pipeline"
)

// Job is one queued document. The job record must already be stored as PENDING.
type Job struct {
	Record      *entity.Job
	Options     pipeline.Options
	SubmittedAt time.Time
	// RemoveSource deletes the uploaded file once the job is terminal.
	RemoveSource bool
}

type Queue interface {
	Enqueue(ctx context.Context, job Job) error
	Shutdown(ctx context.Context)
}

// JobRunner is satisfied by *pipeline.Orchestrator.
type JobRunner interface {
	RunJob(ctx context.Context, job *entity.Job, req pipeline.JobRequest) (*entity.Job, error)
}

// Archiver receives every terminal job.
type Archiver interface {
	Archive(ctx context.Context, job *entity.Job) error
}
