package async

import (
	"context"
	"log/slog"
	"time"

	"github.com/joseph-ayodele/sanskrit-ocr/constants"
	"github.com/joseph-ayodele/sanskrit-ocr/internal/common"
	"github.com/joseph-ayodele/sanskrit-ocr/internal/entity"
	"github.com/joseph-ayodele/sanskrit-ocr/internal/pipeline"
	"github.com/joseph-ayodele/sanskrit-ocr/internal/repository"
)

// Submit records the Queued stage for an already stored PENDING job and hands
// it to q. If the queue refuses it the record is marked FAILED with the
// queue's error, so it never stays PENDING forever.
func Submit(ctx context.Context, q Queue, repo repository.JobRepository, job Job, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	rec := job.Record
	if err := repo.SaveProgress(ctx, entity.Progress{
		JobID:     rec.ID,
		Stage:     pipeline.StageQueued,
		Message:   "Waiting for a worker",
		UpdatedAt: time.Now().UTC(),
	}); err != nil {
		logger.Warn("failed to save progress", "job_id", rec.ID, "err", err)
	}

	err := q.Enqueue(ctx, job)
	if err == nil {
		return nil
	}

	failed := rec.Clone()
	now := time.Now().UTC()
	failed.Status = constants.JobStatusFailed
	failed.Error = &entity.JobError{Kind: string(common.KindOf(err)), Message: common.Message(err)}
	failed.CompletedAt = &now
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if uerr := repo.Update(saveCtx, failed); uerr != nil {
		logger.Error("failed to store rejected job", "job_id", rec.ID, "error", uerr)
	}
	return err
}
