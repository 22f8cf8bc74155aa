package pipeline

import (
	"fmt"
	"time"

	"github.com/joseph-ayodele/sanskrit-ocr/constants"
	"github.com/joseph-ayodele/sanskrit-ocr/internal/common"
	"github.com/joseph-ayodele/sanskrit-ocr/internal/entity"
)

// jobRun is the mutable state of one RunJob call.
type jobRun struct {
	o            *Orchestrator
	job          *entity.Job
	observer     Observer
	started      time.Time
	ocrStarted   time.Time
	firstPageErr error
}

func (r *jobRun) transition(to constants.JobStatus) error {
	if !constants.CanTransitionJob(r.job.Status, to) {
		return common.InternalError(fmt.Sprintf("illegal job transition %s -> %s", r.job.Status, to), nil)
	}
	r.job.Status = to
	return nil
}

func (r *jobRun) emit(stage string, current, total int, message string) {
	if r.observer == nil {
		return
	}
	r.observer.OnProgress(entity.Progress{
		JobID:     r.job.ID,
		Stage:     stage,
		Current:   current,
		Total:     total,
		Message:   message,
		Complete:  stage == StageComplete,
		UpdatedAt: r.o.now().UTC(),
	})
}

func (r *jobRun) notifyStatus() {
	if so, ok := r.observer.(StatusObserver); ok {
		so.OnStatus(r.job.Clone())
	}
}

// pageDone reports progress with elapsed time and a naive remaining estimate.
func (r *jobRun) pageDone(done, total int) {
	elapsed := r.o.now().Sub(r.ocrStarted)
	msg := fmt.Sprintf("Processed page %d/%d (elapsed %s)", done, total, elapsed.Round(time.Second))
	if done > 0 && done < total {
		remaining := elapsed / time.Duration(done) * time.Duration(total-done)
		msg = fmt.Sprintf("Processed page %d/%d (elapsed %s, ~%s remaining)", done, total,
			elapsed.Round(time.Second), remaining.Round(time.Second))
	}
	r.emit(StageOCR, done, total, msg)
}

func (r *jobRun) finish(status constants.JobStatus, err error) (*entity.Job, error) {
	if terr := r.transition(status); terr != nil {
		r.o.logger.Error("job transition rejected", "job_id", r.job.ID, "err", terr)
		r.job.Status = constants.JobStatusFailed
		err = terr
	}
	if r.job.Pages == nil {
		r.job.Pages = []entity.Page{}
	}
	completed := r.o.now().UTC()
	r.job.CompletedAt = &completed
	if err != nil {
		r.job.Error = &entity.JobError{Kind: string(common.KindOf(err)), Message: common.Message(err)}
	}

	elapsed := time.Duration(0)
	if !r.started.IsZero() {
		elapsed = completed.Sub(r.started)
	}
	total := len(r.job.Pages)
	r.emit(StageComplete, total, total, fmt.Sprintf("%s: %d/%d page(s) recognized in %s",
		r.job.Status, r.job.SucceededPages(), total, elapsed.Round(time.Millisecond)))

	attrs := []any{"job_id", r.job.ID, "status", r.job.Status, "pages", total,
		"succeeded", r.job.SucceededPages(), "elapsed", elapsed}
	if err != nil {
		r.o.logger.Warn("job finished", append(attrs, "err", err)...)
	} else {
		r.o.logger.Info("job finished", attrs...)
	}

	out := r.job.Clone()
	switch r.job.Status {
	case constants.JobStatusFailed, constants.JobStatusCancelled:
		return out, err
	}
	return out, nil
}
