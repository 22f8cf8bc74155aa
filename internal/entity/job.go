package entity

import (
	"time"

	"github.com/joseph-ayodele/sanskrit-ocr/constants"
)

// Job is one end-to-end OCR request for a single uploaded document.
type Job struct {
	ID          string              `json:"jobId"`
	SourceName  string              `json:"sourceName"`
	SourcePath  string              `json:"-"`
	Format      string              `json:"format,omitempty"`
	Status      constants.JobStatus `json:"status"`
	Error       *JobError           `json:"error,omitempty"`
	Pages       []Page              `json:"pages"`
	CreatedAt   time.Time           `json:"createdAt"`
	StartedAt   *time.Time          `json:"startedAt,omitempty"`
	CompletedAt *time.Time          `json:"completedAt,omitempty"`
}

// JobError carries the job-scoped failure that produced a terminal status.
type JobError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Page is the outcome for one page. Text is set only on success, Error only on failure.
type Page struct {
	Index      int                  `json:"index"`
	Status     constants.PageStatus `json:"status"`
	Text       *string              `json:"text,omitempty"`
	Error      *string              `json:"error,omitempty"`
	ImagePath  string               `json:"-"`
	DurationMS int64                `json:"durationMs,omitempty"`
}

// Clone returns a deep copy so callers never share page slices with the pipeline.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	cp := *j
	if j.Error != nil {
		e := *j.Error
		cp.Error = &e
	}
	if j.Pages != nil {
		cp.Pages = make([]Page, len(j.Pages))
		copy(cp.Pages, j.Pages)
	}
	return &cp
}

// SucceededPages counts pages with recognized text.
func (j *Job) SucceededPages() int {
	n := 0
	for _, p := range j.Pages {
		if p.Status == constants.PageStatusSucceeded {
			n++
		}
	}
	return n
}

// Progress is the polling view of a job while it runs.
type Progress struct {
	JobID     string    `json:"jobId"`
	Stage     string    `json:"stage"`
	Current   int       `json:"current"`
	Total     int       `json:"total"`
	Message   string    `json:"message"`
	Complete  bool      `json:"complete"`
	UpdatedAt time.Time `json:"updatedAt"`
}
