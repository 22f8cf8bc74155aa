package pipeline

import (
	"time"

	"github.com/joseph-ayodele/sanskrit-ocr/constants"
	"github.com/joseph-ayodele/sanskrit-ocr/internal/entity"
)

// PageArtifact is one page produced by the split stage.
type PageArtifact struct {
	Index  int
	Path   string
	Format string // constants.PDF | constants.IMAGE
}

// ImageArtifact is the raster image handed to recognition.
type ImageArtifact struct {
	Index int
	Path  string
}

// PageOutcome is what a page worker reports to the collector.
type PageOutcome struct {
	Index     int
	Status    constants.PageStatus
	Text      string
	Err       error
	ImagePath string
	Duration  time.Duration
}

// Options are per-job overrides. Zero values fall back to configured defaults
// and every value is clamped to the configured maxima.
type Options struct {
	Concurrency int
	PageTimeout time.Duration
	JobTimeout  time.Duration
	Language    string
}

// JobRequest is the input to Orchestrator.Run.
type JobRequest struct {
	ID         string
	SourcePath string
	SourceName string
	Options    Options
	Observer   Observer
}

// Observer receives progress snapshots while a job runs. Calls come from the
// orchestrator's collector goroutine and must not block for long.
type Observer interface {
	OnProgress(p entity.Progress)
}

// StatusObserver is optionally implemented by an Observer that also wants the
// job record when it enters RUNNING.
type StatusObserver interface {
	OnStatus(job *entity.Job)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(entity.Progress)

func (f ObserverFunc) OnProgress(p entity.Progress) { f(p) }

// Progress stages.
const (
	StageQueued     = "Queued"
	StageValidating = "Validating"
	StageSplitting  = "Splitting"
	StageOCR        = "OCR Processing"
	StageComplete   = "Complete"
)
