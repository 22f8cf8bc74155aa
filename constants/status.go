package constants

// JobStatus is the canonical status of an OCR job.
type JobStatus string

// Stable values (persisted as-is by the job stores).
const (
	JobStatusPending         JobStatus = "PENDING"
	JobStatusRunning         JobStatus = "RUNNING"
	JobStatusSucceeded       JobStatus = "SUCCEEDED"
	JobStatusPartiallyFailed JobStatus = "PARTIALLY_FAILED"
	JobStatusFailed          JobStatus = "FAILED"
	JobStatusCancelled       JobStatus = "CANCELLED"
)

// PageStatus is the status of one page inside a job.
type PageStatus string

const (
	PageStatusPending     PageStatus = "PENDING"
	PageStatusRasterizing PageStatus = "RASTERIZING"
	PageStatusRecognizing PageStatus = "RECOGNIZING"
	PageStatusSucceeded   PageStatus = "SUCCEEDED"
	PageStatusFailed      PageStatus = "FAILED"
	PageStatusTimedOut    PageStatus = "TIMED_OUT"
)

var jobTransitions = map[JobStatus]map[JobStatus]bool{
	"": {
		JobStatusPending: true,
	},
	JobStatusPending: {
		JobStatusRunning:   true,
		JobStatusFailed:    true, // rejected before any work started
		JobStatusCancelled: true,
	},
	JobStatusRunning: {
		JobStatusSucceeded:       true,
		JobStatusPartiallyFailed: true,
		JobStatusFailed:          true,
		JobStatusCancelled:       true,
	},
}

var pageTransitions = map[PageStatus]map[PageStatus]bool{
	PageStatusPending: {
		PageStatusRasterizing: true,
		PageStatusFailed:      true,
		PageStatusTimedOut:    true,
	},
	PageStatusRasterizing: {
		PageStatusRecognizing: true,
		PageStatusFailed:      true,
		PageStatusTimedOut:    true,
	},
	PageStatusRecognizing: {
		PageStatusSucceeded: true,
		PageStatusFailed:    true,
		PageStatusTimedOut:  true,
	},
}

// IsTerminal reports whether no further transitions are allowed.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusSucceeded, JobStatusPartiallyFailed, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// IsTerminal reports whether the page has reached a final outcome.
func (s PageStatus) IsTerminal() bool {
	switch s {
	case PageStatusSucceeded, PageStatusFailed, PageStatusTimedOut:
		return true
	}
	return false
}

func CanTransitionJob(from, to JobStatus) bool {
	return jobTransitions[from][to]
}

func CanTransitionPage(from, to PageStatus) bool {
	return pageTransitions[from][to]
}
