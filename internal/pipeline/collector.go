package pipeline

import (
	"fmt"

	"github.com/joseph-ayodele/sanskrit-ocr/constants"
	"github.com/joseph-ayodele/sanskrit-ocr/internal/common"
	"github.com/joseph-ayodele/sanskrit-ocr/internal/entity"
)

const notProcessed = "not processed"

// Collector reduces page outcomes into an index-ordered page list. Outcomes
// may arrive in any order. It is not safe for concurrent use; the orchestrator
// feeds it from a single goroutine.
type Collector struct {
	pages    []entity.Page
	reported []bool
	errs     []error
	count    int
}

func NewCollector(total int) *Collector {
	if total < 0 {
		total = 0
	}
	pages := make([]entity.Page, total)
	for i := range pages {
		pages[i] = entity.Page{Index: i, Status: constants.PageStatusPending}
	}
	return &Collector{pages: pages, reported: make([]bool, total), errs: make([]error, total)}
}

// Add records one terminal outcome.
func (c *Collector) Add(o PageOutcome) error {
	if o.Index < 0 || o.Index >= len(c.pages) {
		return common.InternalError(fmt.Sprintf("page index %d out of range [0,%d)", o.Index, len(c.pages)), nil)
	}
	if c.reported[o.Index] {
		return common.InternalError(fmt.Sprintf("duplicate outcome for page %d", o.Index), nil)
	}
	if !o.Status.IsTerminal() {
		return common.InternalError(fmt.Sprintf("page %d reported non-terminal status %s", o.Index, o.Status), nil)
	}

	p := entity.Page{
		Index:      o.Index,
		Status:     o.Status,
		ImagePath:  o.ImagePath,
		DurationMS: o.Duration.Milliseconds(),
	}
	if o.Status == constants.PageStatusSucceeded {
		text := o.Text
		p.Text = &text
	} else {
		msg := common.Message(o.Err)
		if msg == "" {
			msg = string(o.Status)
		}
		p.Error = &msg
	}
	c.pages[o.Index] = p
	c.errs[o.Index] = o.Err
	c.reported[o.Index] = true
	c.count++
	return nil
}

// Reported is the number of accepted outcomes.
func (c *Collector) Reported() int { return c.count }

// Total is the number of pages the collector expects.
func (c *Collector) Total() int { return len(c.pages) }

// Pages returns exactly Total pages ordered by index. Pages nobody reported
// are marked FAILED.
func (c *Collector) Pages() []entity.Page {
	out := make([]entity.Page, len(c.pages))
	copy(out, c.pages)
	for i := range out {
		if !c.reported[i] {
			msg := notProcessed
			out[i] = entity.Page{Index: i, Status: constants.PageStatusFailed, Error: &msg}
		}
	}
	return out
}

// DeriveStatus folds page statuses into the job status.
func DeriveStatus(pages []entity.Page) constants.JobStatus {
	succeeded, failed := 0, 0
	for _, p := range pages {
		if p.Status == constants.PageStatusSucceeded {
			succeeded++
		} else {
			failed++
		}
	}
	switch {
	case succeeded > 0 && failed == 0:
		return constants.JobStatusSucceeded
	case succeeded > 0:
		return constants.JobStatusPartiallyFailed
	default:
		return constants.JobStatusFailed
	}
}

// FirstError returns the error of the lowest-index failed page.
func (c *Collector) FirstError() error {
	for i := range c.pages {
		if c.reported[i] && c.errs[i] != nil {
			return c.errs[i]
		}
	}
	return nil
}
