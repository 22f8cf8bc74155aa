package constants

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestJobTransitions(t *testing.T) {
	allowed := [][2]JobStatus{
		{"", JobStatusPending},
		{JobStatusPending, JobStatusRunning},
		{JobStatusPending, JobStatusFailed},
		{JobStatusPending, JobStatusCancelled},
		{JobStatusRunning, JobStatusSucceeded},
		{JobStatusRunning, JobStatusPartiallyFailed},
		{JobStatusRunning, JobStatusFailed},
		{JobStatusRunning, JobStatusCancelled},
	}
	for _, tr := range allowed {
		assert.True(t, CanTransitionJob(tr[0], tr[1]), "%s -> %s", tr[0], tr[1])
	}

	denied := [][2]JobStatus{
		{"", JobStatusRunning},
		{JobStatusPending, JobStatusSucceeded},
		{JobStatusRunning, JobStatusPending},
		{JobStatusSucceeded, JobStatusRunning},
		{JobStatusFailed, JobStatusSucceeded},
		{JobStatusCancelled, JobStatusRunning},
		{JobStatusPartiallyFailed, JobStatusSucceeded},
	}
	for _, tr := range denied {
		assert.False(t, CanTransitionJob(tr[0], tr[1]), "%s -> %s", tr[0], tr[1])
	}
}

func TestTerminalJobStatusesHaveNoExits(t *testing.T) {
	all := []JobStatus{JobStatusPending, JobStatusRunning, JobStatusSucceeded, JobStatusPartiallyFailed, JobStatusFailed, JobStatusCancelled}
	for _, from := range all {
		if !from.IsTerminal() {
			continue
		}
		for _, to := range all {
			assert.False(t, CanTransitionJob(from, to), "%s -> %s", from, to)
		}
	}
	assert.False(t, JobStatusRunning.IsTerminal())
	assert.False(t, JobStatusPending.IsTerminal())
}

func TestPageTransitions(t *testing.T) {
	assert.True(t, CanTransitionPage(PageStatusPending, PageStatusRasterizing))
	assert.True(t, CanTransitionPage(PageStatusRasterizing, PageStatusRecognizing))
	assert.True(t, CanTransitionPage(PageStatusRecognizing, PageStatusSucceeded))
	assert.True(t, CanTransitionPage(PageStatusRasterizing, PageStatusTimedOut))
	assert.True(t, CanTransitionPage(PageStatusPending, PageStatusFailed))

	assert.False(t, CanTransitionPage(PageStatusPending, PageStatusSucceeded))
	assert.False(t, CanTransitionPage(PageStatusRasterizing, PageStatusSucceeded))
	assert.False(t, CanTransitionPage(PageStatusSucceeded, PageStatusFailed))
	assert.False(t, CanTransitionPage(PageStatusTimedOut, PageStatusRasterizing))

	for _, s := range []PageStatus{PageStatusSucceeded, PageStatusFailed, PageStatusTimedOut} {
		assert.True(t, s.IsTerminal(), s)
	}
	for _, s := range []PageStatus{PageStatusPending, PageStatusRasterizing, PageStatusRecognizing} {
		assert.False(t, s.IsTerminal(), s)
	}
}

func TestMapExtToFormat(t *testing.T) {
	assert.Equal(t, PDF, MapExtToFormat(".PDF"))
	assert.Equal(t, IMAGE, MapExtToFormat("jpeg"))
	assert.Equal(t, IMAGE, MapExtToFormat(".png"))
	assert.Equal(t, "", MapExtToFormat(".tiff"))
	assert.Equal(t, "jpg", NormalizeExt(".JPG"))
}
