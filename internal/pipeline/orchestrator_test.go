package pipeline

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joseph-ayodele/sanskrit-ocr/constants"
	"github.com/joseph-ayodele/sanskrit-ocr/internal/common"
	"github.com/joseph-ayodele/sanskrit-ocr/internal/entity"
	"github.com/joseph-ayodele/sanskrit-ocr/internal/ocr"
	"github.com/joseph-ayodele/sanskrit-ocr/internal/workspace"
)

// fakeRunner stands in for poppler and tesseract. It writes the artifacts the
// real tools would and records how many page sub-stages overlap.
type fakeRunner struct {
	pages     int
	splitErr  error
	splitHang bool // pdfseparate never finishes on its own
	delay     time.Duration
	recognize func(ctx context.Context, page int) (string, error)

	mu        sync.Mutex
	active    int
	maxActive int
	calls     map[string]int
}

func (f *fakeRunner) Run(ctx context.Context, inv ocr.Invocation) (ocr.Result, error) {
	f.mu.Lock()
	if f.calls == nil {
		f.calls = make(map[string]int)
	}
	f.calls[inv.Name]++
	f.mu.Unlock()

	switch inv.Name {
	case "pdfseparate":
		if f.splitErr != nil {
			return ocr.Result{ExitCode: 1}, f.splitErr
		}
		if f.splitHang {
			return hang(ctx, inv)
		}
		for i := 1; i <= f.pages; i++ {
			if err := os.WriteFile(fmt.Sprintf(inv.Args[1], i), []byte("%PDF-1.4 page"), 0o600); err != nil {
				return ocr.Result{}, err
			}
		}
		return ocr.Result{}, nil
	case "pdftoppm":
		defer f.enter()()
		f.sleep(ctx)
		return ocr.Result{}, os.WriteFile(inv.OutputPath, []byte("png"), 0o600)
	case "tesseract":
		defer f.enter()()
		f.sleep(ctx)
		page := pageIndexOf(inv.Args[0])
		if f.recognize != nil {
			text, err := f.recognize(ctx, page)
			return ocr.Result{Stdout: []byte(text)}, err
		}
		return ocr.Result{Stdout: []byte(pageText(page))}, nil
	}
	return ocr.Result{}, fmt.Errorf("unexpected tool %s", inv.Name)
}

// hang waits out inv.Timeout and reports it the way ExecRunner does.
func hang(ctx context.Context, inv ocr.Invocation) (ocr.Result, error) {
	tctx, cancel := common.WithTimeout(ctx, inv.Timeout)
	defer cancel()
	<-tctx.Done()
	if ctx.Err() != nil {
		return ocr.Result{ExitCode: -1}, fmt.Errorf("%s interrupted: %w", inv.Name, ctx.Err())
	}
	return ocr.Result{ExitCode: -1}, common.TimeoutError(fmt.Sprintf("%s exceeded %s", inv.Name, inv.Timeout), tctx.Err())
}

func (f *fakeRunner) enter() func() {
	f.mu.Lock()
	f.active++
	if f.active > f.maxActive {
		f.maxActive = f.active
	}
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		f.active--
		f.mu.Unlock()
	}
}

func (f *fakeRunner) sleep(ctx context.Context) {
	if f.delay <= 0 {
		return
	}
	select {
	case <-time.After(f.delay):
	case <-ctx.Done():
	}
}

func (f *fakeRunner) peak() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxActive
}

func (f *fakeRunner) count(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

func pageIndexOf(image string) int {
	var n int
	if _, err := fmt.Sscanf(filepath.Base(filepath.Dir(image)), "page-%04d", &n); err != nil {
		return 0
	}
	return n
}

func pageText(i int) string {
	return fmt.Sprintf("श्रीगणेशाय नमः %d\n", i+1)
}

func newTestOrchestrator(t *testing.T, runner ocr.Runner, cfg Config) (*Orchestrator, string) {
	t.Helper()
	return newTestOrchestratorWith(t, runner, ocr.Config{}, cfg, filepath.Join(t.TempDir(), "workspaces"))
}

func newTestOrchestratorWith(t *testing.T, runner ocr.Runner, toolCfg ocr.Config, cfg Config, base string) (*Orchestrator, string) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	tools := ocr.NewTools(toolCfg, runner, logger)
	return NewOrchestrator(cfg, tools, workspace.NewManager(base, logger), logger), base
}

func writeSource(t *testing.T, name string, content []byte) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, content, 0o600))
	return p
}

func pdfSource(t *testing.T) string {
	return writeSource(t, "scan.pdf", []byte("%PDF-1.4\n%âãÏÓ\n1 0 obj\n<<>>\nendobj\n%%EOF\n"))
}

func assertNoResidue(t *testing.T, base string) {
	t.Helper()
	entries, err := os.ReadDir(base)
	if os.IsNotExist(err) {
		return
	}
	require.NoError(t, err)
	assert.Empty(t, entries, "workspace directories left behind")
}

func TestRunThreePagesPoolTwo(t *testing.T) {
	runner := &fakeRunner{pages: 3, delay: 5 * time.Millisecond}
	o, base := newTestOrchestrator(t, runner, Config{Concurrency: 2})

	job, err := o.Run(context.Background(), JobRequest{SourcePath: pdfSource(t)})
	require.NoError(t, err)

	assert.Equal(t, constants.JobStatusSucceeded, job.Status)
	assert.Nil(t, job.Error)
	assert.Equal(t, constants.PDF, job.Format)
	require.Len(t, job.Pages, 3)
	for i, p := range job.Pages {
		assert.Equal(t, i, p.Index)
		assert.Equal(t, constants.PageStatusSucceeded, p.Status)
		require.NotNil(t, p.Text)
		assert.Equal(t, pageText(i), *p.Text)
		assert.Nil(t, p.Error)
	}
	assert.LessOrEqual(t, runner.peak(), 2)
	assert.Equal(t, 1, runner.count("pdfseparate"))
	assert.Equal(t, 3, runner.count("tesseract"))
	assert.NotNil(t, job.StartedAt)
	assert.NotNil(t, job.CompletedAt)
	assertNoResidue(t, base)
}

func TestRunOrdersPagesRegardlessOfCompletionOrder(t *testing.T) {
	runner := &fakeRunner{pages: 5}
	runner.recognize = func(ctx context.Context, page int) (string, error) {
		// earlier pages finish last
		time.Sleep(time.Duration(5-page) * 5 * time.Millisecond)
		return pageText(page), nil
	}
	o, base := newTestOrchestrator(t, runner, Config{Concurrency: 5})

	job, err := o.Run(context.Background(), JobRequest{SourcePath: pdfSource(t)})
	require.NoError(t, err)
	require.Len(t, job.Pages, 5)
	for i, p := range job.Pages {
		assert.Equal(t, i, p.Index)
		assert.Equal(t, pageText(i), *p.Text)
	}
	assertNoResidue(t, base)
}

func TestRunSinglePageTimeoutIsPartialFailure(t *testing.T) {
	runner := &fakeRunner{pages: 3}
	runner.recognize = func(ctx context.Context, page int) (string, error) {
		if page == 1 {
			return "", common.TimeoutError("tesseract exceeded 2m0s", context.DeadlineExceeded)
		}
		return pageText(page), nil
	}
	o, base := newTestOrchestrator(t, runner, Config{Concurrency: 2})

	job, err := o.Run(context.Background(), JobRequest{SourcePath: pdfSource(t)})
	require.NoError(t, err)

	assert.Equal(t, constants.JobStatusPartiallyFailed, job.Status)
	require.Len(t, job.Pages, 3)
	assert.Equal(t, constants.PageStatusSucceeded, job.Pages[0].Status)
	assert.Equal(t, constants.PageStatusTimedOut, job.Pages[1].Status)
	assert.Nil(t, job.Pages[1].Text)
	require.NotNil(t, job.Pages[1].Error)
	assert.Contains(t, *job.Pages[1].Error, "exceeded")
	assert.Equal(t, constants.PageStatusSucceeded, job.Pages[2].Status)
	assertNoResidue(t, base)
}

func TestRunToolFailureKeepsStderrVerbatim(t *testing.T) {
	runner := &fakeRunner{pages: 2}
	runner.recognize = func(ctx context.Context, page int) (string, error) {
		return "", common.ToolExecutionError("tesseract exited with status 1: Failed loading language 'san'", nil)
	}
	o, base := newTestOrchestrator(t, runner, Config{Concurrency: 2})

	job, err := o.Run(context.Background(), JobRequest{SourcePath: pdfSource(t)})
	require.Error(t, err)

	assert.Equal(t, constants.JobStatusFailed, job.Status)
	require.NotNil(t, job.Error)
	assert.Equal(t, string(common.KindToolExecution), job.Error.Kind)
	for _, p := range job.Pages {
		assert.Equal(t, constants.PageStatusFailed, p.Status)
		assert.Equal(t, "tesseract exited with status 1: Failed loading language 'san'", *p.Error)
	}
	assertNoResidue(t, base)
}

func TestRunSplitFailure(t *testing.T) {
	runner := &fakeRunner{splitErr: common.ToolExecutionError("pdfseparate exited with status 1: Syntax Error: Couldn't find trailer dictionary", nil)}
	o, base := newTestOrchestrator(t, runner, Config{Concurrency: 2})

	job, err := o.Run(context.Background(), JobRequest{SourcePath: pdfSource(t)})
	require.Error(t, err)
	assert.ErrorIs(t, err, common.ErrToolFailed)

	assert.Equal(t, constants.JobStatusFailed, job.Status)
	assert.Empty(t, job.Pages)
	require.NotNil(t, job.Error)
	assert.Equal(t, string(common.KindToolExecution), job.Error.Kind)
	assert.Contains(t, job.Error.Message, "trailer dictionary")
	assert.Zero(t, runner.count("tesseract"))
	assertNoResidue(t, base)
}

func TestRunSplitTimeout(t *testing.T) {
	runner := &fakeRunner{splitHang: true}
	o, base := newTestOrchestratorWith(t, runner, ocr.Config{SplitTimeout: 50 * time.Millisecond},
		Config{Concurrency: 2, JobTimeout: 10 * time.Second}, filepath.Join(t.TempDir(), "workspaces"))

	start := time.Now()
	job, err := o.Run(context.Background(), JobRequest{SourcePath: pdfSource(t)})
	require.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)

	assert.Equal(t, constants.JobStatusFailed, job.Status)
	require.NotNil(t, job.Error)
	assert.Equal(t, string(common.KindTimeout), job.Error.Kind)
	assert.Equal(t, "pdfseparate exceeded 50ms", job.Error.Message)
	assert.Empty(t, job.Pages)
	assert.Zero(t, runner.count("tesseract"))
	assertNoResidue(t, base)
}

func TestRunWorkspaceAcquireFailure(t *testing.T) {
	// a regular file where the workspace base directory should be
	base := filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(base, []byte("x"), 0o600))
	runner := &fakeRunner{pages: 2}
	o, _ := newTestOrchestratorWith(t, runner, ocr.Config{}, Config{Concurrency: 2}, base)

	job, err := o.Run(context.Background(), JobRequest{SourcePath: pdfSource(t)})
	require.Error(t, err)
	assert.Equal(t, common.KindResource, common.KindOf(err))

	assert.Equal(t, constants.JobStatusFailed, job.Status)
	require.NotNil(t, job.Error)
	assert.Equal(t, string(common.KindResource), job.Error.Kind)
	assert.Empty(t, job.Pages)
	assert.Zero(t, runner.count("pdfseparate"))
	assert.Zero(t, runner.count("tesseract"))
	assert.NotNil(t, job.CompletedAt)
}

func TestRunWorkspaceCleanupFailure(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("directory permissions do not stop root from deleting")
	}
	runner := &fakeRunner{pages: 1}
	o, base := newTestOrchestrator(t, runner, Config{Concurrency: 1})

	var root string
	runner.recognize = func(ctx context.Context, page int) (string, error) {
		roots, err := filepath.Glob(filepath.Join(base, "ocr-job-*"))
		if err != nil || len(roots) != 1 {
			return "", fmt.Errorf("workspace not found: %v", err)
		}
		root = roots[0]
		// entries of a read-only directory cannot be unlinked
		if err := os.Chmod(root, 0o500); err != nil {
			return "", err
		}
		return pageText(page), nil
	}
	t.Cleanup(func() {
		if root != "" {
			_ = os.Chmod(root, 0o700)
		}
	})

	job, err := o.Run(context.Background(), JobRequest{SourcePath: pdfSource(t)})
	require.Error(t, err)
	assert.Equal(t, common.KindResource, common.KindOf(err))

	assert.Equal(t, constants.JobStatusFailed, job.Status)
	require.NotNil(t, job.Error)
	assert.Equal(t, string(common.KindResource), job.Error.Kind)
	assert.Contains(t, job.Error.Message, "remove workspace")
	// the page itself was recognized; only cleanup failed
	require.Len(t, job.Pages, 1)
	assert.Equal(t, constants.PageStatusSucceeded, job.Pages[0].Status)
	assert.DirExists(t, root)
}

func TestRunRejectsCorruptedInput(t *testing.T) {
	runner := &fakeRunner{pages: 1}
	o, base := newTestOrchestrator(t, runner, Config{Concurrency: 2})
	src := writeSource(t, "scan.pdf", []byte("this is definitely not a document"))

	job, err := o.Run(context.Background(), JobRequest{SourcePath: src})
	require.Error(t, err)
	assert.Equal(t, common.KindInput, common.KindOf(err))

	assert.Equal(t, constants.JobStatusFailed, job.Status)
	assert.Empty(t, job.Pages)
	assert.Equal(t, string(common.KindInput), job.Error.Kind)
	assert.Zero(t, runner.count("pdfseparate"))
	assert.NoDirExists(t, base)
}

func TestRunRejectsMissingAndOversizedInput(t *testing.T) {
	o, _ := newTestOrchestrator(t, &fakeRunner{}, Config{Concurrency: 1, MaxUploadBytes: 16})

	_, err := o.Run(context.Background(), JobRequest{SourcePath: filepath.Join(t.TempDir(), "missing.pdf")})
	assert.Equal(t, common.KindInput, common.KindOf(err))

	_, err = o.Run(context.Background(), JobRequest{SourcePath: pdfSource(t)})
	require.Error(t, err)
	assert.Contains(t, common.Message(err), "too large")
}

func TestRunImageIsSinglePage(t *testing.T) {
	runner := &fakeRunner{}
	o, base := newTestOrchestrator(t, runner, Config{Concurrency: 2})
	src := writeSource(t, "leaf.png", []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x02\x00\x00\x00"))

	job, err := o.Run(context.Background(), JobRequest{SourcePath: src})
	require.NoError(t, err)

	assert.Equal(t, constants.IMAGE, job.Format)
	require.Len(t, job.Pages, 1)
	assert.Equal(t, constants.PageStatusSucceeded, job.Pages[0].Status)
	assert.Zero(t, runner.count("pdfseparate"))
	assert.Zero(t, runner.count("pdftoppm"))
	assert.FileExists(t, src)
	assertNoResidue(t, base)
}

func TestRunNeverExceedsGlobalConcurrency(t *testing.T) {
	runner := &fakeRunner{pages: 6, delay: 10 * time.Millisecond}
	o, base := newTestOrchestrator(t, runner, Config{Concurrency: 2})

	src := pdfSource(t)
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			job, err := o.Run(context.Background(), JobRequest{SourcePath: src, Options: Options{Concurrency: 8}})
			assert.NoError(t, err)
			assert.Equal(t, constants.JobStatusSucceeded, job.Status)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, runner.peak(), 2)
	assert.GreaterOrEqual(t, runner.peak(), 1)
	assertNoResidue(t, base)
}

func TestRunCallerCancellation(t *testing.T) {
	started := make(chan struct{}, 4)
	runner := &fakeRunner{pages: 4}
	runner.recognize = func(ctx context.Context, page int) (string, error) {
		started <- struct{}{}
		<-ctx.Done()
		return "", fmt.Errorf("tesseract interrupted: %w", ctx.Err())
	}
	o, base := newTestOrchestrator(t, runner, Config{Concurrency: 2})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	job, err := o.Run(ctx, JobRequest{SourcePath: pdfSource(t)})
	require.Error(t, err)

	assert.Equal(t, constants.JobStatusCancelled, job.Status)
	assert.Equal(t, string(common.KindCancelled), job.Error.Kind)
	require.Len(t, job.Pages, 4)
	for _, p := range job.Pages {
		assert.Equal(t, constants.PageStatusFailed, p.Status)
		assert.Equal(t, "job cancelled", *p.Error)
	}
	assertNoResidue(t, base)
}

func TestRunJobTimeout(t *testing.T) {
	runner := &fakeRunner{pages: 3}
	runner.recognize = func(ctx context.Context, page int) (string, error) {
		<-ctx.Done()
		return "", fmt.Errorf("tesseract interrupted: %w", ctx.Err())
	}
	o, base := newTestOrchestrator(t, runner, Config{Concurrency: 1, JobTimeout: 50 * time.Millisecond})

	job, err := o.Run(context.Background(), JobRequest{SourcePath: pdfSource(t)})
	require.Error(t, err)

	assert.Equal(t, constants.JobStatusCancelled, job.Status)
	assert.Equal(t, string(common.KindTimeout), job.Error.Kind)
	for _, p := range job.Pages {
		assert.Equal(t, constants.PageStatusTimedOut, p.Status)
	}
	assertNoResidue(t, base)
}

func TestRunRecoversPageWorkerPanic(t *testing.T) {
	runner := &fakeRunner{pages: 2}
	runner.recognize = func(ctx context.Context, page int) (string, error) {
		if page == 0 {
			panic("boom")
		}
		return pageText(page), nil
	}
	o, base := newTestOrchestrator(t, runner, Config{Concurrency: 2})

	job, err := o.Run(context.Background(), JobRequest{SourcePath: pdfSource(t)})
	require.NoError(t, err)
	assert.Equal(t, constants.JobStatusPartiallyFailed, job.Status)
	assert.Equal(t, constants.PageStatusFailed, job.Pages[0].Status)
	assert.Contains(t, *job.Pages[0].Error, "panic")
	assertNoResidue(t, base)
}

func TestRunEmitsProgress(t *testing.T) {
	runner := &fakeRunner{pages: 3}
	o, _ := newTestOrchestrator(t, runner, Config{Concurrency: 2})

	var events []entity.Progress
	obs := ObserverFunc(func(p entity.Progress) { events = append(events, p) })

	job, err := o.Run(context.Background(), JobRequest{SourcePath: pdfSource(t), Observer: obs})
	require.NoError(t, err)

	require.NotEmpty(t, events)
	assert.Equal(t, StageValidating, events[0].Stage)
	last := events[len(events)-1]
	assert.Equal(t, StageComplete, last.Stage)
	assert.True(t, last.Complete)
	assert.Equal(t, 3, last.Total)

	prev := 0
	for _, e := range events {
		assert.Equal(t, job.ID, e.JobID)
		if e.Stage == StageOCR {
			assert.GreaterOrEqual(t, e.Current, prev)
			prev = e.Current
		}
	}
	assert.Equal(t, 3, prev)
}

func TestRunJobRejectsNonPendingJob(t *testing.T) {
	o, _ := newTestOrchestrator(t, &fakeRunner{}, Config{Concurrency: 1})
	job := o.NewJob(JobRequest{SourcePath: pdfSource(t)})
	job.Status = constants.JobStatusSucceeded

	out, err := o.RunJob(context.Background(), job, JobRequest{})
	require.Error(t, err)
	assert.Equal(t, common.KindInternal, common.KindOf(err))
	assert.Equal(t, constants.JobStatusSucceeded, out.Status)
}

func TestResolveClampsOverrides(t *testing.T) {
	o, _ := newTestOrchestrator(t, &fakeRunner{}, Config{
		Concurrency:    4,
		PageTimeout:    time.Minute,
		JobTimeout:     10 * time.Minute,
		MaxPageTimeout: 5 * time.Minute,
		MaxJobTimeout:  time.Hour,
	})

	r := o.resolve(Options{})
	assert.Equal(t, 4, r.concurrency)
	assert.Equal(t, time.Minute, r.pageTimeout)
	assert.Equal(t, 10*time.Minute, r.jobTimeout)

	r = o.resolve(Options{Concurrency: 16, PageTimeout: time.Hour, JobTimeout: 24 * time.Hour, Language: "san+eng"})
	assert.Equal(t, 4, r.concurrency)
	assert.Equal(t, 5*time.Minute, r.pageTimeout)
	assert.Equal(t, time.Hour, r.jobTimeout)
	assert.Equal(t, "san+eng", r.language)

	r = o.resolve(Options{Concurrency: 1})
	assert.Equal(t, 1, r.concurrency)
}
