package ocr

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/joseph-ayodele/sanskrit-ocr/internal/common"
)

// Invocation describes one external tool call. It is never retried by the runner.
type Invocation struct {
	Name    string
	Args    []string
	Dir     string
	Timeout time.Duration
	// OutputPath, when set, must exist and be non-empty after a zero exit.
	OutputPath string
}

func (inv Invocation) String() string {
	return strings.Join(append([]string{inv.Name}, inv.Args...), " ")
}

// Result is what a finished process left behind.
type Result struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
	Duration time.Duration
}

// Runner lets us stub external commands in tests.
type Runner interface {
	Run(ctx context.Context, inv Invocation) (Result, error)
}

// ExecRunner runs invocations as subprocesses. Each process gets its own
// process group so a timeout kills everything it spawned.
type ExecRunner struct {
	logger    *slog.Logger
	waitDelay time.Duration
}

func NewExecRunner(logger *slog.Logger) *ExecRunner {
	if logger == nil {
		logger = slog.Default()
	}
	return &ExecRunner{logger: logger, waitDelay: 2 * time.Second}
}

func (r *ExecRunner) Run(parent context.Context, inv Invocation) (Result, error) {
	ctx, cancel := common.WithTimeout(parent, inv.Timeout)
	defer cancel()

	start := time.Now()
	logger := r.logger
	if jobID := common.JobIDFromContext(parent); jobID != "" {
		logger = logger.With("job_id", jobID)
	}
	logger.Debug("running command", "cmd_line", inv.String(), "timeout", inv.Timeout)

	cmd := exec.CommandContext(ctx, inv.Name, inv.Args...)
	cmd.Dir = inv.Dir
	var out, errb bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errb
	cmd.WaitDelay = r.waitDelay
	configureProcessGroup(cmd)

	err := cmd.Run()
	res := Result{
		Stdout:   out.Bytes(),
		Stderr:   errb.Bytes(),
		ExitCode: exitCode(cmd, err),
		Duration: time.Since(start),
	}

	if err != nil {
		err = classify(parent, ctx, inv, res, err)
		logger.Error("exec failed",
			"cmd", inv.Name,
			"args", strings.Join(inv.Args, " "),
			"duration_ms", res.Duration.Milliseconds(),
			"exit_code", res.ExitCode,
			"error", err,
			"stderr", truncate(errb.String(), 8<<10), // cap at 8KB
		)
		return res, err
	}

	if inv.OutputPath != "" {
		if st, statErr := os.Stat(inv.OutputPath); statErr != nil || st.Size() == 0 {
			return res, common.ToolExecutionError(fmt.Sprintf("%s produced no output at %s", inv.Name, inv.OutputPath), statErr)
		}
	}

	logger.Debug("exec ok",
		"cmd", inv.Name,
		"args", strings.Join(inv.Args, " "),
		"duration_ms", res.Duration.Milliseconds(),
		"stdout_bytes", out.Len(),
		"stderr_bytes", errb.Len(),
	)
	return res, nil
}

// classify maps a failed run onto the error taxonomy. A parent cancellation is
// returned as the parent's own error so the caller can tell it apart from the
// invocation's timeout.
func classify(parent, ctx context.Context, inv Invocation, res Result, err error) error {
	if perr := parent.Err(); perr != nil {
		return fmt.Errorf("%s interrupted: %w", inv.Name, perr)
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return common.TimeoutError(fmt.Sprintf("%s exceeded %s", inv.Name, inv.Timeout), ctx.Err())
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return common.ToolExecutionError(toolMessage(inv.Name, res), nil)
	}
	return common.ToolExecutionError(fmt.Sprintf("failed to execute %s", inv.Name), err)
}

// toolMessage surfaces the tool's stderr verbatim.
func toolMessage(name string, res Result) string {
	diag := strings.TrimSpace(string(res.Stderr))
	if diag == "" {
		return fmt.Sprintf("%s exited with status %d", name, res.ExitCode)
	}
	return fmt.Sprintf("%s exited with status %d: %s", name, res.ExitCode, diag)
}

func exitCode(cmd *exec.Cmd, err error) int {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	if err != nil {
		return -1
	}
	return 0
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "...(truncated)"
}
