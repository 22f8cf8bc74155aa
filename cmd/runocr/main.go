package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/joseph-ayodele/sanskrit-ocr/constants"
	"github.com/joseph-ayodele/sanskrit-ocr/internal/app"
	"github.com/joseph-ayodele/sanskrit-ocr/internal/common"
	"github.com/joseph-ayodele/sanskrit-ocr/internal/entity"
	"github.com/joseph-ayodele/sanskrit-ocr/internal/export"
	"github.com/joseph-ayodele/sanskrit-ocr/internal/pipeline"
	"github.com/joseph-ayodele/sanskrit-ocr/internal/workspace"
)

type runFlags struct {
	format      string
	concurrency int
	pageTimeout time.Duration
	jobTimeout  time.Duration
	lang        string
	xlsx        string
	quiet       bool
}

// exitError carries a process exit code out of RunE.
type exitError struct{ code int }

func (e exitError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

func main() {
	cfg := common.LoadConfig()
	// stdout carries the recognized text, so logs go to stderr
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCmd(cfg, logger)
	if err := root.ExecuteContext(ctx); err != nil {
		var ee exitError
		if errors.As(err, &ee) {
			stop()
			os.Exit(ee.code)
		}
		printError("Error: %v\n", err)
		stop()
		os.Exit(1)
	}
}

func newRootCmd(cfg *common.Config, logger *slog.Logger) *cobra.Command {
	var f runFlags
	root := &cobra.Command{
		Use:           "runocr <file>",
		Short:         "OCR a Sanskrit PDF or image with the local poppler and tesseract tools",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFile(cmd.Context(), cfg, logger, args[0], f)
		},
	}
	root.Flags().StringVar(&f.format, "format", "text", "output format: text, json or table")
	root.Flags().IntVar(&f.concurrency, "concurrency", 0, "max pages processed at once (default from OCR_CONCURRENCY)")
	root.Flags().DurationVar(&f.pageTimeout, "page-timeout", 0, "per-invocation timeout (default from PAGE_TIMEOUT)")
	root.Flags().DurationVar(&f.jobTimeout, "job-timeout", 0, "whole-job timeout (default from JOB_TIMEOUT)")
	root.Flags().StringVar(&f.lang, "lang", "", "tesseract language (default from TESSERACT_LANG)")
	root.Flags().StringVar(&f.xlsx, "xlsx", "", "also write a per-page XLSX report to this path")
	root.Flags().BoolVarP(&f.quiet, "quiet", "q", false, "do not print progress to stderr")

	root.AddCommand(newSweepCmd(cfg, logger))
	root.AddCommand(newSplitCmd(cfg, logger))
	return root
}

func runFile(ctx context.Context, cfg *common.Config, logger *slog.Logger, path string, f runFlags) error {
	switch f.format {
	case "text", "json", "table":
	default:
		return fmt.Errorf("unknown --format %q", f.format)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	orch, _ := app.NewPipeline(cfg, logger)
	req := pipeline.JobRequest{
		SourcePath: path,
		SourceName: filepath.Base(path),
		Options: pipeline.Options{
			Concurrency: f.concurrency,
			PageTimeout: f.pageTimeout,
			JobTimeout:  f.jobTimeout,
			Language:    f.lang,
		},
	}
	if !f.quiet {
		req.Observer = pipeline.ObserverFunc(func(p entity.Progress) {
			printError("[%s] %s\n", p.Stage, p.Message)
		})
	}

	job, runErr := orch.Run(ctx, req)
	if job == nil {
		return runErr
	}

	if f.xlsx != "" {
		data, err := export.Workbook(job)
		if err != nil {
			return err
		}
		if err := os.WriteFile(f.xlsx, data, 0o644); err != nil {
			return fmt.Errorf("write %s: %w", f.xlsx, err)
		}
	}

	out := cmdOutput()
	var err error
	switch f.format {
	case "json":
		err = printJSON(out, job)
	case "table":
		printTable(out, job)
	default:
		_, err = fmt.Fprintln(out, export.JoinText(job))
	}
	if err != nil {
		return err
	}

	switch job.Status {
	case constants.JobStatusSucceeded:
		return nil
	case constants.JobStatusPartiallyFailed:
		return exitError{code: 3}
	default:
		if job.Error != nil {
			printError("%s: %s\n", job.Error.Kind, job.Error.Message)
		}
		return exitError{code: 1}
	}
}

func newSweepCmd(cfg *common.Config, logger *slog.Logger) *cobra.Command {
	var age time.Duration
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Remove job workspaces and split sessions left behind by crashed runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := workspace.NewManager(cfg.Pipeline.WorkspaceDir, logger).Sweep(age)
			if err != nil {
				return err
			}
			fmt.Printf("Removed %d stale workspace(s) under %s\n", n, cfg.Pipeline.WorkspaceDir)

			splitter := app.NewSplitter(cfg, logger)
			n, err = splitter.Sweep(age)
			if err != nil {
				return err
			}
			fmt.Printf("Removed %d stale split session(s) under %s\n", n, splitter.Dir())
			return nil
		},
	}
	cmd.Flags().DurationVar(&age, "older-than", cfg.Pipeline.SweepAge, "only remove workspaces older than this")
	return cmd
}

func newSplitCmd(cfg *common.Config, logger *slog.Logger) *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "split <file.pdf>",
		Short: "Cut a large PDF into smaller PDFs of whole pages with pdftk",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if format != "table" && format != "json" {
				return fmt.Errorf("unknown --format %q", format)
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			splitter := app.NewSplitter(cfg, logger)
			res, err := splitter.Split(cmd.Context(), args[0], filepath.Base(args[0]))
			if err != nil {
				return err
			}
			if format == "json" {
				return printSplitJSON(cmdOutput(), res)
			}
			printChunks(cmdOutput(), splitter.Dir(), res)
			return nil
		},
	}
	cmd.Flags().StringVar(&format, "format", "table", "output format: table or json")
	return cmd
}
