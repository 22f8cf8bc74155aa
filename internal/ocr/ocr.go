// Package ocr wraps the external poppler and tesseract tools behind a single
// invocation primitive. Nothing in here decides policy: callers own retries,
// timeouts and how failures are reported.
package ocr

import (
	"log/slog"
	"time"
)

type Config struct {
	Pdfseparate string // binary name or absolute path; if empty -> "pdfseparate"
	Pdftoppm    string // binary name or absolute path; if empty -> "pdftoppm"
	Tesseract   string // binary name or absolute path; if empty -> "tesseract"
	Pdftk       string // used only for chunking; if empty -> "pdftk"

	TesseractLang string // default "san"
	DPI           int    // rasterization DPI, default 300
	MaxPages      int    // 0 = no limit

	TessdataDir string

	PSM int // e.g., 6 is good for uniform block of text
	OEM int // 1 = LSTM; leave 0 to use default

	// SplitTimeout bounds the split invocation of a job and each pdftk call; 0 means the caller's deadline applies.
	SplitTimeout time.Duration
}

// Tools builds invocations for the three external stages and for pdftk.
type Tools struct {
	cfg    Config
	runner Runner
	logger *slog.Logger
}

func NewTools(cfg Config, runner Runner, logger *slog.Logger) *Tools {
	if logger == nil {
		logger = slog.Default()
	}
	if runner == nil {
		runner = NewExecRunner(logger)
	}
	if cfg.Pdfseparate == "" {
		cfg.Pdfseparate = "pdfseparate"
	}
	if cfg.Pdftoppm == "" {
		cfg.Pdftoppm = "pdftoppm"
	}
	if cfg.Tesseract == "" {
		cfg.Tesseract = "tesseract"
	}
	if cfg.Pdftk == "" {
		cfg.Pdftk = "pdftk"
	}
	if cfg.TesseractLang == "" {
		cfg.TesseractLang = "san"
	}
	if cfg.DPI <= 0 {
		cfg.DPI = 300
	}
	return &Tools{cfg: cfg, runner: runner, logger: logger}
}

func (t *Tools) Config() Config { return t.cfg }

func (t *Tools) Runner() Runner { return t.runner }
