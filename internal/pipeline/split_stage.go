package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/gabriel-vasile/mimetype"

	"github.com/joseph-ayodele/sanskrit-ocr/constants"
	"github.com/joseph-ayodele/sanskrit-ocr/internal/common"
	"github.com/joseph-ayodele/sanskrit-ocr/internal/ocr"
	"github.com/joseph-ayodele/sanskrit-ocr/internal/workspace"
)

// SplitStage turns the uploaded source into one artifact per page.
type SplitStage struct {
	tools    *ocr.Tools
	maxBytes int64
	logger   *slog.Logger
}

func NewSplitStage(tools *ocr.Tools, maxBytes int64, logger *slog.Logger) *SplitStage {
	if logger == nil {
		logger = slog.Default()
	}
	return &SplitStage{tools: tools, maxBytes: maxBytes, logger: logger}
}

// Validate checks the source before any tool runs and returns its format.
func (s *SplitStage) Validate(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", common.InputError("source document is not readable", err)
	}
	if info.IsDir() {
		return "", common.InputError("source document is a directory", nil)
	}
	if info.Size() == 0 {
		return "", common.InputError("source document is empty", nil)
	}
	if s.maxBytes > 0 && info.Size() > s.maxBytes {
		return "", common.InputError(fmt.Sprintf("source document too large: %d bytes (max %d)", info.Size(), s.maxBytes), nil)
	}

	mtype, err := mimetype.DetectFile(path)
	if err != nil {
		return "", common.InputError("source document is not readable", err)
	}
	for mime, format := range constants.AllowedMIMETypes {
		if mtype.Is(mime) {
			return format, nil
		}
	}
	return "", common.InputError(fmt.Sprintf("unsupported or corrupted document (detected %s)", mtype.String()), nil)
}

// Split materializes page artifacts inside ws. PDFs go through one pdfseparate
// call; images are a single page and need no tool.
func (s *SplitStage) Split(ctx context.Context, src, format string, ws *workspace.Workspace) ([]PageArtifact, error) {
	if format == constants.IMAGE {
		return []PageArtifact{{Index: 0, Path: src, Format: constants.IMAGE}}, nil
	}

	outDir, err := ws.Dir("pages")
	if err != nil {
		return nil, err
	}
	inv := s.tools.SplitInvocation(src, outDir)
	if _, err := s.tools.Runner().Run(ctx, inv); err != nil {
		return nil, err
	}

	paths, err := s.tools.CollectSplitPages(outDir)
	if err != nil {
		return nil, common.InternalError("list split pages", err)
	}
	if len(paths) == 0 {
		return nil, common.ToolExecutionError(fmt.Sprintf("%s produced no pages", inv.Name), nil)
	}

	pages := make([]PageArtifact, len(paths))
	for i, p := range paths {
		ws.Track(p)
		pages[i] = PageArtifact{Index: i, Path: p, Format: constants.PDF}
	}
	s.logger.Debug("split document", "job_id", ws.JobID, "pages", len(pages))
	return pages, nil
}
