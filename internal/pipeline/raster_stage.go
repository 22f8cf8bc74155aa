package pipeline

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/joseph-ayodele/sanskrit-ocr/constants"
	"github.com/joseph-ayodele/sanskrit-ocr/internal/ocr"
	"github.com/joseph-ayodele/sanskrit-ocr/internal/workspace"
)

// RasterStage renders one page to a PNG the recognizer can read.
type RasterStage struct {
	tools  *ocr.Tools
	logger *slog.Logger
}

func NewRasterStage(tools *ocr.Tools, logger *slog.Logger) *RasterStage {
	if logger == nil {
		logger = slog.Default()
	}
	return &RasterStage{tools: tools, logger: logger}
}

// Rasterize writes into the page's own subdirectory. Image sources pass through.
func (r *RasterStage) Rasterize(ctx context.Context, page PageArtifact, ws *workspace.Workspace, timeout time.Duration) (ImageArtifact, error) {
	if page.Format == constants.IMAGE {
		return ImageArtifact{Index: page.Index, Path: page.Path}, nil
	}
	dir, err := ws.PageDir(page.Index)
	if err != nil {
		return ImageArtifact{}, err
	}
	inv := r.tools.RasterInvocation(page.Path, filepath.Join(dir, "image"), timeout)
	if _, err := r.tools.Runner().Run(ctx, inv); err != nil {
		return ImageArtifact{}, err
	}
	ws.Track(inv.OutputPath)
	return ImageArtifact{Index: page.Index, Path: inv.OutputPath}, nil
}
