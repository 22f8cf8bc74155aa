package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/joseph-ayodele/sanskrit-ocr/internal/ocr"
)

// RecognizeStage runs the recognizer on one image under a hard timeout.
type RecognizeStage struct {
	tools  *ocr.Tools
	logger *slog.Logger
}

func NewRecognizeStage(tools *ocr.Tools, logger *slog.Logger) *RecognizeStage {
	if logger == nil {
		logger = slog.Default()
	}
	return &RecognizeStage{tools: tools, logger: logger}
}

// Recognize returns the tool's stdout unmodified.
func (r *RecognizeStage) Recognize(ctx context.Context, img ImageArtifact, lang string, timeout time.Duration) (string, error) {
	inv := r.tools.RecognizeInvocationLang(img.Path, lang, timeout)
	res, err := r.tools.Runner().Run(ctx, inv)
	if err != nil {
		return "", err
	}
	return string(res.Stdout), nil
}
