// Package chunk cuts large PDFs into smaller PDFs of whole pages with pdftk so
// they can be uploaded for OCR one piece at a time.
package chunk

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"

	"github.com/joseph-ayodele/sanskrit-ocr/constants"
	"github.com/joseph-ayodele/sanskrit-ocr/internal/common"
	"github.com/joseph-ayodele/sanskrit-ocr/internal/ocr"
)

const (
	// DefaultTargetKB is the approximate size each chunk aims for.
	DefaultTargetKB = 500

	chunkPattern = "chunk_%03d_pages_%d-%d.pdf"
)

var chunkName = regexp.MustCompile(`^chunk_\d{3,}_pages_\d+-\d+\.pdf$`)

// Chunk is one written piece of the source document.
type Chunk struct {
	Filename     string `json:"filename"`
	PageRange    string `json:"page_range"`
	FileSize     int64  `json:"file_size"`
	DownloadPath string `json:"download_path"`
}

// Result describes one split session.
type Result struct {
	ID               string  `json:"id"`
	OriginalFilename string  `json:"original_filename"`
	TotalPages       int     `json:"total_pages"`
	Chunks           []Chunk `json:"chunks"`
}

// Splitter writes each session's chunks under dir/<session id>/.
type Splitter struct {
	tools    *ocr.Tools
	dir      string
	targetKB int
	logger   *slog.Logger
}

func NewSplitter(tools *ocr.Tools, dir string, targetKB int, logger *slog.Logger) *Splitter {
	if logger == nil {
		logger = slog.Default()
	}
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "ocr-splits")
	}
	if targetKB <= 0 {
		targetKB = DefaultTargetKB
	}
	return &Splitter{tools: tools, dir: dir, targetKB: targetKB, logger: logger}
}

// Dir returns the directory sessions are written under.
func (s *Splitter) Dir() string { return s.dir }

// PagesPerChunk estimates how many pages fit in targetKB assuming every page
// weighs the same. The result is within [1, pages].
func PagesPerChunk(sizeBytes int64, pages, targetKB int) int {
	if pages <= 0 {
		return 1
	}
	sizeKB := sizeBytes / 1024
	perPage := math.Max(float64(sizeKB)/float64(pages), 1.0)
	n := int(math.Floor(float64(targetKB) / perPage))
	return min(max(n, 1), pages)
}

// Split counts the pages of src and writes consecutive page ranges as
// separate PDFs. A chunk pdftk fails on is logged and left out.
func (s *Splitter) Split(ctx context.Context, src, originalName string) (*Result, error) {
	if constants.MapExtToFormat(filepath.Ext(originalName)) != constants.PDF {
		return nil, common.InputError("Only PDF files are supported for splitting", nil)
	}
	info, err := os.Stat(src)
	if err != nil {
		return nil, common.InputError("source document is not readable", err)
	}
	if info.Size() == 0 {
		return nil, common.InputError("source document is empty", nil)
	}
	mtype, err := mimetype.DetectFile(src)
	if err != nil {
		return nil, common.InputError("source document is not readable", err)
	}
	if !mtype.Is("application/pdf") {
		return nil, common.InputError(fmt.Sprintf("unsupported or corrupted document (detected %s)", mtype.String()), nil)
	}

	res, err := s.tools.Runner().Run(ctx, s.tools.PageCountInvocation(src))
	if err != nil {
		return nil, err
	}
	pages := ocr.ParseNumberOfPages(res.Stdout)
	if pages == 0 {
		return nil, common.ToolExecutionError("Could not determine PDF page count", nil)
	}

	id := uuid.NewString()
	outDir := filepath.Join(s.dir, id)
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, common.ResourceError("create split directory", err)
	}

	per := PagesPerChunk(info.Size(), pages, s.targetKB)
	logger := s.logger.With("split_id", id, "source", originalName)
	logger.Info("splitting document", "pages", pages, "pages_per_chunk", per)

	out := &Result{ID: id, OriginalFilename: originalName, TotalPages: pages, Chunks: []Chunk{}}
	for n, first := 1, 1; first <= pages; n, first = n+1, first+per {
		last := min(first+per-1, pages)
		name := fmt.Sprintf(chunkPattern, n, first, last)
		path := filepath.Join(outDir, name)

		if _, err := s.tools.Runner().Run(ctx, s.tools.ChunkInvocation(src, first, last, path)); err != nil {
			if ctx.Err() != nil {
				_ = os.RemoveAll(outDir)
				return nil, err
			}
			logger.Warn("failed to create chunk", "chunk", n, "pages", fmt.Sprintf("%d-%d", first, last), "err", err)
			_ = os.Remove(path)
			continue
		}
		st, err := os.Stat(path)
		if err != nil {
			logger.Warn("chunk missing after pdftk", "chunk", n, "err", err)
			continue
		}
		out.Chunks = append(out.Chunks, Chunk{
			Filename:     name,
			PageRange:    fmt.Sprintf("%d-%d", first, last),
			FileSize:     st.Size(),
			DownloadPath: "/downloads/" + id + "/" + name,
		})
	}
	logger.Info("split complete", "chunks", len(out.Chunks))
	return out, nil
}

// Path resolves a chunk written by Split. Anything that is not a session id
// and chunk file name is rejected so callers cannot escape dir.
func (s *Splitter) Path(id, name string) (string, error) {
	if _, err := uuid.Parse(id); err != nil || !chunkName.MatchString(name) {
		return "", common.ErrNotFound
	}
	path := filepath.Join(s.dir, id, name)
	st, err := os.Stat(path)
	if err != nil || !st.Mode().IsRegular() {
		return "", common.ErrNotFound
	}
	return path, nil
}

// Sweep removes sessions older than maxAge.
func (s *Splitter) Sweep(maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, common.ResourceError(fmt.Sprintf("read split directory %s", s.dir), err)
	}
	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := uuid.Parse(e.Name()); err != nil {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(s.dir, e.Name())); err != nil {
			s.logger.Warn("failed to sweep split session", "id", e.Name(), "error", err)
			continue
		}
		removed++
	}
	return removed, nil
}
