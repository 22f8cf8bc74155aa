package export

import (
	"context"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/xuri/excelize/v2"

	"github.com/joseph-ayodele/sanskrit-ocr/internal/entity"
	"github.com/joseph-ayodele/sanskrit-ocr/internal/repository"
)

const (
	pagesSheet   = "Pages"
	summarySheet = "Summary"
	// Excel rejects cells longer than this.
	maxCellChars = 32767
)

// Service produces downloadable views of stored jobs.
type Service struct {
	repo   repository.JobRepository
	logger *slog.Logger
}

func NewService(repo repository.JobRepository, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, logger: logger}
}

// JobXLSX returns the workbook for a stored job.
func (s *Service) JobXLSX(ctx context.Context, jobID string) ([]byte, error) {
	start := time.Now()
	job, err := s.repo.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	b, err := Workbook(job)
	if err != nil {
		return nil, err
	}
	s.logger.Info("export.xlsx.ok",
		"job_id", jobID,
		"rows", len(job.Pages),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return b, nil
}

// JobText returns the concatenated text for a stored job.
func (s *Service) JobText(ctx context.Context, jobID string) (string, error) {
	job, err := s.repo.Get(ctx, jobID)
	if err != nil {
		return "", err
	}
	return JoinText(job), nil
}

// Workbook renders one row per page plus a summary sheet.
func Workbook(job *entity.Job) ([]byte, error) {
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	// the default sheet becomes the pages sheet
	if err := f.SetSheetName(f.GetSheetName(0), pagesSheet); err != nil {
		return nil, err
	}
	if _, err := f.NewSheet(summarySheet); err != nil {
		return nil, err
	}
	pagesIndex, _ := f.GetSheetIndex(pagesSheet)
	f.SetActiveSheet(pagesIndex)

	headers := []string{"Page", "Status", "Characters", "Duration (ms)", "Error", "Text"}
	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(pagesSheet, cell, h)
	}

	row := 2
	for _, p := range job.Pages {
		write := func(col int, v any) {
			cell, _ := excelize.CoordinatesToCellName(col, row)
			_ = f.SetCellValue(pagesSheet, cell, v)
		}
		write(1, p.Index+1)
		write(2, string(p.Status))
		if p.Text != nil {
			write(3, utf8.RuneCountInString(*p.Text))
			write(6, clip(*p.Text, maxCellChars))
		}
		write(4, p.DurationMS)
		if p.Error != nil {
			write(5, clip(*p.Error, maxCellChars))
		}
		row++
	}

	_ = f.SetColWidth(pagesSheet, "A", "A", 8)
	_ = f.SetColWidth(pagesSheet, "B", "B", 18)
	_ = f.SetColWidth(pagesSheet, "C", "D", 14)
	_ = f.SetColWidth(pagesSheet, "E", "E", 40)
	_ = f.SetColWidth(pagesSheet, "F", "F", 100)

	summary := [][2]any{
		{"Job ID", job.ID},
		{"Source", job.SourceName},
		{"Format", job.Format},
		{"Status", string(job.Status)},
		{"Pages", len(job.Pages)},
		{"Succeeded", job.SucceededPages()},
		{"Created", job.CreatedAt.Format(time.RFC3339)},
	}
	if job.CompletedAt != nil {
		summary = append(summary, [2]any{"Completed", job.CompletedAt.Format(time.RFC3339)})
	}
	if job.Error != nil {
		summary = append(summary, [2]any{"Error", fmt.Sprintf("%s: %s", job.Error.Kind, job.Error.Message)})
	}
	for i, kv := range summary {
		_ = f.SetCellValue(summarySheet, fmt.Sprintf("A%d", i+1), kv[0])
		_ = f.SetCellValue(summarySheet, fmt.Sprintf("B%d", i+1), kv[1])
	}
	_ = f.SetColWidth(summarySheet, "A", "A", 14)
	_ = f.SetColWidth(summarySheet, "B", "B", 48)

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("xlsx write: %w", err)
	}
	return buf.Bytes(), nil
}

func clip(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n-1]) + "…"
}
