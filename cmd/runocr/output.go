package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"unicode/utf8"

	"github.com/olekukonko/tablewriter"

	"github.com/joseph-ayodele/sanskrit-ocr/internal/chunk"
	"github.com/joseph-ayodele/sanskrit-ocr/internal/entity"
)

const previewRunes = 40

func cmdOutput() io.Writer { return os.Stdout }

// printError prints an error message to stderr, falling back to stdout if stderr fails
func printError(format string, args ...interface{}) {
	if _, err := fmt.Fprintf(os.Stderr, format, args...); err != nil {
		fmt.Printf(format, args...)
	}
}

func printJSON(w io.Writer, job *entity.Job) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	return enc.Encode(job)
}

func printTable(w io.Writer, job *entity.Job) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Page", "Status", "Chars", "Duration", "Text / Error"})
	table.SetBorder(false)
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)

	for _, p := range job.Pages {
		chars, detail := "", ""
		if p.Text != nil {
			chars = strconv.Itoa(utf8.RuneCountInString(*p.Text))
			detail = preview(*p.Text)
		}
		if p.Error != nil {
			detail = *p.Error
		}
		table.Append([]string{
			strconv.Itoa(p.Index + 1),
			string(p.Status),
			chars,
			fmt.Sprintf("%dms", p.DurationMS),
			detail,
		})
	}
	table.SetFooter([]string{"", string(job.Status), "", "", fmt.Sprintf("%d/%d pages", job.SucceededPages(), len(job.Pages))})
	table.Render()
}

func preview(s string) string {
	out := make([]rune, 0, previewRunes)
	for _, r := range s {
		if len(out) == previewRunes {
			return string(out) + "…"
		}
		if r == '\n' || r == '\r' || r == '\t' {
			r = ' '
		}
		out = append(out, r)
	}
	return string(out)
}

func printSplitJSON(w io.Writer, res *chunk.Result) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	return enc.Encode(res)
}

// printChunks lists the chunks of one split with their location on disk.
func printChunks(w io.Writer, dir string, res *chunk.Result) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Chunk", "Pages", "Size (KB)", "Path"})
	table.SetBorder(false)
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	for _, c := range res.Chunks {
		table.Append([]string{
			c.Filename,
			c.PageRange,
			strconv.FormatInt(c.FileSize/1024, 10),
			filepath.Join(dir, res.ID, c.Filename),
		})
	}
	table.SetFooter([]string{"", fmt.Sprintf("%d pages", res.TotalPages), fmt.Sprintf("%d chunks", len(res.Chunks)), ""})
	table.Render()
}
