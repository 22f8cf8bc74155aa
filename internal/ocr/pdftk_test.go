package ocr

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPdftkInvocations(t *testing.T) {
	tools := NewTools(Config{SplitTimeout: 2 * time.Minute}, nil, nil)
	assert.Equal(t, "pdftk", tools.Config().Pdftk)

	count := tools.PageCountInvocation("/up/scan.pdf")
	assert.Equal(t, "pdftk /up/scan.pdf dump_data", count.String())
	assert.Equal(t, 2*time.Minute, count.Timeout)
	assert.Empty(t, count.OutputPath)

	chunk := tools.ChunkInvocation("/up/scan.pdf", 11, 20, "/splits/x/chunk_002_pages_11-20.pdf")
	assert.Equal(t, "pdftk /up/scan.pdf cat 11-20 output /splits/x/chunk_002_pages_11-20.pdf", chunk.String())
	assert.Equal(t, "/splits/x/chunk_002_pages_11-20.pdf", chunk.OutputPath)
	assert.Equal(t, 2*time.Minute, chunk.Timeout)
}

func TestParseNumberOfPages(t *testing.T) {
	tests := []struct {
		name string
		dump string
		want int
	}{
		{"typical", "InfoBegin\nInfoKey: Title\nInfoValue: Rigveda\nPdfID0: 1a2b\nNumberOfPages: 42\nPageMediaBegin\n", 42},
		{"padded", "  NumberOfPages:   7  \n", 7},
		{"missing", "InfoBegin\nInfoKey: Creator\n", 0},
		{"malformed", "NumberOfPages: many\n", 0},
		{"empty", "", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseNumberOfPages([]byte(tt.dump)))
		})
	}
}
