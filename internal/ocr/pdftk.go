package ocr

import (
	"bufio"
	"bytes"
	"fmt"
	"strconv"
	"strings"
)

// PageCountInvocation asks pdftk for the document metadata.
//
//	pdftk <src.pdf> dump_data
func (t *Tools) PageCountInvocation(src string) Invocation {
	return Invocation{
		Name:    t.cfg.Pdftk,
		Args:    []string{src, "dump_data"},
		Timeout: t.cfg.SplitTimeout,
	}
}

// ChunkInvocation copies pages first..last (1-based, inclusive) of src into out.
//
//	pdftk <src.pdf> cat <first>-<last> output <out.pdf>
func (t *Tools) ChunkInvocation(src string, first, last int, out string) Invocation {
	return Invocation{
		Name:       t.cfg.Pdftk,
		Args:       []string{src, "cat", fmt.Sprintf("%d-%d", first, last), "output", out},
		Timeout:    t.cfg.SplitTimeout,
		OutputPath: out,
	}
}

// ParseNumberOfPages reads the "NumberOfPages: N" line of dump_data output.
// It returns 0 when the line is missing or malformed.
func ParseNumberOfPages(dump []byte) int {
	sc := bufio.NewScanner(bytes.NewReader(dump))
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		v, ok := strings.CutPrefix(line, "NumberOfPages:")
		if !ok {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil || n < 0 {
			return 0
		}
		return n
	}
	return 0
}
