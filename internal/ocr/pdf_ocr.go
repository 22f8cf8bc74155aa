package ocr

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

const splitPattern = "page-%d.pdf"

// SplitInvocation separates every page of src into outDir/page-N.pdf (1-based).
//
//	pdfseparate <src.pdf> <outDir>/page-%d.pdf
func (t *Tools) SplitInvocation(src, outDir string) Invocation {
	return Invocation{
		Name:    t.cfg.Pdfseparate,
		Args:    []string{src, filepath.Join(outDir, splitPattern)},
		Dir:     outDir,
		Timeout: t.cfg.SplitTimeout,
	}
}

// RasterInvocation renders one single-page PDF to <outPrefix>.png.
//
//	pdftoppm -r 300 -png -singlefile <page.pdf> <outPrefix>
func (t *Tools) RasterInvocation(pagePDF, outPrefix string, timeout time.Duration) Invocation {
	return Invocation{
		Name:       t.cfg.Pdftoppm,
		Args:       []string{"-r", fmt.Sprintf("%d", t.cfg.DPI), "-png", "-singlefile", pagePDF, outPrefix},
		Dir:        filepath.Dir(outPrefix),
		Timeout:    timeout,
		OutputPath: outPrefix + ".png",
	}
}

// CollectSplitPages lists the files written by SplitInvocation ordered by
// page number. pdfseparate does not zero-pad, so lexical order is wrong past 9.
func (t *Tools) CollectSplitPages(outDir string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(outDir, "page-*.pdf"))
	if err != nil {
		return nil, err
	}
	type numbered struct {
		n    int
		path string
	}
	pages := make([]numbered, 0, len(matches))
	for _, m := range matches {
		base := strings.TrimSuffix(strings.TrimPrefix(filepath.Base(m), "page-"), ".pdf")
		n, err := strconv.Atoi(base)
		if err != nil {
			continue
		}
		if st, err := os.Stat(m); err != nil || st.Size() == 0 {
			continue
		}
		pages = append(pages, numbered{n: n, path: m})
	}
	sort.Slice(pages, func(i, j int) bool { return pages[i].n < pages[j].n })

	out := make([]string, 0, len(pages))
	for _, p := range pages {
		out = append(out, p.path)
	}
	if t.cfg.MaxPages > 0 && len(out) > t.cfg.MaxPages {
		t.logger.Warn("page cap reached; extra pages ignored", "pages", len(out), "max_pages", t.cfg.MaxPages)
		out = out[:t.cfg.MaxPages]
	}
	return out, nil
}
