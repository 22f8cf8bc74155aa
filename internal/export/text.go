package export

import (
	"fmt"
	"strings"

	"github.com/joseph-ayodele/sanskrit-ocr/internal/entity"
)

// JoinText concatenates recognized page text in page order, each page behind
// a "━━━ Page N ━━━" banner (1-based). Pages without text, or whose text is
// only whitespace, are skipped. Page text itself is not altered.
func JoinText(job *entity.Job) string {
	var b strings.Builder
	for _, p := range job.Pages {
		if p.Text == nil || strings.TrimSpace(*p.Text) == "" {
			continue
		}
		fmt.Fprintf(&b, "\n━━━ Page %d ━━━\n", p.Index+1)
		b.WriteString(*p.Text)
	}
	return strings.TrimPrefix(b.String(), "\n")
}
