package insights

import (
	"fmt"
	"strings"
	"time"

	"github.com/dvloznov/smeinsight/internal/domain"
)

// maxPromptSources caps how many data sources are listed in a prompt.
const maxPromptSources = 20

// BuildPrompt renders the tenant's aggregates and the question into one
// prompt. Only aggregates are sent; individual metric rows never are.
func BuildPrompt(question string, totals []domain.CategoryTotal, sources []domain.DataSourceRecord) string {
	var b strings.Builder

	b.WriteString("You are a business analyst for a small business.\n")
	b.WriteString("Answer the question using ONLY the data below. If the data cannot answer it, say so.\n\n")

	b.WriteString("Totals by category:\n")
	if len(totals) == 0 {
		b.WriteString("  (no metrics uploaded yet)\n")
	}
	for _, t := range totals {
		fmt.Fprintf(&b, "  - %s: total %s across %d records\n", t.Category, t.Total.StringFixed(2), t.Count)
	}

	b.WriteString("\nUploaded data sources (newest first):\n")
	if len(sources) == 0 {
		b.WriteString("  (none)\n")
	}
	for i, ds := range sources {
		if i == maxPromptSources {
			fmt.Fprintf(&b, "  ... and %d more\n", len(sources)-maxPromptSources)
			break
		}
		synced := "never"
		if ds.LastSyncAt != nil {
			synced = ds.LastSyncAt.UTC().Format(time.DateOnly)
		}
		fmt.Fprintf(&b, "  - %s (%s): %d rows, last synced %s\n", ds.Name, ds.Type, ds.RowCount, synced)
	}

	b.WriteString("\nQuestion:\n")
	b.WriteString(question)
	b.WriteString("\n\nReply in plain text. Do NOT use Markdown code fences.\n")

	return b.String()
}
