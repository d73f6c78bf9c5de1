// Package export renders session transcripts to markdown and PDF.
package export

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/clinloop/ehr-query-agent/internal/session"
)

// TranscriptMarkdown renders the transcript as GFM markdown. Assistant
// turns list the metadata of the evidence behind them so an exported
// conversation stays auditable.
func TranscriptMarkdown(title string, turns []session.Turn, exportedAt time.Time) string {
	var out strings.Builder
	fmt.Fprintf(&out, "# %s\n\n", title)
	fmt.Fprintf(&out, "**Exported:** %s\n\n", exportedAt.Format("January 2, 2006 at 3:04 PM MST"))

	if len(turns) == 0 {
		out.WriteString("_No conversation turns._\n")
		return out.String()
	}

	for _, t := range turns {
		switch t.Role {
		case "assistant":
			out.WriteString("## Assistant\n\n")
		default:
			out.WriteString("## Clinician\n\n")
		}
		out.WriteString(strings.TrimSpace(t.Content))
		out.WriteString("\n\n")
		if len(t.Sources) > 0 {
			out.WriteString("**Sources:**\n\n")
			for _, src := range t.Sources {
				out.WriteString("- " + sourceLabel(src) + "\n")
			}
			out.WriteString("\n")
		}
	}
	return out.String()
}

// sourceLabel flattens one chunk's metadata into a stable, readable line.
func sourceLabel(src map[string]any) string {
	if src == nil {
		return "(unknown source)"
	}
	preferred := []string{"doc_id", "patient_id"}
	var parts []string
	seen := map[string]bool{}
	for _, key := range preferred {
		if v, ok := src[key]; ok {
			parts = append(parts, fmt.Sprintf("%s: %v", key, v))
			seen[key] = true
		}
	}
	var rest []string
	for k := range src {
		if !seen[k] {
			rest = append(rest, k)
		}
	}
	sort.Strings(rest)
	for _, k := range rest {
		parts = append(parts, fmt.Sprintf("%s: %v", k, src[k]))
	}
	if len(parts) == 0 {
		return "(unknown source)"
	}
	return strings.Join(parts, ", ")
}
