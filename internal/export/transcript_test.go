package export

import (
	"strings"
	"testing"
	"time"

	"github.com/clinloop/ehr-query-agent/internal/session"
)

func TestTranscriptMarkdownRendersTurns(t *testing.T) {
	turns := []session.Turn{
		{Role: "user", Content: "What are Priya's meds?"},
		{Role: "assistant", Content: "Letrozole 2.5 mg daily.", Sources: []map[string]any{
			{"doc_id": "meds_2025.txt", "patient_id": "IVF001"},
		}},
	}
	md := TranscriptMarkdown("Conversation transcript: Priya Sharma", turns, time.Date(2026, 8, 23, 10, 0, 0, 0, time.UTC))

	if !strings.HasPrefix(md, "# Conversation transcript: Priya Sharma\n") {
		t.Fatalf("title missing: %q", md[:60])
	}
	if !strings.Contains(md, "## Clinician\n\nWhat are Priya's meds?") {
		t.Fatalf("user turn missing: %q", md)
	}
	if !strings.Contains(md, "## Assistant\n\nLetrozole 2.5 mg daily.") {
		t.Fatalf("assistant turn missing: %q", md)
	}
	if !strings.Contains(md, "- doc_id: meds_2025.txt, patient_id: IVF001") {
		t.Fatalf("sources not rendered: %q", md)
	}
}

func TestTranscriptMarkdownEmpty(t *testing.T) {
	md := TranscriptMarkdown("Conversation transcript", nil, time.Now())
	if !strings.Contains(md, "_No conversation turns._") {
		t.Fatalf("empty transcript placeholder missing: %q", md)
	}
}

func TestBuildHTMLEscapesTitle(t *testing.T) {
	doc, err := buildHTML("A <b>title</b>", nil)
	if err != nil {
		t.Fatalf("buildHTML: %v", err)
	}
	if !strings.Contains(doc, "<title>A &lt;b&gt;title&lt;/b&gt;</title>") {
		t.Fatalf("title not escaped: %q", doc)
	}
	if !strings.Contains(doc, "<body>") || !strings.Contains(doc, "</html>") {
		t.Fatal("document skeleton incomplete")
	}
}

func TestSourceLabelStableOrder(t *testing.T) {
	src := map[string]any{"zeta": 1, "alpha": 2, "doc_id": "d.txt"}
	got := sourceLabel(src)
	if got != "doc_id: d.txt, alpha: 2, zeta: 1" {
		t.Fatalf("unexpected label: %q", got)
	}
	if sourceLabel(nil) != "(unknown source)" {
		t.Fatal("nil metadata should have a placeholder label")
	}
}
