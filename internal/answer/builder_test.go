package answer

import (
	"strings"
	"testing"
)

func TestBuildOrdersSystemHistoryQuery(t *testing.T) {
	b := NewBuilder(BuilderConfig{})
	history := []Message{
		{Role: RoleUser, Content: "earlier question"},
		{Role: RoleAssistant, Content: "earlier answer"},
	}
	msgs := b.Build(SystemClinical, []string{"chunk one"}, history, "current question", 1)

	if len(msgs) != 4 {
		t.Fatalf("expected 4 messages, got %d", len(msgs))
	}
	if msgs[0].Role != RoleSystem || msgs[0].Content != SystemClinical {
		t.Fatalf("system instruction not first: %+v", msgs[0])
	}
	if msgs[1].Content != "earlier question" || msgs[2].Content != "earlier answer" {
		t.Fatalf("history out of order: %+v", msgs[1:3])
	}
	last := msgs[len(msgs)-1]
	if last.Role != RoleUser {
		t.Fatalf("query must be the final user message, got role %s", last.Role)
	}
	if !strings.Contains(last.Content, "CONTEXT:\nchunk one") || !strings.Contains(last.Content, "QUESTION: current question") {
		t.Fatalf("prompt payload malformed: %q", last.Content)
	}
}

func TestBuildDropsOldestTurns(t *testing.T) {
	b := NewBuilder(BuilderConfig{MaxRecentTurns: 2})
	history := []Message{
		{Role: RoleUser, Content: "turn 1"},
		{Role: RoleAssistant, Content: "turn 2"},
		{Role: RoleUser, Content: "turn 3"},
	}
	msgs := b.Build(SystemGeneral, nil, history, "q", 0)

	if len(msgs) != 4 {
		t.Fatalf("expected system + 2 turns + query, got %d", len(msgs))
	}
	if msgs[1].Content != "turn 2" || msgs[2].Content != "turn 3" {
		t.Fatalf("oldest turn should be dropped, kept %q and %q", msgs[1].Content, msgs[2].Content)
	}
}

func TestBuildCapsContextItems(t *testing.T) {
	b := NewBuilder(BuilderConfig{MaxContextItems: 2})
	msgs := b.Build(SystemGeneral, []string{"a", "b", "c"}, nil, "q", 0)

	last := msgs[len(msgs)-1].Content
	if !strings.Contains(last, "a\n---\nb") {
		t.Fatalf("kept items missing or separator wrong: %q", last)
	}
	if strings.Contains(last, "\nc\n") || strings.Contains(last, "b\n---\nc") {
		t.Fatalf("item past the cap leaked into the prompt: %q", last)
	}
}

func TestBuildMultiPatientCapScalesWithPatientCount(t *testing.T) {
	b := NewBuilder(BuilderConfig{MaxContextItems: 2, ItemsPerPatient: 3})
	items := []string{"i0", "i1", "i2", "i3", "i4", "i5", "i6"}
	msgs := b.Build(SystemMulti, items, nil, "compare", 2)

	last := msgs[len(msgs)-1].Content
	if !strings.Contains(last, "i5") {
		t.Fatalf("multi-patient cap should admit 6 items: %q", last)
	}
	if strings.Contains(last, "i6") {
		t.Fatalf("item past the scaled cap leaked: %q", last)
	}
}

func TestBuildEmptyContextRendersPlaceholder(t *testing.T) {
	b := NewBuilder(BuilderConfig{})
	msgs := b.Build(SystemClinical, nil, nil, "q", 1)

	last := msgs[len(msgs)-1].Content
	if !strings.Contains(last, emptyContextPlaceholder) {
		t.Fatalf("empty context must render the placeholder: %q", last)
	}
}
