package evidence

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/clinloop/ehr-query-agent/internal/roster"
)

// scriptedRetriever returns a fixed chunk list per patient id regardless of
// query, erroring for ids listed in fail. It counts calls per patient so
// tests can assert on pass behavior.
type scriptedRetriever struct {
	mu      sync.Mutex
	chunks  map[string][]Chunk
	fail    map[string]error
	queries map[string][]string
}

func (s *scriptedRetriever) ForPatient(_ context.Context, query, patientID string, _ int) ([]Chunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queries == nil {
		s.queries = map[string][]string{}
	}
	s.queries[patientID] = append(s.queries[patientID], query)
	if err, ok := s.fail[patientID]; ok {
		return nil, err
	}
	return s.chunks[patientID], nil
}

func (s *scriptedRetriever) General(context.Context, string, int) ([]Chunk, error) {
	return nil, nil
}

func chunksOf(patientID string, n int) []Chunk {
	var out []Chunk
	for i := 0; i < n; i++ {
		content := fmt.Sprintf("%s note %d", patientID, i)
		out = append(out, Chunk{Content: content, Identity: ChunkIdentity("", content)})
	}
	return out
}

func assemblerPatients() []roster.PatientRecord {
	return []roster.PatientRecord{
		{PatientID: "A1", FirstName: "Priya", LastName: "Sharma"},
		{PatientID: "B1", FirstName: "Meera", LastName: "Iyer"},
		{PatientID: "C1", FirstName: "Alex", LastName: "Tan"},
	}
}

func TestAssembleRoundRobinInterleave(t *testing.T) {
	r := &scriptedRetriever{
		chunks: map[string][]Chunk{
			"A1": chunksOf("A1", 3),
			"B1": chunksOf("B1", 1),
			"C1": nil,
		},
	}
	a := NewAssembler(r, AssemblerConfig{})
	items, _ := a.Assemble(context.Background(), "compare the records", assemblerPatients())

	if len(items) != 5 {
		t.Fatalf("expected summary + 4 chunks, got %d items: %v", len(items), items)
	}
	wantOrder := []string{"A1 note 0", "B1 note 0", "A1 note 1", "A1 note 2"}
	for i, want := range wantOrder {
		if !strings.Contains(items[i+1], want) {
			t.Fatalf("item %d = %q, want it to contain %q", i+1, items[i+1], want)
		}
	}
	if !strings.HasPrefix(items[1], "[Priya Sharma]") || !strings.HasPrefix(items[2], "[Meera Iyer]") {
		t.Fatalf("chunks must be tagged with the owning patient: %v", items[1:3])
	}
}

func TestAssembleSummaryReportsZeroCountPatient(t *testing.T) {
	r := &scriptedRetriever{
		chunks: map[string][]Chunk{
			"A1": chunksOf("A1", 2),
			"B1": chunksOf("B1", 2),
			"C1": nil,
		},
	}
	a := NewAssembler(r, AssemblerConfig{})
	items, _ := a.Assemble(context.Background(), "compare the records", assemblerPatients())

	summary := items[0]
	if !strings.Contains(summary, "Alex Tan: 0 chunks") {
		t.Fatalf("starved patient missing from summary: %q", summary)
	}
	if !strings.Contains(summary, "Priya Sharma: 2 chunks") {
		t.Fatalf("counts missing from summary: %q", summary)
	}
}

func TestAssembleDedupesRepeatedPasses(t *testing.T) {
	// Every pass returns the same two chunks; the merge must keep each once.
	r := &scriptedRetriever{
		chunks: map[string][]Chunk{"A1": chunksOf("A1", 2)},
	}
	a := NewAssembler(r, AssemblerConfig{})
	patients := assemblerPatients()[:1]
	items, _ := a.Assemble(context.Background(), "compare height trends", patients)

	if len(items) != 3 {
		t.Fatalf("expected summary + 2 deduped chunks, got %d: %v", len(items), items)
	}
}

func TestAssembleFailedPassContributesZero(t *testing.T) {
	r := &scriptedRetriever{
		chunks: map[string][]Chunk{"B1": chunksOf("B1", 1)},
		fail:   map[string]error{"A1": errors.New("backend unavailable")},
	}
	a := NewAssembler(r, AssemblerConfig{})
	items, _ := a.Assemble(context.Background(), "compare the records", assemblerPatients()[:2])

	summary := items[0]
	if !strings.Contains(summary, "Priya Sharma: 0 chunks") {
		t.Fatalf("failed patient should surface as zero, got %q", summary)
	}
	if len(items) != 2 {
		t.Fatalf("expected summary + 1 chunk from the healthy patient, got %v", items)
	}
}

func TestAssembleEmergencyPassRunsOnlyWhenStarved(t *testing.T) {
	r := &scriptedRetriever{
		chunks: map[string][]Chunk{"A1": nil},
	}
	a := NewAssembler(r, AssemblerConfig{})
	a.Assemble(context.Background(), "compare the records", assemblerPatients()[:1])

	queries := r.queries["A1"]
	found := false
	for _, q := range queries {
		if q == "patient data" {
			found = true
		}
	}
	if !found {
		t.Fatalf("emergency probes not issued for starved patient: %v", queries)
	}
}

func TestAssembleHeightQueriesAddTargetedPasses(t *testing.T) {
	r := &scriptedRetriever{
		chunks: map[string][]Chunk{"A1": chunksOf("A1", 1)},
	}
	a := NewAssembler(r, AssemblerConfig{})
	a.Assemble(context.Background(), "Compare Priya's height with Meera's height", assemblerPatients()[:1])

	queries := r.queries["A1"]
	if len(queries) != 6 {
		t.Fatalf("expected 3 base + 3 height passes, got %d: %v", len(queries), queries)
	}
	if queries[len(queries)-1] != "anthropometric measurements" {
		t.Fatalf("height strategies missing: %v", queries)
	}
}

func TestAssembleSourcesFollowInterleaveOrder(t *testing.T) {
	aChunks := chunksOf("A1", 2)
	for i := range aChunks {
		aChunks[i].Metadata = map[string]any{"patient_id": "A1", "row": i}
	}
	bChunks := chunksOf("B1", 1)
	bChunks[0].Metadata = map[string]any{"patient_id": "B1", "row": 0}
	r := &scriptedRetriever{
		chunks: map[string][]Chunk{"A1": aChunks, "B1": bChunks},
	}
	a := NewAssembler(r, AssemblerConfig{})
	_, sources := a.Assemble(context.Background(), "compare the records", assemblerPatients()[:2])

	if len(sources) != 3 {
		t.Fatalf("expected 3 sources, got %d", len(sources))
	}
	if sources[0]["patient_id"] != "A1" || sources[1]["patient_id"] != "B1" || sources[2]["patient_id"] != "A1" {
		t.Fatalf("sources out of interleave order: %v", sources)
	}
}
