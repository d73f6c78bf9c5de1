package engine

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/clinloop/ehr-query-agent/internal/answer"
	"github.com/clinloop/ehr-query-agent/internal/evidence"
	"github.com/clinloop/ehr-query-agent/internal/roster"
	"github.com/clinloop/ehr-query-agent/internal/router"
)

type mockOracle struct {
	proposal router.Proposal
	err      error
}

func (m *mockOracle) Propose(context.Context, string) (router.Proposal, error) {
	return m.proposal, m.err
}

// recordingRetriever serves fixed chunks per patient and records every
// (patientID, query) pair it sees.
type recordingRetriever struct {
	mu           sync.Mutex
	perPatient   map[string][]evidence.Chunk
	general      []evidence.Chunk
	patientQuery map[string][]string
	generalQuery []string
}

func (r *recordingRetriever) ForPatient(_ context.Context, query, patientID string, _ int) ([]evidence.Chunk, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.patientQuery == nil {
		r.patientQuery = map[string][]string{}
	}
	r.patientQuery[patientID] = append(r.patientQuery[patientID], query)
	return r.perPatient[patientID], nil
}

func (r *recordingRetriever) General(_ context.Context, query string, _ int) ([]evidence.Chunk, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.generalQuery = append(r.generalQuery, query)
	return r.general, nil
}

func chunk(content string) evidence.Chunk {
	return evidence.Chunk{Content: content, Identity: evidence.ChunkIdentity("", content)}
}

func testRoster() roster.Roster {
	return roster.Roster{
		{PatientID: "IVF001", FirstName: "Priya", LastName: "Sharma", DateOfBirth: "1988-03-15"},
		{PatientID: "IVF002", FirstName: "Meera", LastName: "Iyer", DateOfBirth: "1991-07-22"},
	}
}

func newEngine(o router.Oracle, r evidence.Retriever) *Engine {
	classifier := router.NewClassifier(o, roster.NewResolver(roster.DefaultResolverConfig()))
	return New(
		classifier,
		r,
		evidence.NewAssembler(r, evidence.AssemblerConfig{}),
		answer.NewBuilder(answer.BuilderConfig{}),
		Config{},
	)
}

func TestRouteSinglePatientByName(t *testing.T) {
	r := &recordingRetriever{perPatient: map[string][]evidence.Chunk{
		"IVF001": {chunk("CBC panel from 2024-02-01")},
	}}
	e := newEngine(&mockOracle{proposal: router.Proposal{
		Intent: "patient_specific", PatientReference: "Priya", Confidence: 0.9,
	}}, r)

	res := e.Route(context.Background(), Request{
		Query:  "Show me Priya's latest labs",
		Roster: testRoster(),
	})
	if res.Decision.Intent != router.IntentPatientSpecific {
		t.Fatalf("expected patient_specific, got %s", res.Decision.Intent)
	}
	if res.Decision.ResolvedPatient == nil || res.Decision.ResolvedPatient.PatientID != "IVF001" {
		t.Fatalf("expected IVF001, got %+v", res.Decision.ResolvedPatient)
	}
	if res.NeedsClarification() {
		t.Fatal("resolved single-patient query must produce messages")
	}
	if res.Messages[0].Content != answer.SystemClinical {
		t.Fatalf("wrong system instruction: %q", res.Messages[0].Content)
	}
	last := res.Messages[len(res.Messages)-1].Content
	if !strings.Contains(last, "CBC panel") {
		t.Fatalf("retrieved evidence missing from prompt: %q", last)
	}
}

func TestRouteMultiPatientRewritesAndInterleaves(t *testing.T) {
	r := &recordingRetriever{perPatient: map[string][]evidence.Chunk{
		"IVF001": {chunk("Priya height 162 cm")},
		"IVF002": {chunk("Meera height 158 cm")},
	}}
	e := newEngine(&mockOracle{proposal: router.Proposal{
		Intent:            "multi_patient",
		PatientReferences: []string{"Priya", "Meera"},
		Confidence:        0.9,
	}}, r)

	res := e.Route(context.Background(), Request{
		Query:  "Compare Priya's height with Meera's height",
		Roster: testRoster(),
	})
	if res.Decision.Intent != router.IntentMultiPatient {
		t.Fatalf("expected multi_patient, got %s", res.Decision.Intent)
	}
	if len(res.Decision.ResolvedPatients) != 2 ||
		res.Decision.ResolvedPatients[0].PatientID != "IVF001" ||
		res.Decision.ResolvedPatients[1].PatientID != "IVF002" {
		t.Fatalf("mention order lost: %+v", res.Decision.ResolvedPatients)
	}
	for _, pid := range []string{"IVF001", "IVF002"} {
		if len(r.patientQuery[pid]) == 0 || r.patientQuery[pid][0] != "height measurement" {
			t.Fatalf("agnostic pass for %s should use the rewritten attribute phrase, got %v", pid, r.patientQuery[pid])
		}
	}
	last := res.Messages[len(res.Messages)-1].Content
	if !strings.Contains(last, "[Priya Sharma]") || !strings.Contains(last, "[Meera Iyer]") {
		t.Fatalf("interleaved evidence not tagged per patient: %q", last)
	}
	if res.Messages[0].Content != answer.SystemMulti {
		t.Fatalf("wrong system instruction: %q", res.Messages[0].Content)
	}
}

func TestRouteOracleFailureStillAnswersGeneral(t *testing.T) {
	r := &recordingRetriever{general: []evidence.Chunk{chunk("hypertension guideline excerpt")}}
	e := newEngine(&mockOracle{err: context.DeadlineExceeded}, r)

	res := e.Route(context.Background(), Request{Query: "anything", Roster: testRoster()})
	if res.Decision.Intent != router.IntentGeneral {
		t.Fatalf("expected degraded general decision, got %s", res.Decision.Intent)
	}
	if res.Decision.Confidence != router.DefaultConfidence {
		t.Fatalf("expected default confidence, got %v", res.Decision.Confidence)
	}
	if res.NeedsClarification() {
		t.Fatal("general path must still build messages")
	}
	if len(r.generalQuery) != 1 {
		t.Fatalf("expected one general retrieval, got %v", r.generalQuery)
	}
}

func TestRouteNoContextIsTerminal(t *testing.T) {
	e := newEngine(&mockOracle{proposal: router.Proposal{
		Intent: "patient_specific", Confidence: 0.8,
	}}, &recordingRetriever{})

	res := e.Route(context.Background(), Request{
		Query:  "What are her current vitals?",
		Roster: testRoster(),
	})
	if res.Decision.Intent != router.IntentPatientSpecificNoContext {
		t.Fatalf("expected no_context, got %s", res.Decision.Intent)
	}
	if !res.NeedsClarification() {
		t.Fatal("terminal decision must not carry messages")
	}
}

func TestRouteLockedPatientAnswersWithoutReference(t *testing.T) {
	r := &recordingRetriever{perPatient: map[string][]evidence.Chunk{
		"IVF002": {chunk("Meera vitals stable")},
	}}
	e := newEngine(&mockOracle{proposal: router.Proposal{
		Intent: "patient_specific", Confidence: 0.8,
	}}, r)

	locked := []roster.PatientRecord{{PatientID: "IVF002", FirstName: "Meera", LastName: "Iyer"}}
	res := e.Route(context.Background(), Request{
		Query:          "What are her current vitals?",
		Roster:         testRoster(),
		LockedPatients: locked,
	})
	if res.Decision.Intent != router.IntentPatientSpecificUseLocked {
		t.Fatalf("expected use_locked, got %s", res.Decision.Intent)
	}
	if res.NeedsClarification() {
		t.Fatal("locked patient should produce an answerable payload")
	}
	if len(r.patientQuery["IVF002"]) != 1 {
		t.Fatalf("expected retrieval against the locked patient, got %v", r.patientQuery)
	}
}

func TestRouteAmbiguousReferenceIsTerminalWithCandidates(t *testing.T) {
	e := newEngine(&mockOracle{proposal: router.Proposal{
		Intent: "patient_specific", PatientReference: "IVF", Confidence: 0.8,
	}}, &recordingRetriever{})

	res := e.Route(context.Background(), Request{Query: "IVF patient vitals", Roster: testRoster()})
	if !res.NeedsClarification() {
		t.Fatal("ambiguous reference must be terminal")
	}
	if len(res.Decision.Candidates) != 2 {
		t.Fatalf("expected 2 candidates, got %+v", res.Decision.Candidates)
	}
}

func TestRouteHistoryCarriedIntoPrompt(t *testing.T) {
	r := &recordingRetriever{general: []evidence.Chunk{chunk("doc")}}
	e := newEngine(&mockOracle{proposal: router.Proposal{Intent: "general", Confidence: 0.9}}, r)

	history := []answer.Message{
		{Role: answer.RoleUser, Content: "prior question"},
		{Role: answer.RoleAssistant, Content: "prior answer"},
	}
	res := e.Route(context.Background(), Request{Query: "follow-up", Roster: testRoster(), History: history})
	if len(res.Messages) != 4 {
		t.Fatalf("expected system + 2 history + query, got %d", len(res.Messages))
	}
	if res.Messages[1].Content != "prior question" {
		t.Fatalf("history dropped: %+v", res.Messages)
	}
}
