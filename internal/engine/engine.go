// Package engine runs the per-query pipeline: classify intent, resolve
// patients, retrieve evidence, and build the bounded message payload. It
// holds no cross-turn state; the caller passes the roster, history, and
// locked patients in on every call.
package engine

import (
	"context"
	"log"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/clinloop/ehr-query-agent/internal/answer"
	"github.com/clinloop/ehr-query-agent/internal/evidence"
	"github.com/clinloop/ehr-query-agent/internal/roster"
	"github.com/clinloop/ehr-query-agent/internal/router"
)

var tracer = otel.Tracer("github.com/clinloop/ehr-query-agent/internal/engine")

// Request carries one query plus all cross-turn state the caller owns.
type Request struct {
	Query          string
	Roster         roster.Roster
	History        []answer.Message
	LockedPatients []roster.PatientRecord
}

// Result is the routing decision plus, when the decision admits an answer,
// the built message payload and the metadata of every chunk behind it.
type Result struct {
	Decision router.RoutingDecision
	Messages []answer.Message
	Sources  []map[string]any
}

// NeedsClarification reports whether the caller must render the decision as
// clarification text instead of streaming an answer.
func (r Result) NeedsClarification() bool {
	return len(r.Messages) == 0
}

type Config struct {
	// RetrieveK is the candidate count for general and single-patient
	// retrieval.
	RetrieveK int
}

type Engine struct {
	classifier *router.Classifier
	retriever  evidence.Retriever
	assembler  *evidence.Assembler
	builder    *answer.Builder
	retrieveK  int
}

func New(classifier *router.Classifier, retriever evidence.Retriever, assembler *evidence.Assembler, builder *answer.Builder, cfg Config) *Engine {
	if cfg.RetrieveK <= 0 {
		cfg.RetrieveK = 6
	}
	return &Engine{
		classifier: classifier,
		retriever:  retriever,
		assembler:  assembler,
		builder:    builder,
		retrieveK:  cfg.RetrieveK,
	}
}

// Route classifies the query and, for answerable decisions, retrieves
// evidence and builds the message payload. Terminal decisions (ambiguous,
// not found, missing context) come back with no messages; the caller turns
// them into clarification text. Route never returns an error: every failure
// mode degrades to a usable decision.
func (e *Engine) Route(ctx context.Context, req Request) Result {
	ctx, span := tracer.Start(ctx, "engine.Route")
	defer span.End()

	decision := e.classify(ctx, req)
	span.SetAttributes(
		attribute.String("route.intent", string(decision.Intent)),
		attribute.Float64("route.confidence", decision.Confidence),
		attribute.Int("route.resolved_patients", len(decision.ResolvedPatients)),
	)

	switch decision.Intent {
	case router.IntentGeneral:
		items, sources := e.retrieveGeneral(ctx, req.Query)
		messages := e.builder.Build(answer.SystemGeneral, items, req.History, req.Query, 0)
		return Result{Decision: decision, Messages: messages, Sources: sources}

	case router.IntentPatientSpecific, router.IntentPatientSpecificUseLocked:
		if decision.ResolvedPatient == nil {
			return Result{Decision: decision}
		}
		items, sources := e.retrieveSingle(ctx, req.Query, decision.ResolvedPatient.PatientID)
		messages := e.builder.Build(answer.SystemClinical, items, req.History, req.Query, 1)
		return Result{Decision: decision, Messages: messages, Sources: sources}

	case router.IntentMultiPatient:
		ctx, assembleSpan := tracer.Start(ctx, "engine.Assemble")
		items, sources := e.assembler.Assemble(ctx, req.Query, decision.ResolvedPatients)
		assembleSpan.SetAttributes(attribute.Int("assemble.items", len(items)))
		assembleSpan.End()
		messages := e.builder.Build(answer.SystemMulti, items, req.History, req.Query, len(decision.ResolvedPatients))
		return Result{Decision: decision, Messages: messages, Sources: sources}

	default:
		return Result{Decision: decision}
	}
}

func (e *Engine) classify(ctx context.Context, req Request) router.RoutingDecision {
	ctx, span := tracer.Start(ctx, "engine.Classify")
	defer span.End()
	return e.classifier.Classify(ctx, req.Query, req.Roster, req.LockedPatients)
}

// retrieveGeneral queries the non-patient corpus. A backend failure is an
// empty context, never a routing error.
func (e *Engine) retrieveGeneral(ctx context.Context, query string) ([]string, []map[string]any) {
	ctx, span := tracer.Start(ctx, "engine.RetrieveGeneral")
	defer span.End()
	chunks, err := e.retriever.General(ctx, query, e.retrieveK)
	if err != nil {
		log.Printf("general retrieval failed: %v", err)
		return nil, nil
	}
	return flatten(chunks)
}

func (e *Engine) retrieveSingle(ctx context.Context, query, patientID string) ([]string, []map[string]any) {
	ctx, span := tracer.Start(ctx, "engine.RetrievePatient")
	span.SetAttributes(attribute.String("retrieve.patient_id", patientID))
	defer span.End()
	chunks, err := e.retriever.ForPatient(ctx, query, patientID, e.retrieveK)
	if err != nil {
		log.Printf("patient retrieval for %s failed: %v", patientID, err)
		return nil, nil
	}
	return flatten(chunks)
}

func flatten(chunks []evidence.Chunk) ([]string, []map[string]any) {
	var items []string
	var sources []map[string]any
	for _, c := range chunks {
		items = append(items, c.Content)
		sources = append(sources, c.Metadata)
	}
	return items, sources
}
