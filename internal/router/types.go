// Package router classifies a query's intent and resolves any patient
// references it names, producing a routing decision for the retrieval step.
package router

import "github.com/clinloop/ehr-query-agent/internal/roster"

// IntentKind is the closed set of routing outcomes. Exactly one holds per
// decision.
type IntentKind string

const (
	IntentGeneral                  IntentKind = "general"
	IntentPatientSpecific          IntentKind = "patient_specific"
	IntentPatientSpecificUseLocked IntentKind = "patient_specific_use_locked"
	IntentPatientSpecificNoContext IntentKind = "patient_specific_no_context"
	IntentPatientSpecificNotFound  IntentKind = "patient_specific_not_found"
	IntentMultiPatient             IntentKind = "multi_patient"
)

// DefaultConfidence is used whenever the oracle fails or omits a confidence.
const DefaultConfidence = 0.5

// Proposal is the oracle's raw suggestion before deterministic refinement.
type Proposal struct {
	Intent            string   `json:"intent"`
	PatientReference  string   `json:"patient_reference"`
	PatientReferences []string `json:"patient_references"`
	Confidence        float64  `json:"confidence"`
}

// RoutingDecision is the classifier's output for one query. It is produced
// fresh per call and never persisted. Ambiguity and not-found are terminal
// decisions for the caller to render, not errors.
type RoutingDecision struct {
	Intent               IntentKind              `json:"intent"`
	PatientReference     string                  `json:"patient_reference,omitempty"`
	PatientReferences    []string                `json:"patient_references,omitempty"`
	ResolvedPatient      *roster.PatientRecord   `json:"resolved_patient,omitempty"`
	ResolvedPatients     []roster.PatientRecord  `json:"resolved_patients,omitempty"`
	Candidates           []roster.PatientRecord  `json:"candidates,omitempty"`
	UnresolvedReferences []string                `json:"unresolved_references,omitempty"`
	Confidence           float64                 `json:"confidence"`
}
