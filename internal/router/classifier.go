package router

import (
	"context"
	"log"
	"strings"

	"github.com/clinloop/ehr-query-agent/internal/roster"
)

// Oracle proposes an initial intent and patient-reference extraction for a
// query. Implementations are fallible and advisory; the classifier treats
// any error as a signal to degrade, never to fail.
type Oracle interface {
	Propose(ctx context.Context, query string) (Proposal, error)
}

// Classifier turns a raw query into a RoutingDecision using the oracle's
// proposal refined by deterministic patient resolution. It holds no state
// across calls; locked patients are passed in by the caller.
type Classifier struct {
	oracle   Oracle
	resolver *roster.Resolver
}

func NewClassifier(oracle Oracle, resolver *roster.Resolver) *Classifier {
	return &Classifier{oracle: oracle, resolver: resolver}
}

// Classify never returns an error: an unreachable or malformed oracle
// degrades the decision to general intent at the default confidence.
func (c *Classifier) Classify(ctx context.Context, query string, r roster.Roster, locked []roster.PatientRecord) RoutingDecision {
	proposal, err := c.oracle.Propose(ctx, query)
	if err != nil {
		log.Printf("routing oracle failed, defaulting to general: %v", err)
		proposal = Proposal{Intent: string(IntentGeneral), Confidence: DefaultConfidence}
	}
	if proposal.Confidence <= 0 || proposal.Confidence > 1 {
		proposal.Confidence = DefaultConfidence
	}

	switch proposal.Intent {
	case string(IntentMultiPatient):
		return c.classifyMulti(query, proposal, r, locked)
	case string(IntentPatientSpecific):
		return c.classifySingle(proposal.PatientReference, proposal.Confidence, r, locked)
	default:
		// Unknown intents from the oracle collapse into general.
		return RoutingDecision{Intent: IntentGeneral, Confidence: proposal.Confidence}
	}
}

// classifyMulti resolves every named patient and refuses partial
// comparisons: if two or more patients were named but fewer than two
// resolve, the decision is not_found with the unresolved references
// preserved, never a silent subset comparison.
func (c *Classifier) classifyMulti(query string, proposal Proposal, r roster.Roster, locked []roster.PatientRecord) RoutingDecision {
	refs := dedupeReferences(proposal.PatientReferences)
	if len(refs) < 2 {
		// The oracle under-extracted; merge in the deterministic
		// pattern fallback over the raw query.
		refs = dedupeReferences(append(refs, ExtractNameReferences(query)...))
	}
	if len(refs) < 2 {
		ref := proposal.PatientReference
		if ref == "" && len(refs) == 1 {
			ref = refs[0]
		}
		return c.classifySingle(ref, proposal.Confidence, r, locked)
	}

	decision := RoutingDecision{
		Intent:            IntentMultiPatient,
		PatientReferences: refs,
		Confidence:        proposal.Confidence,
	}
	seen := map[string]bool{}
	for _, ref := range refs {
		resolved, candidates, _ := c.resolver.Resolve(r, ref)
		if resolved == nil {
			decision.UnresolvedReferences = append(decision.UnresolvedReferences, ref)
			decision.Candidates = append(decision.Candidates, candidates...)
			continue
		}
		if seen[resolved.PatientID] {
			continue
		}
		seen[resolved.PatientID] = true
		decision.ResolvedPatients = append(decision.ResolvedPatients, *resolved)
	}

	if len(decision.ResolvedPatients) < 2 {
		decision.Intent = IntentPatientSpecificNotFound
	}
	return decision
}

func (c *Classifier) classifySingle(reference string, confidence float64, r roster.Roster, locked []roster.PatientRecord) RoutingDecision {
	decision := RoutingDecision{
		Intent:           IntentPatientSpecific,
		PatientReference: reference,
		Confidence:       confidence,
	}

	if strings.TrimSpace(reference) == "" {
		if len(locked) > 0 {
			decision.Intent = IntentPatientSpecificUseLocked
			lock := locked[0]
			decision.ResolvedPatient = &lock
			decision.ResolvedPatients = append(decision.ResolvedPatients, locked...)
			return decision
		}
		decision.Intent = IntentPatientSpecificNoContext
		return decision
	}

	resolved, candidates, _ := c.resolver.Resolve(r, reference)
	switch {
	case resolved != nil:
		decision.ResolvedPatient = resolved
	case len(candidates) > 0:
		decision.Candidates = candidates
	default:
		decision.Intent = IntentPatientSpecificNotFound
		decision.UnresolvedReferences = []string{reference}
	}
	return decision
}

// dedupeReferences drops blank and case-insensitive duplicate references,
// preserving first-seen order.
func dedupeReferences(refs []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, ref := range refs {
		ref = strings.TrimSpace(ref)
		if ref == "" {
			continue
		}
		key := strings.ToLower(ref)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, ref)
	}
	return out
}
