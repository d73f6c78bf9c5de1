package roster

import (
	"sort"
	"strings"

	fuzzy "github.com/paul-mannino/go-fuzzywuzzy"
)

// MatchReason explains how (or whether) a reference was resolved.
type MatchReason string

const (
	MatchByID      MatchReason = "by_id"
	MatchByName    MatchReason = "by_name"
	MatchAmbiguous MatchReason = "ambiguous"
	MatchNone      MatchReason = "none"
)

// ResolverConfig carries the fuzzy-match tuning constants. The defaults
// mirror the corpus the thresholds were tuned on; they are not part of the
// resolution contract.
type ResolverConfig struct {
	// ResolveScore is the minimum WRatio score (0-100) for a unique
	// name resolution.
	ResolveScore int
	// CandidateScore is the minimum score for inclusion in the
	// ambiguous-candidate list.
	CandidateScore int
	// MaxCandidates bounds the ambiguous-candidate list.
	MaxCandidates int
}

// DefaultResolverConfig returns the standard 80/60 thresholds with at most
// five candidates.
func DefaultResolverConfig() ResolverConfig {
	return ResolverConfig{ResolveScore: 80, CandidateScore: 60, MaxCandidates: 5}
}

// Resolver fuzzy-matches free-text patient references against a roster.
type Resolver struct {
	cfg ResolverConfig
}

func NewResolver(cfg ResolverConfig) *Resolver {
	if cfg.ResolveScore == 0 {
		cfg.ResolveScore = 80
	}
	if cfg.CandidateScore == 0 {
		cfg.CandidateScore = 60
	}
	if cfg.MaxCandidates == 0 {
		cfg.MaxCandidates = 5
	}
	return &Resolver{cfg: cfg}
}

// Resolve matches reference against the roster. It returns exactly one of:
// a resolved record, a non-empty candidate list, or neither. The id pass
// runs first and short-circuits: a single case-insensitive substring hit on
// patient_id resolves immediately, multiple hits are returned as ambiguous
// candidates without attempting the fuzzy pass. Name matching scores the
// reference against "First Last" for every entry with a word-order-tolerant
// scorer; a best score at or above ResolveScore resolves, otherwise entries
// at or above CandidateScore become candidates.
//
// An empty or whitespace-only reference yields MatchNone without touching
// the roster.
func (rv *Resolver) Resolve(r Roster, reference string) (*PatientRecord, []PatientRecord, MatchReason) {
	ref := strings.TrimSpace(reference)
	if ref == "" {
		return nil, nil, MatchNone
	}

	lower := strings.ToLower(ref)
	var idHits []PatientRecord
	for _, p := range r {
		if strings.Contains(strings.ToLower(p.PatientID), lower) {
			idHits = append(idHits, p)
		}
	}
	if len(idHits) == 1 {
		hit := idHits[0]
		return &hit, nil, MatchByID
	}
	if len(idHits) > 1 {
		return nil, idHits, MatchAmbiguous
	}

	type scored struct {
		idx   int
		score int
	}
	var scores []scored
	for i, p := range r {
		name := p.FullName()
		if name == "" {
			continue
		}
		scores = append(scores, scored{idx: i, score: fuzzy.WRatio(ref, name)})
	}
	if len(scores) == 0 {
		return nil, nil, MatchNone
	}

	// Stable order: score descending, roster order as tiebreak. Keeps
	// resolution deterministic for repeated calls.
	sort.SliceStable(scores, func(i, j int) bool { return scores[i].score > scores[j].score })

	if scores[0].score >= rv.cfg.ResolveScore {
		hit := r[scores[0].idx]
		return &hit, nil, MatchByName
	}

	var candidates []PatientRecord
	for _, s := range scores {
		if s.score < rv.cfg.CandidateScore {
			break
		}
		candidates = append(candidates, r[s.idx])
		if len(candidates) == rv.cfg.MaxCandidates {
			break
		}
	}
	if len(candidates) > 0 {
		return nil, candidates, MatchAmbiguous
	}
	return nil, nil, MatchNone
}
