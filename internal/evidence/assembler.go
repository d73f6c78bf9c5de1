package evidence

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/clinloop/ehr-query-agent/internal/roster"
)

// AssemblerConfig bounds the retrieval fan-out per patient.
type AssemblerConfig struct {
	// PassK is the candidate count requested per retrieval pass.
	PassK int
	// MaxPasses caps the strategy list per patient.
	MaxPasses int
	// EmergencyK is the candidate count per emergency pass.
	EmergencyK int
	// EmergencyTarget stops the emergency pass early once this many
	// chunks have been found for a starved patient.
	EmergencyTarget int
}

func DefaultAssemblerConfig() AssemblerConfig {
	return AssemblerConfig{PassK: 10, MaxPasses: 7, EmergencyK: 5, EmergencyTarget: 3}
}

// Assembler runs bounded, fairness-aware retrieval for multi-patient
// queries and interleaves the results so no patient's evidence dominates
// the front of the context window.
type Assembler struct {
	retriever Retriever
	cfg       AssemblerConfig
}

func NewAssembler(retriever Retriever, cfg AssemblerConfig) *Assembler {
	def := DefaultAssemblerConfig()
	if cfg.PassK <= 0 {
		cfg.PassK = def.PassK
	}
	if cfg.MaxPasses <= 0 {
		cfg.MaxPasses = def.MaxPasses
	}
	if cfg.EmergencyK <= 0 {
		cfg.EmergencyK = def.EmergencyK
	}
	if cfg.EmergencyTarget <= 0 {
		cfg.EmergencyTarget = def.EmergencyTarget
	}
	return &Assembler{retriever: retriever, cfg: cfg}
}

// strategiesFor builds the declarative retrieval query list for one
// patient: the patient-agnostic query, the same query prefixed with the
// patient's first name, a broad fallback, and (when the raw query asks
// about height) three targeted height phrases.
func (a *Assembler) strategiesFor(rawQuery string, p roster.PatientRecord) []string {
	agnostic := AgnosticQuery(rawQuery)
	queries := []string{
		agnostic,
		strings.TrimSpace(p.FirstName + " " + agnostic),
		"patient information data",
	}
	if mentionsHeight(rawQuery) {
		queries = append(queries,
			"height in cm",
			"height measurement record",
			"anthropometric measurements",
		)
	}
	if len(queries) > a.cfg.MaxPasses {
		queries = queries[:a.cfg.MaxPasses]
	}
	return queries
}

// emergencyQueries are the broad last-resort probes for a starved patient.
func emergencyQueries(p roster.PatientRecord) []string {
	return []string{p.FirstName, p.PatientID, p.FullName(), "patient data"}
}

// Assemble retrieves evidence for every named patient and interleaves it
// round-robin: chunk 0 of every patient, then chunk 1, and so on, each item
// tagged with its owning patient's display name. The first returned context
// item is a per-patient chunk-count summary so the answering step can see
// at a glance which patients contributed nothing. Patients are processed
// concurrently but the output order depends only on (round, mention order).
func (a *Assembler) Assemble(ctx context.Context, rawQuery string, patients []roster.PatientRecord) ([]string, []map[string]any) {
	perPatient := make([][]Chunk, len(patients))

	var wg sync.WaitGroup
	for i, p := range patients {
		wg.Add(1)
		go func(slot int, p roster.PatientRecord) {
			defer wg.Done()
			perPatient[slot] = a.retrieveForPatient(ctx, rawQuery, p)
		}(i, p)
	}
	wg.Wait()

	var summary strings.Builder
	summary.WriteString("Evidence retrieved per patient:")
	maxCount := 0
	for i, p := range patients {
		n := len(perPatient[i])
		if n > maxCount {
			maxCount = n
		}
		fmt.Fprintf(&summary, " %s: %d chunks;", p.FullName(), n)
	}

	items := []string{summary.String()}
	var sources []map[string]any
	for round := 0; round < maxCount; round++ {
		for i, p := range patients {
			if round >= len(perPatient[i]) {
				continue
			}
			chunk := perPatient[i][round]
			items = append(items, fmt.Sprintf("[%s] %s", p.FullName(), chunk.Content))
			sources = append(sources, chunk.Metadata)
		}
	}
	return items, sources
}

// retrieveForPatient runs every strategy against the patient's own
// partition, merging passes with first-seen-order dedup by chunk identity.
// A failed pass contributes zero chunks rather than failing the assembly.
// If all passes come back empty, a broad emergency pass runs before the
// patient is reported as having no evidence.
func (a *Assembler) retrieveForPatient(ctx context.Context, rawQuery string, p roster.PatientRecord) []Chunk {
	seen := map[string]bool{}
	var merged []Chunk

	add := func(chunks []Chunk) {
		for _, c := range chunks {
			if c.Identity == "" {
				c.Identity = ChunkIdentity("", c.Content)
			}
			if seen[c.Identity] {
				continue
			}
			seen[c.Identity] = true
			c.SourceLabel = p.FullName()
			merged = append(merged, c)
		}
	}

	for _, q := range a.strategiesFor(rawQuery, p) {
		chunks, err := a.retriever.ForPatient(ctx, q, p.PatientID, a.cfg.PassK)
		if err != nil {
			log.Printf("retrieval pass %q for %s failed: %v", q, p.PatientID, err)
			continue
		}
		add(chunks)
	}

	if len(merged) == 0 {
		for _, q := range emergencyQueries(p) {
			if strings.TrimSpace(q) == "" {
				continue
			}
			chunks, err := a.retriever.ForPatient(ctx, q, p.PatientID, a.cfg.EmergencyK)
			if err != nil {
				log.Printf("emergency retrieval %q for %s failed: %v", q, p.PatientID, err)
				continue
			}
			add(chunks)
			if len(merged) >= a.cfg.EmergencyTarget {
				break
			}
		}
	}
	return merged
}
