// Package evidence retrieves and assembles per-patient text chunks into a
// bounded, fairly interleaved context for the answering step.
package evidence

import "context"

// Chunk is the atomic unit of retrieved evidence.
type Chunk struct {
	Content     string
	Metadata    map[string]any
	SourceLabel string
	// Identity is the dedup key: the backend's stable id when available,
	// otherwise a prefix of the content.
	Identity string
}

// identityPrefixLen bounds the content prefix used as a fallback identity.
const identityPrefixLen = 120

// ChunkIdentity derives the dedup key for a retrieved row.
func ChunkIdentity(id, content string) string {
	if id != "" {
		return id
	}
	if len(content) > identityPrefixLen {
		return content[:identityPrefixLen]
	}
	return content
}

// Retriever is the semantic-search backend. ForPatient is scoped to one
// patient's partition; the assembler never requests cross-patient results
// and never trusts the backend to dedupe.
type Retriever interface {
	ForPatient(ctx context.Context, query, patientID string, k int) ([]Chunk, error)
	General(ctx context.Context, query string, k int) ([]Chunk, error)
}
