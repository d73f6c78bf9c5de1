// Package supabase talks to the Supabase/PostgREST chunk store: roster
// scans, vector-similarity RPCs, and sample ingestion.
package supabase

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/clinloop/ehr-query-agent/internal/evidence"
	"github.com/clinloop/ehr-query-agent/internal/roster"
)

const rosterScanLimit = 20000

// Embedder turns text into the query/document vectors the similarity RPCs
// expect.
type Embedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float64, error)
	EmbedDocuments(ctx context.Context, texts []string) ([][]float64, error)
}

type Client struct {
	baseURL  string
	apiKey   string
	http     *http.Client
	embedder Embedder
}

func NewClient(baseURL, apiKey string, embedder Embedder) *Client {
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		apiKey:   apiKey,
		http:     &http.Client{Timeout: 30 * time.Second},
		embedder: embedder,
	}
}

func (c *Client) doJSON(ctx context.Context, method, path string, payload []byte, extraHeaders map[string]string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("apikey", c.apiKey)
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	for k, v := range extraHeaders {
		req.Header.Set(k, v)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	blob, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 400 {
		return blob, fmt.Errorf("%s %s failed status=%d body=%s", method, path, resp.StatusCode, string(blob))
	}
	return blob, nil
}

// LoadRoster scans chunk metadata and folds it into the deduplicated
// patient directory. Called once per process lifetime.
func (c *Client) LoadRoster(ctx context.Context) (roster.Roster, error) {
	path := fmt.Sprintf("/rest/v1/rag_chunks?select=metadata&limit=%d", rosterScanLimit)
	blob, err := c.doJSON(ctx, http.MethodGet, path, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("roster scan: %w", err)
	}
	var rows []struct {
		Metadata map[string]any `json:"metadata"`
	}
	if err := json.Unmarshal(blob, &rows); err != nil {
		return nil, fmt.Errorf("roster scan decode: %w", err)
	}
	metadatas := make([]map[string]any, 0, len(rows))
	for _, r := range rows {
		metadatas = append(metadatas, r.Metadata)
	}
	return roster.Build(metadatas), nil
}

type matchRow struct {
	ID         any            `json:"id"`
	Content    string         `json:"content"`
	Metadata   map[string]any `json:"metadata"`
	Similarity float64        `json:"similarity"`
}

func rowID(v any) string {
	if v == nil {
		return ""
	}
	return fmt.Sprint(v)
}

func toChunks(rows []matchRow) []evidence.Chunk {
	var out []evidence.Chunk
	for _, r := range rows {
		out = append(out, evidence.Chunk{
			Content:  r.Content,
			Metadata: r.Metadata,
			Identity: evidence.ChunkIdentity(rowID(r.ID), r.Content),
		})
	}
	return out
}

func (c *Client) match(ctx context.Context, rpc string, args map[string]any) ([]evidence.Chunk, error) {
	payload, err := json.Marshal(args)
	if err != nil {
		return nil, err
	}
	blob, err := c.doJSON(ctx, http.MethodPost, "/rest/v1/rpc/"+rpc, payload, nil)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", rpc, err)
	}
	var rows []matchRow
	if err := json.Unmarshal(blob, &rows); err != nil {
		return nil, fmt.Errorf("%s decode: %w", rpc, err)
	}
	return toChunks(rows), nil
}

// ForPatient runs the patient-partitioned similarity RPC.
func (c *Client) ForPatient(ctx context.Context, query, patientID string, k int) ([]evidence.Chunk, error) {
	vec, err := c.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	return c.match(ctx, "match_patient_chunks_arr", map[string]any{
		"query_embedding": vec,
		"match_count":     k,
		"p_patient_id":    patientID,
	})
}

// General runs the similarity RPC over the non-patient document corpus.
func (c *Client) General(ctx context.Context, query string, k int) ([]evidence.Chunk, error) {
	vec, err := c.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	return c.match(ctx, "match_documents_arr", map[string]any{
		"query_embedding": vec,
		"match_count":     k,
	})
}

// ChunkRow is one row to ingest into rag_chunks.
type ChunkRow struct {
	Content   string         `json:"content"`
	Metadata  map[string]any `json:"metadata"`
	Embedding []float64      `json:"embedding"`
}

// InsertChunks embeds the given texts and writes them to rag_chunks,
// returning the number of inserted rows.
func (c *Client) InsertChunks(ctx context.Context, contents []string, metadatas []map[string]any) (int, error) {
	if len(contents) != len(metadatas) {
		return 0, fmt.Errorf("contents/metadatas length mismatch: %d vs %d", len(contents), len(metadatas))
	}
	vecs, err := c.embedder.EmbedDocuments(ctx, contents)
	if err != nil {
		return 0, fmt.Errorf("embed documents: %w", err)
	}
	if len(vecs) != len(contents) {
		return 0, fmt.Errorf("embedding count mismatch: %d vectors for %d texts", len(vecs), len(contents))
	}
	rows := make([]ChunkRow, len(contents))
	for i := range contents {
		rows[i] = ChunkRow{Content: contents[i], Metadata: metadatas[i], Embedding: vecs[i]}
	}
	payload, err := json.Marshal(rows)
	if err != nil {
		return 0, err
	}
	blob, err := c.doJSON(ctx, http.MethodPost, "/rest/v1/rag_chunks", payload, map[string]string{
		"Prefer": "return=representation",
	})
	if err != nil {
		return 0, fmt.Errorf("insert chunks: %w", err)
	}
	var inserted []json.RawMessage
	if err := json.Unmarshal(blob, &inserted); err != nil {
		return 0, fmt.Errorf("insert chunks decode: %w", err)
	}
	return len(inserted), nil
}
