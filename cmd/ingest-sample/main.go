// Command ingest-sample seeds the chunk store with two example chunks for
// patient IVF001 so a fresh environment has something to retrieve.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/clinloop/ehr-query-agent/internal/supabase"
)

func main() {
	supabaseURLFlag := flag.String("supabase-url", os.Getenv("SUPABASE_URL"), "Supabase project URL")
	embedBaseFlag := flag.String("embeddings-url", "", "OpenAI-compatible embeddings base URL (default api.openai.com)")
	flag.Parse()

	if *supabaseURLFlag == "" {
		log.Fatal("SUPABASE_URL not configured")
	}
	supabaseKey := requiredEnv("SUPABASE_SERVICE_KEY")
	openaiKey := requiredEnv("OPENAI_API_KEY")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	embedder := supabase.NewOpenAIEmbedder(*embedBaseFlag, openaiKey, os.Getenv("EMBEDDING_MODEL"))
	client := supabase.NewClient(*supabaseURLFlag, supabaseKey, embedder)

	priyaMeta := map[string]any{
		"patient_id":    "IVF001",
		"First_Name":    "Priya",
		"Last_Name":     "Sharma",
		"Date_of_birth": "1988-03-15",
	}
	contents := []string{
		"Medication list: Letrozole 2.5 mg daily; Folic acid 5 mg.",
		"Imaging: MRI pelvis 2025-09-14 shows adenomyosis; no adnexal mass.",
	}
	metadatas := []map[string]any{
		withDoc(priyaMeta, "meds_2025.txt"),
		withDoc(priyaMeta, "imaging_2025.txt"),
	}

	n, err := client.InsertChunks(ctx, contents, metadatas)
	if err != nil {
		log.Fatalf("insert chunks: %v", err)
	}
	log.Printf("inserted %d chunks", n)
}

func withDoc(base map[string]any, docID string) map[string]any {
	md := make(map[string]any, len(base)+1)
	for k, v := range base {
		md[k] = v
	}
	md["doc_id"] = docID
	return md
}

func requiredEnv(key string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		log.Fatalf("%s not configured", key)
	}
	return v
}
