package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/clinloop/ehr-query-agent/internal/answer"
	"github.com/clinloop/ehr-query-agent/internal/console"
	"github.com/clinloop/ehr-query-agent/internal/engine"
	"github.com/clinloop/ehr-query-agent/internal/evidence"
	"github.com/clinloop/ehr-query-agent/internal/export"
	"github.com/clinloop/ehr-query-agent/internal/roster"
	"github.com/clinloop/ehr-query-agent/internal/router"
	"github.com/clinloop/ehr-query-agent/internal/session"
	"github.com/clinloop/ehr-query-agent/internal/supabase"
	"github.com/clinloop/ehr-query-agent/internal/telemetry"
)

func main() {
	addrFlag := flag.String("addr", ":8090", "listen address")
	dbFlag := flag.String("db", "./data/sessions.db", "path to SQLite session database")
	supabaseURLFlag := flag.String("supabase-url", os.Getenv("SUPABASE_URL"), "Supabase project URL")
	embedBaseFlag := flag.String("embeddings-url", "", "OpenAI-compatible embeddings base URL (default api.openai.com)")
	otlpFlag := flag.String("otlp-endpoint", os.Getenv("OTLP_ENDPOINT"), "OTLP/HTTP trace endpoint (empty disables tracing)")
	flag.Parse()

	if *supabaseURLFlag == "" {
		log.Fatal("SUPABASE_URL not configured")
	}
	supabaseKey := requiredEnv("SUPABASE_SERVICE_KEY")
	openaiKey := requiredEnv("OPENAI_API_KEY")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	shutdownTracing, err := telemetry.Setup(ctx, "ehr-console", *otlpFlag)
	if err != nil {
		log.Fatalf("tracing setup: %v", err)
	}
	defer func() {
		shutdownCtx, c := context.WithTimeout(context.Background(), 5*time.Second)
		defer c()
		_ = shutdownTracing(shutdownCtx)
	}()

	embedder := supabase.NewOpenAIEmbedder(*embedBaseFlag, openaiKey, os.Getenv("EMBEDDING_MODEL"))
	chunkStore := supabase.NewClient(*supabaseURLFlag, supabaseKey, embedder)

	ros, err := chunkStore.LoadRoster(ctx)
	if err != nil {
		log.Fatalf("load roster: %v", err)
	}
	log.Printf("roster loaded: %d patients", len(ros))

	oracle, err := router.NewAnthropicOracleFromEnv()
	if err != nil {
		log.Fatalf("routing oracle: %v", err)
	}
	generator, err := answer.NewAnthropicGeneratorFromEnv()
	if err != nil {
		log.Fatalf("answer generator: %v", err)
	}

	store, err := session.NewStore(*dbFlag)
	if err != nil {
		log.Fatalf("session store (%s): %v", *dbFlag, err)
	}
	defer store.Close()

	resolver := roster.NewResolver(roster.DefaultResolverConfig())
	eng := engine.New(
		router.NewClassifier(oracle, resolver),
		chunkStore,
		evidence.NewAssembler(chunkStore, evidence.AssemblerConfig{}),
		answer.NewBuilder(answer.BuilderConfig{}),
		engine.Config{},
	)

	handler := console.NewServer(store, eng, generator, resolver, ros, export.NewChromiumPDFRenderer())

	srv := &http.Server{Addr: *addrFlag, Handler: handler}
	go func() {
		<-ctx.Done()
		shutdownCtx, c := context.WithTimeout(context.Background(), 10*time.Second)
		defer c()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Printf("ehr-console listening on %s", *addrFlag)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal(err)
	}
}

func requiredEnv(key string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		log.Fatalf("%s not configured", key)
	}
	return v
}
