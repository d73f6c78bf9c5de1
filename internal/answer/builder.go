// Package answer builds the bounded prompt sent to the language model and
// streams the grounded completion back.
package answer

import (
	"fmt"
	"strings"
)

// Message is one role-tagged turn in the payload sent to the model.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// System instructions per routing branch. Each pins the model to the
// retrieved context so a thin or empty context cannot be papered over.
const (
	SystemClinical = "You are a clinical assistant. Use ONLY the retrieved patient context."
	SystemGeneral  = "You are a medical knowledge assistant. Use ONLY the retrieved document context."
	SystemMulti    = "You are a clinical assistant comparing multiple patients. Use ONLY the retrieved patient context and attribute every statement to the named patient it came from."
)

// contextSeparator keeps adjacent evidence chunks visually distinct in the
// prompt.
const contextSeparator = "\n---\n"

// emptyContextPlaceholder is rendered instead of an empty context block so
// the model sees that retrieval found nothing rather than nothing at all.
const emptyContextPlaceholder = "(no context retrieved)"

// BuilderConfig bounds the prompt payload.
type BuilderConfig struct {
	// MaxRecentTurns is the conversation suffix carried into the prompt.
	MaxRecentTurns int
	// MaxContextItems caps evidence for general and single-patient queries.
	MaxContextItems int
	// ItemsPerPatient scales the cap for multi-patient queries.
	ItemsPerPatient int
}

func DefaultBuilderConfig() BuilderConfig {
	return BuilderConfig{MaxRecentTurns: 6, MaxContextItems: 8, ItemsPerPatient: 6}
}

type Builder struct {
	cfg BuilderConfig
}

func NewBuilder(cfg BuilderConfig) *Builder {
	def := DefaultBuilderConfig()
	if cfg.MaxRecentTurns <= 0 {
		cfg.MaxRecentTurns = def.MaxRecentTurns
	}
	if cfg.MaxContextItems <= 0 {
		cfg.MaxContextItems = def.MaxContextItems
	}
	if cfg.ItemsPerPatient <= 0 {
		cfg.ItemsPerPatient = def.ItemsPerPatient
	}
	return &Builder{cfg: cfg}
}

// Build assembles the ordered message payload: the system instruction, a
// bounded suffix of the conversation (oldest turns dropped first, the
// in-flight user turn excluded by the caller), then a single user message
// carrying the capped context block and the question. patientCount scales
// the context cap for multi-patient queries; zero or one uses the fixed cap.
func (b *Builder) Build(system string, contextItems []string, recentTurns []Message, query string, patientCount int) []Message {
	cap := b.cfg.MaxContextItems
	if patientCount >= 2 {
		cap = b.cfg.ItemsPerPatient * patientCount
	}
	if len(contextItems) > cap {
		contextItems = contextItems[:cap]
	}
	ctxBlock := emptyContextPlaceholder
	if len(contextItems) > 0 {
		ctxBlock = strings.Join(contextItems, contextSeparator)
	}

	if len(recentTurns) > b.cfg.MaxRecentTurns {
		recentTurns = recentTurns[len(recentTurns)-b.cfg.MaxRecentTurns:]
	}

	messages := make([]Message, 0, len(recentTurns)+2)
	messages = append(messages, Message{Role: RoleSystem, Content: system})
	messages = append(messages, recentTurns...)
	messages = append(messages, Message{
		Role:    RoleUser,
		Content: fmt.Sprintf("CONTEXT:\n%s\n\nQUESTION: %s\nAnswer:", ctxBlock, query),
	})
	return messages
}
