package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const routingSystemPrompt = "You are a query routing assistant for a medical EHR system. Respond with strict JSON only."

const routingPrompt = `Analyze the user's query and determine:

1. "intent": one of
   - "patient_specific": asking about one specific patient's records
   - "multi_patient": comparing or asking about two or more named patients
   - "general": asking about general medical knowledge

2. "patient_reference": the single patient name or ID mentioned, or null.

3. "patient_references": for multi_patient only, every patient name or ID
   mentioned, in the order they appear. Otherwise an empty list.

4. "confidence": your confidence in the intent classification (0.0 to 1.0).

Examples:
- "What's the protocol for postoperative fever?" -> {"intent": "general", "patient_reference": null, "patient_references": [], "confidence": 0.95}
- "Show me Alex's latest MRI results" -> {"intent": "patient_specific", "patient_reference": "Alex", "patient_references": [], "confidence": 0.9}
- "Patient IVF001's lab results" -> {"intent": "patient_specific", "patient_reference": "IVF001", "patient_references": [], "confidence": 0.95}
- "What are his current vitals?" -> {"intent": "patient_specific", "patient_reference": null, "patient_references": [], "confidence": 0.8}
- "Compare Priya's height with Meera's height" -> {"intent": "multi_patient", "patient_reference": null, "patient_references": ["Priya", "Meera"], "confidence": 0.9}

Return a JSON object with fields: intent, patient_reference, patient_references, confidence.

Query: %s`

type oracleFailureClass int

const (
	oracleFailureTimeout oracleFailureClass = iota
	oracleFailureRateLimit
	oracleFailureServer
	oracleFailureClient
)

// AnthropicMessager is the slice of the Anthropic client the oracle needs,
// kept as an interface so tests can substitute a fake.
type AnthropicMessager interface {
	New(ctx context.Context, params anthropic.MessageNewParams, opts ...option.RequestOption) (*anthropic.Message, error)
}

// AnthropicOracle proposes routing decisions via the Anthropic Messages API.
type AnthropicOracle struct {
	messages AnthropicMessager
	model    anthropic.Model
}

func NewAnthropicOracle(messages AnthropicMessager, model anthropic.Model) *AnthropicOracle {
	if model == "" {
		model = anthropic.ModelClaudeSonnet4_20250514
	}
	return &AnthropicOracle{messages: messages, model: model}
}

// NewAnthropicOracleFromEnv builds an oracle from ANTHROPIC_API_KEY and the
// optional ROUTER_MODEL override.
func NewAnthropicOracleFromEnv() (*AnthropicOracle, error) {
	apiKey := strings.TrimSpace(os.Getenv("ANTHROPIC_API_KEY"))
	if apiKey == "" {
		return nil, errors.New("ANTHROPIC_API_KEY not configured")
	}
	c := anthropic.NewClient(option.WithAPIKey(apiKey))
	return NewAnthropicOracle(&c.Messages, anthropic.Model(os.Getenv("ROUTER_MODEL"))), nil
}

// Propose asks the oracle for a routing proposal. Transient transport
// failures are retried twice with a short backoff; any terminal failure is
// returned for the classifier to degrade on.
func (o *AnthropicOracle) Propose(ctx context.Context, query string) (Proposal, error) {
	prompt := fmt.Sprintf(routingPrompt, query)
	var lastErr error
	for attempt := 1; attempt <= 3; attempt++ {
		resp, err := o.messages.New(ctx, anthropic.MessageNewParams{
			Model:       o.model,
			MaxTokens:   512,
			System:      []anthropic.TextBlockParam{{Text: routingSystemPrompt}},
			Messages:    []anthropic.MessageParam{anthropic.NewUserMessage(anthropic.NewTextBlock(prompt))},
			Temperature: anthropic.Float(0),
		})
		if err != nil {
			lastErr = err
			class := classifyTransportError(err)
			if attempt < 3 && (class == oracleFailureTimeout || class == oracleFailureRateLimit || class == oracleFailureServer) {
				time.Sleep(backoffDelay(attempt))
				continue
			}
			return Proposal{}, fmt.Errorf("routing oracle transport failure: %w", err)
		}

		var sb strings.Builder
		for _, b := range resp.Content {
			if b.Type == "text" {
				sb.WriteString(b.Text)
			}
		}
		raw := stripCodeFences(sb.String())
		if raw == "" {
			return Proposal{}, errors.New("routing oracle returned empty response")
		}
		var proposal Proposal
		if err := json.Unmarshal([]byte(raw), &proposal); err != nil {
			return Proposal{}, fmt.Errorf("routing oracle returned malformed JSON: %w", err)
		}
		return proposal, nil
	}
	return Proposal{}, fmt.Errorf("routing oracle failed after retries: %w", lastErr)
}

func stripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		parts := strings.SplitN(s, "\n", 2)
		if len(parts) == 2 {
			s = parts[1]
		}
		s = strings.TrimPrefix(s, "json")
		s = strings.TrimSpace(strings.TrimSuffix(s, "```"))
	}
	return s
}

func classifyTransportError(err error) oracleFailureClass {
	if errors.Is(err, context.DeadlineExceeded) {
		return oracleFailureTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return oracleFailureTimeout
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "429"):
		return oracleFailureRateLimit
	case strings.Contains(msg, "status code: 5") || strings.Contains(msg, "server error"):
		return oracleFailureServer
	case strings.Contains(msg, "status code: 4"):
		return oracleFailureClient
	default:
		return oracleFailureServer
	}
}

func backoffDelay(attempt int) time.Duration {
	if attempt <= 1 {
		return 500 * time.Millisecond
	}
	return time.Second
}
