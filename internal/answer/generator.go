package answer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
)

const DefaultGeneratorModel = string(anthropic.ModelClaudeSonnet4_20250514)

const defaultMaxTokens = 2048

// Generator streams a grounded completion for a built message payload.
// emit is called once per text fragment as it arrives; the full completion
// is returned when the stream ends.
type Generator interface {
	Stream(ctx context.Context, messages []Message, emit func(fragment string)) (string, error)
}

// AnthropicStreamer is the slice of the Anthropic messages service the
// generator needs.
type AnthropicStreamer interface {
	NewStreaming(ctx context.Context, params anthropic.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[anthropic.MessageStreamEventUnion]
}

type AnthropicGenerator struct {
	messages  AnthropicStreamer
	model     string
	maxTokens int64
}

func NewAnthropicGenerator(messages AnthropicStreamer, model string) *AnthropicGenerator {
	if model == "" {
		model = DefaultGeneratorModel
	}
	return &AnthropicGenerator{messages: messages, model: model, maxTokens: defaultMaxTokens}
}

func NewAnthropicGeneratorFromEnv() (*AnthropicGenerator, error) {
	apiKey := strings.TrimSpace(os.Getenv("ANTHROPIC_API_KEY"))
	if apiKey == "" {
		return nil, errors.New("ANTHROPIC_API_KEY not configured")
	}
	model := strings.TrimSpace(os.Getenv("ANSWER_MODEL"))
	c := anthropic.NewClient(option.WithAPIKey(apiKey))
	return NewAnthropicGenerator(&c.Messages, model), nil
}

// Stream splits the payload into system instructions and conversation
// turns, opens a streaming request, and forwards text deltas to emit as
// they arrive. A stream that ends with no text at all is an error so the
// caller never persists an empty assistant turn.
func (g *AnthropicGenerator) Stream(ctx context.Context, messages []Message, emit func(string)) (string, error) {
	var system []anthropic.TextBlockParam
	var turns []anthropic.MessageParam
	for _, m := range messages {
		switch m.Role {
		case RoleSystem:
			system = append(system, anthropic.TextBlockParam{Text: m.Content})
		case RoleAssistant:
			turns = append(turns, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		default:
			turns = append(turns, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}
	if len(turns) == 0 {
		return "", errors.New("no conversation turns to send")
	}

	stream := g.messages.NewStreaming(ctx, anthropic.MessageNewParams{
		Model:       anthropic.Model(g.model),
		MaxTokens:   g.maxTokens,
		System:      system,
		Messages:    turns,
		Temperature: anthropic.Float(0.2),
	})
	defer stream.Close()

	var sb strings.Builder
	for stream.Next() {
		event := stream.Current()
		switch ev := event.AsAny().(type) {
		case anthropic.ContentBlockDeltaEvent:
			if delta, ok := ev.Delta.AsAny().(anthropic.TextDelta); ok && delta.Text != "" {
				sb.WriteString(delta.Text)
				if emit != nil {
					emit(delta.Text)
				}
			}
		}
	}
	if err := stream.Err(); err != nil {
		return sb.String(), fmt.Errorf("answer stream failed: %w", err)
	}
	if sb.Len() == 0 {
		return "", errors.New("answer stream produced no text")
	}
	return sb.String(), nil
}
