package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/xhad/fundrag/internal/models"
)

// ErrTimeout marks a generation call cut short by the caller's deadline.
var ErrTimeout = errors.New("model request timed out")

// ChatConfig represents the configuration for the answer generator.
type ChatConfig struct {
	Model       string
	Temperature float64
	MaxTokens   int
	BaseURL     string
}

// ChatEngine synthesizes grounded answers from retrieved context.
type ChatEngine struct {
	config ChatConfig
	llm    llms.Model
}

const systemTemplate = `You are a factual mutual fund information assistant. Answer using ONLY the context provided below.

Rules:
- Answer factual questions only. If asked for opinions, recommendations, or investment advice, reply exactly: "I can only provide factual information about mutual funds and cannot give investment advice or recommendations. Please ask about specific facts like expense ratios, lock-in periods, or fund details."
- Keep the answer to a MAXIMUM of 3 sentences.
- When asked for one parameter across multiple funds, format the answer as a markdown table with a Fund Name column; write "N/A" for funds missing the value.
- When enumerating attributes of a single fund, format the answer as a markdown bullet list.
- AUM and Fund Size are different fields; never substitute one for the other.
- Do NOT include URLs or "Source:" references; citations are attached separately.
- If the answer is not in the context, say so clearly.`

func NewWithConfig(config ChatConfig) (*ChatEngine, error) {
	if config.Model == "" {
		config.Model = "mistral"
	}
	if config.Temperature < 0 || config.Temperature > 2 {
		return nil, fmt.Errorf("temperature must be between 0 and 2")
	}
	if config.MaxTokens < 0 {
		return nil, fmt.Errorf("max tokens cannot be negative")
	} else if config.MaxTokens == 0 {
		config.MaxTokens = 2000
	}
	if config.BaseURL == "" {
		config.BaseURL = "http://localhost:11434"
	}

	llm, err := ollama.New(
		ollama.WithModel(config.Model),
		ollama.WithServerURL(config.BaseURL),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize LLM: %w", err)
	}

	return &ChatEngine{config: config, llm: llm}, nil
}

// Generate produces an answer grounded in contextText. A deadline hit on ctx
// surfaces as ErrTimeout; nothing partial is returned.
func (ce *ChatEngine) Generate(ctx context.Context, question, contextText string, history []models.ChatTurn) (string, error) {
	content := []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, systemTemplate),
	}
	for _, turn := range history {
		content = append(content,
			llms.TextParts(llms.ChatMessageTypeHuman, turn.Question),
			llms.TextParts(llms.ChatMessageTypeAI, turn.Answer),
		)
	}
	content = append(content, llms.TextParts(llms.ChatMessageTypeHuman,
		fmt.Sprintf("Context:\n%s\n\nQuestion: %s", contextText, question)))

	response, err := ce.llm.GenerateContent(ctx, content,
		llms.WithTemperature(ce.config.Temperature),
		llms.WithMaxTokens(ce.config.MaxTokens),
	)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		return "", fmt.Errorf("generation error: %w", err)
	}
	if len(response.Choices) == 0 {
		return "", fmt.Errorf("generation returned no choices")
	}

	return strings.TrimSpace(response.Choices[0].Content), nil
}

// GenerateStream streams answer fragments over a channel. The channel closes
// when generation finishes; an error closes it after a single "Error:" entry.
func (ce *ChatEngine) GenerateStream(ctx context.Context, question, contextText string, history []models.ChatTurn) (<-chan string, error) {
	out := make(chan string)

	go func() {
		defer close(out)

		content := []llms.MessageContent{
			llms.TextParts(llms.ChatMessageTypeSystem, systemTemplate),
		}
		for _, turn := range history {
			content = append(content,
				llms.TextParts(llms.ChatMessageTypeHuman, turn.Question),
				llms.TextParts(llms.ChatMessageTypeAI, turn.Answer),
			)
		}
		content = append(content, llms.TextParts(llms.ChatMessageTypeHuman,
			fmt.Sprintf("Context:\n%s\n\nQuestion: %s", contextText, question)))

		_, err := ce.llm.GenerateContent(ctx, content,
			llms.WithTemperature(ce.config.Temperature),
			llms.WithMaxTokens(ce.config.MaxTokens),
			llms.WithStreamingFunc(func(_ context.Context, chunk []byte) error {
				select {
				case out <- string(chunk):
					return nil
				case <-ctx.Done():
					return ctx.Err()
				}
			}),
		)
		if err != nil {
			out <- fmt.Sprintf("Error: %v", err)
		}
	}()

	return out, nil
}
