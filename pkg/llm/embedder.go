package llm

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/tmc/langchaingo/llms/ollama"
	"golang.org/x/time/rate"
)

// ErrRateLimited marks an embedding-service rejection that survived the retry
// budget. Callers can errors.Is against it to distinguish backpressure from
// hard failures.
var ErrRateLimited = errors.New("embedding service rate limited")

type EmbedderConfig struct {
	Model      string
	BaseURL    string
	BatchSize  int
	RateLimit  float64 // batches per second
	MaxRetries int
}

// embeddingClient is what the Embedder needs from the model backend.
type embeddingClient interface {
	CreateEmbedding(ctx context.Context, texts []string) ([][]float32, error)
}

// Embedder converts text into vectors in small batches, pacing requests and
// absorbing rate-limit pushback with bounded exponential backoff.
type Embedder struct {
	config   EmbedderConfig
	client   embeddingClient
	limiter  *rate.Limiter
	baseWait time.Duration
}

func NewEmbedderWithConfig(config EmbedderConfig) (*Embedder, error) {
	if config.Model == "" {
		config.Model = "nomic-embed-text:latest"
	}
	if config.BaseURL == "" {
		config.BaseURL = "http://localhost:11434"
	}
	if config.BatchSize == 0 {
		config.BatchSize = 10
	}
	if config.RateLimit == 0 {
		config.RateLimit = 1.0
	}
	if config.MaxRetries == 0 {
		config.MaxRetries = 3
	}

	client, err := ollama.New(
		ollama.WithModel(config.Model),
		ollama.WithServerURL(config.BaseURL),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize embedding model: %w", err)
	}

	return newEmbedder(config, client), nil
}

func newEmbedder(config EmbedderConfig, client embeddingClient) *Embedder {
	return &Embedder{
		config:   config,
		client:   client,
		limiter:  rate.NewLimiter(rate.Limit(config.RateLimit), 1),
		baseWait: 5 * time.Second,
	}
}

// EmbedDocuments embeds texts in batches. On a batch that exhausts its
// retries the vectors embedded so far are returned alongside the error, so
// callers can commit partial progress.
func (e *Embedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	var vectors [][]float32

	for start := 0; start < len(texts); start += e.config.BatchSize {
		end := start + e.config.BatchSize
		if end > len(texts) {
			end = len(texts)
		}
		batch := texts[start:end]

		if err := e.limiter.Wait(ctx); err != nil {
			return vectors, err
		}

		batchVectors, err := e.embedWithRetry(ctx, batch)
		if err != nil {
			return vectors, fmt.Errorf("embedding batch starting at %d: %w", start, err)
		}
		vectors = append(vectors, batchVectors...)
	}

	return vectors, nil
}

// EmbedQuery embeds a single query string.
func (e *Embedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vectors, err := e.embedWithRetry(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vectors) == 0 {
		return nil, fmt.Errorf("embedding service returned no vector")
	}
	return vectors[0], nil
}

func (e *Embedder) embedWithRetry(ctx context.Context, batch []string) ([][]float32, error) {
	var lastErr error

	for attempt := 0; attempt <= e.config.MaxRetries; attempt++ {
		if attempt > 0 {
			// 5s, 10s, 20s...
			wait := e.baseWait << (attempt - 1)
			log.Printf("embedder: rate limited, retry %d/%d in %s", attempt, e.config.MaxRetries, wait)
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		vectors, err := e.client.CreateEmbedding(ctx, batch)
		if err == nil {
			if len(vectors) != len(batch) {
				return nil, fmt.Errorf("embedding count mismatch: got %d for %d texts", len(vectors), len(batch))
			}
			return vectors, nil
		}

		if !isRateLimit(err) {
			return nil, err
		}
		lastErr = err
	}

	return nil, fmt.Errorf("%w: %v", ErrRateLimited, lastErr)
}

// isRateLimit classifies upstream errors that warrant a backoff retry.
func isRateLimit(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "429") ||
		strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "quota") ||
		strings.Contains(msg, "resource exhausted")
}
