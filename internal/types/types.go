package types

import (
	"context"
	"time"

	"github.com/xhad/fundrag/internal/models"
)

// Core interfaces
type Retriever interface {
	Search(ctx context.Context, query string, k int, filter map[string]string) ([]models.ScoredChunk, error)
	Count(ctx context.Context) (int, error)
}

type Ingestor interface {
	Upsert(ctx context.Context, chunks []models.Chunk) (models.UpsertStats, error)
	NeedsRefresh(ctx context.Context, sourceID string, interval time.Duration) (bool, error)
	DetectNewSources(ctx context.Context, configured []string) ([]string, error)
	Count(ctx context.Context) (int, error)
}

type Embedder interface {
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

type Generator interface {
	Generate(ctx context.Context, question, context string, history []models.ChatTurn) (string, error)
}

// DocumentSource is the scraping collaborator: it yields one SourceDocument
// per source URL or a per-source error the caller logs and continues past.
type DocumentSource interface {
	FetchDocument(ctx context.Context, url string) (models.SourceDocument, error)
}

type Chunker interface {
	Chunk(doc models.SourceDocument) []models.Chunk
}
