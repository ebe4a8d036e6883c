package store

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xhad/fundrag/internal/models"
)

// fakeEmbedder returns a deterministic vector per text so the integration
// tests exercise real SQL without an embedding service.
type fakeEmbedder struct {
	dim int
}

func (f *fakeEmbedder) vector(text string) []float32 {
	v := make([]float32, f.dim)
	for i, r := range text {
		v[i%f.dim] += float32(r%13) / 13
	}
	return v
}

func (f *fakeEmbedder) EmbedDocuments(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = f.vector(t)
	}
	return out, nil
}

func (f *fakeEmbedder) EmbedQuery(_ context.Context, text string) ([]float32, error) {
	return f.vector(text), nil
}

func testStore(t *testing.T) *VectorStore {
	t.Helper()
	connString := os.Getenv("DATABASE_URL")
	if connString == "" {
		t.Skip("DATABASE_URL not set; skipping integration test")
	}

	vs, err := NewWithConfig(context.Background(), VectorStoreConfig{
		ConnString: connString,
		TableName:  fmt.Sprintf("fund_chunks_test_%d", time.Now().UnixNano()),
		VectorDim:  8,
	}, &fakeEmbedder{dim: 8})
	require.NoError(t, err)

	t.Cleanup(func() {
		ctx := context.Background()
		vs.pool.Exec(ctx, "DROP TABLE IF EXISTS "+vs.config.TableName)
		vs.pool.Exec(ctx, "DROP TABLE IF EXISTS "+vs.freshnessTable())
		vs.Close()
	})
	return vs
}

func testChunks(docID string, texts ...string) []models.Chunk {
	chunks := make([]models.Chunk, 0, len(texts))
	for i, text := range texts {
		chunks = append(chunks, models.Chunk{
			DocID:        docID,
			Index:        i,
			Group:        "fund_overview",
			Text:         text,
			SourceID:     docID,
			SourceURL:    docID,
			FundCategory: "ELSS",
			LastModified: time.Now().UTC().Truncate(time.Second),
		})
	}
	return chunks
}

func TestVectorStore_UpsertLifecycle(t *testing.T) {
	vs := testStore(t)
	ctx := context.Background()
	doc := "https://example.com/funds/alpha"

	stats, err := vs.Upsert(ctx, testChunks(doc, "NAV: 45.20", "Expense Ratio: 1.2%"))
	require.NoError(t, err)
	assert.Equal(t, models.UpsertStats{New: 2, Total: 2}, stats)

	// Identical content is recognized, not re-embedded.
	stats, err = vs.Upsert(ctx, testChunks(doc, "NAV: 45.20", "Expense Ratio: 1.2%"))
	require.NoError(t, err)
	assert.Equal(t, models.UpsertStats{Unchanged: 2, Total: 2}, stats)

	// One changed chunk updates in place.
	stats, err = vs.Upsert(ctx, testChunks(doc, "NAV: 46.10", "Expense Ratio: 1.2%"))
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Updated)
	assert.Equal(t, 1, stats.Unchanged)

	// A shrunken document drops its trailing chunks.
	_, err = vs.Upsert(ctx, testChunks(doc, "NAV: 46.10"))
	require.NoError(t, err)
	count, err := vs.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestVectorStore_SearchAndFilter(t *testing.T) {
	vs := testStore(t)
	ctx := context.Background()

	_, err := vs.Search(ctx, "expense ratio", 5, nil)
	assert.ErrorIs(t, err, ErrEmptyIndex)

	_, err = vs.Upsert(ctx, testChunks("https://example.com/funds/alpha", "Alpha fund expense ratio is 1.2%"))
	require.NoError(t, err)
	_, err = vs.Upsert(ctx, testChunks("https://example.com/funds/beta", "Beta fund expense ratio is 0.8%"))
	require.NoError(t, err)

	results, err := vs.Search(ctx, "expense ratio", 5, nil)
	require.NoError(t, err)
	assert.Len(t, results, 2)
	for _, sc := range results {
		assert.NotZero(t, sc.Score)
	}

	filtered, err := vs.Search(ctx, "expense ratio", 5, map[string]string{
		"doc_id": "https://example.com/funds/beta",
	})
	require.NoError(t, err)
	require.Len(t, filtered, 1)
	assert.Contains(t, filtered[0].Text, "Beta")
}

func TestVectorStore_Freshness(t *testing.T) {
	vs := testStore(t)
	ctx := context.Background()
	src := "https://example.com/funds/alpha"

	// Unknown source is always stale.
	stale, err := vs.NeedsRefresh(ctx, src, time.Hour)
	require.NoError(t, err)
	assert.True(t, stale)

	_, err = vs.Upsert(ctx, testChunks(src, "NAV: 45.20"))
	require.NoError(t, err)

	stale, err = vs.NeedsRefresh(ctx, src, time.Hour)
	require.NoError(t, err)
	assert.False(t, stale)

	stale, err = vs.NeedsRefresh(ctx, src, 0)
	require.NoError(t, err)
	assert.True(t, stale)

	fresh, err := vs.DetectNewSources(ctx, []string{src, "https://example.com/funds/new"})
	require.NoError(t, err)
	assert.Equal(t, []string{"https://example.com/funds/new"}, fresh)

	latest, err := vs.LatestIngestion(ctx)
	require.NoError(t, err)
	assert.False(t, latest.IsZero())
}

func TestVectorStore_DeleteCollection(t *testing.T) {
	vs := testStore(t)
	ctx := context.Background()

	_, err := vs.Upsert(ctx, testChunks("https://example.com/funds/alpha", "NAV: 45.20"))
	require.NoError(t, err)

	require.NoError(t, vs.DeleteCollection(ctx))

	count, err := vs.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)

	stale, err := vs.NeedsRefresh(ctx, "https://example.com/funds/alpha", time.Hour)
	require.NoError(t, err)
	assert.True(t, stale)
}
