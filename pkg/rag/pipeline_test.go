package rag_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xhad/fundrag/internal/models"
	"github.com/xhad/fundrag/pkg/chunker"
	"github.com/xhad/fundrag/pkg/rag"
	"github.com/xhad/fundrag/pkg/store"
)

// keywordRetriever scores chunks by query term overlap. It stands in for the
// vector store so pipeline behavior is testable without a database.
type keywordRetriever struct {
	chunks []models.Chunk
	err    error
}

func (r *keywordRetriever) Search(_ context.Context, query string, k int, _ map[string]string) ([]models.ScoredChunk, error) {
	if r.err != nil {
		return nil, r.err
	}

	terms := strings.Fields(strings.ToLower(query))
	var scored []models.ScoredChunk
	for _, ch := range r.chunks {
		text := strings.ToLower(ch.Text)
		var hits int
		for _, term := range terms {
			if strings.Contains(text, term) {
				hits++
			}
		}
		if hits > 0 {
			scored = append(scored, models.ScoredChunk{Chunk: ch, Score: float32(hits)})
		}
	}

	for i := 0; i < len(scored); i++ {
		for j := i + 1; j < len(scored); j++ {
			if scored[j].Score > scored[i].Score {
				scored[i], scored[j] = scored[j], scored[i]
			}
		}
	}
	if len(scored) > k {
		scored = scored[:k]
	}
	return scored, nil
}

func (r *keywordRetriever) Count(context.Context) (int, error) {
	return len(r.chunks), nil
}

type fakeGenerator struct {
	answer     string
	gotContext string
	gotHistory []models.ChatTurn
}

func (g *fakeGenerator) Generate(_ context.Context, _, contextText string, history []models.ChatTurn) (string, error) {
	g.gotContext = contextText
	g.gotHistory = history
	return g.answer, nil
}

func scoredChunk(url string, modified time.Time) models.ScoredChunk {
	return models.ScoredChunk{
		Chunk: models.Chunk{Text: "some text", SourceURL: url, LastModified: modified},
		Score: 0.9,
	}
}

func TestPipeline_EmptyIndexYieldsNoData(t *testing.T) {
	p := rag.New(rag.PipelineConfig{}, &keywordRetriever{err: store.ErrEmptyIndex}, &fakeGenerator{})

	result, err := p.Answer(context.Background(), "what is the nav", 0, nil)
	require.NoError(t, err)
	assert.True(t, result.NoData)
	assert.NotEmpty(t, result.Answer)
	assert.Empty(t, result.Citations)
}

func TestPipeline_RejectsEmptyQuestion(t *testing.T) {
	p := rag.New(rag.PipelineConfig{}, &keywordRetriever{}, &fakeGenerator{})

	_, err := p.Answer(context.Background(), "   ", 0, nil)
	assert.Error(t, err)
}

func TestFinish_CitationOrderAndDedup(t *testing.T) {
	p := rag.New(rag.PipelineConfig{}, nil, nil)
	now := time.Now()

	chunks := []models.ScoredChunk{
		scoredChunk("https://example.com/funds/alpha", now),
		scoredChunk("https://example.com/funds/beta/", now),
		scoredChunk("https://example.com/funds/alpha", now),
	}

	result := p.Finish("q", "The NAV is 45.20 per example.com/funds/gamma.", chunks)

	assert.Equal(t, []string{
		"https://example.com/funds/alpha",
		"https://example.com/funds/beta/",
		"https://example.com/funds/gamma",
	}, result.Citations)
}

func TestFinish_StripsURLsFromAnswer(t *testing.T) {
	p := rag.New(rag.PipelineConfig{}, nil, nil)

	result := p.Finish("q", "The expense ratio is 1.2% (see https://example.com/funds/alpha).", nil)

	assert.NotContains(t, result.Answer, "example.com")
	assert.Equal(t, "The expense ratio is 1.2%.", result.Answer)
	assert.Equal(t, []string{"https://example.com/funds/alpha"}, result.Citations)
}

func TestFinish_RefusalSuppressesCitations(t *testing.T) {
	p := rag.New(rag.PipelineConfig{}, nil, nil)

	refusal := "I can only provide factual information about mutual funds and cannot give investment advice or recommendations. Please ask about specific facts like expense ratios, lock-in periods, or fund details."
	result := p.Finish("which fund should I buy", refusal,
		[]models.ScoredChunk{scoredChunk("https://example.com/funds/alpha", time.Now())})

	assert.Empty(t, result.Citations)
	assert.Equal(t, refusal, result.Answer)
}

func TestFinish_ConfiguredRefusalMarkers(t *testing.T) {
	p := rag.New(rag.PipelineConfig{
		RefusalMarkers: []string{"outside my scope", "Cannot Compare Performance"},
	}, nil, nil)
	chunks := []models.ScoredChunk{scoredChunk("https://example.com/funds/alpha", time.Now())}

	result := p.Finish("q", "That question is OUTSIDE MY SCOPE here.", chunks)
	assert.Empty(t, result.Citations)

	result = p.Finish("q", "I cannot compare performance between funds.", chunks)
	assert.Empty(t, result.Citations)

	// Configured markers replace the default set.
	result = p.Finish("q", "I cannot give investment advice.", chunks)
	assert.NotEmpty(t, result.Citations)
}

func TestFinish_LastUpdatedIsNewestChunk(t *testing.T) {
	p := rag.New(rag.PipelineConfig{}, nil, nil)

	older := time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC)
	newer := time.Date(2026, 3, 5, 0, 0, 0, 0, time.UTC)
	result := p.Finish("q", "answer", []models.ScoredChunk{
		scoredChunk("https://example.com/a", older),
		scoredChunk("https://example.com/b", newer),
	})

	assert.Equal(t, newer, result.LastUpdated)
}

func TestTrimHistory(t *testing.T) {
	p := rag.New(rag.PipelineConfig{MaxHistory: 3, HistoryBudget: 60}, nil, nil)

	history := []models.ChatTurn{
		{Question: "q1", Answer: strings.Repeat("a", 40)},
		{Question: "q2", Answer: strings.Repeat("b", 40)},
		{Question: "q3", Answer: "short"},
		{Question: "q4", Answer: "short"},
	}

	trimmed := p.TrimHistory(history)
	// q1 drops on the turn cap, q2 on the size budget.
	require.Len(t, trimmed, 2)
	assert.Equal(t, "q3", trimmed[0].Question)
	assert.Equal(t, "q4", trimmed[1].Question)
}

func TestNormalizeURL(t *testing.T) {
	cases := map[string]string{
		"https://example.com/funds/alpha.":  "https://example.com/funds/alpha",
		"https://example.com/funds/alpha),": "https://example.com/funds/alpha",
		"example.com/funds/alpha":           "https://example.com/funds/alpha",
		"www.example.com/x":                 "https://www.example.com/x",
		"  https://example.com  ":           "https://example.com",
		"/funds/alpha":                      "",
		"not a url":                         "",
		"1.2":                               "",
	}
	for input, want := range cases {
		assert.Equal(t, want, rag.NormalizeURL(input), "input %q", input)
	}
}

// End-to-end through the real chunker: two funds in, the right fact out,
// with a citation pointing at the fund's own page.
func TestPipeline_EndToEnd(t *testing.T) {
	ck := chunker.NewWithConfig(chunker.ChunkerConfig{})

	alpha := models.SourceDocument{
		ID:           "https://example.com/funds/alpha",
		SourceURL:    "https://example.com/funds/alpha",
		Category:     "ELSS",
		LastModified: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		Fields: map[string]interface{}{
			"fund_name":    "Alpha Tax Saver Fund",
			"nav":          "₹45.20",
			"cost_and_tax": map[string]interface{}{"expense_ratio": "1.2%"},
		},
	}
	beta := models.SourceDocument{
		ID:           "https://example.com/funds/beta",
		SourceURL:    "https://example.com/funds/beta",
		Category:     "Index",
		LastModified: time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
		Fields: map[string]interface{}{
			"fund_name":    "Beta Index Fund",
			"nav":          "₹102.75",
			"cost_and_tax": map[string]interface{}{"expense_ratio": "0.8%"},
		},
	}

	var corpus []models.Chunk
	corpus = append(corpus, ck.Chunk(alpha)...)
	corpus = append(corpus, ck.Chunk(beta)...)

	gen := &fakeGenerator{answer: "The expense ratio of Alpha Tax Saver Fund is 1.2%."}
	p := rag.New(rag.PipelineConfig{TopK: 2}, &keywordRetriever{chunks: corpus}, gen)

	result, err := p.Answer(context.Background(), "expense ratio Alpha Tax Saver", 0, nil)
	require.NoError(t, err)

	// The model saw Alpha's fact, attributed to Alpha's page.
	assert.Contains(t, gen.gotContext, "Expense Ratio: 1.2%")
	assert.Contains(t, result.Answer, "1.2%")
	require.NotEmpty(t, result.Citations)
	assert.Equal(t, "https://example.com/funds/alpha", result.Citations[0])
	assert.Equal(t, alpha.LastModified, result.LastUpdated)
}

func TestPipeline_ContextBudget(t *testing.T) {
	big := strings.Repeat("fund detail text ", 50)
	chunks := []models.Chunk{
		{Text: "expense ratio " + big, SourceURL: "https://example.com/a"},
		{Text: "expense ratio " + big, SourceURL: "https://example.com/b"},
	}

	gen := &fakeGenerator{answer: "ok"}
	p := rag.New(rag.PipelineConfig{TopK: 5, MaxContext: 900}, &keywordRetriever{chunks: chunks}, gen)

	_, err := p.Answer(context.Background(), "expense ratio", 0, nil)
	require.NoError(t, err)

	// Second chunk does not fit; it is dropped whole rather than truncated.
	assert.LessOrEqual(t, len(gen.gotContext), 900)
	assert.Equal(t, 1, strings.Count(gen.gotContext, "(Source:"))
}
