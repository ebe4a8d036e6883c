package rag

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/xhad/fundrag/internal/models"
	"github.com/xhad/fundrag/internal/types"
	"github.com/xhad/fundrag/pkg/store"
)

// defaultRefusalMarkers identify out-of-scope refusal answers. A refusal
// cites nothing: attaching sources to "I can't answer that" misleads.
var defaultRefusalMarkers = []string{"cannot give investment advice"}

type PipelineConfig struct {
	TopK          int
	MaxContext    int
	MaxHistory    int
	HistoryBudget int

	// RefusalMarkers are matched case-insensitively against the generated
	// answer; a match suppresses citations.
	RefusalMarkers []string
}

// Pipeline wires retrieval and generation into the full question-to-answer
// path: retrieve scored chunks, assemble a bounded context, generate, then
// normalize citations and freshness metadata.
type Pipeline struct {
	config    PipelineConfig
	retriever types.Retriever
	generator types.Generator
}

func New(config PipelineConfig, retriever types.Retriever, generator types.Generator) *Pipeline {
	if config.TopK == 0 {
		config.TopK = 5
	}
	if config.MaxContext == 0 {
		config.MaxContext = 8000
	}
	if config.MaxHistory == 0 {
		config.MaxHistory = 6
	}
	if config.HistoryBudget == 0 {
		config.HistoryBudget = 2000
	}
	if len(config.RefusalMarkers) == 0 {
		config.RefusalMarkers = defaultRefusalMarkers
	}
	return &Pipeline{config: config, retriever: retriever, generator: generator}
}

// Answer runs one question through the pipeline. k <= 0 falls back to the
// configured top-k. An empty index yields a NoData result, not an error.
func (p *Pipeline) Answer(ctx context.Context, question string, k int, history []models.ChatTurn) (models.QueryResult, error) {
	result := models.QueryResult{Question: question}

	if strings.TrimSpace(question) == "" {
		return result, fmt.Errorf("question must not be empty")
	}

	chunks, contextText, err := p.Retrieve(ctx, question, k)
	if err != nil {
		if errors.Is(err, store.ErrEmptyIndex) {
			result.NoData = true
			result.Answer = "I don't have any fund data available yet. Please try again after the next data refresh."
			return result, nil
		}
		return result, fmt.Errorf("retrieval failed: %w", err)
	}

	answer, err := p.generator.Generate(ctx, question, contextText, p.TrimHistory(history))
	if err != nil {
		return result, fmt.Errorf("generation failed: %w", err)
	}

	return p.Finish(question, answer, chunks), nil
}

// Retrieve runs only the retrieval half: scored chunks plus the assembled
// context block, for callers that drive generation themselves.
func (p *Pipeline) Retrieve(ctx context.Context, question string, k int) ([]models.ScoredChunk, string, error) {
	if k <= 0 {
		k = p.config.TopK
	}
	chunks, err := p.retriever.Search(ctx, question, k, nil)
	if err != nil {
		return nil, "", err
	}
	return chunks, p.assembleContext(chunks), nil
}

// Finish post-processes a raw model answer against its source chunks: URLs
// are stripped from the text, citations normalized and deduplicated, and the
// freshness stamp computed. A refusal answer carries no citations.
func (p *Pipeline) Finish(question, answer string, chunks []models.ScoredChunk) models.QueryResult {
	result := models.QueryResult{Question: question, Chunks: chunks}

	answerURLs := extractURLs(answer)
	result.Answer = stripURLs(answer)

	if !p.isRefusal(result.Answer) {
		result.Citations = p.buildCitations(chunks, answerURLs)
	}
	result.LastUpdated = latestModification(chunks)
	return result
}

func (p *Pipeline) isRefusal(answer string) bool {
	lower := strings.ToLower(answer)
	for _, marker := range p.config.RefusalMarkers {
		if strings.Contains(lower, strings.ToLower(marker)) {
			return true
		}
	}
	return false
}

// assembleContext concatenates chunk texts in retrieval order under the
// character budget. A chunk is taken whole or not at all.
func (p *Pipeline) assembleContext(chunks []models.ScoredChunk) string {
	var b strings.Builder
	for _, sc := range chunks {
		block := sc.Text
		if sc.SourceURL != "" {
			block = fmt.Sprintf("%s\n(Source: %s)", sc.Text, sc.SourceURL)
		}
		if b.Len() > 0 && b.Len()+len(block)+2 > p.config.MaxContext {
			break
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(block)
	}
	return b.String()
}

// TrimHistory bounds conversation history by turn count and total size,
// dropping the oldest turns first.
func (p *Pipeline) TrimHistory(history []models.ChatTurn) []models.ChatTurn {
	if len(history) > p.config.MaxHistory {
		history = history[len(history)-p.config.MaxHistory:]
	}

	size := 0
	start := len(history)
	for i := len(history) - 1; i >= 0; i-- {
		size += len(history[i].Question) + len(history[i].Answer)
		if size > p.config.HistoryBudget {
			break
		}
		start = i
	}
	return history[start:]
}

// buildCitations merges chunk provenance with any URLs the model wrote into
// the answer. Chunk sources come first; duplicates keep their first slot.
func (p *Pipeline) buildCitations(chunks []models.ScoredChunk, answerURLs []string) []string {
	var urls []string
	for _, sc := range chunks {
		if n := NormalizeURL(sc.SourceURL); n != "" {
			urls = append(urls, n)
		}
	}
	urls = append(urls, answerURLs...)
	return dedupeKeepOrder(urls)
}

// latestModification is the most recent last-modified stamp across the
// retrieved chunks. Zero when no chunk carries one.
func latestModification(chunks []models.ScoredChunk) time.Time {
	var latest time.Time
	for _, sc := range chunks {
		if sc.LastModified.After(latest) {
			latest = sc.LastModified
		}
	}
	return latest
}
