package chunker

import (
	"fmt"
	"sort"
	"strings"

	"github.com/xhad/fundrag/internal/models"
)

type ChunkerConfig struct {
	ChunkSize    int
	ChunkOverlap int
}

// Chunker splits a structured fund document into semantically grouped chunks.
// Output order is deterministic: fixed group order, then sub-split order, so
// chunking an unchanged document always yields byte-identical chunks.
type Chunker struct {
	config ChunkerConfig
}

// semanticGroup maps a named group to the document fields it owns. Fields not
// claimed by any group fall into the residual "metadata" group.
type semanticGroup struct {
	name   string
	fields []string
}

// Group order is fixed; do not reorder without re-ingesting the corpus, since
// chunk indexes derive from it.
var semanticGroups = []semanticGroup{
	{"fund_overview", []string{"fund_name", "fund_house", "fund_manager", "nav", "fund_size", "aum", "summary"}},
	{"investment_terms", []string{"minimum_investments", "returns", "category_info"}},
	{"costs_and_taxes", []string{"cost_and_tax"}},
	{"holdings", []string{"top_5_holdings"}},
	{"performance_metrics", []string{"advanced_ratios"}},
	{"comparison_data", []string{"peer_comparison_sample"}},
	{"metadata", []string{"source", "source_url", "last_scraped"}},
}

func NewWithConfig(config ChunkerConfig) *Chunker {
	if config.ChunkSize == 0 {
		config.ChunkSize = 1000
	}
	if config.ChunkOverlap >= config.ChunkSize {
		config.ChunkOverlap = config.ChunkSize / 5
	}
	return &Chunker{config: config}
}

// Chunk produces the ordered chunk set for one document. Every chunk carries
// the document's provenance metadata plus its own index.
func (c *Chunker) Chunk(doc models.SourceDocument) []models.Chunk {
	claimed := make(map[string]bool)
	for _, g := range semanticGroups {
		for _, f := range g.fields {
			claimed[f] = true
		}
	}

	var texts []string
	var groups []string

	recognized := false
	for _, g := range semanticGroups {
		lines := c.formatGroup(doc, g)
		if g.name == "metadata" {
			lines = append(lines, c.formatResidual(doc, claimed)...)
		}
		if len(lines) == 0 {
			continue
		}
		if g.name != "metadata" {
			recognized = true
		}
		text := strings.Join(lines, "\n")
		for _, part := range c.splitText(text) {
			texts = append(texts, part)
			groups = append(groups, g.name)
		}
	}

	// No recognized category at all: flatten everything and fall back to the
	// generic splitter.
	if !recognized {
		texts = texts[:0]
		groups = groups[:0]
		flat := c.flatten(doc)
		for _, part := range c.splitText(flat) {
			texts = append(texts, part)
			groups = append(groups, "text")
		}
	}

	chunks := make([]models.Chunk, 0, len(texts))
	for i, text := range texts {
		chunks = append(chunks, models.Chunk{
			DocID:        doc.ID,
			Index:        i,
			Group:        groups[i],
			Text:         text,
			SourceID:     doc.SourceURL,
			SourceURL:    doc.SourceURL,
			FundCategory: doc.Category,
			LastModified: doc.LastModified,
		})
	}
	return chunks
}

// formatGroup renders one semantic group as human-readable key/value lines.
// Fields render in the group's declared order so output is reproducible.
func (c *Chunker) formatGroup(doc models.SourceDocument, g semanticGroup) []string {
	var lines []string
	for _, field := range g.fields {
		value, ok := doc.Fields[field]
		if !ok || value == nil {
			continue
		}
		lines = append(lines, formatField(field, value, 0)...)
	}
	if len(lines) == 0 {
		return nil
	}
	// Fund name context helps embeddings associate the group with its fund.
	if name, ok := doc.Fields["fund_name"].(string); ok && name != "" && g.fields[0] != "fund_name" {
		lines = append([]string{fmt.Sprintf("Fund: %s", name)}, lines...)
	}
	return lines
}

// formatResidual renders fields no group claims, sorted by name.
func (c *Chunker) formatResidual(doc models.SourceDocument, claimed map[string]bool) []string {
	var keys []string
	for k := range doc.Fields {
		if !claimed[k] {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	var lines []string
	for _, k := range keys {
		lines = append(lines, formatField(k, doc.Fields[k], 0)...)
	}
	return lines
}

func (c *Chunker) flatten(doc models.SourceDocument) string {
	var keys []string
	for k := range doc.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var lines []string
	for _, k := range keys {
		lines = append(lines, formatField(k, doc.Fields[k], 0)...)
	}
	return strings.Join(lines, "\n")
}

// formatField renders a field and its value as indented key/value lines.
// Nested maps render with sorted keys; lists render one entry per line.
func formatField(key string, value interface{}, depth int) []string {
	indent := strings.Repeat("  ", depth)
	label := titleCase(key)

	switch v := value.(type) {
	case map[string]interface{}:
		lines := []string{fmt.Sprintf("%s%s:", indent, label)}
		var sub []string
		for k := range v {
			sub = append(sub, k)
		}
		sort.Strings(sub)
		for _, k := range sub {
			lines = append(lines, formatField(k, v[k], depth+1)...)
		}
		return lines
	case []interface{}:
		lines := []string{fmt.Sprintf("%s%s:", indent, label)}
		for _, item := range v {
			switch entry := item.(type) {
			case map[string]interface{}:
				name, _ := entry["name"].(string)
				if name != "" {
					lines = append(lines, fmt.Sprintf("%s  %s", indent, name))
				}
				var sub []string
				for k := range entry {
					if k != "name" {
						sub = append(sub, k)
					}
				}
				sort.Strings(sub)
				for _, k := range sub {
					lines = append(lines, formatField(k, entry[k], depth+2)...)
				}
			default:
				lines = append(lines, fmt.Sprintf("%s  %v", indent, entry))
			}
		}
		return lines
	case nil:
		return nil
	default:
		return []string{fmt.Sprintf("%s%s: %v", indent, label, v)}
	}
}

func titleCase(key string) string {
	words := strings.Split(strings.ReplaceAll(key, "_", " "), " ")
	for i, w := range words {
		if w == "" {
			continue
		}
		if isInitialism(w) {
			words[i] = strings.ToUpper(w)
			continue
		}
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}

func isInitialism(w string) bool {
	switch strings.ToLower(w) {
	case "nav", "aum", "sip", "url", "id":
		return true
	}
	return false
}

// splitText splits oversize text on word boundaries with configured size and
// overlap. Text within budget comes back as a single piece.
func (c *Chunker) splitText(text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if len(text) <= c.config.ChunkSize {
		return []string{text}
	}

	words := strings.Fields(text)
	var parts []string
	current := strings.Builder{}

	flush := func() {
		part := strings.TrimSpace(current.String())
		if part != "" {
			parts = append(parts, part)
		}
		current.Reset()
	}

	for _, word := range words {
		if current.Len()+len(word)+1 > c.config.ChunkSize && current.Len() > 0 {
			tail := overlapTail(current.String(), c.config.ChunkOverlap)
			flush()
			if tail != "" {
				current.WriteString(tail)
				current.WriteString(" ")
			}
		}
		current.WriteString(word)
		current.WriteString(" ")
	}
	flush()

	return parts
}

// overlapTail returns the last n characters of text, snapped forward to a
// word boundary.
func overlapTail(text string, n int) string {
	text = strings.TrimSpace(text)
	if n <= 0 || len(text) <= n {
		return ""
	}
	tail := text[len(text)-n:]
	if idx := strings.IndexAny(tail, " \n"); idx >= 0 {
		tail = tail[idx+1:]
	}
	return strings.TrimSpace(tail)
}
