package models

import "time"

// SourceDocument is one structured fund record as produced by a scraper or
// directory loader. The core treats it as read-only input.
type SourceDocument struct {
	ID           string
	SourceURL    string
	Category     string
	LastModified time.Time
	Fields       map[string]interface{}
}

// Chunk is a semantically grouped slice of a SourceDocument, the unit of
// embedding and retrieval. Chunks are immutable once built; re-ingesting a
// document produces a fresh set that supersedes the old one.
type Chunk struct {
	DocID        string
	Index        int
	Group        string
	Text         string
	SourceID     string
	SourceURL    string
	FundCategory string
	LastModified time.Time
}

// ScoredChunk pairs a retrieved chunk with its cosine similarity score.
type ScoredChunk struct {
	Chunk
	Score float32
}

// UpsertStats reports what an upsert call actually did.
type UpsertStats struct {
	New       int
	Updated   int
	Unchanged int
	Total     int
}

// ChatTurn is one prior exchange carried into a follow-up query.
type ChatTurn struct {
	Question string
	Answer   string
}

// QueryResult is the answer to one question: the synthesized text, the chunks
// it was grounded on, deduplicated citation URLs, and the freshest
// last-modified timestamp among the retrieved chunks' source documents.
type QueryResult struct {
	Answer      string
	Question    string
	Chunks      []ScoredChunk
	Citations   []string
	LastUpdated time.Time
	NoData      bool
}
