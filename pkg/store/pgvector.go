package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	"github.com/xhad/fundrag/internal/models"
	"github.com/xhad/fundrag/internal/types"
)

// ErrEmptyIndex is returned by Search when the collection holds zero records.
// Callers must treat it as "no data yet", not as an empty result set.
var ErrEmptyIndex = errors.New("vector index is empty")

type VectorStoreConfig struct {
	ConnString string
	TableName  string
	VectorDim  int
}

// VectorStore owns the persistent (chunk, vector, metadata) collection plus
// per-source freshness bookkeeping, backed by postgres with pgvector.
type VectorStore struct {
	config   VectorStoreConfig
	pool     *pgxpool.Pool
	embedder types.Embedder
}

func NewWithConfig(ctx context.Context, config VectorStoreConfig, embedder types.Embedder) (*VectorStore, error) {
	if config.TableName == "" {
		config.TableName = "fund_chunks"
	}
	if config.VectorDim == 0 {
		config.VectorDim = 768
	}

	pool, err := pgxpool.New(ctx, config.ConnString)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	vs := &VectorStore{
		config:   config,
		pool:     pool,
		embedder: embedder,
	}

	if err := vs.initialize(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return vs, nil
}

func (vs *VectorStore) freshnessTable() string {
	return vs.config.TableName + "_freshness"
}

func (vs *VectorStore) initialize(ctx context.Context) error {
	_, err := vs.pool.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector")
	if err != nil {
		return fmt.Errorf("failed to create vector extension: %w", err)
	}

	createTable := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			doc_id TEXT NOT NULL,
			chunk_index INTEGER NOT NULL,
			chunk_group TEXT,
			content TEXT NOT NULL,
			fingerprint TEXT NOT NULL,
			embedding vector(%d),
			source_id TEXT NOT NULL,
			source_url TEXT,
			fund_category TEXT,
			last_modified TIMESTAMPTZ,
			ingested_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (doc_id, chunk_index)
		)`, vs.config.TableName, vs.config.VectorDim)

	if _, err = vs.pool.Exec(ctx, createTable); err != nil {
		return fmt.Errorf("failed to create table: %w", err)
	}

	createFreshness := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			source_id TEXT PRIMARY KEY,
			last_ingested TIMESTAMPTZ NOT NULL
		)`, vs.freshnessTable())

	if _, err = vs.pool.Exec(ctx, createFreshness); err != nil {
		return fmt.Errorf("failed to create freshness table: %w", err)
	}

	createIndex := fmt.Sprintf(`
		CREATE INDEX IF NOT EXISTS %s_embedding_idx
		ON %s
		USING ivfflat (embedding vector_cosine_ops)
		WITH (lists = 100)`,
		vs.config.TableName, vs.config.TableName)

	if _, err = vs.pool.Exec(ctx, createIndex); err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}

	return nil
}

// Upsert writes chunks with fingerprint-based dedup. Per document: identical
// fingerprint at the same index is a no-op, a differing fingerprint re-embeds
// and replaces, a missing record embeds and inserts, and indexes past the new
// chunk count are deleted. The document's rows and its freshness timestamp
// commit in one transaction. A document whose embedding batch exhausts its
// retries is skipped; counts cover only committed chunks and documents
// committed earlier in the same call stay committed.
func (vs *VectorStore) Upsert(ctx context.Context, chunks []models.Chunk) (models.UpsertStats, error) {
	var stats models.UpsertStats

	byDoc := groupByDoc(chunks)
	for _, doc := range byDoc {
		docStats, err := vs.upsertDocument(ctx, doc)
		stats.New += docStats.New
		stats.Updated += docStats.Updated
		stats.Unchanged += docStats.Unchanged
		if err != nil {
			stats.Total, _ = vs.Count(ctx)
			return stats, fmt.Errorf("upserting document %q: %w", doc[0].DocID, err)
		}
	}

	total, err := vs.Count(ctx)
	if err != nil {
		return stats, err
	}
	stats.Total = total
	return stats, nil
}

func (vs *VectorStore) upsertDocument(ctx context.Context, chunks []models.Chunk) (models.UpsertStats, error) {
	var stats models.UpsertStats
	docID := chunks[0].DocID

	existing, err := vs.existingFingerprints(ctx, docID)
	if err != nil {
		return stats, err
	}

	type pending struct {
		chunk       models.Chunk
		fingerprint string
		isNew       bool
	}
	var toEmbed []pending
	for _, chunk := range chunks {
		fp := Fingerprint(chunk.Text)
		prev, found := existing[chunk.Index]
		switch {
		case found && prev == fp:
			stats.Unchanged++
		case found:
			toEmbed = append(toEmbed, pending{chunk, fp, false})
		default:
			toEmbed = append(toEmbed, pending{chunk, fp, true})
		}
	}

	var vectors [][]float32
	if len(toEmbed) > 0 {
		texts := make([]string, len(toEmbed))
		for i, p := range toEmbed {
			texts[i] = p.chunk.Text
		}
		vectors, err = vs.embedder.EmbedDocuments(ctx, texts)
		if err != nil {
			return stats, err
		}
	}

	tx, err := vs.pool.Begin(ctx)
	if err != nil {
		return stats, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	upsertStmt := fmt.Sprintf(`
		INSERT INTO %s (doc_id, chunk_index, chunk_group, content, fingerprint,
			embedding, source_id, source_url, fund_category, last_modified, ingested_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, now())
		ON CONFLICT (doc_id, chunk_index) DO UPDATE SET
			chunk_group = EXCLUDED.chunk_group,
			content = EXCLUDED.content,
			fingerprint = EXCLUDED.fingerprint,
			embedding = EXCLUDED.embedding,
			source_id = EXCLUDED.source_id,
			source_url = EXCLUDED.source_url,
			fund_category = EXCLUDED.fund_category,
			last_modified = EXCLUDED.last_modified,
			ingested_at = EXCLUDED.ingested_at`,
		vs.config.TableName)

	for i, p := range toEmbed {
		_, err = tx.Exec(ctx, upsertStmt,
			p.chunk.DocID,
			p.chunk.Index,
			p.chunk.Group,
			p.chunk.Text,
			p.fingerprint,
			pgvector.NewVector(vectors[i]),
			NormalizeSourceID(p.chunk.SourceID),
			p.chunk.SourceURL,
			p.chunk.FundCategory,
			p.chunk.LastModified,
		)
		if err != nil {
			return models.UpsertStats{}, fmt.Errorf("failed to upsert chunk: %w", err)
		}
		if p.isNew {
			stats.New++
		} else {
			stats.Updated++
		}
	}

	// A shrunken document must not leave orphan records behind.
	deleteStmt := fmt.Sprintf("DELETE FROM %s WHERE doc_id = $1 AND chunk_index >= $2", vs.config.TableName)
	if _, err = tx.Exec(ctx, deleteStmt, docID, len(chunks)); err != nil {
		return models.UpsertStats{}, fmt.Errorf("failed to delete superseded chunks: %w", err)
	}

	// Freshness advances only after the document's rows are in place, inside
	// the same transaction, so readers never see fresh timestamps with stale
	// chunks.
	freshStmt := fmt.Sprintf(`
		INSERT INTO %s (source_id, last_ingested) VALUES ($1, now())
		ON CONFLICT (source_id) DO UPDATE SET last_ingested = EXCLUDED.last_ingested`,
		vs.freshnessTable())
	if _, err = tx.Exec(ctx, freshStmt, NormalizeSourceID(chunks[0].SourceID)); err != nil {
		return models.UpsertStats{}, fmt.Errorf("failed to update freshness: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return models.UpsertStats{}, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return stats, nil
}

func (vs *VectorStore) existingFingerprints(ctx context.Context, docID string) (map[int]string, error) {
	query := fmt.Sprintf("SELECT chunk_index, fingerprint FROM %s WHERE doc_id = $1", vs.config.TableName)
	rows, err := vs.pool.Query(ctx, query, docID)
	if err != nil {
		return nil, fmt.Errorf("failed to read existing fingerprints: %w", err)
	}
	defer rows.Close()

	existing := make(map[int]string)
	for rows.Next() {
		var idx int
		var fp string
		if err := rows.Scan(&idx, &fp); err != nil {
			return nil, fmt.Errorf("failed to scan fingerprint row: %w", err)
		}
		existing[idx] = fp
	}
	return existing, rows.Err()
}

// Search embeds the query once and returns up to k chunks by descending
// cosine similarity, optionally restricted by a metadata filter.
func (vs *VectorStore) Search(ctx context.Context, query string, k int, filter map[string]string) ([]models.ScoredChunk, error) {
	count, err := vs.Count(ctx)
	if err != nil {
		return nil, err
	}
	if count == 0 {
		return nil, ErrEmptyIndex
	}

	if k <= 0 {
		k = 5
	}

	embedding, err := vs.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	where, args := buildFilter(filter, 3)
	stmt := fmt.Sprintf(`
		SELECT doc_id, chunk_index, chunk_group, content, source_id, source_url,
			fund_category, last_modified, 1 - (embedding <=> $1) AS score
		FROM %s%s
		ORDER BY embedding <=> $1
		LIMIT $2`,
		vs.config.TableName, where)

	queryArgs := append([]interface{}{pgvector.NewVector(embedding), k}, args...)
	rows, err := vs.pool.Query(ctx, stmt, queryArgs...)
	if err != nil {
		return nil, fmt.Errorf("failed to query chunks: %w", err)
	}
	defer rows.Close()

	var results []models.ScoredChunk
	for rows.Next() {
		var sc models.ScoredChunk
		var lastModified *time.Time
		err := rows.Scan(
			&sc.Chunk.DocID,
			&sc.Chunk.Index,
			&sc.Chunk.Group,
			&sc.Chunk.Text,
			&sc.Chunk.SourceID,
			&sc.Chunk.SourceURL,
			&sc.Chunk.FundCategory,
			&lastModified,
			&sc.Score,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan result row: %w", err)
		}
		if lastModified != nil {
			sc.Chunk.LastModified = *lastModified
		}
		results = append(results, sc)
	}

	return results, rows.Err()
}

// NeedsRefresh reports whether sourceID has no freshness record or one older
// than interval.
func (vs *VectorStore) NeedsRefresh(ctx context.Context, sourceID string, interval time.Duration) (bool, error) {
	query := fmt.Sprintf("SELECT last_ingested FROM %s WHERE source_id = $1", vs.freshnessTable())

	var lastIngested time.Time
	err := vs.pool.QueryRow(ctx, query, NormalizeSourceID(sourceID)).Scan(&lastIngested)
	if errors.Is(err, pgx.ErrNoRows) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read freshness: %w", err)
	}

	return staleAfter(lastIngested, interval, time.Now()), nil
}

// staleAfter reports whether a record last ingested at lastIngested has aged
// past interval at the reference time. Elapsed time equal to the interval is
// still fresh; only strictly exceeding it is stale.
func staleAfter(lastIngested time.Time, interval time.Duration, now time.Time) bool {
	return now.Sub(lastIngested) > interval
}

// DetectNewSources returns the configured identifiers that have never been
// ingested.
func (vs *VectorStore) DetectNewSources(ctx context.Context, configured []string) ([]string, error) {
	query := fmt.Sprintf("SELECT source_id FROM %s", vs.freshnessTable())
	rows, err := vs.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list known sources: %w", err)
	}
	defer rows.Close()

	known := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan source row: %w", err)
		}
		known[id] = true
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var fresh []string
	for _, id := range configured {
		if id == "" {
			continue
		}
		if !known[NormalizeSourceID(id)] {
			fresh = append(fresh, id)
		}
	}
	return fresh, nil
}

// LatestIngestion returns the most recent ingestion time across all sources,
// or the zero time when nothing has been ingested.
func (vs *VectorStore) LatestIngestion(ctx context.Context) (time.Time, error) {
	query := fmt.Sprintf("SELECT COALESCE(max(last_ingested), 'epoch'::timestamptz) FROM %s", vs.freshnessTable())

	var latest time.Time
	if err := vs.pool.QueryRow(ctx, query).Scan(&latest); err != nil {
		return time.Time{}, fmt.Errorf("failed to read latest ingestion: %w", err)
	}
	if latest.Unix() == 0 {
		return time.Time{}, nil
	}
	return latest, nil
}

func (vs *VectorStore) Count(ctx context.Context) (int, error) {
	var count int
	query := fmt.Sprintf("SELECT count(*) FROM %s", vs.config.TableName)
	if err := vs.pool.QueryRow(ctx, query).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count records: %w", err)
	}
	return count, nil
}

// DeleteCollection clears all records and freshness state. Administrative
// only; nothing in the normal flow calls it.
func (vs *VectorStore) DeleteCollection(ctx context.Context) error {
	tx, err := vs.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, "DELETE FROM "+vs.config.TableName); err != nil {
		return fmt.Errorf("failed to clear records: %w", err)
	}
	if _, err := tx.Exec(ctx, "DELETE FROM "+vs.freshnessTable()); err != nil {
		return fmt.Errorf("failed to clear freshness state: %w", err)
	}

	return tx.Commit(ctx)
}

func (vs *VectorStore) Close() {
	if vs.pool != nil {
		vs.pool.Close()
	}
}

func groupByDoc(chunks []models.Chunk) [][]models.Chunk {
	var order []string
	byDoc := make(map[string][]models.Chunk)
	for _, chunk := range chunks {
		if _, seen := byDoc[chunk.DocID]; !seen {
			order = append(order, chunk.DocID)
		}
		byDoc[chunk.DocID] = append(byDoc[chunk.DocID], chunk)
	}

	grouped := make([][]models.Chunk, 0, len(order))
	for _, id := range order {
		grouped = append(grouped, byDoc[id])
	}
	return grouped
}
