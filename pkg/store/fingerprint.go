package store

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// Fingerprint hashes normalized chunk text. Identical content always produces
// the same fingerprint across ingestion runs, which is what the upsert dedup
// relies on.
func Fingerprint(text string) string {
	normalized := strings.ToLower(strings.Join(strings.Fields(text), " "))
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

// NormalizeSourceID canonicalizes a source identifier for freshness
// comparison: trimmed, trailing slash stripped, lowercased.
func NormalizeSourceID(id string) string {
	return strings.ToLower(strings.TrimRight(strings.TrimSpace(id), "/"))
}

// filterColumns lists metadata keys callers may filter on, mapped to their
// column names. Anything else is ignored rather than interpolated into SQL.
var filterColumns = map[string]string{
	"doc_id":        "doc_id",
	"chunk_group":   "chunk_group",
	"fund_category": "fund_category",
	"source_id":     "source_id",
}

// buildFilter renders a metadata filter as a WHERE clause with placeholders
// starting at startArg, returning the clause and its arguments. Keys render
// in a fixed order so the generated SQL is deterministic.
func buildFilter(filter map[string]string, startArg int) (string, []interface{}) {
	if len(filter) == 0 {
		return "", nil
	}

	keys := []string{"doc_id", "chunk_group", "fund_category", "source_id"}

	var clauses []string
	var args []interface{}
	arg := startArg
	for _, key := range keys {
		value, ok := filter[key]
		if !ok {
			continue
		}
		clauses = append(clauses, fmt.Sprintf("%s = $%d", filterColumns[key], arg))
		args = append(args, value)
		arg++
	}

	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}
