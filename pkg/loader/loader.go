// Package loader reads scraped fund JSON files from disk into source
// documents, for batch ingestion without hitting the network.
package loader

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/xhad/fundrag/internal/models"
)

type Loader struct {
	dataDir string
}

func New(dataDir string) *Loader {
	return &Loader{dataDir: dataDir}
}

// LoadDocuments walks the data directory for *.json files. A file may hold a
// single fund object or an array of them. Malformed files are logged and
// skipped; the error is only for an unusable directory or zero valid
// documents.
func (l *Loader) LoadDocuments() ([]models.SourceDocument, error) {
	if _, err := os.Stat(l.dataDir); err != nil {
		return nil, fmt.Errorf("data directory not found: %s", l.dataDir)
	}

	var docs []models.SourceDocument
	err := filepath.WalkDir(l.dataDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(strings.ToLower(d.Name()), ".json") {
			return nil
		}

		loaded, err := l.loadFile(path)
		if err != nil {
			log.Printf("loader: skipping %s: %v", path, err)
			return nil
		}
		docs = append(docs, loaded...)
		return nil
	})
	if err != nil {
		return nil, err
	}

	if len(docs) == 0 {
		return nil, fmt.Errorf("no valid documents loaded from %s", l.dataDir)
	}
	return docs, nil
}

func (l *Loader) loadFile(path string) ([]models.SourceDocument, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// A file is either one fund object or an array of them.
	var objects []map[string]interface{}
	if err := json.Unmarshal(raw, &objects); err != nil {
		var single map[string]interface{}
		if err := json.Unmarshal(raw, &single); err != nil {
			return nil, fmt.Errorf("invalid JSON: %w", err)
		}
		objects = append(objects, single)
	}

	modTime := time.Now().UTC()
	if info, err := os.Stat(path); err == nil {
		modTime = info.ModTime().UTC()
	}

	var docs []models.SourceDocument
	for i, obj := range objects {
		if len(obj) == 0 {
			continue
		}
		docs = append(docs, l.toDocument(obj, path, i, modTime))
	}
	return docs, nil
}

// toDocument maps a decoded fund object onto a source document. The scraped
// source_url is the document's identity when present; the file path stands in
// otherwise.
func (l *Loader) toDocument(obj map[string]interface{}, path string, index int, modTime time.Time) models.SourceDocument {
	id := stringField(obj, "source_url")
	sourceURL := id
	if id == "" {
		id = fmt.Sprintf("%s#%d", path, index)
	}

	lastModified := modTime
	if scraped := stringField(obj, "last_scraped"); scraped != "" {
		if t, err := time.Parse(time.RFC3339, scraped); err == nil {
			lastModified = t.UTC()
		}
	}

	category := stringField(obj, "category")
	if category == "" {
		if summary, ok := obj["summary"].(map[string]interface{}); ok {
			category = stringField(summary, "fund_category")
		}
	}

	return models.SourceDocument{
		ID:           id,
		SourceURL:    sourceURL,
		Category:     category,
		LastModified: lastModified,
		Fields:       obj,
	}
}

func stringField(obj map[string]interface{}, key string) string {
	if s, ok := obj[key].(string); ok {
		return strings.TrimSpace(s)
	}
	return ""
}
