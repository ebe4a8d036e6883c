package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	t.Setenv("OLLAMA_BASE_URL", "")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("PORT", "")

	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configData := `
llm:
  base_url: "http://localhost:11434"
  model: "mistral"
  embedding_model: "nomic-embed-text:latest"
  max_tokens: 1000
  temperature: 0.5

database:
  url: "postgres://localhost:5432/funds"
  table_name: "fund_chunks"
  vector_dim: 768
  embed_batch_size: 20

chunker:
  chunk_size: 800
  chunk_overlap: 150

refresh:
  enabled: true
  interval_type: "daily"
  interval_days: 2
  auto_ingest: true
  sources:
    - "https://example.com/funds/alpha"
    - "https://example.com/funds/beta"

retrieval:
  top_k: 7
`
	require.NoError(t, os.WriteFile(configPath, []byte(configData), 0644))

	config, err := LoadConfig(configPath)
	require.NoError(t, err)

	assert.Equal(t, "http://localhost:11434", config.LLM.BaseURL)
	assert.Equal(t, "mistral", config.LLM.Model)
	assert.Equal(t, 1000, config.LLM.MaxTokens)
	assert.Equal(t, 0.5, config.LLM.Temperature)
	assert.Equal(t, "postgres://localhost:5432/funds", config.Database.URL)
	assert.Equal(t, 20, config.Database.EmbedBatchSize)
	assert.Equal(t, 800, config.Chunker.ChunkSize)
	assert.True(t, config.Refresh.Enabled)
	assert.Len(t, config.Refresh.Sources, 2)
	assert.Equal(t, 7, config.Retrieval.TopK)

	// Unset values fall back to defaults.
	assert.Equal(t, 2.0, config.Scraper.RateLimit)
	assert.Equal(t, "8080", config.Server.Port)
	assert.Equal(t, 3, config.Database.MaxRetries)
}

func TestLoadConfig_Defaults(t *testing.T) {
	config, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
	assert.Nil(t, config)
}

func TestRefreshInterval(t *testing.T) {
	var c Config

	c.Refresh.IntervalType = "hourly"
	c.Refresh.IntervalHrs = 6
	assert.Equal(t, 6*time.Hour, c.RefreshInterval())

	c.Refresh.IntervalType = "daily"
	c.Refresh.IntervalDays = 2
	assert.Equal(t, 48*time.Hour, c.RefreshInterval())

	c.Refresh.IntervalDays = 0
	assert.Equal(t, 24*time.Hour, c.RefreshInterval())
}

func TestMergeWithEnv(t *testing.T) {
	t.Setenv("OLLAMA_BASE_URL", "http://ollama.internal:11434")
	t.Setenv("DATABASE_URL", "postgres://db.internal:5432/funds")
	t.Setenv("PORT", "9090")

	var config Config
	applyDefaults(&config)
	mergeWithEnv(&config)

	assert.Equal(t, "http://ollama.internal:11434", config.LLM.BaseURL)
	assert.Equal(t, "postgres://db.internal:5432/funds", config.Database.URL)
	assert.Equal(t, "9090", config.Server.Port)
}

func TestValidate(t *testing.T) {
	var config Config
	applyDefaults(&config)
	assert.Empty(t, config.Validate())

	config.LLM.MaxTokens = 10000
	config.Refresh.IntervalType = "weekly"
	config.Refresh.Sources = []string{"https://example.com/a", "  "}
	config.Scraper.RateLimit = -1

	errs := config.Validate()
	require.Len(t, errs, 4)

	fields := make(map[string]bool)
	for _, e := range errs {
		fields[e.Field] = true
		assert.NotEmpty(t, e.Error())
	}
	assert.True(t, fields["llm.max_tokens"])
	assert.True(t, fields["refresh.interval_type"])
	assert.True(t, fields["refresh.sources"])
	assert.True(t, fields["scraper.rate_limit"])
}

func TestValidate_ChunkOverlap(t *testing.T) {
	var config Config
	applyDefaults(&config)

	config.Chunker.ChunkSize = 100
	config.Chunker.ChunkOverlap = 100

	errs := config.Validate()
	require.Len(t, errs, 1)
	assert.Equal(t, "chunker.chunk_overlap", errs[0].Field)
}
