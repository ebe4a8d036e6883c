package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	LLM struct {
		BaseURL        string        `yaml:"base_url"`
		Model          string        `yaml:"model"`
		EmbeddingModel string        `yaml:"embedding_model"`
		MaxTokens      int           `yaml:"max_tokens"`
		Temperature    float64       `yaml:"temperature"`
		RequestTimeout time.Duration `yaml:"request_timeout"`
	} `yaml:"llm"`

	Database struct {
		URL            string  `yaml:"url"`
		TableName      string  `yaml:"table_name"`
		VectorDim      int     `yaml:"vector_dim"`
		EmbedBatchSize int     `yaml:"embed_batch_size"`
		EmbedRateLimit float64 `yaml:"embed_rate_limit"`
		MaxRetries     int     `yaml:"max_retries"`
	} `yaml:"database"`

	Chunker struct {
		ChunkSize    int `yaml:"chunk_size"`
		ChunkOverlap int `yaml:"chunk_overlap"`
	} `yaml:"chunker"`

	Refresh struct {
		Enabled      bool     `yaml:"enabled"`
		IntervalType string   `yaml:"interval_type"` // hourly or daily
		IntervalHrs  int      `yaml:"interval_hours"`
		IntervalDays int      `yaml:"interval_days"`
		AutoIngest   bool     `yaml:"auto_ingest"`
		Sources      []string `yaml:"sources"`
	} `yaml:"refresh"`

	Scraper struct {
		RateLimit float64       `yaml:"rate_limit"`
		Timeout   time.Duration `yaml:"timeout"`
	} `yaml:"scraper"`

	Retrieval struct {
		TopK           int      `yaml:"top_k"`
		MaxContext     int      `yaml:"max_context_chars"`
		MaxHistory     int      `yaml:"max_history_turns"`
		HistoryBudget  int      `yaml:"history_char_budget"`
		RefusalMarkers []string `yaml:"refusal_markers"`
	} `yaml:"retrieval"`

	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`
}

func LoadConfig(path string) (*Config, error) {
	// Env vars may also come from a local .env file
	_ = godotenv.Load()

	// If no path provided, try default locations
	if path == "" {
		locations := []string{
			"config.yaml",
			"config.yml",
			filepath.Join(os.Getenv("HOME"), ".config/fundrag/config.yaml"),
			"/etc/fundrag/config.yaml",
		}

		for _, loc := range locations {
			if _, err := os.Stat(loc); err == nil {
				path = loc
				break
			}
		}
	}

	if path == "" {
		return getDefaultConfig()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	mergeWithEnv(&config)
	applyDefaults(&config)

	return &config, nil
}

func getDefaultConfig() (*Config, error) {
	config := &Config{}
	applyDefaults(config)
	mergeWithEnv(config)
	return config, nil
}

// RefreshInterval converts the configured interval into a duration.
func (c *Config) RefreshInterval() time.Duration {
	if c.Refresh.IntervalType == "daily" {
		days := c.Refresh.IntervalDays
		if days == 0 {
			days = 1
		}
		return time.Duration(days) * 24 * time.Hour
	}
	hrs := c.Refresh.IntervalHrs
	if hrs == 0 {
		hrs = 1
	}
	return time.Duration(hrs) * time.Hour
}

func applyDefaults(config *Config) {
	if config.LLM.Model == "" {
		config.LLM.Model = "mistral"
	}
	if config.LLM.EmbeddingModel == "" {
		config.LLM.EmbeddingModel = "nomic-embed-text:latest"
	}
	if config.LLM.MaxTokens == 0 {
		config.LLM.MaxTokens = 2000
	}
	if config.LLM.Temperature == 0 {
		config.LLM.Temperature = 0.2
	}
	if config.LLM.BaseURL == "" {
		config.LLM.BaseURL = "http://localhost:11434"
	}
	if config.LLM.RequestTimeout == 0 {
		config.LLM.RequestTimeout = 60 * time.Second
	}

	if config.Database.TableName == "" {
		config.Database.TableName = "fund_chunks"
	}
	if config.Database.VectorDim == 0 {
		config.Database.VectorDim = 768
	}
	if config.Database.EmbedBatchSize == 0 {
		config.Database.EmbedBatchSize = 10
	}
	if config.Database.EmbedRateLimit == 0 {
		config.Database.EmbedRateLimit = 1.0
	}
	if config.Database.MaxRetries == 0 {
		config.Database.MaxRetries = 3
	}

	if config.Chunker.ChunkSize == 0 {
		config.Chunker.ChunkSize = 1000
	}
	if config.Chunker.ChunkOverlap == 0 {
		config.Chunker.ChunkOverlap = 200
	}

	if config.Refresh.IntervalType == "" {
		config.Refresh.IntervalType = "hourly"
	}
	if config.Refresh.IntervalHrs == 0 {
		config.Refresh.IntervalHrs = 1
	}

	if config.Scraper.RateLimit == 0 {
		config.Scraper.RateLimit = 2.0
	}
	if config.Scraper.Timeout == 0 {
		config.Scraper.Timeout = 30 * time.Second
	}

	if config.Retrieval.TopK == 0 {
		config.Retrieval.TopK = 5
	}
	if config.Retrieval.MaxContext == 0 {
		config.Retrieval.MaxContext = 12000
	}
	if config.Retrieval.MaxHistory == 0 {
		config.Retrieval.MaxHistory = 5
	}
	if config.Retrieval.HistoryBudget == 0 {
		config.Retrieval.HistoryBudget = 2000
	}

	if config.Server.Port == "" {
		config.Server.Port = "8080"
	}
}

func mergeWithEnv(config *Config) {
	if baseURL := os.Getenv("OLLAMA_BASE_URL"); baseURL != "" {
		config.LLM.BaseURL = baseURL
	}
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		config.Database.URL = dbURL
	}
	if port := os.Getenv("PORT"); port != "" {
		config.Server.Port = port
	}
}
