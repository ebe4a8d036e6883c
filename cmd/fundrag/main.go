package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/schollz/progressbar/v3"
	"github.com/xhad/fundrag/internal/models"
	"github.com/xhad/fundrag/pkg/chunker"
	cfgPkg "github.com/xhad/fundrag/pkg/config"
	"github.com/xhad/fundrag/pkg/llm"
	"github.com/xhad/fundrag/pkg/loader"
	"github.com/xhad/fundrag/pkg/rag"
	"github.com/xhad/fundrag/pkg/refresher"
	"github.com/xhad/fundrag/pkg/scraper"
	"github.com/xhad/fundrag/pkg/store"
	"github.com/xhad/fundrag/pkg/validate"
	"github.com/xhad/fundrag/server"
)

func main() {
	var (
		configPath string
		serve      bool
		ingestDir  string
		streaming  bool
	)

	flag.StringVar(&configPath, "config", "", "Path to config file")
	flag.BoolVar(&serve, "serve", false, "Run the HTTP API server")
	flag.StringVar(&ingestDir, "ingest", "", "Ingest JSON fund files from a directory and exit")
	flag.BoolVar(&streaming, "stream", true, "Enable streaming responses in chat")
	flag.Parse()

	cfg, err := cfgPkg.LoadConfig(configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if errs := cfg.Validate(); len(errs) > 0 {
		for _, e := range errs {
			color.Red("config: %v", e)
		}
		os.Exit(1)
	}

	if err := run(cfg, serve, ingestDir, streaming); err != nil {
		log.Fatal(err)
	}
}

func run(cfg *cfgPkg.Config, serve bool, ingestDir string, streaming bool) error {
	ctx := context.Background()

	embedder, err := llm.NewEmbedderWithConfig(llm.EmbedderConfig{
		Model:      cfg.LLM.EmbeddingModel,
		BaseURL:    cfg.LLM.BaseURL,
		BatchSize:  cfg.Database.EmbedBatchSize,
		RateLimit:  cfg.Database.EmbedRateLimit,
		MaxRetries: cfg.Database.MaxRetries,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize embedder: %v", err)
	}

	vectorStore, err := store.NewWithConfig(ctx, store.VectorStoreConfig{
		ConnString: cfg.Database.URL,
		TableName:  cfg.Database.TableName,
		VectorDim:  cfg.Database.VectorDim,
	}, embedder)
	if err != nil {
		return fmt.Errorf("failed to initialize vector store: %v", err)
	}
	defer vectorStore.Close()

	chatEngine, err := llm.NewWithConfig(llm.ChatConfig{
		Model:       cfg.LLM.Model,
		MaxTokens:   cfg.LLM.MaxTokens,
		BaseURL:     cfg.LLM.BaseURL,
		Temperature: cfg.LLM.Temperature,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize chat engine: %v", err)
	}

	ck := chunker.NewWithConfig(chunker.ChunkerConfig{
		ChunkSize:    cfg.Chunker.ChunkSize,
		ChunkOverlap: cfg.Chunker.ChunkOverlap,
	})

	pipeline := rag.New(rag.PipelineConfig{
		TopK:           cfg.Retrieval.TopK,
		MaxContext:     cfg.Retrieval.MaxContext,
		MaxHistory:     cfg.Retrieval.MaxHistory,
		HistoryBudget:  cfg.Retrieval.HistoryBudget,
		RefusalMarkers: cfg.Retrieval.RefusalMarkers,
	}, vectorStore, chatEngine)

	if ingestDir != "" {
		return ingest(ctx, ingestDir, ck, vectorStore)
	}

	if serve {
		fundScraper := scraper.NewWithConfig(scraper.ScraperConfig{
			RateLimit: cfg.Scraper.RateLimit,
			Timeout:   cfg.Scraper.Timeout,
		})

		ctrl := refresher.New(refresher.Config{
			Sources:    cfg.Refresh.Sources,
			Interval:   cfg.RefreshInterval(),
			AutoIngest: cfg.Refresh.AutoIngest,
			Scheduled:  cfg.Refresh.Enabled,
		}, vectorStore, fundScraper, ck)

		// The loop also serves manual refresh triggers from the API, so it
		// runs even when scheduled refreshes are disabled.
		go ctrl.Run(ctx)

		srv := server.New(server.Config{
			Port:         cfg.Server.Port,
			QueryTimeout: cfg.LLM.RequestTimeout,
			Streaming:    streaming,
		}, pipeline, chatEngine, vectorStore, ck, ctrl)
		return srv.ListenAndServe()
	}

	return chat(ctx, pipeline, chatEngine, streaming)
}

// ingest loads scraped JSON fund files, chunks them and upserts into the
// vector store with progress output.
func ingest(ctx context.Context, dir string, ck *chunker.Chunker, vs *store.VectorStore) error {
	docs, err := loader.New(dir).LoadDocuments()
	if err != nil {
		return err
	}
	color.Blue("\nLoaded %d fund document(s) from %s\n", len(docs), dir)

	chunkingBar := getProgressBar(len(docs), "Chunking documents...")
	var chunks []models.Chunk
	for _, doc := range docs {
		chunks = append(chunks, ck.Chunk(doc)...)
		chunkingBar.Add(1)
	}
	color.Green("\n✓ Produced %d chunk(s)\n", len(chunks))

	spinner := getSpinner("Embedding and storing...")
	stats, err := vs.Upsert(ctx, chunks)
	spinner.Finish()
	fmt.Print("\r")
	if err != nil {
		return fmt.Errorf("failed to store chunks: %v", err)
	}

	color.Green("✓ Ingestion complete: %d new, %d updated, %d unchanged\n",
		stats.New, stats.Updated, stats.Unchanged)
	return nil
}

// chat runs the interactive terminal loop against the query pipeline.
func chat(ctx context.Context, pipeline *rag.Pipeline, chatEngine *llm.ChatEngine, streaming bool) error {
	color.Cyan("\nAsk about your mutual funds (type 'exit' to quit)")

	scanner := bufio.NewScanner(os.Stdin)
	userPrompt := color.New(color.FgGreen).PrintfFunc()
	assistantPrompt := color.New(color.FgCyan).PrintfFunc()

	var history []models.ChatTurn
	for {
		userPrompt("\nYou: ")
		if !scanner.Scan() {
			break
		}

		question := scanner.Text()
		if strings.ToLower(question) == "exit" {
			break
		}

		if err := validate.CheckQuestion(question); err != nil {
			color.Yellow("%v\n", err)
			continue
		}

		if streaming {
			answer, err := streamAnswer(ctx, pipeline, chatEngine, question, history, assistantPrompt)
			if err != nil {
				color.Red("Error: %v\n", err)
				continue
			}
			history = append(history, models.ChatTurn{Question: question, Answer: answer})
			continue
		}

		spinner := getSpinner("Generating response...")
		result, err := pipeline.Answer(ctx, question, 0, history)
		spinner.Finish()
		fmt.Print("\r")

		if err != nil {
			color.Red("Error: %v\n", err)
			continue
		}

		assistantPrompt("Assistant: %s\n", result.Answer)
		printCitations(result)
		history = append(history, models.ChatTurn{Question: question, Answer: result.Answer})
	}

	return nil
}

func streamAnswer(ctx context.Context, pipeline *rag.Pipeline, chatEngine *llm.ChatEngine, question string, history []models.ChatTurn, assistantPrompt func(string, ...interface{})) (string, error) {
	chunks, contextText, err := pipeline.Retrieve(ctx, question, 0)
	if err != nil {
		if errors.Is(err, store.ErrEmptyIndex) {
			msg := "I don't have any fund data available yet. Please try again after the next data refresh."
			assistantPrompt("\nAssistant: %s\n", msg)
			return msg, nil
		}
		return "", err
	}

	stream, err := chatEngine.GenerateStream(ctx, question, contextText, pipeline.TrimHistory(history))
	if err != nil {
		return "", err
	}

	fmt.Print("\n")
	assistantPrompt("Assistant: ")

	var full strings.Builder
	for token := range stream {
		if full.Len() == 0 && strings.HasPrefix(token, "Error:") {
			return "", fmt.Errorf("%s", strings.TrimPrefix(token, "Error: "))
		}
		full.WriteString(token)
		fmt.Print(token)
	}
	fmt.Print("\n")

	result := pipeline.Finish(question, full.String(), chunks)
	printCitations(result)
	return result.Answer, nil
}

func printCitations(result models.QueryResult) {
	if len(result.Citations) > 0 {
		color.Blue("Sources: %s\n", strings.Join(result.Citations, ", "))
	}
	if !result.LastUpdated.IsZero() {
		color.Blue("Data as of: %s\n", result.LastUpdated.Format(time.RFC822))
	}
}

func getProgressBar(total int, description string) *progressbar.ProgressBar {
	return progressbar.NewOptions(total,
		progressbar.OptionSetDescription(color.BlueString(description)),
		progressbar.OptionSetItsString("items"),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "█",
			SaucerHead:    "█",
			SaucerPadding: "░",
			BarStart:      "[",
			BarEnd:        "]",
		}),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionSetPredictTime(true),
		progressbar.OptionFullWidth(),
		progressbar.OptionSetRenderBlankState(true),
	)
}

func getSpinner(description string) *progressbar.ProgressBar {
	return progressbar.NewOptions(-1,
		progressbar.OptionSetDescription(color.CyanString(description)),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionSetWidth(20),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionSetRenderBlankState(true),
	)
}
