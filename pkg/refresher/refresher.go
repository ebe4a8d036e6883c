package refresher

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/xhad/fundrag/internal/models"
	"github.com/xhad/fundrag/internal/types"
)

// State tags the controller's position in its cycle. Error is absorbing until
// the next timer tick returns the controller to idle.
type State string

const (
	StateIdle      State = "idle"
	StateScraping  State = "scraping"
	StateIngesting State = "ingesting"
	StateError     State = "error"
)

// Status is the controller's externally visible progress record. Readers
// always get a whole copy, never a value mid-update.
type Status struct {
	State     State
	Message   string
	Processed int
	Total     int
	StartedAt time.Time
	EndedAt   time.Time
	LastError string
}

// TriggerOptions narrows a manually triggered cycle to one phase.
type TriggerOptions struct {
	ScrapeOnly bool
	IngestOnly bool
}

type Config struct {
	Sources    []string
	Interval   time.Duration
	AutoIngest bool
	TickEvery  time.Duration

	// Scheduled enables timer-driven cycles (startup refresh of an empty
	// index and staleness ticks). Manual triggers are served by Run either
	// way, so Run must be started even when scheduling is off.
	Scheduled bool
}

// Controller runs refresh cycles in the background: it decides when the
// corpus is stale or has new sources, drives the scrape+ingest write path,
// and exposes progress for polling. At most one cycle is active at a time;
// triggers while busy are ignored.
type Controller struct {
	config  Config
	store   types.Ingestor
	source  types.DocumentSource
	chunker types.Chunker

	mu       sync.Mutex
	status   Status
	scraped  []models.SourceDocument
	triggers chan TriggerOptions
}

func New(config Config, store types.Ingestor, source types.DocumentSource, chunker types.Chunker) *Controller {
	if config.TickEvery == 0 {
		config.TickEvery = time.Minute
	}
	return &Controller{
		config:   config,
		store:    store,
		source:   source,
		chunker:  chunker,
		status:   Status{State: StateIdle, Message: "idle"},
		triggers: make(chan TriggerOptions, 1),
	}
}

// Status returns a consistent snapshot of the controller's current activity.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// TryTrigger requests a refresh cycle. It reports false, and does nothing,
// when a cycle is already active: triggers are ignored, not queued. The
// check-and-set on the state tag is what keeps two cycles from racing on the
// index.
func (c *Controller) TryTrigger(opts TriggerOptions) bool {
	if !c.begin(opts) {
		return false
	}
	c.triggers <- opts
	return true
}

// begin atomically claims the idle state for a new cycle.
func (c *Controller) begin(opts TriggerOptions) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.status.State != StateIdle {
		return false
	}

	first := StateScraping
	msg := "starting refresh cycle"
	if opts.IngestOnly {
		first = StateIngesting
		msg = "starting ingest-only cycle"
	}
	c.status = Status{
		State:     first,
		Message:   msg,
		Total:     len(c.config.Sources),
		StartedAt: time.Now(),
	}
	return true
}

// Run is the controller's single long-lived loop. It owns all writes to the
// index: timer ticks and manual triggers both funnel through here.
func (c *Controller) Run(ctx context.Context) {
	// A cold index is refreshed immediately on start.
	if c.config.Scheduled {
		if count, err := c.store.Count(ctx); err == nil && count == 0 {
			log.Printf("refresher: index is empty, starting initial refresh")
			if c.begin(TriggerOptions{}) {
				c.runCycle(ctx, TriggerOptions{})
			}
		}
	}

	ticker := time.NewTicker(c.config.TickEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case opts := <-c.triggers:
			c.runCycle(ctx, opts)
		case <-ticker.C:
			c.clearError()
			if c.config.Scheduled && c.shouldRefresh(ctx) && c.begin(TriggerOptions{}) {
				c.runCycle(ctx, TriggerOptions{})
			}
		}
	}
}

// clearError returns the controller to idle after an errored cycle. Errors
// are not fatal to the process; the next tick re-evaluates freshness.
func (c *Controller) clearError() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status.State == StateError {
		c.status.State = StateIdle
		c.status.Message = "recovered from error, idle"
	}
}

// shouldRefresh reports whether any configured source is stale or unknown.
func (c *Controller) shouldRefresh(ctx context.Context) bool {
	fresh, err := c.store.DetectNewSources(ctx, c.config.Sources)
	if err != nil {
		log.Printf("refresher: could not detect new sources: %v", err)
	} else if len(fresh) > 0 {
		log.Printf("refresher: %d new source(s) detected", len(fresh))
		return true
	}

	for _, src := range c.config.Sources {
		stale, err := c.store.NeedsRefresh(ctx, src, c.config.Interval)
		if err != nil {
			log.Printf("refresher: freshness check failed for %s: %v", src, err)
			continue
		}
		if stale {
			return true
		}
	}
	return false
}

// runCycle executes one claimed cycle. The caller must have won begin().
func (c *Controller) runCycle(ctx context.Context, opts TriggerOptions) {
	if !opts.IngestOnly {
		if err := c.scrapePhase(ctx); err != nil {
			c.fail(err)
			return
		}
		if opts.ScrapeOnly || !c.config.AutoIngest {
			c.finish("scrape completed, ingestion skipped")
			return
		}
	}

	c.setState(StateIngesting, "ingesting scraped documents")
	if err := c.ingestPhase(ctx); err != nil {
		c.fail(err)
		return
	}

	c.finish("refresh cycle completed")
}

// scrapePhase fetches every configured source. A per-source failure is
// logged and excluded from the batch; it does not abort the cycle.
func (c *Controller) scrapePhase(ctx context.Context) error {
	c.setState(StateScraping, fmt.Sprintf("scraping %d source(s)", len(c.config.Sources)))

	var docs []models.SourceDocument
	for i, src := range c.config.Sources {
		doc, err := c.source.FetchDocument(ctx, src)
		if err != nil {
			log.Printf("refresher: scrape failed for %s: %v", src, err)
		} else {
			docs = append(docs, doc)
		}
		c.progress(i+1, fmt.Sprintf("scraped %d/%d source(s)", i+1, len(c.config.Sources)))
	}

	if len(docs) == 0 && len(c.config.Sources) > 0 {
		return fmt.Errorf("all %d source(s) failed to scrape", len(c.config.Sources))
	}

	c.mu.Lock()
	c.scraped = docs
	c.mu.Unlock()
	return nil
}

func (c *Controller) ingestPhase(ctx context.Context) error {
	c.mu.Lock()
	docs := c.scraped
	c.mu.Unlock()

	if len(docs) == 0 {
		return fmt.Errorf("nothing to ingest: no scraped documents available")
	}

	var chunks []models.Chunk
	for _, doc := range docs {
		chunks = append(chunks, c.chunker.Chunk(doc)...)
	}

	stats, err := c.store.Upsert(ctx, chunks)
	if err != nil {
		return fmt.Errorf("upsert failed: %w", err)
	}

	log.Printf("refresher: ingested %d new, %d updated, %d unchanged chunk(s)",
		stats.New, stats.Updated, stats.Unchanged)
	return nil
}

func (c *Controller) setState(state State, msg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status.State = state
	c.status.Message = msg
}

func (c *Controller) progress(processed int, msg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status.Processed = processed
	c.status.Message = msg
}

func (c *Controller) finish(msg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status.State = StateIdle
	c.status.Message = msg
	c.status.EndedAt = time.Now()
}

func (c *Controller) fail(err error) {
	log.Printf("refresher: cycle failed: %v", err)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status.State = StateError
	c.status.Message = "refresh cycle failed"
	c.status.LastError = err.Error()
	c.status.EndedAt = time.Now()
}
