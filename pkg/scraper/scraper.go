package scraper

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/xhad/fundrag/internal/models"
	"golang.org/x/time/rate"
)

type ScraperConfig struct {
	RateLimit  float64 // requests per second
	Timeout    time.Duration
	UserAgent  string
	OnProgress func(url string)
}

// Scraper fetches fund detail pages and extracts their labeled facts into a
// structured document. One page yields one document.
type Scraper struct {
	config  ScraperConfig
	client  *http.Client
	limiter *rate.Limiter
}

func NewWithConfig(config ScraperConfig) *Scraper {
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	if config.RateLimit == 0 {
		config.RateLimit = 2
	}
	if config.UserAgent == "" {
		config.UserAgent = "fundrag/1.0"
	}
	return &Scraper{
		config:  config,
		client:  &http.Client{Timeout: config.Timeout},
		limiter: rate.NewLimiter(rate.Limit(config.RateLimit), 1),
	}
}

func New() *Scraper {
	return NewWithConfig(ScraperConfig{})
}

// labelFields maps page labels to document field names. Lookup is on the
// lowercased label with surrounding punctuation stripped.
var labelFields = map[string]string{
	"nav":                "nav",
	"fund size":          "fund_size",
	"aum":                "aum",
	"expense ratio":      "expense_ratio",
	"exit load":          "exit_load",
	"lock-in period":     "lock_in_period",
	"lock in period":     "lock_in_period",
	"benchmark":          "benchmark",
	"min. sip amount":    "min_sip_amount",
	"min sip amount":     "min_sip_amount",
	"min. lumpsum":       "min_lumpsum",
	"minimum investment": "min_lumpsum",
	"risk level":         "risk_level",
	"fund manager":       "fund_manager",
	"fund house":         "fund_house",
	"category":           "category",
	"stamp duty":         "stamp_duty",
}

// fieldGroups nests flat page facts into the grouped document schema the
// semantic chunker classifies on. Fields without a group stay top-level.
var fieldGroups = map[string]string{
	"expense_ratio":  "cost_and_tax",
	"exit_load":      "cost_and_tax",
	"stamp_duty":     "cost_and_tax",
	"min_sip_amount": "minimum_investments",
	"min_lumpsum":    "minimum_investments",
	"lock_in_period": "minimum_investments",
	"category":       "category_info",
	"risk_level":     "category_info",
	"benchmark":      "category_info",
}

func nestFields(flat map[string]interface{}) map[string]interface{} {
	fields := make(map[string]interface{}, len(flat))
	for name, value := range flat {
		group, ok := fieldGroups[name]
		if !ok {
			fields[name] = value
			continue
		}
		sub, ok := fields[group].(map[string]interface{})
		if !ok {
			sub = make(map[string]interface{})
			fields[group] = sub
		}
		sub[name] = value
	}
	return fields
}

// FetchDocument downloads one fund page and parses it into a source
// document. The URL doubles as the document's stable identity.
func (s *Scraper) FetchDocument(ctx context.Context, pageURL string) (models.SourceDocument, error) {
	var doc models.SourceDocument

	if _, err := url.ParseRequestURI(pageURL); err != nil {
		return doc, fmt.Errorf("invalid source URL %q: %w", pageURL, err)
	}

	if err := s.limiter.Wait(ctx); err != nil {
		return doc, err
	}
	if s.config.OnProgress != nil {
		s.config.OnProgress(pageURL)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return doc, err
	}
	req.Header.Set("User-Agent", s.config.UserAgent)

	resp, err := s.client.Do(req)
	if err != nil {
		return doc, fmt.Errorf("fetch %s: %w", pageURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return doc, fmt.Errorf("received status code %d for URL: %s", resp.StatusCode, pageURL)
	}

	page, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return doc, fmt.Errorf("parse %s: %w", pageURL, err)
	}

	fields := s.extractFields(page)
	category := asString(fields["category"])
	fields = nestFields(fields)
	fields["source_url"] = pageURL
	fields["last_scraped"] = time.Now().UTC().Format(time.RFC3339)

	lastModified := time.Now().UTC()
	if lm := resp.Header.Get("Last-Modified"); lm != "" {
		if t, err := http.ParseTime(lm); err == nil {
			lastModified = t.UTC()
		}
	}

	doc = models.SourceDocument{
		ID:           pageURL,
		SourceURL:    pageURL,
		Category:     category,
		LastModified: lastModified,
		Fields:       fields,
	}
	return doc, nil
}

// extractFields walks the page's labeled value pairs and tables into a flat
// field map plus a holdings list.
func (s *Scraper) extractFields(page *goquery.Document) map[string]interface{} {
	fields := make(map[string]interface{})

	if name := cleanText(page.Find("h1").First().Text()); name != "" {
		fields["fund_name"] = name
	}

	// Definition-list style label/value pairs.
	page.Find("dl").Each(func(_ int, dl *goquery.Selection) {
		labels := dl.Find("dt")
		values := dl.Find("dd")
		labels.Each(func(i int, dt *goquery.Selection) {
			if i < values.Length() {
				s.recordField(fields, dt.Text(), values.Eq(i).Text())
			}
		})
	})

	// Two-column table rows carry the same label/value data on many pages.
	page.Find("table tr").Each(func(_ int, tr *goquery.Selection) {
		cells := tr.Find("td, th")
		if cells.Length() == 2 {
			s.recordField(fields, cells.Eq(0).Text(), cells.Eq(1).Text())
		}
	})

	if holdings := s.extractHoldings(page); len(holdings) > 0 {
		fields["top_5_holdings"] = holdings
	}

	if summary := cleanText(page.Find("main p, article p, .summary").First().Text()); summary != "" {
		fields["summary"] = summary
	}

	return fields
}

func (s *Scraper) recordField(fields map[string]interface{}, label, value string) {
	key := strings.ToLower(cleanText(label))
	key = strings.Trim(key, " :")
	name, ok := labelFields[key]
	if !ok {
		return
	}
	v := cleanText(value)
	if v == "" {
		return
	}
	if _, exists := fields[name]; !exists {
		fields[name] = v
	}
}

// extractHoldings reads the holdings table, keeping at most the top five
// rows of name and allocation. The list shape matches decoded JSON so
// scraped and file-loaded documents chunk identically.
func (s *Scraper) extractHoldings(page *goquery.Document) []interface{} {
	var holdings []interface{}

	page.Find("table").EachWithBreak(func(_ int, table *goquery.Selection) bool {
		header := strings.ToLower(table.Find("th").Text())
		if !strings.Contains(header, "holding") && !strings.Contains(header, "asset") {
			return true
		}

		table.Find("tbody tr").EachWithBreak(func(_ int, tr *goquery.Selection) bool {
			cells := tr.Find("td")
			if cells.Length() < 2 {
				return true
			}
			name := cleanText(cells.Eq(0).Text())
			alloc := cleanText(cells.Eq(cells.Length() - 1).Text())
			if name == "" {
				return true
			}
			holdings = append(holdings, map[string]interface{}{
				"name":       name,
				"allocation": alloc,
			})
			return len(holdings) < 5
		})
		return false
	})

	return holdings
}

func cleanText(s string) string {
	return strings.TrimSpace(strings.Join(strings.Fields(s), " "))
}

func asString(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}
