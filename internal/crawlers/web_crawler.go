package crawlers

import (
	"context"
	"encoding/csv"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/PuerkitoBio/goquery"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/harvester/internal/interfaces"
	"github.com/ternarybob/harvester/internal/models"
	"golang.org/x/time/rate"
)

// TypeWeb is the registry key of the reference HTML crawler
const TypeWeb = "web"

// RegisterDefaults registers the built-in crawler implementations
func RegisterDefaults(registry *Registry, options WebOptions) error {
	return registry.Register(TypeWeb, func(def *models.Crawler, cfg *models.CrawlerConfigFile, logger arbor.ILogger) interfaces.TaskCrawler {
		return NewWebCrawler(def, cfg, options, logger)
	})
}

// WebOptions carries process-level settings for the reference web crawler
type WebOptions struct {
	UserAgent      string
	RequestDelay   time.Duration
	RequestTimeout time.Duration
	OutputDir      string // Directory for CSV emission
}

// article is one extracted item during content scraping
type article struct {
	Title    string
	URL      string
	Category string
	Content  string
}

// runState tracks one live execution inside the crawler
type runState struct {
	mu        sync.Mutex
	progress  int
	phase     models.ScrapePhase
	message   string
	cancelled bool
}

// WebCrawler is the reference HTML crawler: collects article links from
// category list pages, scrapes content, and emits CSV. Cancellation is
// cooperative via ctx and CancelTask.
type WebCrawler struct {
	def     *models.Crawler
	cfg     *models.CrawlerConfigFile
	options WebOptions
	client  *http.Client
	limiter *rate.Limiter
	logger  arbor.ILogger

	mu           sync.Mutex
	runs         map[uint64]*runState
	globalParams map[string]interface{}
}

// NewWebCrawler builds a web crawler from a definition and parsed config
func NewWebCrawler(def *models.Crawler, cfg *models.CrawlerConfigFile, options WebOptions, logger arbor.ILogger) *WebCrawler {
	if options.UserAgent == "" {
		options.UserAgent = "Harvester/1.0"
	}
	if options.RequestDelay <= 0 {
		options.RequestDelay = 500 * time.Millisecond
	}
	timeout := options.RequestTimeout
	if cfg.Settings.Timeout > 0 {
		timeout = time.Duration(cfg.Settings.Timeout * float64(time.Second))
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &WebCrawler{
		def:          def,
		cfg:          cfg,
		options:      options,
		client:       &http.Client{Timeout: timeout},
		limiter:      rate.NewLimiter(rate.Every(options.RequestDelay), 1),
		logger:       logger,
		runs:         make(map[uint64]*runState),
		globalParams: make(map[string]interface{}),
	}
}

// SetGlobalParam injects a runtime flag (partial-result salvage) before cancel
func (c *WebCrawler) SetGlobalParam(key string, value interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.globalParams[key] = value
}

func (c *WebCrawler) globalBool(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.globalParams[key].(bool)
	return ok && v
}

// CancelTask requests cooperative cancellation of a live run
func (c *WebCrawler) CancelTask(taskID uint64) bool {
	c.mu.Lock()
	state, ok := c.runs[taskID]
	c.mu.Unlock()
	if !ok {
		return false
	}

	state.mu.Lock()
	state.cancelled = true
	state.mu.Unlock()

	c.logger.Info().Int64("task_id", int64(taskID)).Msg("Crawler acknowledged cancel request")
	return true
}

// Progress returns the live progress snapshot for a run
func (c *WebCrawler) Progress(taskID uint64) (*interfaces.CrawlProgress, bool) {
	c.mu.Lock()
	state, ok := c.runs[taskID]
	c.mu.Unlock()
	if !ok {
		return nil, false
	}

	state.mu.Lock()
	defer state.mu.Unlock()
	return &interfaces.CrawlProgress{
		Progress: state.progress,
		Phase:    state.phase,
		Message:  state.message,
	}, true
}

// ExecuteTask runs the crawl for a task according to its scrape mode
func (c *WebCrawler) ExecuteTask(ctx context.Context, taskID uint64, opts models.ScrapeOptions) (*interfaces.CrawlResult, error) {
	opts = opts.ApplyDefaults()

	state := &runState{phase: models.ScrapePhaseInit, message: "starting"}
	c.mu.Lock()
	c.runs[taskID] = state
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.runs, taskID)
		c.mu.Unlock()
	}()

	// Phase 1: link collection
	state.set(10, models.ScrapePhaseLinkCollection, "collecting links")
	links, err := c.collectLinks(ctx, state, opts)
	if err != nil {
		return nil, err
	}
	if state.isCancelled() || ctx.Err() != nil {
		return c.partialResult(taskID, opts, nil, len(links)), nil
	}

	if opts.Mode == models.ScrapeModeLinksOnly {
		if opts.SaveToCSV {
			state.set(90, models.ScrapePhaseSaveToCSV, "writing links CSV")
			if err := c.writeLinksCSV(taskID, links); err != nil {
				return nil, err
			}
		}
		return &interfaces.CrawlResult{
			Success:       true,
			Message:       fmt.Sprintf("collected %d links", len(links)),
			ArticlesCount: len(links),
		}, nil
	}

	// Phase 2: content scraping
	state.set(40, models.ScrapePhaseContentScraping, "scraping content")
	articles, cancelled := c.scrapeContent(ctx, state, links, opts)
	if cancelled {
		return c.partialResult(taskID, opts, articles, len(links)), nil
	}

	// Phase 3: CSV emission
	if opts.SaveToCSV {
		state.set(85, models.ScrapePhaseSaveToCSV, "writing articles CSV")
		if err := c.writeArticlesCSV(taskID, articles); err != nil {
			return nil, err
		}
	}

	// Phase 4: database hand-off is owned by downstream article services;
	// the crawler only reports the phase.
	if opts.SaveToDatabase {
		state.set(95, models.ScrapePhaseSaveToDatabase, "persisting articles")
	}

	return &interfaces.CrawlResult{
		Success:       true,
		Message:       fmt.Sprintf("scraped %d articles from %d links", len(articles), len(links)),
		ArticlesCount: len(articles),
	}, nil
}

// partialResult reports a cancelled run, salvaging emitted articles when the
// save_partial flags were injected.
func (c *WebCrawler) partialResult(taskID uint64, opts models.ScrapeOptions, articles []article, linkCount int) *interfaces.CrawlResult {
	count := len(articles)
	if count == 0 {
		count = linkCount
	}

	savePartial := opts.SavePartialResultsOnCancel || c.globalBool(interfaces.GlobalParamSavePartialOnCancel)
	if savePartial && len(articles) > 0 && opts.SaveToCSV {
		if err := c.writeArticlesCSV(taskID, articles); err != nil {
			c.logger.Warn().Err(err).Int64("task_id", int64(taskID)).Msg("Failed to save partial results on cancel")
		}
	}

	return &interfaces.CrawlResult{
		Success:       false,
		Message:       fmt.Sprintf("cancelled after %d articles", len(articles)),
		ArticlesCount: count,
	}
}

// collectLinks walks the category list pages and extracts article links
func (c *WebCrawler) collectLinks(ctx context.Context, state *runState, opts models.ScrapeOptions) ([]article, error) {
	seen := make(map[string]bool)
	var links []article

	for category, slug := range c.cfg.Categories {
		if state.isCancelled() || ctx.Err() != nil {
			break
		}

		for page := 1; page <= opts.MaxPages; page++ {
			if state.isCancelled() || ctx.Err() != nil {
				break
			}

			listURL := c.buildListURL(slug, page)
			doc, err := c.fetchDocument(ctx, listURL)
			if err != nil {
				c.logger.Warn().Err(err).Str("url", listURL).Msg("List page fetch failed")
				break
			}

			found := 0
			doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
				href, _ := sel.Attr("href")
				resolved := c.resolveURL(href)
				if resolved == "" || seen[resolved] {
					return
				}
				if !strings.HasPrefix(resolved, strings.TrimSuffix(c.cfg.BaseURL, "/")) {
					return
				}
				seen[resolved] = true
				found++
				links = append(links, article{
					Title:    strings.TrimSpace(sel.Text()),
					URL:      resolved,
					Category: category,
				})
			})

			if found == 0 {
				break // No further pages for this category
			}
			if len(links) >= opts.NumArticles {
				return links[:opts.NumArticles], nil
			}
		}
	}

	return links, nil
}

// scrapeContent fetches each collected link and extracts article content.
// The second return value reports cooperative cancellation mid-phase.
func (c *WebCrawler) scrapeContent(ctx context.Context, state *runState, links []article, opts models.ScrapeOptions) ([]article, bool) {
	converter := md.NewConverter(c.cfg.BaseURL, true, nil)
	contentSelector := c.extractionSelector("content_selector", "article")
	titleSelector := c.extractionSelector("title_selector", "h1")

	articles := make([]article, 0, len(links))
	for i, link := range links {
		if state.isCancelled() || ctx.Err() != nil {
			return articles, true
		}

		doc, err := c.fetchDocument(ctx, link.URL)
		if err != nil {
			c.logger.Warn().Err(err).Str("url", link.URL).Msg("Article fetch failed")
			continue
		}

		item := link
		if title := strings.TrimSpace(doc.Find(titleSelector).First().Text()); title != "" {
			item.Title = title
		}
		if html, err := doc.Find(contentSelector).First().Html(); err == nil && html != "" {
			if markdown, err := converter.ConvertString(html); err == nil {
				item.Content = markdown
			}
		}
		articles = append(articles, item)

		// Progress within the content phase spans 40..80
		progress := 40 + (i+1)*40/len(links)
		state.set(progress, models.ScrapePhaseContentScraping, fmt.Sprintf("scraped %d/%d articles", i+1, len(links)))

		if len(articles) >= opts.NumArticles {
			break
		}
	}

	return articles, false
}

// fetchDocument retrieves a URL with retries and parses it with goquery
func (c *WebCrawler) fetchDocument(ctx context.Context, target string) (*goquery.Document, error) {
	retries := c.cfg.Settings.MaxRetries
	retryDelay := time.Duration(c.cfg.Settings.RetryDelay * float64(time.Second))
	if retryDelay <= 0 {
		retryDelay = time.Second
	}

	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("User-Agent", c.options.UserAgent)

		resp, err := c.client.Do(req)
		if err != nil {
			lastErr = err
		} else if resp.StatusCode >= 400 {
			resp.Body.Close()
			lastErr = fmt.Errorf("HTTP %d: %s", resp.StatusCode, http.StatusText(resp.StatusCode))
		} else {
			doc, err := goquery.NewDocumentFromReader(resp.Body)
			resp.Body.Close()
			if err != nil {
				lastErr = err
			} else {
				return doc, nil
			}
		}

		if attempt < retries {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(retryDelay):
			}
		}
	}
	return nil, lastErr
}

func (c *WebCrawler) buildListURL(categorySlug string, page int) string {
	u := c.cfg.ListURLTemplate
	u = strings.ReplaceAll(u, "{category}", categorySlug)
	u = strings.ReplaceAll(u, "{page}", fmt.Sprintf("%d", page))
	return c.resolveURL(u)
}

func (c *WebCrawler) resolveURL(href string) string {
	if href == "" || strings.HasPrefix(href, "#") || strings.HasPrefix(href, "javascript:") {
		return ""
	}
	base, err := url.Parse(c.cfg.BaseURL)
	if err != nil {
		return ""
	}
	ref, err := url.Parse(href)
	if err != nil {
		return ""
	}
	resolved := base.ResolveReference(ref)
	resolved.Fragment = ""
	return resolved.String()
}

// extractionSelector reads a selector from the opaque content_extraction map
func (c *WebCrawler) extractionSelector(key, fallback string) string {
	raw, ok := c.cfg.ContentExtraction[key]
	if !ok {
		return fallback
	}
	selector := strings.Trim(string(raw), `"`)
	if selector == "" {
		return fallback
	}
	return selector
}

func (c *WebCrawler) writeLinksCSV(taskID uint64, links []article) error {
	return c.writeCSV(taskID, "links", [][]string{{"title", "url", "category"}}, links, func(a article) []string {
		return []string{a.Title, a.URL, a.Category}
	})
}

func (c *WebCrawler) writeArticlesCSV(taskID uint64, articles []article) error {
	return c.writeCSV(taskID, "articles", [][]string{{"title", "url", "category", "content"}}, articles, func(a article) []string {
		return []string{a.Title, a.URL, a.Category, a.Content}
	})
}

func (c *WebCrawler) writeCSV(taskID uint64, kind string, header [][]string, items []article, row func(article) []string) error {
	dir := c.options.OutputDir
	if dir == "" {
		dir = "./data/output"
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	name := fmt.Sprintf("%s_task%d_%s_%s.csv", c.def.Name, taskID, kind, time.Now().UTC().Format("20060102T150405Z"))
	file, err := os.Create(filepath.Join(dir, name))
	if err != nil {
		return fmt.Errorf("failed to create CSV file: %w", err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	for _, h := range header {
		if err := writer.Write(h); err != nil {
			return err
		}
	}
	for _, item := range items {
		if err := writer.Write(row(item)); err != nil {
			return err
		}
	}
	return writer.Error()
}

func (s *runState) set(progress int, phase models.ScrapePhase, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.progress = progress
	s.phase = phase
	s.message = message
}

func (s *runState) isCancelled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled
}
