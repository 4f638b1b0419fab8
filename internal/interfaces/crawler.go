package interfaces

import (
	"context"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/harvester/internal/models"
)

// Global parameter keys the executor injects before a cooperative cancel
const (
	GlobalParamSavePartialOnCancel   = "save_partial_results_on_cancel"
	GlobalParamSavePartialToDatabase = "save_partial_to_database"
)

// CrawlResult is what a crawler reports at the end of an execution
type CrawlResult struct {
	Success       bool   `json:"success"`
	Message       string `json:"message"`
	ArticlesCount int    `json:"articles_count"`
}

// CrawlProgress is an optional live progress snapshot from a crawler
type CrawlProgress struct {
	Progress int                `json:"progress"`
	Phase    models.ScrapePhase `json:"scrape_phase"`
	Message  string             `json:"message"`
}

// TaskCrawler is the interface the executor consumes. Implementations
// register themselves against a crawler type at startup; there is no runtime
// module loading.
type TaskCrawler interface {
	// ExecuteTask runs the crawl for the task. Cancellation is cooperative:
	// implementations honor ctx and CancelTask.
	ExecuteTask(ctx context.Context, taskID uint64, opts models.ScrapeOptions) (*CrawlResult, error)

	// CancelTask requests cooperative cancellation. The return value reports
	// whether the crawler acknowledged the cancel.
	CancelTask(taskID uint64) bool

	// Progress returns a live progress snapshot when the crawler tracks one
	Progress(taskID uint64) (*CrawlProgress, bool)

	// SetGlobalParam injects a runtime flag (partial-result salvage) before cancel
	SetGlobalParam(key string, value interface{})
}

// CrawlerFactory builds a crawler instance from its definition and parsed
// on-disk config.
type CrawlerFactory func(def *models.Crawler, cfg *models.CrawlerConfigFile, logger arbor.ILogger) TaskCrawler

// CrawlerRegistry resolves crawler types to registered implementations
type CrawlerRegistry interface {
	Register(crawlerType string, factory CrawlerFactory) error
	Has(crawlerType string) bool
	New(def *models.Crawler, cfg *models.CrawlerConfigFile) (TaskCrawler, error)
	Types() []string
}
