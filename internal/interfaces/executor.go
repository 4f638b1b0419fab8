package interfaces

import (
	"context"

	"github.com/ternarybob/harvester/internal/models"
)

// ExecutionStatus merges in-memory executor state with the latest history
// row. Memory wins while the task is live.
type ExecutionStatus struct {
	TaskID      uint64             `json:"task_id"`
	Status      models.TaskStatus  `json:"task_status"`
	ScrapePhase models.ScrapePhase `json:"scrape_phase"`
	Progress    int                `json:"progress"`
	Message     string             `json:"message"`
}

// ExecuteResult is the terminal outcome of a synchronous execution or dry run
type ExecuteResult struct {
	TaskID        uint64            `json:"task_id"`
	Status        models.TaskStatus `json:"status"`
	Success       bool              `json:"success"`
	Message       string            `json:"message"`
	ArticlesCount int               `json:"articles_count"`
}

// ExecutorService runs tasks on a bounded worker pool with lifecycle
// tracking, cooperative cancellation, and progress streaming.
type ExecutorService interface {
	// Execute submits a task for asynchronous execution. Fails fast with
	// common.ErrAlreadyRunning when an execution for the task is in flight.
	Execute(ctx context.Context, taskID uint64, args *models.ScrapeOptions) error

	// ExecuteSync runs a task and blocks until its terminal outcome
	ExecuteSync(ctx context.Context, taskID uint64, args *models.ScrapeOptions) (*ExecuteResult, error)

	// Cancel cooperatively cancels a running task. Returns an error when the
	// task is already terminal or cancellation is unsupported.
	Cancel(ctx context.Context, taskID uint64) error

	// Status reports merged live/durable state for a task
	Status(ctx context.Context, taskID uint64) (*ExecutionStatus, error)

	// RunningTasks returns the ids currently in flight
	RunningTasks() []uint64

	// Convenience wrappers forcing the scrape mode
	CollectLinksOnly(ctx context.Context, taskID uint64) error
	FetchContentOnly(ctx context.Context, taskID uint64) error
	FetchFullArticle(ctx context.Context, taskID uint64) error

	// TestCrawler dry-runs a crawler by name with task_id 0, forced
	// links-only mode, persistence disabled, and capped pages/articles.
	TestCrawler(ctx context.Context, crawlerName string, opts models.ScrapeOptions) (*ExecuteResult, error)

	// Shutdown drains in-flight executions with a bounded wait
	Shutdown(ctx context.Context) error
}
