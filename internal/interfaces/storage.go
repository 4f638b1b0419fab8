package interfaces

import (
	"context"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/ternarybob/harvester/internal/models"
)

// ValidationOp discriminates repository validation rules between create and
// update payloads.
type ValidationOp string

const (
	ValidationCreate ValidationOp = "CREATE"
	ValidationUpdate ValidationOp = "UPDATE"
)

// TaskListOptions filters and pages task queries
type TaskListOptions struct {
	Status   models.TaskStatus `json:"status,omitempty"`
	IsAuto   *bool             `json:"is_auto,omitempty"`
	IsActive *bool             `json:"is_active,omitempty"`
	NameLike string            `json:"name,omitempty"`
	Limit    int               `json:"limit,omitempty"`
	Offset   int               `json:"offset,omitempty"`
}

// HistoryListOptions filters and pages history queries
type HistoryListOptions struct {
	TaskID uint64            `json:"task_id,omitempty"`
	Status models.TaskStatus `json:"status,omitempty"`
	Limit  int               `json:"limit,omitempty"`
	Offset int               `json:"offset,omitempty"`
}

// TaskStorage is the repository for tasks. Tx methods receive a transaction
// scope from the calling service and never open their own.
type TaskStorage interface {
	Validate(task *models.Task, op ValidationOp) error

	TxCreate(tx *badger.Txn, task *models.Task) error
	TxUpdate(tx *badger.Txn, task *models.Task) error
	TxGet(tx *badger.Txn, id uint64) (*models.Task, error)
	TxDelete(tx *badger.Txn, id uint64) error
	TxSetScheduled(tx *badger.Txn, id uint64, scheduled bool) error
	TxFindAutoTasks(tx *badger.Txn) ([]*models.Task, error)

	Get(ctx context.Context, id uint64) (*models.Task, error)
	List(ctx context.Context, opts *TaskListOptions) ([]*models.Task, error)
	FindAutoTasks(ctx context.Context) ([]*models.Task, error)
	Count(ctx context.Context) (int, error)
}

// CrawlerStorage is the repository for crawler definitions
type CrawlerStorage interface {
	Validate(crawler *models.Crawler, op ValidationOp) error

	TxCreate(tx *badger.Txn, crawler *models.Crawler) error
	TxUpdate(tx *badger.Txn, crawler *models.Crawler) error
	TxGet(tx *badger.Txn, id uint64) (*models.Crawler, error)
	TxDelete(tx *badger.Txn, id uint64) error

	Get(ctx context.Context, id uint64) (*models.Crawler, error)
	GetByName(ctx context.Context, name string) (*models.Crawler, error)
	FindByName(ctx context.Context, pattern string) ([]*models.Crawler, error)
	FindByType(ctx context.Context, crawlerType string) ([]*models.Crawler, error)
	FindByTarget(ctx context.Context, pattern string) ([]*models.Crawler, error)
	FindActiveCrawlers(ctx context.Context) ([]*models.Crawler, error)
	List(ctx context.Context) ([]*models.Crawler, error)
	Types(ctx context.Context) ([]string, error)
	Count(ctx context.Context) (int, error)
}

// HistoryStorage is the repository for execution history. Only the running
// row of a task is ever mutated; terminal rows are immutable.
type HistoryStorage interface {
	TxCreate(tx *badger.Txn, history *models.TaskHistory) error
	TxUpdate(tx *badger.Txn, history *models.TaskHistory) error
	TxGetRunning(tx *badger.Txn, taskID uint64) (*models.TaskHistory, error)
	TxFindRunning(tx *badger.Txn) ([]*models.TaskHistory, error)

	Get(ctx context.Context, id string) (*models.TaskHistory, error)
	GetLatest(ctx context.Context, taskID uint64) (*models.TaskHistory, error)
	List(ctx context.Context, opts *HistoryListOptions) ([]*models.TaskHistory, error)
	CountByTask(ctx context.Context, taskID uint64) (int, error)
}

// ScheduledJobStorage is the persistent trigger store owned exclusively by
// the scheduler. Writes here happen outside domain transactions; the
// reconcile ordering rules in the scheduler compensate on partial failure.
type ScheduledJobStorage interface {
	Upsert(ctx context.Context, job *models.ScheduledJob) error
	Get(ctx context.Context, jobID string) (*models.ScheduledJob, error)
	Delete(ctx context.Context, jobID string) error
	List(ctx context.Context) ([]*models.ScheduledJob, error)
	Count(ctx context.Context) (int, error)
}

// StorageManager owns the database connection and hands out repositories.
// Update and View open the transaction scope services pass down to Tx
// repository methods; exit commits, error rolls back.
type StorageManager interface {
	TaskStorage() TaskStorage
	CrawlerStorage() CrawlerStorage
	HistoryStorage() HistoryStorage
	ScheduledJobStorage() ScheduledJobStorage

	Update(fn func(tx *badger.Txn) error) error
	View(fn func(tx *badger.Txn) error) error

	Close() error
}
