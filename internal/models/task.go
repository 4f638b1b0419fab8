package models

import (
	"fmt"
	"time"
)

// TaskStatus represents the lifecycle state of a task
type TaskStatus string

const (
	TaskStatusInit      TaskStatus = "init"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	// TaskStatusCanceling is a transient UI label; the persisted terminal is cancelled
	TaskStatusCanceling TaskStatus = "canceling"
	TaskStatusCancelled TaskStatus = "cancelled"
	TaskStatusUnknown   TaskStatus = "unknown"
)

// IsTerminal reports whether the status is a terminal execution outcome
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	}
	return false
}

// ScrapePhase is the finer-grained progress label within a single execution
type ScrapePhase string

const (
	ScrapePhaseInit            ScrapePhase = "init"
	ScrapePhaseLinkCollection  ScrapePhase = "link_collection"
	ScrapePhaseContentScraping ScrapePhase = "content_scraping"
	ScrapePhaseSaveToCSV       ScrapePhase = "save_to_csv"
	ScrapePhaseSaveToDatabase  ScrapePhase = "save_to_database"
	ScrapePhaseCompleted       ScrapePhase = "completed"
	ScrapePhaseFailed          ScrapePhase = "failed"
	ScrapePhaseCancelled       ScrapePhase = "cancelled"
	ScrapePhaseUnknown         ScrapePhase = "unknown"
)

// PhaseForStatus returns the terminal scrape phase paired with a terminal task status
func PhaseForStatus(status TaskStatus) ScrapePhase {
	switch status {
	case TaskStatusCompleted:
		return ScrapePhaseCompleted
	case TaskStatusFailed:
		return ScrapePhaseFailed
	case TaskStatusCancelled:
		return ScrapePhaseCancelled
	default:
		return ScrapePhaseUnknown
	}
}

// Task is a configured, schedulable crawling intent
type Task struct {
	ID             uint64        `json:"id" badgerhold:"key"`
	Name           string        `json:"task_name" validate:"required,min=1,max=200"`
	CrawlerID      uint64        `json:"crawler_id" validate:"required"`
	Args           ScrapeOptions `json:"task_args"`
	IsAuto         bool          `json:"is_auto"`      // Eligible for cron dispatch
	IsScheduled    bool          `json:"is_scheduled"` // Currently present in the persistent scheduler
	CronExpression string        `json:"cron_expression"`
	IsActive       bool          `json:"is_active"`
	MaxRetries     int           `json:"max_retries" validate:"gte=0"`
	RetryCount     int           `json:"retry_count"`
	ScrapeMode     ScrapeMode    `json:"scrape_mode"`

	// Denormalized mirror of the latest execution attempt
	LastRunAt      *time.Time `json:"last_run_at,omitempty"`
	LastRunSuccess *bool      `json:"last_run_success,omitempty"`
	LastRunMessage string     `json:"last_run_message,omitempty"`

	Status      TaskStatus  `json:"task_status"`
	ScrapePhase ScrapePhase `json:"scrape_phase"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// JobID returns the persistent scheduler job id for this task
func (t *Task) JobID() string {
	return TaskJobID(t.ID)
}

// Room returns the progress bus room name for this task
func (t *Task) Room() string {
	return TaskRoom(t.ID)
}

// TaskJobID builds the stable persistent job id for a task
func TaskJobID(taskID uint64) string {
	return fmt.Sprintf("task_%d", taskID)
}

// TaskRoom builds the progress bus room name for a task
func TaskRoom(taskID uint64) string {
	return fmt.Sprintf("task_%d", taskID)
}
