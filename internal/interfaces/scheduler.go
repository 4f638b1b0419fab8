package interfaces

import (
	"time"

	"github.com/ternarybob/harvester/internal/models"
)

// SchedulerStatus is the scheduler introspection snapshot
type SchedulerStatus struct {
	Running          bool       `json:"running"`
	JobCount         int        `json:"job_count"`
	LastStartTime    *time.Time `json:"last_start_time,omitempty"`
	LastShutdownTime *time.Time `json:"last_shutdown_time,omitempty"`
}

// PersistedJob cross-references a persistent trigger row with the task's
// current database state.
type PersistedJob struct {
	JobID          string            `json:"job_id"`
	TaskID         uint64            `json:"task_id"`
	CronExpression string            `json:"cron_expression"`
	NextRun        time.Time         `json:"next_run"`
	TaskExists     bool              `json:"task_exists"`
	TaskName       string            `json:"task_name,omitempty"`
	TaskStatus     models.TaskStatus `json:"task_status,omitempty"`
	IsAuto         bool              `json:"is_auto"`
	IsActive       bool              `json:"is_active"`
}

// SchedulerService maintains the mapping between auto tasks and persistent
// jobs, and dispatches task ids to the executor when triggers fire.
type SchedulerService interface {
	// Start reconciles persistent jobs against the task catalog and begins
	// firing triggers. A second Start on a running scheduler fails.
	Start() error

	// Stop pauses dispatch without clearing persistent jobs. Stop on a
	// stopped scheduler fails.
	Stop() error

	// AddOrUpdate upserts the persistent job for a task and syncs is_scheduled
	AddOrUpdate(taskID uint64) error

	// Remove deletes the persistent job and clears is_scheduled. Idempotent
	// on the job store.
	Remove(taskID uint64) error

	// Reload runs a full reconcile
	Reload() error

	// Status returns the scheduler snapshot
	Status() *SchedulerStatus

	// PersistedJobs lists trigger rows cross-referenced with task state
	PersistedJobs() ([]*PersistedJob, error)

	// IsRunning reports whether triggers are firing
	IsRunning() bool
}
