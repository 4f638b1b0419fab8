package tasks

import (
	"context"
	"errors"
	"fmt"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/harvester/internal/common"
	"github.com/ternarybob/harvester/internal/interfaces"
	"github.com/ternarybob/harvester/internal/models"
)

// Statistics summarizes the task catalog
type Statistics struct {
	Total     int `json:"total"`
	Active    int `json:"active"`
	Inactive  int `json:"inactive"`
	Auto      int `json:"auto"`
	Scheduled int `json:"scheduled"`
	Running   int `json:"running"`
}

// BatchToggleResult reports the per-task outcome of a batch activation change
type BatchToggleResult struct {
	Updated []uint64          `json:"updated"`
	Errors  map[uint64]string `json:"errors,omitempty"`
}

// Service owns task CRUD and history queries. Mutations run in a single
// transaction scope; scheduler synchronization happens after commit because
// the persistent job store is the scheduler's own.
type Service struct {
	manager   interfaces.StorageManager
	scheduler interfaces.SchedulerService
	logger    arbor.ILogger
}

// NewService creates a new task service
func NewService(manager interfaces.StorageManager, logger arbor.ILogger) *Service {
	return &Service{
		manager: manager,
		logger:  logger,
	}
}

// SetScheduler wires the scheduler after construction. The scheduler itself
// depends on storage, so this breaks the construction cycle.
func (s *Service) SetScheduler(scheduler interfaces.SchedulerService) {
	s.scheduler = scheduler
}

// Create validates and persists a new task, then syncs the scheduler when the
// task is auto.
func (s *Service) Create(ctx context.Context, task *models.Task) (*models.Task, error) {
	if err := s.manager.TaskStorage().Validate(task, interfaces.ValidationCreate); err != nil {
		return nil, err
	}

	err := s.manager.Update(func(tx *badger.Txn) error {
		return s.manager.TaskStorage().TxCreate(tx, task)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().
		Int64("task_id", int64(task.ID)).
		Str("task_name", task.Name).
		Bool("is_auto", task.IsAuto).
		Msg("Task created")

	s.syncScheduler(task)
	return task, nil
}

// Update validates and persists changes to an existing task. The denormalized
// last-run mirror and lifecycle status are owned by the executor and preserved
// from the stored row.
func (s *Service) Update(ctx context.Context, task *models.Task) (*models.Task, error) {
	if err := s.manager.TaskStorage().Validate(task, interfaces.ValidationUpdate); err != nil {
		return nil, err
	}

	err := s.manager.Update(func(tx *badger.Txn) error {
		existing, err := s.manager.TaskStorage().TxGet(tx, task.ID)
		if err != nil {
			return err
		}
		task.Status = existing.Status
		task.ScrapePhase = existing.ScrapePhase
		task.LastRunAt = existing.LastRunAt
		task.LastRunSuccess = existing.LastRunSuccess
		task.LastRunMessage = existing.LastRunMessage
		task.IsScheduled = existing.IsScheduled
		task.CreatedAt = existing.CreatedAt
		return s.manager.TaskStorage().TxUpdate(tx, task)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().Int64("task_id", int64(task.ID)).Msg("Task updated")

	s.syncScheduler(task)
	return task, nil
}

// Get loads a task by id
func (s *Service) Get(ctx context.Context, id uint64) (*models.Task, error) {
	return s.manager.TaskStorage().Get(ctx, id)
}

// Delete removes a task. The persistent job is removed first so a trigger can
// never fire for a task mid-delete.
func (s *Service) Delete(ctx context.Context, id uint64) error {
	task, err := s.manager.TaskStorage().Get(ctx, id)
	if err != nil {
		return err
	}
	if task.Status == models.TaskStatusRunning {
		return fmt.Errorf("task %d: %w", id, common.ErrAlreadyRunning)
	}

	if s.scheduler != nil {
		if err := s.scheduler.Remove(id); err != nil {
			s.logger.Warn().Err(err).Int64("task_id", int64(id)).Msg("Failed to remove persistent job before delete")
		}
	}

	err = s.manager.Update(func(tx *badger.Txn) error {
		return s.manager.TaskStorage().TxDelete(tx, id)
	})
	if err != nil {
		return err
	}

	s.logger.Info().Int64("task_id", int64(id)).Str("task_name", task.Name).Msg("Task deleted")
	return nil
}

// List returns tasks matching the filter options
func (s *Service) List(ctx context.Context, opts *interfaces.TaskListOptions) ([]*models.Task, error) {
	return s.manager.TaskStorage().List(ctx, opts)
}

// ToggleActive flips or sets a task's activation flag. Deactivating an auto
// task removes its persistent job; reactivating restores it.
func (s *Service) ToggleActive(ctx context.Context, id uint64, active *bool) (*models.Task, error) {
	var task *models.Task
	err := s.manager.Update(func(tx *badger.Txn) error {
		existing, err := s.manager.TaskStorage().TxGet(tx, id)
		if err != nil {
			return err
		}
		if active != nil {
			existing.IsActive = *active
		} else {
			existing.IsActive = !existing.IsActive
		}
		task = existing
		return s.manager.TaskStorage().TxUpdate(tx, existing)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().
		Int64("task_id", int64(id)).
		Bool("is_active", task.IsActive).
		Msg("Task activation changed")

	s.syncScheduler(task)
	return task, nil
}

// BatchToggle applies an activation change to many tasks, continuing past
// per-task failures.
func (s *Service) BatchToggle(ctx context.Context, ids []uint64, active bool) (*BatchToggleResult, error) {
	result := &BatchToggleResult{Errors: make(map[uint64]string)}
	for _, id := range ids {
		if _, err := s.ToggleActive(ctx, id, &active); err != nil {
			result.Errors[id] = err.Error()
			continue
		}
		result.Updated = append(result.Updated, id)
	}
	if len(result.Errors) == 0 {
		result.Errors = nil
	}
	return result, nil
}

// Statistics aggregates catalog counts
func (s *Service) Statistics(ctx context.Context) (*Statistics, error) {
	all, err := s.manager.TaskStorage().List(ctx, nil)
	if err != nil {
		return nil, err
	}

	stats := &Statistics{Total: len(all)}
	for _, task := range all {
		if task.IsActive {
			stats.Active++
		} else {
			stats.Inactive++
		}
		if task.IsAuto {
			stats.Auto++
		}
		if task.IsScheduled {
			stats.Scheduled++
		}
		if task.Status == models.TaskStatusRunning {
			stats.Running++
		}
	}
	return stats, nil
}

// History returns execution history rows for a task, newest first
func (s *Service) History(ctx context.Context, taskID uint64, opts *interfaces.HistoryListOptions) ([]*models.TaskHistory, error) {
	if _, err := s.manager.TaskStorage().Get(ctx, taskID); err != nil {
		return nil, err
	}
	if opts == nil {
		opts = &interfaces.HistoryListOptions{}
	}
	opts.TaskID = taskID
	return s.manager.HistoryStorage().List(ctx, opts)
}

// LatestHistory returns the most recent history row for a task
func (s *Service) LatestHistory(ctx context.Context, taskID uint64) (*models.TaskHistory, error) {
	return s.manager.HistoryStorage().GetLatest(ctx, taskID)
}

// HistoryCount returns the number of history rows for a task
func (s *Service) HistoryCount(ctx context.Context, taskID uint64) (int, error) {
	return s.manager.HistoryStorage().CountByTask(ctx, taskID)
}

// syncScheduler pushes a task's current auto/active state to the scheduler.
// A sync failure never fails the task mutation that triggered it.
func (s *Service) syncScheduler(task *models.Task) {
	if s.scheduler == nil {
		return
	}

	var err error
	if task.IsAuto && task.IsActive {
		err = s.scheduler.AddOrUpdate(task.ID)
	} else {
		err = s.scheduler.Remove(task.ID)
	}
	if err != nil && !errors.Is(err, common.ErrNotFound) {
		s.logger.Warn().Err(err).Int64("task_id", int64(task.ID)).Msg("Scheduler sync failed")
	}
}
