package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/harvester/internal/common"
	"github.com/ternarybob/harvester/internal/interfaces"
	"github.com/ternarybob/harvester/internal/models"
)

// Service is the persistent cron scheduler. It owns the trigger store and
// keeps it reconciled against the task catalog: every active auto task has
// exactly one persistent job, and no job outlives its task.
//
// Ordering rules for the two stores: on add, the job row is written before
// is_scheduled is set, and the job is deleted again if the flag write fails.
// On remove, is_scheduled is cleared before the job row is deleted. Either
// way a crash leaves at worst a job row the next reconcile repairs.
type Service struct {
	manager  interfaces.StorageManager
	executor interfaces.ExecutorService
	config   *common.SchedulerConfig
	logger   arbor.ILogger

	mu           sync.Mutex
	cron         *cron.Cron
	entries      map[uint64]cron.EntryID
	running      bool
	lastStart    *time.Time
	lastShutdown *time.Time
	stopReload   chan struct{}

	fires chan struct{}
}

// NewService creates a new scheduler service
func NewService(
	manager interfaces.StorageManager,
	executor interfaces.ExecutorService,
	config *common.SchedulerConfig,
	logger arbor.ILogger,
) *Service {
	maxFires := config.MaxConcurrentFires
	if maxFires <= 0 {
		maxFires = 3
	}
	return &Service{
		manager:  manager,
		executor: executor,
		config:   config,
		logger:   logger,
		entries:  make(map[uint64]cron.EntryID),
		fires:    make(chan struct{}, maxFires),
	}
}

// Start reconciles persistent jobs against the task catalog, replays missed
// triggers within the misfire grace window, and begins firing.
func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("scheduler: %w", common.ErrAlreadyRunning)
	}

	// A job store failure at startup is fatal; a degraded scheduler that
	// silently fires nothing is worse than a crash.
	jobs, err := s.manager.ScheduledJobStorage().List(context.Background())
	if err != nil {
		return common.NewSchedulerError("start", err)
	}

	s.closeInterruptedRuns()

	if err := s.reconcileLocked(); err != nil {
		return common.NewSchedulerError("start reconcile", err)
	}

	s.cron = cron.New()
	if err := s.registerEntriesLocked(); err != nil {
		return common.NewSchedulerError("start", err)
	}

	s.replayMisfires(jobs)

	s.cron.Start()
	s.running = true
	now := common.NowUTC()
	s.lastStart = &now

	s.stopReload = make(chan struct{})
	go s.reloadLoop(s.stopReload)

	s.logger.Info().
		Int("job_count", len(s.entries)).
		Int("reload_interval_hours", s.config.ReloadIntervalHours).
		Msg("Scheduler started")
	return nil
}

// Stop pauses trigger dispatch. Persistent jobs are kept; the next Start
// reconciles and resumes them.
func (s *Service) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return fmt.Errorf("scheduler: %w", common.ErrNotRunning)
	}

	close(s.stopReload)
	ctx := s.cron.Stop()
	<-ctx.Done()

	s.cron = nil
	s.entries = make(map[uint64]cron.EntryID)
	s.running = false
	now := common.NowUTC()
	s.lastShutdown = &now

	s.logger.Info().Msg("Scheduler stopped")
	return nil
}

// AddOrUpdate upserts the persistent job for a task and syncs is_scheduled.
// Tasks that are missing, not auto, or inactive are removed instead.
func (s *Service) AddOrUpdate(taskID uint64) error {
	task, err := s.loadTask(taskID)
	if err != nil {
		if errors.Is(err, common.ErrNotFound) {
			return s.Remove(taskID)
		}
		return err
	}
	if !task.IsAuto || !task.IsActive {
		return s.Remove(taskID)
	}
	if err := common.ValidateCronExpression(task.CronExpression); err != nil {
		return common.NewValidationError("cron_expression", err.Error())
	}

	nextRun, err := common.NextCronRun(task.CronExpression, common.NowUTC())
	if err != nil {
		return common.NewValidationError("cron_expression", err.Error())
	}

	job := &models.ScheduledJob{
		ID:             models.TaskJobID(taskID),
		TaskID:         taskID,
		CronExpression: task.CronExpression,
		NextRun:        nextRun,
		Args:           task.Args,
	}

	// Job row first. If the flag write fails the row is compensated away so
	// the two stores never disagree in the dangerous direction.
	if err := s.manager.ScheduledJobStorage().Upsert(context.Background(), job); err != nil {
		return err
	}
	err = s.manager.Update(func(tx *badger.Txn) error {
		return s.manager.TaskStorage().TxSetScheduled(tx, taskID, true)
	})
	if err != nil {
		if delErr := s.manager.ScheduledJobStorage().Delete(context.Background(), job.ID); delErr != nil {
			s.logger.Error().Err(delErr).Str("job_id", job.ID).Msg("Failed to compensate job row after flag write failure")
		}
		return err
	}

	s.mu.Lock()
	if s.running {
		s.replaceEntryLocked(taskID, task.CronExpression)
	}
	s.mu.Unlock()

	s.logger.Info().
		Int64("task_id", int64(taskID)).
		Str("cron_expression", task.CronExpression).
		Str("next_run", nextRun.Format(time.RFC3339)).
		Msg("Persistent job upserted")
	return nil
}

// Remove deletes the persistent job for a task and clears is_scheduled.
// Idempotent on the job store; a missing task only skips the flag write.
func (s *Service) Remove(taskID uint64) error {
	err := s.manager.Update(func(tx *badger.Txn) error {
		return s.manager.TaskStorage().TxSetScheduled(tx, taskID, false)
	})
	if err != nil && !errors.Is(err, common.ErrNotFound) {
		return err
	}

	if err := s.manager.ScheduledJobStorage().Delete(context.Background(), models.TaskJobID(taskID)); err != nil {
		return err
	}

	s.mu.Lock()
	if s.running {
		if entryID, ok := s.entries[taskID]; ok {
			s.cron.Remove(entryID)
			delete(s.entries, taskID)
		}
	}
	s.mu.Unlock()

	s.logger.Info().Int64("task_id", int64(taskID)).Msg("Persistent job removed")
	return nil
}

// Reload runs a full reconcile and refreshes the in-memory cron entries
func (s *Service) Reload() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.reconcileLocked(); err != nil {
		return common.NewSchedulerError("reload", err)
	}
	if s.running {
		for taskID, entryID := range s.entries {
			s.cron.Remove(entryID)
			delete(s.entries, taskID)
		}
		if err := s.registerEntriesLocked(); err != nil {
			return common.NewSchedulerError("reload", err)
		}
	}

	s.logger.Info().Int("job_count", len(s.entries)).Msg("Scheduler reloaded")
	return nil
}

// Status returns the scheduler snapshot
func (s *Service) Status() *interfaces.SchedulerStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	jobCount := len(s.entries)
	if !s.running {
		if count, err := s.manager.ScheduledJobStorage().Count(context.Background()); err == nil {
			jobCount = count
		}
	}
	return &interfaces.SchedulerStatus{
		Running:          s.running,
		JobCount:         jobCount,
		LastStartTime:    s.lastStart,
		LastShutdownTime: s.lastShutdown,
	}
}

// PersistedJobs lists trigger rows cross-referenced with current task state
func (s *Service) PersistedJobs() ([]*interfaces.PersistedJob, error) {
	jobs, err := s.manager.ScheduledJobStorage().List(context.Background())
	if err != nil {
		return nil, err
	}

	result := make([]*interfaces.PersistedJob, 0, len(jobs))
	for _, job := range jobs {
		entry := &interfaces.PersistedJob{
			JobID:          job.ID,
			TaskID:         job.TaskID,
			CronExpression: job.CronExpression,
			NextRun:        job.NextRun,
		}
		task, err := s.loadTask(job.TaskID)
		if err == nil {
			entry.TaskExists = true
			entry.TaskName = task.Name
			entry.TaskStatus = task.Status
			entry.IsAuto = task.IsAuto
			entry.IsActive = task.IsActive
		} else if !errors.Is(err, common.ErrNotFound) {
			return nil, err
		}
		result = append(result, entry)
	}
	return result, nil
}

// IsRunning reports whether triggers are firing
func (s *Service) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// reconcileLocked makes the persistent job store agree with the task catalog.
// Per-job failures are logged and skipped so one bad row never blocks the rest.
func (s *Service) reconcileLocked() error {
	ctx := context.Background()

	jobs, err := s.manager.ScheduledJobStorage().List(ctx)
	if err != nil {
		return err
	}
	autoTasks, err := s.manager.TaskStorage().FindAutoTasks(ctx)
	if err != nil {
		return err
	}

	eligible := make(map[uint64]*models.Task, len(autoTasks))
	for _, task := range autoTasks {
		eligible[task.ID] = task
	}

	// Jobs whose task is gone or no longer eligible are removed
	for _, job := range jobs {
		taskID, ok := models.ParseJobTaskID(job.ID)
		if !ok {
			s.logger.Warn().Str("job_id", job.ID).Msg("Removing job with malformed id")
			if err := s.manager.ScheduledJobStorage().Delete(ctx, job.ID); err != nil {
				s.logger.Error().Err(err).Str("job_id", job.ID).Msg("Failed to remove malformed job")
			}
			continue
		}
		if _, keep := eligible[taskID]; keep {
			continue
		}

		// Flag first, job row second
		err := s.manager.Update(func(tx *badger.Txn) error {
			return s.manager.TaskStorage().TxSetScheduled(tx, taskID, false)
		})
		if err != nil && !errors.Is(err, common.ErrNotFound) {
			s.logger.Error().Err(err).Int64("task_id", int64(taskID)).Msg("Failed to clear is_scheduled during reconcile")
			continue
		}
		if err := s.manager.ScheduledJobStorage().Delete(ctx, job.ID); err != nil {
			s.logger.Error().Err(err).Str("job_id", job.ID).Msg("Failed to remove orphaned job")
			continue
		}
		s.logger.Info().Str("job_id", job.ID).Msg("Removed orphaned persistent job")
	}

	// Every eligible task gets a job row with the current cron expression
	for _, task := range autoTasks {
		if err := common.ValidateCronExpression(task.CronExpression); err != nil {
			s.logger.Warn().
				Int64("task_id", int64(task.ID)).
				Str("cron_expression", task.CronExpression).
				Err(err).
				Msg("Skipping auto task with invalid cron expression")
			continue
		}
		nextRun, err := common.NextCronRun(task.CronExpression, common.NowUTC())
		if err != nil {
			continue
		}

		job := &models.ScheduledJob{
			ID:             task.JobID(),
			TaskID:         task.ID,
			CronExpression: task.CronExpression,
			NextRun:        nextRun,
			Args:           task.Args,
		}
		if existing, err := s.manager.ScheduledJobStorage().Get(ctx, job.ID); err == nil {
			if existing.CronExpression == job.CronExpression {
				job.NextRun = existing.NextRun
			}
		}
		if err := s.manager.ScheduledJobStorage().Upsert(ctx, job); err != nil {
			s.logger.Error().Err(err).Int64("task_id", int64(task.ID)).Msg("Failed to upsert job during reconcile")
			continue
		}
		if !task.IsScheduled {
			err := s.manager.Update(func(tx *badger.Txn) error {
				return s.manager.TaskStorage().TxSetScheduled(tx, task.ID, true)
			})
			if err != nil {
				s.logger.Error().Err(err).Int64("task_id", int64(task.ID)).Msg("Failed to set is_scheduled during reconcile")
			}
		}
	}

	return nil
}

// registerEntriesLocked binds a cron entry for every persistent job
func (s *Service) registerEntriesLocked() error {
	jobs, err := s.manager.ScheduledJobStorage().List(context.Background())
	if err != nil {
		return err
	}
	for _, job := range jobs {
		taskID, ok := models.ParseJobTaskID(job.ID)
		if !ok {
			continue
		}
		s.replaceEntryLocked(taskID, job.CronExpression)
	}
	return nil
}

// replaceEntryLocked swaps the cron entry for a task
func (s *Service) replaceEntryLocked(taskID uint64, cronExpression string) {
	if entryID, ok := s.entries[taskID]; ok {
		s.cron.Remove(entryID)
		delete(s.entries, taskID)
	}
	schedule, err := common.ParseCronSchedule(cronExpression)
	if err != nil {
		s.logger.Warn().Int64("task_id", int64(taskID)).Err(err).Msg("Skipping cron entry with invalid expression")
		return
	}
	entryID := s.cron.Schedule(schedule, cron.FuncJob(func() {
		s.fire(taskID)
	}))
	s.entries[taskID] = entryID
}

// replayMisfires fires triggers missed while the process was down, but only
// once per job and only within the grace window. Older misses are dropped.
func (s *Service) replayMisfires(jobs []*models.ScheduledJob) {
	now := common.NowUTC()
	grace := s.config.MisfireGraceDuration()

	for _, job := range jobs {
		if job.NextRun.IsZero() || !job.NextRun.Before(now) {
			continue
		}
		taskID, ok := models.ParseJobTaskID(job.ID)
		if !ok {
			continue
		}

		missedBy := now.Sub(job.NextRun)
		if missedBy > grace {
			s.logger.Warn().
				Str("job_id", job.ID).
				Str("missed_run", job.NextRun.Format(time.RFC3339)).
				Dur("missed_by", missedBy).
				Msg("Dropping misfire outside grace window")
			continue
		}

		s.logger.Info().
			Str("job_id", job.ID).
			Str("missed_run", job.NextRun.Format(time.RFC3339)).
			Dur("missed_by", missedBy).
			Msg("Replaying misfired trigger")
		go s.fire(taskID)
	}
}

// fire dispatches one trigger: re-check eligibility against live task state,
// hand the id to the executor, and advance the stored next run.
func (s *Service) fire(taskID uint64) {
	s.fires <- struct{}{}
	defer func() { <-s.fires }()

	task, err := s.loadTask(taskID)
	if err != nil {
		if errors.Is(err, common.ErrNotFound) {
			s.logger.Warn().Int64("task_id", int64(taskID)).Msg("Trigger fired for deleted task, removing job")
			if err := s.Remove(taskID); err != nil {
				s.logger.Error().Err(err).Int64("task_id", int64(taskID)).Msg("Failed to remove job for deleted task")
			}
			return
		}
		s.logger.Error().Err(err).Int64("task_id", int64(taskID)).Msg("Trigger load failed")
		return
	}
	if !task.IsAuto || !task.IsActive {
		s.logger.Info().Int64("task_id", int64(taskID)).Msg("Skipping trigger for ineligible task")
		return
	}

	if err := s.executor.Execute(context.Background(), taskID, nil); err != nil {
		if errors.Is(err, common.ErrAlreadyRunning) {
			s.logger.Info().Int64("task_id", int64(taskID)).Msg("Skipping trigger, task already running")
		} else {
			s.logger.Error().Err(err).Int64("task_id", int64(taskID)).Msg("Trigger dispatch failed")
		}
	} else {
		s.logger.Info().Int64("task_id", int64(taskID)).Msg("Trigger dispatched")
	}

	nextRun, err := common.NextCronRun(task.CronExpression, common.NowUTC())
	if err != nil {
		return
	}
	job := &models.ScheduledJob{
		ID:             task.JobID(),
		TaskID:         taskID,
		CronExpression: task.CronExpression,
		NextRun:        nextRun,
		Args:           task.Args,
	}
	if err := s.manager.ScheduledJobStorage().Upsert(context.Background(), job); err != nil {
		s.logger.Error().Err(err).Int64("task_id", int64(taskID)).Msg("Failed to advance next run")
	}
}

// closeInterruptedRuns marks history rows left RUNNING by a previous process
// as failed so the task catalog never shows phantom running state.
func (s *Service) closeInterruptedRuns() {
	now := common.NowUTC()
	err := s.manager.Update(func(tx *badger.Txn) error {
		open, err := s.manager.HistoryStorage().TxFindRunning(tx)
		if err != nil {
			return err
		}
		for _, history := range open {
			history.EndTime = &now
			history.Status = models.TaskStatusFailed
			history.Message = "interrupted by process restart"
			history.Success = false
			if err := s.manager.HistoryStorage().TxUpdate(tx, history); err != nil {
				return err
			}

			task, err := s.manager.TaskStorage().TxGet(tx, history.TaskID)
			if err != nil {
				if errors.Is(err, common.ErrNotFound) {
					continue
				}
				return err
			}
			if task.Status == models.TaskStatusRunning {
				success := false
				task.Status = models.TaskStatusFailed
				task.ScrapePhase = models.ScrapePhaseFailed
				task.LastRunAt = &now
				task.LastRunSuccess = &success
				task.LastRunMessage = history.Message
				if err := s.manager.TaskStorage().TxUpdate(tx, task); err != nil {
					return err
				}
			}
			s.logger.Warn().
				Int64("task_id", int64(history.TaskID)).
				Str("history_id", history.ID).
				Msg("Closed history row interrupted by restart")
		}
		return nil
	})
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to close interrupted runs")
	}
}

// reloadLoop reruns the reconcile on the configured interval
func (s *Service) reloadLoop(stop <-chan struct{}) {
	interval := time.Duration(s.config.ReloadIntervalHours) * time.Hour
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := s.Reload(); err != nil {
				s.logger.Error().Err(err).Msg("Periodic reload failed")
			}
		}
	}
}

func (s *Service) loadTask(taskID uint64) (*models.Task, error) {
	var task *models.Task
	err := s.manager.View(func(tx *badger.Txn) error {
		loaded, err := s.manager.TaskStorage().TxGet(tx, taskID)
		if err != nil {
			return err
		}
		task = loaded
		return nil
	})
	return task, err
}
