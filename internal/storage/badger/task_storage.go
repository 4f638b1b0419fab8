package badger

import (
	"context"
	"errors"
	"fmt"
	"strings"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/go-playground/validator/v10"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/harvester/internal/common"
	"github.com/ternarybob/harvester/internal/interfaces"
	"github.com/ternarybob/harvester/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

// TaskStorage implements the TaskStorage interface for Badger
type TaskStorage struct {
	db       *BadgerDB
	validate *validator.Validate
	logger   arbor.ILogger
}

// NewTaskStorage creates a new TaskStorage instance
func NewTaskStorage(db *BadgerDB, logger arbor.ILogger) interfaces.TaskStorage {
	return &TaskStorage{
		db:       db,
		validate: validator.New(),
		logger:   logger,
	}
}

// Validate enforces schema and cross-field rules at the repository boundary
func (s *TaskStorage) Validate(task *models.Task, op interfaces.ValidationOp) error {
	if task == nil {
		return common.NewValidationError("", "task is required")
	}

	if err := s.validate.Struct(task); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			return common.NewValidationError(fe.Field(), fmt.Sprintf("failed %s validation", fe.Tag()))
		}
		return common.NewValidationError("", err.Error())
	}

	// is_auto requires a parseable five-field cron expression
	if task.IsAuto {
		if err := common.ValidateCronExpression(task.CronExpression); err != nil {
			return common.NewValidationError("cron_expression", err.Error())
		}
	}

	if task.ScrapeMode != "" {
		switch task.ScrapeMode {
		case models.ScrapeModeLinksOnly, models.ScrapeModeContentOnly, models.ScrapeModeFullScrape:
		default:
			return common.NewValidationError("scrape_mode", fmt.Sprintf("unknown scrape mode %q", task.ScrapeMode))
		}
	}

	switch op {
	case interfaces.ValidationCreate:
		if task.ID != 0 {
			return common.NewValidationError("id", "must not be set on create")
		}
	case interfaces.ValidationUpdate:
		if task.ID == 0 {
			return common.NewValidationError("id", "is required on update")
		}
	}

	return nil
}

// TxCreate validates and inserts a task inside the caller's transaction
func (s *TaskStorage) TxCreate(tx *badgerdb.Txn, task *models.Task) error {
	if err := s.Validate(task, interfaces.ValidationCreate); err != nil {
		return err
	}

	now := common.NowUTC()
	task.CreatedAt = now
	task.UpdatedAt = now
	if task.Status == "" {
		task.Status = models.TaskStatusInit
	}
	if task.ScrapePhase == "" {
		task.ScrapePhase = models.ScrapePhaseInit
	}
	normalizeTaskTimes(task)

	if err := s.db.Store().TxInsert(tx, badgerhold.NextSequence(), task); err != nil {
		return common.NewDatabaseError("task create", err)
	}
	// badgerhold sequences start at 0, which the rest of the codebase treats
	// as unset. Re-issue the first insert so ids start at 1.
	if task.ID == 0 {
		if err := s.db.Store().TxDelete(tx, uint64(0), &models.Task{}); err != nil {
			return common.NewDatabaseError("task create", err)
		}
		if err := s.db.Store().TxInsert(tx, badgerhold.NextSequence(), task); err != nil {
			return common.NewDatabaseError("task create", err)
		}
	}
	return nil
}

// TxUpdate validates and persists a task inside the caller's transaction
func (s *TaskStorage) TxUpdate(tx *badgerdb.Txn, task *models.Task) error {
	if err := s.Validate(task, interfaces.ValidationUpdate); err != nil {
		return err
	}

	task.UpdatedAt = common.NowUTC()
	normalizeTaskTimes(task)

	if err := s.db.Store().TxUpdate(tx, task.ID, task); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return common.NotFoundError("task", task.ID)
		}
		return common.NewDatabaseError("task update", err)
	}
	return nil
}

// TxGet loads a task inside the caller's transaction
func (s *TaskStorage) TxGet(tx *badgerdb.Txn, id uint64) (*models.Task, error) {
	var task models.Task
	if err := s.db.Store().TxGet(tx, id, &task); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil, common.NotFoundError("task", id)
		}
		return nil, common.NewDatabaseError("task get", err)
	}
	return &task, nil
}

// TxDelete removes a task. History rows are retained.
func (s *TaskStorage) TxDelete(tx *badgerdb.Txn, id uint64) error {
	if err := s.db.Store().TxDelete(tx, id, &models.Task{}); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return common.NotFoundError("task", id)
		}
		return common.NewDatabaseError("task delete", err)
	}
	return nil
}

// TxSetScheduled flips the is_scheduled mirror of the persistent job store
func (s *TaskStorage) TxSetScheduled(tx *badgerdb.Txn, id uint64, scheduled bool) error {
	task, err := s.TxGet(tx, id)
	if err != nil {
		return err
	}
	if task.IsScheduled == scheduled {
		return nil
	}
	task.IsScheduled = scheduled
	task.UpdatedAt = common.NowUTC()
	if err := s.db.Store().TxUpdate(tx, task.ID, task); err != nil {
		return common.NewDatabaseError("task set scheduled", err)
	}
	return nil
}

// TxFindAutoTasks returns tasks eligible for cron dispatch
func (s *TaskStorage) TxFindAutoTasks(tx *badgerdb.Txn) ([]*models.Task, error) {
	var tasks []models.Task
	query := badgerhold.Where("IsAuto").Eq(true).And("IsActive").Eq(true)
	if err := s.db.Store().TxFind(tx, &tasks, query); err != nil {
		return nil, common.NewDatabaseError("task find auto", err)
	}
	return taskPointers(tasks), nil
}

// Get loads a task outside any caller transaction
func (s *TaskStorage) Get(ctx context.Context, id uint64) (*models.Task, error) {
	var task models.Task
	if err := s.db.Store().Get(id, &task); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil, common.NotFoundError("task", id)
		}
		return nil, common.NewDatabaseError("task get", err)
	}
	return &task, nil
}

// List returns tasks matching the options, newest first by default
func (s *TaskStorage) List(ctx context.Context, opts *interfaces.TaskListOptions) ([]*models.Task, error) {
	query := badgerhold.Where("ID").Ne(uint64(0))

	if opts != nil {
		if opts.Status != "" {
			query = query.And("Status").Eq(opts.Status)
		}
		if opts.IsAuto != nil {
			query = query.And("IsAuto").Eq(*opts.IsAuto)
		}
		if opts.IsActive != nil {
			query = query.And("IsActive").Eq(*opts.IsActive)
		}
		if opts.Limit > 0 {
			query = query.Limit(opts.Limit)
		}
		if opts.Offset > 0 {
			query = query.Skip(opts.Offset)
		}
	}
	query = query.SortBy("CreatedAt").Reverse()

	var tasks []models.Task
	if err := s.db.Store().Find(&tasks, query); err != nil {
		return nil, common.NewDatabaseError("task list", err)
	}

	result := taskPointers(tasks)
	if opts != nil && opts.NameLike != "" {
		needle := strings.ToLower(opts.NameLike)
		filtered := result[:0]
		for _, t := range result {
			if strings.Contains(strings.ToLower(t.Name), needle) {
				filtered = append(filtered, t)
			}
		}
		result = filtered
	}
	return result, nil
}

// FindAutoTasks returns dispatch-eligible tasks outside a caller transaction
func (s *TaskStorage) FindAutoTasks(ctx context.Context) ([]*models.Task, error) {
	var tasks []models.Task
	query := badgerhold.Where("IsAuto").Eq(true).And("IsActive").Eq(true)
	if err := s.db.Store().Find(&tasks, query); err != nil {
		return nil, common.NewDatabaseError("task find auto", err)
	}
	return taskPointers(tasks), nil
}

// Count returns the number of stored tasks
func (s *TaskStorage) Count(ctx context.Context) (int, error) {
	count, err := s.db.Store().Count(&models.Task{}, nil)
	if err != nil {
		return 0, common.NewDatabaseError("task count", err)
	}
	return int(count), nil
}

// normalizeTaskTimes coerces stored timestamps to UTC
func normalizeTaskTimes(task *models.Task) {
	task.CreatedAt = common.ToUTC(task.CreatedAt)
	task.UpdatedAt = common.ToUTC(task.UpdatedAt)
	task.LastRunAt = common.ToUTCPtr(task.LastRunAt)
}

func taskPointers(tasks []models.Task) []*models.Task {
	result := make([]*models.Task, len(tasks))
	for i := range tasks {
		result[i] = &tasks[i]
	}
	return result
}
