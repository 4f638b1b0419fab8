package badger

import (
	"context"
	"errors"
	"fmt"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/harvester/internal/common"
	"github.com/ternarybob/harvester/internal/interfaces"
	"github.com/ternarybob/harvester/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

// HistoryStorage implements the HistoryStorage interface for Badger
type HistoryStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewHistoryStorage creates a new HistoryStorage instance
func NewHistoryStorage(db *BadgerDB, logger arbor.ILogger) interfaces.HistoryStorage {
	return &HistoryStorage{
		db:     db,
		logger: logger,
	}
}

// TxCreate inserts a history row inside the caller's transaction
func (s *HistoryStorage) TxCreate(tx *badgerdb.Txn, history *models.TaskHistory) error {
	if history.TaskID == 0 {
		return common.NewValidationError("task_id", "is required")
	}
	if history.ID == "" {
		history.ID = uuid.New().String()
	}
	if history.StartTime.IsZero() {
		history.StartTime = common.NowUTC()
	}
	history.StartTime = common.ToUTC(history.StartTime)
	history.EndTime = common.ToUTCPtr(history.EndTime)

	if err := s.db.Store().TxInsert(tx, history.ID, history); err != nil {
		return common.NewDatabaseError("history create", err)
	}
	return nil
}

// TxUpdate mutates a history row. Only the running row of a task may change;
// terminal rows are immutable after their end transaction.
func (s *HistoryStorage) TxUpdate(tx *badgerdb.Txn, history *models.TaskHistory) error {
	var existing models.TaskHistory
	if err := s.db.Store().TxGet(tx, history.ID, &existing); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return common.NotFoundError("history", history.ID)
		}
		return common.NewDatabaseError("history get", err)
	}
	if existing.Status.IsTerminal() && existing.EndTime != nil {
		return common.NewValidationError("task_status", fmt.Sprintf("history %s is terminal and immutable", history.ID))
	}

	history.StartTime = common.ToUTC(history.StartTime)
	history.EndTime = common.ToUTCPtr(history.EndTime)

	if err := s.db.Store().TxUpdate(tx, history.ID, history); err != nil {
		return common.NewDatabaseError("history update", err)
	}
	return nil
}

// TxGetRunning returns the open attempt for a task, or ErrNotFound
func (s *HistoryStorage) TxGetRunning(tx *badgerdb.Txn, taskID uint64) (*models.TaskHistory, error) {
	// EndTime is a pointer field; filter in memory rather than with IsNil()
	var rows []models.TaskHistory
	query := badgerhold.Where("TaskID").Eq(taskID).And("Status").Eq(models.TaskStatusRunning)
	if err := s.db.Store().TxFind(tx, &rows, query); err != nil {
		return nil, common.NewDatabaseError("history get running", err)
	}
	for i := range rows {
		if rows[i].EndTime == nil {
			return &rows[i], nil
		}
	}
	return nil, common.NotFoundError("running history for task", taskID)
}

// TxFindRunning returns all open attempts across tasks (stale-run detection)
func (s *HistoryStorage) TxFindRunning(tx *badgerdb.Txn) ([]*models.TaskHistory, error) {
	var rows []models.TaskHistory
	if err := s.db.Store().TxFind(tx, &rows, badgerhold.Where("Status").Eq(models.TaskStatusRunning)); err != nil {
		return nil, common.NewDatabaseError("history find running", err)
	}
	result := make([]*models.TaskHistory, 0, len(rows))
	for i := range rows {
		if rows[i].EndTime == nil {
			result = append(result, &rows[i])
		}
	}
	return result, nil
}

// Get loads a history row by id
func (s *HistoryStorage) Get(ctx context.Context, id string) (*models.TaskHistory, error) {
	var history models.TaskHistory
	if err := s.db.Store().Get(id, &history); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil, common.NotFoundError("history", id)
		}
		return nil, common.NewDatabaseError("history get", err)
	}
	return &history, nil
}

// GetLatest returns the most recent attempt for a task, or ErrNotFound
func (s *HistoryStorage) GetLatest(ctx context.Context, taskID uint64) (*models.TaskHistory, error) {
	var rows []models.TaskHistory
	query := badgerhold.Where("TaskID").Eq(taskID).SortBy("StartTime").Reverse().Limit(1)
	if err := s.db.Store().Find(&rows, query); err != nil {
		return nil, common.NewDatabaseError("history get latest", err)
	}
	if len(rows) == 0 {
		return nil, common.NotFoundError("history for task", taskID)
	}
	return &rows[0], nil
}

// List returns history rows matching the options, newest first
func (s *HistoryStorage) List(ctx context.Context, opts *interfaces.HistoryListOptions) ([]*models.TaskHistory, error) {
	query := badgerhold.Where("ID").Ne("")

	if opts != nil {
		if opts.TaskID != 0 {
			query = badgerhold.Where("TaskID").Eq(opts.TaskID)
		}
		if opts.Status != "" {
			query = query.And("Status").Eq(opts.Status)
		}
		if opts.Limit > 0 {
			query = query.Limit(opts.Limit)
		}
		if opts.Offset > 0 {
			query = query.Skip(opts.Offset)
		}
	}
	query = query.SortBy("StartTime").Reverse()

	var rows []models.TaskHistory
	if err := s.db.Store().Find(&rows, query); err != nil {
		return nil, common.NewDatabaseError("history list", err)
	}

	result := make([]*models.TaskHistory, len(rows))
	for i := range rows {
		result[i] = &rows[i]
	}
	return result, nil
}

// CountByTask returns the number of attempts recorded for a task
func (s *HistoryStorage) CountByTask(ctx context.Context, taskID uint64) (int, error) {
	count, err := s.db.Store().Count(&models.TaskHistory{}, badgerhold.Where("TaskID").Eq(taskID))
	if err != nil {
		return 0, common.NewDatabaseError("history count", err)
	}
	return int(count), nil
}
