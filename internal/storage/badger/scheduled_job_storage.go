package badger

import (
	"context"
	"errors"
	"sort"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/harvester/internal/common"
	"github.com/ternarybob/harvester/internal/interfaces"
	"github.com/ternarybob/harvester/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

// ScheduledJobStorage implements the persistent trigger store the scheduler
// owns. Writes here use their own short transactions and are never part of a
// domain transaction; the scheduler's ordering rules compensate on partial
// failure.
type ScheduledJobStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewScheduledJobStorage creates a new ScheduledJobStorage instance
func NewScheduledJobStorage(db *BadgerDB, logger arbor.ILogger) interfaces.ScheduledJobStorage {
	return &ScheduledJobStorage{
		db:     db,
		logger: logger,
	}
}

// Upsert creates or replaces a persistent job row
func (s *ScheduledJobStorage) Upsert(ctx context.Context, job *models.ScheduledJob) error {
	if job.ID == "" {
		return common.NewValidationError("id", "job id is required")
	}
	job.NextRun = common.ToUTC(job.NextRun)
	job.UpdatedAt = common.NowUTC()

	if err := s.db.Store().Upsert(job.ID, job); err != nil {
		return common.NewSchedulerError("job upsert", err)
	}
	return nil
}

// Get loads a persistent job row by id
func (s *ScheduledJobStorage) Get(ctx context.Context, jobID string) (*models.ScheduledJob, error) {
	var job models.ScheduledJob
	if err := s.db.Store().Get(jobID, &job); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil, common.NotFoundError("scheduled job", jobID)
		}
		return nil, common.NewSchedulerError("job get", err)
	}
	return &job, nil
}

// Delete removes a persistent job row. Deleting a missing row is a no-op.
func (s *ScheduledJobStorage) Delete(ctx context.Context, jobID string) error {
	if err := s.db.Store().Delete(jobID, &models.ScheduledJob{}); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil
		}
		return common.NewSchedulerError("job delete", err)
	}
	return nil
}

// List returns all persistent job rows ordered by id
func (s *ScheduledJobStorage) List(ctx context.Context) ([]*models.ScheduledJob, error) {
	var jobs []models.ScheduledJob
	if err := s.db.Store().Find(&jobs, badgerhold.Where("ID").Ne("")); err != nil {
		return nil, common.NewSchedulerError("job list", err)
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].ID < jobs[j].ID })

	result := make([]*models.ScheduledJob, len(jobs))
	for i := range jobs {
		result[i] = &jobs[i]
	}
	return result, nil
}

// Count returns the number of persistent job rows
func (s *ScheduledJobStorage) Count(ctx context.Context) (int, error) {
	count, err := s.db.Store().Count(&models.ScheduledJob{}, nil)
	if err != nil {
		return 0, common.NewSchedulerError("job count", err)
	}
	return int(count), nil
}
