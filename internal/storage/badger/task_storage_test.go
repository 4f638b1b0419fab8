package badger

import (
	"context"
	"errors"
	"testing"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/harvester/internal/common"
	"github.com/ternarybob/harvester/internal/interfaces"
	"github.com/ternarybob/harvester/internal/models"
)

func TestTaskStorage_CreateAssignsID(t *testing.T) {
	m := newTestManager(t)

	first := createTestTask(t, m, "first", nil)
	second := createTestTask(t, m, "second", nil)

	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, models.TaskStatusInit, first.Status)
	assert.Equal(t, models.ScrapePhaseInit, first.ScrapePhase)
	assert.False(t, first.CreatedAt.IsZero())
}

func TestTaskStorage_Validate(t *testing.T) {
	m := newTestManager(t)
	store := m.TaskStorage()

	var validationErr *common.ValidationError

	// Missing name
	err := store.Validate(&models.Task{CrawlerID: 1}, interfaces.ValidationCreate)
	require.Error(t, err)
	assert.True(t, errors.As(err, &validationErr))

	// ID set on create
	err = store.Validate(&models.Task{ID: 7, Name: "x", CrawlerID: 1}, interfaces.ValidationCreate)
	require.Error(t, err)

	// Missing ID on update
	err = store.Validate(&models.Task{Name: "x", CrawlerID: 1}, interfaces.ValidationUpdate)
	require.Error(t, err)

	// Auto task requires a valid cron expression
	err = store.Validate(&models.Task{Name: "x", CrawlerID: 1, IsAuto: true}, interfaces.ValidationCreate)
	require.Error(t, err)
	require.True(t, errors.As(err, &validationErr))
	assert.Equal(t, "cron_expression", validationErr.Field)

	err = store.Validate(&models.Task{Name: "x", CrawlerID: 1, IsAuto: true, CronExpression: "bad cron"}, interfaces.ValidationCreate)
	require.Error(t, err)

	err = store.Validate(&models.Task{Name: "x", CrawlerID: 1, IsAuto: true, CronExpression: "0 6 * * *"}, interfaces.ValidationCreate)
	assert.NoError(t, err)

	// Unknown scrape mode
	err = store.Validate(&models.Task{Name: "x", CrawlerID: 1, ScrapeMode: "sideways"}, interfaces.ValidationCreate)
	require.Error(t, err)
}

func TestTaskStorage_GetNotFound(t *testing.T) {
	m := newTestManager(t)

	_, err := m.TaskStorage().Get(context.Background(), 999)
	require.Error(t, err)
	assert.True(t, errors.Is(err, common.ErrNotFound))
}

func TestTaskStorage_FindAutoTasks(t *testing.T) {
	m := newTestManager(t)

	auto := createTestTask(t, m, "auto", func(task *models.Task) {
		task.IsAuto = true
		task.CronExpression = "0 6 * * *"
	})
	createTestTask(t, m, "manual", nil)
	createTestTask(t, m, "auto-inactive", func(task *models.Task) {
		task.IsAuto = true
		task.CronExpression = "0 7 * * *"
		task.IsActive = false
	})

	found, err := m.TaskStorage().FindAutoTasks(context.Background())
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, auto.ID, found[0].ID)
}

func TestTaskStorage_SetScheduled(t *testing.T) {
	m := newTestManager(t)
	task := createTestTask(t, m, "schedulable", nil)

	err := m.Update(func(tx *badgerdb.Txn) error {
		return m.TaskStorage().TxSetScheduled(tx, task.ID, true)
	})
	require.NoError(t, err)

	stored, err := m.TaskStorage().Get(context.Background(), task.ID)
	require.NoError(t, err)
	assert.True(t, stored.IsScheduled)

	// Setting the same value again is a no-op
	before := stored.UpdatedAt
	err = m.Update(func(tx *badgerdb.Txn) error {
		return m.TaskStorage().TxSetScheduled(tx, task.ID, true)
	})
	require.NoError(t, err)

	stored, err = m.TaskStorage().Get(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, before, stored.UpdatedAt)

	// Missing task surfaces not found
	err = m.Update(func(tx *badgerdb.Txn) error {
		return m.TaskStorage().TxSetScheduled(tx, 9999, true)
	})
	assert.True(t, errors.Is(err, common.ErrNotFound))
}

func TestTaskStorage_ListFilters(t *testing.T) {
	m := newTestManager(t)

	createTestTask(t, m, "alpha news", nil)
	createTestTask(t, m, "beta sports", nil)
	inactive := createTestTask(t, m, "gamma inactive", func(task *models.Task) {
		task.IsActive = false
	})

	all, err := m.TaskStorage().List(context.Background(), nil)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	active := true
	filtered, err := m.TaskStorage().List(context.Background(), &interfaces.TaskListOptions{IsActive: &active})
	require.NoError(t, err)
	assert.Len(t, filtered, 2)
	for _, task := range filtered {
		assert.NotEqual(t, inactive.ID, task.ID)
	}

	named, err := m.TaskStorage().List(context.Background(), &interfaces.TaskListOptions{NameLike: "SPORTS"})
	require.NoError(t, err)
	require.Len(t, named, 1)
	assert.Equal(t, "beta sports", named[0].Name)
}

func TestTaskStorage_DeletePreservesHistory(t *testing.T) {
	m := newTestManager(t)
	task := createTestTask(t, m, "doomed", nil)
	history := createTestHistory(t, m, task.ID, nil)

	err := m.Update(func(tx *badgerdb.Txn) error {
		return m.TaskStorage().TxDelete(tx, task.ID)
	})
	require.NoError(t, err)

	_, err = m.TaskStorage().Get(context.Background(), task.ID)
	assert.True(t, errors.Is(err, common.ErrNotFound))

	// History rows survive the task
	kept, err := m.HistoryStorage().Get(context.Background(), history.ID)
	require.NoError(t, err)
	assert.Equal(t, task.ID, kept.TaskID)
}

func TestTaskStorage_Count(t *testing.T) {
	m := newTestManager(t)

	count, err := m.TaskStorage().Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	createTestTask(t, m, "one", nil)
	createTestTask(t, m, "two", nil)

	count, err = m.TaskStorage().Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestTaskStorage_FreshStoreFirstTaskID(t *testing.T) {
	m := newTestManager(t)

	task := createTestTask(t, m, "first", nil)
	assert.Equal(t, uint64(1), task.ID)

	all, err := m.TaskStorage().List(context.Background(), nil)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, task.ID, all[0].ID)

	loaded, err := m.TaskStorage().Get(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, "first", loaded.Name)
}
