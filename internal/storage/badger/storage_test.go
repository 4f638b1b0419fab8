package badger

import (
	"testing"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/harvester/internal/common"
	"github.com/ternarybob/harvester/internal/interfaces"
	"github.com/ternarybob/harvester/internal/models"
)

// newTestManager opens a throwaway store under a temp directory
func newTestManager(t *testing.T) interfaces.StorageManager {
	t.Helper()

	manager, err := NewManager(arbor.NewLogger(), &common.BadgerConfig{
		Path: t.TempDir(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { manager.Close() })
	return manager
}

// createTestTask persists a valid task, applying mutate before the insert
func createTestTask(t *testing.T, m interfaces.StorageManager, name string, mutate func(*models.Task)) *models.Task {
	t.Helper()

	task := &models.Task{
		Name:       name,
		CrawlerID:  1,
		IsActive:   true,
		ScrapeMode: models.ScrapeModeFullScrape,
	}
	if mutate != nil {
		mutate(task)
	}

	err := m.Update(func(tx *badgerdb.Txn) error {
		return m.TaskStorage().TxCreate(tx, task)
	})
	require.NoError(t, err)
	require.NotZero(t, task.ID)
	return task
}

// createTestCrawler persists a valid crawler definition
func createTestCrawler(t *testing.T, m interfaces.StorageManager, name string, mutate func(*models.Crawler)) *models.Crawler {
	t.Helper()

	crawler := &models.Crawler{
		Name:     name,
		Type:     "web",
		BaseURL:  "https://news.example.com",
		IsActive: true,
	}
	if mutate != nil {
		mutate(crawler)
	}

	err := m.Update(func(tx *badgerdb.Txn) error {
		return m.CrawlerStorage().TxCreate(tx, crawler)
	})
	require.NoError(t, err)
	return crawler
}

// createTestHistory opens a running history row for a task
func createTestHistory(t *testing.T, m interfaces.StorageManager, taskID uint64, mutate func(*models.TaskHistory)) *models.TaskHistory {
	t.Helper()

	history := &models.TaskHistory{
		TaskID:    taskID,
		StartTime: common.NowUTC(),
		Status:    models.TaskStatusRunning,
		Message:   "task starting",
	}
	if mutate != nil {
		mutate(history)
	}

	err := m.Update(func(tx *badgerdb.Txn) error {
		return m.HistoryStorage().TxCreate(tx, history)
	})
	require.NoError(t, err)
	return history
}
