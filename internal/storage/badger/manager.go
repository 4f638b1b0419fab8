package badger

import (
	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/harvester/internal/common"
	"github.com/ternarybob/harvester/internal/interfaces"
)

// Manager implements the StorageManager interface for Badger
type Manager struct {
	db           *BadgerDB
	tasks        interfaces.TaskStorage
	crawlers     interfaces.CrawlerStorage
	history      interfaces.HistoryStorage
	scheduledJob interfaces.ScheduledJobStorage
	logger       arbor.ILogger
}

// NewManager creates a new Badger storage manager
func NewManager(logger arbor.ILogger, config *common.BadgerConfig) (interfaces.StorageManager, error) {
	db, err := NewBadgerDB(logger, config)
	if err != nil {
		return nil, err
	}

	manager := &Manager{
		db:           db,
		tasks:        NewTaskStorage(db, logger),
		crawlers:     NewCrawlerStorage(db, logger),
		history:      NewHistoryStorage(db, logger),
		scheduledJob: NewScheduledJobStorage(db, logger),
		logger:       logger,
	}

	logger.Info().Msg("Badger storage manager initialized")

	return manager, nil
}

// TaskStorage returns the task repository
func (m *Manager) TaskStorage() interfaces.TaskStorage {
	return m.tasks
}

// CrawlerStorage returns the crawler repository
func (m *Manager) CrawlerStorage() interfaces.CrawlerStorage {
	return m.crawlers
}

// HistoryStorage returns the history repository
func (m *Manager) HistoryStorage() interfaces.HistoryStorage {
	return m.history
}

// ScheduledJobStorage returns the scheduler-owned persistent job store
func (m *Manager) ScheduledJobStorage() interfaces.ScheduledJobStorage {
	return m.scheduledJob
}

// Update opens a read-write transaction scope. The function's error rolls
// the transaction back; returning nil commits.
func (m *Manager) Update(fn func(tx *badgerdb.Txn) error) error {
	return m.db.Store().Badger().Update(fn)
}

// View opens a read-only transaction scope
func (m *Manager) View(fn func(tx *badgerdb.Txn) error) error {
	return m.db.Store().Badger().View(fn)
}

// Close closes the database connection
func (m *Manager) Close() error {
	if m.db != nil {
		return m.db.Close()
	}
	return nil
}
