package executor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/harvester/internal/common"
	"github.com/ternarybob/harvester/internal/crawlers"
	"github.com/ternarybob/harvester/internal/interfaces"
	"github.com/ternarybob/harvester/internal/models"
	badgerstore "github.com/ternarybob/harvester/internal/storage/badger"
)

// fakeCrawler is a scriptable TaskCrawler. The execute func drives the
// outcome; started closes when ExecuteTask begins.
type fakeCrawler struct {
	execute func(ctx context.Context, taskID uint64, opts models.ScrapeOptions) (*interfaces.CrawlResult, error)
	ack     bool

	startOnce sync.Once
	started   chan struct{}

	mu       sync.Mutex
	lastOpts models.ScrapeOptions
	params   map[string]interface{}
}

func newFakeCrawler() *fakeCrawler {
	return &fakeCrawler{
		ack:     true,
		started: make(chan struct{}),
		params:  make(map[string]interface{}),
		execute: func(ctx context.Context, taskID uint64, opts models.ScrapeOptions) (*interfaces.CrawlResult, error) {
			return &interfaces.CrawlResult{Success: true, Message: "done", ArticlesCount: 7}, nil
		},
	}
}

func (f *fakeCrawler) ExecuteTask(ctx context.Context, taskID uint64, opts models.ScrapeOptions) (*interfaces.CrawlResult, error) {
	f.mu.Lock()
	f.lastOpts = opts
	f.mu.Unlock()
	f.startOnce.Do(func() { close(f.started) })
	return f.execute(ctx, taskID, opts)
}

func (f *fakeCrawler) CancelTask(taskID uint64) bool { return f.ack }

func (f *fakeCrawler) Progress(taskID uint64) (*interfaces.CrawlProgress, bool) { return nil, false }

func (f *fakeCrawler) SetGlobalParam(key string, value interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.params[key] = value
}

func (f *fakeCrawler) param(key string) (interface{}, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.params[key]
	return v, ok
}

func (f *fakeCrawler) opts() models.ScrapeOptions {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastOpts
}

// eventRecorder captures bus traffic and signals terminal events
type eventRecorder struct {
	mu       sync.Mutex
	names    []string
	finished chan models.TaskFinishedEvent
}

func newEventRecorder() *eventRecorder {
	return &eventRecorder{finished: make(chan models.TaskFinishedEvent, 16)}
}

func (r *eventRecorder) Join(room string, subscriberID string, fn interfaces.RoomSubscriber) {}
func (r *eventRecorder) Leave(room string, subscriberID string)                              {}
func (r *eventRecorder) LeaveAll(subscriberID string)                                        {}
func (r *eventRecorder) Close() error                                                        { return nil }

func (r *eventRecorder) Publish(room string, event interfaces.Event) {
	r.mu.Lock()
	r.names = append(r.names, event.Name)
	r.mu.Unlock()
	if event.Name == models.EventTaskFinished {
		if payload, ok := event.Payload.(models.TaskFinishedEvent); ok {
			select {
			case r.finished <- payload:
			default:
			}
		}
	}
}

func (r *eventRecorder) awaitFinished(t *testing.T) models.TaskFinishedEvent {
	t.Helper()
	select {
	case ev := <-r.finished:
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for task_finished event")
		return models.TaskFinishedEvent{}
	}
}

func (r *eventRecorder) sawProgress() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, name := range r.names {
		if name == models.EventTaskProgress {
			return true
		}
	}
	return false
}

type staticLoader struct{}

func (staticLoader) LoadConfigFor(crawler *models.Crawler) (*models.CrawlerConfigFile, error) {
	return &models.CrawlerConfigFile{}, nil
}

type fixture struct {
	manager interfaces.StorageManager
	crawler *fakeCrawler
	events  *eventRecorder
	service *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	manager, err := badgerstore.NewManager(arbor.NewLogger(), &common.BadgerConfig{Path: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { manager.Close() })

	fake := newFakeCrawler()
	registry := crawlers.NewRegistry(arbor.NewLogger())
	require.NoError(t, registry.Register("web", func(def *models.Crawler, cfg *models.CrawlerConfigFile, logger arbor.ILogger) interfaces.TaskCrawler {
		return fake
	}))

	events := newEventRecorder()
	service := NewService(manager, registry, staticLoader{}, events, &common.ExecutorConfig{
		Workers:         4,
		IsolatedWorkers: 2,
		TestTimeout:     "2s",
	}, arbor.NewLogger())

	return &fixture{manager: manager, crawler: fake, events: events, service: service}
}

func (f *fixture) seedCrawler(t *testing.T, mutate func(*models.Crawler)) *models.Crawler {
	t.Helper()

	def := &models.Crawler{
		Name:     "news-site",
		Type:     "web",
		BaseURL:  "https://news.example.com",
		IsActive: true,
	}
	if mutate != nil {
		mutate(def)
	}
	err := f.manager.Update(func(tx *badgerdb.Txn) error {
		return f.manager.CrawlerStorage().TxCreate(tx, def)
	})
	require.NoError(t, err)
	return def
}

func (f *fixture) seedTask(t *testing.T, crawlerID uint64, mutate func(*models.Task)) *models.Task {
	t.Helper()

	task := &models.Task{
		Name:       "nightly crawl",
		CrawlerID:  crawlerID,
		IsActive:   true,
		ScrapeMode: models.ScrapeModeFullScrape,
	}
	if mutate != nil {
		mutate(task)
	}
	err := f.manager.Update(func(tx *badgerdb.Txn) error {
		return f.manager.TaskStorage().TxCreate(tx, task)
	})
	require.NoError(t, err)
	return task
}

func TestExecutor_ExecuteSyncCompletes(t *testing.T) {
	f := newFixture(t)
	def := f.seedCrawler(t, nil)
	task := f.seedTask(t, def.ID, nil)

	result, err := f.service.ExecuteSync(context.Background(), task.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusCompleted, result.Status)
	assert.True(t, result.Success)
	assert.Equal(t, 7, result.ArticlesCount)

	stored, err := f.manager.TaskStorage().Get(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusCompleted, stored.Status)
	require.NotNil(t, stored.LastRunSuccess)
	assert.True(t, *stored.LastRunSuccess)
	assert.Equal(t, "done", stored.LastRunMessage)

	latest, err := f.manager.HistoryStorage().GetLatest(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusCompleted, latest.Status)
	assert.NotNil(t, latest.EndTime)
	assert.Equal(t, 7, latest.ArticlesCount)

	finished := f.events.awaitFinished(t)
	assert.Equal(t, task.ID, finished.TaskID)
	assert.Equal(t, models.TaskStatusCompleted, finished.Status)
	assert.True(t, f.events.sawProgress())
}

func TestExecutor_RejectsConcurrentExecution(t *testing.T) {
	f := newFixture(t)
	def := f.seedCrawler(t, nil)
	task := f.seedTask(t, def.ID, nil)

	release := make(chan struct{})
	f.crawler.execute = func(ctx context.Context, taskID uint64, opts models.ScrapeOptions) (*interfaces.CrawlResult, error) {
		<-release
		return &interfaces.CrawlResult{Success: true}, nil
	}

	require.NoError(t, f.service.Execute(context.Background(), task.ID, nil))
	<-f.crawler.started

	err := f.service.Execute(context.Background(), task.ID, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, common.ErrAlreadyRunning))
	assert.Equal(t, []uint64{task.ID}, f.service.RunningTasks())

	close(release)
	f.events.awaitFinished(t)
	require.Eventually(t, func() bool {
		return len(f.service.RunningTasks()) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestExecutor_RejectsInactiveTask(t *testing.T) {
	f := newFixture(t)
	def := f.seedCrawler(t, nil)
	task := f.seedTask(t, def.ID, func(task *models.Task) {
		task.IsActive = false
	})

	err := f.service.Execute(context.Background(), task.ID, nil)
	require.Error(t, err)

	var validationErr *common.ValidationError
	assert.True(t, errors.As(err, &validationErr))
}

func TestExecutor_MissingCrawlerFailsRun(t *testing.T) {
	f := newFixture(t)
	task := f.seedTask(t, 999, nil)

	_, err := f.service.ExecuteSync(context.Background(), task.ID, nil)
	require.Error(t, err)

	stored, err := f.manager.TaskStorage().Get(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusFailed, stored.Status)

	latest, err := f.manager.HistoryStorage().GetLatest(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusFailed, latest.Status)
	assert.NotNil(t, latest.EndTime)
}

func TestExecutor_InactiveCrawlerFailsRun(t *testing.T) {
	f := newFixture(t)
	def := f.seedCrawler(t, func(def *models.Crawler) {
		def.IsActive = false
	})
	task := f.seedTask(t, def.ID, nil)

	_, err := f.service.ExecuteSync(context.Background(), task.ID, nil)
	require.Error(t, err)

	stored, err := f.manager.TaskStorage().Get(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusFailed, stored.Status)
}

func TestExecutor_CancelRunningTask(t *testing.T) {
	f := newFixture(t)
	def := f.seedCrawler(t, nil)
	task := f.seedTask(t, def.ID, nil)

	f.crawler.execute = func(ctx context.Context, taskID uint64, opts models.ScrapeOptions) (*interfaces.CrawlResult, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	args := models.ScrapeOptions{SavePartialResultsOnCancel: true}
	require.NoError(t, f.service.Execute(context.Background(), task.ID, &args))
	<-f.crawler.started

	require.NoError(t, f.service.Cancel(context.Background(), task.ID))

	// Salvage flag injected before the cooperative cancel
	value, ok := f.crawler.param(interfaces.GlobalParamSavePartialOnCancel)
	require.True(t, ok)
	assert.Equal(t, true, value)

	stored, err := f.manager.TaskStorage().Get(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusCancelled, stored.Status)

	latest, err := f.manager.HistoryStorage().GetLatest(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusCancelled, latest.Status)
	assert.NotNil(t, latest.EndTime)
	assert.False(t, latest.Success)

	finished := f.events.awaitFinished(t)
	assert.Equal(t, models.TaskStatusCancelled, finished.Status)
}

func TestExecutor_CancelStaleRunningRow(t *testing.T) {
	f := newFixture(t)
	def := f.seedCrawler(t, nil)
	task := f.seedTask(t, def.ID, nil)

	// Simulate a crash: RUNNING rows with no live execution
	err := f.manager.Update(func(tx *badgerdb.Txn) error {
		if err := f.manager.HistoryStorage().TxCreate(tx, &models.TaskHistory{
			TaskID:  task.ID,
			Status:  models.TaskStatusRunning,
			Message: "task starting",
		}); err != nil {
			return err
		}
		task.Status = models.TaskStatusRunning
		return f.manager.TaskStorage().TxUpdate(tx, task)
	})
	require.NoError(t, err)

	require.NoError(t, f.service.Cancel(context.Background(), task.ID))

	stored, err := f.manager.TaskStorage().Get(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusCancelled, stored.Status)
	assert.Equal(t, "cancelled: no live execution found", stored.LastRunMessage)

	latest, err := f.manager.HistoryStorage().GetLatest(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusCancelled, latest.Status)
	assert.NotNil(t, latest.EndTime)
}

func TestExecutor_CancelIdleTaskIsRejected(t *testing.T) {
	f := newFixture(t)
	def := f.seedCrawler(t, nil)
	task := f.seedTask(t, def.ID, nil)

	err := f.service.Cancel(context.Background(), task.ID)
	require.Error(t, err)
	assert.True(t, errors.Is(err, common.ErrNotRunning))
}

func TestExecutor_StatusFromLatestHistory(t *testing.T) {
	f := newFixture(t)
	def := f.seedCrawler(t, nil)
	task := f.seedTask(t, def.ID, nil)

	_, err := f.service.ExecuteSync(context.Background(), task.ID, nil)
	require.NoError(t, err)

	status, err := f.service.Status(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusCompleted, status.Status)
	assert.Equal(t, 100, status.Progress)
}

func TestExecutor_StatusEstimatesOrphanedRun(t *testing.T) {
	f := newFixture(t)
	def := f.seedCrawler(t, nil)
	task := f.seedTask(t, def.ID, nil)

	err := f.manager.Update(func(tx *badgerdb.Txn) error {
		return f.manager.HistoryStorage().TxCreate(tx, &models.TaskHistory{
			TaskID:    task.ID,
			StartTime: common.NowUTC().Add(-time.Minute),
			Status:    models.TaskStatusRunning,
			Message:   "task starting",
		})
	})
	require.NoError(t, err)

	status, err := f.service.Status(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusRunning, status.Status)
	assert.Greater(t, status.Progress, 0)
	assert.LessOrEqual(t, status.Progress, 95)
}

func TestExecutor_StatusWithoutHistory(t *testing.T) {
	f := newFixture(t)
	def := f.seedCrawler(t, nil)
	task := f.seedTask(t, def.ID, nil)

	status, err := f.service.Status(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusInit, status.Status)
	assert.Equal(t, 0, status.Progress)
}

func TestExecutor_TestCrawlerCapsOptions(t *testing.T) {
	f := newFixture(t)
	f.seedCrawler(t, nil)

	result, err := f.service.TestCrawler(context.Background(), "news-site", models.ScrapeOptions{
		Mode:           models.ScrapeModeFullScrape,
		MaxPages:       50,
		NumArticles:    500,
		SaveToCSV:      true,
		SaveToDatabase: true,
	})
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusCompleted, result.Status)

	opts := f.crawler.opts()
	assert.Equal(t, models.ScrapeModeLinksOnly, opts.Mode)
	assert.False(t, opts.SaveToCSV)
	assert.False(t, opts.SaveToDatabase)
	assert.LessOrEqual(t, opts.MaxPages, 3)
	assert.LessOrEqual(t, opts.NumArticles, 10)
}

func TestExecutor_TestCrawlerTimesOut(t *testing.T) {
	f := newFixture(t)
	f.seedCrawler(t, nil)
	f.service.config.TestTimeout = "50ms"

	f.crawler.execute = func(ctx context.Context, taskID uint64, opts models.ScrapeOptions) (*interfaces.CrawlResult, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	result, err := f.service.TestCrawler(context.Background(), "news-site", models.ScrapeOptions{})
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusFailed, result.Status)
	assert.Equal(t, "crawler test timed out", result.Message)
}

func TestExecutor_TestCrawlerUnknownName(t *testing.T) {
	f := newFixture(t)

	_, err := f.service.TestCrawler(context.Background(), "ghost", models.ScrapeOptions{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, common.ErrNotFound))
}

func TestExecutor_ShutdownDrainsAndRejectsNewWork(t *testing.T) {
	f := newFixture(t)
	def := f.seedCrawler(t, nil)
	task := f.seedTask(t, def.ID, nil)

	_, err := f.service.ExecuteSync(context.Background(), task.ID, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, f.service.Shutdown(ctx))

	err = f.service.Execute(context.Background(), task.ID, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, common.ErrNotRunning))
}

func TestExecutor_ShutdownDeadlineCancelsInFlight(t *testing.T) {
	f := newFixture(t)
	def := f.seedCrawler(t, nil)
	task := f.seedTask(t, def.ID, nil)

	f.crawler.execute = func(ctx context.Context, taskID uint64, opts models.ScrapeOptions) (*interfaces.CrawlResult, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	require.NoError(t, f.service.Execute(context.Background(), task.ID, nil))
	<-f.crawler.started

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := f.service.Shutdown(ctx)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestExecutor_HistoryRowRecordsStartTime(t *testing.T) {
	f := newFixture(t)
	def := f.seedCrawler(t, nil)
	task := f.seedTask(t, def.ID, nil)

	before := common.NowUTC().Add(-time.Second)
	_, err := f.service.ExecuteSync(context.Background(), task.ID, nil)
	require.NoError(t, err)

	latest, err := f.manager.HistoryStorage().GetLatest(context.Background(), task.ID)
	require.NoError(t, err)
	assert.False(t, latest.StartTime.IsZero())
	assert.True(t, latest.StartTime.After(before))
	require.NotNil(t, latest.EndTime)
	assert.False(t, latest.EndTime.Before(latest.StartTime))
}
