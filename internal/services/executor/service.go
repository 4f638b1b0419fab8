package executor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/harvester/internal/common"
	"github.com/ternarybob/harvester/internal/interfaces"
	"github.com/ternarybob/harvester/internal/models"
)

// execution start-state values for the cancel-before-start race
const (
	startPending int32 = iota
	startRunning
	startCancelled
)

const progressPollInterval = 2 * time.Second

// ConfigLoader resolves the parsed on-disk config for a crawler definition
type ConfigLoader interface {
	LoadConfigFor(crawler *models.Crawler) (*models.CrawlerConfigFile, error)
}

// execution tracks one live task run
type execution struct {
	taskID    uint64
	historyID string
	opts      models.ScrapeOptions
	cancel    context.CancelFunc
	started   int32 // startPending until the crawler begins; CAS to startCancelled wins a pre-start cancel
	done      chan struct{}

	mu       sync.Mutex
	crawler  interfaces.TaskCrawler
	progress int
	phase    models.ScrapePhase
	message  string
	result   *interfaces.ExecuteResult
	err      error
}

func (e *execution) snapshot() (int, models.ScrapePhase, string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.progress, e.phase, e.message
}

func (e *execution) set(progress int, phase models.ScrapePhase, message string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.progress = progress
	e.phase = phase
	e.message = message
}

func (e *execution) setCrawler(c interfaces.TaskCrawler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.crawler = c
}

func (e *execution) getCrawler() interfaces.TaskCrawler {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.crawler
}

// Service runs tasks on a bounded worker pool. Database writes happen in
// three disjoint short transactions (pre-check, run finalize, cancel
// finalize); crawler network I/O always runs outside any transaction.
type Service struct {
	manager  interfaces.StorageManager
	registry interfaces.CrawlerRegistry
	configs  ConfigLoader
	events   interfaces.EventService
	config   *common.ExecutorConfig
	logger   arbor.ILogger

	workers  chan struct{}
	isolated chan struct{}

	mu       sync.Mutex
	running  map[uint64]*execution
	draining bool
	wg       sync.WaitGroup
}

// NewService creates a new executor service
func NewService(
	manager interfaces.StorageManager,
	registry interfaces.CrawlerRegistry,
	configs ConfigLoader,
	events interfaces.EventService,
	config *common.ExecutorConfig,
	logger arbor.ILogger,
) *Service {
	workers := config.Workers
	if workers <= 0 {
		workers = 10
	}
	isolated := config.IsolatedWorkers
	if isolated <= 0 {
		isolated = 5
	}

	return &Service{
		manager:  manager,
		registry: registry,
		configs:  configs,
		events:   events,
		config:   config,
		logger:   logger,
		workers:  make(chan struct{}, workers),
		isolated: make(chan struct{}, isolated),
		running:  make(map[uint64]*execution),
	}
}

// Execute submits a task for asynchronous execution
func (s *Service) Execute(ctx context.Context, taskID uint64, args *models.ScrapeOptions) error {
	_, err := s.start(ctx, taskID, args)
	return err
}

// ExecuteSync runs a task and blocks until its terminal outcome
func (s *Service) ExecuteSync(ctx context.Context, taskID uint64, args *models.ScrapeOptions) (*interfaces.ExecuteResult, error) {
	exec, err := s.start(ctx, taskID, args)
	if err != nil {
		return nil, err
	}

	select {
	case <-exec.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	exec.mu.Lock()
	defer exec.mu.Unlock()
	if exec.err != nil {
		return nil, exec.err
	}
	return exec.result, nil
}

// start runs the pre-check transaction, registers the execution, and hands it
// to the worker pool.
func (s *Service) start(ctx context.Context, taskID uint64, args *models.ScrapeOptions) (*execution, error) {
	s.mu.Lock()
	if s.draining {
		s.mu.Unlock()
		return nil, fmt.Errorf("executor is shutting down: %w", common.ErrNotRunning)
	}
	if _, live := s.running[taskID]; live {
		s.mu.Unlock()
		return nil, fmt.Errorf("task %d: %w", taskID, common.ErrAlreadyRunning)
	}
	s.mu.Unlock()

	var task *models.Task
	history := &models.TaskHistory{
		StartTime: common.NowUTC(),
		Status:    models.TaskStatusRunning,
		Message:   "task starting",
	}

	// Pre-check transaction: reject inactive and concurrently running tasks,
	// open the running history row, and flip the task to RUNNING.
	err := s.manager.Update(func(tx *badger.Txn) error {
		loaded, err := s.manager.TaskStorage().TxGet(tx, taskID)
		if err != nil {
			return err
		}
		if !loaded.IsActive {
			return common.NewValidationError("is_active", fmt.Sprintf("task %d is not active", taskID))
		}
		if loaded.Status == models.TaskStatusRunning {
			return fmt.Errorf("task %d: %w", taskID, common.ErrAlreadyRunning)
		}

		history.TaskID = taskID
		if err := s.manager.HistoryStorage().TxCreate(tx, history); err != nil {
			return err
		}

		loaded.Status = models.TaskStatusRunning
		loaded.ScrapePhase = models.ScrapePhaseInit
		if err := s.manager.TaskStorage().TxUpdate(tx, loaded); err != nil {
			return err
		}
		task = loaded
		return nil
	})
	if err != nil {
		return nil, err
	}

	opts := task.Args
	if args != nil {
		opts = *args
	}
	if opts.Mode == "" {
		opts.Mode = task.ScrapeMode
	}
	opts = opts.ApplyDefaults()

	runCtx, cancel := context.WithCancel(context.Background())
	if opts.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(context.Background(), opts.Timeout)
	}

	exec := &execution{
		taskID:    taskID,
		historyID: history.ID,
		opts:      opts,
		cancel:    cancel,
		done:      make(chan struct{}),
		progress:  5,
		phase:     models.ScrapePhaseInit,
		message:   "task starting",
	}

	s.mu.Lock()
	if _, live := s.running[taskID]; live {
		s.mu.Unlock()
		cancel()
		return nil, fmt.Errorf("task %d: %w", taskID, common.ErrAlreadyRunning)
	}
	s.running[taskID] = exec
	s.mu.Unlock()

	s.publishProgress(exec, models.TaskStatusRunning)

	s.logger.Info().
		Int64("task_id", int64(taskID)).
		Str("history_id", history.ID).
		Str("scrape_mode", string(opts.Mode)).
		Msg("Task execution submitted")

	s.wg.Add(1)
	go s.run(runCtx, exec, task)
	return exec, nil
}

// run executes the crawl on a pooled worker and finalizes the outcome
func (s *Service) run(ctx context.Context, exec *execution, task *models.Task) {
	defer s.wg.Done()
	defer exec.cancel()
	defer close(exec.done)
	defer func() {
		s.mu.Lock()
		delete(s.running, exec.taskID)
		s.mu.Unlock()
	}()

	s.workers <- struct{}{}
	defer func() { <-s.workers }()

	// A cancel that landed before the worker picked this up wins
	if !atomic.CompareAndSwapInt32(&exec.started, startPending, startRunning) {
		s.logger.Info().Int64("task_id", int64(exec.taskID)).Msg("Task cancelled before start")
		return
	}

	crawler, err := s.buildCrawler(ctx, task)
	if err != nil {
		s.finalize(exec, &interfaces.CrawlResult{Success: false, Message: err.Error()}, models.TaskStatusFailed)
		exec.mu.Lock()
		exec.err = err
		exec.mu.Unlock()
		return
	}
	exec.setCrawler(crawler)

	pollerDone := make(chan struct{})
	go s.pollProgress(ctx, exec, pollerDone)

	result, err := crawler.ExecuteTask(ctx, exec.taskID, exec.opts)
	close(pollerDone)

	switch {
	case err != nil && errors.Is(err, context.Canceled):
		// Cancel finalizes its own transaction; nothing to write here
		s.logger.Info().Int64("task_id", int64(exec.taskID)).Msg("Task execution cancelled")
	case err != nil:
		s.finalize(exec, &interfaces.CrawlResult{Success: false, Message: err.Error()}, models.TaskStatusFailed)
		exec.mu.Lock()
		exec.err = err
		exec.mu.Unlock()
	case atomic.LoadInt32(&exec.started) == startCancelled:
		// Crawler returned after acknowledging cancel; the cancel path owns the rows
		s.logger.Info().Int64("task_id", int64(exec.taskID)).Int("articles", result.ArticlesCount).Msg("Cancelled crawl drained")
	case result.Success:
		s.finalize(exec, result, models.TaskStatusCompleted)
	default:
		s.finalize(exec, result, models.TaskStatusFailed)
	}
}

// buildCrawler loads the definition and config in a read transaction and
// resolves the registered implementation.
func (s *Service) buildCrawler(ctx context.Context, task *models.Task) (interfaces.TaskCrawler, error) {
	var def *models.Crawler
	err := s.manager.View(func(tx *badger.Txn) error {
		loaded, err := s.manager.CrawlerStorage().TxGet(tx, task.CrawlerID)
		if err != nil {
			return err
		}
		def = loaded
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("crawler for task %d: %w", task.ID, err)
	}
	if !def.IsActive {
		return nil, common.NewValidationError("crawler_id", fmt.Sprintf("crawler %q is not active", def.Name))
	}

	cfg, err := s.configs.LoadConfigFor(def)
	if err != nil {
		return nil, err
	}
	return s.registry.New(def, cfg)
}

// finalize writes the terminal transaction: close the running history row and
// mirror the outcome onto the task. Then it emits the terminal events.
func (s *Service) finalize(exec *execution, result *interfaces.CrawlResult, status models.TaskStatus) {
	now := common.NowUTC()

	err := s.manager.Update(func(tx *badger.Txn) error {
		history, err := s.manager.HistoryStorage().TxGetRunning(tx, exec.taskID)
		if err != nil {
			if errors.Is(err, common.ErrNotFound) {
				return nil
			}
			return err
		}
		history.EndTime = &now
		history.Status = status
		history.Message = result.Message
		history.ArticlesCount = result.ArticlesCount
		history.Success = status == models.TaskStatusCompleted
		if err := s.manager.HistoryStorage().TxUpdate(tx, history); err != nil {
			return err
		}

		task, err := s.manager.TaskStorage().TxGet(tx, exec.taskID)
		if err != nil {
			return err
		}
		success := status == models.TaskStatusCompleted
		task.Status = status
		task.ScrapePhase = models.PhaseForStatus(status)
		task.LastRunAt = &now
		task.LastRunSuccess = &success
		task.LastRunMessage = result.Message
		return s.manager.TaskStorage().TxUpdate(tx, task)
	})
	if err != nil {
		s.logger.Error().Err(err).Int64("task_id", int64(exec.taskID)).Msg("Failed to finalize task execution")
	}

	exec.mu.Lock()
	exec.progress = 100
	exec.phase = models.PhaseForStatus(status)
	exec.message = result.Message
	exec.result = &interfaces.ExecuteResult{
		TaskID:        exec.taskID,
		Status:        status,
		Success:       status == models.TaskStatusCompleted,
		Message:       result.Message,
		ArticlesCount: result.ArticlesCount,
	}
	exec.mu.Unlock()

	s.publishProgress(exec, status)
	s.publishFinished(exec.taskID, status)

	s.logger.Info().
		Int64("task_id", int64(exec.taskID)).
		Str("status", string(status)).
		Int("articles", result.ArticlesCount).
		Msg("Task execution finished")
}

// Cancel cooperatively cancels a running task
func (s *Service) Cancel(ctx context.Context, taskID uint64) error {
	s.mu.Lock()
	exec, live := s.running[taskID]
	s.mu.Unlock()

	if !live {
		// Nothing in memory. A stale RUNNING row from a previous process is
		// closed as cancelled so the task is not stuck.
		return s.cancelStale(taskID)
	}

	// Winning the pre-start race means the worker never runs the crawl
	preStart := atomic.CompareAndSwapInt32(&exec.started, startPending, startCancelled)
	if !preStart {
		atomic.StoreInt32(&exec.started, startCancelled)
	}

	crawler := exec.getCrawler()
	acknowledged := preStart
	if crawler != nil {
		if exec.opts.SavePartialResultsOnCancel {
			crawler.SetGlobalParam(interfaces.GlobalParamSavePartialOnCancel, true)
		}
		if exec.opts.SavePartialToDatabase {
			crawler.SetGlobalParam(interfaces.GlobalParamSavePartialToDatabase, true)
		}
		acknowledged = crawler.CancelTask(taskID)
	}
	exec.cancel()

	message := "task cancelled"
	if !acknowledged && !preStart {
		message = "could not cancel: crawler did not acknowledge, execution abandoned"
	}

	now := common.NowUTC()
	err := s.manager.Update(func(tx *badger.Txn) error {
		task, err := s.manager.TaskStorage().TxGet(tx, taskID)
		if err != nil {
			return err
		}

		history, err := s.manager.HistoryStorage().TxGetRunning(tx, taskID)
		if err != nil {
			if !errors.Is(err, common.ErrNotFound) {
				return err
			}
			// No open row; synthesize a terminal record of the cancel,
			// dated from the last recorded run start
			history = &models.TaskHistory{TaskID: taskID, StartTime: now, Status: models.TaskStatusRunning, Message: message}
			if task.LastRunAt != nil {
				history.StartTime = *task.LastRunAt
			}
			if err := s.manager.HistoryStorage().TxCreate(tx, history); err != nil {
				return err
			}
		}
		history.EndTime = &now
		history.Status = models.TaskStatusCancelled
		history.Message = message
		history.Success = false
		if err := s.manager.HistoryStorage().TxUpdate(tx, history); err != nil {
			return err
		}

		success := false
		task.Status = models.TaskStatusCancelled
		task.ScrapePhase = models.ScrapePhaseCancelled
		task.LastRunAt = &now
		task.LastRunSuccess = &success
		task.LastRunMessage = message
		return s.manager.TaskStorage().TxUpdate(tx, task)
	})
	if err != nil {
		return err
	}

	exec.mu.Lock()
	exec.progress = 100
	exec.phase = models.ScrapePhaseCancelled
	exec.message = message
	exec.result = &interfaces.ExecuteResult{
		TaskID:  taskID,
		Status:  models.TaskStatusCancelled,
		Message: message,
	}
	exec.mu.Unlock()

	s.publishProgress(exec, models.TaskStatusCancelled)
	s.publishFinished(taskID, models.TaskStatusCancelled)

	s.logger.Info().
		Int64("task_id", int64(taskID)).
		Bool("acknowledged", acknowledged).
		Msg("Task cancel processed")
	return nil
}

// cancelStale closes an orphaned RUNNING state with no live execution
func (s *Service) cancelStale(taskID uint64) error {
	var cancelled bool
	now := common.NowUTC()

	err := s.manager.Update(func(tx *badger.Txn) error {
		task, err := s.manager.TaskStorage().TxGet(tx, taskID)
		if err != nil {
			return err
		}
		if task.Status != models.TaskStatusRunning {
			return fmt.Errorf("task %d: %w", taskID, common.ErrNotRunning)
		}

		history, err := s.manager.HistoryStorage().TxGetRunning(tx, taskID)
		if err == nil {
			history.EndTime = &now
			history.Status = models.TaskStatusCancelled
			history.Message = "cancelled: no live execution found"
			history.Success = false
			if err := s.manager.HistoryStorage().TxUpdate(tx, history); err != nil {
				return err
			}
		} else if !errors.Is(err, common.ErrNotFound) {
			return err
		}

		success := false
		task.Status = models.TaskStatusCancelled
		task.ScrapePhase = models.ScrapePhaseCancelled
		task.LastRunAt = &now
		task.LastRunSuccess = &success
		task.LastRunMessage = "cancelled: no live execution found"
		cancelled = true
		return s.manager.TaskStorage().TxUpdate(tx, task)
	})
	if err != nil {
		return err
	}
	if cancelled {
		s.publishFinished(taskID, models.TaskStatusCancelled)
		s.logger.Warn().Int64("task_id", int64(taskID)).Msg("Cancelled stale running task with no live execution")
	}
	return nil
}

// Status reports merged live/durable state for a task. In-memory executor
// state wins while the task is live; otherwise the latest history row decides,
// with a time-based progress estimate for orphaned running rows.
func (s *Service) Status(ctx context.Context, taskID uint64) (*interfaces.ExecutionStatus, error) {
	s.mu.Lock()
	exec, live := s.running[taskID]
	s.mu.Unlock()

	if live {
		progress, phase, message := exec.snapshot()
		if crawler := exec.getCrawler(); crawler != nil {
			if p, ok := crawler.Progress(taskID); ok {
				progress, phase, message = p.Progress, p.Phase, p.Message
			}
		}
		return &interfaces.ExecutionStatus{
			TaskID:      taskID,
			Status:      models.TaskStatusRunning,
			ScrapePhase: phase,
			Progress:    progress,
			Message:     message,
		}, nil
	}

	task, err := s.manager.TaskStorage().Get(ctx, taskID)
	if err != nil {
		return nil, err
	}

	latest, err := s.manager.HistoryStorage().GetLatest(ctx, taskID)
	if err != nil {
		if !errors.Is(err, common.ErrNotFound) {
			return nil, err
		}
		return &interfaces.ExecutionStatus{
			TaskID:      taskID,
			Status:      task.Status,
			ScrapePhase: task.ScrapePhase,
			Message:     task.LastRunMessage,
		}, nil
	}

	if latest.IsRunning() {
		// Orphaned running row: estimate progress from elapsed time against a
		// five minute nominal run, capped below completion.
		elapsed := time.Since(latest.StartTime)
		progress := int(elapsed.Seconds() / 300 * 100)
		if progress > 95 {
			progress = 95
		}
		return &interfaces.ExecutionStatus{
			TaskID:      taskID,
			Status:      models.TaskStatusRunning,
			ScrapePhase: task.ScrapePhase,
			Progress:    progress,
			Message:     latest.Message,
		}, nil
	}

	return &interfaces.ExecutionStatus{
		TaskID:      taskID,
		Status:      latest.Status,
		ScrapePhase: models.PhaseForStatus(latest.Status),
		Progress:    100,
		Message:     latest.Message,
	}, nil
}

// RunningTasks returns the ids currently in flight, sorted
func (s *Service) RunningTasks() []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]uint64, 0, len(s.running))
	for id := range s.running {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// CollectLinksOnly runs the task with the scrape mode forced to links_only
func (s *Service) CollectLinksOnly(ctx context.Context, taskID uint64) error {
	return s.executeWithMode(ctx, taskID, models.ScrapeModeLinksOnly)
}

// FetchContentOnly runs the task with the scrape mode forced to content_only
func (s *Service) FetchContentOnly(ctx context.Context, taskID uint64) error {
	return s.executeWithMode(ctx, taskID, models.ScrapeModeContentOnly)
}

// FetchFullArticle runs the task with the scrape mode forced to full_scrape
func (s *Service) FetchFullArticle(ctx context.Context, taskID uint64) error {
	return s.executeWithMode(ctx, taskID, models.ScrapeModeFullScrape)
}

func (s *Service) executeWithMode(ctx context.Context, taskID uint64, mode models.ScrapeMode) error {
	task, err := s.manager.TaskStorage().Get(ctx, taskID)
	if err != nil {
		return err
	}
	args := task.Args.WithMode(mode)
	return s.Execute(ctx, taskID, &args)
}

// TestCrawler dry-runs a crawler by name: task id zero, links-only, no
// persistence, capped volume, bounded by the test timeout. Dry runs use the
// isolated pool so they never starve scheduled work.
func (s *Service) TestCrawler(ctx context.Context, crawlerName string, opts models.ScrapeOptions) (*interfaces.ExecuteResult, error) {
	def, err := s.manager.CrawlerStorage().GetByName(ctx, crawlerName)
	if err != nil {
		return nil, err
	}

	cfg, err := s.configs.LoadConfigFor(def)
	if err != nil {
		return nil, err
	}

	crawler, err := s.registry.New(def, cfg)
	if err != nil {
		return nil, err
	}

	opts = opts.ApplyDefaults()
	opts.Mode = models.ScrapeModeLinksOnly
	opts.SaveToCSV = false
	opts.SaveToDatabase = false
	opts.SavePartialResultsOnCancel = false
	opts.SavePartialToDatabase = false
	if max := 3; opts.MaxPages > max {
		opts.MaxPages = max
	}
	if max := 10; opts.NumArticles > max {
		opts.NumArticles = max
	}

	select {
	case s.isolated <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-s.isolated }()

	runCtx, cancel := context.WithTimeout(ctx, s.config.TestTimeoutDuration())
	defer cancel()

	s.logger.Info().Str("crawler_name", crawlerName).Msg("Crawler dry run started")

	result, err := crawler.ExecuteTask(runCtx, 0, opts)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return &interfaces.ExecuteResult{
				Status:  models.TaskStatusFailed,
				Message: "crawler test timed out",
			}, nil
		}
		return nil, err
	}

	status := models.TaskStatusCompleted
	if !result.Success {
		status = models.TaskStatusFailed
	}
	return &interfaces.ExecuteResult{
		Status:        status,
		Success:       result.Success,
		Message:       result.Message,
		ArticlesCount: result.ArticlesCount,
	}, nil
}

// Shutdown stops accepting work and drains in-flight executions until ctx
// expires, then cancels whatever is left.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.draining = true
	s.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		s.logger.Info().Msg("Executor drained cleanly")
		return nil
	case <-ctx.Done():
	}

	s.mu.Lock()
	for _, exec := range s.running {
		exec.cancel()
	}
	count := len(s.running)
	s.mu.Unlock()

	s.logger.Warn().Int("abandoned", count).Msg("Executor shutdown deadline reached, cancelling in-flight tasks")
	return ctx.Err()
}

// pollProgress mirrors crawler progress into the execution and publishes
// progress events until the run ends.
func (s *Service) pollProgress(ctx context.Context, exec *execution, done <-chan struct{}) {
	ticker := time.NewTicker(progressPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			crawler := exec.getCrawler()
			if crawler == nil {
				continue
			}
			p, ok := crawler.Progress(exec.taskID)
			if !ok {
				continue
			}
			exec.set(p.Progress, p.Phase, p.Message)
			s.publishProgress(exec, models.TaskStatusRunning)
		}
	}
}

func (s *Service) publishProgress(exec *execution, status models.TaskStatus) {
	progress, phase, message := exec.snapshot()
	payload := models.TaskProgressEvent{
		TaskID:      exec.taskID,
		Progress:    progress,
		Status:      status,
		ScrapePhase: phase,
		Message:     message,
	}
	exec.mu.Lock()
	if exec.result != nil {
		count := exec.result.ArticlesCount
		payload.ArticlesCount = &count
	}
	exec.mu.Unlock()

	s.events.Publish(models.TaskRoom(exec.taskID), interfaces.Event{
		Name:    models.EventTaskProgress,
		Payload: payload,
	})
}

func (s *Service) publishFinished(taskID uint64, status models.TaskStatus) {
	s.events.Publish(models.TaskRoom(taskID), interfaces.Event{
		Name:    models.EventTaskFinished,
		Payload: models.TaskFinishedEvent{TaskID: taskID, Status: status},
	})
}
