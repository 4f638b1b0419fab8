package app

import (
	"context"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/harvester/internal/common"
	"github.com/ternarybob/harvester/internal/crawlers"
	"github.com/ternarybob/harvester/internal/handlers"
	"github.com/ternarybob/harvester/internal/interfaces"
	crawlersvc "github.com/ternarybob/harvester/internal/services/crawlers"
	"github.com/ternarybob/harvester/internal/services/events"
	"github.com/ternarybob/harvester/internal/services/executor"
	"github.com/ternarybob/harvester/internal/services/scheduler"
	"github.com/ternarybob/harvester/internal/services/tasks"
	"github.com/ternarybob/harvester/internal/storage"
)

const shutdownDrainTimeout = 30 * time.Second

// App holds all application services and handlers
type App struct {
	Config *common.Config
	Logger arbor.ILogger

	StorageManager interfaces.StorageManager
	EventService   interfaces.EventService
	Registry       interfaces.CrawlerRegistry
	TaskService    *tasks.Service
	CrawlerService *crawlersvc.Service
	Executor       interfaces.ExecutorService
	Scheduler      interfaces.SchedulerService

	APIHandler       *handlers.APIHandler
	TaskHandler      *handlers.TaskHandler
	CrawlerHandler   *handlers.CrawlerHandler
	SchedulerHandler *handlers.SchedulerHandler
	WSHandler        *handlers.WebSocketHandler
}

// New wires the application: storage, event bus, crawler registry, executor,
// scheduler, and the HTTP handlers on top of them.
func New(config *common.Config, logger arbor.ILogger) (*App, error) {
	manager, err := storage.NewStorageManager(logger, config)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	eventService := events.NewService(logger)

	registry := crawlers.NewRegistry(logger)
	err = crawlers.RegisterDefaults(registry, crawlers.WebOptions{
		UserAgent:      config.Crawler.UserAgent,
		RequestDelay:   config.Crawler.RequestDelay,
		RequestTimeout: config.Crawler.RequestTimeout,
	})
	if err != nil {
		manager.Close()
		return nil, fmt.Errorf("failed to register crawlers: %w", err)
	}

	taskService := tasks.NewService(manager, logger)
	crawlerService := crawlersvc.NewService(manager, registry, config.Crawler.ConfigsDir, logger)

	executorService := executor.NewService(manager, registry, crawlerService, eventService, &config.Executor, logger)
	schedulerService := scheduler.NewService(manager, executorService, &config.Scheduler, logger)
	taskService.SetScheduler(schedulerService)

	app := &App{
		Config:         config,
		Logger:         logger,
		StorageManager: manager,
		EventService:   eventService,
		Registry:       registry,
		TaskService:    taskService,
		CrawlerService: crawlerService,
		Executor:       executorService,
		Scheduler:      schedulerService,

		APIHandler:       handlers.NewAPIHandler(manager, schedulerService, logger),
		TaskHandler:      handlers.NewTaskHandler(taskService, executorService, logger),
		CrawlerHandler:   handlers.NewCrawlerHandler(crawlerService, executorService, logger),
		SchedulerHandler: handlers.NewSchedulerHandler(schedulerService, logger),
		WSHandler:        handlers.NewWebSocketHandler(eventService, &config.WebSocket, logger),
	}
	return app, nil
}

// Start brings up the scheduler. Storage and executor are ready from New.
func (a *App) Start() error {
	if err := a.Scheduler.Start(); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}
	return nil
}

// Shutdown stops components in dependency order: no new triggers, drain the
// executor, close the bus, then the database.
func (a *App) Shutdown(ctx context.Context) error {
	var firstErr error

	if a.Scheduler.IsRunning() {
		if err := a.Scheduler.Stop(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	drainCtx, cancel := context.WithTimeout(ctx, shutdownDrainTimeout)
	defer cancel()
	if err := a.Executor.Shutdown(drainCtx); err != nil && firstErr == nil {
		firstErr = err
	}

	if err := a.EventService.Close(); err != nil && firstErr == nil {
		firstErr = err
	}

	if err := a.StorageManager.Close(); err != nil && firstErr == nil {
		firstErr = err
	}

	a.Logger.Info().Msg("Application shutdown complete")
	return firstErr
}
