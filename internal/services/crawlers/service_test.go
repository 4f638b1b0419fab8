package crawlers

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/harvester/internal/common"
	crawlerimpl "github.com/ternarybob/harvester/internal/crawlers"
	"github.com/ternarybob/harvester/internal/interfaces"
	"github.com/ternarybob/harvester/internal/models"
	badgerstore "github.com/ternarybob/harvester/internal/storage/badger"
)

const validConfigJSON = `{
	"site_name": "Example News",
	"base_url": "https://news.example.com",
	"list_url_template": "{base_url}/{category}?page={page}",
	"categories": {"politics": "politics"},
	"crawler_settings": {"max_retries": 2, "retry_delay": 1.0, "timeout": 30.0}
}`

func newTestService(t *testing.T) (*Service, interfaces.StorageManager, string) {
	t.Helper()

	manager, err := badgerstore.NewManager(arbor.NewLogger(), &common.BadgerConfig{Path: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { manager.Close() })

	registry := crawlerimpl.NewRegistry(arbor.NewLogger())
	require.NoError(t, crawlerimpl.RegisterDefaults(registry, crawlerimpl.WebOptions{}))

	configsDir := t.TempDir()
	service := NewService(manager, registry, configsDir, arbor.NewLogger())
	return service, manager, configsDir
}

func validCrawler(name string) *models.Crawler {
	return &models.Crawler{
		Name:     name,
		Type:     "web",
		BaseURL:  "https://news.example.com",
		IsActive: true,
	}
}

func TestCrawlerService_CreateWritesConfigFile(t *testing.T) {
	service, _, configsDir := newTestService(t)

	created, err := service.Create(context.Background(), validCrawler("Example News"), []byte(validConfigJSON))
	require.NoError(t, err)
	assert.NotZero(t, created.ID)
	assert.Equal(t, "example_news.json", created.ConfigFileName)

	data, err := os.ReadFile(filepath.Join(configsDir, created.ConfigFileName))
	require.NoError(t, err)
	cfg, err := models.ParseCrawlerConfig(data)
	require.NoError(t, err)
	assert.Equal(t, "https://news.example.com", cfg.BaseURL)
}

func TestCrawlerService_CreateRejectsUnknownType(t *testing.T) {
	service, _, _ := newTestService(t)

	crawler := validCrawler("ghost")
	crawler.Type = "teleporter"
	_, err := service.Create(context.Background(), crawler, nil)
	require.Error(t, err)

	var validationErr *common.ValidationError
	require.True(t, errors.As(err, &validationErr))
	assert.Equal(t, "crawler_type", validationErr.Field)
}

func TestCrawlerService_CreateRejectsInvalidConfig(t *testing.T) {
	service, _, configsDir := newTestService(t)

	_, err := service.Create(context.Background(), validCrawler("broken"), []byte(`{"base_url": ""}`))
	require.Error(t, err)

	var validationErr *common.ValidationError
	assert.True(t, errors.As(err, &validationErr))

	// Nothing written on validation failure
	entries, err := os.ReadDir(configsDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestCrawlerService_CreateCompensatesConfigOnInsertFailure(t *testing.T) {
	service, _, configsDir := newTestService(t)

	_, err := service.Create(context.Background(), validCrawler("dupe"), []byte(validConfigJSON))
	require.NoError(t, err)

	// Same name violates the unique index; the config file write is undone.
	// The duplicate carries its own file name so the first crawler's file
	// is untouched.
	second := validCrawler("dupe")
	second.ConfigFileName = "dupe_second.json"
	_, err = service.Create(context.Background(), second, []byte(validConfigJSON))
	require.Error(t, err)

	_, statErr := os.Stat(filepath.Join(configsDir, "dupe_second.json"))
	assert.True(t, os.IsNotExist(statErr))
	_, statErr = os.Stat(filepath.Join(configsDir, "dupe.json"))
	assert.NoError(t, statErr)
}

func TestCrawlerService_CreateOrUpdate(t *testing.T) {
	service, _, _ := newTestService(t)

	first, created, err := service.CreateOrUpdate(context.Background(), validCrawler("upsert-me"), []byte(validConfigJSON))
	require.NoError(t, err)
	assert.True(t, created)

	edit := validCrawler("upsert-me")
	edit.BaseURL = "https://changed.example.com"
	second, created, err := service.CreateOrUpdate(context.Background(), edit, nil)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "https://changed.example.com", second.BaseURL)

	// The existing config file name survives an update without config bytes
	assert.Equal(t, first.ConfigFileName, second.ConfigFileName)
}

func TestCrawlerService_DeleteRefusedWhileReferenced(t *testing.T) {
	service, manager, _ := newTestService(t)

	created, err := service.Create(context.Background(), validCrawler("referenced"), nil)
	require.NoError(t, err)

	task := &models.Task{
		Name:       "uses crawler",
		CrawlerID:  created.ID,
		IsActive:   true,
		ScrapeMode: models.ScrapeModeFullScrape,
	}
	err = manager.Update(func(tx *badgerdb.Txn) error {
		return manager.TaskStorage().TxCreate(tx, task)
	})
	require.NoError(t, err)

	err = service.Delete(context.Background(), created.ID)
	require.Error(t, err)

	var validationErr *common.ValidationError
	assert.True(t, errors.As(err, &validationErr))

	// Removing the task unblocks the delete
	err = manager.Update(func(tx *badgerdb.Txn) error {
		return manager.TaskStorage().TxDelete(tx, task.ID)
	})
	require.NoError(t, err)
	require.NoError(t, service.Delete(context.Background(), created.ID))

	_, err = service.Get(context.Background(), created.ID)
	assert.True(t, errors.Is(err, common.ErrNotFound))
}

func TestCrawlerService_DeleteRemovesConfigFile(t *testing.T) {
	service, _, configsDir := newTestService(t)

	created, err := service.Create(context.Background(), validCrawler("tidy"), []byte(validConfigJSON))
	require.NoError(t, err)

	path := filepath.Join(configsDir, created.ConfigFileName)
	_, err = os.Stat(path)
	require.NoError(t, err)

	require.NoError(t, service.Delete(context.Background(), created.ID))

	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestCrawlerService_LoadConfig(t *testing.T) {
	service, _, _ := newTestService(t)

	created, err := service.Create(context.Background(), validCrawler("loaded"), []byte(validConfigJSON))
	require.NoError(t, err)

	cfg, err := service.LoadConfig(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, "Example News", cfg.SiteName)
	assert.Equal(t, 2, cfg.Settings.MaxRetries)
}

func TestCrawlerService_LoadConfigMissingFile(t *testing.T) {
	service, _, _ := newTestService(t)

	// No config bytes means no file on disk
	created, err := service.Create(context.Background(), validCrawler("fileless"), nil)
	require.NoError(t, err)

	_, err = service.LoadConfig(context.Background(), created.ID)
	require.Error(t, err)
	assert.True(t, errors.Is(err, common.ErrNotFound))

	// A dangling file name is also not found
	created.ConfigFileName = "gone.json"
	_, err = service.LoadConfigFor(created)
	require.Error(t, err)
	assert.True(t, errors.Is(err, common.ErrNotFound))
}

func TestCrawlerService_ToggleAndStatistics(t *testing.T) {
	service, _, _ := newTestService(t)

	first, err := service.Create(context.Background(), validCrawler("first"), nil)
	require.NoError(t, err)
	_, err = service.Create(context.Background(), validCrawler("second"), nil)
	require.NoError(t, err)

	toggled, err := service.ToggleActive(context.Background(), first.ID, nil)
	require.NoError(t, err)
	assert.False(t, toggled.IsActive)

	stats, err := service.Statistics(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 1, stats.Active)
	assert.Equal(t, 1, stats.Inactive)
	assert.Equal(t, 2, stats.ByType["web"])
}

func TestCrawlerService_RegisteredTypes(t *testing.T) {
	service, _, _ := newTestService(t)

	assert.Equal(t, []string{"web"}, service.RegisteredTypes())
}

func TestSanitizeFileName(t *testing.T) {
	assert.Equal(t, "example_news", sanitizeFileName("Example News"))
	assert.Equal(t, "abc_123", sanitizeFileName("ABC-123"))
	assert.Equal(t, "spaced_out", sanitizeFileName("  Spaced Out!  "))
}
