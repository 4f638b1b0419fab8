package crawlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/harvester/internal/common"
	"github.com/ternarybob/harvester/internal/interfaces"
	"github.com/ternarybob/harvester/internal/models"
)

// Statistics summarizes the crawler catalog
type Statistics struct {
	Total    int            `json:"total"`
	Active   int            `json:"active"`
	Inactive int            `json:"inactive"`
	ByType   map[string]int `json:"by_type"`
}

// BatchToggleResult reports the per-crawler outcome of a batch activation change
type BatchToggleResult struct {
	Updated []uint64          `json:"updated"`
	Errors  map[uint64]string `json:"errors,omitempty"`
}

// Service owns crawler definitions and their on-disk JSON config files. The
// definition row and the config file are kept in step: a create or update that
// carries config bytes writes the file before committing the row, and a delete
// removes the file after the row is gone.
type Service struct {
	manager    interfaces.StorageManager
	registry   interfaces.CrawlerRegistry
	configsDir string
	logger     arbor.ILogger
}

// NewService creates a new crawler service
func NewService(manager interfaces.StorageManager, registry interfaces.CrawlerRegistry, configsDir string, logger arbor.ILogger) *Service {
	return &Service{
		manager:    manager,
		registry:   registry,
		configsDir: configsDir,
		logger:     logger,
	}
}

// Create validates and persists a new crawler definition. When configData is
// non-nil it is validated and written to the configs directory under the
// definition's ConfigFileName.
func (s *Service) Create(ctx context.Context, crawler *models.Crawler, configData []byte) (*models.Crawler, error) {
	if err := s.manager.CrawlerStorage().Validate(crawler, interfaces.ValidationCreate); err != nil {
		return nil, err
	}
	if crawler.Type != "" && !s.registry.Has(crawler.Type) {
		return nil, common.NewValidationError("crawler_type", fmt.Sprintf("unknown crawler type %q, registered types: %s", crawler.Type, strings.Join(s.registry.Types(), ", ")))
	}

	if configData != nil {
		if err := s.writeConfigFile(crawler, configData); err != nil {
			return nil, err
		}
	}

	err := s.manager.Update(func(tx *badger.Txn) error {
		return s.manager.CrawlerStorage().TxCreate(tx, crawler)
	})
	if err != nil {
		if configData != nil {
			s.removeConfigFile(crawler.ConfigFileName)
		}
		return nil, err
	}

	s.logger.Info().
		Int64("crawler_id", int64(crawler.ID)).
		Str("crawler_name", crawler.Name).
		Str("crawler_type", crawler.Type).
		Msg("Crawler created")
	return crawler, nil
}

// Update validates and persists changes to an existing crawler definition
func (s *Service) Update(ctx context.Context, crawler *models.Crawler, configData []byte) (*models.Crawler, error) {
	if err := s.manager.CrawlerStorage().Validate(crawler, interfaces.ValidationUpdate); err != nil {
		return nil, err
	}

	if configData != nil {
		if err := s.writeConfigFile(crawler, configData); err != nil {
			return nil, err
		}
	}

	err := s.manager.Update(func(tx *badger.Txn) error {
		existing, err := s.manager.CrawlerStorage().TxGet(tx, crawler.ID)
		if err != nil {
			return err
		}
		crawler.CreatedAt = existing.CreatedAt
		if crawler.ConfigFileName == "" {
			crawler.ConfigFileName = existing.ConfigFileName
		}
		return s.manager.CrawlerStorage().TxUpdate(tx, crawler)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().Int64("crawler_id", int64(crawler.ID)).Msg("Crawler updated")
	return crawler, nil
}

// CreateOrUpdate upserts a crawler definition keyed by name
func (s *Service) CreateOrUpdate(ctx context.Context, crawler *models.Crawler, configData []byte) (*models.Crawler, bool, error) {
	existing, err := s.manager.CrawlerStorage().GetByName(ctx, crawler.Name)
	if err != nil {
		if !errors.Is(err, common.ErrNotFound) {
			return nil, false, err
		}
		created, err := s.Create(ctx, crawler, configData)
		return created, true, err
	}

	crawler.ID = existing.ID
	updated, err := s.Update(ctx, crawler, configData)
	return updated, false, err
}

// Get loads a crawler definition by id
func (s *Service) Get(ctx context.Context, id uint64) (*models.Crawler, error) {
	return s.manager.CrawlerStorage().Get(ctx, id)
}

// GetByName loads a crawler definition by exact name
func (s *Service) GetByName(ctx context.Context, name string) (*models.Crawler, error) {
	return s.manager.CrawlerStorage().GetByName(ctx, name)
}

// Delete removes a crawler definition and its config file. Deletion is
// refused while tasks reference the crawler.
func (s *Service) Delete(ctx context.Context, id uint64) error {
	crawler, err := s.manager.CrawlerStorage().Get(ctx, id)
	if err != nil {
		return err
	}

	tasks, err := s.manager.TaskStorage().List(ctx, nil)
	if err != nil {
		return err
	}
	for _, task := range tasks {
		if task.CrawlerID == id {
			return common.NewValidationError("crawler_id", fmt.Sprintf("crawler %d is referenced by task %d (%s)", id, task.ID, task.Name))
		}
	}

	err = s.manager.Update(func(tx *badger.Txn) error {
		return s.manager.CrawlerStorage().TxDelete(tx, id)
	})
	if err != nil {
		return err
	}

	s.removeConfigFile(crawler.ConfigFileName)

	s.logger.Info().Int64("crawler_id", int64(id)).Str("crawler_name", crawler.Name).Msg("Crawler deleted")
	return nil
}

// List returns all crawler definitions ordered by name
func (s *Service) List(ctx context.Context) ([]*models.Crawler, error) {
	return s.manager.CrawlerStorage().List(ctx)
}

// FindByName returns crawlers whose name contains the pattern
func (s *Service) FindByName(ctx context.Context, pattern string) ([]*models.Crawler, error) {
	return s.manager.CrawlerStorage().FindByName(ctx, pattern)
}

// FindByType returns crawlers of the given type
func (s *Service) FindByType(ctx context.Context, crawlerType string) ([]*models.Crawler, error) {
	return s.manager.CrawlerStorage().FindByType(ctx, crawlerType)
}

// FindByTarget returns crawlers whose base URL contains the pattern
func (s *Service) FindByTarget(ctx context.Context, pattern string) ([]*models.Crawler, error) {
	return s.manager.CrawlerStorage().FindByTarget(ctx, pattern)
}

// FindActive returns active crawler definitions
func (s *Service) FindActive(ctx context.Context) ([]*models.Crawler, error) {
	return s.manager.CrawlerStorage().FindActiveCrawlers(ctx)
}

// Types returns the distinct crawler types present in the catalog
func (s *Service) Types(ctx context.Context) ([]string, error) {
	return s.manager.CrawlerStorage().Types(ctx)
}

// RegisteredTypes returns the crawler types with registered implementations
func (s *Service) RegisteredTypes() []string {
	return s.registry.Types()
}

// ToggleActive flips or sets a crawler's activation flag
func (s *Service) ToggleActive(ctx context.Context, id uint64, active *bool) (*models.Crawler, error) {
	var crawler *models.Crawler
	err := s.manager.Update(func(tx *badger.Txn) error {
		existing, err := s.manager.CrawlerStorage().TxGet(tx, id)
		if err != nil {
			return err
		}
		if active != nil {
			existing.IsActive = *active
		} else {
			existing.IsActive = !existing.IsActive
		}
		crawler = existing
		return s.manager.CrawlerStorage().TxUpdate(tx, existing)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().
		Int64("crawler_id", int64(id)).
		Bool("is_active", crawler.IsActive).
		Msg("Crawler activation changed")
	return crawler, nil
}

// BatchToggle applies an activation change to many crawlers, continuing past
// per-crawler failures.
func (s *Service) BatchToggle(ctx context.Context, ids []uint64, active bool) (*BatchToggleResult, error) {
	result := &BatchToggleResult{Errors: make(map[uint64]string)}
	for _, id := range ids {
		if _, err := s.ToggleActive(ctx, id, &active); err != nil {
			result.Errors[id] = err.Error()
			continue
		}
		result.Updated = append(result.Updated, id)
	}
	if len(result.Errors) == 0 {
		result.Errors = nil
	}
	return result, nil
}

// Statistics aggregates catalog counts per type and activation
func (s *Service) Statistics(ctx context.Context) (*Statistics, error) {
	all, err := s.manager.CrawlerStorage().List(ctx)
	if err != nil {
		return nil, err
	}

	stats := &Statistics{Total: len(all), ByType: make(map[string]int)}
	for _, crawler := range all {
		if crawler.IsActive {
			stats.Active++
		} else {
			stats.Inactive++
		}
		stats.ByType[crawler.Type]++
	}
	return stats, nil
}

// LoadConfig reads and validates the on-disk config file for a crawler
func (s *Service) LoadConfig(ctx context.Context, id uint64) (*models.CrawlerConfigFile, error) {
	crawler, err := s.manager.CrawlerStorage().Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.LoadConfigFor(crawler)
}

// LoadConfigFor reads and validates the config file referenced by a definition
func (s *Service) LoadConfigFor(crawler *models.Crawler) (*models.CrawlerConfigFile, error) {
	if crawler.ConfigFileName == "" {
		return nil, common.NotFoundError("crawler config", crawler.Name)
	}

	data, err := os.ReadFile(filepath.Join(s.configsDir, crawler.ConfigFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, common.NotFoundError("crawler config file", crawler.ConfigFileName)
		}
		return nil, fmt.Errorf("failed to read crawler config %s: %w", crawler.ConfigFileName, err)
	}
	return models.ParseCrawlerConfig(data)
}

// writeConfigFile validates config bytes and writes them under ConfigFileName.
// A missing ConfigFileName is derived from the crawler name.
func (s *Service) writeConfigFile(crawler *models.Crawler, data []byte) error {
	if _, err := models.ParseCrawlerConfig(data); err != nil {
		return common.NewValidationError("config_file", err.Error())
	}

	if crawler.ConfigFileName == "" {
		crawler.ConfigFileName = sanitizeFileName(crawler.Name) + ".json"
	}
	if !strings.HasSuffix(crawler.ConfigFileName, ".json") {
		return common.NewValidationError("config_file_name", "config file name must end in .json")
	}

	if err := os.MkdirAll(s.configsDir, 0755); err != nil {
		return fmt.Errorf("failed to create configs directory: %w", err)
	}

	// Re-indent so on-disk files are readable regardless of upload formatting
	var pretty json.RawMessage = data
	if formatted, err := json.MarshalIndent(pretty, "", "  "); err == nil {
		data = formatted
	}

	path := filepath.Join(s.configsDir, crawler.ConfigFileName)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write crawler config %s: %w", crawler.ConfigFileName, err)
	}

	s.logger.Debug().Str("path", path).Msg("Crawler config written")
	return nil
}

func (s *Service) removeConfigFile(fileName string) {
	if fileName == "" {
		return
	}
	path := filepath.Join(s.configsDir, fileName)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		s.logger.Warn().Err(err).Str("path", path).Msg("Failed to remove crawler config file")
	}
}

func sanitizeFileName(name string) string {
	mapped := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			return r
		case r >= 'A' && r <= 'Z':
			return r + ('a' - 'A')
		default:
			return '_'
		}
	}, name)
	return strings.Trim(mapped, "_")
}
