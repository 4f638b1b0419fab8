package badger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/go-playground/validator/v10"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/harvester/internal/common"
	"github.com/ternarybob/harvester/internal/interfaces"
	"github.com/ternarybob/harvester/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

// CrawlerStorage implements the CrawlerStorage interface for Badger
type CrawlerStorage struct {
	db       *BadgerDB
	validate *validator.Validate
	logger   arbor.ILogger
}

// NewCrawlerStorage creates a new CrawlerStorage instance
func NewCrawlerStorage(db *BadgerDB, logger arbor.ILogger) interfaces.CrawlerStorage {
	return &CrawlerStorage{
		db:       db,
		validate: validator.New(),
		logger:   logger,
	}
}

// Validate enforces schema rules at the repository boundary
func (s *CrawlerStorage) Validate(crawler *models.Crawler, op interfaces.ValidationOp) error {
	if crawler == nil {
		return common.NewValidationError("", "crawler is required")
	}

	if err := s.validate.Struct(crawler); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			return common.NewValidationError(fe.Field(), fmt.Sprintf("failed %s validation", fe.Tag()))
		}
		return common.NewValidationError("", err.Error())
	}

	if crawler.ConfigFileName != "" && !strings.HasSuffix(strings.ToLower(crawler.ConfigFileName), ".json") {
		return common.NewValidationError("config_file_name", "config file must be .json")
	}

	switch op {
	case interfaces.ValidationCreate:
		if crawler.ID != 0 {
			return common.NewValidationError("id", "must not be set on create")
		}
	case interfaces.ValidationUpdate:
		if crawler.ID == 0 {
			return common.NewValidationError("id", "is required on update")
		}
	}

	return nil
}

// TxCreate validates and inserts a crawler definition
func (s *CrawlerStorage) TxCreate(tx *badgerdb.Txn, crawler *models.Crawler) error {
	if err := s.Validate(crawler, interfaces.ValidationCreate); err != nil {
		return err
	}

	now := common.NowUTC()
	crawler.CreatedAt = now
	crawler.UpdatedAt = now

	if err := s.db.Store().TxInsert(tx, badgerhold.NextSequence(), crawler); err != nil {
		if errors.Is(err, badgerhold.ErrUniqueExists) {
			return common.NewValidationError("crawler_name", fmt.Sprintf("crawler %q already exists", crawler.Name))
		}
		return common.NewDatabaseError("crawler create", err)
	}
	// badgerhold sequences start at 0, which the rest of the codebase treats
	// as unset. Re-issue the first insert so ids start at 1.
	if crawler.ID == 0 {
		if err := s.db.Store().TxDelete(tx, uint64(0), &models.Crawler{}); err != nil {
			return common.NewDatabaseError("crawler create", err)
		}
		if err := s.db.Store().TxInsert(tx, badgerhold.NextSequence(), crawler); err != nil {
			return common.NewDatabaseError("crawler create", err)
		}
	}
	return nil
}

// TxUpdate validates and persists a crawler definition
func (s *CrawlerStorage) TxUpdate(tx *badgerdb.Txn, crawler *models.Crawler) error {
	if err := s.Validate(crawler, interfaces.ValidationUpdate); err != nil {
		return err
	}

	crawler.UpdatedAt = common.NowUTC()

	if err := s.db.Store().TxUpdate(tx, crawler.ID, crawler); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return common.NotFoundError("crawler", crawler.ID)
		}
		return common.NewDatabaseError("crawler update", err)
	}
	return nil
}

// TxGet loads a crawler inside the caller's transaction
func (s *CrawlerStorage) TxGet(tx *badgerdb.Txn, id uint64) (*models.Crawler, error) {
	var crawler models.Crawler
	if err := s.db.Store().TxGet(tx, id, &crawler); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil, common.NotFoundError("crawler", id)
		}
		return nil, common.NewDatabaseError("crawler get", err)
	}
	return &crawler, nil
}

// TxDelete removes a crawler definition
func (s *CrawlerStorage) TxDelete(tx *badgerdb.Txn, id uint64) error {
	if err := s.db.Store().TxDelete(tx, id, &models.Crawler{}); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return common.NotFoundError("crawler", id)
		}
		return common.NewDatabaseError("crawler delete", err)
	}
	return nil
}

// Get loads a crawler by id
func (s *CrawlerStorage) Get(ctx context.Context, id uint64) (*models.Crawler, error) {
	var crawler models.Crawler
	if err := s.db.Store().Get(id, &crawler); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil, common.NotFoundError("crawler", id)
		}
		return nil, common.NewDatabaseError("crawler get", err)
	}
	return &crawler, nil
}

// GetByName loads a crawler by exact name
func (s *CrawlerStorage) GetByName(ctx context.Context, name string) (*models.Crawler, error) {
	var crawlers []models.Crawler
	if err := s.db.Store().Find(&crawlers, badgerhold.Where("Name").Eq(name)); err != nil {
		return nil, common.NewDatabaseError("crawler get by name", err)
	}
	if len(crawlers) == 0 {
		return nil, common.NotFoundError("crawler", name)
	}
	return &crawlers[0], nil
}

// FindByName returns crawlers whose name contains the pattern (case-insensitive)
func (s *CrawlerStorage) FindByName(ctx context.Context, pattern string) ([]*models.Crawler, error) {
	all, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	needle := strings.ToLower(pattern)
	result := make([]*models.Crawler, 0)
	for _, c := range all {
		if strings.Contains(strings.ToLower(c.Name), needle) {
			result = append(result, c)
		}
	}
	return result, nil
}

// FindByType returns crawlers of a given type
func (s *CrawlerStorage) FindByType(ctx context.Context, crawlerType string) ([]*models.Crawler, error) {
	var crawlers []models.Crawler
	if err := s.db.Store().Find(&crawlers, badgerhold.Where("Type").Eq(crawlerType)); err != nil {
		return nil, common.NewDatabaseError("crawler find by type", err)
	}
	return crawlerPointers(crawlers), nil
}

// FindByTarget returns crawlers whose base URL contains the pattern
func (s *CrawlerStorage) FindByTarget(ctx context.Context, pattern string) ([]*models.Crawler, error) {
	all, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	needle := strings.ToLower(pattern)
	result := make([]*models.Crawler, 0)
	for _, c := range all {
		if strings.Contains(strings.ToLower(c.BaseURL), needle) {
			result = append(result, c)
		}
	}
	return result, nil
}

// FindActiveCrawlers returns active crawler definitions
func (s *CrawlerStorage) FindActiveCrawlers(ctx context.Context) ([]*models.Crawler, error) {
	var crawlers []models.Crawler
	if err := s.db.Store().Find(&crawlers, badgerhold.Where("IsActive").Eq(true)); err != nil {
		return nil, common.NewDatabaseError("crawler find active", err)
	}
	return crawlerPointers(crawlers), nil
}

// List returns all crawler definitions sorted by name
func (s *CrawlerStorage) List(ctx context.Context) ([]*models.Crawler, error) {
	var crawlers []models.Crawler
	if err := s.db.Store().Find(&crawlers, badgerhold.Where("ID").Ne(uint64(0))); err != nil {
		return nil, common.NewDatabaseError("crawler list", err)
	}
	sort.Slice(crawlers, func(i, j int) bool { return crawlers[i].Name < crawlers[j].Name })
	return crawlerPointers(crawlers), nil
}

// Types returns the distinct crawler types in the catalog
func (s *CrawlerStorage) Types(ctx context.Context) ([]string, error) {
	all, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	types := make([]string, 0)
	for _, c := range all {
		if !seen[c.Type] {
			seen[c.Type] = true
			types = append(types, c.Type)
		}
	}
	sort.Strings(types)
	return types, nil
}

// Count returns the number of stored crawler definitions
func (s *CrawlerStorage) Count(ctx context.Context) (int, error) {
	count, err := s.db.Store().Count(&models.Crawler{}, nil)
	if err != nil {
		return 0, common.NewDatabaseError("crawler count", err)
	}
	return int(count), nil
}

func crawlerPointers(crawlers []models.Crawler) []*models.Crawler {
	result := make([]*models.Crawler, len(crawlers))
	for i := range crawlers {
		result[i] = &crawlers[i]
	}
	return result
}
