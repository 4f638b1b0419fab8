package crawlers

import (
	"fmt"
	"sort"
	"sync"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/harvester/internal/common"
	"github.com/ternarybob/harvester/internal/interfaces"
	"github.com/ternarybob/harvester/internal/models"
)

// Registry maps crawler types to factories. Implementations register
// themselves at startup; there is no runtime module loading.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]interfaces.CrawlerFactory
	logger    arbor.ILogger
}

// NewRegistry creates an empty crawler registry
func NewRegistry(logger arbor.ILogger) *Registry {
	return &Registry{
		factories: make(map[string]interfaces.CrawlerFactory),
		logger:    logger,
	}
}

// Register binds a crawler type to a factory
func (r *Registry) Register(crawlerType string, factory interfaces.CrawlerFactory) error {
	if crawlerType == "" {
		return fmt.Errorf("crawler type is required")
	}
	if factory == nil {
		return fmt.Errorf("factory is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[crawlerType]; exists {
		return fmt.Errorf("crawler type %q already registered", crawlerType)
	}
	r.factories[crawlerType] = factory

	r.logger.Debug().Str("crawler_type", crawlerType).Msg("Crawler type registered")
	return nil
}

// Has reports whether a crawler type is registered
func (r *Registry) Has(crawlerType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[crawlerType]
	return ok
}

// New builds a crawler instance for a definition and its parsed config
func (r *Registry) New(def *models.Crawler, cfg *models.CrawlerConfigFile) (interfaces.TaskCrawler, error) {
	r.mu.RLock()
	factory, ok := r.factories[def.Type]
	r.mu.RUnlock()

	if !ok {
		return nil, common.NotFoundError("crawler type", def.Type)
	}
	return factory(def, cfg, r.logger), nil
}

// Types returns the registered crawler types sorted by name
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.factories))
	for t := range r.factories {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
