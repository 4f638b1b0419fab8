package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Crawler is a named, versioned crawler definition. The on-disk JSON config
// file is a sibling artifact keyed by ConfigFileName.
type Crawler struct {
	ID             uint64    `json:"id" badgerhold:"key"`
	Name           string    `json:"crawler_name" validate:"required,min=1,max=200" badgerhold:"unique"`
	Type           string    `json:"crawler_type" validate:"required"`
	ModuleName     string    `json:"module_name"`
	BaseURL        string    `json:"base_url" validate:"required,url"`
	ConfigFileName string    `json:"config_file_name"`
	IsActive       bool      `json:"is_active"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// CrawlerSettings holds the retry/timeout knobs inside a crawler config file
type CrawlerSettings struct {
	MaxRetries int     `json:"max_retries"`
	RetryDelay float64 `json:"retry_delay"`
	Timeout    float64 `json:"timeout"`
}

// CrawlerConfigFile is the schema of the on-disk JSON config referenced by a
// crawler definition.
type CrawlerConfigFile struct {
	SiteName          string                     `json:"site_name"`
	BaseURL           string                     `json:"base_url"`
	ListURLTemplate   string                     `json:"list_url_template"`
	Categories        map[string]string          `json:"categories"`
	Settings          CrawlerSettings            `json:"crawler_settings"`
	ContentExtraction map[string]json.RawMessage `json:"content_extraction"`
}

// Validate enforces the load-time rules for a crawler config file
func (c *CrawlerConfigFile) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("base_url must not be empty")
	}
	if len(c.Categories) == 0 {
		return fmt.Errorf("categories must not be empty")
	}
	if c.Settings.MaxRetries < 0 {
		return fmt.Errorf("crawler_settings.max_retries must be >= 0, got %d", c.Settings.MaxRetries)
	}
	return nil
}

// ParseCrawlerConfig decodes and validates a crawler config file
func ParseCrawlerConfig(data []byte) (*CrawlerConfigFile, error) {
	var cfg CrawlerConfigFile
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid crawler config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
