package models

import "time"

// ScrapeMode selects which stages of a crawl run
type ScrapeMode string

const (
	ScrapeModeLinksOnly   ScrapeMode = "links_only"
	ScrapeModeContentOnly ScrapeMode = "content_only"
	ScrapeModeFullScrape  ScrapeMode = "full_scrape"
)

// ScrapeOptions is the typed task argument set handed to a crawler.
// A zero value is normalized by ApplyDefaults.
type ScrapeOptions struct {
	Mode                       ScrapeMode    `json:"scrape_mode,omitempty"`
	MaxPages                   int           `json:"max_pages,omitempty"`
	NumArticles                int           `json:"num_articles,omitempty"`
	AIOnly                     bool          `json:"ai_only,omitempty"`
	SaveToCSV                  bool          `json:"save_to_csv"`
	SaveToDatabase             bool          `json:"save_to_database"`
	SavePartialResultsOnCancel bool          `json:"save_partial_results_on_cancel"`
	SavePartialToDatabase      bool          `json:"save_partial_to_database"`
	Timeout                    time.Duration `json:"timeout,omitempty"`
}

// DefaultScrapeOptions returns the option set used when a task carries no args
func DefaultScrapeOptions() ScrapeOptions {
	return ScrapeOptions{
		Mode:           ScrapeModeFullScrape,
		MaxPages:       10,
		NumArticles:    100,
		SaveToCSV:      true,
		SaveToDatabase: true,
	}
}

// ApplyDefaults fills unset fields from the default option set
func (o ScrapeOptions) ApplyDefaults() ScrapeOptions {
	defaults := DefaultScrapeOptions()
	if o.Mode == "" {
		o.Mode = defaults.Mode
	}
	if o.MaxPages <= 0 {
		o.MaxPages = defaults.MaxPages
	}
	if o.NumArticles <= 0 {
		o.NumArticles = defaults.NumArticles
	}
	return o
}

// WithMode returns a copy of the options with the scrape mode forced
func (o ScrapeOptions) WithMode(mode ScrapeMode) ScrapeOptions {
	o.Mode = mode
	return o
}
