package handlers

import (
	"encoding/json"
	"io"
	"mime"
	"net/http"
	"net/url"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/harvester/internal/interfaces"
	"github.com/ternarybob/harvester/internal/models"
	"github.com/ternarybob/harvester/internal/services/crawlers"
)

// maxConfigUploadBytes caps crawler config uploads
const maxConfigUploadBytes = 1 << 20

// CrawlerHandler handles crawler definition and config file requests
type CrawlerHandler struct {
	crawlers *crawlers.Service
	executor interfaces.ExecutorService
	logger   arbor.ILogger
}

// NewCrawlerHandler creates a new crawler handler with dependencies
func NewCrawlerHandler(crawlerService *crawlers.Service, executor interfaces.ExecutorService, logger arbor.ILogger) *CrawlerHandler {
	return &CrawlerHandler{
		crawlers: crawlerService,
		executor: executor,
		logger:   logger,
	}
}

// CollectionHandler handles GET (list) and POST (create) on /api/crawlers
func (h *CrawlerHandler) CollectionHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		items, err := h.crawlers.List(r.Context())
		if err != nil {
			WriteServiceError(w, err)
			return
		}
		WriteItems(w, "crawlers", items)
	case http.MethodPost:
		h.createCrawler(w, r)
	default:
		WriteError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

// ItemHandler routes /api/crawlers/{id} and the named collection sub-routes
func (h *CrawlerHandler) ItemHandler(w http.ResponseWriter, r *http.Request) {
	segments := PathSegments(r, "/api/crawlers/")
	if len(segments) == 0 {
		WriteError(w, http.StatusNotFound, "Not found")
		return
	}

	if len(segments) == 1 {
		switch segments[0] {
		case "active":
			h.listActive(w, r)
			return
		case "types":
			h.listTypes(w, r)
			return
		case "statistics":
			h.statistics(w, r)
			return
		case "batch-toggle":
			h.batchToggle(w, r)
			return
		case "filter":
			h.filter(w, r)
			return
		case "create-or-update":
			h.createOrUpdate(w, r)
			return
		}
	}

	if len(segments) == 2 {
		switch segments[0] {
		case "name":
			h.findByName(w, r, segments[1])
			return
		case "exact-name":
			h.getByName(w, r, segments[1])
			return
		case "type":
			h.findByType(w, r, segments[1])
			return
		case "target":
			h.findByTarget(w, r, segments[1])
			return
		case "test":
			h.test(w, r, segments[1])
			return
		}
	}

	id, ok := ParseID(w, segments[0])
	if !ok {
		return
	}

	if len(segments) == 1 {
		switch r.Method {
		case http.MethodGet:
			h.getCrawler(w, r, id)
		case http.MethodPut:
			h.updateCrawler(w, r, id)
		case http.MethodDelete:
			h.deleteCrawler(w, r, id)
		default:
			WriteError(w, http.StatusMethodNotAllowed, "Method not allowed")
		}
		return
	}

	switch segments[1] {
	case "config":
		h.getConfig(w, r, id)
	case "toggle":
		h.toggle(w, r, id)
	default:
		WriteError(w, http.StatusNotFound, "Not found")
	}
}

// parseMultipart extracts the crawler definition and optional config bytes
// from a multipart form (`crawler_data` JSON field plus `config_file` upload).
// A non-multipart content type is rejected with 415.
func (h *CrawlerHandler) parseMultipart(w http.ResponseWriter, r *http.Request) (*models.Crawler, []byte, bool) {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mediaType != "multipart/form-data" {
		WriteError(w, http.StatusUnsupportedMediaType, "Expected multipart/form-data with crawler_data and config_file fields")
		return nil, nil, false
	}

	if err := r.ParseMultipartForm(maxConfigUploadBytes); err != nil {
		WriteError(w, http.StatusBadRequest, "Invalid multipart form: "+err.Error())
		return nil, nil, false
	}

	data := r.FormValue("crawler_data")
	if data == "" {
		WriteError(w, http.StatusBadRequest, "crawler_data field is required")
		return nil, nil, false
	}

	var crawler models.Crawler
	if err := json.Unmarshal([]byte(data), &crawler); err != nil {
		WriteError(w, http.StatusBadRequest, "Invalid crawler_data JSON: "+err.Error())
		return nil, nil, false
	}

	var configData []byte
	file, header, err := r.FormFile("config_file")
	if err == nil {
		defer file.Close()
		if crawler.ConfigFileName == "" {
			crawler.ConfigFileName = header.Filename
		}
		configData, err = io.ReadAll(io.LimitReader(file, maxConfigUploadBytes))
		if err != nil {
			WriteError(w, http.StatusBadRequest, "Failed to read config_file: "+err.Error())
			return nil, nil, false
		}
	} else if err != http.ErrMissingFile {
		WriteError(w, http.StatusBadRequest, "Invalid config_file field: "+err.Error())
		return nil, nil, false
	}

	return &crawler, configData, true
}

func (h *CrawlerHandler) createCrawler(w http.ResponseWriter, r *http.Request) {
	crawler, configData, ok := h.parseMultipart(w, r)
	if !ok {
		return
	}

	created, err := h.crawlers.Create(r.Context(), crawler, configData)
	if err != nil {
		WriteServiceError(w, err)
		return
	}
	WriteEnvelope(w, http.StatusCreated, "crawler created", "crawler", created)
}

func (h *CrawlerHandler) updateCrawler(w http.ResponseWriter, r *http.Request, id uint64) {
	crawler, configData, ok := h.parseMultipart(w, r)
	if !ok {
		return
	}
	crawler.ID = id

	updated, err := h.crawlers.Update(r.Context(), crawler, configData)
	if err != nil {
		WriteServiceError(w, err)
		return
	}
	WriteEnvelope(w, http.StatusOK, "crawler updated", "crawler", updated)
}

func (h *CrawlerHandler) createOrUpdate(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}
	crawler, configData, ok := h.parseMultipart(w, r)
	if !ok {
		return
	}

	result, created, err := h.crawlers.CreateOrUpdate(r.Context(), crawler, configData)
	if err != nil {
		WriteServiceError(w, err)
		return
	}
	if created {
		WriteEnvelope(w, http.StatusCreated, "crawler created", "crawler", result)
		return
	}
	WriteEnvelope(w, http.StatusOK, "crawler updated", "crawler", result)
}

func (h *CrawlerHandler) getCrawler(w http.ResponseWriter, r *http.Request, id uint64) {
	crawler, err := h.crawlers.Get(r.Context(), id)
	if err != nil {
		WriteServiceError(w, err)
		return
	}
	WriteEnvelope(w, http.StatusOK, "crawler", "crawler", crawler)
}

func (h *CrawlerHandler) deleteCrawler(w http.ResponseWriter, r *http.Request, id uint64) {
	if err := h.crawlers.Delete(r.Context(), id); err != nil {
		WriteServiceError(w, err)
		return
	}
	WriteSuccess(w, "crawler deleted")
}

func (h *CrawlerHandler) getConfig(w http.ResponseWriter, r *http.Request, id uint64) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	cfg, err := h.crawlers.LoadConfig(r.Context(), id)
	if err != nil {
		WriteServiceError(w, err)
		return
	}
	WriteData(w, http.StatusOK, "crawler config", cfg)
}

func (h *CrawlerHandler) listActive(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	items, err := h.crawlers.FindActive(r.Context())
	if err != nil {
		WriteServiceError(w, err)
		return
	}
	WriteItems(w, "active crawlers", items)
}

func (h *CrawlerHandler) listTypes(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	types, err := h.crawlers.Types(r.Context())
	if err != nil {
		WriteServiceError(w, err)
		return
	}
	WriteData(w, http.StatusOK, "crawler types", map[string][]string{
		"catalog":    types,
		"registered": h.crawlers.RegisteredTypes(),
	})
}

func (h *CrawlerHandler) statistics(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	stats, err := h.crawlers.Statistics(r.Context())
	if err != nil {
		WriteServiceError(w, err)
		return
	}
	WriteData(w, http.StatusOK, "crawler statistics", stats)
}

func (h *CrawlerHandler) findByName(w http.ResponseWriter, r *http.Request, pattern string) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	pattern, _ = url.PathUnescape(pattern)
	items, err := h.crawlers.FindByName(r.Context(), pattern)
	if err != nil {
		WriteServiceError(w, err)
		return
	}
	WriteItems(w, "crawlers", items)
}

func (h *CrawlerHandler) getByName(w http.ResponseWriter, r *http.Request, name string) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	name, _ = url.PathUnescape(name)
	crawler, err := h.crawlers.GetByName(r.Context(), name)
	if err != nil {
		WriteServiceError(w, err)
		return
	}
	WriteEnvelope(w, http.StatusOK, "crawler", "crawler", crawler)
}

func (h *CrawlerHandler) findByType(w http.ResponseWriter, r *http.Request, crawlerType string) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	items, err := h.crawlers.FindByType(r.Context(), crawlerType)
	if err != nil {
		WriteServiceError(w, err)
		return
	}
	WriteItems(w, "crawlers", items)
}

func (h *CrawlerHandler) findByTarget(w http.ResponseWriter, r *http.Request, pattern string) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	pattern, _ = url.PathUnescape(pattern)
	items, err := h.crawlers.FindByTarget(r.Context(), pattern)
	if err != nil {
		WriteServiceError(w, err)
		return
	}
	WriteItems(w, "crawlers", items)
}

func (h *CrawlerHandler) toggle(w http.ResponseWriter, r *http.Request, id uint64) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}

	var body struct {
		IsActive *bool `json:"is_active"`
	}
	if r.ContentLength > 0 {
		if !DecodeJSONBody(w, r, &body) {
			return
		}
	}

	crawler, err := h.crawlers.ToggleActive(r.Context(), id, body.IsActive)
	if err != nil {
		WriteServiceError(w, err)
		return
	}
	WriteEnvelope(w, http.StatusOK, "crawler activation changed", "crawler", crawler)
}

func (h *CrawlerHandler) batchToggle(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}

	var body struct {
		IDs      []uint64 `json:"ids"`
		IsActive bool     `json:"is_active"`
	}
	if !DecodeJSONBody(w, r, &body) {
		return
	}
	if len(body.IDs) == 0 {
		WriteError(w, http.StatusBadRequest, "ids must not be empty")
		return
	}

	result, err := h.crawlers.BatchToggle(r.Context(), body.IDs, body.IsActive)
	if err != nil {
		WriteServiceError(w, err)
		return
	}
	WriteData(w, http.StatusOK, "batch toggle processed", result)
}

func (h *CrawlerHandler) filter(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}

	var body struct {
		Name     string `json:"name,omitempty"`
		Type     string `json:"type,omitempty"`
		Target   string `json:"target,omitempty"`
		IsActive *bool  `json:"is_active,omitempty"`
	}
	if !DecodeJSONBody(w, r, &body) {
		return
	}

	var items []*models.Crawler
	var err error
	switch {
	case body.Name != "":
		items, err = h.crawlers.FindByName(r.Context(), body.Name)
	case body.Type != "":
		items, err = h.crawlers.FindByType(r.Context(), body.Type)
	case body.Target != "":
		items, err = h.crawlers.FindByTarget(r.Context(), body.Target)
	default:
		items, err = h.crawlers.List(r.Context())
	}
	if err != nil {
		WriteServiceError(w, err)
		return
	}

	if body.IsActive != nil {
		filtered := items[:0]
		for _, crawler := range items {
			if crawler.IsActive == *body.IsActive {
				filtered = append(filtered, crawler)
			}
		}
		items = filtered
	}
	WriteItems(w, "crawlers", items)
}

func (h *CrawlerHandler) test(w http.ResponseWriter, r *http.Request, name string) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}
	name, _ = url.PathUnescape(name)

	var opts models.ScrapeOptions
	if r.ContentLength > 0 {
		if !DecodeJSONBody(w, r, &opts) {
			return
		}
	}

	result, err := h.executor.TestCrawler(r.Context(), name, opts)
	if err != nil {
		WriteServiceError(w, err)
		return
	}
	WriteData(w, http.StatusOK, "crawler test finished", result)
}
