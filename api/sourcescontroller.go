package api

import (
	"errors"
	"net/http"
	"time"

	"marketwire/deduplication"
	"marketwire/storage"
	"marketwire/types"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// RegisterSourceRoutes registers source management endpoints.
func RegisterSourceRoutes(r *gin.Engine, s *server) {
	g := r.Group("/api/sources")
	g.POST("", s.handleCreateSource)
	g.GET("/:id", s.handleGetSource)
	g.POST("/:id/crawl", s.handleCrawlSource)
}

// CreateSourceRequest represents the request to register a source
type CreateSourceRequest struct {
	Title            string   `json:"title"`
	Link             string   `json:"link" binding:"required,url"`
	SiteLink         string   `json:"site_link" binding:"omitempty,url"`
	AdapterKind      string   `json:"adapter_kind"`
	CrawlIntervalSec int      `json:"crawl_interval_sec" binding:"omitempty,min=60"`
	ExclusionRules   []string `json:"exclusion_rules"`
	Topics           []string `json:"topics"`
	SkipAfterDays    int      `json:"skip_after_days" binding:"omitempty,min=1"`
	DeadAfterDays    int      `json:"dead_after_days" binding:"omitempty,min=1"`
	FetchFullText    bool     `json:"fetch_full_text"`
}

// SourceHealth is the operational view of a source.
type SourceHealth struct {
	ID              string             `json:"id"`
	Title           string             `json:"title"`
	Link            string             `json:"link"`
	AdapterKind     string             `json:"adapter_kind"`
	ErrorCount      int                `json:"error_count"`
	LastError       string             `json:"last_error,omitempty"`
	LastParserError string             `json:"last_parser_error,omitempty"`
	Disabled        bool               `json:"disabled"`
	Archived        bool               `json:"archived"`
	ETag            string             `json:"etag,omitempty"`
	LastModified    *time.Time         `json:"last_modified,omitempty"`
	LastRetrieved   time.Time          `json:"last_retrieved"`
	Expires         time.Time          `json:"expires"`
	SnapshotSize    int                `json:"snapshot_size"`
	FetchCounts     []types.FetchCount `json:"fetch_counts,omitempty"`
}

func healthOf(src *types.Source) SourceHealth {
	return SourceHealth{
		ID:              src.ID,
		Title:           src.Title,
		Link:            src.Link,
		AdapterKind:     src.AdapterKind,
		ErrorCount:      src.ErrorCount,
		LastError:       src.LastError,
		LastParserError: src.LastParserError,
		Disabled:        src.Disabled,
		Archived:        src.Archived,
		ETag:            src.ETag,
		LastModified:    src.LastModified,
		LastRetrieved:   src.LastRetrieved,
		Expires:         src.Expires,
		SnapshotSize:    len(src.Snapshot),
		FetchCounts:     src.FetchCounts,
	}
}

// handleCreateSource registers a new source. It is due on the next tick.
func (s *server) handleCreateSource(c *gin.Context) {
	var req CreateSourceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	for _, rule := range req.ExclusionRules {
		if _, _, err := deduplication.ParseRule(rule); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	ctx := c.Request.Context()
	id := types.GenerateID(req.Link)
	_, err := s.store.GetSource(ctx, id)
	switch {
	case err == nil:
		c.JSON(http.StatusConflict, gin.H{"error": "source already exists", "id": id})
		return
	case !errors.Is(err, storage.ErrNotFound):
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	src := &types.Source{
		ID:               id,
		Title:            req.Title,
		Link:             req.Link,
		SiteLink:         req.SiteLink,
		AdapterKind:      req.AdapterKind,
		CrawlIntervalSec: req.CrawlIntervalSec,
		ExclusionRules:   req.ExclusionRules,
		Topics:           req.Topics,
		SkipAfterDays:    req.SkipAfterDays,
		DeadAfterDays:    req.DeadAfterDays,
		FetchFullText:    req.FetchFullText,
	}
	if err := s.store.SaveSource(ctx, src); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	s.log.Info("source created", zap.String("source_id", src.ID), zap.String("link", src.Link))
	c.JSON(http.StatusCreated, healthOf(src))
}

// handleGetSource returns the health fields of a source.
func (s *server) handleGetSource(c *gin.Context) {
	src, ok := s.loadSource(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, healthOf(src))
}

// handleCrawlSource queues a crawl for the source and returns 202 Accepted
// immediately.
func (s *server) handleCrawlSource(c *gin.Context) {
	src, ok := s.loadSource(c)
	if !ok {
		return
	}
	if src.Disabled || src.Archived {
		c.JSON(http.StatusConflict, gin.H{"error": "source is disabled or archived"})
		return
	}
	if err := s.events.Push(c.Request.Context(), types.PathFeedCrawl, types.CrawlRequest{SourceID: src.ID}); err != nil {
		s.log.Error("failed to queue crawl", zap.String("source_id", src.ID), zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "crawl queued", "source_id": src.ID})
}

func (s *server) loadSource(c *gin.Context) (*types.Source, bool) {
	src, err := s.store.GetSource(c.Request.Context(), c.Param("id"))
	if errors.Is(err, storage.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "source not found"})
		return nil, false
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return nil, false
	}
	return src, true
}
