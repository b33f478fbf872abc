package handler

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/umanagarjuna/content-cache/internal/content/domain"
	"github.com/umanagarjuna/content-cache/internal/content/repository"
	"github.com/umanagarjuna/content-cache/internal/content/service"
	"github.com/umanagarjuna/content-cache/internal/content/warmup"
)

const defaultFailedLimit = 100

type Config struct {
	// BaseURL prefixes the statusUrl returned for new warm-up jobs
	BaseURL string
	Auth    AuthConfig
	// WebhookRate caps change notifications per second; zero disables it
	WebhookRate  rate.Limit
	WebhookBurst int
}

type HTTPHandler struct {
	service *service.ContentService
	tracker *warmup.Tracker
	ledger  repository.FailedItemRepository
	metrics http.Handler
	config  Config
	logger  *zap.Logger
}

func NewHTTPHandler(
	svc *service.ContentService,
	tracker *warmup.Tracker,
	ledger repository.FailedItemRepository,
	metrics http.Handler,
	config Config,
	logger *zap.Logger,
) *HTTPHandler {
	return &HTTPHandler{
		service: svc,
		tracker: tracker,
		ledger:  ledger,
		metrics: metrics,
		config:  config,
		logger:  logger,
	}
}

func (h *HTTPHandler) RegisterRoutes(router *gin.Engine) {
	router.GET("/health", h.Health)
	if h.metrics != nil {
		router.GET("/metrics", gin.WrapH(h.metrics))
	}

	auth := RequireToken(h.config.Auth)

	cache := router.Group("/cache")
	{
		cache.GET("/stats", h.Stats)
		cache.POST("/clear", auth, h.Clear)

		cache.POST("/warmup", auth, h.StartWarmup)
		cache.GET("/warmup/status", h.WarmupStatus)
		cache.GET("/warmup/jobs", h.ListWarmups)
		cache.DELETE("/warmup/:jobId", auth, h.CancelWarmup)
		cache.GET("/warmup/failed", auth, h.ListFailed)
		cache.DELETE("/warmup/failed", auth, h.ClearFailed)

		webhook := []gin.HandlerFunc{auth}
		if h.config.WebhookRate > 0 {
			burst := h.config.WebhookBurst
			if burst <= 0 {
				burst = 1
			}
			webhook = append(webhook, RateLimit(rate.NewLimiter(h.config.WebhookRate, burst)))
		}
		cache.POST("/webhook", append(webhook, h.Webhook)...)
	}

	content := router.Group("/content")
	{
		content.GET("/items/:id", h.GetItem)
		content.GET("/items/:id/children", h.GetChildren)
		content.GET("/search", h.Search)
	}
}

func (h *HTTPHandler) Health(c *gin.Context) {
	status := "ok"
	distributed := h.service.Healthy(c.Request.Context())
	if !distributed {
		status = "degraded"
	}
	c.JSON(http.StatusOK, gin.H{"status": status, "distributed": distributed})
}

func (h *HTTPHandler) Stats(c *gin.Context) {
	c.JSON(http.StatusOK, h.service.Stats(c.Request.Context()))
}

type clearRequest struct {
	Type    string `json:"type"`
	Pattern string `json:"pattern"`
}

func (h *HTTPHandler) Clear(c *gin.Context) {
	var req clearRequest
	if !bindOptionalJSON(c, &req) {
		return
	}

	res, err := h.service.Clear(c.Request.Context(), req.Type, req.Pattern)
	if err != nil {
		h.fail(c, err, "Failed to clear cache", zap.String("type", req.Type))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": res.Message,
		"removed": res.Removed,
		"stats":   gin.H{"before": res.Before, "after": res.After},
	})
}

func (h *HTTPHandler) StartWarmup(c *gin.Context) {
	var req domain.StartWarmupRequest
	if !bindOptionalJSON(c, &req) {
		return
	}

	var (
		jobID string
		total int
		err   error
	)
	if len(req.ContentIDs) > 0 {
		jobID, total, err = h.tracker.Start(req.ContentIDs)
		if err != nil {
			h.fail(c, err, "Failed to start warm-up job")
			return
		}
	} else {
		// The tree walk runs inside the job; total is unknown until it ends.
		rootID, err := h.service.TreeRoot(req.RootID)
		if err != nil {
			h.fail(c, err, "Failed to start warm-up job", zap.String("root_id", req.RootID))
			return
		}
		jobID = h.tracker.StartResolved(func(ctx context.Context) ([]string, error) {
			return h.service.CollectTree(ctx, rootID, 0)
		})
	}

	c.JSON(http.StatusAccepted, domain.StartWarmupResponse{
		JobID:     jobID,
		Total:     total,
		StatusURL: h.config.BaseURL + "/cache/warmup/status?jobId=" + url.QueryEscape(jobID),
		Message:   "Warm-up job started",
	})
}

func (h *HTTPHandler) WarmupStatus(c *gin.Context) {
	jobID := c.Query("jobId")
	if jobID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "jobId is required", "code": "invalid_request"})
		return
	}

	status, err := h.tracker.Status(jobID)
	if err != nil {
		h.fail(c, err, "Failed to get warm-up status", zap.String("job_id", jobID))
		return
	}
	c.JSON(http.StatusOK, status)
}

func (h *HTTPHandler) ListWarmups(c *gin.Context) {
	jobs := h.tracker.List()
	c.JSON(http.StatusOK, gin.H{"jobs": jobs, "count": len(jobs)})
}

func (h *HTTPHandler) CancelWarmup(c *gin.Context) {
	jobID := c.Param("jobId")
	if err := h.tracker.Cancel(jobID); err != nil {
		h.fail(c, err, "Failed to cancel warm-up job", zap.String("job_id", jobID))
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Warm-up job canceled", "jobId": jobID})
}

func (h *HTTPHandler) ListFailed(c *gin.Context) {
	limit := defaultFailedLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer", "code": "invalid_request"})
			return
		}
		limit = n
	}

	items, err := h.ledger.List(c.Request.Context(), limit)
	if err != nil {
		h.fail(c, err, "Failed to list failed items")
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items, "count": len(items)})
}

func (h *HTTPHandler) ClearFailed(c *gin.Context) {
	removed, err := h.ledger.Clear(c.Request.Context())
	if err != nil {
		h.fail(c, err, "Failed to clear failed items")
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Failed items cleared", "removed": removed})
}

type webhookRequest struct {
	Type      string `json:"type" binding:"required"`
	Challenge string `json:"challenge"`
	Data      struct {
		ID       string `json:"id"`
		ParentID string `json:"parentId"`
	} `json:"data"`
}

func (h *HTTPHandler) Webhook(c *gin.Context) {
	var req webhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": "invalid_request"})
		return
	}

	if req.Type == "url_verification" {
		c.JSON(http.StatusOK, gin.H{"challenge": req.Challenge})
		return
	}

	res, err := h.service.ApplyChange(c.Request.Context(), req.Type, req.Data.ID, req.Data.ParentID)
	if err != nil {
		h.fail(c, err, "Failed to apply change event", zap.String("type", req.Type))
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "type": req.Type, "result": res})
}

func (h *HTTPHandler) GetItem(c *gin.Context) {
	id := c.Param("id")
	item, err := h.service.GetItem(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err, "Failed to get item", zap.String("content_id", id))
		return
	}
	c.JSON(http.StatusOK, item)
}

func (h *HTTPHandler) GetChildren(c *gin.Context) {
	id := c.Param("id")
	children, err := h.service.GetChildren(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err, "Failed to get children", zap.String("content_id", id))
		return
	}
	c.JSON(http.StatusOK, children)
}

func (h *HTTPHandler) Search(c *gin.Context) {
	query := c.Query("query")
	result, err := h.service.Search(c.Request.Context(), query)
	if err != nil {
		h.fail(c, err, "Failed to search", zap.String("query", query))
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *HTTPHandler) fail(c *gin.Context, err error, msg string, fields ...zap.Field) {
	status, code := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error(msg, append(fields, zap.Error(err))...)
	}
	c.JSON(status, gin.H{"error": err.Error(), "code": code})
}

func statusFor(err error) (int, string) {
	if errors.Is(err, warmup.ErrJobNotFound) {
		return http.StatusNotFound, "not_found"
	}

	switch code := domain.Classify(err); code {
	case "invalid_request":
		return http.StatusBadRequest, code
	case "not_found":
		return http.StatusNotFound, code
	case "upstream_transient":
		return http.StatusServiceUnavailable, code
	case "upstream_permanent":
		return http.StatusBadGateway, code
	}
	return http.StatusInternalServerError, "internal"
}

// bindOptionalJSON decodes the body into dest, leaving it zero when the body
// is empty. It writes a 400 and returns false on malformed input.
func bindOptionalJSON(c *gin.Context, dest interface{}) bool {
	if err := c.ShouldBindJSON(dest); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": "invalid_request"})
		return false
	}
	return true
}
