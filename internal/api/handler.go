package api

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/zhejian/shorturl/internal/model"
	"github.com/zhejian/shorturl/internal/service"
	"golang.org/x/sync/errgroup"
)

// Error codes returned in the "code" field of error responses.
const (
	CodeMissingURL        = "MISSING_URL"
	CodeInvalidShortcode  = "INVALID_CUSTOM_SHORTCODE"
	CodeReservedShortcode = "RESERVED_SHORTCODE"
	CodeShortcodeExists   = "SHORTCODE_EXISTS"
	CodeDuplicate         = "DUPLICATE"
	CodeInvalidRequest    = "INVALID_REQUEST"
	CodeURLNotFound       = "URL_NOT_FOUND"
	CodeURLExpired        = "URL_EXPIRED"
	CodeServerError       = "SERVER_ERROR"
)

const healthTimeout = 2 * time.Second

// Handler holds HTTP handlers and dependencies.
// It receives interfaces rather than concrete implementations for testability.
type Handler struct {
	urlService service.URLServiceInterface // URL shortening business logic
	db         DBInterface                 // Primary store, pinged by /health
	cache      CacheInterface              // Optional; nil when caching is disabled
	logger     *slog.Logger
}

// DBInterface defines the database operations needed by the handler.
type DBInterface interface {
	Ping(ctx context.Context) error
}

// CacheInterface defines the cache operations needed by the handler.
type CacheInterface interface {
	Ping(ctx context.Context) error
}

// NewHandler creates a new handler instance with the provided dependencies.
// cache may be nil.
func NewHandler(urlService service.URLServiceInterface, db DBInterface, cache CacheInterface, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		urlService: urlService,
		db:         db,
		cache:      cache,
		logger:     logger,
	}
}

// SetupRouter returns a bare engine with recovery and all routes registered.
func (h *Handler) SetupRouter() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	h.RegisterRoutes(r)
	return r
}

// RegisterRoutes registers all route definitions on the given Gin engine.
// The caller adds middleware before calling this so it runs for every route.
// Everything but the redirect lives under /api, and "api" is a reserved
// code, so no short code can be shadowed by another route.
func (h *Handler) RegisterRoutes(r *gin.Engine) {
	api := r.Group("/api")
	{
		api.GET("/health", h.healthCheck)
		api.GET("/metrics", gin.WrapH(promhttp.Handler()))
		api.POST("/shorturls", h.createShortURL)
		api.GET("/shorturls/:shortcode", h.getStats)
	}

	r.GET("/:shortcode", h.redirect)
}

// healthCheck handles GET /api/health
// Response codes:
//   - 200 OK: All configured dependencies are healthy
//   - 503 Service Unavailable: One or more dependencies are down
func (h *Handler) healthCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthTimeout)
	defer cancel()

	var dbErr, cacheErr error
	var g errgroup.Group
	g.Go(func() error {
		dbErr = h.db.Ping(ctx)
		return nil
	})
	if h.cache != nil {
		g.Go(func() error {
			cacheErr = h.cache.Ping(ctx)
			return nil
		})
	}
	_ = g.Wait()

	status := "ok"
	code := http.StatusOK
	deps := gin.H{"database": "up", "cache": "up"}
	if h.cache == nil {
		deps["cache"] = "disabled"
	}

	if cacheErr != nil {
		status = "degraded"
		code = http.StatusServiceUnavailable
		deps["cache"] = "down"
		h.logger.WarnContext(ctx, "cache health check failed", slog.String("error", cacheErr.Error()))
	}
	if dbErr != nil {
		status = "degraded"
		code = http.StatusServiceUnavailable
		deps["database"] = "down"
		h.logger.ErrorContext(ctx, "database health check failed", slog.String("error", dbErr.Error()))
	}

	c.JSON(code, gin.H{"status": status, "dependencies": deps})
}

// createShortURL handles POST /api/shorturls
// Request body: CreateURLRequest (JSON); an empty body counts as {}.
// Response codes:
//   - 201 Created: Short URL successfully created
//   - 400 Bad Request: Malformed body, missing URL, or rejected shortcode
//   - 500 Internal Server Error: Unexpected error
func (h *Handler) createShortURL(c *gin.Context) {
	ctx := c.Request.Context()
	var req model.CreateURLRequest

	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		h.logger.WarnContext(ctx, "invalid request body",
			slog.String("error", err.Error()),
			slog.String("path", c.Request.URL.Path))
		h.errorResponse(c, http.StatusBadRequest, "Invalid request body", CodeInvalidRequest)
		return
	}

	resp, err := h.urlService.CreateShortURL(ctx, &req)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrMissingURL):
			h.errorResponse(c, http.StatusBadRequest, "URL is required", CodeMissingURL)
		case errors.Is(err, service.ErrInvalidCustomCode):
			h.errorResponse(c, http.StatusBadRequest, "Custom shortcode must be 3-20 alphanumeric characters", CodeInvalidShortcode)
		case errors.Is(err, service.ErrReservedCode):
			h.errorResponse(c, http.StatusBadRequest, "Shortcode is reserved", CodeReservedShortcode)
		case errors.Is(err, service.ErrCodeExists):
			h.errorResponse(c, http.StatusBadRequest, "Shortcode already exists", CodeShortcodeExists)
		case errors.Is(err, service.ErrDuplicateCode):
			h.errorResponse(c, http.StatusBadRequest, "Shortcode collision", CodeDuplicate)
		default:
			h.logger.ErrorContext(ctx, "unexpected error creating short URL",
				slog.String("error", err.Error()))
			h.errorResponse(c, http.StatusInternalServerError, "Server error", CodeServerError)
		}
		return
	}

	c.JSON(http.StatusCreated, resp)
}

// getStats handles GET /api/shorturls/:shortcode
// Expired links still report, with isActive false.
// Response codes:
//   - 200 OK: Stats retrieved
//   - 404 Not Found: Short code does not exist
//   - 500 Internal Server Error: Unexpected error
func (h *Handler) getStats(c *gin.Context) {
	ctx := c.Request.Context()
	code := c.Param("shortcode")

	resp, err := h.urlService.GetStats(ctx, code)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrURLNotFound):
			h.errorResponse(c, http.StatusNotFound, "URL not found", CodeURLNotFound)
		default:
			h.logger.ErrorContext(ctx, "unexpected error fetching stats",
				slog.String("error", err.Error()),
				slog.String("shortcode", code))
			h.errorResponse(c, http.StatusInternalServerError, "Server error", CodeServerError)
		}
		return
	}

	c.JSON(http.StatusOK, resp)
}

// redirect handles GET /:shortcode
// Response codes:
//   - 302 Found: Redirects to the original URL and records the click
//   - 404 Not Found: Short code does not exist
//   - 410 Gone: URL has expired
//   - 500 Internal Server Error: Unexpected error
func (h *Handler) redirect(c *gin.Context) {
	ctx := c.Request.Context()
	code := c.Param("shortcode")

	visitor := model.Visitor{
		Referrer: c.GetHeader("Referer"),
		IP:       c.ClientIP(),
	}

	url, err := h.urlService.Redirect(ctx, code, visitor)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrURLNotFound):
			h.errorResponse(c, http.StatusNotFound, "URL not found", CodeURLNotFound)
		case errors.Is(err, service.ErrURLExpired):
			h.errorResponse(c, http.StatusGone, "URL has expired", CodeURLExpired)
		default:
			h.logger.ErrorContext(ctx, "unexpected error during redirect",
				slog.String("error", err.Error()),
				slog.String("shortcode", code))
			h.errorResponse(c, http.StatusInternalServerError, "Server error", CodeServerError)
		}
		return
	}

	c.Redirect(http.StatusFound, url)
}

// errorResponse sends a standardized JSON error response.
func (h *Handler) errorResponse(c *gin.Context, status int, message, code string) {
	c.JSON(status, model.ErrorResponse{
		Error: message,
		Code:  code,
	})
}
