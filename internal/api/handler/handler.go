package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/cuongbtq/certgen/internal/auth"
	"github.com/cuongbtq/certgen/internal/blob"
	"github.com/cuongbtq/certgen/internal/catalog"
	"github.com/cuongbtq/certgen/internal/dispatch"
	"github.com/cuongbtq/certgen/internal/domain"
	"github.com/cuongbtq/certgen/internal/ledger"
	"github.com/cuongbtq/certgen/internal/template"
)

// UserKey is the gin context key holding the authenticated *auth.Claims
const UserKey = "auth.user"

const (
	defaultPageSize = 20
	maxPageSize     = 100

	defaultMaxUploadBytes = 10 << 20
)

// HealthChecker reports whether a backing service is reachable
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger         *slog.Logger
	Ledger         *ledger.Ledger
	Templates      *template.Service
	Catalog        *catalog.Catalog
	Dispatcher     *dispatch.Dispatcher
	Blobs          blob.Store
	Auth           *auth.Verifier
	AuthCookie     string
	DB             HealthChecker
	MaxRows        int
	MaxUploadBytes int64
	// ArtifactsDir is served under /artifacts when blobs are stored locally
	ArtifactsDir string
	// AllowedOrigins lists browser origins trusted with credentialed requests
	AllowedOrigins []string
}

// Handler serves the operator API
type Handler struct {
	logger         *slog.Logger
	ledger         *ledger.Ledger
	templates      *template.Service
	catalog        *catalog.Catalog
	dispatcher     *dispatch.Dispatcher
	blobs          blob.Store
	db             HealthChecker
	maxRows        int
	maxUploadBytes int64
}

// NewHandler creates a new Handler instance
func NewHandler(deps *Dependencies) *Handler {
	maxUpload := deps.MaxUploadBytes
	if maxUpload <= 0 {
		maxUpload = defaultMaxUploadBytes
	}

	return &Handler{
		logger:         deps.Logger,
		ledger:         deps.Ledger,
		templates:      deps.Templates,
		catalog:        deps.Catalog,
		dispatcher:     deps.Dispatcher,
		blobs:          deps.Blobs,
		db:             deps.DB,
		maxRows:        deps.MaxRows,
		maxUploadBytes: maxUpload,
	}
}

// Health handles GET /health
func (h *Handler) Health(c *gin.Context) {
	if h.db != nil {
		if err := h.db.HealthCheck(c.Request.Context()); err != nil {
			h.logger.Error("Health check failed", slog.String("error", err.Error()))
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status":  "unhealthy",
				"service": "certgen-api",
			})
			return
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"service": "certgen-api",
	})
}

// CurrentUser returns the operator set by the auth middleware
func CurrentUser(c *gin.Context) (*auth.Claims, bool) {
	v, ok := c.Get(UserKey)
	if !ok {
		return nil, false
	}
	claims, ok := v.(*auth.Claims)
	return claims, ok
}

func (h *Handler) requireUser(c *gin.Context) (*auth.Claims, bool) {
	user, ok := CurrentUser(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error": "Unauthorized",
		})
		return nil, false
	}
	return user, true
}

// requireUUID validates a path parameter
func (h *Handler) requireUUID(c *gin.Context, name string) (string, bool) {
	value := c.Param(name)
	if _, err := uuid.Parse(value); err != nil {
		h.logger.Error("Invalid "+name+" format", slog.String(name, value), slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": name + " must be a valid UUID",
		})
		return "", false
	}
	return value, true
}

// respondLookupError maps the not-found family to 404 and the rest to 500
func (h *Handler) respondLookupError(c *gin.Context, err error, what string) {
	if errors.Is(err, domain.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{
			"error": what + " not found",
		})
		return
	}

	h.logger.Error("Failed to get "+what, slog.String("error", err.Error()))
	c.JSON(http.StatusInternalServerError, gin.H{
		"error": "Failed to get " + what,
	})
}
