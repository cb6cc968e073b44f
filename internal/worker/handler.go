package worker

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/cuongbtq/certgen/internal/domain"
	"github.com/cuongbtq/certgen/internal/queue"
	"github.com/cuongbtq/certgen/internal/signing"
)

const (
	rawBodyKey = "worker.raw_body"

	defaultMaxBodyBytes = 1 << 20
)

// Handler exposes the worker over signed HTTP deliveries
type Handler struct {
	logger       *slog.Logger
	worker       *Worker
	verifier     *signing.Verifier
	maxBodyBytes int64
}

// NewHandler creates a new Handler instance
func NewHandler(worker *Worker, verifier *signing.Verifier, logger *slog.Logger) *Handler {
	return &Handler{
		logger:       logger,
		worker:       worker,
		verifier:     verifier,
		maxBodyBytes: defaultMaxBodyBytes,
	}
}

// VerifySignature rejects deliveries whose signature does not match the
// exact body and request path. The body is read once and kept on the context.
func (h *Handler) VerifySignature() gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := io.ReadAll(io.LimitReader(c.Request.Body, h.maxBodyBytes+1))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error": "Failed to read request body",
			})
			return
		}
		if int64(len(body)) > h.maxBodyBytes {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{
				"error": "Request body too large",
			})
			return
		}

		token := c.GetHeader(signing.Header)
		if _, err := h.verifier.Verify(token, c.Request.URL.Path, body); err != nil {
			h.logger.Warn("Rejected unsigned delivery",
				slog.String("path", c.Request.URL.Path),
				slog.String("error", err.Error()),
			)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Invalid signature",
			})
			return
		}

		c.Set(rawBodyKey, body)
		c.Request.Body = io.NopCloser(bytes.NewReader(body))
		c.Next()
	}
}

// Generate handles POST /generate
// Renders one row. Failed rows are acknowledged with success=false so the
// relay stops retrying them.
func (h *Handler) Generate(c *gin.Context) {
	task, ok := h.bindTask(c)
	if !ok {
		return
	}

	final := isFinalAttempt(c.Request.Header)
	outcome, err := h.worker.Handle(c.Request.Context(), task, final)
	if err != nil {
		h.respondError(c, err)
		return
	}

	h.respond(c, outcome)
}

// GenerateFailed handles POST /generate/failed
// Records a row whose deliveries were exhausted.
func (h *Handler) GenerateFailed(c *gin.Context) {
	task, ok := h.bindTask(c)
	if !ok {
		return
	}

	outcome, err := h.worker.HandleExhausted(c.Request.Context(), task, c.GetHeader(queue.HTTPHeaderLastError))
	if err != nil {
		h.respondError(c, err)
		return
	}

	h.respond(c, outcome)
}

func (h *Handler) bindTask(c *gin.Context) (*domain.RenderTask, bool) {
	body, _ := c.Get(rawBodyKey)
	raw, _ := body.([]byte)

	var task domain.RenderTask
	if err := json.Unmarshal(raw, &task); err != nil {
		h.logger.Error("Invalid task body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid task body",
		})
		return nil, false
	}
	if task.JobID == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "job_id is required",
		})
		return nil, false
	}

	return &task, true
}

func (h *Handler) respond(c *gin.Context, outcome *Outcome) {
	cert := outcome.Certificate
	if outcome.Failed || cert.Status == domain.CertificateStatusFailed {
		c.JSON(http.StatusOK, gin.H{
			"success":   false,
			"duplicate": outcome.Duplicate,
			"error":     cert.ErrorMessage,
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":       true,
		"duplicate":     outcome.Duplicate,
		"certificateId": cert.ID,
		"slug":          cert.Slug,
		"artifactUrl":   cert.ArtifactURL,
	})
}

func (h *Handler) respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, domain.ErrCounterOverflow):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

// isFinalAttempt reads the relay attempt headers. Requests without them are
// treated as retryable.
func isFinalAttempt(h http.Header) bool {
	attempt, err := strconv.Atoi(h.Get(queue.HTTPHeaderAttempt))
	if err != nil {
		return false
	}
	maxAttempts, err := strconv.Atoi(h.Get(queue.HTTPHeaderMaxAttempts))
	if err != nil || maxAttempts <= 0 {
		return false
	}
	return attempt >= maxAttempts
}

// SetupRouter configures the worker routes
func SetupRouter(h *Handler, middleware ...gin.HandlerFunc) *gin.Engine {
	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(middleware...)

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": "certgen-worker",
		})
	})

	signed := r.Group("/generate", h.VerifySignature())
	{
		// POST /generate - Render one row
		signed.POST("", h.Generate)

		// POST /generate/failed - Record an exhausted row
		signed.POST("/failed", h.GenerateFailed)
	}

	return r
}
