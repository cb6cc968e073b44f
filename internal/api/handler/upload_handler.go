package handler

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/cuongbtq/certgen/internal/api/dto"
	"github.com/cuongbtq/certgen/internal/dataset"
	"github.com/cuongbtq/certgen/internal/domain"
	"github.com/cuongbtq/certgen/internal/ledger"
	"github.com/cuongbtq/certgen/internal/progress"
)

// UploadCSV handles POST /uploads/upload-csv?template_id={id}
// Parses the dataset, creates a job and streams dispatch progress as SSE
func (h *Handler) UploadCSV(c *gin.Context) {
	templateID := c.Query("template_id")

	h.logger.Info("UploadCSV called",
		slog.String("method", c.Request.Method),
		slog.String("path", c.Request.URL.Path),
		slog.String("template_id", templateID),
	)

	user, ok := h.requireUser(c)
	if !ok {
		return
	}

	// 1. Validate template_id and ownership
	if _, err := uuid.Parse(templateID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "template_id must be a valid UUID",
		})
		return
	}

	tpl, err := h.templates.GetOwned(c.Request.Context(), templateID, user.ID)
	if err != nil {
		h.respondLookupError(c, err, "template")
		return
	}

	// 2. Parse the uploaded CSV
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUploadBytes)
	fh, err := c.FormFile("csv")
	if err != nil {
		h.logger.Error("No file uploaded", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "No file uploaded",
		})
		return
	}

	file, err := fh.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Failed to read uploaded file",
		})
		return
	}
	defer file.Close()

	var opts []dataset.Option
	if h.maxRows > 0 {
		opts = append(opts, dataset.WithMaxRows(h.maxRows))
	}

	ds, err := dataset.Parse(file, opts...)
	if err != nil {
		var malformed *domain.MalformedInputError
		if errors.As(err, &malformed) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "Invalid CSV",
				"details": malformed.Error(),
			})
			return
		}
		h.logger.Error("Failed to parse CSV", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Failed to parse CSV",
		})
		return
	}

	// 3. Create the job
	job, err := h.ledger.CreateJob(c.Request.Context(), user.ID, tpl.ID, ds.Len())
	if err != nil {
		h.logger.Error("Failed to create job", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to create job",
		})
		return
	}

	// 4. Dispatch while streaming progress
	progress.SetHeaders(c.Writer.Header())
	c.Status(http.StatusOK)
	sink := progress.NewSSESink(c.Writer)

	receipt, err := h.dispatcher.Dispatch(c.Request.Context(), job, tpl, ds.Rows, sink)
	if err != nil {
		h.logger.Error("Dispatch failed",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()),
		)
		return
	}

	h.logger.Info("Job dispatched",
		slog.String("job_id", job.ID),
		slog.Int("published", receipt.Published),
		slog.Bool("stream_closed", sink.Closed()),
	)
}

// ListUploadJobs handles GET /uploads/upload-jobs
// Lists the caller's jobs, most recent first, with cursor pagination
func (h *Handler) ListUploadJobs(c *gin.Context) {
	h.logger.Info("ListUploadJobs called",
		slog.String("method", c.Request.Method),
		slog.String("path", c.Request.URL.Path),
		slog.String("query", c.Request.URL.RawQuery),
	)

	user, ok := h.requireUser(c)
	if !ok {
		return
	}

	// 1. Parse query parameters
	var req dto.ListJobsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		h.logger.Error("Invalid query parameters", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid query parameters",
		})
		return
	}

	// 2. Validate parameters
	if req.PageSize <= 0 {
		req.PageSize = defaultPageSize
	}

	if req.PageSize > maxPageSize {
		req.PageSize = maxPageSize
	}

	// 3. Decode cursor for pagination
	cursor, err := DecodeJobCursor(req.Cursor)
	if err != nil {
		h.logger.Error("Invalid cursor", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid cursor",
		})
		return
	}

	// 4. Query the caller's jobs
	jobs, hasMore, err := h.ledger.ListJobs(c.Request.Context(), ledger.JobFilter{
		OwnerID:  user.ID,
		Status:   req.Status,
		PageSize: req.PageSize,
		Cursor:   cursor,
	})
	if err != nil {
		h.logger.Error("Failed to list jobs", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to list jobs",
		})
		return
	}

	// 5. Prepare response with next cursor if more results exist
	jobResponse := make([]dto.JobDTO, len(jobs))
	for i := range jobs {
		jobResponse[i] = dto.NewJobDTO(&jobs[i])
	}

	var nextCursor string
	if hasMore {
		last := jobs[len(jobs)-1]
		nextCursor = EncodeJobCursor(&ledger.JobCursor{
			CreatedAt: last.CreatedAt,
			JobID:     last.ID,
		})
	}

	c.JSON(http.StatusOK, dto.ListJobsResponse{
		Jobs:       jobResponse,
		NextCursor: nextCursor,
	})
}

// GetUploadJob handles GET /uploads/upload-jobs/:job_id
// Returns the job's status and counters
func (h *Handler) GetUploadJob(c *gin.Context) {
	h.logger.Info("GetUploadJob called",
		slog.String("method", c.Request.Method),
		slog.String("path", c.Request.URL.Path),
		slog.String("job_id", c.Param("job_id")),
	)

	user, ok := h.requireUser(c)
	if !ok {
		return
	}

	jobID, ok := h.requireUUID(c, "job_id")
	if !ok {
		return
	}

	job, err := h.ledger.GetOwnedJob(c.Request.Context(), jobID, user.ID)
	if err != nil {
		h.respondLookupError(c, err, "job")
		return
	}

	c.JSON(http.StatusOK, dto.NewJobDTO(job))
}

var imageExtensions = map[string]string{
	"image/png":  ".png",
	"image/jpeg": ".jpg",
	"image/gif":  ".gif",
}

// UploadImage handles POST /uploads/upload-image
// Stores an image in the blob store and returns its URL
func (h *Handler) UploadImage(c *gin.Context) {
	h.logger.Info("UploadImage called",
		slog.String("method", c.Request.Method),
		slog.String("path", c.Request.URL.Path),
	)

	user, ok := h.requireUser(c)
	if !ok {
		return
	}

	data, contentType, ok := h.readImage(c)
	if !ok {
		return
	}

	key := path.Join("uploads", user.ID, uuid.New().String()+imageExtensions[contentType])
	url, err := h.blobs.Put(c.Request.Context(), key, bytes.NewReader(data), int64(len(data)), contentType)
	if err != nil {
		h.logger.Error("Failed to store image", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to store image",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data": gin.H{
			"url": url,
			"key": key,
		},
	})
}

// readImage reads the multipart "image" part and sniffs its type
func (h *Handler) readImage(c *gin.Context) ([]byte, string, bool) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUploadBytes)

	fh, err := c.FormFile("image")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "No image uploaded",
		})
		return nil, "", false
	}

	file, err := fh.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Failed to read uploaded image",
		})
		return nil, "", false
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Failed to read uploaded image",
		})
		return nil, "", false
	}

	contentType := http.DetectContentType(data)
	if i := strings.IndexByte(contentType, ';'); i >= 0 {
		contentType = contentType[:i]
	}
	if _, ok := imageExtensions[contentType]; !ok {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Unsupported image type",
		})
		return nil, "", false
	}

	return data, contentType, true
}
