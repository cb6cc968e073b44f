package handler

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/cuongbtq/certgen/internal/api/dto"
)

// ListJobCertificates handles GET /certificates/job/:job_id
// Lists every recorded row outcome of one of the caller's jobs
func (h *Handler) ListJobCertificates(c *gin.Context) {
	h.logger.Info("ListJobCertificates called",
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

	if _, err := h.ledger.GetOwnedJob(c.Request.Context(), jobID, user.ID); err != nil {
		h.respondLookupError(c, err, "job")
		return
	}

	certs, err := h.catalog.ListByJob(c.Request.Context(), jobID)
	if err != nil {
		h.respondLookupError(c, err, "certificates")
		return
	}

	resp := dto.ListCertificatesResponse{
		JobID:        jobID,
		Certificates: make([]dto.CertificateDTO, len(certs)),
	}
	for i := range certs {
		resp.Certificates[i] = dto.NewCertificateDTO(&certs[i])
	}

	c.JSON(http.StatusOK, resp)
}

// GetCertificateBySlug handles GET /certificates/slug/:slug
// Public lookup used by verification pages
func (h *Handler) GetCertificateBySlug(c *gin.Context) {
	slug := c.Param("slug")

	cert, err := h.catalog.GetBySlug(c.Request.Context(), slug)
	if err != nil {
		h.respondLookupError(c, err, "certificate")
		return
	}

	c.JSON(http.StatusOK, dto.NewCertificateDTO(cert))
}
