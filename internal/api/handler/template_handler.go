package handler

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"path"

	"github.com/disintegration/imaging"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/cuongbtq/certgen/internal/api/dto"
	"github.com/cuongbtq/certgen/internal/domain"
	"github.com/cuongbtq/certgen/internal/template"
)

// CreateTemplate handles POST /templates/create-template
// Accepts a multipart form with the background "image" and a JSON "data" part
func (h *Handler) CreateTemplate(c *gin.Context) {
	h.logger.Info("CreateTemplate called",
		slog.String("method", c.Request.Method),
		slog.String("path", c.Request.URL.Path),
	)

	user, ok := h.requireUser(c)
	if !ok {
		return
	}

	// 1. Read the background image
	data, contentType, ok := h.readImage(c)
	if !ok {
		return
	}

	// 2. Parse the template description
	var req dto.CreateTemplateData
	if err := json.Unmarshal([]byte(c.PostForm("data")), &req); err != nil {
		h.logger.Error("Invalid template data", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid template data",
		})
		return
	}

	// 3. Canvas size defaults to the image bounds
	width, height := req.ImgWidth, req.ImgHeight
	if width <= 0 || height <= 0 {
		img, err := imaging.Decode(bytes.NewReader(data))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "Failed to decode image",
			})
			return
		}
		width, height = img.Bounds().Dx(), img.Bounds().Dy()
	}

	// 4. Store the background
	key := path.Join("templates", user.ID, uuid.New().String()+imageExtensions[contentType])
	if _, err := h.blobs.Put(c.Request.Context(), key, bytes.NewReader(data), int64(len(data)), contentType); err != nil {
		h.logger.Error("Failed to store background", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to store background",
		})
		return
	}

	fields := make([]domain.Field, len(req.Fields))
	for i, f := range req.Fields {
		fields[i] = f.Field()
	}

	// 5. Create the template
	tpl, err := h.templates.Create(c.Request.Context(), template.CreateParams{
		OwnerID:       user.ID,
		Title:         req.Title,
		BackgroundRef: key,
		CanvasWidth:   width,
		CanvasHeight:  height,
		FontFamily:    req.Font,
		Fields:        fields,
	})
	if err != nil {
		if errors.Is(err, domain.ErrInvalidTemplate) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": err.Error(),
			})
			return
		}
		h.logger.Error("Failed to create template", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to create template",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"success":    true,
		"templateId": tpl.ID,
		"slug":       tpl.Slug,
	})
}

// MyTemplates handles GET /templates/my-templates
func (h *Handler) MyTemplates(c *gin.Context) {
	user, ok := h.requireUser(c)
	if !ok {
		return
	}

	templates, err := h.templates.ListByOwner(c.Request.Context(), user.ID)
	if err != nil {
		h.logger.Error("Failed to list templates", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to list templates",
		})
		return
	}

	resp := make([]dto.TemplateDTO, len(templates))
	for i := range templates {
		resp[i] = dto.NewTemplateDTO(&templates[i], h.blobs.URL)
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    resp,
	})
}

// GetTemplate handles GET /templates/:template_id
func (h *Handler) GetTemplate(c *gin.Context) {
	user, ok := h.requireUser(c)
	if !ok {
		return
	}

	templateID, ok := h.requireUUID(c, "template_id")
	if !ok {
		return
	}

	tpl, err := h.templates.GetOwned(c.Request.Context(), templateID, user.ID)
	if err != nil {
		h.respondLookupError(c, err, "template")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    dto.NewTemplateDTO(tpl, h.blobs.URL),
	})
}
