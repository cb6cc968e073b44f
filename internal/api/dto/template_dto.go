package dto

import (
	"time"

	"github.com/cuongbtq/certgen/internal/domain"
)

// CreateTemplateData is the JSON "data" part of the create-template form
type CreateTemplateData struct {
	Title     string               `json:"title"`
	Font      string               `json:"font"`
	ImgWidth  int                  `json:"img_width"`
	ImgHeight int                  `json:"img_height"`
	Fields    []TemplateFieldInput `json:"fields"`
}

type TemplateFieldInput struct {
	FieldKey  string  `json:"field_key"`
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
	FontSize  float64 `json:"font_size"`
	Color     string  `json:"color"`
	Font      string  `json:"font"`
	TextAlign string  `json:"text_align"`
}

func (f TemplateFieldInput) Field() domain.Field {
	return domain.Field{
		Key:        f.FieldKey,
		RelativeX:  f.X,
		RelativeY:  f.Y,
		FontSize:   f.FontSize,
		Color:      f.Color,
		FontFamily: f.Font,
		Align:      f.TextAlign,
	}
}

type TemplateDTO struct {
	TemplateID    string         `json:"template_id"`
	Title         string         `json:"title"`
	Slug          string         `json:"slug"`
	BackgroundRef string         `json:"background_ref"`
	BackgroundURL string         `json:"background_url"`
	CanvasWidth   int            `json:"canvas_width"`
	CanvasHeight  int            `json:"canvas_height"`
	Fields        []domain.Field `json:"fields"`
	CreatedAt     string         `json:"created_at"`
}

// NewTemplateDTO builds the response view. urlOf resolves the background
// reference to a public URL.
func NewTemplateDTO(tpl *domain.Template, urlOf func(string) string) TemplateDTO {
	fields := tpl.Fields
	if fields == nil {
		fields = []domain.Field{}
	}
	return TemplateDTO{
		TemplateID:    tpl.ID,
		Title:         tpl.Title,
		Slug:          tpl.Slug,
		BackgroundRef: tpl.BackgroundRef,
		BackgroundURL: urlOf(tpl.BackgroundRef),
		CanvasWidth:   tpl.CanvasWidth,
		CanvasHeight:  tpl.CanvasHeight,
		Fields:        fields,
		CreatedAt:     tpl.CreatedAt.Format(time.RFC3339),
	}
}
