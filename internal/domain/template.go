package domain

import (
	"fmt"
	"strings"
	"time"
)

// Field alignments
const (
	AlignLeft   = "left"
	AlignCenter = "center"
	AlignRight  = "right"
)

// Field defaults applied when a template omits them
const (
	DefaultFontFamily = "Poppins"
	DefaultFontSize   = 24
	DefaultColor      = "#000000"
)

// Template is a reusable certificate layout. It is immutable once created.
type Template struct {
	ID            string    `db:"id" json:"id"`
	OwnerID       string    `db:"owner_id" json:"owner_id"`
	Title         string    `db:"title" json:"title"`
	Slug          string    `db:"slug" json:"slug"`
	BackgroundRef string    `db:"background_ref" json:"background_ref"`
	CanvasWidth   int       `db:"canvas_width" json:"canvas_width"`
	CanvasHeight  int       `db:"canvas_height" json:"canvas_height"`
	Fields        []Field   `db:"-" json:"fields"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
}

// Field places one dataset column on the canvas. RelativeX and RelativeY are
// percentages of the canvas size.
type Field struct {
	TemplateID string  `db:"template_id" json:"-"`
	Position   int     `db:"position" json:"-"`
	Key        string  `db:"field_key" json:"key"`
	RelativeX  float64 `db:"relative_x" json:"x"`
	RelativeY  float64 `db:"relative_y" json:"y"`
	FontSize   float64 `db:"font_size" json:"font_size"`
	Color      string  `db:"color" json:"color"`
	FontFamily string  `db:"font_family" json:"font_family"`
	Align      string  `db:"align" json:"align"`
}

// Normalize fills defaults and validates the field
func (f *Field) Normalize() error {
	f.Key = strings.TrimSpace(f.Key)
	if f.Key == "" {
		return fmt.Errorf("field key is required")
	}
	if f.RelativeX < 0 || f.RelativeX > 100 || f.RelativeY < 0 || f.RelativeY > 100 {
		return fmt.Errorf("field %q position must be within 0-100%%", f.Key)
	}
	if f.FontSize == 0 {
		f.FontSize = DefaultFontSize
	}
	if f.FontSize < 0 {
		return fmt.Errorf("field %q font size must be positive", f.Key)
	}
	if f.Color == "" {
		f.Color = DefaultColor
	}
	if _, err := ParseHexColor(f.Color); err != nil {
		return fmt.Errorf("field %q: %w", f.Key, err)
	}
	if f.FontFamily == "" {
		f.FontFamily = DefaultFontFamily
	}

	switch strings.ToLower(f.Align) {
	case "", AlignLeft:
		f.Align = AlignLeft
	case AlignCenter:
		f.Align = AlignCenter
	case AlignRight:
		f.Align = AlignRight
	default:
		return fmt.Errorf("field %q has unknown alignment %q", f.Key, f.Align)
	}

	return nil
}
