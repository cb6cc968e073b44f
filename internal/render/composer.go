package render

import (
	"bytes"
	"fmt"
	"image"
	"image/draw"
	"io"

	"github.com/disintegration/imaging"
	"golang.org/x/image/font"
	"golang.org/x/image/math/fixed"

	"github.com/cuongbtq/certgen/internal/domain"
)

// Composer lays text fields over a background image
type Composer struct {
	fonts *Fonts
}

// NewComposer creates a Composer
func NewComposer(fonts *Fonts) *Composer {
	return &Composer{fonts: fonts}
}

// Render decodes the background, composes the task's fields and returns PNG bytes
func (c *Composer) Render(background io.Reader, task *domain.RenderTask) ([]byte, error) {
	bg, err := imaging.Decode(background, imaging.AutoOrientation(true))
	if err != nil {
		return nil, domain.NewPermanentRenderError(domain.StageDecode, err)
	}

	img, err := c.Compose(bg, task)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.PNG); err != nil {
		return nil, domain.NewRenderError(domain.StageEncode, err)
	}
	return buf.Bytes(), nil
}

// Compose scales the background to cover the canvas and draws every field
// with its top-left corner, center or right edge at the field's anchor
// depending on alignment
func (c *Composer) Compose(background image.Image, task *domain.RenderTask) (*image.NRGBA, error) {
	if task.CanvasWidth <= 0 || task.CanvasHeight <= 0 {
		return nil, domain.NewPermanentRenderError(domain.StageDraw,
			fmt.Errorf("invalid canvas %dx%d", task.CanvasWidth, task.CanvasHeight))
	}

	canvas := imaging.New(task.CanvasWidth, task.CanvasHeight, image.White)
	if background != nil {
		filled := imaging.Fill(background, task.CanvasWidth, task.CanvasHeight, imaging.Center, imaging.Lanczos)
		draw.Draw(canvas, canvas.Bounds(), filled, image.Point{}, draw.Over)
	}

	for _, field := range task.Fields {
		if field.Value == "" {
			continue
		}
		if err := c.drawField(canvas, field); err != nil {
			return nil, err
		}
	}

	return canvas, nil
}

func (c *Composer) drawField(dst draw.Image, field domain.AbsoluteField) error {
	col, err := domain.ParseHexColor(field.Color)
	if err != nil {
		return domain.NewPermanentRenderError(domain.StageDraw, err)
	}

	size := field.FontSize
	if size <= 0 {
		size = domain.DefaultFontSize
	}

	face, err := c.fonts.Face(field.FontFamily, size)
	if err != nil {
		return domain.NewPermanentRenderError(domain.StageDraw, err)
	}
	defer face.Close()

	d := &font.Drawer{
		Dst:  dst,
		Src:  image.NewUniform(col),
		Face: face,
	}

	x := originX(field, d.MeasureString(field.Value))

	// Anchors are the top of the text box; the drawer wants the baseline
	y := fixed.Int26_6(field.AbsY*64) + face.Metrics().Ascent

	d.Dot = fixed.Point26_6{X: x, Y: y}
	d.DrawString(field.Value)
	return nil
}

// TextBounds measures where a field's text would land on the canvas
func (c *Composer) TextBounds(field domain.AbsoluteField) (image.Rectangle, error) {
	size := field.FontSize
	if size <= 0 {
		size = domain.DefaultFontSize
	}

	face, err := c.fonts.Face(field.FontFamily, size)
	if err != nil {
		return image.Rectangle{}, err
	}
	defer face.Close()

	width := font.MeasureString(face, field.Value)
	x := originX(field, width)

	m := face.Metrics()
	top := fixed.Int26_6(field.AbsY * 64)
	return image.Rect(x.Floor(), top.Floor(), (x + width).Ceil(), (top + m.Ascent + m.Descent).Ceil()), nil
}

func originX(field domain.AbsoluteField, width fixed.Int26_6) fixed.Int26_6 {
	x := fixed.Int26_6(field.AbsX * 64)
	switch field.Align {
	case domain.AlignCenter:
		x -= width / 2
	case domain.AlignRight:
		x -= width
	}
	return x
}
