// Package render rasterises a projected element list onto the canvas. It is
// used for preview frames; broadcast output consumes the same element list.
package render

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"io"
	"strings"

	"github.com/fogleman/gg"

	"graphics-player/internal/scene"
)

// Renderer draws element lists at a fixed canvas size
type Renderer struct {
	width  int
	height int
	fonts  *Fonts
	media  *MediaCache

	background color.Color
}

// NewRenderer creates a renderer. media may be nil.
func NewRenderer(width, height int, fonts *Fonts, media *MediaCache) *Renderer {
	if fonts == nil {
		fonts = NewFallbackFonts()
	}
	return &Renderer{
		width:      width,
		height:     height,
		fonts:      fonts,
		media:      media,
		background: color.Transparent,
	}
}

// SetBackground sets the canvas clear color (transparent by default, for keying)
func (r *Renderer) SetBackground(c color.Color) {
	r.background = c
}

// Render draws elements in order, bottom first
func (r *Renderer) Render(elements []scene.Element) image.Image {
	dc := gg.NewContext(r.width, r.height)
	dc.SetColor(r.background)
	dc.Clear()

	for _, el := range elements {
		if el.Hidden || el.Opacity <= 0 {
			continue
		}
		r.drawElement(dc, el)
	}
	return dc.Image()
}

// RenderPNG draws elements and encodes the frame as PNG
func (r *Renderer) RenderPNG(w io.Writer, elements []scene.Element) error {
	if err := png.Encode(w, r.Render(elements)); err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	return nil
}

func (r *Renderer) drawElement(dc *gg.Context, el scene.Element) {
	w, h := el.Width, el.Height

	dc.Push()
	defer dc.Pop()

	// Transform about the element's centre
	dc.Translate(el.X+w/2, el.Y+h/2)
	if el.Rotation != 0 {
		dc.Rotate(gg.Radians(el.Rotation))
	}
	if el.ScaleX != 1 || el.ScaleY != 1 {
		dc.Scale(el.ScaleX, el.ScaleY)
	}
	dc.Translate(-w/2, -h/2)

	c := el.Content
	switch c.Type {
	case scene.ContentShape:
		r.drawShape(dc, c, w, h, el.Opacity)
	case scene.ContentText:
		r.drawText(dc, c.Text, c, w, h, el.Opacity)
	case scene.ContentIcon:
		r.drawText(dc, c.Icon, c, w, h, el.Opacity)
	case scene.ContentTicker:
		r.drawText(dc, strings.Join(c.Items, "  •  "), c, w, h, el.Opacity)
	case scene.ContentChart:
		r.drawChart(dc, c, w, h, el.Opacity)
	case scene.ContentImage:
		r.drawImage(dc, c.Src, w, h, el.Opacity)
	default:
		// Video and map frames come from the broadcast compositor; the
		// preview only marks their bounds
		dc.SetColor(withAlpha(parseHexColor(c.Color, color.RGBA{255, 255, 255, 255}), el.Opacity*0.5))
		dc.SetLineWidth(2)
		dc.DrawRectangle(0, 0, w, h)
		dc.Stroke()
	}
}

func (r *Renderer) drawShape(dc *gg.Context, c scene.Content, w, h, opacity float64) {
	dc.SetColor(withAlpha(parseHexColor(c.Fill, color.RGBA{255, 255, 255, 255}), opacity))
	switch c.Shape {
	case "ellipse", "circle":
		dc.DrawEllipse(w/2, h/2, w/2, h/2)
	case "rounded":
		dc.DrawRoundedRectangle(0, 0, w, h, min(w, h)/8)
	default:
		dc.DrawRectangle(0, 0, w, h)
	}
	dc.Fill()
}

func (r *Renderer) drawText(dc *gg.Context, text string, c scene.Content, w, h, opacity float64) {
	if text == "" {
		return
	}
	if c.Fill != "" {
		dc.SetColor(withAlpha(parseHexColor(c.Fill, color.RGBA{0, 0, 0, 255}), opacity))
		dc.DrawRectangle(0, 0, w, h)
		dc.Fill()
	}
	dc.SetFontFace(r.fonts.Face(c.FontSize))
	dc.SetColor(withAlpha(parseHexColor(c.Color, color.RGBA{255, 255, 255, 255}), opacity))
	if w > 0 {
		dc.DrawStringWrapped(text, 0, h/2, 0, 0.5, w, 1.2, gg.AlignLeft)
		return
	}
	dc.DrawStringAnchored(text, 0, h/2, 0, 0.5)
}

func (r *Renderer) drawChart(dc *gg.Context, c scene.Content, w, h, opacity float64) {
	if len(c.Values) == 0 {
		return
	}
	maxV := 0.0
	for _, v := range c.Values {
		maxV = max(maxV, v)
	}
	if maxV <= 0 {
		return
	}
	gap := 4.0
	barW := (w - gap*float64(len(c.Values)-1)) / float64(len(c.Values))
	dc.SetColor(withAlpha(parseHexColor(c.Fill, color.RGBA{83, 200, 255, 255}), opacity))
	for i, v := range c.Values {
		barH := h * max(v, 0) / maxV
		dc.DrawRectangle(float64(i)*(barW+gap), h-barH, barW, barH)
	}
	dc.Fill()
}

func (r *Renderer) drawImage(dc *gg.Context, src string, w, h, opacity float64) {
	if r.media == nil {
		return
	}
	img := r.media.GetOrFetch(src)
	if img == nil {
		return
	}
	b := img.Bounds()
	if b.Dx() == 0 || b.Dy() == 0 {
		return
	}
	if opacity < 1 {
		img = fade(img, opacity)
	}

	dc.Push()
	if w > 0 && h > 0 {
		dc.Scale(w/float64(b.Dx()), h/float64(b.Dy()))
	}
	dc.DrawImage(img, 0, 0)
	dc.Pop()
}

// fade returns a copy of img with its alpha multiplied by opacity
func fade(img image.Image, opacity float64) image.Image {
	b := img.Bounds()
	out := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	mask := image.NewUniform(color.Alpha{A: uint8(clamp01(opacity) * 255)})
	draw.DrawMask(out, out.Bounds(), img, b.Min, mask, image.Point{}, draw.Over)
	return out
}

func withAlpha(c color.RGBA, opacity float64) color.Color {
	a := clamp01(opacity) * float64(c.A) / 255
	return color.NRGBA{R: c.R, G: c.G, B: c.B, A: uint8(a * 255)}
}

func clamp01(v float64) float64 {
	return max(0, min(1, v))
}

// HexColor parses a #rgb, #rrggbb or #rrggbbaa color, transparent when invalid
func HexColor(hex string) color.Color {
	return parseHexColor(hex, color.RGBA{})
}

// parseHexColor accepts #rgb, #rrggbb and #rrggbbaa
func parseHexColor(hex string, fallback color.RGBA) color.RGBA {
	hex = strings.TrimPrefix(strings.TrimSpace(hex), "#")
	var r, g, b, a uint8 = 0, 0, 0, 255
	switch len(hex) {
	case 3:
		if _, err := fmt.Sscanf(hex, "%1x%1x%1x", &r, &g, &b); err != nil {
			return fallback
		}
		r, g, b = r*17, g*17, b*17
	case 6:
		if _, err := fmt.Sscanf(hex, "%02x%02x%02x", &r, &g, &b); err != nil {
			return fallback
		}
	case 8:
		if _, err := fmt.Sscanf(hex, "%02x%02x%02x%02x", &r, &g, &b, &a); err != nil {
			return fallback
		}
	default:
		return fallback
	}
	return color.RGBA{r, g, b, a}
}
