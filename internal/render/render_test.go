package render

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"
	"time"

	"graphics-player/internal/scene"
)

func element(id string, c scene.Content, x, y, w, h float64) scene.Element {
	return scene.Element{
		ID:        id,
		Content:   c,
		Transform: scene.Transform{X: x, Y: y, Width: w, Height: h, ScaleX: 1, ScaleY: 1, Opacity: 1},
	}
}

func TestRenderShape(t *testing.T) {
	r := NewRenderer(100, 100, NewFallbackFonts(), nil)
	img := r.Render([]scene.Element{
		element("box", scene.Content{Type: scene.ContentShape, Fill: "#ff0000"}, 10, 10, 20, 20),
	})

	got := color.RGBAModel.Convert(img.At(20, 20)).(color.RGBA)
	if got.R != 255 || got.G != 0 || got.A != 255 {
		t.Errorf("Inside box = %+v, want opaque red", got)
	}
	if _, _, _, a := img.At(50, 50).RGBA(); a != 0 {
		t.Errorf("Outside box alpha = %d, want transparent", a)
	}
}

func TestRenderSkipsInvisible(t *testing.T) {
	r := NewRenderer(50, 50, nil, nil)
	el := element("box", scene.Content{Type: scene.ContentShape, Fill: "#00ff00"}, 0, 0, 50, 50)
	el.Opacity = 0

	img := r.Render([]scene.Element{el})
	if _, _, _, a := img.At(25, 25).RGBA(); a != 0 {
		t.Error("Fully transparent element was drawn")
	}
}

func TestRenderTextWithFallbackFace(t *testing.T) {
	r := NewRenderer(200, 40, NewFallbackFonts(), nil)
	img := r.Render([]scene.Element{
		element("t", scene.Content{Type: scene.ContentText, Text: "HELLO", Color: "#ffffff"}, 0, 0, 200, 40),
	})

	drawn := false
	b := img.Bounds()
	for y := b.Min.Y; y < b.Max.Y && !drawn; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			if _, _, _, a := img.At(x, y).RGBA(); a > 0 {
				drawn = true
				break
			}
		}
	}
	if !drawn {
		t.Error("Text produced no pixels")
	}
}

func TestRenderPNG(t *testing.T) {
	r := NewRenderer(32, 32, nil, nil)
	var buf bytes.Buffer
	if err := r.RenderPNG(&buf, nil); err != nil {
		t.Fatalf("RenderPNG: %v", err)
	}
	img, err := png.Decode(&buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if img.Bounds().Dx() != 32 {
		t.Errorf("Width = %d, want 32", img.Bounds().Dx())
	}
}

func TestParseHexColor(t *testing.T) {
	fallback := color.RGBA{1, 2, 3, 4}
	tests := []struct {
		in   string
		want color.RGBA
	}{
		{"#fff", color.RGBA{255, 255, 255, 255}},
		{"#102030", color.RGBA{16, 32, 48, 255}},
		{"10203040", color.RGBA{16, 32, 48, 64}},
		{"", fallback},
		{"#zzzzzz", fallback},
	}
	for _, tt := range tests {
		if got := parseHexColor(tt.in, fallback); got != tt.want {
			t.Errorf("parseHexColor(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestMediaCacheLoadsLocalFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "logo.png")

	src := image.NewRGBA(image.Rect(0, 0, 4, 4))
	src.Set(1, 1, color.RGBA{0, 0, 255, 255})
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	png.Encode(f, src)
	f.Close()

	c := NewMediaCache(2)
	if img := c.GetOrFetch(path); img != nil {
		t.Fatal("First lookup must not block on the load")
	}

	deadline := time.Now().Add(2 * time.Second)
	for c.Get(path) == nil {
		if time.Now().After(deadline) {
			t.Fatal("Image never cached")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if stats := c.Stats(); stats.Misses != 1 || stats.Size != 1 {
		t.Errorf("Unexpected stats %+v", stats)
	}
}

func TestMediaCacheEvictsOldest(t *testing.T) {
	c := NewMediaCache(2)
	img := image.NewRGBA(image.Rect(0, 0, 1, 1))
	c.Put("a", img)
	c.Put("b", img)
	c.Put("c", img)

	if c.Get("a") != nil {
		t.Error("Oldest entry should be evicted")
	}
	if c.Get("b") == nil || c.Get("c") == nil {
		t.Error("Newer entries should remain")
	}
}
