package render

import (
	"log"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/font/opentype"
)

// Fonts caches font faces by size. Without a usable font file every size
// falls back to the built-in bitmap face.
type Fonts struct {
	mu     sync.Mutex
	parsed *opentype.Font
	faces  map[float64]font.Face
}

// NewFallbackFonts returns a set that always uses the built-in bitmap face
func NewFallbackFonts() *Fonts {
	return &Fonts{faces: make(map[float64]font.Face)}
}

// LoadFonts parses the font at path, or the first system font found when
// path is empty
func LoadFonts(path string) *Fonts {
	f := NewFallbackFonts()
	if path == "" {
		path = findFontPath()
	}
	if path == "" {
		log.Println("⚠️ No font found, using built-in bitmap face")
		return f
	}

	data, err := os.ReadFile(path)
	if err != nil {
		log.Printf("⚠️ Failed to read font file: %v", err)
		return f
	}
	parsed, err := opentype.Parse(data)
	if err != nil {
		log.Printf("⚠️ Failed to parse font: %v", err)
		return f
	}
	f.parsed = parsed
	log.Printf("✅ Fonts loaded from: %s", path)
	return f
}

// Face returns a face at size, creating it on first use
func (f *Fonts) Face(size float64) font.Face {
	if size <= 0 {
		size = 32
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	if face, ok := f.faces[size]; ok {
		return face
	}
	var face font.Face = basicfont.Face7x13
	if f.parsed != nil {
		created, err := opentype.NewFace(f.parsed, &opentype.FaceOptions{
			Size:    size,
			DPI:     72,
			Hinting: font.HintingFull,
		})
		if err != nil {
			log.Printf("⚠️ Failed to create %.0fpt font face: %v", size, err)
		} else {
			face = created
		}
	}
	f.faces[size] = face
	return face
}

func findFontPath() string {
	paths := []string{
		"/usr/share/fonts/truetype/dejavu/DejaVuSans.ttf",
		"/usr/share/fonts/TTF/DejaVuSans.ttf",
		"/System/Library/Fonts/Helvetica.ttc",
		"C:\\Windows\\Fonts\\arial.ttf",
	}
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	matches, _ := filepath.Glob("*.ttf")
	if len(matches) > 0 {
		return matches[0]
	}
	return ""
}
