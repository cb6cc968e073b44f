package render

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/gobold"
	"golang.org/x/image/font/gofont/goitalic"
	"golang.org/x/image/font/gofont/gomono"
	"golang.org/x/image/font/gofont/goregular"
	"golang.org/x/image/font/opentype"
)

const fallbackFamily = "go"

// Fonts resolves font family names to parsed fonts. Unknown families fall
// back to Go Regular so a missing font never fails a row.
type Fonts struct {
	mu       sync.RWMutex
	families map[string]*opentype.Font
}

// NewFonts returns a registry holding the bundled Go fonts
func NewFonts() (*Fonts, error) {
	f := &Fonts{families: make(map[string]*opentype.Font)}

	builtin := map[string][]byte{
		fallbackFamily: goregular.TTF,
		"go-bold":      gobold.TTF,
		"go-italic":    goitalic.TTF,
		"go-mono":      gomono.TTF,
	}
	for name, data := range builtin {
		if err := f.Register(name, data); err != nil {
			return nil, err
		}
	}

	return f, nil
}

// Register parses TrueType or OpenType data under a family name
func (f *Fonts) Register(family string, data []byte) error {
	parsed, err := opentype.Parse(data)
	if err != nil {
		return fmt.Errorf("parse font %s: %w", family, err)
	}

	f.mu.Lock()
	f.families[normalizeFamily(family)] = parsed
	f.mu.Unlock()
	return nil
}

// LoadDir registers every .ttf and .otf file in dir. The family name is
// the file name without extension, so Poppins.ttf serves "Poppins".
func (f *Fonts) LoadDir(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("read font dir: %w", err)
	}

	loaded := 0
	for _, e := range entries {
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if e.IsDir() || (ext != ".ttf" && ext != ".otf") {
			continue
		}

		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return loaded, fmt.Errorf("read font %s: %w", e.Name(), err)
		}
		if err := f.Register(strings.TrimSuffix(e.Name(), filepath.Ext(e.Name())), data); err != nil {
			return loaded, err
		}
		loaded++
	}
	return loaded, nil
}

// Has reports whether a family is registered
func (f *Fonts) Has(family string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	_, ok := f.families[normalizeFamily(family)]
	return ok
}

// Face opens a face at the given pixel size. Faces are not safe for
// concurrent use, so every render opens its own and closes it.
func (f *Fonts) Face(family string, size float64) (font.Face, error) {
	f.mu.RLock()
	parsed, ok := f.families[normalizeFamily(family)]
	if !ok {
		parsed = f.families[fallbackFamily]
	}
	f.mu.RUnlock()

	face, err := opentype.NewFace(parsed, &opentype.FaceOptions{
		Size:    size,
		DPI:     72,
		Hinting: font.HintingFull,
	})
	if err != nil {
		return nil, fmt.Errorf("open face %s %.1f: %w", family, size, err)
	}
	return face, nil
}

func normalizeFamily(family string) string {
	return strings.ToLower(strings.TrimSpace(family))
}
