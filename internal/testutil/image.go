package testutil

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/require"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// ImageSize represents common page dimensions.
type ImageSize struct {
	Width  int
	Height int
}

var (
	// Page sizes roughly matching A4 at a few resolutions.
	SmallPage  = ImageSize{248, 351}
	MediumPage = ImageSize{496, 702}
	LargePage  = ImageSize{992, 1404}
)

// PageConfig describes a synthetic scanned page.
type PageConfig struct {
	Key        string
	Size       ImageSize
	Background color.Color
	Foreground color.Color
	// KeyX and KeyY place the key's top-left corner as fractions of the page.
	KeyX float64
	KeyY float64
	// Scale enlarges the 7x13 bitmap glyphs.
	Scale int
	// Body is rendered in the middle of the page as filler text.
	Body string
}

// DefaultPageConfig places the key in the top-right corner of a medium page.
func DefaultPageConfig() PageConfig {
	return PageConfig{
		Key:        "0900000001",
		Size:       MediumPage,
		Background: color.White,
		Foreground: color.Black,
		KeyX:       0.65,
		KeyY:       0.04,
		Scale:      2,
		Body:       "Lorem ipsum dolor sit amet",
	}
}

// GeneratePage renders a synthetic page image.
func GeneratePage(cfg PageConfig) (*image.NRGBA, error) {
	if cfg.Size.Width <= 0 || cfg.Size.Height <= 0 {
		return nil, fmt.Errorf("invalid page size %dx%d", cfg.Size.Width, cfg.Size.Height)
	}
	if cfg.Scale < 1 {
		cfg.Scale = 1
	}
	page := imaging.New(cfg.Size.Width, cfg.Size.Height, cfg.Background)

	if cfg.Key != "" {
		stamp := renderText(cfg.Key, cfg.Background, cfg.Foreground)
		if cfg.Scale > 1 {
			b := stamp.Bounds()
			stamp = imaging.Resize(stamp, b.Dx()*cfg.Scale, b.Dy()*cfg.Scale, imaging.NearestNeighbor)
		}
		pos := image.Pt(int(cfg.KeyX*float64(cfg.Size.Width)), int(cfg.KeyY*float64(cfg.Size.Height)))
		page = imaging.Paste(page, stamp, pos)
	}
	if cfg.Body != "" {
		body := renderText(cfg.Body, cfg.Background, cfg.Foreground)
		page = imaging.PasteCenter(page, body)
	}
	return page, nil
}

// MustGeneratePage is GeneratePage for tests.
func MustGeneratePage(t *testing.T, cfg PageConfig) *image.NRGBA {
	t.Helper()
	img, err := GeneratePage(cfg)
	require.NoError(t, err)
	return img
}

func renderText(text string, bg, fg color.Color) *image.NRGBA {
	face := basicfont.Face7x13
	w := font.MeasureString(face, text).Ceil() + 4
	h := face.Metrics().Height.Ceil() + 4
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	draw.Draw(img, img.Bounds(), &image.Uniform{bg}, image.Point{}, draw.Src)
	d := &font.Drawer{
		Dst:  img,
		Src:  &image.Uniform{fg},
		Face: face,
		Dot:  fixed.P(2, 2+face.Metrics().Ascent.Ceil()),
	}
	d.DrawString(text)
	return img
}

// CreateTestImage creates a uniform image with the given dimensions and color.
func CreateTestImage(width, height int, c color.Color) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.Draw(img, img.Bounds(), &image.Uniform{c}, image.Point{}, draw.Src)
	return img
}

// EncodePNG encodes img as PNG bytes.
func EncodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

// SaveImage saves an image to the specified path as PNG.
func SaveImage(t *testing.T, img image.Image, path string) {
	t.Helper()

	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o750))
	require.NoError(t, os.WriteFile(path, EncodePNG(t, img), 0o600))
}

// LoadImage loads an image from the specified path.
func LoadImage(t *testing.T, path string) image.Image {
	t.Helper()

	file, err := os.Open(path) //nolint:gosec // G304: Test file reading with controlled path
	require.NoError(t, err, "Failed to open image file %s", path)
	defer func() { _ = file.Close() }()

	img, _, err := image.Decode(file)
	require.NoError(t, err, "Failed to decode image")

	return img
}

// FileExists reports whether path exists.
func FileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
