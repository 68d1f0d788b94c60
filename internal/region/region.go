// Package region crops the key area out of a page image and prepares it for
// text recognition.
package region

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"log/slog"
	"math"
	"os"
	"path/filepath"

	"github.com/disintegration/imaging"
)

// Box is a crop rectangle expressed as fractions of the page size.
type Box struct {
	Left   float64 `json:"left"`
	Top    float64 `json:"top"`
	Right  float64 `json:"right"`
	Bottom float64 `json:"bottom"`
}

// Validate checks that the box lies within the page and is not empty.
func (b Box) Validate() error {
	edges := []struct {
		name string
		v    float64
	}{{"left", b.Left}, {"top", b.Top}, {"right", b.Right}, {"bottom", b.Bottom}}
	for _, e := range edges {
		if math.IsNaN(e.v) || e.v < 0 || e.v > 1 {
			return fmt.Errorf("%s must be within [0,1], got %v", e.name, e.v)
		}
	}
	if b.Left >= b.Right {
		return fmt.Errorf("left (%v) must be less than right (%v)", b.Left, b.Right)
	}
	if b.Top >= b.Bottom {
		return fmt.Errorf("top (%v) must be less than bottom (%v)", b.Top, b.Bottom)
	}
	return nil
}

// Rect maps the box onto concrete image bounds.
func (b Box) Rect(bounds image.Rectangle) image.Rectangle {
	w, h := float64(bounds.Dx()), float64(bounds.Dy())
	return image.Rect(
		bounds.Min.X+int(math.Round(b.Left*w)),
		bounds.Min.Y+int(math.Round(b.Top*h)),
		bounds.Min.X+int(math.Round(b.Right*w)),
		bounds.Min.Y+int(math.Round(b.Bottom*h)),
	)
}

// Config controls how the key region is prepared.
type Config struct {
	Box        Box
	Upscale    int
	Contrast   float64
	Brightness float64
	// DebugDir, when set, receives a PNG of every prepared region.
	DebugDir string
}

// DefaultConfig returns the settings used for the top-right key stamp.
func DefaultConfig() Config {
	return Config{
		Box:        Box{Left: 0.55, Top: 0, Right: 1, Bottom: 0.18},
		Upscale:    4,
		Contrast:   2.0,
		Brightness: 1.5,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if err := c.Box.Validate(); err != nil {
		return fmt.Errorf("crop box: %w", err)
	}
	if c.Upscale < 1 {
		return fmt.Errorf("upscale must be at least 1, got %d", c.Upscale)
	}
	if c.Contrast <= 0 {
		return fmt.Errorf("contrast factor must be positive, got %v", c.Contrast)
	}
	if c.Brightness <= 0 {
		return fmt.Errorf("brightness factor must be positive, got %v", c.Brightness)
	}
	return nil
}

// Error reports a failure to prepare a page region.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("region %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// ErrEmptyRegion is returned when the crop box covers no pixels.
var ErrEmptyRegion = errors.New("crop covers no pixels")

// Preprocessor turns page images into recognition-ready grayscale regions.
// It is safe for concurrent use.
type Preprocessor struct {
	cfg    Config
	logger *slog.Logger
}

// New creates a Preprocessor. A nil logger falls back to slog.Default.
func New(cfg Config, logger *slog.Logger) (*Preprocessor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.DebugDir != "" {
		if err := os.MkdirAll(cfg.DebugDir, 0o750); err != nil {
			return nil, fmt.Errorf("create debug dir: %w", err)
		}
	}
	return &Preprocessor{cfg: cfg, logger: logger}, nil
}

// Config returns the preprocessor settings.
func (p *Preprocessor) Config() Config { return p.cfg }

// Prepare crops, converts, upscales and enhances the key region of img.
// The page index is only used to name diagnostic output.
func (p *Preprocessor) Prepare(img image.Image, page int) (*image.Gray, error) {
	if img == nil {
		return nil, &Error{Op: "crop", Err: errors.New("nil image")}
	}
	rect := p.cfg.Box.Rect(img.Bounds()).Intersect(img.Bounds())
	if rect.Empty() {
		return nil, &Error{Op: "crop", Err: ErrEmptyRegion}
	}

	cropped := imaging.Crop(img, rect)
	gray := imaging.Grayscale(cropped)
	if p.cfg.Upscale > 1 {
		b := gray.Bounds()
		gray = imaging.Resize(gray, b.Dx()*p.cfg.Upscale, b.Dy()*p.cfg.Upscale, imaging.Lanczos)
	}
	enhanced := Brightness(Contrast(gray, p.cfg.Contrast), p.cfg.Brightness)
	out := toGray(enhanced)

	if p.cfg.DebugDir != "" {
		path := filepath.Join(p.cfg.DebugDir, fmt.Sprintf("page_%04d_region.png", page))
		if err := imaging.Save(out, path); err != nil {
			p.logger.Warn("failed to write debug region", "page", page, "path", path, "error", err)
		}
	}
	return out, nil
}

// Contrast blends a grayscale image with its mean intensity. A factor of 1
// leaves the image unchanged, larger factors push pixels away from the mean.
func Contrast(img *image.NRGBA, factor float64) *image.NRGBA {
	if factor == 1 {
		return img
	}
	mean := meanIntensity(img)
	return imaging.AdjustFunc(img, func(c color.NRGBA) color.NRGBA {
		c.R = clamp(mean + factor*(float64(c.R)-mean))
		c.G = clamp(mean + factor*(float64(c.G)-mean))
		c.B = clamp(mean + factor*(float64(c.B)-mean))
		return c
	})
}

// Brightness scales every channel by factor.
func Brightness(img *image.NRGBA, factor float64) *image.NRGBA {
	if factor == 1 {
		return img
	}
	return imaging.AdjustFunc(img, func(c color.NRGBA) color.NRGBA {
		c.R = clamp(float64(c.R) * factor)
		c.G = clamp(float64(c.G) * factor)
		c.B = clamp(float64(c.B) * factor)
		return c
	})
}

// meanIntensity returns the rounded mean of the red channel, which equals
// luminance for grayscale input.
func meanIntensity(img *image.NRGBA) float64 {
	b := img.Bounds()
	n := b.Dx() * b.Dy()
	if n == 0 {
		return 0
	}
	var sum uint64
	for y := 0; y < b.Dy(); y++ {
		row := img.Pix[y*img.Stride : y*img.Stride+b.Dx()*4]
		for x := 0; x < len(row); x += 4 {
			sum += uint64(row[x])
		}
	}
	return math.Round(float64(sum) / float64(n))
}

func toGray(img *image.NRGBA) *image.Gray {
	b := img.Bounds()
	out := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := 0; y < b.Dy(); y++ {
		src := img.Pix[y*img.Stride:]
		dst := out.Pix[y*out.Stride:]
		for x := 0; x < b.Dx(); x++ {
			dst[x] = src[x*4]
		}
	}
	return out
}

func clamp(v float64) uint8 {
	v = math.Round(v)
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return uint8(v)
}
