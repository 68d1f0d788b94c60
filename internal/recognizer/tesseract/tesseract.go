// Package tesseract provides a recognizer.Engine backed by the Tesseract OCR
// engine through gosseract.
package tesseract

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"

	"github.com/MeKo-Tech/pageorder/internal/recognizer"
	"github.com/otiai10/gosseract/v2"
)

// Options configures the engine.
type Options struct {
	Languages      []string
	TessdataPrefix string
}

// Engine implements recognizer.Engine. A fresh client is created per call,
// so a single Engine may be shared between workers.
type Engine struct {
	opts          Options
	clientFactory func() *gosseract.Client
}

// New constructs a Tesseract-backed engine.
func New(opts Options) *Engine {
	if len(opts.Languages) == 0 {
		opts.Languages = []string{"eng"}
	}
	return &Engine{opts: opts, clientFactory: gosseract.NewClient}
}

// Version reports the linked Tesseract version.
func (e *Engine) Version() string {
	c := e.clientFactory()
	defer func() { _ = c.Close() }()
	return c.Version()
}

// RecognizeText implements recognizer.Engine.
func (e *Engine) RecognizeText(ctx context.Context, img image.Image, profile recognizer.Profile) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return "", fmt.Errorf("encode region: %w", err)
	}

	c := e.clientFactory()
	defer func() { _ = c.Close() }()

	if e.opts.TessdataPrefix != "" {
		if err := c.SetTessdataPrefix(e.opts.TessdataPrefix); err != nil {
			return "", fmt.Errorf("set tessdata prefix: %w", err)
		}
	}
	if err := c.SetLanguage(e.opts.Languages...); err != nil {
		return "", fmt.Errorf("set languages: %w", err)
	}
	if err := c.SetPageSegMode(gosseract.PageSegMode(profile.PageSegMode)); err != nil {
		return "", fmt.Errorf("set page segmentation mode %d: %w", profile.PageSegMode, err)
	}
	if profile.Whitelist != "" {
		if err := c.SetWhitelist(profile.Whitelist); err != nil {
			return "", fmt.Errorf("set whitelist: %w", err)
		}
	}
	if err := c.SetImageFromBytes(buf.Bytes()); err != nil {
		return "", fmt.Errorf("set image: %w", err)
	}
	text, err := c.Text()
	if err != nil {
		return "", fmt.Errorf("recognize text: %w", err)
	}
	return text, nil
}
