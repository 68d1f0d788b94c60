// Package pdf opens source documents, renders their pages and writes
// reordered copies. Page rendering uses MuPDF through go-fitz; validation,
// decryption and page selection use pdfcpu.
package pdf

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/gen2brain/go-fitz"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"

	"github.com/MeKo-Tech/pageorder/internal/pipeline"
)

// Options configures how a document is opened.
type Options struct {
	Credentials Credentials
	Logger      *slog.Logger
}

// Document is an open source PDF. It implements pipeline.Document and
// pipeline.Fingerprinter. Rendering is serialized since MuPDF documents are
// not safe for concurrent use.
type Document struct {
	path        string
	workPath    string // decrypted copy, or path
	decrypted   bool
	pages       int
	fingerprint string
	logger      *slog.Logger

	mu sync.Mutex
	fz *fitz.Document
}

var (
	_ pipeline.Document      = (*Document)(nil)
	_ pipeline.Fingerprinter = (*Document)(nil)
)

// Open validates the file at path and prepares it for rendering. Structural
// problems are reported as pipeline.ErrUnreadable, pipeline.ErrEncrypted or
// pipeline.ErrNoPages.
func Open(path string, opts Options) (*Document, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	fingerprint, err := fileDigest(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", pipeline.ErrUnreadable, err)
	}

	d := &Document{path: path, workPath: path, fingerprint: fingerprint, logger: logger}
	if err := d.unlock(opts.Credentials); err != nil {
		return nil, err
	}

	conf := relaxedConfig()
	if err := api.ValidateFile(d.workPath, conf); err != nil {
		d.cleanup()
		return nil, fmt.Errorf("%w: %w", pipeline.ErrUnreadable, err)
	}

	pages, err := api.PageCountFile(d.workPath)
	if err != nil {
		d.cleanup()
		return nil, fmt.Errorf("%w: %w", pipeline.ErrUnreadable, err)
	}
	if pages <= 0 {
		d.cleanup()
		return nil, pipeline.ErrNoPages
	}

	fz, err := fitz.New(d.workPath)
	if err != nil {
		d.cleanup()
		return nil, fmt.Errorf("%w: %w", pipeline.ErrUnreadable, err)
	}
	if n := fz.NumPage(); n != pages {
		logger.Warn("page count mismatch between parsers", "pdfcpu", pages, "mupdf", n)
		pages = min(pages, n)
	}
	if pages <= 0 {
		_ = fz.Close()
		d.cleanup()
		return nil, pipeline.ErrNoPages
	}
	d.fz = fz
	d.pages = pages

	logger.Debug("document opened", "path", path, "pages", pages, "decrypted", d.decrypted)
	return d, nil
}

// unlock replaces workPath with a decrypted copy when the file is encrypted.
func (d *Document) unlock(creds Credentials) error {
	encrypted, err := isEncrypted(d.path)
	if err != nil {
		return fmt.Errorf("%w: %w", pipeline.ErrUnreadable, err)
	}
	if !encrypted {
		return nil
	}
	if creds.Empty() {
		return fmt.Errorf("%w: a password is required", pipeline.ErrEncrypted)
	}
	tmp, err := decryptToTemp(d.path, creds)
	if err != nil {
		return fmt.Errorf("%w: %w", pipeline.ErrEncrypted, err)
	}
	d.workPath = tmp
	d.decrypted = true
	return nil
}

// Path returns the path the document was opened from.
func (d *Document) Path() string { return d.path }

// PageCount returns the number of pages.
func (d *Document) PageCount() int { return d.pages }

// Fingerprint returns the hex SHA-256 digest of the source file.
func (d *Document) Fingerprint() string { return d.fingerprint }

// Rasterize renders the pages of r at dpi. Pages that fail to render are
// logged and left out.
func (d *Document) Rasterize(ctx context.Context, r pipeline.PageRange, dpi float64) ([]pipeline.PageImage, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.fz == nil {
		return nil, errors.New("document is closed")
	}

	out := make([]pipeline.PageImage, 0, r.Count)
	for idx := r.First; idx <= r.Last(); idx++ {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		if idx < 0 || idx >= d.pages {
			d.logger.Warn("page index out of range", "page", idx, "pages", d.pages)
			continue
		}
		img, err := d.fz.ImageDPI(idx, dpi)
		if err != nil {
			d.logger.Warn("failed to render page", "page", idx, "error", err)
			continue
		}
		out = append(out, pipeline.PageImage{Index: idx, Image: img})
	}
	return out, nil
}

// Assemble writes a new PDF holding the pages at the given zero-based
// indices, in order. Indices outside the document are skipped with a
// warning. The output is written to a temporary file first and renamed
// into place.
func (d *Document) Assemble(ctx context.Context, order []int, outPath string) (pipeline.AssemblyReport, error) {
	report := pipeline.AssemblyReport{OutputPath: outPath}
	if err := ctx.Err(); err != nil {
		return report, err
	}

	selected := make([]string, 0, len(order))
	for _, idx := range order {
		if idx < 0 || idx >= d.pages {
			d.logger.Warn("skipping page outside document", "page", idx, "pages", d.pages)
			report.Skipped = append(report.Skipped, idx)
			continue
		}
		selected = append(selected, strconv.Itoa(idx+1))
	}
	if len(selected) == 0 {
		return report, errors.New("no pages to assemble")
	}

	if err := os.MkdirAll(filepath.Dir(outPath), 0o750); err != nil {
		return report, fmt.Errorf("failed to create output directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(outPath), ".pageorder-*.pdf")
	if err != nil {
		return report, fmt.Errorf("failed to create temporary file: %w", err)
	}
	tmpName := tmp.Name()
	_ = tmp.Close()

	if err := api.CollectFile(d.workPath, tmpName, selected, relaxedConfig()); err != nil {
		_ = os.Remove(tmpName)
		return report, fmt.Errorf("failed to collect pages: %w", err)
	}
	if err := os.Rename(tmpName, outPath); err != nil {
		_ = os.Remove(tmpName)
		return report, fmt.Errorf("failed to move output into place: %w", err)
	}

	report.Written = len(selected)
	return report, nil
}

// Close releases the renderer and removes any decrypted copy.
func (d *Document) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var err error
	if d.fz != nil {
		err = d.fz.Close()
		d.fz = nil
	}
	d.cleanup()
	return err
}

func (d *Document) cleanup() {
	if d.decrypted {
		if err := os.Remove(d.workPath); err != nil && !os.IsNotExist(err) {
			d.logger.Warn("failed to remove decrypted copy", "path", d.workPath, "error", err)
		}
		d.decrypted = false
		d.workPath = d.path
	}
}

// PageCount returns the page count of the PDF at path without opening it
// for rendering.
func PageCount(path string) (int, error) {
	n, err := api.PageCountFile(path)
	if err != nil {
		if IsPasswordError(err) {
			return 0, fmt.Errorf("%w: %w", pipeline.ErrEncrypted, err)
		}
		return 0, fmt.Errorf("%w: %w", pipeline.ErrUnreadable, err)
	}
	return n, nil
}

func relaxedConfig() *model.Configuration {
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	return conf
}

func fileDigest(path string) (string, error) {
	f, err := os.Open(path) //nolint:gosec // G304: reading the caller's document is expected
	if err != nil {
		return "", err
	}
	defer func() { _ = f.Close() }()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
