package pipeline

import (
	"context"
	"errors"
	"image"
	"time"

	"github.com/MeKo-Tech/pageorder/internal/keys"
)

// Structural faults abort a run before any page is evaluated.
var (
	ErrUnreadable = errors.New("document is unreadable")
	ErrEncrypted  = errors.New("document is encrypted")
	ErrNoPages    = errors.New("document has no pages")
)

// ErrNoKeysFound is returned when the document was readable but no page
// carried a recognizable order key.
var ErrNoKeysFound = errors.New("no order keys found")

// PageImage is the raster of one source page. It is owned by the batch that
// rasterized it and dropped once the page has been evaluated.
type PageImage struct {
	Index int
	Image image.Image
}

// PageRecord is the outcome of evaluating one page.
type PageRecord struct {
	Index int      `json:"original_index"`
	Key   keys.Key `json:"order_key"`
	// Fault holds the reason a page could not be evaluated. The key is
	// absent whenever Fault is set.
	Fault string `json:"fault,omitempty"`
}

// PageRange is a contiguous run of zero-based page indices.
type PageRange struct {
	First int `json:"first"`
	Count int `json:"count"`
}

// Last returns the index of the last page in the range.
func (r PageRange) Last() int { return r.First + r.Count - 1 }

// AssemblyReport describes the document written by Assemble.
type AssemblyReport struct {
	OutputPath string `json:"output_path"`
	Written    int    `json:"written"`
	Skipped    []int  `json:"skipped,omitempty"`
}

// Document is the source document seen by the pipeline.
type Document interface {
	PageCount() int
	// Rasterize renders the pages of r. Pages that fail to render are left
	// out of the result; the error is reserved for failures of the whole call.
	Rasterize(ctx context.Context, r PageRange, dpi float64) ([]PageImage, error)
	// Assemble writes a new document holding the pages at the given
	// zero-based indices, in order.
	Assemble(ctx context.Context, order []int, outPath string) (AssemblyReport, error)
}

// Fingerprinter is implemented by documents that can identify their content,
// which enables the record cache.
type Fingerprinter interface {
	Fingerprint() string
}

// Preparer crops and normalizes the key region of a page.
type Preparer interface {
	Prepare(img image.Image, page int) (*image.Gray, error)
}

// KeyRecognizer reads the order key out of a prepared region.
type KeyRecognizer interface {
	Recognize(ctx context.Context, img image.Image) (keys.Key, error)
}

// NoKeysPolicy decides what happens when no page yields a key.
type NoKeysPolicy string

const (
	// RejectUnkeyed fails the run with ErrNoKeysFound.
	RejectUnkeyed NoKeysPolicy = "reject"
	// PassThroughUnkeyed writes the document in scan order.
	PassThroughUnkeyed NoKeysPolicy = "passthrough"
)

// Result is the outcome of a completed run.
type Result struct {
	// Records are in output order.
	Records     []PageRecord   `json:"records"`
	TotalPages  int            `json:"total_pages"`
	KeyedPages  int            `json:"keyed_pages"`
	MissingKeys int            `json:"missing_keys"`
	FaultPages  int            `json:"fault_pages"`
	NoKeysFound bool           `json:"no_keys_found"`
	Restored    bool           `json:"restored_from_cache"`
	Assembly    AssemblyReport `json:"assembly"`
	Duration    time.Duration  `json:"duration_ns"`
}

// OrderedKeys returns the key of every record in output order.
func (r *Result) OrderedKeys() []keys.Key {
	out := make([]keys.Key, len(r.Records))
	for i, rec := range r.Records {
		out[i] = rec.Key
	}
	return out
}

// OrderedIndices returns the original index of every record in output order.
func (r *Result) OrderedIndices() []int {
	out := make([]int, len(r.Records))
	for i, rec := range r.Records {
		out[i] = rec.Index
	}
	return out
}
