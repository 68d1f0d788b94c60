package pipeline

import (
	"context"
	"errors"
	"image"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MeKo-Tech/pageorder/internal/keys"
)

// fakeDoc is an in-memory Document. Page i rasterizes to an image of width
// i+1 so the fake preparer and recognizer can recover the page index.
type fakeDoc struct {
	pages       int
	fingerprint string

	mu          sync.Mutex
	rasterCalls []PageRange
	failPages   map[int]bool // pages left out of the rasterized batch
	failBatch   error        // returned from every Rasterize call
	inFlight    atomic.Int32
	maxInFlight atomic.Int32

	assembled   []int
	assembleErr error
}

func newFakeDoc(pages int) *fakeDoc { return &fakeDoc{pages: pages} }

func (d *fakeDoc) PageCount() int { return d.pages }

func (d *fakeDoc) Rasterize(ctx context.Context, r PageRange, dpi float64) ([]PageImage, error) {
	d.mu.Lock()
	d.rasterCalls = append(d.rasterCalls, r)
	d.mu.Unlock()
	if d.failBatch != nil {
		return nil, d.failBatch
	}
	out := make([]PageImage, 0, r.Count)
	for i := r.First; i <= r.Last(); i++ {
		if d.failPages[i] {
			continue
		}
		out = append(out, PageImage{Index: i, Image: image.NewGray(image.Rect(0, 0, i+1, 1))})
	}
	return out, nil
}

func (d *fakeDoc) Assemble(ctx context.Context, order []int, outPath string) (AssemblyReport, error) {
	if d.assembleErr != nil {
		return AssemblyReport{}, d.assembleErr
	}
	d.mu.Lock()
	d.assembled = append([]int(nil), order...)
	d.mu.Unlock()
	return AssemblyReport{OutputPath: outPath, Written: len(order)}, nil
}

func (d *fakeDoc) calls() []PageRange {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]PageRange(nil), d.rasterCalls...)
}

// fingerprintDoc adds content identity to fakeDoc.
type fingerprintDoc struct {
	*fakeDoc
}

func (d fingerprintDoc) Fingerprint() string { return d.fingerprint }

// passPreparer hands the page image through as a gray image.
type passPreparer struct {
	panicOn map[int]bool
	failOn  map[int]bool
}

func (p passPreparer) Prepare(img image.Image, page int) (*image.Gray, error) {
	if p.panicOn[page] {
		panic("corrupt raster")
	}
	if p.failOn[page] {
		return nil, errors.New("region is empty")
	}
	return image.NewGray(img.Bounds()), nil
}

// tableRecognizer returns the configured key for the page whose index is
// encoded in the image width.
type tableRecognizer struct {
	table *keys.Table
	texts map[int]string
	block chan struct{} // when set, recognition waits for it or ctx
	delay time.Duration // sleep that ignores ctx, like an engine without cancellation

	calls atomic.Int32
	doc   *fakeDoc
}

func (r *tableRecognizer) Recognize(ctx context.Context, img image.Image) (keys.Key, error) {
	r.calls.Add(1)
	if r.doc != nil {
		n := r.doc.inFlight.Add(1)
		defer r.doc.inFlight.Add(-1)
		for {
			m := r.doc.maxInFlight.Load()
			if n <= m || r.doc.maxInFlight.CompareAndSwap(m, n) {
				break
			}
		}
	}
	if r.delay > 0 {
		time.Sleep(r.delay)
	}
	if r.block != nil {
		select {
		case <-r.block:
		case <-ctx.Done():
			return keys.Key{}, ctx.Err()
		}
	}
	idx := img.Bounds().Dx() - 1
	key, _ := r.table.Match(r.texts[idx])
	return key, nil
}

func newRecognizer(texts map[int]string) *tableRecognizer {
	return &tableRecognizer{table: keys.DefaultTable(), texts: texts}
}
