package support

import (
	"context"
	"errors"
	"fmt"
	"image"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"sync"

	"github.com/cucumber/godog"

	"github.com/MeKo-Tech/pageorder/internal/keys"
	"github.com/MeKo-Tech/pageorder/internal/pipeline"
	"github.com/MeKo-Tech/pageorder/internal/recognizer"
)

// fakeDocument is an in-memory scan. Page i rasterizes to an image of width
// i+1 so the recognition engine can tell which page it is looking at.
type fakeDocument struct {
	pages     int
	failPages map[int]bool
	tracker   *pipeline.Tracker

	mu                 sync.Mutex
	rasterCalls        []pipeline.PageRange
	completeDuringScan bool
	assembled          []int
}

func (d *fakeDocument) PageCount() int { return d.pages }

func (d *fakeDocument) Rasterize(_ context.Context, r pipeline.PageRange, _ float64) ([]pipeline.PageImage, error) {
	d.mu.Lock()
	d.rasterCalls = append(d.rasterCalls, r)
	if d.tracker != nil && d.tracker.Snapshot().Complete {
		d.completeDuringScan = true
	}
	d.mu.Unlock()

	out := make([]pipeline.PageImage, 0, r.Count)
	for i := r.First; i <= r.Last(); i++ {
		if d.failPages[i] {
			continue
		}
		out = append(out, pipeline.PageImage{Index: i, Image: image.NewGray(image.Rect(0, 0, i+1, 1))})
	}
	return out, nil
}

func (d *fakeDocument) Assemble(_ context.Context, order []int, outPath string) (pipeline.AssemblyReport, error) {
	d.mu.Lock()
	d.assembled = append([]int(nil), order...)
	d.mu.Unlock()
	return pipeline.AssemblyReport{OutputPath: outPath, Written: len(order)}, nil
}

func (d *fakeDocument) calls() []pipeline.PageRange {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]pipeline.PageRange(nil), d.rasterCalls...)
}

// passPreparer hands the page image through unchanged in size.
type passPreparer struct{}

func (passPreparer) Prepare(img image.Image, _ int) (*image.Gray, error) {
	return image.NewGray(img.Bounds()), nil
}

// progressRecorder collects tracker callbacks.
type progressRecorder struct {
	mu        sync.Mutex
	started   int
	updates   []int
	completed int
}

func (p *progressRecorder) OnStart(total int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.started = total
}

func (p *progressRecorder) OnProgress(current, _ int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.updates = append(p.updates, current)
}

func (p *progressRecorder) OnComplete() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.completed++
}

func (p *progressRecorder) OnError(int, error) {}

// engine answers with the text configured for the page encoded in the image
// width, preferring a text set for the specific profile.
func (testCtx *TestContext) engine() recognizer.EngineFunc {
	return func(_ context.Context, img image.Image, p recognizer.Profile) (string, error) {
		texts := testCtx.pageTexts[img.Bounds().Dx()-1]
		if text, ok := texts[p.Name]; ok {
			return text, nil
		}
		return texts[""], nil
	}
}

func (testCtx *TestContext) buildPipeline() (*pipeline.Pipeline, error) {
	table, err := keys.NewTable(keys.DefaultPatterns(), keys.DefaultPreferredPrefix,
		keys.WithStrictLength(testCtx.strictLength))
	if err != nil {
		return nil, err
	}
	rec, err := recognizer.New(testCtx.engine(), table, recognizer.WithLogger(testCtx.Logger))
	if err != nil {
		return nil, err
	}
	return pipeline.NewBuilder().
		WithConfig(testCtx.config).
		WithPreparer(passPreparer{}).
		WithRecognizer(rec).
		WithLogger(testCtx.Logger).
		Build()
}

func (testCtx *TestContext) aScannedDocumentWithPages(n int) error {
	testCtx.pageCount = n
	return nil
}

func (testCtx *TestContext) pageReads(page int, text string) error {
	return testCtx.pageReadsUnderProfile(page, text, "")
}

func (testCtx *TestContext) pageReadsUnderProfile(page int, text, profile string) error {
	if page < 0 || page >= testCtx.pageCount {
		return fmt.Errorf("page %d is outside the %d-page document", page, testCtx.pageCount)
	}
	if testCtx.pageTexts[page] == nil {
		testCtx.pageTexts[page] = make(map[string]string)
	}
	testCtx.pageTexts[page][profile] = text
	return nil
}

func (testCtx *TestContext) pageCannotBeRasterized(page int) error {
	testCtx.failPages[page] = true
	return nil
}

func (testCtx *TestContext) theBatchSizeIs(n int) error {
	testCtx.config.BatchSize = n
	return nil
}

func (testCtx *TestContext) workersAreUsed(n int) error {
	testCtx.config.Workers = n
	return nil
}

func (testCtx *TestContext) documentsWithoutKeysArePassedThrough() error {
	testCtx.config.OnNoKeys = pipeline.PassThroughUnkeyed
	return nil
}

func (testCtx *TestContext) keyLengthIsEnforcedStrictly() error {
	testCtx.strictLength = true
	return nil
}

func (testCtx *TestContext) runOnce() error {
	p, err := testCtx.buildPipeline()
	if err != nil {
		return fmt.Errorf("failed to build pipeline: %w", err)
	}
	testCtx.progress = &progressRecorder{}
	testCtx.tracker = pipeline.NewTracker(pipeline.WithCallback(testCtx.progress))
	testCtx.doc = &fakeDocument{pages: testCtx.pageCount, failPages: testCtx.failPages, tracker: testCtx.tracker}

	out := filepath.Join(testCtx.TempDir, "reordered.pdf")
	res, err := p.Run(context.Background(), testCtx.doc, out, testCtx.tracker)
	testCtx.lastErr = err
	if err == nil {
		testCtx.results = append(testCtx.results, res)
		testCtx.orders = append(testCtx.orders, testCtx.doc.assembled)
	}
	return nil
}

func (testCtx *TestContext) theDocumentIsReordered() error {
	return testCtx.runOnce()
}

func (testCtx *TestContext) theDocumentIsReorderedTwice() error {
	for range 2 {
		if err := testCtx.runOnce(); err != nil {
			return err
		}
		if testCtx.lastErr != nil {
			return fmt.Errorf("run failed: %w", testCtx.lastErr)
		}
	}
	return nil
}

func (testCtx *TestContext) theRunCompletes() error {
	if _, err := testCtx.lastResult(); err != nil {
		return err
	}
	if state := testCtx.tracker.Snapshot(); !state.Complete || state.Error != "" {
		return fmt.Errorf("expected a completed run, got %+v", state)
	}
	return nil
}

var runErrors = map[string]error{
	"no pages":      pipeline.ErrNoPages,
	"no keys found": pipeline.ErrNoKeysFound,
	"unreadable":    pipeline.ErrUnreadable,
	"encrypted":     pipeline.ErrEncrypted,
}

func (testCtx *TestContext) theRunFailsWith(name string) error {
	want, ok := runErrors[name]
	if !ok {
		return fmt.Errorf("unknown run error %q", name)
	}
	if testCtx.lastErr == nil {
		return fmt.Errorf("expected the run to fail with %q, but it succeeded", name)
	}
	if !errors.Is(testCtx.lastErr, want) {
		return fmt.Errorf("expected %q, got: %w", name, testCtx.lastErr)
	}
	if testCtx.tracker != nil {
		if state := testCtx.tracker.Snapshot(); state.Error == "" || !state.Failed || state.Complete {
			return errors.New("the progress state does not report the failure")
		}
	}
	return nil
}

func parseInts(list string) ([]int, error) {
	var out []int
	for _, field := range strings.Split(list, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		n, err := strconv.Atoi(field)
		if err != nil {
			return nil, fmt.Errorf("invalid number %q", field)
		}
		out = append(out, n)
	}
	return out, nil
}

func (testCtx *TestContext) thePageOrderIs(list string) error {
	want, err := parseInts(list)
	if err != nil {
		return err
	}
	res, err := testCtx.lastResult()
	if err != nil {
		return err
	}
	if got := res.OrderedIndices(); !reflect.DeepEqual(got, want) {
		return fmt.Errorf("expected page order %v, got %v", want, got)
	}
	if testCtx.doc == nil {
		return nil
	}
	if got := testCtx.doc.assembled; !reflect.DeepEqual(got, want) {
		return fmt.Errorf("expected the document to be assembled as %v, got %v", want, got)
	}
	return nil
}

func (testCtx *TestContext) theOrderKeysAre(list string) error {
	res, err := testCtx.lastResult()
	if err != nil {
		return err
	}
	var got []string
	for _, rec := range res.Records {
		if rec.Key.Found() {
			got = append(got, rec.Key.Value)
		} else {
			got = append(got, "-")
		}
	}
	want := strings.Split(list, ", ")
	if !reflect.DeepEqual(got, want) {
		return fmt.Errorf("expected order keys %v, got %v", want, got)
	}
	return nil
}

func (testCtx *TestContext) everyPageAppearsExactlyOnce() error {
	res, err := testCtx.lastResult()
	if err != nil {
		return err
	}
	seen := make(map[int]bool, res.TotalPages)
	for _, idx := range res.OrderedIndices() {
		if idx < 0 || idx >= res.TotalPages {
			return fmt.Errorf("page %d is out of range", idx)
		}
		if seen[idx] {
			return fmt.Errorf("page %d appears twice", idx)
		}
		seen[idx] = true
	}
	if len(seen) != res.TotalPages {
		return fmt.Errorf("expected %d pages, got %d", res.TotalPages, len(seen))
	}
	return nil
}

func (testCtx *TestContext) pagesWereRenderedInBatchesOf(total int, sizes string) error {
	want, err := parseInts(sizes)
	if err != nil {
		return err
	}
	calls := testCtx.doc.calls()
	if len(calls) != len(want) {
		return fmt.Errorf("expected %d batches, got %d: %v", len(want), len(calls), calls)
	}
	next := 0
	for i, c := range calls {
		if c.First != next || c.Count != want[i] {
			return fmt.Errorf("batch %d: expected pages %d..%d, got %+v", i, next, next+want[i]-1, c)
		}
		next += c.Count
	}
	if next != total {
		return fmt.Errorf("expected %d pages rendered, got %d", total, next)
	}
	return nil
}

func (testCtx *TestContext) noMoreThanPagesWereRasterizedAtOnce(limit int) error {
	for _, c := range testCtx.doc.calls() {
		if c.Count > limit {
			return fmt.Errorf("batch %+v holds more than %d pages", c, limit)
		}
	}
	return nil
}

func (testCtx *TestContext) pagesWereProcessed(n int) error {
	state := testCtx.tracker.Snapshot()
	if state.ProcessedPages != n || state.TotalPages != n {
		return fmt.Errorf("expected %d of %d pages processed, got %d of %d",
			n, n, state.ProcessedPages, state.TotalPages)
	}
	if state.Percentage != 100 {
		return fmt.Errorf("expected 100%% progress, got %.1f", state.Percentage)
	}

	testCtx.progress.mu.Lock()
	defer testCtx.progress.mu.Unlock()
	if testCtx.progress.started != n {
		return fmt.Errorf("expected progress to start with %d pages, got %d", n, testCtx.progress.started)
	}
	if len(testCtx.progress.updates) != n {
		return fmt.Errorf("expected %d progress updates, got %d", n, len(testCtx.progress.updates))
	}
	for i, current := range testCtx.progress.updates {
		if current != i+1 {
			return fmt.Errorf("progress update %d reported %d pages", i, current)
		}
	}
	if testCtx.progress.completed != 1 {
		return fmt.Errorf("expected one completion, got %d", testCtx.progress.completed)
	}
	return nil
}

func (testCtx *TestContext) theProgressWasNotCompleteBeforeTheLastBatch() error {
	testCtx.doc.mu.Lock()
	defer testCtx.doc.mu.Unlock()
	if testCtx.doc.completeDuringScan {
		return errors.New("progress was marked complete while pages were still being rendered")
	}
	return nil
}

func (testCtx *TestContext) bothRunsProduceTheSameOrder() error {
	if len(testCtx.orders) != 2 {
		return fmt.Errorf("expected two finished runs, got %d", len(testCtx.orders))
	}
	if !reflect.DeepEqual(testCtx.orders[0], testCtx.orders[1]) {
		return fmt.Errorf("runs differ: %v and %v", testCtx.orders[0], testCtx.orders[1])
	}
	return nil
}

func (testCtx *TestContext) noPageWasRasterized() error {
	if calls := testCtx.doc.calls(); len(calls) != 0 {
		return fmt.Errorf("expected no rasterization, got %v", calls)
	}
	return nil
}

func (testCtx *TestContext) theResultIsFlaggedAsHavingNoKeys() error {
	res, err := testCtx.lastResult()
	if err != nil {
		return err
	}
	if !res.NoKeysFound {
		return errors.New("expected the result to report that no keys were found")
	}
	return nil
}

func (testCtx *TestContext) pagesAreReportedWithoutKey(n int) error {
	res, err := testCtx.lastResult()
	if err != nil {
		return err
	}
	if res.MissingKeys != n {
		return fmt.Errorf("expected %d pages without key, got %d", n, res.MissingKeys)
	}
	if res.KeyedPages+res.MissingKeys != res.TotalPages {
		return fmt.Errorf("keyed %d and missing %d do not add up to %d pages",
			res.KeyedPages, res.MissingKeys, res.TotalPages)
	}
	return nil
}

func (testCtx *TestContext) pageIsMarkedAsFailed(page int) error {
	res, err := testCtx.lastResult()
	if err != nil {
		return err
	}
	for _, rec := range res.Records {
		if rec.Index == page {
			if rec.Fault == "" || rec.Key.Found() {
				return fmt.Errorf("expected page %d to be a failed page without key, got %+v", page, rec)
			}
			return nil
		}
	}
	return fmt.Errorf("page %d is missing from the result", page)
}

// RegisterPipelineSteps registers the steps that drive the pipeline over an
// in-memory document.
func (testCtx *TestContext) RegisterPipelineSteps(sc *godog.ScenarioContext) {
	// Document and recognition setup
	sc.Step(`^a scanned document with (\d+) pages?$`, testCtx.aScannedDocumentWithPages)
	sc.Step(`^page (\d+) reads "([^"]*)"$`, testCtx.pageReads)
	sc.Step(`^page (\d+) reads "([^"]*)" under the "([^"]*)" profile$`, testCtx.pageReadsUnderProfile)
	sc.Step(`^page (\d+) cannot be rasterized$`, testCtx.pageCannotBeRasterized)

	// Run configuration
	sc.Step(`^the batch size is (\d+)$`, testCtx.theBatchSizeIs)
	sc.Step(`^(\d+) workers? (?:is|are) used$`, testCtx.workersAreUsed)
	sc.Step(`^documents without keys are passed through$`, testCtx.documentsWithoutKeysArePassedThrough)
	sc.Step(`^key length is enforced strictly$`, testCtx.keyLengthIsEnforcedStrictly)

	// Execution
	sc.Step(`^the document is reordered$`, testCtx.theDocumentIsReordered)
	sc.Step(`^the document is reordered twice$`, testCtx.theDocumentIsReorderedTwice)

	// Outcome
	sc.Step(`^the run completes$`, testCtx.theRunCompletes)
	sc.Step(`^the run fails with "([^"]*)"$`, testCtx.theRunFailsWith)
	sc.Step(`^the page order is ([\d, ]+)$`, testCtx.thePageOrderIs)
	sc.Step(`^the order keys are "([^"]*)"$`, testCtx.theOrderKeysAre)
	sc.Step(`^every page appears exactly once$`, testCtx.everyPageAppearsExactlyOnce)
	sc.Step(`^(\d+) pages were rendered in batches of "([^"]*)"$`, testCtx.pagesWereRenderedInBatchesOf)
	sc.Step(`^no more than (\d+) pages were rasterized at once$`, testCtx.noMoreThanPagesWereRasterizedAtOnce)
	sc.Step(`^(\d+) pages were processed$`, testCtx.pagesWereProcessed)
	sc.Step(`^the progress was not complete before the last batch$`, testCtx.theProgressWasNotCompleteBeforeTheLastBatch)
	sc.Step(`^both runs produce the same order$`, testCtx.bothRunsProduceTheSameOrder)
	sc.Step(`^no page was rasterized$`, testCtx.noPageWasRasterized)
	sc.Step(`^the result is flagged as having no keys$`, testCtx.theResultIsFlaggedAsHavingNoKeys)
	sc.Step(`^(\d+) pages? (?:is|are) reported without key$`, testCtx.pagesAreReportedWithoutKey)
	sc.Step(`^page (\d+) is marked as failed$`, testCtx.pageIsMarkedAsFailed)
}
