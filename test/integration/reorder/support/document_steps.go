package support

import (
	"context"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"

	"github.com/cucumber/godog"
	fitz "github.com/gen2brain/go-fitz"

	"github.com/MeKo-Tech/pageorder/internal/pipeline"
	"github.com/MeKo-Tech/pageorder/internal/recognizer"
	"github.com/MeKo-Tech/pageorder/internal/reorder"
	"github.com/MeKo-Tech/pageorder/internal/testutil"
)

// sequenceEngine answers with texts[n] for the n-th page it sees. A new page
// starts whenever the first profile runs again, which holds as long as pages
// are evaluated one at a time.
type sequenceEngine struct {
	mu    sync.Mutex
	first string
	texts []string
	page  int
}

func newSequenceEngine(texts []string) *sequenceEngine {
	return &sequenceEngine{first: recognizer.DefaultProfiles()[0].Name, texts: texts, page: -1}
}

func (e *sequenceEngine) RecognizeText(_ context.Context, _ image.Image, p recognizer.Profile) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if p.Name == e.first {
		e.page++
	}
	if e.page < len(e.texts) {
		return e.texts[e.page], nil
	}
	return "", nil
}

// serviceSettings evaluates one page at a time at a low resolution.
func (testCtx *TestContext) serviceSettings() reorder.Settings {
	s := reorder.DefaultSettings()
	s.Pipeline.BatchSize = 1
	s.Pipeline.Workers = 1
	s.Pipeline.DPI = 36
	s.Pipeline.OnNoKeys = testCtx.config.OnNoKeys
	s.Region.Upscale = 1
	s.StrictLength = testCtx.strictLength
	s.ArchiveDir = filepath.Join(testCtx.TempDir, "archive")
	return s
}

func (testCtx *TestContext) newService() (*reorder.Service, error) {
	return reorder.New(newSequenceEngine(testCtx.keyTexts), testCtx.serviceSettings(),
		reorder.WithLogger(testCtx.Logger))
}

func splitLabels(list string) []string {
	var out []string
	for _, label := range strings.Split(list, ",") {
		if label = strings.TrimSpace(label); label != "" {
			out = append(out, label)
		}
	}
	return out
}

func (testCtx *TestContext) aPDFFileWithPages(labels string) error {
	testCtx.sourcePath = filepath.Join(testCtx.TempDir, "scan.pdf")
	return os.WriteFile(testCtx.sourcePath, testutil.BuildPDF(splitLabels(labels)...), 0o600)
}

func (testCtx *TestContext) aFileThatIsNotAPDF() error {
	testCtx.sourcePath = filepath.Join(testCtx.TempDir, "scan.pdf")
	return os.WriteFile(testCtx.sourcePath, []byte("these are not the pages you are looking for"), 0o600)
}

func (testCtx *TestContext) theRecognizerReadsTheKeysInPageOrder(list string) error {
	testCtx.keyTexts = nil
	for _, text := range strings.Split(list, ",") {
		text = strings.TrimSpace(text)
		if text == "-" {
			text = ""
		}
		testCtx.keyTexts = append(testCtx.keyTexts, text)
	}
	return nil
}

func (testCtx *TestContext) thePDFFileIsReordered() error {
	svc, err := testCtx.newService()
	if err != nil {
		return fmt.Errorf("failed to build reorder service: %w", err)
	}
	testCtx.tracker = pipeline.NewTracker()
	out, err := svc.Process(context.Background(), reorder.Request{
		SourcePath: testCtx.sourcePath,
		OutputPath: filepath.Join(testCtx.TempDir, "scan-reordered.pdf"),
	}, testCtx.tracker)
	testCtx.lastErr = err
	testCtx.outcome = out
	if err == nil {
		testCtx.results = append(testCtx.results, out.Result)
	}
	return nil
}

// pdfPageTexts returns the trimmed text of every page of the PDF at path.
func pdfPageTexts(path string) ([]string, error) {
	doc, err := fitz.New(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer func() { _ = doc.Close() }()

	out := make([]string, doc.NumPage())
	for i := range out {
		text, err := doc.Text(i)
		if err != nil {
			return nil, fmt.Errorf("failed to read page %d: %w", i, err)
		}
		out[i] = strings.TrimSpace(text)
	}
	return out, nil
}

func (testCtx *TestContext) theReorderedPDFShows(labels string) error {
	if testCtx.lastErr != nil {
		return fmt.Errorf("run failed: %w", testCtx.lastErr)
	}
	got, err := pdfPageTexts(testCtx.outcome.OutputPath)
	if err != nil {
		return err
	}
	if want := splitLabels(labels); !reflect.DeepEqual(got, want) {
		return fmt.Errorf("expected pages %v, got %v", want, got)
	}
	return nil
}

func (testCtx *TestContext) theSourcePDFIsUnchanged(labels string) error {
	got, err := pdfPageTexts(testCtx.sourcePath)
	if err != nil {
		return err
	}
	if want := splitLabels(labels); !reflect.DeepEqual(got, want) {
		return fmt.Errorf("expected the source to still read %v, got %v", want, got)
	}
	return nil
}

// RegisterDocumentSteps registers the steps that reorder real PDF files.
func (testCtx *TestContext) RegisterDocumentSteps(sc *godog.ScenarioContext) {
	sc.Step(`^a PDF file with pages "([^"]*)"$`, testCtx.aPDFFileWithPages)
	sc.Step(`^a file that is not a PDF$`, testCtx.aFileThatIsNotAPDF)
	sc.Step(`^the recognizer reads the keys "([^"]*)" in page order$`, testCtx.theRecognizerReadsTheKeysInPageOrder)
	sc.Step(`^the PDF file is reordered$`, testCtx.thePDFFileIsReordered)
	sc.Step(`^the reordered PDF shows "([^"]*)"$`, testCtx.theReorderedPDFShows)
	sc.Step(`^the source PDF still shows "([^"]*)"$`, testCtx.theSourcePDFIsUnchanged)
}
