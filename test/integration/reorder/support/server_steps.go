package support

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/cucumber/godog"

	"github.com/MeKo-Tech/pageorder/internal/jobs"
	"github.com/MeKo-Tech/pageorder/internal/server"
)

var httpClient = &http.Client{Timeout: 30 * time.Second}

func (testCtx *TestContext) theReorderServerIsRunning() error {
	svc, err := testCtx.newService()
	if err != nil {
		return fmt.Errorf("failed to build reorder service: %w", err)
	}
	testCtx.manager = jobs.NewManager(svc, 1, testCtx.Logger)

	srv, err := server.NewServer(server.Config{
		UploadDir:        filepath.Join(testCtx.TempDir, "uploads"),
		ProgressInterval: 20 * time.Millisecond,
		Version:          "test",
		Logger:           testCtx.Logger,
	}, testCtx.manager, nil)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}
	testCtx.httpServer = httptest.NewServer(srv.Routes())
	return nil
}

func (testCtx *TestContext) uploadFile(path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // G304: scenario temp file
	if err != nil {
		return err
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("pdf", filepath.Base(path))
	if err != nil {
		return err
	}
	if _, err := part.Write(data); err != nil {
		return err
	}
	if err := mw.Close(); err != nil {
		return err
	}

	resp, err := httpClient.Post(testCtx.httpServer.URL+"/jobs", mw.FormDataContentType(), &body)
	if err != nil {
		return fmt.Errorf("upload failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	testCtx.lastStatusCode = resp.StatusCode
	testCtx.lastBody, err = io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode == http.StatusAccepted {
		var snap jobs.Snapshot
		if err := json.Unmarshal(testCtx.lastBody, &snap); err != nil {
			return fmt.Errorf("invalid job response: %w", err)
		}
		testCtx.jobID = snap.ID
	}
	return nil
}

func (testCtx *TestContext) iUploadThePDFFile() error {
	return testCtx.uploadFile(testCtx.sourcePath)
}

func (testCtx *TestContext) theUploadIsAccepted() error {
	if testCtx.lastStatusCode != http.StatusAccepted {
		return fmt.Errorf("expected status 202, got %d: %s", testCtx.lastStatusCode, testCtx.lastBody)
	}
	if testCtx.jobID == "" {
		return errors.New("the response does not carry a job id")
	}
	return nil
}

func (testCtx *TestContext) theUploadIsRejectedWithStatus(code int) error {
	if testCtx.lastStatusCode != code {
		return fmt.Errorf("expected status %d, got %d: %s", code, testCtx.lastStatusCode, testCtx.lastBody)
	}
	var resp server.ErrorResponse
	if err := json.Unmarshal(testCtx.lastBody, &resp); err != nil {
		return fmt.Errorf("invalid error response: %w", err)
	}
	if resp.Error == "" {
		return errors.New("the error response has no error code")
	}
	return nil
}

// theProgressStreamReportsCompletion reads server-sent events until the
// job's final event arrives.
func (testCtx *TestContext) theProgressStreamReportsCompletion() error {
	resp, err := httpClient.Get(testCtx.httpServer.URL + "/jobs/" + testCtx.jobID + "/events")
	if err != nil {
		return fmt.Errorf("failed to open progress stream: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("expected status 200, got %d", resp.StatusCode)
	}

	var event, data string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
			data = ""
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		case line == "" && event != "":
			testCtx.lastEvent = event
			if event == "complete" {
				var snap jobs.Snapshot
				if err := json.Unmarshal([]byte(data), &snap); err != nil {
					return fmt.Errorf("invalid final event: %w", err)
				}
				if snap.Status != jobs.StatusCompleted || !snap.Progress.Complete {
					return fmt.Errorf("job finished as %s: %s", snap.Status, snap.Error)
				}
				if snap.Progress.ProcessedPages != snap.Progress.TotalPages {
					return fmt.Errorf("job completed after %d of %d pages",
						snap.Progress.ProcessedPages, snap.Progress.TotalPages)
				}
				return nil
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return fmt.Errorf("stream ended after %q without a final event", testCtx.lastEvent)
}

func (testCtx *TestContext) theJobResultListsTheOriginalPages(list string) error {
	want, err := parseInts(list)
	if err != nil {
		return err
	}
	resp, err := httpClient.Get(testCtx.httpServer.URL + "/jobs/" + testCtx.jobID + "/result")
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("expected status 200, got %d", resp.StatusCode)
	}

	var result server.ResultResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("invalid result: %w", err)
	}
	got := make([]int, len(result.Pages))
	for i, p := range result.Pages {
		got[i] = p.OriginalIndex
	}
	if !reflect.DeepEqual(got, want) {
		return fmt.Errorf("expected original pages %v, got %v", want, got)
	}
	return nil
}

func (testCtx *TestContext) theDownloadedDocumentShows(labels string) error {
	resp, err := httpClient.Get(testCtx.httpServer.URL + "/jobs/" + testCtx.jobID + "/document")
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("expected status 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/pdf" {
		return fmt.Errorf("expected a PDF download, got %q", ct)
	}

	path := filepath.Join(testCtx.TempDir, "download.pdf")
	f, err := os.Create(path) //nolint:gosec // G304: scenario temp file
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	got, err := pdfPageTexts(path)
	if err != nil {
		return err
	}
	if want := splitLabels(labels); !reflect.DeepEqual(got, want) {
		return fmt.Errorf("expected pages %v, got %v", want, got)
	}
	return nil
}

// RegisterServerSteps registers the steps that drive the HTTP API.
func (testCtx *TestContext) RegisterServerSteps(sc *godog.ScenarioContext) {
	sc.Step(`^the reorder server is running$`, testCtx.theReorderServerIsRunning)
	sc.Step(`^I upload the PDF file$`, testCtx.iUploadThePDFFile)
	sc.Step(`^the upload is accepted$`, testCtx.theUploadIsAccepted)
	sc.Step(`^the upload is rejected with status (\d+)$`, testCtx.theUploadIsRejectedWithStatus)
	sc.Step(`^the progress stream reports completion$`, testCtx.theProgressStreamReportsCompletion)
	sc.Step(`^the job result lists the original pages ([\d, ]+)$`, testCtx.theJobResultListsTheOriginalPages)
	sc.Step(`^the downloaded document shows "([^"]*)"$`, testCtx.theDownloadedDocumentShows)
}
