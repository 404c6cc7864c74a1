// Package backend provides the HTTP client for the remote issue-submission service.
package backend

import (
	"bytes"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/jcastel/civisync/internal/store"
)

const (
	// imageFilename is the file name used for the image part of a
	// multipart submission.
	imageFilename = "offline-report.jpg"

	// defaultTimeout bounds a single upload so one hung request cannot
	// stall a whole sweep.
	defaultTimeout = 30 * time.Second
)

// Client talks to the issue-submission API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a client for the given API base URL with the default
// upload timeout.
func New(baseURL string) *Client {
	return NewWithTimeout(baseURL, defaultTimeout)
}

// NewWithTimeout creates a client with a custom upload timeout.
func NewWithTimeout(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// SubmitReport uploads a single report as multipart/form-data to
// POST {base}/api/issues. Any 2xx response is success and the body is
// ignored. A non-2xx status and a transport error are both returned as
// plain errors; callers treat them identically.
func (c *Client) SubmitReport(report store.Report) error {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	if err := w.WriteField("category", report.Category); err != nil {
		return fmt.Errorf("failed to write category field: %w", err)
	}
	if err := w.WriteField("description", report.Description); err != nil {
		return fmt.Errorf("failed to write description field: %w", err)
	}
	if report.Latitude != nil {
		if err := w.WriteField("latitude", strconv.FormatFloat(*report.Latitude, 'f', -1, 64)); err != nil {
			return fmt.Errorf("failed to write latitude field: %w", err)
		}
	}
	if report.Longitude != nil {
		if err := w.WriteField("longitude", strconv.FormatFloat(*report.Longitude, 'f', -1, 64)); err != nil {
			return fmt.Errorf("failed to write longitude field: %w", err)
		}
	}
	if len(report.Image) > 0 {
		part, err := w.CreateFormFile("image", imageFilename)
		if err != nil {
			return fmt.Errorf("failed to create image part: %w", err)
		}
		if _, err := part.Write(report.Image); err != nil {
			return fmt.Errorf("failed to write image part: %w", err)
		}
	}

	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to finalize multipart body: %w", err)
	}

	url := c.baseURL + "/api/issues"
	req, err := http.NewRequest(http.MethodPost, url, &buf)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	if report.SubmissionID != "" {
		req.Header.Set("X-Submission-ID", report.SubmissionID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("issue API error: %s - %s", resp.Status, string(body))
	}

	return nil
}

// Ping checks whether the backend is reachable. Used by the
// connectivity monitor; any 2xx response counts as online.
func (c *Client) Ping() error {
	url := c.baseURL + "/api/health"
	resp, err := c.httpClient.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("health check returned %s", resp.Status)
	}

	return nil
}
