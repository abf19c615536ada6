// Package noteapi is the HTTP client for the remote note store. It makes
// exactly one attempt per call; replay policy lives with the caller.
package noteapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agentworkforce/notesync/internal/notesync"
)

// HTTPError is a non-2xx response. It exposes enough structure for the
// classifier to pick a category without string matching.
type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
	RetryAfter time.Duration
	URL        string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

func (e *HTTPError) HTTPStatus() int { return e.StatusCode }

func (e *HTTPError) RetryAfterHint() time.Duration { return e.RetryAfter }

func (e *HTTPError) RequestURL() string { return e.URL }

type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

func NewClient(baseURL, token string, httpClient *http.Client) *Client {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{
		baseURL:    baseURL,
		token:      strings.TrimSpace(token),
		httpClient: httpClient,
	}
}

func (c *Client) CreateNote(ctx context.Context, req notesync.CreateRequest) (notesync.Note, error) {
	var out notesync.Note
	err := c.doJSON(ctx, http.MethodPost, "/v1/notes", req, &out)
	return out, err
}

func (c *Client) UpdateNote(ctx context.Context, id string, patch notesync.NotePatch) (notesync.Note, error) {
	var out notesync.Note
	err := c.doJSON(ctx, http.MethodPatch, "/v1/notes/"+url.PathEscape(id), patch, &out)
	return out, err
}

// DeleteNote treats a 404 as success so a replayed delete stays idempotent.
func (c *Client) DeleteNote(ctx context.Context, id string) error {
	err := c.doJSON(ctx, http.MethodDelete, "/v1/notes/"+url.PathEscape(id), nil, nil)
	if httpErr, ok := err.(*HTTPError); ok && httpErr.StatusCode == http.StatusNotFound {
		return nil
	}
	return err
}

func (c *Client) ListNotes(ctx context.Context, userID string) ([]notesync.Note, error) {
	var out struct {
		Notes []notesync.Note `json:"notes"`
	}
	path := fmt.Sprintf("/v1/users/%s/notes", url.PathEscape(userID))
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Notes, nil
}

// Probe measures the round trip of the lightweight liveness endpoint.
func (c *Client) Probe(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	if err := c.doJSON(ctx, http.MethodGet, "/v1/ping", nil, nil); err != nil {
		return 0, err
	}
	return time.Since(start), nil
}

// MeasureThroughput downloads a fixed-size sample and reports bits per
// second. The sample rides the same network path as mutations.
func (c *Client) MeasureThroughput(ctx context.Context) (float64, error) {
	const sampleBytes = 64 * 1024
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/v1/ping?payload=%d", c.baseURL, sampleBytes), nil)
	if err != nil {
		return 0, err
	}
	c.setHeaders(req, false)
	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	n, readErr := io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return 0, readErr
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return 0, c.httpError(resp, nil, req.URL.String())
	}
	elapsed := time.Since(start).Seconds()
	if elapsed <= 0 || n == 0 {
		return 0, nil
	}
	return float64(n) * 8 / elapsed, nil
}

func (c *Client) doJSON(ctx context.Context, method, requestPath string, body, out any) error {
	var bodyReader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return err
		}
		bodyReader = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
	if err != nil {
		return err
	}
	c.setHeaders(req, body != nil)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	payload, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return readErr
	}
	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		if out == nil || len(payload) == 0 {
			return nil
		}
		return json.Unmarshal(payload, out)
	}
	return c.httpError(resp, payload, req.URL.String())
}

func (c *Client) setHeaders(req *http.Request, hasBody bool) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("X-Correlation-Id", "note_"+uuid.NewString())
	if hasBody {
		req.Header.Set("Content-Type", "application/json")
	}
}

func (c *Client) httpError(resp *http.Response, payload []byte, requestURL string) error {
	var errPayload struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	_ = json.Unmarshal(payload, &errPayload)
	if errPayload.Message == "" {
		errPayload.Message = http.StatusText(resp.StatusCode)
	}
	return &HTTPError{
		StatusCode: resp.StatusCode,
		Code:       errPayload.Code,
		Message:    errPayload.Message,
		RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		URL:        requestURL,
	}
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := time.Parse(time.RFC1123, header); err == nil {
		if delta := time.Until(ts); delta > 0 {
			return delta
		}
	}
	return 0
}
