// Package client provides an HTTP client for the visit tracker REST API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/evcraddock/visit-tracker/internal/dedupe"
	"github.com/evcraddock/visit-tracker/internal/health"
	"github.com/evcraddock/visit-tracker/internal/sanitize"
	"github.com/evcraddock/visit-tracker/internal/upsert"
	"github.com/evcraddock/visit-tracker/internal/visit"
)

// DefaultMaxTries bounds how often RecordEvent is attempted while the
// server reports lock contention.
const DefaultMaxTries = 5

// Client is an HTTP client for the visit tracker API.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	newBackOff func() backoff.BackOff
	maxTries   uint
}

// New creates a new API client.
func New(baseURL, apiKey string) *Client {
	return &Client{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 100 * time.Millisecond
			b.MaxInterval = 2 * time.Second
			return b
		},
		maxTries: DefaultMaxTries,
	}
}

// APIError is a non-2xx response from the server.
type APIError struct {
	StatusCode int
	// Kind is the server's error classification, such as "lock_contention".
	// Empty for errors raised outside the visit domain.
	Kind    string
	Message string
}

func (e *APIError) Error() string {
	return e.Message
}

// Retryable reports whether the request may succeed when sent again.
func (e *APIError) Retryable() bool {
	return e.StatusCode == http.StatusConflict && e.Kind == "lock_contention"
}

// RecordEvent sends a location event. Lock contention is retried with
// exponential backoff; every other failure is returned at once.
func (c *Client) RecordEvent(ctx context.Context, ev visit.Event) (*upsert.Result, error) {
	op := func() (*upsert.Result, error) {
		var res upsert.Result
		err := c.post(ctx, "/api/events", ev, &res)
		if err == nil {
			return &res, nil
		}
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Retryable() {
			return nil, err
		}
		return nil, backoff.Permanent(err)
	}

	res, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(c.newBackOff()),
		backoff.WithMaxTries(c.maxTries),
	)
	if err != nil {
		return nil, err
	}
	return res, nil
}

// ListVisits returns the visits of one user at one place, newest first.
func (c *Client) ListVisits(ctx context.Context, userID, placeID string) ([]*visit.Visit, error) {
	q := url.Values{}
	q.Set("user_id", userID)
	q.Set("place_id", placeID)

	var visits []*visit.Visit
	if err := c.get(ctx, "/api/visits?"+q.Encode(), &visits); err != nil {
		return nil, err
	}
	return visits, nil
}

// GetVisit returns a visit by id.
func (c *Client) GetVisit(ctx context.Context, id string) (*visit.Visit, error) {
	var v visit.Visit
	if err := c.get(ctx, "/api/visits/"+url.PathEscape(id), &v); err != nil {
		return nil, err
	}
	return &v, nil
}

// AnnotateVisit replaces a visit's notes (when notes is non-nil) and adds people.
func (c *Client) AnnotateVisit(ctx context.Context, id string, notes *string, people []string) (*visit.Visit, error) {
	body := struct {
		Notes  *string  `json:"notes,omitempty"`
		People []string `json:"people,omitempty"`
	}{notes, people}

	var v visit.Visit
	if err := c.send(ctx, http.MethodPatch, "/api/visits/"+url.PathEscape(id), body, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

// Sanitize repairs inverted visit ranges on the server.
func (c *Client) Sanitize(ctx context.Context) (*sanitize.Report, error) {
	var report sanitize.Report
	if err := c.post(ctx, "/api/admin/sanitize", nil, &report); err != nil {
		return nil, err
	}
	return &report, nil
}

// Dedupe consolidates duplicate visits on the server.
func (c *Client) Dedupe(ctx context.Context, dryRun bool) (*dedupe.Summary, error) {
	path := "/api/admin/dedupe"
	if dryRun {
		path += "?dry_run=true"
	}
	var summary dedupe.Summary
	if err := c.post(ctx, path, nil, &summary); err != nil {
		return nil, err
	}
	return &summary, nil
}

// GuardStatus reports whether the overlap guard is installed.
func (c *Client) GuardStatus(ctx context.Context) (*visit.GuardStatus, error) {
	var status visit.GuardStatus
	if err := c.get(ctx, "/api/admin/guard", &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// InstallGuard installs the overlap guard.
func (c *Client) InstallGuard(ctx context.Context) (*visit.GuardStatus, error) {
	var status visit.GuardStatus
	if err := c.post(ctx, "/api/admin/guard", nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// HealthCheck lists days with suspiciously many visits. Zero values use
// the server defaults.
func (c *Client) HealthCheck(ctx context.Context, threshold int, since time.Time) ([]health.FlaggedDay, error) {
	q := url.Values{}
	if threshold > 0 {
		q.Set("threshold", strconv.Itoa(threshold))
	}
	if !since.IsZero() {
		q.Set("since", since.Format(time.RFC3339))
	}
	path := "/api/admin/health"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var flagged []health.FlaggedDay
	if err := c.get(ctx, path, &flagged); err != nil {
		return nil, err
	}
	return flagged, nil
}

// CloseAbandoned closes open visits that stopped receiving events.
func (c *Client) CloseAbandoned(ctx context.Context) (*upsert.SweepReport, error) {
	var report upsert.SweepReport
	if err := c.post(ctx, "/api/admin/close-abandoned", nil, &report); err != nil {
		return nil, err
	}
	return &report, nil
}

// get performs a GET request and decodes the response.
func (c *Client) get(ctx context.Context, path string, result interface{}) error {
	return c.send(ctx, http.MethodGet, path, nil, result)
}

// post performs a POST request with a JSON body and decodes the response.
func (c *Client) post(ctx context.Context, path string, body interface{}, result interface{}) error {
	return c.send(ctx, http.MethodPost, path, body, result)
}

// send builds a request with an optional JSON body and runs it.
func (c *Client) send(ctx context.Context, method, path string, body interface{}, result interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshaling request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return c.do(req, result)
}

// do executes an HTTP request with auth header and handles errors.
func (c *Client) do(req *http.Request, result interface{}) error {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			fmt.Printf("warning: closing response body: %v\n", cerr)
		}
	}()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode >= 400 {
		apiErr := &APIError{
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("server error: %s", http.StatusText(resp.StatusCode)),
		}
		var errResp struct {
			Error string `json:"error"`
			Kind  string `json:"kind"`
		}
		if json.Unmarshal(respBody, &errResp) == nil && errResp.Error != "" {
			apiErr.Message = errResp.Error
			apiErr.Kind = errResp.Kind
		}
		return apiErr
	}

	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}

	return nil
}
