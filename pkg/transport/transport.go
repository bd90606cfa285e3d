package transport

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

	"github.com/nicktill/tileproxy/pkg/orchestrator"
	"github.com/nicktill/tileproxy/pkg/source"
	"github.com/nicktill/tileproxy/pkg/tile"
)

// BinsRequest is the body of a bin write
type BinsRequest struct {
	Bins []tile.Bin `json:"bins"`
}

// BinsResponse is the body of a bin query
type BinsResponse struct {
	Field    string        `json:"field"`
	BucketMs int64         `json:"bucket_ms"`
	Interval tile.Interval `json:"interval"`
	Bins     []tile.Bin    `json:"bins"`
}

// SeriesPath returns the bins endpoint path of field
func SeriesPath(field string) string {
	return "/v1/series/" + url.PathEscape(field) + "/bins"
}

// HTTPClient fetches and writes bins over HTTP. It implements
// orchestrator.Fetcher so a chart can load tiles from a remote server.
type HTTPClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewHTTP creates a client for the server at baseURL
func NewHTTP(baseURL, apiKey string) (*HTTPClient, error) {
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}, nil
}

// FetchBins queries the bins of field inside iv at bucketMs.
// Client errors (4xx) are wrapped with orchestrator.ErrNotRetryable.
func (c *HTTPClient) FetchBins(ctx context.Context, field string, iv tile.Interval, bucketMs int64) ([]tile.Bin, error) {
	q := url.Values{}
	q.Set("from", strconv.FormatInt(iv.FromMs, 10))
	q.Set("to", strconv.FormatInt(iv.ToMs, 10))
	q.Set("bucket", strconv.FormatInt(bucketMs, 10))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+SeriesPath(field)+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	c.authorize(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if err := statusError(resp); err != nil {
		return nil, err
	}

	var body BinsResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if body.Bins == nil {
		body.Bins = []tile.Bin{}
	}
	return body.Bins, nil
}

// Write sends raw bins of field to the server
func (c *HTTPClient) Write(ctx context.Context, field string, bins []tile.Bin) error {
	if len(bins) == 0 {
		return nil
	}

	jsonData, err := json.Marshal(BinsRequest{Bins: bins})
	if err != nil {
		return fmt.Errorf("failed to marshal bins: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+SeriesPath(field), bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	return statusError(resp)
}

func (c *HTTPClient) authorize(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}

func statusError(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	err := fmt.Errorf("request failed with status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
		return fmt.Errorf("%w: %w", orchestrator.ErrNotRetryable, err)
	}
	return err
}

// Local answers fetches from an in-process source
type Local struct {
	src source.Source
}

// NewLocal wraps src as a fetcher
func NewLocal(src source.Source) *Local {
	return &Local{src: src}
}

// FetchBins queries src. Validation failures are not retryable.
func (l *Local) FetchBins(ctx context.Context, field string, iv tile.Interval, bucketMs int64) ([]tile.Bin, error) {
	if err := source.ValidateQuery(field, iv, bucketMs); err != nil {
		return nil, fmt.Errorf("%w: %w", orchestrator.ErrNotRetryable, err)
	}
	return l.src.Query(ctx, field, iv, bucketMs)
}

var (
	_ orchestrator.Fetcher = (*HTTPClient)(nil)
	_ orchestrator.Fetcher = (*Local)(nil)
)
