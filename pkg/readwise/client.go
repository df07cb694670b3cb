// Package readwise is a client for the Readwise Reader and Export APIs,
// the upstream source of saved documents and highlights.
package readwise

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-hclog"
)

const (
	defaultBaseURL = "https://readwise.io"

	rateLimitBase     = 1 * time.Second
	rateLimitCap      = 60 * time.Second
	rateLimitAttempts = 5
)

// Config configures a Client.
type Config struct {
	// Token is the Readwise access token. Required.
	Token string

	// BaseURL overrides the API host, for tests.
	BaseURL string

	// HTTPClient defaults to a client with a 60s timeout.
	HTTPClient *http.Client

	// Logger defaults to a null logger.
	Logger hclog.Logger
}

// Client talks to the Reader (v3) and Export (v2) APIs.
type Client struct {
	token   string
	baseURL string
	client  *http.Client
	logger  hclog.Logger
}

// NewClient builds a Client, filling zero config values with the defaults.
func NewClient(cfg Config) (*Client, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("readwise: token is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 60 * time.Second}
	}
	if cfg.Logger == nil {
		cfg.Logger = hclog.NewNullLogger()
	}
	return &Client{
		token:   cfg.Token,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		client:  cfg.HTTPClient,
		logger:  cfg.Logger.Named("readwise"),
	}, nil
}

// APIError is a typed upstream failure.
type APIError struct {
	Status    int
	Message   string
	Retriable bool
}

func (e *APIError) Error() string {
	return fmt.Sprintf("readwise: status %d: %s", e.Status, e.Message)
}

// listResponse is the common page envelope of both APIs.
type listResponse struct {
	Count          int              `json:"count"`
	NextPageCursor string           `json:"nextPageCursor"`
	Results        []map[string]any `json:"results"`
}

// Page is one page of loosely-typed result records plus pagination state.
type Page struct {
	// Results are the raw records; callers decode them with the typed
	// helpers in types.go.
	Results []map[string]any

	// NextCursor is empty on the last page.
	NextCursor string

	// TotalCount is the upstream count field, when the API reports one.
	TotalCount int
}

// ListReaderDocuments fetches one page of Reader documents, including HTML
// content. updatedAfter narrows to documents changed since that instant
// (incremental sync); both cursor and updatedAfter may be empty.
func (c *Client) ListReaderDocuments(ctx context.Context, cursor, updatedAfter string) (*Page, error) {
	q := url.Values{}
	q.Set("withHtmlContent", "true")
	if cursor != "" {
		q.Set("pageCursor", cursor)
	}
	if updatedAfter != "" {
		q.Set("updatedAfter", updatedAfter)
	}
	return c.getPage(ctx, "/api/v3/list/", q)
}

// ExportHighlights fetches one page of the highlight export (books with
// nested highlights).
func (c *Client) ExportHighlights(ctx context.Context, cursor, updatedAfter string) (*Page, error) {
	q := url.Values{}
	if cursor != "" {
		q.Set("pageCursor", cursor)
	}
	if updatedAfter != "" {
		q.Set("updatedAfter", updatedAfter)
	}
	return c.getPage(ctx, "/api/v2/export/", q)
}

// getPage performs one GET with 429/5xx retries. 429 honors Retry-After
// when present, otherwise exponential backoff from 1s doubling to a 60s
// cap, at most 5 attempts.
func (c *Client) getPage(ctx context.Context, path string, q url.Values) (*Page, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = rateLimitBase
	b.Multiplier = 2
	b.MaxInterval = rateLimitCap
	b.MaxElapsedTime = 0

	var lastErr error
	for attempt := 0; attempt < rateLimitAttempts; attempt++ {
		page, retryAfter, err := c.doGet(ctx, path, q)
		if err == nil {
			return page, nil
		}
		lastErr = err

		var apiErr *APIError
		if !errors.As(err, &apiErr) || !apiErr.Retriable {
			return nil, err
		}

		delay := b.NextBackOff()
		if retryAfter > 0 {
			delay = retryAfter
		}
		c.logger.Warn("retrying readwise request",
			"path", path, "status", apiErr.Status, "delay", delay)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	return nil, fmt.Errorf("readwise: retries exhausted: %w", lastErr)
}

func (c *Client) doGet(ctx context.Context, path string, q url.Values) (*Page, time.Duration, error) {
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Authorization", "Token "+c.token)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, 0, &APIError{Status: 0, Message: err.Error(), Retriable: true}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, &APIError{Status: resp.StatusCode, Message: err.Error(), Retriable: true}
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, 0, &APIError{Status: 401, Message: "invalid token"}
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, parseRetryAfter(resp.Header.Get("Retry-After")),
			&APIError{Status: 429, Message: "rate limited", Retriable: true}
	case resp.StatusCode >= 500:
		return nil, 0, &APIError{Status: resp.StatusCode,
			Message: strings.TrimSpace(string(body)), Retriable: true}
	case resp.StatusCode != http.StatusOK:
		return nil, 0, &APIError{Status: resp.StatusCode,
			Message: strings.TrimSpace(string(body))}
	}

	var parsed listResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, 0, &APIError{Status: resp.StatusCode,
			Message: fmt.Sprintf("decode response: %v", err)}
	}

	return &Page{
		Results:    parsed.Results,
		NextCursor: parsed.NextPageCursor,
		TotalCount: parsed.Count,
	}, 0, nil
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(header); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}
