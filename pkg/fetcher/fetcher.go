// Package fetcher downloads article pages and extracts readable text,
// classifying every failure so jobs can decide what to retry.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	readability "github.com/go-shiori/go-readability"
	"github.com/hashicorp/go-hclog"
)

const (
	defaultTimeout    = 30 * time.Second
	defaultMaxSize    = 10 * 1024 * 1024
	defaultMinContent = 200

	userAgent = "Mozilla/5.0 (compatible; NexusOS/1.0; +https://github.com/karstenhoffmann/nexus-os)"
)

// ErrorKind classifies a fetch failure. The string values are what lands
// in the fetch_failures table.
type ErrorKind string

const (
	KindNone             ErrorKind = ""
	KindPaywall          ErrorKind = "paywall"
	KindJSRequired       ErrorKind = "js_required"
	KindTimeout          ErrorKind = "timeout"
	KindHTTP4xx          ErrorKind = "http_4xx"
	KindHTTP5xx          ErrorKind = "http_5xx"
	KindConnectionError  ErrorKind = "connection_error"
	KindExtractionFailed ErrorKind = "extraction_failed"
	KindNoContent        ErrorKind = "no_content"
)

// Retriable reports whether a later attempt could plausibly succeed.
// Paywalls, JS walls and parse failures are permanent; transport-level
// failures are not.
func (k ErrorKind) Retriable() bool {
	switch k {
	case KindTimeout, KindHTTP5xx, KindConnectionError:
		return true
	}
	return false
}

// RetriableKinds are the failure kinds worth clearing before a re-fetch.
func RetriableKinds() []string {
	return []string{string(KindTimeout), string(KindHTTP5xx), string(KindConnectionError)}
}

// Result is the outcome of one fetch attempt.
type Result struct {
	Kind       ErrorKind
	Text       string
	HTML       string
	Title      string
	Message    string
	HTTPStatus int
}

// OK reports whether content was extracted.
func (r *Result) OK() bool { return r.Kind == KindNone }

// Domains that serve hard paywalls; fetching them wastes a request.
var paywallDomains = []string{
	"medium.com", "nytimes.com", "wsj.com", "ft.com", "economist.com",
	"bloomberg.com", "washingtonpost.com", "theathletic.com",
	"businessinsider.com", "seekingalpha.com",
}

// Domains that render entirely client-side.
var jsRequiredDomains = []string{
	"twitter.com", "x.com", "instagram.com", "facebook.com", "linkedin.com",
}

// Config configures a Fetcher. Zero values take the defaults.
type Config struct {
	// Client is the HTTP client. When nil a client with Timeout is built.
	Client *http.Client

	// Timeout bounds one request including body read.
	Timeout time.Duration

	// MaxContentSize rejects responses larger than this many bytes.
	MaxContentSize int64

	// MinContentLength rejects extractions shorter than this many chars.
	MinContentLength int

	// Logger defaults to a null logger.
	Logger hclog.Logger
}

// Fetcher downloads pages and runs readability extraction.
type Fetcher struct {
	client     *http.Client
	maxSize    int64
	minContent int
	logger     hclog.Logger
}

// New builds a Fetcher, filling zero config values with the defaults.
func New(cfg Config) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: cfg.Timeout}
	}
	if cfg.MaxContentSize <= 0 {
		cfg.MaxContentSize = defaultMaxSize
	}
	if cfg.MinContentLength <= 0 {
		cfg.MinContentLength = defaultMinContent
	}
	if cfg.Logger == nil {
		cfg.Logger = hclog.NewNullLogger()
	}
	return &Fetcher{
		client:     cfg.Client,
		maxSize:    cfg.MaxContentSize,
		minContent: cfg.MinContentLength,
		logger:     cfg.Logger.Named("fetcher"),
	}
}

// Classify reports the failure kind a URL is doomed to without a request,
// or KindNone when it is worth fetching.
func Classify(rawURL string) ErrorKind {
	host := hostOf(rawURL)
	if host == "" {
		return KindNone
	}
	if matchesDomain(host, paywallDomains) {
		return KindPaywall
	}
	if matchesDomain(host, jsRequiredDomains) {
		return KindJSRequired
	}
	return KindNone
}

// Fetch downloads rawURL and extracts its readable content. It never
// returns a Go error for content-level failures; everything is classified
// into the Result.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) *Result {
	if kind := Classify(rawURL); kind != KindNone {
		return &Result{Kind: kind, Message: fmt.Sprintf("domain blocked: %s", hostOf(rawURL))}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return &Result{Kind: KindConnectionError, Message: err.Error()}
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")

	resp, err := f.client.Do(req)
	if err != nil {
		return classifyTransportError(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500:
		return &Result{Kind: KindHTTP5xx, HTTPStatus: resp.StatusCode,
			Message: fmt.Sprintf("server error %d", resp.StatusCode)}
	case resp.StatusCode >= 400:
		return &Result{Kind: KindHTTP4xx, HTTPStatus: resp.StatusCode,
			Message: fmt.Sprintf("client error %d", resp.StatusCode)}
	}

	if resp.ContentLength > f.maxSize {
		return &Result{Kind: KindExtractionFailed, HTTPStatus: resp.StatusCode,
			Message: fmt.Sprintf("content too large: %d bytes", resp.ContentLength)}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxSize+1))
	if err != nil {
		return classifyTransportError(err)
	}
	if int64(len(body)) > f.maxSize {
		return &Result{Kind: KindExtractionFailed, HTTPStatus: resp.StatusCode,
			Message: "content too large"}
	}

	pageURL := resp.Request.URL
	if pageURL == nil {
		pageURL, _ = url.Parse(rawURL)
	}
	article, err := readability.FromReader(strings.NewReader(string(body)), pageURL)
	if err != nil {
		return &Result{Kind: KindExtractionFailed, HTTPStatus: resp.StatusCode,
			Message: fmt.Sprintf("readability: %v", err)}
	}

	text := strings.TrimSpace(article.TextContent)
	if text == "" {
		return &Result{Kind: KindNoContent, HTTPStatus: resp.StatusCode,
			Message: "no text content extracted"}
	}
	if len(text) < f.minContent {
		return &Result{Kind: KindExtractionFailed, HTTPStatus: resp.StatusCode,
			Message: fmt.Sprintf("extracted only %d chars", len(text))}
	}

	return &Result{
		Text:       text,
		HTML:       article.Content,
		Title:      article.Title,
		HTTPStatus: resp.StatusCode,
	}
}

// ExtractHTML runs readability over HTML that is already in hand, for
// sources that deliver page content inline. rawURL resolves relative links.
func (f *Fetcher) ExtractHTML(rawURL, html string) *Result {
	pageURL, err := url.Parse(rawURL)
	if err != nil || pageURL.Host == "" {
		pageURL = &url.URL{Scheme: "https", Host: "localhost"}
	}
	article, err := readability.FromReader(strings.NewReader(html), pageURL)
	if err != nil {
		return &Result{Kind: KindExtractionFailed, Message: fmt.Sprintf("readability: %v", err)}
	}
	text := strings.TrimSpace(article.TextContent)
	if text == "" {
		return &Result{Kind: KindNoContent, Message: "no text content extracted"}
	}
	return &Result{Text: text, HTML: article.Content, Title: article.Title}
}

func classifyTransportError(err error) *Result {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &Result{Kind: KindTimeout, Message: err.Error()}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Result{Kind: KindTimeout, Message: err.Error()}
	}
	return &Result{Kind: KindConnectionError, Message: err.Error()}
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	host := strings.ToLower(u.Hostname())
	return strings.TrimPrefix(host, "www.")
}

// matchesDomain reports whether host is domain itself or a subdomain of it.
func matchesDomain(host string, domains []string) bool {
	for _, d := range domains {
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}
