// Package httpclient implements the authenticated, retrying, paginating
// HTTP client used to talk to the vendor MES. It generalizes the
// teacher's retry-loop pattern (internal/eve http.Execute) onto a
// connection-pool-backed transport (hashicorp/go-retryablehttp) under
// the linear backoff curve this engine's spec requires.
package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	retryablehttp "github.com/hashicorp/go-retryablehttp"

	"github.com/jrortiz726/plex-raw-extract/internal/xerrors"
)

// Client is a shared, stateless (safe for concurrent use) client for the
// vendor MES HTTP API. It carries no per-extractor state.
type Client struct {
	baseURL    string
	apiKey     string
	customerID string
	maxRetries int
	baseDelay  time.Duration
	http       *retryablehttp.Client
	now        func() time.Time // set by SetClock; not read by Get, Post or Paginate
}

// Config configures a Client.
type Config struct {
	BaseURL        string
	APIKey         string
	CustomerID     string
	MaxRetries     int
	RetryBaseDelay time.Duration
	RequestTimeout time.Duration
}

// New constructs a Client per Config.
func New(cfg Config) *Client {
	rc := retryablehttp.NewClient()
	rc.Logger = nil
	rc.RetryMax = 0 // the base GET retry loop below owns retry counting, per spec
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	rc.HTTPClient.Timeout = cfg.RequestTimeout

	return &Client{
		baseURL:    cfg.BaseURL,
		apiKey:     cfg.APIKey,
		customerID: cfg.CustomerID,
		maxRetries: cfg.MaxRetries,
		baseDelay:  cfg.RetryBaseDelay,
		http:       rc,
		now:        time.Now,
	}
}

// SetClock stores now on the client. No request path reads it: retry
// and Retry-After sleeps always use the real timer.
func (c *Client) SetClock(now func() time.Time) { c.now = now }

// Get performs an authenticated GET against path with the given query
// parameters, retrying with linear backoff (retryBaseDelay * attempt)
// up to maxRetries attempts. A 5xx response, a 429 response, or a
// network-level failure is treated as transient and retried; a 429's
// Retry-After delay, when present, is waited out before the backoff
// sleep. Any other 4xx response fails immediately with UpstreamError and
// is not retried — the caller decides what to do with a client error.
func (c *Client) Get(ctx context.Context, path string, query url.Values) (json.RawMessage, error) {
	fullURL := c.baseURL + path
	if len(query) > 0 {
		fullURL += "?" + query.Encode()
	}

	var lastErr error
	attempts := c.maxRetries
	if attempts < 1 {
		attempts = 1
	}

	for attempt := 1; attempt <= attempts; attempt++ {
		body, err := c.doGet(ctx, fullURL)
		if err == nil {
			return body, nil
		}

		lastErr = err

		var upstream *xerrors.UpstreamError
		if isUpstreamError(err, &upstream) {
			// 4xx client error: not retried by this layer.
			return nil, err
		}

		if attempt < attempts {
			sleepFor := c.baseDelay * time.Duration(attempt)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(sleepFor):
			}
		}
	}

	return nil, lastErr
}

func isUpstreamError(err error, target **xerrors.UpstreamError) bool {
	if ue, ok := err.(*xerrors.UpstreamError); ok {
		*target = ue
		return true
	}
	return false
}

func (c *Client) doGet(ctx context.Context, fullURL string) (json.RawMessage, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return nil, &xerrors.TransientNetworkError{Err: err}
	}
	c.setHeaders(req.Request)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &xerrors.TransientNetworkError{Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &xerrors.TransientNetworkError{Err: err}
	}

	if resp.StatusCode >= 400 {
		if resp.StatusCode == http.StatusTooManyRequests {
			if wait, ok := retryAfter(resp.Header.Get("Retry-After")); ok {
				select {
				case <-ctx.Done():
				case <-time.After(wait):
				}
			}
		}
		upstreamErr := &xerrors.UpstreamError{Status: resp.StatusCode, Body: string(data)}
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			// Server errors and rate limiting are transient from the
			// caller's point of view: wrapping in TransientNetworkError
			// routes them through the retry loop above instead of the
			// immediate UpstreamError short-circuit.
			return nil, &xerrors.TransientNetworkError{Err: upstreamErr}
		}
		return nil, upstreamErr
	}

	return json.RawMessage(data), nil
}

func retryAfter(header string) (time.Duration, bool) {
	if header == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(header); err == nil {
		return time.Duration(secs) * time.Second, true
	}
	if when, err := http.ParseTime(header); err == nil {
		return time.Until(when), true
	}
	return 0, false
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("X-Plex-Connect-Api-Key", c.apiKey)
	req.Header.Set("X-Plex-Connect-Customer-Id", c.customerID)
	req.Header.Set("Content-Type", "application/json")
}

// Post performs an authenticated JSON POST against the MES API. It
// retries network failures and 5xx responses with Get's linear backoff;
// any 4xx response, 429 included, fails immediately with UpstreamError.
func (c *Client) Post(ctx context.Context, path string, body any) (json.RawMessage, error) {
	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode request body: %w", err)
	}

	fullURL := c.baseURL + path
	var lastErr error
	attempts := c.maxRetries
	if attempts < 1 {
		attempts = 1
	}

	for attempt := 1; attempt <= attempts; attempt++ {
		req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, fullURL, bytes.NewReader(encoded))
		if err != nil {
			return nil, &xerrors.TransientNetworkError{Err: err}
		}
		c.setHeaders(req.Request)

		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = err
		} else {
			defer func() { _ = resp.Body.Close() }()
			data, readErr := io.ReadAll(resp.Body)
			if readErr != nil {
				lastErr = readErr
			} else if resp.StatusCode >= 400 {
				upstreamErr := &xerrors.UpstreamError{Status: resp.StatusCode, Body: string(data)}
				if resp.StatusCode < 500 {
					// 4xx client error: not retried by this layer.
					return nil, upstreamErr
				}
				lastErr = upstreamErr
			} else {
				return json.RawMessage(data), nil
			}
		}

		if attempt < attempts {
			time.Sleep(c.baseDelay * time.Duration(attempt))
		}
	}

	return nil, &xerrors.TransientNetworkError{Err: lastErr}
}
