// Package dsclient implements the client for the vendor's second
// upstream API: the DataSource execute endpoint, which runs a
// predefined server-side query and returns a tabular (columns+rows)
// result set. Auth is HTTP Basic rather than the api-key headers the
// main MES client uses.
package dsclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/jrortiz726/plex-raw-extract/internal/xerrors"
)

// Table is one tabular result set returned by a datasource execution.
type Table struct {
	Columns []string `json:"columns"`
	Rows    [][]any  `json:"rows"`
}

// Response is the parsed result of a datasource execution.
type Response struct {
	Tables            []Table        `json:"tables"`
	TransactionNo      string         `json:"transactionNo"`
	RowLimitedExceeded bool           `json:"rowLimitedExceeded"`
	Outputs            map[string]any `json:"outputs"`

	// Raw holds the unparsed body when the response was not JSON.
	Raw string `json:"-"`
}

// Client talks to https://{pcn}.on.plex.com/api/datasources/{id}/execute.
type Client struct {
	host       string
	username   string
	password   string
	maxRetries int
	baseDelay  time.Duration
	http       *http.Client
}

// Config configures a Client.
type Config struct {
	Host           string // e.g. https://{pcn}.on.plex.com
	Username       string
	Password       string
	MaxRetries     int
	RetryBaseDelay time.Duration
	RequestTimeout time.Duration
}

// New constructs a Client.
func New(cfg Config) *Client {
	timeout := cfg.RequestTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		host:       cfg.Host,
		username:   cfg.Username,
		password:   cfg.Password,
		maxRetries: cfg.MaxRetries,
		baseDelay:  cfg.RetryBaseDelay,
		http:       &http.Client{Timeout: timeout},
	}
}

// Execute runs datasourceID with the given inputs, retrying with the
// same linear backoff as the HTTP client on network failures and 5xx
// responses. A 4xx response fails immediately and is not retried. A
// non-JSON body is returned as text in Response.Raw for downstream
// handling.
func (c *Client) Execute(ctx context.Context, datasourceID int, inputs map[string]any) (Response, error) {
	url := fmt.Sprintf("%s/api/datasources/%d/execute?format=2", c.host, datasourceID)

	encoded, err := json.Marshal(inputs)
	if err != nil {
		return Response{}, fmt.Errorf("encode datasource inputs: %w", err)
	}

	attempts := c.maxRetries
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		resp, err := c.executeOnce(ctx, url, encoded)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if upstream, ok := err.(*xerrors.UpstreamError); ok && upstream.Status < 500 {
			// 4xx client error: not retried by this layer.
			return Response{}, err
		}

		if attempt < attempts {
			select {
			case <-ctx.Done():
				return Response{}, ctx.Err()
			case <-time.After(c.baseDelay * time.Duration(attempt)):
			}
		}
	}

	return Response{}, &xerrors.TransientNetworkError{Err: lastErr}
}

func (c *Client) executeOnce(ctx context.Context, url string, body []byte) (Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Response{}, &xerrors.TransientNetworkError{Err: err}
	}
	req.SetBasicAuth(c.username, c.password)
	req.Header.Set("Content-Type", "application/json")

	httpResp, err := c.http.Do(req)
	if err != nil {
		return Response{}, &xerrors.TransientNetworkError{Err: err}
	}
	defer func() { _ = httpResp.Body.Close() }()

	data, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return Response{}, &xerrors.TransientNetworkError{Err: err}
	}

	if httpResp.StatusCode >= 400 {
		return Response{}, &xerrors.UpstreamError{Status: httpResp.StatusCode, Body: string(data)}
	}

	var parsed Response
	if err := json.Unmarshal(data, &parsed); err != nil {
		return Response{Raw: string(data)}, nil
	}
	return parsed, nil
}
