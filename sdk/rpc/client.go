package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	jsonRPCVersion = "2.0"
	defaultTimeout = 15 * time.Second
	maxErrorBody   = 4 << 10
)

// ErrEmptyResult is returned when a call expecting a result receives none.
var ErrEmptyResult = errors.New("rpc: empty result")

// Error is a JSON-RPC error object returned by the remote endpoint.
type Error struct {
	Method  string          `json:"-"`
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc: %s failed: code=%d message=%s", e.Method, e.Code, e.Message)
}

// Client issues JSON-RPC 2.0 calls over HTTP POST.
type Client struct {
	endpoint   string
	httpClient *http.Client
	authToken  string
	nextID     atomic.Int64
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client. The caller owns its transport and
// timeout.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithAuthToken attaches a bearer token to every request.
func WithAuthToken(token string) Option {
	return func(c *Client) {
		c.authToken = strings.TrimSpace(token)
	}
}

// New returns a client bound to endpoint. Without WithHTTPClient requests use
// an otelhttp-instrumented transport with a 15s timeout.
func New(endpoint string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return nil, fmt.Errorf("rpc: endpoint required")
	}
	c := &Client{endpoint: trimmed}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{
			Timeout:   defaultTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	return c, nil
}

// Endpoint returns the URL the client posts to.
func (c *Client) Endpoint() string {
	return c.endpoint
}

type request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type response struct {
	Result json.RawMessage `json:"result"`
	Error  *Error          `json:"error"`
}

// Call invokes method with params and decodes the result into out. A nil out
// discards the result. A JSON null result leaves out untouched and returns
// ErrEmptyResult so callers can map it to a domain error.
func (c *Client) Call(ctx context.Context, method string, params []any, out any) error {
	if params == nil {
		params = []any{}
	}
	body, err := json.Marshal(request{
		JSONRPC: jsonRPCVersion,
		ID:      c.nextID.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return fmt.Errorf("rpc: encode %s: %w", method, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("rpc: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("rpc: %s: %w", method, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return fmt.Errorf("rpc: %s: status=%d body=%s", method, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var decoded response
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return fmt.Errorf("rpc: decode %s response: %w", method, err)
	}
	if decoded.Error != nil {
		decoded.Error.Method = method
		return decoded.Error
	}
	if out == nil {
		return nil
	}
	if len(decoded.Result) == 0 || string(decoded.Result) == "null" {
		return ErrEmptyResult
	}
	if err := json.Unmarshal(decoded.Result, out); err != nil {
		return fmt.Errorf("rpc: decode %s result: %w", method, err)
	}
	return nil
}
