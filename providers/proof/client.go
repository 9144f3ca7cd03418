package proof

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	coreerrors "pollsession/core/errors"
	"pollsession/core/types"
)

const defaultTimeout = 2 * time.Minute

// Client requests zero-knowledge proofs from a proof server.
type Client struct {
	endpoint   string
	httpClient *http.Client
}

// Option customises the client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client used for proof requests.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) { c.httpClient = client }
}

// New returns a client for the proof server at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("proof: server url required")
	}
	c := &Client{endpoint: baseURL + "/prove"}
	for _, opt := range opts {
		opt(c)
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{
			Timeout:   defaultTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	return c, nil
}

type proveRequest struct {
	Transaction types.Transaction `json:"transaction"`
	Circuit     string            `json:"circuit"`
	KeyDigest   string            `json:"keyDigest"`
}

type proveResponse struct {
	Proof hexutil.Bytes `json:"proof"`
	Error string        `json:"error,omitempty"`
}

// Prove returns a copy of tx carrying the proof generated for cfg.
func (c *Client) Prove(ctx context.Context, tx types.UnbalancedTransaction, cfg types.CircuitConfig) (types.UnbalancedTransaction, error) {
	if cfg.Circuit == "" {
		return types.UnbalancedTransaction{}, errors.New("proof: circuit config required")
	}
	body, err := json.Marshal(proveRequest{Transaction: tx.Transaction, Circuit: cfg.Circuit, KeyDigest: cfg.Digest})
	if err != nil {
		return types.UnbalancedTransaction{}, fmt.Errorf("proof: encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return types.UnbalancedTransaction{}, fmt.Errorf("proof: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return types.UnbalancedTransaction{}, coreerrors.Timeout("proof prove", fmt.Errorf("proof: %s: %w", cfg.Circuit, err))
	}
	defer resp.Body.Close()

	var decoded proveResponse
	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		if json.Unmarshal(snippet, &decoded) == nil && decoded.Error != "" {
			return types.UnbalancedTransaction{}, fmt.Errorf("proof: %s: status=%d: %s", cfg.Circuit, resp.StatusCode, decoded.Error)
		}
		return types.UnbalancedTransaction{}, fmt.Errorf("proof: %s: status=%d body=%s", cfg.Circuit, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return types.UnbalancedTransaction{}, fmt.Errorf("proof: decode response: %w", err)
	}
	if len(decoded.Proof) == 0 {
		return types.UnbalancedTransaction{}, fmt.Errorf("proof: %s: server returned empty proof", cfg.Circuit)
	}
	out := types.UnbalancedTransaction{Transaction: tx.Clone()}
	out.Proof = append(hexutil.Bytes{}, decoded.Proof...)
	return out, nil
}
