package indexer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/time/rate"
	"nhooyr.io/websocket"

	coreerrors "pollsession/core/errors"
	"pollsession/core/types"
	"pollsession/observability"
	"pollsession/sdk/rpc"
)

const (
	methodContractState = "indexer_contractState"
	defaultBuffer       = 16
	maxFrameBytes       = 4 << 20
)

// ErrClosed is returned when subscribing through a closed client.
var ErrClosed = errors.New("indexer: client closed")

// Client reads public contract state from the indexer over JSON-RPC and
// streams ledger updates over a websocket.
type Client struct {
	rpc      *rpc.Client
	wsBase   string
	wsHTTP   *http.Client
	limiter  *rate.Limiter
	buffer   int
	logger   *slog.Logger
	metrics  *observability.SessionMetrics
	rpcOpts  []rpc.Option
	mu       sync.Mutex
	closed   bool
	streams  map[*stream]struct{}
	streamWG sync.WaitGroup
}

// Option customises the client.
type Option func(*Client)

// WithRPCOptions forwards options to the JSON-RPC transport.
func WithRPCOptions(opts ...rpc.Option) Option {
	return func(c *Client) { c.rpcOpts = append(c.rpcOpts, opts...) }
}

// WithWebsocketHTTPClient overrides the client used for the websocket
// handshake. It must not set a Timeout; streams are bounded by contexts.
func WithWebsocketHTTPClient(client *http.Client) Option {
	return func(c *Client) { c.wsHTTP = client }
}

// WithReconnectRate bounds how often a dropped stream is re-dialed.
func WithReconnectRate(limit rate.Limit, burst int) Option {
	return func(c *Client) { c.limiter = rate.NewLimiter(limit, burst) }
}

// WithBufferSize sets the capacity of subscription channels.
func WithBufferSize(n int) Option {
	return func(c *Client) { c.buffer = n }
}

// WithLogger overrides the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithMetrics overrides the metrics registry.
func WithMetrics(m *observability.SessionMetrics) Option {
	return func(c *Client) { c.metrics = m }
}

// New returns a client for the indexer at httpURL with its stream endpoint at
// wsURL.
func New(httpURL, wsURL string, opts ...Option) (*Client, error) {
	wsURL = strings.TrimRight(strings.TrimSpace(wsURL), "/")
	if wsURL == "" {
		return nil, errors.New("indexer: websocket url required")
	}
	c := &Client{
		wsBase:  wsURL,
		limiter: rate.NewLimiter(rate.Limit(1), 3),
		buffer:  defaultBuffer,
		streams: make(map[*stream]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	inner, err := rpc.New(httpURL, c.rpcOpts...)
	if err != nil {
		return nil, fmt.Errorf("indexer: %w", err)
	}
	c.rpc = inner
	if c.wsHTTP == nil {
		c.wsHTTP = http.DefaultClient
	}
	if c.buffer <= 0 {
		c.buffer = defaultBuffer
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	c.logger = c.logger.With(slog.String("component", "indexer"))
	return c, nil
}

// ContractState returns the latest public state of the contract at address.
// Unknown contracts yield a ContractNotFoundError.
func (c *Client) ContractState(ctx context.Context, address string) (types.ContractState, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return types.ContractState{}, &coreerrors.ContractNotFoundError{Address: address, Err: errors.New("empty address")}
	}
	var state types.ContractState
	err := c.rpc.Call(ctx, methodContractState, []any{address}, &state)
	if errors.Is(err, rpc.ErrEmptyResult) {
		return types.ContractState{}, &coreerrors.ContractNotFoundError{Address: address}
	}
	if err != nil {
		return types.ContractState{}, coreerrors.Timeout("indexer contractState", err)
	}
	if state.Address == "" {
		state.Address = address
	}
	return state, nil
}

// Subscribe streams ledger updates for address starting at fromHeight. The
// first connection is dialed before returning so endpoint failures surface
// here. Dropped connections are re-dialed from the next undelivered height
// and frames below it are skipped. The cancel func stops the stream and
// waits for it to exit; the updates channel is closed afterwards.
func (c *Client) Subscribe(ctx context.Context, address string, fromHeight uint64) (<-chan types.LedgerUpdate, func(), error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return nil, nil, errors.New("indexer: address required")
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, nil, ErrClosed
	}
	c.mu.Unlock()

	conn, err := c.dial(ctx, address, fromHeight)
	if err != nil {
		return nil, nil, coreerrors.Timeout("indexer subscribe", err)
	}

	streamCtx, stop := context.WithCancel(context.Background())
	s := &stream{
		client:  c,
		address: address,
		next:    fromHeight,
		out:     make(chan types.LedgerUpdate, c.buffer),
		stop:    stop,
		done:    make(chan struct{}),
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		stop()
		_ = conn.Close(websocket.StatusNormalClosure, "client closed")
		return nil, nil, ErrClosed
	}
	c.streams[s] = struct{}{}
	c.streamWG.Add(1)
	c.mu.Unlock()

	go s.run(streamCtx, conn)
	return s.out, s.cancel, nil
}

// Close stops every open stream.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	open := make([]*stream, 0, len(c.streams))
	for s := range c.streams {
		open = append(open, s)
	}
	c.mu.Unlock()
	for _, s := range open {
		s.stop()
	}
	c.streamWG.Wait()
	return nil
}

func (c *Client) streamURL(address string, fromHeight uint64) string {
	q := url.Values{}
	q.Set("fromHeight", strconv.FormatUint(fromHeight, 10))
	return c.wsBase + "/contracts/" + url.PathEscape(address) + "/state?" + q.Encode()
}

func (c *Client) dial(ctx context.Context, address string, fromHeight uint64) (*websocket.Conn, error) {
	conn, _, err := websocket.Dial(ctx, c.streamURL(address, fromHeight), &websocket.DialOptions{HTTPClient: c.wsHTTP})
	if err != nil {
		return nil, fmt.Errorf("indexer: dial stream for %s: %w", address, err)
	}
	conn.SetReadLimit(maxFrameBytes)
	return conn, nil
}

type stream struct {
	client  *Client
	address string
	next    uint64
	out     chan types.LedgerUpdate
	stop    context.CancelFunc
	done    chan struct{}
}

func (s *stream) cancel() {
	s.stop()
	<-s.done
}

func (s *stream) run(ctx context.Context, conn *websocket.Conn) {
	c := s.client
	defer func() {
		close(s.out)
		c.mu.Lock()
		delete(c.streams, s)
		c.mu.Unlock()
		close(s.done)
		c.streamWG.Done()
	}()

	for {
		err := s.pump(ctx, conn)
		_ = conn.Close(websocket.StatusNormalClosure, "")
		if ctx.Err() != nil {
			return
		}
		c.logger.Warn("ledger stream dropped", slog.String("contract", s.address), slog.String("error", err.Error()))

		for {
			if err := c.limiter.Wait(ctx); err != nil {
				return
			}
			conn, err = c.dial(ctx, s.address, s.next)
			if err == nil {
				c.metrics.RecordResubscribe()
				break
			}
			if ctx.Err() != nil {
				return
			}
			c.logger.Warn("ledger stream redial failed", slog.String("contract", s.address), slog.String("error", err.Error()))
		}
	}
}

// held is the height of the last update delivered, or the one preceding the
// requested start height.
func (s *stream) held() uint64 {
	if s.next == 0 {
		return 0
	}
	return s.next - 1
}

// pump forwards frames until the connection fails or ctx ends.
func (s *stream) pump(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		var update types.LedgerUpdate
		if err := json.Unmarshal(data, &update); err != nil {
			// Passed on at the last delivered height with the raw bytes as
			// state; projection reports it.
			s.client.logger.Warn("undecodable ledger frame", slog.String("contract", s.address), slog.String("error", err.Error()))
			update = types.LedgerUpdate{Address: s.address, Height: s.held(), State: json.RawMessage(data)}
			select {
			case s.out <- update:
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		if update.Address == "" {
			update.Address = s.address
		}
		if update.Height < s.next {
			continue
		}
		select {
		case s.out <- update:
		case <-ctx.Done():
			return ctx.Err()
		}
		s.next = update.Height + 1
	}
}
