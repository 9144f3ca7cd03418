package wallet

import (
	"context"
	"log/slog"
	"sync"

	coreerrors "pollsession/core/errors"
	"pollsession/observability"
)

// Status is the coarse connection state of the wallet.
type Status int

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// State is the connection status plus, for StatusFailed, the reason.
type State struct {
	Status Status
	Reason error
}

// Handle grants access to a connected extension for the lifetime of one
// connection. Disconnect revokes it.
type Handle struct {
	ext   Extension
	epoch uint64
	done  chan struct{}
}

// Extension returns the connected extension.
func (h *Handle) Extension() Extension { return h.ext }

// Epoch identifies the connection that produced the handle.
func (h *Handle) Epoch() uint64 { return h.epoch }

// Done is closed when the handle is revoked.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Err returns ErrStaleBundle once the handle has been revoked and nil while it
// is live.
func (h *Handle) Err() error {
	if h == nil {
		return coreerrors.ErrNotConnected
	}
	select {
	case <-h.done:
		return coreerrors.ErrStaleBundle
	default:
		return nil
	}
}

// Connector owns the wallet connection state. Connect and Disconnect are
// serialized; State may be read concurrently.
type Connector struct {
	locator Locator
	logger  *slog.Logger
	metrics *observability.SessionMetrics

	connectMu sync.Mutex

	mu     sync.RWMutex
	state  State
	handle *Handle
	epoch  uint64
	notify []chan State
}

// Option customises a Connector.
type Option func(*Connector)

// WithLogger overrides the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Connector) { c.logger = logger }
}

// WithMetrics overrides the metrics registry.
func WithMetrics(m *observability.SessionMetrics) Option {
	return func(c *Connector) { c.metrics = m }
}

// NewConnector returns a disconnected connector that finds the extension
// through locator.
func NewConnector(locator Locator, opts ...Option) *Connector {
	c := &Connector{
		locator: locator,
		state:   State{Status: StatusDisconnected},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	c.logger = c.logger.With(slog.String("component", "wallet"))
	return c
}

// State returns the current connection state.
func (c *Connector) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Handle returns the live handle while connected.
func (c *Connector) Handle() (*Handle, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.state.Status != StatusConnected || c.handle == nil {
		return nil, false
	}
	return c.handle, true
}

// Changes returns a channel receiving every state transition. Slow readers
// miss intermediate states.
func (c *Connector) Changes() <-chan State {
	ch := make(chan State, 4)
	c.mu.Lock()
	c.notify = append(c.notify, ch)
	c.mu.Unlock()
	return ch
}

// Connect locates and activates the wallet. It is a no-op while connected.
// When no wallet is installed the returned state is Failed with
// ErrWalletUnavailable while the stored state stays Disconnected.
func (c *Connector) Connect(ctx context.Context) (State, error) {
	c.connectMu.Lock()
	defer c.connectMu.Unlock()

	if current := c.State(); current.Status == StatusConnected {
		return current, nil
	}

	ext, ok := c.lookup(ctx)
	if !ok {
		c.metrics.RecordConnect("unavailable")
		c.logger.Warn("wallet extension not found")
		return State{Status: StatusFailed, Reason: coreerrors.ErrWalletUnavailable}, coreerrors.ErrWalletUnavailable
	}

	enabled, err := ext.IsEnabled(ctx)
	if err != nil {
		return c.fail(&coreerrors.ExtensionError{Op: "isEnabled", Err: coreerrors.Timeout("wallet isEnabled", err)})
	}
	if !enabled {
		c.setState(State{Status: StatusConnecting}, nil)
		granted, err := ext.Enable(ctx)
		if err != nil {
			return c.fail(&coreerrors.ExtensionError{Op: "enable", Err: coreerrors.Timeout("wallet enable", err)})
		}
		if !granted {
			return c.fail(coreerrors.ErrUserRejected)
		}
	}

	c.mu.Lock()
	c.epoch++
	handle := &Handle{ext: ext, epoch: c.epoch, done: make(chan struct{})}
	c.mu.Unlock()
	state := State{Status: StatusConnected}
	c.setState(state, handle)
	c.metrics.RecordConnect("connected")
	c.logger.Info("wallet connected", slog.Uint64("epoch", handle.epoch))
	return state, nil
}

// Disconnect revokes the current handle and returns to Disconnected. Bundles
// built from the revoked handle report ErrStaleBundle from then on.
func (c *Connector) Disconnect() {
	c.connectMu.Lock()
	defer c.connectMu.Unlock()
	c.setState(State{Status: StatusDisconnected}, nil)
	c.logger.Info("wallet disconnected")
}

func (c *Connector) lookup(ctx context.Context) (Extension, bool) {
	if c.locator == nil {
		return nil, false
	}
	ext, ok := c.locator.Lookup(ctx)
	if !ok || ext == nil {
		return nil, false
	}
	return ext, true
}

func (c *Connector) fail(reason error) (State, error) {
	state := State{Status: StatusFailed, Reason: reason}
	c.setState(state, nil)
	if coreerrors.Is(reason, coreerrors.ErrUserRejected) {
		c.metrics.RecordConnect("rejected")
	} else {
		c.metrics.RecordConnect("error")
	}
	c.logger.Warn("wallet connection failed", slog.String("error", reason.Error()))
	return state, reason
}

// setState stores state and swaps the handle, revoking the previous one when
// it changes.
func (c *Connector) setState(state State, handle *Handle) {
	c.mu.Lock()
	prev := c.handle
	c.state = state
	c.handle = handle
	listeners := append([]chan State(nil), c.notify...)
	c.mu.Unlock()

	if prev != nil && prev != handle {
		close(prev.done)
	}
	for _, ch := range listeners {
		select {
		case ch <- state:
		default:
		}
	}
}
