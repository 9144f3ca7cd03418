// Package voting is the application-facing facade over the wallet, provider,
// contract session, projector and action layers.
package voting

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/holiman/uint256"

	"pollsession/actions"
	"pollsession/contract"
	coreerrors "pollsession/core/errors"
	"pollsession/core/types"
	"pollsession/observability"
	"pollsession/projector"
	"pollsession/providers"
	"pollsession/wallet"
)

// Status summarises the facade for display.
type Status struct {
	Wallet    wallet.State `json:"-"`
	Connected bool         `json:"connected"`
	Contract  string       `json:"contract,omitempty"`
	SessionID uuid.UUID    `json:"sessionId"`
	Height    uint64       `json:"height"`
	Ready     bool         `json:"ready"`
	Loading   bool         `json:"loading"`
	Err       error        `json:"-"`
}

// Client wires the session lifecycle together. Lifecycle calls (connect,
// join, deploy, disconnect) are serialized; actions run concurrently.
type Client struct {
	connector  *wallet.Connector
	assembler  *providers.Assembler
	manager    *contract.Manager
	projector  *projector.Projector
	dispatcher *actions.Dispatcher
	recorder   actions.Recorder
	logger     *slog.Logger
	metrics    *observability.SessionMetrics

	lifecycle sync.Mutex
	bundle    atomic.Pointer[providers.Bundle]
	loading   atomic.Int32

	errMu   sync.RWMutex
	lastErr error
}

// Option customises the client.
type Option func(*Client)

// WithAssembler overrides the provider assembler.
func WithAssembler(a *providers.Assembler) Option {
	return func(c *Client) { c.assembler = a }
}

// WithManager overrides the contract session manager.
func WithManager(m *contract.Manager) Option {
	return func(c *Client) { c.manager = m }
}

// WithProjector overrides the state projector.
func WithProjector(p *projector.Projector) Option {
	return func(c *Client) { c.projector = p }
}

// WithRecorder records dispatched actions, typically in a journal.
func WithRecorder(r actions.Recorder) Option {
	return func(c *Client) { c.recorder = r }
}

// WithLogger overrides the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithMetrics overrides the metrics registry.
func WithMetrics(m *observability.SessionMetrics) Option {
	return func(c *Client) { c.metrics = m }
}

// New returns a disconnected client using locator to find the wallet.
func New(locator wallet.Locator, opts ...Option) *Client {
	c := &Client{}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	c.connector = wallet.NewConnector(locator, wallet.WithLogger(c.logger), wallet.WithMetrics(c.metrics))
	if c.assembler == nil {
		c.assembler = providers.NewAssembler(providers.WithLogger(c.logger), providers.WithMetrics(c.metrics))
	}
	if c.manager == nil {
		c.manager = contract.NewManager(contract.WithLogger(c.logger), contract.WithMetrics(c.metrics))
	}
	if c.projector == nil {
		c.projector = projector.New(projector.WithLogger(c.logger), projector.WithMetrics(c.metrics))
	}
	dispatchOpts := []actions.Option{actions.WithLogger(c.logger)}
	if c.recorder != nil {
		dispatchOpts = append(dispatchOpts, actions.WithRecorder(c.recorder))
	}
	c.dispatcher = actions.NewDispatcher(actions.FromManager(c.manager), dispatchOpts...)
	c.logger = c.logger.With(slog.String("component", "voting"))
	return c
}

// ConnectWallet connects the wallet and assembles its providers. Calling it
// while connected re-uses the existing bundle.
func (c *Client) ConnectWallet(ctx context.Context) (wallet.State, error) {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	defer c.busy()()

	state, err := c.connector.Connect(ctx)
	if err != nil {
		c.fail(err)
		return state, err
	}
	handle, ok := c.connector.Handle()
	if !ok {
		c.fail(coreerrors.ErrNotConnected)
		return state, coreerrors.ErrNotConnected
	}
	bundle, err := c.assembler.Assemble(ctx, handle)
	if err != nil {
		c.fail(err)
		return state, err
	}
	c.bundle.Store(bundle)
	c.clearErr()
	return state, nil
}

// DisconnectWallet ends the contract session, clears derived state and
// revokes the wallet connection together with its providers.
func (c *Client) DisconnectWallet() {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	c.manager.Leave()
	c.projector.Detach()
	c.connector.Disconnect()
	c.bundle.Store(nil)
	if err := c.assembler.Close(); err != nil {
		c.logger.Warn("closing providers failed", slog.String("error", err.Error()))
	}
	c.clearErr()
}

// JoinContract attaches to a deployed contract and starts projecting its
// state.
func (c *Client) JoinContract(ctx context.Context, address string) error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	defer c.busy()()

	bundle := c.bundle.Load()
	if bundle == nil {
		c.fail(coreerrors.ErrNotConnected)
		return coreerrors.ErrNotConnected
	}
	prev := c.manager.Current()
	session, err := c.manager.Join(ctx, bundle, address)
	if err != nil {
		c.settle(prev)
		c.fail(err)
		return err
	}
	c.projector.Attach(session)
	c.clearErr()
	return nil
}

// DeployContract deploys a new contract, joins it and returns its address.
func (c *Client) DeployContract(ctx context.Context, args contract.DeployArgs) (string, error) {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	defer c.busy()()

	bundle := c.bundle.Load()
	if bundle == nil {
		c.fail(coreerrors.ErrNotConnected)
		return "", coreerrors.ErrNotConnected
	}
	prev := c.manager.Current()
	session, err := c.manager.Deploy(ctx, bundle, args)
	if err != nil {
		c.settle(prev)
		c.fail(err)
		return "", err
	}
	c.projector.Attach(session)
	c.clearErr()
	return session.Address(), nil
}

// settle drops derived state when a failed join or deploy has already
// closed the session that was active before it.
func (c *Client) settle(prev *contract.Session) {
	if prev != nil && c.manager.Current() != prev {
		c.projector.Detach()
	}
}

// Status reports connection, session and loading state.
func (c *Client) Status() Status {
	ws := c.connector.State()
	snap := c.projector.Snapshot()
	st := Status{
		Wallet:    ws,
		Connected: ws.Status == wallet.StatusConnected && c.bundle.Load() != nil,
		Height:    snap.Height,
		Ready:     snap.Ready,
		Loading:   c.loading.Load() > 0,
		Err:       c.Err(),
	}
	if s := c.manager.Current(); s != nil {
		st.Contract = s.Address()
		st.SessionID = s.ID()
	}
	if st.Err == nil && snap.Err != nil {
		st.Err = snap.Err
	}
	return st
}

// State returns the derived contract state and whether one is available.
// Without a joined contract there is none.
func (c *Client) State() (types.DerivedState, bool) {
	return c.projector.State()
}

// Events streams projector events until cancel is called.
func (c *Client) Events() (<-chan projector.Event, func()) {
	return c.projector.Subscribe()
}

// Err returns the most recent lifecycle or action failure.
func (c *Client) Err() error {
	c.errMu.RLock()
	defer c.errMu.RUnlock()
	return c.lastErr
}

// Dispatch submits a through the active session.
func (c *Client) Dispatch(ctx context.Context, a actions.Action) (types.TransactionResult, error) {
	defer c.busy()()
	res, err := c.dispatcher.Dispatch(ctx, a)
	if err != nil {
		c.fail(err)
		return res, err
	}
	return res, nil
}

// CreatePoll submits a createPoll transaction.
func (c *Client) CreatePoll(ctx context.Context, id *uint256.Int, question, option1, option2 string) (types.TransactionResult, error) {
	return c.Dispatch(ctx, actions.CreatePoll{ID: id, Question: question, Option1: option1, Option2: option2})
}

// VoteOption1 votes for the first option of poll id.
func (c *Client) VoteOption1(ctx context.Context, id *uint256.Int) (types.TransactionResult, error) {
	return c.Dispatch(ctx, actions.VoteOption1{ID: id})
}

// VoteOption2 votes for the second option of poll id.
func (c *Client) VoteOption2(ctx context.Context, id *uint256.Int) (types.TransactionResult, error) {
	return c.Dispatch(ctx, actions.VoteOption2{ID: id})
}

// ClosePoll closes poll id.
func (c *Client) ClosePoll(ctx context.Context, id *uint256.Int) (types.TransactionResult, error) {
	return c.Dispatch(ctx, actions.ClosePoll{ID: id})
}

// Close ends the session and releases providers. The wallet connection is
// left to the caller.
func (c *Client) Close() error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	c.manager.Leave()
	c.projector.Close()
	c.bundle.Store(nil)
	return c.assembler.Close()
}

func (c *Client) busy() func() {
	c.loading.Add(1)
	return func() { c.loading.Add(-1) }
}

func (c *Client) fail(err error) {
	c.errMu.Lock()
	c.lastErr = err
	c.errMu.Unlock()
}

func (c *Client) clearErr() {
	c.errMu.Lock()
	c.lastErr = nil
	c.errMu.Unlock()
}
