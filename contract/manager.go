package contract

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	coreerrors "pollsession/core/errors"
	"pollsession/core/types"
	"pollsession/observability"
	telemetry "pollsession/observability/otel"
	"pollsession/providers"
)

// initialPrivateState is stored for contracts the user has not joined before.
var initialPrivateState = []byte("{}")

// DeployArgs parameterises a new contract instance.
type DeployArgs struct {
	// Salt distinguishes deployments by the same wallet. A random salt is used
	// when empty.
	Salt []byte
}

// Manager owns the single active contract session. Join, Deploy and Leave are
// serialized; Current may be read concurrently and only ever observes fully
// constructed sessions.
type Manager struct {
	logger       *slog.Logger
	metrics      *observability.SessionMetrics
	tracer       trace.Tracer
	pollInterval time.Duration
	buffer       int
	now          func() time.Time

	mu      sync.Mutex
	current atomic.Pointer[Session]
	active  atomic.Int32
}

// Option customises the manager.
type Option func(*Manager)

// WithLogger overrides the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithMetrics overrides the metrics registry.
func WithMetrics(metrics *observability.SessionMetrics) Option {
	return func(m *Manager) { m.metrics = metrics }
}

// WithPollInterval sets how often Deploy checks the indexer for the new
// contract.
func WithPollInterval(interval time.Duration) Option {
	return func(m *Manager) { m.pollInterval = interval }
}

// WithBufferSize sets the capacity of session update channels.
func WithBufferSize(n int) Option {
	return func(m *Manager) { m.buffer = n }
}

// WithClock sets the function used to timestamp results.
func WithClock(clock func() time.Time) Option {
	return func(m *Manager) { m.now = clock }
}

// NewManager returns a manager without an active session.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		pollInterval: 2 * time.Second,
		buffer:       16,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	m.logger = m.logger.With(slog.String("component", "contract"))
	if m.tracer == nil {
		m.tracer = telemetry.Tracer()
	}
	if m.pollInterval <= 0 {
		m.pollInterval = 2 * time.Second
	}
	if m.buffer <= 0 {
		m.buffer = 16
	}
	if m.now == nil {
		m.now = time.Now
	}
	return m
}

// Current returns the active session, or nil.
func (m *Manager) Current() *Session {
	return m.current.Load()
}

// ActiveSubscriptions reports how many ledger subscriptions the manager holds
// open. It never exceeds one.
func (m *Manager) ActiveSubscriptions() int {
	return int(m.active.Load())
}

// Join attaches to the deployed contract at address. The contract is resolved
// before the previous session is touched, so a failed join leaves it intact.
func (m *Manager) Join(ctx context.Context, bundle *providers.Bundle, address string) (*Session, error) {
	address = strings.TrimSpace(address)
	ctx, span := m.tracer.Start(ctx, "contract.join", trace.WithAttributes(attribute.String("contract", address)))
	defer span.End()

	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.join(ctx, bundle, address)
	m.metrics.RecordSession("join", err)
	endSpan(span, err)
	if err != nil {
		m.logger.Warn("join failed", slog.String("contract", address), slog.String("error", err.Error()))
		return nil, err
	}
	return s, nil
}

func (m *Manager) join(ctx context.Context, bundle *providers.Bundle, address string) (*Session, error) {
	if bundle == nil {
		return nil, coreerrors.ErrNotConnected
	}
	if _, err := hexutil.Decode(address); err != nil {
		return nil, &coreerrors.ContractNotFoundError{Address: address, Err: fmt.Errorf("invalid address: %w", err)}
	}
	publicData, err := bundle.PublicData()
	if err != nil {
		return nil, err
	}
	state, err := publicData.ContractState(ctx, address)
	if err != nil {
		if errors.Is(err, coreerrors.ErrContractNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("contract: resolve %s: %w", address, coreerrors.Timeout("contract join", err))
	}
	return m.open(ctx, bundle, publicData, address, state)
}

// Deploy submits a new contract instance, waits for the indexer to report it
// and joins it.
func (m *Manager) Deploy(ctx context.Context, bundle *providers.Bundle, args DeployArgs) (*Session, error) {
	ctx, span := m.tracer.Start(ctx, "contract.deploy")
	defer span.End()

	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.deploy(ctx, bundle, args)
	m.metrics.RecordSession("deploy", err)
	endSpan(span, err)
	if err != nil {
		m.logger.Warn("deploy failed", slog.String("error", err.Error()))
		return nil, err
	}
	span.SetAttributes(attribute.String("contract", s.Address()))
	return s, nil
}

func (m *Manager) deploy(ctx context.Context, bundle *providers.Bundle, args DeployArgs) (*Session, error) {
	if bundle == nil {
		return nil, coreerrors.ErrNotConnected
	}
	signer, err := bundle.Wallet()
	if err != nil {
		return nil, err
	}
	publicData, err := bundle.PublicData()
	if err != nil {
		return nil, err
	}

	salt := args.Salt
	if len(salt) == 0 {
		salt = make([]byte, 32)
		if _, err := rand.Read(salt); err != nil {
			return nil, &coreerrors.DeploymentFailedError{Err: fmt.Errorf("salt: %w", err)}
		}
	}
	encoded, err := types.EncodeArgs(salt, signer.CoinPublicKey())
	if err != nil {
		return nil, &coreerrors.DeploymentFailedError{Err: err}
	}
	tx := types.UnbalancedTransaction{Transaction: types.Transaction{Type: types.TxTypeDeploy, Args: encoded}}
	balanced, err := signer.BalanceTransaction(ctx, tx, nil)
	if err != nil {
		return nil, &coreerrors.DeploymentFailedError{Err: coreerrors.Timeout("contract deploy", fmt.Errorf("balance: %w", err))}
	}
	address, err := balanced.ContractAddress()
	if err != nil {
		return nil, &coreerrors.DeploymentFailedError{Err: err}
	}
	txID, err := signer.SubmitTransaction(ctx, balanced)
	if err != nil {
		return nil, &coreerrors.DeploymentFailedError{Err: coreerrors.Timeout("contract deploy", fmt.Errorf("submit: %w", err))}
	}
	m.logger.Info("deployment submitted", slog.String("contract", address), slog.String("txid", string(txID)))

	state, err := m.awaitContract(ctx, publicData, address)
	if err != nil {
		return nil, &coreerrors.DeploymentFailedError{Err: err}
	}
	s, err := m.open(ctx, bundle, publicData, address, state)
	if err != nil {
		return nil, &coreerrors.DeploymentFailedError{Err: err}
	}
	return s, nil
}

func (m *Manager) awaitContract(ctx context.Context, publicData providers.PublicDataProvider, address string) (types.ContractState, error) {
	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()
	for {
		state, err := publicData.ContractState(ctx, address)
		if err == nil {
			return state, nil
		}
		if !errors.Is(err, coreerrors.ErrContractNotFound) {
			return types.ContractState{}, coreerrors.Timeout("contract deploy", err)
		}
		select {
		case <-ctx.Done():
			return types.ContractState{}, coreerrors.Timeout("contract deploy", fmt.Errorf("waiting for %s: %w", address, ctx.Err()))
		case <-ticker.C:
		}
	}
}

// open replaces the active session with a new one for address. Private state
// is prepared while the previous session is still active; its subscription is
// closed before the new one is opened, so a failing subscribe leaves no
// session.
func (m *Manager) open(ctx context.Context, bundle *providers.Bundle, publicData providers.PublicDataProvider, address string, state types.ContractState) (*Session, error) {
	contractBytes, err := hexutil.Decode(address)
	if err != nil {
		return nil, &coreerrors.ContractNotFoundError{Address: address, Err: err}
	}
	privateState, err := bundle.PrivateState()
	if err != nil {
		return nil, err
	}
	if _, ok, err := privateState.Get(ctx, address); err != nil {
		return nil, fmt.Errorf("contract: read private state: %w", err)
	} else if !ok {
		if err := privateState.Set(ctx, address, initialPrivateState); err != nil {
			return nil, fmt.Errorf("contract: init private state: %w", err)
		}
	}

	m.teardown()
	src, unsub, err := publicData.Subscribe(ctx, address, state.Height+1)
	if err != nil {
		return nil, fmt.Errorf("contract: subscribe %s: %w", address, coreerrors.Timeout("contract subscribe", err))
	}

	id := uuid.New()
	s := &Session{
		id:       id,
		address:  address,
		contract: contractBytes,
		bundle:   bundle,
		logger:   m.logger.With(slog.String("session", id.String()), slog.String("contract", address)),
		metrics:  m.metrics,
		tracer:   m.tracer,
		now:      m.now,
		updates:  make(chan types.SessionUpdate, m.buffer),
		unsub:    unsub,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	s.onClose = func() {
		m.active.Add(-1)
		m.metrics.SubscriptionClosed()
		m.current.CompareAndSwap(s, nil)
	}
	m.active.Add(1)
	m.metrics.SubscriptionOpened()

	go s.run(types.LedgerUpdate{Address: address, Height: state.Height, State: state.State}, src)
	m.current.Store(s)
	s.logger.Info("contract session started", slog.Uint64("height", state.Height))
	return s, nil
}

// Leave closes the active session, if any.
func (m *Manager) Leave() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.teardown()
}

func (m *Manager) teardown() {
	if prev := m.current.Swap(nil); prev != nil {
		prev.Close()
	}
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}
