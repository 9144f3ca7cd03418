package providers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"
	"sync"

	"golang.org/x/sync/singleflight"

	coreerrors "pollsession/core/errors"
	"pollsession/observability"
	"pollsession/providers/indexer"
	"pollsession/providers/privatestate"
	"pollsession/providers/proof"
	"pollsession/providers/zkconfig"
	"pollsession/sdk/node"
	"pollsession/wallet"
)

// Env is the input every provider factory receives.
type Env struct {
	URIs          wallet.ServiceURIs
	CoinPublicKey []byte
	DataDir       string
	StoreName     string
	Logger        *slog.Logger
	Metrics       *observability.SessionMetrics
}

// Factories construct the individual providers. Nil entries fall back to the
// defaults.
type Factories struct {
	PrivateState func(ctx context.Context, env Env) (PrivateStateStore, error)
	PublicData   func(ctx context.Context, env Env) (PublicDataProvider, error)
	ZKConfig     func(ctx context.Context, env Env) (ZKConfigProvider, error)
	Proof        func(ctx context.Context, env Env) (ProofProvider, error)
}

// DefaultFactories returns the production providers: LevelDB private state
// (in-memory without a data dir), the indexer client, the node-backed zk
// config loader with a BoltDB cache and the HTTP proof client.
func DefaultFactories() Factories {
	return Factories{
		PrivateState: func(_ context.Context, env Env) (PrivateStateStore, error) {
			if env.DataDir == "" {
				return privatestate.NewMem(), nil
			}
			store, err := privatestate.OpenLevelDB(filepath.Join(env.DataDir, env.StoreName), env.StoreName)
			if err != nil {
				return nil, err
			}
			return store, nil
		},
		PublicData: func(_ context.Context, env Env) (PublicDataProvider, error) {
			client, err := indexer.New(env.URIs.Indexer, env.URIs.IndexerWS,
				indexer.WithLogger(env.Logger),
				indexer.WithMetrics(env.Metrics),
			)
			if err != nil {
				return nil, err
			}
			return client, nil
		},
		ZKConfig: func(_ context.Context, env Env) (ZKConfigProvider, error) {
			source, err := node.New(env.URIs.Node)
			if err != nil {
				return nil, err
			}
			loader, err := openZKConfig(source, env.DataDir, env.Logger)
			if err != nil {
				return nil, err
			}
			return loader, nil
		},
		Proof: func(_ context.Context, env Env) (ProofProvider, error) {
			client, err := proof.New(env.URIs.ProofServer)
			if err != nil {
				return nil, err
			}
			return client, nil
		},
	}
}

// openZKConfig builds a loader over source, cached in dataDir when set. The
// cache is closed if the loader cannot be built.
func openZKConfig(source zkconfig.Source, dataDir string, logger *slog.Logger) (*zkconfig.Loader, error) {
	opts := []zkconfig.Option{zkconfig.WithLogger(logger)}
	var cache *zkconfig.BoltCache
	if dataDir != "" {
		var err error
		cache, err = zkconfig.OpenBoltCache(filepath.Join(dataDir, "zkconfig.db"))
		if err != nil {
			return nil, err
		}
		opts = append(opts, zkconfig.WithCache(cache))
	}
	loader, err := zkconfig.NewLoader(source, opts...)
	if err != nil {
		if cache != nil {
			_ = cache.Close()
		}
		return nil, err
	}
	return loader, nil
}

// Assembler builds provider bundles for connected wallets. Concurrent calls
// for the same connection share one construction and the resulting bundle is
// reused until the connection is revoked.
type Assembler struct {
	factories Factories
	dataDir   string
	storeName string
	logger    *slog.Logger
	metrics   *observability.SessionMetrics

	group   singleflight.Group
	mu      sync.Mutex
	current *Bundle
}

// AssemblerOption customises the assembler.
type AssemblerOption func(*Assembler)

// WithFactories overrides individual provider factories.
func WithFactories(f Factories) AssemblerOption {
	return func(a *Assembler) {
		if f.PrivateState != nil {
			a.factories.PrivateState = f.PrivateState
		}
		if f.PublicData != nil {
			a.factories.PublicData = f.PublicData
		}
		if f.ZKConfig != nil {
			a.factories.ZKConfig = f.ZKConfig
		}
		if f.Proof != nil {
			a.factories.Proof = f.Proof
		}
	}
}

// WithDataDir sets the directory holding persistent provider state.
func WithDataDir(dir string) AssemblerOption {
	return func(a *Assembler) { a.dataDir = dir }
}

// WithStoreName overrides the private-state store identifier.
func WithStoreName(name string) AssemblerOption {
	return func(a *Assembler) { a.storeName = name }
}

// WithLogger overrides the structured logger.
func WithLogger(logger *slog.Logger) AssemblerOption {
	return func(a *Assembler) { a.logger = logger }
}

// WithMetrics overrides the metrics registry.
func WithMetrics(m *observability.SessionMetrics) AssemblerOption {
	return func(a *Assembler) { a.metrics = m }
}

// NewAssembler returns an assembler using the default factories unless
// overridden.
func NewAssembler(opts ...AssemblerOption) *Assembler {
	a := &Assembler{
		factories: DefaultFactories(),
		storeName: privatestate.StoreName,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.logger == nil {
		a.logger = slog.Default()
	}
	a.logger = a.logger.With(slog.String("component", "providers"))
	return a
}

// Assemble returns the bundle for handle, building it on first use. A nil or
// revoked handle yields ErrNotConnected. On failure every provider already
// built is closed and a ProviderInitError names the one that failed.
func (a *Assembler) Assemble(ctx context.Context, handle *wallet.Handle) (*Bundle, error) {
	if handle == nil || handle.Err() != nil {
		return nil, coreerrors.ErrNotConnected
	}

	a.mu.Lock()
	if cur := a.current; cur != nil {
		if cur.handle == handle && cur.Err() == nil {
			a.mu.Unlock()
			return cur, nil
		}
		// Release the previous connection's resources (LevelDB lock among
		// them) before building a replacement.
		a.current = nil
		a.mu.Unlock()
		if err := cur.Close(); err != nil {
			a.logger.Warn("closing stale bundle failed", slog.String("error", err.Error()))
		}
	} else {
		a.mu.Unlock()
	}

	key := strconv.FormatUint(handle.Epoch(), 10)
	v, err, _ := a.group.Do(key, func() (any, error) {
		a.mu.Lock()
		if cur := a.current; cur != nil && cur.handle == handle {
			a.mu.Unlock()
			return cur, nil
		}
		a.mu.Unlock()

		bundle, err := a.build(ctx, handle)
		if err != nil {
			return nil, err
		}
		a.mu.Lock()
		if handle.Err() != nil {
			a.mu.Unlock()
			_ = bundle.Close()
			return nil, coreerrors.ErrNotConnected
		}
		a.current = bundle
		a.mu.Unlock()
		return bundle, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Bundle), nil
}

// Close releases the current bundle.
func (a *Assembler) Close() error {
	a.mu.Lock()
	cur := a.current
	a.current = nil
	a.mu.Unlock()
	if cur == nil {
		return nil
	}
	return cur.Close()
}

func (a *Assembler) build(ctx context.Context, handle *wallet.Handle) (*Bundle, error) {
	ext := handle.Extension()
	uris, err := ext.ServiceURIConfig(ctx)
	if err == nil {
		err = uris.Validate()
	}
	if err != nil {
		return nil, a.initError(coreerrors.ProviderWallet, fmt.Errorf("service uri config: %w", err))
	}
	coinKey, err := ext.CoinPublicKey(ctx)
	if err == nil && len(coinKey) == 0 {
		err = errors.New("empty coin public key")
	}
	if err != nil {
		return nil, a.initError(coreerrors.ProviderWallet, fmt.Errorf("coin public key: %w", err))
	}

	env := Env{
		URIs:          uris,
		CoinPublicKey: coinKey,
		DataDir:       a.dataDir,
		StoreName:     a.storeName,
		Logger:        a.logger,
		Metrics:       a.metrics,
	}
	var set Set
	fail := func(which coreerrors.Provider, err error) (*Bundle, error) {
		if cerr := closeSet(set); cerr != nil {
			a.logger.Warn("closing partial bundle failed", slog.String("error", cerr.Error()))
		}
		return nil, a.initError(which, err)
	}

	if set.PrivateState, err = a.factories.PrivateState(ctx, env); err != nil {
		return fail(coreerrors.ProviderPrivateState, err)
	}
	if set.PublicData, err = a.factories.PublicData(ctx, env); err != nil {
		return fail(coreerrors.ProviderPublicData, err)
	}
	if set.ZKConfig, err = a.factories.ZKConfig(ctx, env); err != nil {
		return fail(coreerrors.ProviderZKConfig, err)
	}
	if set.Proof, err = a.factories.Proof(ctx, env); err != nil {
		return fail(coreerrors.ProviderProof, err)
	}
	set.Wallet = NewWalletProvider(ext, coinKey)

	a.logger.Info("provider bundle assembled", slog.Uint64("epoch", handle.Epoch()))
	return NewBundle(handle, uris, set), nil
}

func (a *Assembler) initError(which coreerrors.Provider, err error) error {
	a.metrics.RecordProviderFailure(string(which))
	a.logger.Warn("provider init failed", slog.String("provider", string(which)), slog.String("error", err.Error()))
	return &coreerrors.ProviderInitError{Which: which, Err: coreerrors.Timeout("providers assemble", err)}
}
