package zkconfig

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"
	"lukechampine.com/blake3"

	coreerrors "pollsession/core/errors"
	"pollsession/core/types"
)

// ErrDigestMismatch is returned when downloaded artifacts do not hash to the
// digest advertised with them.
var ErrDigestMismatch = errors.New("zkconfig: artifact digest mismatch")

// Source fetches circuit artifacts. *node.Client implements it.
type Source interface {
	CircuitConfig(ctx context.Context, circuit string) (types.CircuitConfig, error)
}

// Cache persists verified artifacts between runs.
type Cache interface {
	Get(circuit string) (types.CircuitConfig, bool, error)
	Put(cfg types.CircuitConfig) error
	Close() error
}

// Loader resolves circuit configurations, verifying each artifact set against
// its BLAKE3 digest before caching it.
type Loader struct {
	source Source
	cache  Cache
	logger *slog.Logger

	group singleflight.Group
	mu    sync.RWMutex
	mem   map[string]types.CircuitConfig
}

// Option customises the loader.
type Option func(*Loader)

// WithCache adds a persistent cache behind the in-memory one.
func WithCache(cache Cache) Option {
	return func(l *Loader) { l.cache = cache }
}

// WithLogger overrides the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Loader) { l.logger = logger }
}

// NewLoader returns a loader fetching from source.
func NewLoader(source Source, opts ...Option) (*Loader, error) {
	if source == nil {
		return nil, errors.New("zkconfig: source required")
	}
	l := &Loader{source: source, mem: make(map[string]types.CircuitConfig)}
	for _, opt := range opts {
		opt(l)
	}
	if l.logger == nil {
		l.logger = slog.Default()
	}
	return l, nil
}

// Load returns the verified configuration for circuit. Concurrent loads of the
// same circuit share one fetch.
func (l *Loader) Load(ctx context.Context, circuit string) (types.CircuitConfig, error) {
	circuit = strings.TrimSpace(circuit)
	if circuit == "" {
		return types.CircuitConfig{}, errors.New("zkconfig: circuit required")
	}
	l.mu.RLock()
	cfg, ok := l.mem[circuit]
	l.mu.RUnlock()
	if ok {
		return cfg, nil
	}

	v, err, _ := l.group.Do(circuit, func() (any, error) {
		return l.fetch(ctx, circuit)
	})
	if err != nil {
		return types.CircuitConfig{}, err
	}
	return v.(types.CircuitConfig), nil
}

func (l *Loader) fetch(ctx context.Context, circuit string) (types.CircuitConfig, error) {
	if l.cache != nil {
		cached, ok, err := l.cache.Get(circuit)
		switch {
		case err != nil:
			l.logger.Warn("zk config cache read failed", slog.String("circuit", circuit), slog.String("error", err.Error()))
		case ok && Verify(cached) == nil:
			l.remember(cached)
			return cached, nil
		case ok:
			l.logger.Warn("discarding corrupt cached zk config", slog.String("circuit", circuit))
		}
	}

	cfg, err := l.source.CircuitConfig(ctx, circuit)
	if err != nil {
		return types.CircuitConfig{}, coreerrors.Timeout("zkconfig load", fmt.Errorf("zkconfig: fetch %s: %w", circuit, err))
	}
	cfg.Circuit = circuit
	if cfg.Digest == "" {
		cfg.Digest = Digest(cfg)
	} else if err := Verify(cfg); err != nil {
		return types.CircuitConfig{}, err
	}

	if l.cache != nil {
		if err := l.cache.Put(cfg); err != nil {
			l.logger.Warn("zk config cache write failed", slog.String("circuit", circuit), slog.String("error", err.Error()))
		}
	}
	l.remember(cfg)
	return cfg, nil
}

func (l *Loader) remember(cfg types.CircuitConfig) {
	l.mu.Lock()
	l.mem[cfg.Circuit] = cfg
	l.mu.Unlock()
}

// Close closes the persistent cache, if any.
func (l *Loader) Close() error {
	if l.cache == nil {
		return nil
	}
	return l.cache.Close()
}

// Digest hashes the prover key, verifier key and ZKIR of cfg with BLAKE3.
// Each artifact is length-prefixed so boundaries cannot shift.
func Digest(cfg types.CircuitConfig) string {
	h := blake3.New(32, nil)
	var prefix [8]byte
	for _, part := range [][]byte{cfg.ProverKey, cfg.VerifierKey, cfg.ZKIR} {
		binary.BigEndian.PutUint64(prefix[:], uint64(len(part)))
		_, _ = h.Write(prefix[:])
		_, _ = h.Write(part)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Verify checks cfg.Digest against its artifacts.
func Verify(cfg types.CircuitConfig) error {
	if !strings.EqualFold(strings.TrimSpace(cfg.Digest), Digest(cfg)) {
		return fmt.Errorf("%w: circuit %s", ErrDigestMismatch, cfg.Circuit)
	}
	return nil
}
