package wallet

import (
	"context"
	"errors"
	"fmt"
	"sync"

	coreerrors "pollsession/core/errors"
	"pollsession/core/types"
	"pollsession/crypto"
	"pollsession/sdk/node"
)

// Authorizer asks the user whether the application may use the wallet.
type Authorizer func(ctx context.Context) (bool, error)

// AutoApprove grants every authorization request.
func AutoApprove(context.Context) (bool, error) { return true, nil }

// Submitter broadcasts balanced transactions. *node.Client implements it.
type Submitter interface {
	SubmitTransaction(ctx context.Context, tx types.BalancedTransaction) (types.TransactionID, error)
}

// Local is a key-backed extension for headless use. It signs with a wallet key
// loaded by the caller and submits through the node advertised in its
// service URIs.
type Local struct {
	key       *crypto.PrivateKey
	uris      ServiceURIs
	authorize Authorizer
	submitter Submitter

	mu      sync.Mutex
	enabled bool
}

// LocalOption customises a Local extension.
type LocalOption func(*Local)

// WithAuthorizer sets the authorization prompt. The default approves.
func WithAuthorizer(a Authorizer) LocalOption {
	return func(l *Local) { l.authorize = a }
}

// WithSubmitter overrides the transaction submitter.
func WithSubmitter(s Submitter) LocalOption {
	return func(l *Local) { l.submitter = s }
}

// NewLocal returns a Local extension bound to key and uris. Without
// WithSubmitter a node client for uris.Node is created.
func NewLocal(key *crypto.PrivateKey, uris ServiceURIs, opts ...LocalOption) (*Local, error) {
	if key == nil || key.PrivateKey == nil {
		return nil, errors.New("wallet: signing key required")
	}
	if err := uris.Validate(); err != nil {
		return nil, err
	}
	l := &Local{key: key, uris: uris}
	for _, opt := range opts {
		opt(l)
	}
	if l.authorize == nil {
		l.authorize = AutoApprove
	}
	if l.submitter == nil {
		client, err := node.New(uris.Node)
		if err != nil {
			return nil, fmt.Errorf("wallet: %w", err)
		}
		l.submitter = client
	}
	return l, nil
}

// IsEnabled reports whether the user already authorized the application.
func (l *Local) IsEnabled(context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.enabled, nil
}

// Enable prompts for authorization.
func (l *Local) Enable(ctx context.Context) (bool, error) {
	granted, err := l.authorize(ctx)
	if err != nil {
		return false, err
	}
	l.mu.Lock()
	l.enabled = granted
	l.mu.Unlock()
	return granted, nil
}

// ServiceURIConfig returns the configured endpoints.
func (l *Local) ServiceURIConfig(context.Context) (ServiceURIs, error) {
	if err := l.requireEnabled(); err != nil {
		return ServiceURIs{}, err
	}
	return l.uris, nil
}

// CoinPublicKey returns the compressed public key of the wallet key.
func (l *Local) CoinPublicKey(context.Context) ([]byte, error) {
	if err := l.requireEnabled(); err != nil {
		return nil, err
	}
	return l.key.CoinPublicKey(), nil
}

// BalanceTransaction attaches coins and signs the transaction.
func (l *Local) BalanceTransaction(_ context.Context, tx types.UnbalancedTransaction, coins []types.Coin) (types.BalancedTransaction, error) {
	if err := l.requireEnabled(); err != nil {
		return types.BalancedTransaction{}, err
	}
	balanced := types.BalancedTransaction{Transaction: tx.Clone()}
	for _, coin := range coins {
		if coin.Value == nil {
			return types.BalancedTransaction{}, fmt.Errorf("wallet: coin %q has no value", coin.Type)
		}
		balanced.Coins = append(balanced.Coins, types.Coin{Type: coin.Type, Value: coin.Value.Clone()})
	}
	if err := balanced.Sign(l.key.PrivateKey); err != nil {
		return types.BalancedTransaction{}, fmt.Errorf("wallet: sign: %w", err)
	}
	return balanced, nil
}

// SubmitTransaction verifies the signature and hands the transaction to the
// node.
func (l *Local) SubmitTransaction(ctx context.Context, tx types.BalancedTransaction) (types.TransactionID, error) {
	if err := l.requireEnabled(); err != nil {
		return "", err
	}
	if err := tx.VerifySignature(); err != nil {
		return "", fmt.Errorf("wallet: %w", err)
	}
	return l.submitter.SubmitTransaction(ctx, tx)
}

func (l *Local) requireEnabled() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.enabled {
		return coreerrors.ErrNotConnected
	}
	return nil
}
