package wallet

import (
	"context"
	"errors"

	"pollsession/core/types"
)

// ServiceURIs lists the endpoints a wallet advertises for the services the
// contract runtime talks to.
type ServiceURIs struct {
	Indexer     string `json:"indexerUri" yaml:"indexer" toml:"indexer"`
	IndexerWS   string `json:"indexerWsUri" yaml:"indexer_ws" toml:"indexer_ws"`
	Node        string `json:"substrateNodeUri" yaml:"node" toml:"node"`
	ProofServer string `json:"proverServerUri" yaml:"proof_server" toml:"proof_server"`
}

// Validate reports the first missing endpoint.
func (u ServiceURIs) Validate() error {
	switch {
	case u.Indexer == "":
		return errors.New("wallet: indexer uri missing")
	case u.IndexerWS == "":
		return errors.New("wallet: indexer websocket uri missing")
	case u.Node == "":
		return errors.New("wallet: node uri missing")
	case u.ProofServer == "":
		return errors.New("wallet: proof server uri missing")
	}
	return nil
}

// Extension is the wallet as seen from the session layer. Signing and coin
// selection happen inside the extension.
type Extension interface {
	IsEnabled(ctx context.Context) (bool, error)
	Enable(ctx context.Context) (bool, error)
	ServiceURIConfig(ctx context.Context) (ServiceURIs, error)
	CoinPublicKey(ctx context.Context) ([]byte, error)
	BalanceTransaction(ctx context.Context, tx types.UnbalancedTransaction, coins []types.Coin) (types.BalancedTransaction, error)
	SubmitTransaction(ctx context.Context, tx types.BalancedTransaction) (types.TransactionID, error)
}

// Locator finds the wallet extension. ok is false when none is installed.
type Locator interface {
	Lookup(ctx context.Context) (Extension, bool)
}

// LocatorFunc adapts a function to the Locator interface.
type LocatorFunc func(ctx context.Context) (Extension, bool)

// Lookup calls f.
func (f LocatorFunc) Lookup(ctx context.Context) (Extension, bool) {
	return f(ctx)
}

// Static returns a Locator that always yields ext. A nil ext reports the
// wallet as absent.
func Static(ext Extension) Locator {
	return LocatorFunc(func(context.Context) (Extension, bool) {
		return ext, ext != nil
	})
}

// FuncExtension adapts callback functions to the Extension interface. Unset
// callbacks behave like an enabled wallet with nothing to offer.
type FuncExtension struct {
	IsEnabledFunc     func(ctx context.Context) (bool, error)
	EnableFunc        func(ctx context.Context) (bool, error)
	ServiceURIsFunc   func(ctx context.Context) (ServiceURIs, error)
	CoinPublicKeyFunc func(ctx context.Context) ([]byte, error)
	BalanceFunc       func(ctx context.Context, tx types.UnbalancedTransaction, coins []types.Coin) (types.BalancedTransaction, error)
	SubmitFunc        func(ctx context.Context, tx types.BalancedTransaction) (types.TransactionID, error)
}

// IsEnabled delegates to the configured callback.
func (f FuncExtension) IsEnabled(ctx context.Context) (bool, error) {
	if f.IsEnabledFunc == nil {
		return true, nil
	}
	return f.IsEnabledFunc(ctx)
}

// Enable delegates to the configured callback.
func (f FuncExtension) Enable(ctx context.Context) (bool, error) {
	if f.EnableFunc == nil {
		return true, nil
	}
	return f.EnableFunc(ctx)
}

// ServiceURIConfig delegates to the configured callback.
func (f FuncExtension) ServiceURIConfig(ctx context.Context) (ServiceURIs, error) {
	if f.ServiceURIsFunc == nil {
		return ServiceURIs{}, nil
	}
	return f.ServiceURIsFunc(ctx)
}

// CoinPublicKey delegates to the configured callback.
func (f FuncExtension) CoinPublicKey(ctx context.Context) ([]byte, error) {
	if f.CoinPublicKeyFunc == nil {
		return nil, nil
	}
	return f.CoinPublicKeyFunc(ctx)
}

// BalanceTransaction delegates to the configured callback. Without one the
// transaction is passed through untouched.
func (f FuncExtension) BalanceTransaction(ctx context.Context, tx types.UnbalancedTransaction, coins []types.Coin) (types.BalancedTransaction, error) {
	if f.BalanceFunc == nil {
		return types.BalancedTransaction{Transaction: tx.Clone()}, nil
	}
	return f.BalanceFunc(ctx, tx, coins)
}

// SubmitTransaction delegates to the configured callback.
func (f FuncExtension) SubmitTransaction(ctx context.Context, tx types.BalancedTransaction) (types.TransactionID, error) {
	if f.SubmitFunc == nil {
		return "", nil
	}
	return f.SubmitFunc(ctx, tx)
}
