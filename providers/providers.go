package providers

import (
	"context"

	"pollsession/core/types"
	"pollsession/wallet"
)

// PrivateStateStore keeps contract private state on the user's machine.
type PrivateStateStore interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
	Remove(ctx context.Context, key string) error
	Close() error
}

// PublicDataProvider reads public contract state and streams its updates.
type PublicDataProvider interface {
	ContractState(ctx context.Context, address string) (types.ContractState, error)
	Subscribe(ctx context.Context, address string, fromHeight uint64) (<-chan types.LedgerUpdate, func(), error)
	Close() error
}

// ZKConfigProvider resolves the proving material of a circuit.
type ZKConfigProvider interface {
	Load(ctx context.Context, circuit string) (types.CircuitConfig, error)
	Close() error
}

// ProofProvider attaches a zero-knowledge proof to an unbalanced transaction.
type ProofProvider interface {
	Prove(ctx context.Context, tx types.UnbalancedTransaction, cfg types.CircuitConfig) (types.UnbalancedTransaction, error)
}

// WalletProvider balances, signs and submits transactions on behalf of the
// connected wallet.
type WalletProvider interface {
	CoinPublicKey() []byte
	BalanceTransaction(ctx context.Context, tx types.UnbalancedTransaction, coins []types.Coin) (types.BalancedTransaction, error)
	SubmitTransaction(ctx context.Context, tx types.BalancedTransaction) (types.TransactionID, error)
}

// walletProvider adapts a connected extension.
type walletProvider struct {
	ext     wallet.Extension
	coinKey []byte
}

func (w *walletProvider) CoinPublicKey() []byte {
	return append([]byte(nil), w.coinKey...)
}

func (w *walletProvider) BalanceTransaction(ctx context.Context, tx types.UnbalancedTransaction, coins []types.Coin) (types.BalancedTransaction, error) {
	return w.ext.BalanceTransaction(ctx, tx, coins)
}

func (w *walletProvider) SubmitTransaction(ctx context.Context, tx types.BalancedTransaction) (types.TransactionID, error) {
	return w.ext.SubmitTransaction(ctx, tx)
}

// NewWalletProvider adapts ext, advertising coinKey as the wallet identity.
func NewWalletProvider(ext wallet.Extension, coinKey []byte) WalletProvider {
	return &walletProvider{ext: ext, coinKey: append([]byte(nil), coinKey...)}
}
