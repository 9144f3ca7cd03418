package providers

import (
	stderrors "errors"
	"io"
	"sync"

	coreerrors "pollsession/core/errors"
	"pollsession/wallet"
)

// Set groups the five capabilities of a bundle.
type Set struct {
	PrivateState PrivateStateStore
	PublicData   PublicDataProvider
	ZKConfig     ZKConfigProvider
	Proof        ProofProvider
	Wallet       WalletProvider
}

// Bundle is the immutable provider set built for one wallet connection. Every
// accessor fails with ErrStaleBundle once that connection is revoked.
type Bundle struct {
	handle *wallet.Handle
	uris   wallet.ServiceURIs
	set    Set

	closeOnce sync.Once
	closeErr  error
}

// NewBundle binds set to handle. The assembler is the usual caller; tests and
// alternative wiring may build bundles directly.
func NewBundle(handle *wallet.Handle, uris wallet.ServiceURIs, set Set) *Bundle {
	return &Bundle{handle: handle, uris: uris, set: set}
}

// Err returns nil while the producing connection is live.
func (b *Bundle) Err() error {
	if b == nil {
		return coreerrors.ErrNotConnected
	}
	return b.handle.Err()
}

// Epoch identifies the wallet connection the bundle belongs to.
func (b *Bundle) Epoch() uint64 { return b.handle.Epoch() }

// Done is closed when the producing connection is revoked.
func (b *Bundle) Done() <-chan struct{} { return b.handle.Done() }

// ServiceURIs returns the endpoints advertised by the wallet.
func (b *Bundle) ServiceURIs() wallet.ServiceURIs { return b.uris }

// PrivateState returns the private-state store.
func (b *Bundle) PrivateState() (PrivateStateStore, error) {
	if err := b.Err(); err != nil {
		return nil, err
	}
	return b.set.PrivateState, nil
}

// PublicData returns the public-data reader.
func (b *Bundle) PublicData() (PublicDataProvider, error) {
	if err := b.Err(); err != nil {
		return nil, err
	}
	return b.set.PublicData, nil
}

// ZKConfig returns the circuit configuration loader.
func (b *Bundle) ZKConfig() (ZKConfigProvider, error) {
	if err := b.Err(); err != nil {
		return nil, err
	}
	return b.set.ZKConfig, nil
}

// Proof returns the proof generator.
func (b *Bundle) Proof() (ProofProvider, error) {
	if err := b.Err(); err != nil {
		return nil, err
	}
	return b.set.Proof, nil
}

// Wallet returns the transaction signer and submitter.
func (b *Bundle) Wallet() (WalletProvider, error) {
	if err := b.Err(); err != nil {
		return nil, err
	}
	return b.set.Wallet, nil
}

// Close releases every provider holding resources. It is safe to call more
// than once.
func (b *Bundle) Close() error {
	b.closeOnce.Do(func() {
		b.closeErr = closeSet(b.set)
	})
	return b.closeErr
}

func closeSet(set Set) error {
	var errs []error
	for _, p := range []any{set.PublicData, set.ZKConfig, set.Proof, set.Wallet, set.PrivateState} {
		if c, ok := p.(io.Closer); ok && c != nil {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return stderrors.Join(errs...)
}
