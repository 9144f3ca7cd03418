package errors

import (
	"context"
	stderrors "errors"
	"fmt"
)

var (
	ErrWalletUnavailable = stderrors.New("wallet: extension unavailable")
	ErrUserRejected      = stderrors.New("wallet: user rejected authorization")
	ErrNotConnected      = stderrors.New("wallet: not connected")
	ErrStaleBundle       = stderrors.New("providers: bundle invalidated by wallet disconnect")
	ErrContractNotFound  = stderrors.New("contract: not found")
	ErrNoActiveSession   = stderrors.New("contract: no active session")
	ErrProjection        = stderrors.New("projector: malformed ledger snapshot")
	ErrTimeout           = stderrors.New("operation timed out")
)

// Provider names a capability of the provider bundle.
type Provider string

const (
	ProviderPrivateState Provider = "privateState"
	ProviderPublicData   Provider = "publicData"
	ProviderZKConfig     Provider = "zkConfig"
	ProviderProof        Provider = "proof"
	ProviderWallet       Provider = "wallet"
)

// ExtensionError reports a failure raised by the wallet extension itself.
type ExtensionError struct {
	Op  string
	Err error
}

func (e *ExtensionError) Error() string {
	return fmt.Sprintf("wallet: extension %s: %v", e.Op, e.Err)
}

func (e *ExtensionError) Unwrap() error { return e.Err }

// ProviderInitError identifies the sub-provider whose construction failed.
type ProviderInitError struct {
	Which Provider
	Err   error
}

func (e *ProviderInitError) Error() string {
	return fmt.Sprintf("providers: init %s: %v", e.Which, e.Err)
}

func (e *ProviderInitError) Unwrap() error { return e.Err }

// ContractNotFoundError carries the address that could not be resolved.
type ContractNotFoundError struct {
	Address string
	Err     error
}

func (e *ContractNotFoundError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("contract: %s not found", e.Address)
	}
	return fmt.Sprintf("contract: %s not found: %v", e.Address, e.Err)
}

func (e *ContractNotFoundError) Is(target error) bool { return target == ErrContractNotFound }

func (e *ContractNotFoundError) Unwrap() error { return e.Err }

// DeploymentFailedError wraps the cause of a failed contract deployment.
type DeploymentFailedError struct {
	Err error
}

func (e *DeploymentFailedError) Error() string {
	return fmt.Sprintf("contract: deployment failed: %v", e.Err)
}

func (e *DeploymentFailedError) Unwrap() error { return e.Err }

// TransactionFailedError wraps the cause of a failed circuit call.
type TransactionFailedError struct {
	Circuit string
	Err     error
}

func (e *TransactionFailedError) Error() string {
	return fmt.Sprintf("contract: transaction %s failed: %v", e.Circuit, e.Err)
}

func (e *TransactionFailedError) Unwrap() error { return e.Err }

// ProjectionError reports a ledger snapshot the projector refused to apply.
type ProjectionError struct {
	SessionID string
	Height    uint64
	Err       error
}

func (e *ProjectionError) Error() string {
	return fmt.Sprintf("projector: session %s height %d: %v", e.SessionID, e.Height, e.Err)
}

func (e *ProjectionError) Is(target error) bool { return target == ErrProjection }

func (e *ProjectionError) Unwrap() error { return e.Err }

// TimeoutError marks an underlying deadline expiry for the named operation.
type TimeoutError struct {
	Op  string
	Err error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s: timed out: %v", e.Op, e.Err)
}

func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

func (e *TimeoutError) Unwrap() error { return e.Err }

// Timeout wraps err in a TimeoutError when it stems from an expired deadline.
// Other errors, including nil, are returned unchanged.
func Timeout(op string, err error) error {
	if err == nil {
		return nil
	}
	var te *TimeoutError
	if stderrors.As(err, &te) {
		return err
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		return &TimeoutError{Op: op, Err: err}
	}
	return err
}

// Is, As and New re-export the standard helpers so callers importing this
// package under its own name keep access to them.
func Is(err, target error) bool { return stderrors.Is(err, target) }

func As(err error, target any) bool { return stderrors.As(err, target) }

func New(text string) error { return stderrors.New(text) }
