package contract

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	coreerrors "pollsession/core/errors"
	"pollsession/core/types"
	"pollsession/observability"
	"pollsession/providers"
)

// Circuits exposed by the voting contract.
const (
	CircuitCreatePoll  = "createPoll"
	CircuitVoteOption1 = "voteOption1"
	CircuitVoteOption2 = "voteOption2"
	CircuitClosePoll   = "closePoll"
)

// Session binds one provider bundle to one deployed contract and owns the
// subscription to its ledger stream.
type Session struct {
	id       uuid.UUID
	address  string
	contract []byte
	bundle   *providers.Bundle
	logger   *slog.Logger
	metrics  *observability.SessionMetrics
	tracer   trace.Tracer
	now      func() time.Time

	updates   chan types.SessionUpdate
	unsub     func()
	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	onClose   func()
}

// ID uniquely identifies the session. Updates it forwards carry the same id.
func (s *Session) ID() uuid.UUID { return s.id }

// Address returns the contract address the session is joined to.
func (s *Session) Address() string { return s.address }

// Bundle returns the provider bundle the session was built from.
func (s *Session) Bundle() *providers.Bundle { return s.bundle }

// Updates delivers ledger snapshots tagged with the session id, starting with
// the state observed at join time. The channel is closed when the session is
// closed or the upstream stream ends.
func (s *Session) Updates() <-chan types.SessionUpdate { return s.updates }

// Close unsubscribes from the ledger stream and waits for the forwarding
// goroutine to exit. It is safe to call more than once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.stop)
		if s.unsub != nil {
			s.unsub()
		}
		<-s.done
		if s.onClose != nil {
			s.onClose()
		}
		s.logger.Info("contract session closed")
	})
}

// CallTx runs circuit with args through load config, prove, balance and
// submit. Calls are independent of one another. Failures are returned as a
// TransactionFailedError naming the circuit.
func (s *Session) CallTx(ctx context.Context, circuit string, args ...any) (types.TransactionResult, error) {
	ctx, span := s.tracer.Start(ctx, "contract.callTx", trace.WithAttributes(
		attribute.String("contract", s.address),
		attribute.String("circuit", circuit),
	))
	defer span.End()

	start := s.now()
	result, err := s.callTx(ctx, circuit, args...)
	s.metrics.ObserveTransaction(circuit, err, s.now().Sub(start))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return types.TransactionResult{}, &coreerrors.TransactionFailedError{
			Circuit: circuit,
			Err:     coreerrors.Timeout("contract callTx", err),
		}
	}
	span.SetAttributes(attribute.String("txid", string(result.TxID)))
	s.logger.Info("transaction submitted", slog.String("circuit", circuit), slog.String("txid", string(result.TxID)))
	return result, nil
}

func (s *Session) callTx(ctx context.Context, circuit string, args ...any) (types.TransactionResult, error) {
	circuit = strings.TrimSpace(circuit)
	if circuit == "" {
		return types.TransactionResult{}, fmt.Errorf("circuit required")
	}
	zk, err := s.bundle.ZKConfig()
	if err != nil {
		return types.TransactionResult{}, err
	}
	prover, err := s.bundle.Proof()
	if err != nil {
		return types.TransactionResult{}, err
	}
	signer, err := s.bundle.Wallet()
	if err != nil {
		return types.TransactionResult{}, err
	}

	cfg, err := zk.Load(ctx, circuit)
	if err != nil {
		return types.TransactionResult{}, fmt.Errorf("load circuit config: %w", err)
	}
	encoded, err := types.EncodeArgs(args...)
	if err != nil {
		return types.TransactionResult{}, err
	}
	tx := types.UnbalancedTransaction{Transaction: types.Transaction{
		Type:     types.TxTypeCall,
		Contract: append(hexutil.Bytes{}, s.contract...),
		Circuit:  circuit,
		Args:     encoded,
	}}
	proved, err := prover.Prove(ctx, tx, cfg)
	if err != nil {
		return types.TransactionResult{}, fmt.Errorf("prove: %w", err)
	}
	balanced, err := signer.BalanceTransaction(ctx, proved, nil)
	if err != nil {
		return types.TransactionResult{}, fmt.Errorf("balance: %w", err)
	}
	id, err := signer.SubmitTransaction(ctx, balanced)
	if err != nil {
		return types.TransactionResult{}, fmt.Errorf("submit: %w", err)
	}
	return types.TransactionResult{
		TxID:        id,
		Circuit:     circuit,
		Contract:    s.address,
		SessionID:   s.id,
		SubmittedAt: s.now().UTC(),
	}, nil
}

// run forwards the join-time snapshot and then every streamed update until
// the session stops or the source closes.
func (s *Session) run(initial types.LedgerUpdate, src <-chan types.LedgerUpdate) {
	defer close(s.done)
	defer close(s.updates)

	if !s.forward(initial) {
		return
	}
	for {
		select {
		case <-s.stop:
			return
		case update, ok := <-src:
			if !ok {
				s.logger.Warn("ledger stream ended")
				return
			}
			if !s.forward(update) {
				return
			}
		}
	}
}

func (s *Session) forward(update types.LedgerUpdate) bool {
	select {
	case s.updates <- types.SessionUpdate{SessionID: s.id, LedgerUpdate: update}:
		return true
	case <-s.stop:
		return false
	}
}
