package actions

import (
	"context"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pollsession/contract"
	coreerrors "pollsession/core/errors"
	"pollsession/core/types"
	"pollsession/journal"
	telemetry "pollsession/observability/otel"
)

// Session is the part of a contract session the dispatcher needs.
type Session interface {
	ID() uuid.UUID
	Address() string
	CallTx(ctx context.Context, circuit string, args ...any) (types.TransactionResult, error)
}

// Sessions yields the active session, or nil.
type Sessions interface {
	Current() Session
}

// SessionsFunc adapts a function to the Sessions interface.
type SessionsFunc func() Session

// Current calls f.
func (f SessionsFunc) Current() Session { return f() }

// FromManager reads the active session of m.
func FromManager(m *contract.Manager) Sessions {
	return SessionsFunc(func() Session {
		if s := m.Current(); s != nil {
			return s
		}
		return nil
	})
}

// Recorder stores dispatched actions. *journal.Journal implements it.
type Recorder interface {
	Record(ctx context.Context, entry journal.Entry) error
}

// Dispatcher submits actions through whichever session is active at call
// time. Calls are independent and may run concurrently.
type Dispatcher struct {
	sessions   Sessions
	recorder   Recorder
	logger     *slog.Logger
	meter      metric.Meter
	dispatched metric.Int64Counter
}

// Option customises the dispatcher.
type Option func(*Dispatcher)

// WithRecorder records every dispatched action.
func WithRecorder(r Recorder) Option {
	return func(d *Dispatcher) { d.recorder = r }
}

// WithLogger overrides the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = logger }
}

// WithMeter overrides the OpenTelemetry meter used for the dispatch counter.
func WithMeter(meter metric.Meter) Option {
	return func(d *Dispatcher) { d.meter = meter }
}

// NewDispatcher returns a dispatcher reading the active session from
// sessions.
func NewDispatcher(sessions Sessions, opts ...Option) *Dispatcher {
	d := &Dispatcher{sessions: sessions}
	for _, opt := range opts {
		opt(d)
	}
	if d.logger == nil {
		d.logger = slog.Default()
	}
	d.logger = d.logger.With(slog.String("component", "actions"))
	if d.meter == nil {
		d.meter = telemetry.Meter()
	}
	counter, err := d.meter.Int64Counter("pollsession.actions.dispatched",
		metric.WithDescription("Contract actions dispatched, by action and outcome."))
	if err != nil {
		d.logger.Warn("dispatch counter unavailable", slog.String("error", err.Error()))
	} else {
		d.dispatched = counter
	}
	return d
}

// Dispatch submits a. Without an active session it fails with
// ErrNoActiveSession. Transaction failures are returned unmodified.
func (d *Dispatcher) Dispatch(ctx context.Context, a Action) (types.TransactionResult, error) {
	var session Session
	if d.sessions != nil {
		session = d.sessions.Current()
	}
	if session == nil {
		return types.TransactionResult{}, coreerrors.ErrNoActiveSession
	}
	if err := Validate(a); err != nil {
		d.record(ctx, session, a, journal.OutcomeRejected, types.TransactionResult{}, err)
		return types.TransactionResult{}, err
	}

	var (
		circuit string
		args    []any
	)
	switch v := a.(type) {
	case CreatePoll:
		circuit = contract.CircuitCreatePoll
		args = []any{v.ID, strings.TrimSpace(v.Question), strings.TrimSpace(v.Option1), strings.TrimSpace(v.Option2)}
	case VoteOption1:
		circuit, args = contract.CircuitVoteOption1, []any{v.ID}
	case VoteOption2:
		circuit, args = contract.CircuitVoteOption2, []any{v.ID}
	case ClosePoll:
		circuit, args = contract.CircuitClosePoll, []any{v.ID}
	}

	result, err := session.CallTx(ctx, circuit, args...)
	if err != nil {
		d.logger.Warn("action failed",
			slog.String("action", a.Name()),
			slog.String("session", session.ID().String()),
			slog.String("contract", session.Address()),
			slog.String("error", err.Error()))
		d.record(ctx, session, a, journal.OutcomeFailed, result, err)
		return types.TransactionResult{}, err
	}
	d.logger.Info("action submitted",
		slog.String("action", a.Name()),
		slog.String("txid", string(result.TxID)))
	d.record(ctx, session, a, journal.OutcomeSubmitted, result, nil)
	return result, nil
}

// CreatePoll submits a createPoll transaction.
func (d *Dispatcher) CreatePoll(ctx context.Context, id *uint256.Int, question, option1, option2 string) (types.TransactionResult, error) {
	return d.Dispatch(ctx, CreatePoll{ID: id, Question: question, Option1: option1, Option2: option2})
}

// VoteOption1 votes for the first option of poll id.
func (d *Dispatcher) VoteOption1(ctx context.Context, id *uint256.Int) (types.TransactionResult, error) {
	return d.Dispatch(ctx, VoteOption1{ID: id})
}

// VoteOption2 votes for the second option of poll id.
func (d *Dispatcher) VoteOption2(ctx context.Context, id *uint256.Int) (types.TransactionResult, error) {
	return d.Dispatch(ctx, VoteOption2{ID: id})
}

// ClosePoll closes poll id.
func (d *Dispatcher) ClosePoll(ctx context.Context, id *uint256.Int) (types.TransactionResult, error) {
	return d.Dispatch(ctx, ClosePoll{ID: id})
}

func (d *Dispatcher) record(ctx context.Context, session Session, a Action, outcome journal.Outcome, result types.TransactionResult, cause error) {
	if d.dispatched != nil {
		name := "unknown"
		if a != nil {
			name = a.Name()
		}
		d.dispatched.Add(context.WithoutCancel(ctx), 1, metric.WithAttributes(
			attribute.String("action", name),
			attribute.String("outcome", string(outcome)),
		))
	}
	if d.recorder == nil {
		return
	}
	entry := journal.Entry{
		SessionID: session.ID(),
		Contract:  session.Address(),
		Outcome:   outcome,
		TxID:      string(result.TxID),
	}
	if a != nil {
		entry.Action = a.Name()
		if id := a.Poll(); id != nil {
			entry.PollID = id.Dec()
		}
	}
	if cause != nil {
		entry.Error = cause.Error()
	}
	// Journal writes outlive a cancelled caller.
	if err := d.recorder.Record(context.WithoutCancel(ctx), entry); err != nil {
		d.logger.Warn("journal write failed", slog.String("error", err.Error()))
	}
}
