// Package projector keeps derived poll state in step with the ledger stream of
// the active contract session.
package projector

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	coreerrors "pollsession/core/errors"
	"pollsession/core/types"
	"pollsession/observability"
)

// ErrStaleUpdate is returned by Apply for updates that do not belong to the
// attached session, or that are older than the state already projected.
var ErrStaleUpdate = errors.New("projector: stale update")

// Source is a stream of tagged ledger updates. *contract.Session implements
// it.
type Source interface {
	ID() uuid.UUID
	Updates() <-chan types.SessionUpdate
}

// EventKind distinguishes projector events.
type EventKind int

const (
	// EventUpdated reports a freshly projected state.
	EventUpdated EventKind = iota + 1
	// EventProjectionFailed reports a snapshot that was rejected. The
	// previous state is retained.
	EventProjectionFailed
	// EventCleared reports that the projector was detached or re-attached and
	// holds no state.
	EventCleared
)

func (k EventKind) String() string {
	switch k {
	case EventUpdated:
		return "updated"
	case EventProjectionFailed:
		return "projectionFailed"
	case EventCleared:
		return "cleared"
	default:
		return "unknown"
	}
}

// Event is delivered to subscribers. State is shared and must not be
// mutated.
type Event struct {
	Kind      EventKind
	SessionID uuid.UUID
	Height    uint64
	State     types.DerivedState
	Err       error
}

// Snapshot is the projector's current view.
type Snapshot struct {
	SessionID uuid.UUID
	Height    uint64
	State     types.DerivedState
	// Ready is false until the first snapshot of the attached session has
	// been projected.
	Ready bool
	// Err holds the most recent projection failure. It is cleared by the
	// next successful projection.
	Err error
}

// Projector consumes one session's updates at a time.
type Projector struct {
	logger  *slog.Logger
	metrics *observability.SessionMetrics
	buffer  int

	attachMu sync.Mutex
	stop     chan struct{}
	done     chan struct{}

	// seq orders state changes with the events that announce them.
	seq     sync.Mutex
	mu      sync.RWMutex
	current Snapshot

	subsMu sync.Mutex
	subs   map[uint64]chan Event
	nextID uint64
}

// Option customises the projector.
type Option func(*Projector)

// WithLogger overrides the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Projector) { p.logger = logger }
}

// WithMetrics overrides the metrics registry.
func WithMetrics(m *observability.SessionMetrics) Option {
	return func(p *Projector) { p.metrics = m }
}

// WithEventBuffer sets the per-subscriber event buffer.
func WithEventBuffer(n int) Option {
	return func(p *Projector) { p.buffer = n }
}

// New returns a detached projector.
func New(opts ...Option) *Projector {
	p := &Projector{buffer: 32, subs: make(map[uint64]chan Event)}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	p.logger = p.logger.With(slog.String("component", "projector"))
	if p.buffer <= 0 {
		p.buffer = 32
	}
	return p
}

// Attach switches the projector to src. The previous pump is stopped and has
// exited before state is cleared and src is consumed.
func (p *Projector) Attach(src Source) {
	p.attachMu.Lock()
	defer p.attachMu.Unlock()

	p.stopPump()
	p.reset(src.ID())

	stop := make(chan struct{})
	done := make(chan struct{})
	p.stop, p.done = stop, done
	go p.pump(src.Updates(), stop, done)
	p.logger.Info("projector attached", slog.String("session", src.ID().String()))
}

// Detach stops consuming and clears the derived state.
func (p *Projector) Detach() {
	p.attachMu.Lock()
	defer p.attachMu.Unlock()
	p.stopPump()
	p.reset(uuid.Nil)
}

// Close detaches the projector and closes every subscriber channel.
func (p *Projector) Close() {
	p.Detach()
	p.subsMu.Lock()
	for id, ch := range p.subs {
		close(ch)
		delete(p.subs, id)
	}
	p.subsMu.Unlock()
}

func (p *Projector) stopPump() {
	if p.stop == nil {
		return
	}
	close(p.stop)
	<-p.done
	p.stop, p.done = nil, nil
}

func (p *Projector) reset(session uuid.UUID) {
	p.seq.Lock()
	defer p.seq.Unlock()
	p.mu.Lock()
	p.current = Snapshot{SessionID: session}
	p.mu.Unlock()
	p.publish(Event{Kind: EventCleared, SessionID: session})
}

func (p *Projector) pump(updates <-chan types.SessionUpdate, stop, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-stop:
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			_ = p.Apply(update)
		}
	}
}

// Apply projects a single update. Updates for another session, or older than
// the current height, are discarded with ErrStaleUpdate. Malformed snapshots
// return a ProjectionError and leave the current state untouched. Concurrent
// callers are serialized so subscribers see events in the order the state
// changed.
func (p *Projector) Apply(update types.SessionUpdate) error {
	p.seq.Lock()
	defer p.seq.Unlock()
	p.mu.Lock()
	if update.SessionID != p.current.SessionID || p.current.SessionID == uuid.Nil {
		p.mu.Unlock()
		p.metrics.RecordStaleUpdate()
		p.logger.Debug("discarding update from detached session", slog.String("session", update.SessionID.String()))
		return ErrStaleUpdate
	}
	if p.current.Ready && update.Height < p.current.Height {
		p.mu.Unlock()
		p.metrics.RecordStaleUpdate()
		return ErrStaleUpdate
	}

	state, err := Project(update.State)
	p.metrics.RecordProjection(err)
	if err != nil {
		perr := &coreerrors.ProjectionError{SessionID: update.SessionID.String(), Height: update.Height, Err: err}
		p.current.Err = perr
		p.mu.Unlock()
		p.logger.Warn("projection failed",
			slog.String("session", update.SessionID.String()),
			slog.Uint64("height", update.Height),
			slog.String("error", err.Error()))
		p.publish(Event{Kind: EventProjectionFailed, SessionID: update.SessionID, Height: update.Height, Err: perr})
		return perr
	}
	p.current = Snapshot{
		SessionID: update.SessionID,
		Height:    update.Height,
		State:     state,
		Ready:     true,
	}
	p.mu.Unlock()
	p.publish(Event{Kind: EventUpdated, SessionID: update.SessionID, Height: update.Height, State: state})
	return nil
}

// Snapshot returns the current view.
func (p *Projector) Snapshot() Snapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.current
}

// State returns the derived state and whether one has been projected for the
// attached session.
func (p *Projector) State() (types.DerivedState, bool) {
	snap := p.Snapshot()
	return snap.State, snap.Ready
}

// Subscribe registers a listener. Events are dropped for listeners that fall
// behind; State always reflects the latest projection.
func (p *Projector) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, p.buffer)
	p.subsMu.Lock()
	id := p.nextID
	p.nextID++
	p.subs[id] = ch
	p.subsMu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			p.subsMu.Lock()
			if _, ok := p.subs[id]; ok {
				delete(p.subs, id)
				close(ch)
			}
			p.subsMu.Unlock()
		})
	}
	return ch, cancel
}

func (p *Projector) publish(ev Event) {
	p.subsMu.Lock()
	defer p.subsMu.Unlock()
	for _, ch := range p.subs {
		select {
		case ch <- ev:
		default:
			p.metrics.RecordDroppedEvent()
		}
	}
}
