package projector

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	coreerrors "pollsession/core/errors"
	"pollsession/core/types"
)

const onePoll = `{
	"polls": [{"id": 1, "creator": "0x02aa", "question": "Best editor?", "option1": "vim", "option2": "emacs", "isActive": true}],
	"voteCount": [{"pollId": 1, "votes1": 0, "votes2": 0}]
}`

type fakeSource struct {
	id uuid.UUID
	ch chan types.SessionUpdate
}

func newSource() *fakeSource {
	return &fakeSource{id: uuid.New(), ch: make(chan types.SessionUpdate, 8)}
}

func (f *fakeSource) ID() uuid.UUID                       { return f.id }
func (f *fakeSource) Updates() <-chan types.SessionUpdate { return f.ch }

func (f *fakeSource) send(height uint64, raw string) {
	f.ch <- types.SessionUpdate{SessionID: f.id, LedgerUpdate: types.LedgerUpdate{Height: height, State: json.RawMessage(raw)}}
}

func waitFor(t *testing.T, events <-chan Event, kind EventKind) Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", kind)
		}
	}
}

func TestProjectOnePollZeroVotes(t *testing.T) {
	got, err := Project(json.RawMessage(onePoll))
	require.NoError(t, err)
	want := types.DerivedState{
		Polls: []types.Poll{{
			ID:       uint256.NewInt(1),
			Creator:  hexutil.Bytes{0x02, 0xaa},
			Question: "Best editor?",
			Option1:  "vim",
			Option2:  "emacs",
			IsActive: true,
		}},
		VoteCount: []types.VoteCount{{PollID: uint256.NewInt(1), Votes1: new(uint256.Int), Votes2: new(uint256.Int)}},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("derived state mismatch (-want +got):\n%s", diff)
	}
}

func TestProjectIsDeterministic(t *testing.T) {
	raw := json.RawMessage(`{"polls":[{"id":"0x10","question":"q","option1":"a","option2":"b","isActive":false}],"voteCount":[{"pollId":"16","votes1":"3","votes2":4}]}`)
	first, err := Project(raw)
	require.NoError(t, err)
	second, err := Project(raw)
	require.NoError(t, err)
	require.True(t, first.Equal(second))
	if diff := cmp.Diff(first, second); diff != "" {
		t.Fatalf("projection not deterministic:\n%s", diff)
	}
	require.Equal(t, uint64(16), first.Polls[0].ID.Uint64())
	require.False(t, first.Polls[0].IsActive)

	first.Polls[0].ID.SetUint64(99)
	third, err := Project(raw)
	require.NoError(t, err)
	require.Equal(t, uint64(16), third.Polls[0].ID.Uint64())
}

func TestProjectEmpty(t *testing.T) {
	got, err := Project(json.RawMessage(`{"polls":[],"voteCount":[]}`))
	require.NoError(t, err)
	require.NotNil(t, got.Polls)
	require.Empty(t, got.Polls)
	require.Empty(t, got.VoteCount)
}

func TestProjectRejectsMalformed(t *testing.T) {
	cases := map[string]string{
		"empty":            ``,
		"not json":         `{"polls":`,
		"missing polls":    `{"voteCount":[]}`,
		"null polls":       `{"polls":null,"voteCount":[]}`,
		"missing votes":    `{"polls":[]}`,
		"poll without id":  `{"polls":[{"question":"q"}],"voteCount":[]}`,
		"negative id":      `{"polls":[{"id":-1}],"voteCount":[]}`,
		"duplicate id":     `{"polls":[{"id":1},{"id":"0x1"}],"voteCount":[]}`,
		"count without id": `{"polls":[],"voteCount":[{"votes1":0,"votes2":0}]}`,
		"count no tallies": `{"polls":[],"voteCount":[{"pollId":1,"votes1":0}]}`,
		"duplicate count":  `{"polls":[],"voteCount":[{"pollId":1,"votes1":0,"votes2":0},{"pollId":1,"votes1":1,"votes2":0}]}`,
		"wrong shape":      `[]`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Project(json.RawMessage(raw)); err == nil {
				t.Fatalf("expected %q to be rejected", raw)
			}
		})
	}
}

func TestProjectorRetainsLastGoodState(t *testing.T) {
	defer goleak.VerifyNone(t)

	p := New()
	defer p.Close()
	events, cancel := p.Subscribe()
	defer cancel()

	src := newSource()
	p.Attach(src)
	src.send(1, onePoll)
	updated := waitFor(t, events, EventUpdated)
	require.Equal(t, src.id, updated.SessionID)
	require.Len(t, updated.State.Polls, 1)

	src.send(2, `{"polls":[{"question":"no id"}],"voteCount":[]}`)
	failed := waitFor(t, events, EventProjectionFailed)
	require.ErrorIs(t, failed.Err, coreerrors.ErrProjection)
	var perr *coreerrors.ProjectionError
	require.ErrorAs(t, failed.Err, &perr)
	require.Equal(t, uint64(2), perr.Height)

	snap := p.Snapshot()
	require.True(t, snap.Ready)
	require.Equal(t, uint64(1), snap.Height)
	require.Len(t, snap.State.Polls, 1)
	require.Error(t, snap.Err)

	src.send(3, `{"polls":[],"voteCount":[]}`)
	waitFor(t, events, EventUpdated)
	snap = p.Snapshot()
	require.NoError(t, snap.Err)
	require.Empty(t, snap.State.Polls)
	require.Equal(t, uint64(3), snap.Height)
}

func TestProjectorDiscardsStaleSession(t *testing.T) {
	p := New()
	defer p.Close()

	old := newSource()
	p.Attach(old)
	current := newSource()
	p.Attach(current)

	err := p.Apply(types.SessionUpdate{SessionID: old.id, LedgerUpdate: types.LedgerUpdate{Height: 5, State: json.RawMessage(onePoll)}})
	require.ErrorIs(t, err, ErrStaleUpdate)
	_, ready := p.State()
	require.False(t, ready)

	require.NoError(t, p.Apply(types.SessionUpdate{SessionID: current.id, LedgerUpdate: types.LedgerUpdate{Height: 5, State: json.RawMessage(onePoll)}}))
	// Re-delivery of the same height is projected again.
	require.NoError(t, p.Apply(types.SessionUpdate{SessionID: current.id, LedgerUpdate: types.LedgerUpdate{Height: 5, State: json.RawMessage(onePoll)}}))
	err = p.Apply(types.SessionUpdate{SessionID: current.id, LedgerUpdate: types.LedgerUpdate{Height: 4, State: json.RawMessage(onePoll)}})
	require.ErrorIs(t, err, ErrStaleUpdate)

	state, ready := p.State()
	require.True(t, ready)
	require.Len(t, state.Polls, 1)
}

func TestDetachClearsState(t *testing.T) {
	defer goleak.VerifyNone(t)

	p := New()
	events, cancel := p.Subscribe()
	src := newSource()
	p.Attach(src)
	src.send(1, onePoll)
	waitFor(t, events, EventUpdated)

	p.Detach()
	waitFor(t, events, EventCleared)
	_, ready := p.State()
	require.False(t, ready)
	require.Equal(t, uuid.Nil, p.Snapshot().SessionID)

	cancel()
	cancel()
	p.Close()
}

func TestSlowSubscriberDropsEvents(t *testing.T) {
	p := New(WithEventBuffer(1))
	defer p.Close()
	_, cancel := p.Subscribe()
	defer cancel()

	src := newSource()
	p.Attach(src)
	for h := uint64(1); h <= 3; h++ {
		require.NoError(t, p.Apply(types.SessionUpdate{SessionID: src.id, LedgerUpdate: types.LedgerUpdate{Height: h, State: json.RawMessage(onePoll)}}))
	}
	snap := p.Snapshot()
	require.Equal(t, uint64(3), snap.Height)
}

func TestConcurrentApplyPublishesInOrder(t *testing.T) {
	p := New(WithEventBuffer(256))
	defer p.Close()
	events, cancel := p.Subscribe()
	defer cancel()

	src := newSource()
	p.Attach(src)

	var wg sync.WaitGroup
	for h := uint64(1); h <= 100; h++ {
		wg.Add(1)
		go func(h uint64) {
			defer wg.Done()
			_ = p.Apply(types.SessionUpdate{SessionID: src.id, LedgerUpdate: types.LedgerUpdate{Height: h, State: json.RawMessage(onePoll)}})
		}(h)
	}
	wg.Wait()

	var last uint64
	updated := 0
	for drained := false; !drained; {
		select {
		case ev := <-events:
			if ev.Kind != EventUpdated {
				continue
			}
			if ev.Height < last {
				t.Fatalf("event for height %d delivered after height %d", ev.Height, last)
			}
			last = ev.Height
			updated++
		default:
			drained = true
		}
	}
	require.NotZero(t, updated)
	require.Equal(t, p.Snapshot().Height, last)
}
