package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	coreerrors "pollsession/core/errors"
	"pollsession/core/types"
	"pollsession/journal"
	"pollsession/voting"
	"pollsession/wallet"
)

type stubBackend struct {
	status voting.Status
	state  types.DerivedState
	ready  bool
}

func (s stubBackend) Status() voting.Status             { return s.status }
func (s stubBackend) State() (types.DerivedState, bool) { return s.state, s.ready }

type stubHistory struct {
	got     journal.Query
	entries []journal.Entry
	err     error
}

func (h *stubHistory) Recent(_ context.Context, q journal.Query) ([]journal.Entry, error) {
	h.got = q
	return h.entries, h.err
}

func sampleState() types.DerivedState {
	return types.DerivedState{
		Polls: []types.Poll{
			{ID: uint256.NewInt(1), Creator: hexutil.Bytes{0x02}, Question: "Open?", Option1: "a", Option2: "b", IsActive: true},
			{ID: uint256.NewInt(2), Question: "Closed?", Option1: "c", Option2: "d"},
		},
		VoteCount: []types.VoteCount{
			{PollID: uint256.NewInt(1), Votes1: uint256.NewInt(3), Votes2: uint256.NewInt(1)},
		},
	}
}

func do(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestNewRequiresBackend(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatalf("expected error without backend")
	}
}

func TestStatusAndHealth(t *testing.T) {
	session := uuid.New()
	h, err := New(Config{Backend: stubBackend{status: voting.Status{
		Wallet:    wallet.State{Status: wallet.StatusConnected},
		Connected: true,
		Contract:  "0x0a01",
		SessionID: session,
		Height:    7,
		Ready:     true,
		Err:       coreerrors.ErrContractNotFound,
	}}})
	require.NoError(t, err)

	rec := do(t, h, "/healthz")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, "/v1/status")
	require.Equal(t, http.StatusOK, rec.Code)
	var body statusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "connected", body.Wallet)
	require.Equal(t, session, body.SessionID)
	require.Equal(t, uint64(7), body.Height)
	require.Equal(t, coreerrors.ErrContractNotFound.Error(), body.Error)
}

func TestStateEndpoints(t *testing.T) {
	h, err := New(Config{Backend: stubBackend{state: sampleState(), ready: true}})
	require.NoError(t, err)

	rec := do(t, h, "/v1/state")
	require.Equal(t, http.StatusOK, rec.Code)
	var state types.DerivedState
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &state))
	require.True(t, sampleState().Equal(state))

	rec = do(t, h, "/v1/polls?active=true")
	require.Equal(t, http.StatusOK, rec.Code)
	var polls struct {
		Polls []types.Poll `json:"polls"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &polls))
	require.Len(t, polls.Polls, 1)

	rec = do(t, h, "/v1/polls/1")
	require.Equal(t, http.StatusOK, rec.Code)
	var poll pollResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &poll))
	require.Equal(t, "Open?", poll.Poll.Question)
	require.NotNil(t, poll.Votes)
	require.Equal(t, uint64(3), poll.Votes.Votes1.Uint64())

	rec = do(t, h, "/v1/polls/2")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotContains(t, rec.Body.String(), `"votes"`)

	require.Equal(t, http.StatusNotFound, do(t, h, "/v1/polls/9").Code)
	require.Equal(t, http.StatusBadRequest, do(t, h, "/v1/polls/abc").Code)
}

func TestStateUnavailable(t *testing.T) {
	h, err := New(Config{Backend: stubBackend{}})
	require.NoError(t, err)
	rec := do(t, h, "/v1/state")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.JSONEq(t, `{"error":"no contract state available"}`, rec.Body.String())
	require.Equal(t, http.StatusServiceUnavailable, do(t, h, "/v1/polls/1").Code)
}

func TestActions(t *testing.T) {
	h, err := New(Config{Backend: stubBackend{}})
	require.NoError(t, err)
	require.Equal(t, http.StatusNotFound, do(t, h, "/v1/actions").Code)

	history := &stubHistory{entries: []journal.Entry{{Action: "voteOption1", Outcome: journal.OutcomeSubmitted}}}
	h, err = New(Config{Backend: stubBackend{}, History: history})
	require.NoError(t, err)

	rec := do(t, h, "/v1/actions?contract=0x0a01&outcome=submitted&limit=5")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, journal.Query{Contract: "0x0a01", Outcome: journal.OutcomeSubmitted, Limit: 5}, history.got)
	require.Contains(t, rec.Body.String(), "voteOption1")

	require.Equal(t, http.StatusBadRequest, do(t, h, "/v1/actions?limit=-1").Code)

	history.err = errors.New("db down")
	require.Equal(t, http.StatusInternalServerError, do(t, h, "/v1/actions").Code)
}

func TestMetricsHandlerOverride(t *testing.T) {
	h, err := New(Config{Backend: stubBackend{}, Metrics: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("metrics"))
	})})
	require.NoError(t, err)
	rec := do(t, h, "/metrics")
	require.Equal(t, "metrics", rec.Body.String())
}
