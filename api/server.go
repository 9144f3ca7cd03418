// Package api exposes a read-only HTTP view of the voting client.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"pollsession/core/types"
	"pollsession/journal"
	"pollsession/voting"
)

var errNoState = errors.New("no contract state available")

// Backend is the part of the voting client the API reads.
type Backend interface {
	Status() voting.Status
	State() (types.DerivedState, bool)
}

// History lists dispatched actions. *journal.Journal implements it.
type History interface {
	Recent(ctx context.Context, q journal.Query) ([]journal.Entry, error)
}

// Config wires the handler.
type Config struct {
	Backend Backend
	// History is optional; /v1/actions is only mounted when set.
	History History
	// Metrics defaults to the Prometheus default registry handler.
	Metrics http.Handler
	Logger  *slog.Logger
}

type server struct {
	backend Backend
	history History
	logger  *slog.Logger
}

// New returns the API router.
func New(cfg Config) (http.Handler, error) {
	if cfg.Backend == nil {
		return nil, fmt.Errorf("api: backend required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &server{backend: cfg.Backend, history: cfg.History, logger: logger.With(slog.String("component", "api"))}

	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Route("/v1", func(sr chi.Router) {
		sr.Get("/status", s.handleStatus)
		sr.Get("/state", s.handleState)
		sr.Get("/polls", s.handlePolls)
		sr.Get("/polls/{id}", s.handlePoll)
		if s.history != nil {
			sr.Get("/actions", s.handleActions)
		}
	})
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = promhttp.Handler()
	}
	r.Handle("/metrics", metrics)
	return r, nil
}

type statusResponse struct {
	Wallet    string    `json:"wallet"`
	Reason    string    `json:"reason,omitempty"`
	Connected bool      `json:"connected"`
	Contract  string    `json:"contract,omitempty"`
	SessionID uuid.UUID `json:"sessionId"`
	Height    uint64    `json:"height"`
	Ready     bool      `json:"ready"`
	Loading   bool      `json:"loading"`
	Error     string    `json:"error,omitempty"`
}

func (s *server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	st := s.backend.Status()
	resp := statusResponse{
		Wallet:    st.Wallet.Status.String(),
		Connected: st.Connected,
		Contract:  st.Contract,
		SessionID: st.SessionID,
		Height:    st.Height,
		Ready:     st.Ready,
		Loading:   st.Loading,
	}
	if st.Wallet.Reason != nil {
		resp.Reason = st.Wallet.Reason.Error()
	}
	if st.Err != nil {
		resp.Error = st.Err.Error()
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *server) handleState(w http.ResponseWriter, _ *http.Request) {
	state, ok := s.backend.State()
	if !ok {
		writeJSONError(w, http.StatusServiceUnavailable, errNoState)
		return
	}
	s.writeJSON(w, http.StatusOK, state)
}

func (s *server) handlePolls(w http.ResponseWriter, r *http.Request) {
	state, ok := s.backend.State()
	if !ok {
		writeJSONError(w, http.StatusServiceUnavailable, errNoState)
		return
	}
	polls := state.Polls
	if r.URL.Query().Get("active") == "true" {
		polls = state.ActivePolls()
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"polls": polls})
}

type pollResponse struct {
	Poll  types.Poll       `json:"poll"`
	Votes *types.VoteCount `json:"votes,omitempty"`
}

func (s *server) handlePoll(w http.ResponseWriter, r *http.Request) {
	id, err := uint256.FromDecimal(strings.TrimSpace(chi.URLParam(r, "id")))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, fmt.Errorf("invalid poll id: %w", err))
		return
	}
	state, ok := s.backend.State()
	if !ok {
		writeJSONError(w, http.StatusServiceUnavailable, errNoState)
		return
	}
	poll, ok := state.Poll(id)
	if !ok {
		writeJSONError(w, http.StatusNotFound, fmt.Errorf("poll %s not found", id.Dec()))
		return
	}
	resp := pollResponse{Poll: poll}
	if votes, ok := state.Votes(id); ok {
		resp.Votes = &votes
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *server) handleActions(w http.ResponseWriter, r *http.Request) {
	q := journal.Query{
		Contract: strings.TrimSpace(r.URL.Query().Get("contract")),
		Outcome:  journal.Outcome(strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("outcome")))),
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			writeJSONError(w, http.StatusBadRequest, fmt.Errorf("invalid limit %q", raw))
			return
		}
		q.Limit = limit
	}
	entries, err := s.history.Recent(r.Context(), q)
	if err != nil {
		s.logger.Warn("journal query failed", slog.String("error", err.Error()))
		writeJSONError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"actions": entries})
}

func (s *server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("write response failed", slog.String("error", err.Error()))
	}
}

func writeJSONError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	message := strings.TrimSpace(err.Error())
	if message == "" {
		message = http.StatusText(status)
	}
	payload, marshalErr := json.Marshal(map[string]string{"error": message})
	if marshalErr != nil {
		payload = []byte(`{"error":"internal error"}`)
	}
	_, _ = w.Write(payload)
}
