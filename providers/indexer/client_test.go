package indexer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"
	"golang.org/x/time/rate"
	"nhooyr.io/websocket"

	coreerrors "pollsession/core/errors"
	"pollsession/core/types"
	"pollsession/projector"
	"pollsession/sdk/rpc"
)

func frame(t *testing.T, height uint64) []byte {
	t.Helper()
	data, err := json.Marshal(types.LedgerUpdate{
		Address: "0xpoll",
		Height:  height,
		State:   json.RawMessage(fmt.Sprintf(`{"polls":[],"voteCount":[],"h":%d}`, height)),
	})
	if err != nil {
		t.Fatalf("marshal frame: %v", err)
	}
	return data
}

func TestContractState(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Params []string `json:"params"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		if len(req.Params) == 1 && req.Params[0] == "0xpoll" {
			_, _ = w.Write([]byte(`{"result":{"height":7,"state":{"polls":[],"voteCount":[]}}}`))
			return
		}
		_, _ = w.Write([]byte(`{"result":null}`))
	}))
	defer server.Close()

	client, err := New(server.URL, "ws://unused", WithRPCOptions(rpc.WithHTTPClient(server.Client())))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	state, err := client.ContractState(context.Background(), "0xpoll")
	if err != nil {
		t.Fatalf("contract state: %v", err)
	}
	if state.Height != 7 || state.Address != "0xpoll" {
		t.Fatalf("unexpected state %+v", state)
	}

	_, err = client.ContractState(context.Background(), "0xmissing")
	var notFound *coreerrors.ContractNotFoundError
	if !errors.As(err, &notFound) || notFound.Address != "0xmissing" {
		t.Fatalf("expected ContractNotFoundError, got %v", err)
	}
	if !errors.Is(err, coreerrors.ErrContractNotFound) {
		t.Fatalf("expected sentinel match")
	}
}

func TestSubscribeResumesAfterDrop(t *testing.T) {
	leakOpt := goleak.IgnoreCurrent()

	var (
		mu          sync.Mutex
		fromHeights []string
		connections int
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/contracts/0xpoll/state" {
			http.NotFound(w, r)
			return
		}
		mu.Lock()
		connections++
		attempt := connections
		fromHeights = append(fromHeights, r.URL.Query().Get("fromHeight"))
		mu.Unlock()

		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		ctx := r.Context()
		if attempt == 1 {
			_ = conn.Write(ctx, websocket.MessageText, frame(t, 1))
			_ = conn.Write(ctx, websocket.MessageText, frame(t, 2))
			_ = conn.Close(websocket.StatusGoingAway, "restart")
			return
		}
		// Replays height 2 before continuing.
		_ = conn.Write(ctx, websocket.MessageText, frame(t, 2))
		_ = conn.Write(ctx, websocket.MessageText, frame(t, 3))
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}))

	wsURL := "ws://" + strings.TrimPrefix(server.URL, "http://")
	client, err := New(server.URL, wsURL, WithReconnectRate(rate.Inf, 1))
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	updates, cancel, err := client.Subscribe(context.Background(), "0xpoll", 1)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	var heights []uint64
	timeout := time.After(5 * time.Second)
	for len(heights) < 3 {
		select {
		case update := <-updates:
			heights = append(heights, update.Height)
		case <-timeout:
			t.Fatalf("timed out waiting for updates, got %v", heights)
		}
	}
	if heights[0] != 1 || heights[1] != 2 || heights[2] != 3 {
		t.Fatalf("unexpected height sequence %v", heights)
	}

	cancel()
	if _, ok := <-updates; ok {
		t.Fatalf("updates channel should be closed after cancel")
	}
	server.Close()

	mu.Lock()
	defer mu.Unlock()
	if len(fromHeights) < 2 || fromHeights[0] != "1" || fromHeights[1] != "3" {
		t.Fatalf("unexpected resume heights %v", fromHeights)
	}
	goleak.VerifyNone(t, leakOpt)
}

func TestSubscribeDialFailure(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	defer server.Close()

	wsURL := "ws://" + strings.TrimPrefix(server.URL, "http://")
	client, err := New(server.URL, wsURL)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, _, err := client.Subscribe(context.Background(), "0xpoll", 0); err == nil {
		t.Fatalf("expected dial failure")
	}
}

func TestSubscribeAfterClose(t *testing.T) {
	client, err := New("http://127.0.0.1:1", "ws://127.0.0.1:1")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := client.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, _, err := client.Subscribe(context.Background(), "0xpoll", 0); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestSubscribeForwardsUndecodableFrames(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		ctx := r.Context()
		_ = conn.Write(ctx, websocket.MessageText, frame(t, 4))
		_ = conn.Write(ctx, websocket.MessageText, []byte(`not json`))
		_ = conn.Write(ctx, websocket.MessageText, []byte(`{"height":"five"}`))
		_ = conn.Write(ctx, websocket.MessageText, frame(t, 5))
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	wsURL := "ws://" + strings.TrimPrefix(server.URL, "http://")
	client, err := New(server.URL, wsURL)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer client.Close()

	updates, cancel, err := client.Subscribe(context.Background(), "0xpoll", 4)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancel()

	var got []types.LedgerUpdate
	timeout := time.After(5 * time.Second)
	for len(got) < 4 {
		select {
		case update := <-updates:
			got = append(got, update)
		case <-timeout:
			t.Fatalf("timed out waiting for updates, got %d", len(got))
		}
	}
	if got[0].Height != 4 || got[3].Height != 5 {
		t.Fatalf("unexpected heights %d, %d", got[0].Height, got[3].Height)
	}
	for _, bad := range got[1:3] {
		if bad.Height != 4 || bad.Address != "0xpoll" {
			t.Fatalf("undecodable frame forwarded as %+v", bad)
		}
		if _, err := projector.Project(bad.State); err == nil {
			t.Fatalf("expected projection of %q to fail", bad.State)
		}
	}
	if string(got[1].State) != "not json" {
		t.Fatalf("raw frame not preserved: %q", got[1].State)
	}
}
