package node

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"pollsession/core/types"
	"pollsession/crypto"
	"pollsession/sdk/rpc"
)

func TestSubmitTransaction(t *testing.T) {
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	tx := types.BalancedTransaction{Transaction: types.Transaction{
		Type:     types.TxTypeCall,
		Contract: []byte{0x01},
		Circuit:  "voteOption1",
	}}
	if err := tx.Sign(key.PrivateKey); err != nil {
		t.Fatalf("sign: %v", err)
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Method string            `json:"method"`
			Params []json.RawMessage `json:"params"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode: %v", err)
		}
		if req.Method != "ledger_submitTransaction" {
			t.Errorf("unexpected method %s", req.Method)
		}
		var got types.Transaction
		if err := json.Unmarshal(req.Params[0], &got); err != nil {
			t.Errorf("decode tx: %v", err)
		}
		if err := got.VerifySignature(); err != nil {
			t.Errorf("signature lost in transit: %v", err)
		}
		_, _ = w.Write([]byte(`{"result":"0xfeed"}`))
	}))
	defer server.Close()

	client, err := New(server.URL, rpc.WithHTTPClient(server.Client()))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	id, err := client.SubmitTransaction(context.Background(), tx)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if id != "0xfeed" {
		t.Fatalf("unexpected id %q", id)
	}
}

func TestSubmitRejectsUnsigned(t *testing.T) {
	client, err := New("http://127.0.0.1:1")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	_, err = client.SubmitTransaction(context.Background(), types.BalancedTransaction{})
	if !errors.Is(err, types.ErrUnsigned) {
		t.Fatalf("expected ErrUnsigned, got %v", err)
	}
}

func TestCircuitConfig(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"result":{"proverKey":"0x01","verifierKey":"0x02","zkir":"0x03","digest":"abc"}}`))
	}))
	defer server.Close()

	client, err := New(server.URL, rpc.WithHTTPClient(server.Client()))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	cfg, err := client.CircuitConfig(context.Background(), "closePoll")
	if err != nil {
		t.Fatalf("circuit config: %v", err)
	}
	if cfg.Circuit != "closePoll" || len(cfg.ProverKey) != 1 || cfg.Digest != "abc" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
}
