package node

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"pollsession/core/types"
	"pollsession/sdk/rpc"
)

const (
	methodSubmitTransaction = "ledger_submitTransaction"
	methodCircuitConfig     = "ledger_getCircuitConfig"
)

// Client talks to the ledger node that accepts balanced transactions and
// serves circuit proving material.
type Client struct {
	rpc *rpc.Client
}

// New returns a node client bound to endpoint.
func New(endpoint string, opts ...rpc.Option) (*Client, error) {
	inner, err := rpc.New(endpoint, opts...)
	if err != nil {
		return nil, fmt.Errorf("node: %w", err)
	}
	return &Client{rpc: inner}, nil
}

// SubmitTransaction broadcasts a balanced transaction and returns the
// identifier assigned by the node.
func (c *Client) SubmitTransaction(ctx context.Context, tx types.BalancedTransaction) (types.TransactionID, error) {
	if len(tx.Signature) == 0 {
		return "", fmt.Errorf("node: %w", types.ErrUnsigned)
	}
	var id string
	if err := c.rpc.Call(ctx, methodSubmitTransaction, []any{tx.Transaction}, &id); err != nil {
		return "", fmt.Errorf("node: submit transaction: %w", err)
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return "", errors.New("node: submit transaction: empty transaction id")
	}
	return types.TransactionID(id), nil
}

// CircuitConfig fetches the prover, verifier and ZKIR artifacts for circuit.
func (c *Client) CircuitConfig(ctx context.Context, circuit string) (types.CircuitConfig, error) {
	circuit = strings.TrimSpace(circuit)
	if circuit == "" {
		return types.CircuitConfig{}, errors.New("node: circuit required")
	}
	var cfg types.CircuitConfig
	if err := c.rpc.Call(ctx, methodCircuitConfig, []any{circuit}, &cfg); err != nil {
		return types.CircuitConfig{}, fmt.Errorf("node: circuit config %s: %w", circuit, err)
	}
	if cfg.Circuit == "" {
		cfg.Circuit = circuit
	}
	return cfg, nil
}
