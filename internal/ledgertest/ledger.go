// Package ledgertest provides an in-memory voting ledger that stands in for
// the indexer, node, proof server and wallet in tests.
package ledgertest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"

	coreerrors "pollsession/core/errors"
	"pollsession/core/types"
	"pollsession/providers"
	"pollsession/providers/privatestate"
	"pollsession/wallet"
)

// URIs are the endpoints advertised by Ledger wallets. Nothing listens on
// them.
var URIs = wallet.ServiceURIs{
	Indexer:     "http://indexer.test/api",
	IndexerWS:   "ws://indexer.test/ws",
	Node:        "http://node.test",
	ProofServer: "http://prover.test",
}

type contractState struct {
	height uint64
	state  types.DerivedState
	raw    json.RawMessage
}

type subscriber struct {
	address string
	ch      chan types.LedgerUpdate
	once    sync.Once
}

// Ledger simulates deployed voting contracts.
type Ledger struct {
	mu         sync.Mutex
	contracts  map[string]*contractState
	subs       map[*subscriber]struct{}
	submitted  []types.BalancedTransaction
	submitErr  error
	subscribed int
}

// New returns an empty ledger.
func New() *Ledger {
	return &Ledger{
		contracts: make(map[string]*contractState),
		subs:      make(map[*subscriber]struct{}),
	}
}

// AddContract registers an empty contract at address.
func (l *Ledger) AddContract(address string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.addLocked(address)
}

func (l *Ledger) addLocked(address string) {
	c := &contractState{height: 1, state: types.DerivedState{Polls: []types.Poll{}, VoteCount: []types.VoteCount{}}}
	c.raw = mustJSON(c.state)
	l.contracts[address] = c
}

// SetSubmitError makes subsequent submissions fail with err.
func (l *Ledger) SetSubmitError(err error) {
	l.mu.Lock()
	l.submitErr = err
	l.mu.Unlock()
}

// Submitted returns the transactions accepted so far.
func (l *Ledger) Submitted() []types.BalancedTransaction {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]types.BalancedTransaction(nil), l.submitted...)
}

// ActiveSubscriptions reports open ledger streams.
func (l *Ledger) ActiveSubscriptions() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.subs)
}

// TotalSubscriptions reports how many streams were ever opened.
func (l *Ledger) TotalSubscriptions() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.subscribed
}

// ContractState implements providers.PublicDataProvider.
func (l *Ledger) ContractState(_ context.Context, address string) (types.ContractState, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.contracts[address]
	if !ok {
		return types.ContractState{}, &coreerrors.ContractNotFoundError{Address: address}
	}
	return types.ContractState{Address: address, Height: c.height, State: append(json.RawMessage(nil), c.raw...)}, nil
}

// Subscribe implements providers.PublicDataProvider. The current snapshot is
// replayed when it is at or above fromHeight.
func (l *Ledger) Subscribe(_ context.Context, address string, fromHeight uint64) (<-chan types.LedgerUpdate, func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.contracts[address]
	if !ok {
		return nil, nil, &coreerrors.ContractNotFoundError{Address: address}
	}
	s := &subscriber{address: address, ch: make(chan types.LedgerUpdate, 64)}
	l.subs[s] = struct{}{}
	l.subscribed++
	if c.height >= fromHeight {
		s.ch <- types.LedgerUpdate{Address: address, Height: c.height, State: c.raw}
	}
	cancel := func() {
		l.mu.Lock()
		delete(l.subs, s)
		l.mu.Unlock()
		s.once.Do(func() { close(s.ch) })
	}
	return s.ch, cancel, nil
}

// Close implements providers.PublicDataProvider.
func (l *Ledger) Close() error { return nil }

// Publish pushes a raw snapshot for address to every subscriber, bumping the
// height. It lets tests feed malformed payloads.
func (l *Ledger) Publish(address string, raw json.RawMessage) {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.contracts[address]
	if !ok {
		return
	}
	c.height++
	l.broadcastLocked(address, types.LedgerUpdate{Address: address, Height: c.height, State: raw})
}

func (l *Ledger) broadcastLocked(address string, update types.LedgerUpdate) {
	for s := range l.subs {
		if s.address != address {
			continue
		}
		select {
		case s.ch <- update:
		default:
		}
	}
}

// Load implements providers.ZKConfigProvider.
func (l *Ledger) Load(_ context.Context, circuit string) (types.CircuitConfig, error) {
	return types.CircuitConfig{Circuit: circuit, ProverKey: []byte(circuit), Digest: "test"}, nil
}

// Prove implements providers.ProofProvider.
func (l *Ledger) Prove(_ context.Context, tx types.UnbalancedTransaction, cfg types.CircuitConfig) (types.UnbalancedTransaction, error) {
	out := types.UnbalancedTransaction{Transaction: tx.Clone()}
	out.Proof = crypto.Keccak256([]byte(cfg.Circuit), []byte(tx.Circuit))
	return out, nil
}

// Submit applies a balanced transaction to the ledger.
func (l *Ledger) Submit(_ context.Context, tx types.BalancedTransaction) (types.TransactionID, error) {
	if err := tx.VerifySignature(); err != nil {
		return "", err
	}
	hash, err := tx.Hash()
	if err != nil {
		return "", err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.submitErr != nil {
		return "", l.submitErr
	}
	if err := l.applyLocked(tx.Transaction); err != nil {
		return "", err
	}
	l.submitted = append(l.submitted, tx)
	return types.TransactionID(hexutil.Encode(hash)), nil
}

func (l *Ledger) applyLocked(tx types.Transaction) error {
	if tx.Type == types.TxTypeDeploy {
		address, err := tx.ContractAddress()
		if err != nil {
			return err
		}
		l.addLocked(address)
		return nil
	}
	address := hexutil.Encode(tx.Contract)
	c, ok := l.contracts[address]
	if !ok {
		return &coreerrors.ContractNotFoundError{Address: address}
	}
	if len(tx.Proof) == 0 {
		return errors.New("ledgertest: missing proof")
	}
	if len(tx.Args) == 0 {
		return errors.New("ledgertest: poll id required")
	}
	id, err := decodeUint(tx.Args[0])
	if err != nil {
		return err
	}

	next := c.state.Clone()
	switch tx.Circuit {
	case "createPoll":
		if len(tx.Args) != 4 {
			return fmt.Errorf("ledgertest: createPoll expects 4 arguments, got %d", len(tx.Args))
		}
		if _, exists := next.Poll(id); exists {
			return fmt.Errorf("ledgertest: poll %s exists", id)
		}
		text := make([]string, 3)
		for i := range text {
			if err := rlp.DecodeBytes(tx.Args[i+1], &text[i]); err != nil {
				return err
			}
		}
		next.Polls = append(next.Polls, types.Poll{
			ID: id, Creator: append(hexutil.Bytes{}, tx.Signer...),
			Question: text[0], Option1: text[1], Option2: text[2], IsActive: true,
		})
		next.VoteCount = append(next.VoteCount, types.VoteCount{PollID: id.Clone(), Votes1: new(uint256.Int), Votes2: new(uint256.Int)})
	case "voteOption1", "voteOption2":
		poll, exists := next.Poll(id)
		if !exists || !poll.IsActive {
			return fmt.Errorf("ledgertest: poll %s not open", id)
		}
		for i := range next.VoteCount {
			if !next.VoteCount[i].PollID.Eq(id) {
				continue
			}
			if tx.Circuit == "voteOption1" {
				next.VoteCount[i].Votes1.AddUint64(next.VoteCount[i].Votes1, 1)
			} else {
				next.VoteCount[i].Votes2.AddUint64(next.VoteCount[i].Votes2, 1)
			}
		}
	case "closePoll":
		found := false
		for i := range next.Polls {
			if next.Polls[i].ID.Eq(id) {
				next.Polls[i].IsActive = false
				found = true
			}
		}
		if !found {
			return fmt.Errorf("ledgertest: poll %s not found", id)
		}
	default:
		return fmt.Errorf("ledgertest: unknown circuit %q", tx.Circuit)
	}

	c.state = next
	c.raw = mustJSON(next)
	c.height++
	l.broadcastLocked(address, types.LedgerUpdate{Address: address, Height: c.height, State: c.raw})
	return nil
}

// Extension returns a wallet extension that signs with a fresh key and
// submits to the ledger. enabled controls the initial authorization state.
func (l *Ledger) Extension(enabled bool) (wallet.Extension, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	var mu sync.Mutex
	return wallet.FuncExtension{
		IsEnabledFunc: func(context.Context) (bool, error) {
			mu.Lock()
			defer mu.Unlock()
			return enabled, nil
		},
		EnableFunc: func(context.Context) (bool, error) {
			mu.Lock()
			defer mu.Unlock()
			enabled = true
			return true, nil
		},
		ServiceURIsFunc: func(context.Context) (wallet.ServiceURIs, error) { return URIs, nil },
		CoinPublicKeyFunc: func(context.Context) ([]byte, error) {
			return crypto.CompressPubkey(&key.PublicKey), nil
		},
		BalanceFunc: func(_ context.Context, tx types.UnbalancedTransaction, coins []types.Coin) (types.BalancedTransaction, error) {
			out := types.BalancedTransaction{Transaction: tx.Clone()}
			out.Coins = append(out.Coins, coins...)
			if err := out.Sign(key); err != nil {
				return types.BalancedTransaction{}, err
			}
			return out, nil
		},
		SubmitFunc: l.Submit,
	}, nil
}

// Factories builds providers backed by the ledger.
func (l *Ledger) Factories() providers.Factories {
	return providers.Factories{
		PrivateState: func(context.Context, providers.Env) (providers.PrivateStateStore, error) {
			return privatestate.NewMem(), nil
		},
		PublicData: func(context.Context, providers.Env) (providers.PublicDataProvider, error) { return l, nil },
		ZKConfig:   func(context.Context, providers.Env) (providers.ZKConfigProvider, error) { return l, nil },
		Proof:      func(context.Context, providers.Env) (providers.ProofProvider, error) { return l, nil },
	}
}

// Bundle connects a fresh wallet and assembles a bundle backed by the ledger.
// The returned connector can be used to revoke it.
func (l *Ledger) Bundle(ctx context.Context) (*providers.Bundle, *wallet.Connector, error) {
	ext, err := l.Extension(true)
	if err != nil {
		return nil, nil, err
	}
	connector := wallet.NewConnector(wallet.Static(ext))
	if _, err := connector.Connect(ctx); err != nil {
		return nil, nil, err
	}
	handle, _ := connector.Handle()
	bundle, err := providers.NewAssembler(providers.WithFactories(l.Factories())).Assemble(ctx, handle)
	if err != nil {
		return nil, nil, err
	}
	return bundle, connector, nil
}

func decodeUint(arg []byte) (*uint256.Int, error) {
	var v big.Int
	if err := rlp.DecodeBytes(arg, &v); err != nil {
		return nil, fmt.Errorf("ledgertest: decode poll id: %w", err)
	}
	out, overflow := uint256.FromBig(&v)
	if overflow {
		return nil, errors.New("ledgertest: poll id overflows 256 bits")
	}
	return out, nil
}

func mustJSON(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return raw
}
