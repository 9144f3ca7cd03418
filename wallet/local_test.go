package wallet

import (
	"context"
	"errors"
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	coreerrors "pollsession/core/errors"
	"pollsession/core/types"
	"pollsession/crypto"
)

type recordingSubmitter struct {
	got []types.BalancedTransaction
}

func (r *recordingSubmitter) SubmitTransaction(_ context.Context, tx types.BalancedTransaction) (types.TransactionID, error) {
	r.got = append(r.got, tx)
	return types.TransactionID("0x01"), nil
}

func testURIs() ServiceURIs {
	return ServiceURIs{
		Indexer:     "http://indexer.local/api",
		IndexerWS:   "ws://indexer.local/ws",
		Node:        "http://node.local",
		ProofServer: "http://prover.local",
	}
}

func TestLocalRequiresAuthorization(t *testing.T) {
	key, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	local, err := NewLocal(key, testURIs(), WithAuthorizer(func(context.Context) (bool, error) { return false, nil }), WithSubmitter(&recordingSubmitter{}))
	require.NoError(t, err)

	_, err = local.CoinPublicKey(context.Background())
	require.ErrorIs(t, err, coreerrors.ErrNotConnected)

	c := NewConnector(Static(local))
	_, err = c.Connect(context.Background())
	require.ErrorIs(t, err, coreerrors.ErrUserRejected)
}

func TestLocalBalanceAndSubmit(t *testing.T) {
	key, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	sub := &recordingSubmitter{}
	local, err := NewLocal(key, testURIs(), WithSubmitter(sub))
	require.NoError(t, err)

	ok, err := local.Enable(context.Background())
	require.NoError(t, err)
	require.True(t, ok)

	uris, err := local.ServiceURIConfig(context.Background())
	require.NoError(t, err)
	require.Equal(t, testURIs(), uris)

	pub, err := local.CoinPublicKey(context.Background())
	require.NoError(t, err)
	require.Equal(t, key.CoinPublicKey(), pub)

	unbalanced := types.UnbalancedTransaction{Transaction: types.Transaction{
		Type:     types.TxTypeCall,
		Contract: []byte{0xaa},
		Circuit:  "voteOption2",
		Proof:    []byte{0x01, 0x02},
	}}
	balanced, err := local.BalanceTransaction(context.Background(), unbalanced, []types.Coin{{Type: "dust", Value: uint256.NewInt(3)}})
	require.NoError(t, err)
	require.Len(t, balanced.Coins, 1)
	require.Empty(t, unbalanced.Coins, "input must not be mutated")
	require.NoError(t, balanced.VerifySignature())

	id, err := local.SubmitTransaction(context.Background(), balanced)
	require.NoError(t, err)
	require.Equal(t, types.TransactionID("0x01"), id)
	require.Len(t, sub.got, 1)

	tampered := balanced
	tampered.Transaction = balanced.Clone()
	tampered.Circuit = "closePoll"
	_, err = local.SubmitTransaction(context.Background(), tampered)
	require.Error(t, err)
	require.Len(t, sub.got, 1)
}

func TestNewLocalValidatesInput(t *testing.T) {
	_, err := NewLocal(nil, testURIs())
	require.Error(t, err)

	key, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	uris := testURIs()
	uris.ProofServer = ""
	_, err = NewLocal(key, uris)
	require.Error(t, err)
	require.False(t, errors.Is(err, coreerrors.ErrNotConnected))
}
