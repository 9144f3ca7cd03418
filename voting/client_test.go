package voting

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"pollsession/contract"
	coreerrors "pollsession/core/errors"
	"pollsession/core/types"
	"pollsession/internal/ledgertest"
	"pollsession/projector"
	"pollsession/providers"
	"pollsession/wallet"
)

const pollContract = "0x0a01"

func newTestClient(t *testing.T, enabled bool) (*Client, *ledgertest.Ledger) {
	t.Helper()
	ledger := ledgertest.New()
	ledger.AddContract(pollContract)
	ext, err := ledger.Extension(enabled)
	require.NoError(t, err)
	c := New(wallet.Static(ext),
		WithAssembler(providers.NewAssembler(providers.WithFactories(ledger.Factories()))),
		WithManager(contract.NewManager(contract.WithPollInterval(5*time.Millisecond))),
	)
	t.Cleanup(func() { _ = c.Close() })
	return c, ledger
}

func awaitState(t *testing.T, c *Client, cond func(Status) bool) Status {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if st := c.Status(); cond(st) {
			return st
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not reached, status %+v", c.Status())
	return Status{}
}

func TestWalletAbsent(t *testing.T) {
	c := New(wallet.Static(nil))
	defer c.Close()

	state, err := c.ConnectWallet(context.Background())
	require.ErrorIs(t, err, coreerrors.ErrWalletUnavailable)
	require.Equal(t, wallet.StatusFailed, state.Status)
	require.ErrorIs(t, c.Err(), coreerrors.ErrWalletUnavailable)

	st := c.Status()
	require.False(t, st.Connected)
	require.Equal(t, wallet.StatusDisconnected, st.Wallet.Status)
	_, ok := c.State()
	require.False(t, ok)

	require.ErrorIs(t, c.JoinContract(context.Background(), pollContract), coreerrors.ErrNotConnected)
	_, err = c.VoteOption1(context.Background(), uint256.NewInt(1))
	require.ErrorIs(t, err, coreerrors.ErrNoActiveSession)
}

func TestJoinAndVoteLifecycle(t *testing.T) {
	c, ledger := newTestClient(t, false)
	ctx := context.Background()

	state, err := c.ConnectWallet(ctx)
	require.NoError(t, err)
	require.Equal(t, wallet.StatusConnected, state.Status)
	require.True(t, c.Status().Connected)

	require.NoError(t, c.JoinContract(ctx, pollContract))
	awaitState(t, c, func(st Status) bool { return st.Ready })

	_, err = c.CreatePoll(ctx, uint256.NewInt(1), "Friday demo?", "Yes", "No")
	require.NoError(t, err)
	st := awaitState(t, c, func(Status) bool {
		ds, ok := c.State()
		return ok && len(ds.Polls) == 1
	})
	require.Equal(t, pollContract, st.Contract)
	require.False(t, st.Loading)

	ds, _ := c.State()
	votes, ok := ds.Votes(uint256.NewInt(1))
	require.True(t, ok)
	require.True(t, votes.Votes1.IsZero())

	_, err = c.VoteOption2(ctx, uint256.NewInt(1))
	require.NoError(t, err)
	_, err = c.ClosePoll(ctx, uint256.NewInt(1))
	require.NoError(t, err)
	awaitState(t, c, func(Status) bool {
		ds, _ := c.State()
		return len(ds.Polls) == 1 && !ds.Polls[0].IsActive
	})
	ds, _ = c.State()
	votes, _ = ds.Votes(uint256.NewInt(1))
	require.Equal(t, uint64(1), votes.Votes2.Uint64())
	require.Len(t, ledger.Submitted(), 3)
}

func TestFailedJoinKeepsState(t *testing.T) {
	c, _ := newTestClient(t, true)
	ctx := context.Background()
	_, err := c.ConnectWallet(ctx)
	require.NoError(t, err)
	require.NoError(t, c.JoinContract(ctx, pollContract))
	awaitState(t, c, func(st Status) bool { return st.Ready })
	before := c.Status()

	err = c.JoinContract(ctx, "0x0dead0")
	require.ErrorIs(t, err, coreerrors.ErrContractNotFound)
	after := c.Status()
	require.Equal(t, before.SessionID, after.SessionID)
	require.True(t, after.Ready)
	require.ErrorIs(t, after.Err, coreerrors.ErrContractNotFound)
}

// refusingPublicData fails subscriptions to one address.
type refusingPublicData struct {
	providers.PublicDataProvider
	refuse string
}

func (r refusingPublicData) Subscribe(ctx context.Context, address string, from uint64) (<-chan types.LedgerUpdate, func(), error) {
	if address == r.refuse {
		return nil, nil, errors.New("ws dial refused")
	}
	return r.PublicDataProvider.Subscribe(ctx, address, from)
}

func TestJoinFailingSubscribeClearsState(t *testing.T) {
	const refused = "0x0b02"
	ledger := ledgertest.New()
	ledger.AddContract(pollContract)
	ledger.AddContract(refused)
	ext, err := ledger.Extension(true)
	require.NoError(t, err)
	factories := ledger.Factories()
	factories.PublicData = func(context.Context, providers.Env) (providers.PublicDataProvider, error) {
		return refusingPublicData{PublicDataProvider: ledger, refuse: refused}, nil
	}
	c := New(wallet.Static(ext), WithAssembler(providers.NewAssembler(providers.WithFactories(factories))))
	defer c.Close()

	ctx := context.Background()
	_, err = c.ConnectWallet(ctx)
	require.NoError(t, err)
	require.NoError(t, c.JoinContract(ctx, pollContract))
	awaitState(t, c, func(st Status) bool { return st.Ready })

	err = c.JoinContract(ctx, refused)
	require.ErrorContains(t, err, "ws dial refused")

	st := c.Status()
	require.Empty(t, st.Contract)
	require.False(t, st.Ready)
	require.Error(t, st.Err)
	_, ok := c.State()
	require.False(t, ok)

	require.NoError(t, c.JoinContract(ctx, pollContract))
	awaitState(t, c, func(st Status) bool { return st.Ready && st.Contract == pollContract })
}

func TestDisconnectClearsSession(t *testing.T) {
	c, ledger := newTestClient(t, true)
	ctx := context.Background()
	_, err := c.ConnectWallet(ctx)
	require.NoError(t, err)
	require.NoError(t, c.JoinContract(ctx, pollContract))

	events, cancel := c.Events()
	defer cancel()

	c.DisconnectWallet()
	st := c.Status()
	require.False(t, st.Connected)
	require.Empty(t, st.Contract)
	_, ok := c.State()
	require.False(t, ok)
	require.Equal(t, 0, ledger.ActiveSubscriptions())

	timeout := time.After(time.Second)
	for cleared := false; !cleared; {
		select {
		case ev := <-events:
			cleared = ev.Kind == projector.EventCleared
		case <-timeout:
			t.Fatalf("expected cleared event")
		}
	}

	_, err = c.VoteOption1(ctx, uint256.NewInt(1))
	require.ErrorIs(t, err, coreerrors.ErrNoActiveSession)
}

func TestDeployContract(t *testing.T) {
	c, _ := newTestClient(t, true)
	ctx := context.Background()
	_, err := c.ConnectWallet(ctx)
	require.NoError(t, err)

	addr, err := c.DeployContract(ctx, contract.DeployArgs{})
	require.NoError(t, err)
	require.NotEmpty(t, addr)
	st := awaitState(t, c, func(st Status) bool { return st.Ready })
	require.Equal(t, addr, st.Contract)
	ds, _ := c.State()
	require.Empty(t, ds.Polls)
}
