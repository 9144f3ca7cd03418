package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"pollsession/config"
	"pollsession/core/types"
	"pollsession/crypto"
	"pollsession/internal/ledgertest"
	"pollsession/journal"
	"pollsession/wallet"
)

func writeConfig(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "pollctl.yaml")
	contents := "data_dir: " + filepath.Join(dir, "data") + `
wallet:
  passphrase_env: POLLCTL_TEST_PASSPHRASE
  auto_approve: true
timeouts:
  deploy: 5s
  poll_interval: 10ms
logging:
  level: error
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func execute(t *testing.T, a *app, args ...string) (string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	a.stdout = &stdout
	a.stderr = &stderr
	a.contract = ""
	root := newRootCmd(a)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return stdout.String(), err
}

func ledgerApp(t *testing.T, ledger *ledgertest.Ledger) *app {
	t.Helper()
	factories := ledger.Factories()
	return &app{
		locator: func(config.Config) (wallet.Locator, error) {
			ext, err := ledger.Extension(false)
			if err != nil {
				return nil, err
			}
			return wallet.Static(ext), nil
		},
		factories: &factories,
	}
}

func TestKeygen(t *testing.T) {
	t.Setenv("POLLCTL_TEST_PASSPHRASE", "correct horse")
	dir := t.TempDir()
	cfgPath := writeConfig(t, dir)

	out, err := execute(t, &app{}, "keygen", "--config", cfgPath)
	require.NoError(t, err)
	require.Contains(t, out, "address: "+crypto.CoinPrefix+"1")

	keystore := filepath.Join(dir, "data", "wallet.keystore")
	key, err := crypto.LoadFromKeystore(keystore, "correct horse")
	require.NoError(t, err)
	require.Contains(t, out, key.Address().String())

	_, err = execute(t, &app{}, "keygen", "--config", cfgPath)
	require.ErrorContains(t, err, "already exists")

	_, err = execute(t, &app{}, "keygen", "--config", cfgPath, "--force")
	require.NoError(t, err)
}

func TestArgumentValidation(t *testing.T) {
	cfgPath := writeConfig(t, t.TempDir())
	cases := map[string]struct {
		args []string
		want string
	}{
		"bad option":       {[]string{"vote", "1", "--option", "3"}, "--option must be 1 or 2"},
		"bad poll id":      {[]string{"close-poll", "one"}, "invalid poll id"},
		"blank question":   {[]string{"create-poll", "1", " ", "a", "b"}, "question required"},
		"missing contract": {[]string{"close-poll", "1"}, "no contract address"},
		"bad salt":         {[]string{"deploy", "--salt", "zz"}, "invalid --salt"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := execute(t, ledgerApp(t, ledgertest.New()), append(tc.args, "--config", cfgPath)...)
			require.ErrorContains(t, err, tc.want)
		})
	}
}

func TestParsePollID(t *testing.T) {
	id, err := parsePollID("0x10")
	require.NoError(t, err)
	require.Equal(t, uint64(16), id.Uint64())

	id, err = parsePollID(" 42 ")
	require.NoError(t, err)
	require.Equal(t, uint64(42), id.Uint64())

	_, err = parsePollID("-1")
	require.Error(t, err)
}

func TestDeployVoteAndInspect(t *testing.T) {
	ledger := ledgertest.New()
	a := ledgerApp(t, ledger)
	dir := t.TempDir()
	cfgPath := writeConfig(t, dir)

	out, err := execute(t, a, "deploy", "--config", cfgPath, "--salt", "0x01")
	require.NoError(t, err)
	address := strings.TrimSpace(out)
	require.NotEmpty(t, address)

	out, err = execute(t, a, "create-poll", "7", "Ship it?", "Yes", "No", "--config", cfgPath, "--contract", address)
	require.NoError(t, err)
	var res types.TransactionResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	require.Equal(t, address, res.Contract)
	require.NotEmpty(t, res.TxID)

	_, err = execute(t, a, "vote", "7", "--option", "2", "--config", cfgPath, "--contract", address)
	require.NoError(t, err)

	out, err = execute(t, a, "state", "--config", cfgPath, "--contract", address)
	require.NoError(t, err)
	var state types.DerivedState
	require.NoError(t, json.Unmarshal([]byte(out), &state))
	require.Len(t, state.Polls, 1)
	require.Equal(t, "Ship it?", state.Polls[0].Question)
	require.True(t, state.Polls[0].IsActive)
	require.Len(t, state.VoteCount, 1)
	require.Equal(t, uint64(1), state.VoteCount[0].Votes2.Uint64())

	_, err = execute(t, a, "close-poll", "7", "--config", cfgPath, "--contract", address)
	require.NoError(t, err)
	out, err = execute(t, a, "state", "--active", "--config", cfgPath, "--contract", address)
	require.NoError(t, err)
	state = types.DerivedState{}
	require.NoError(t, json.Unmarshal([]byte(out), &state))
	require.Empty(t, state.Polls)

	_, err = execute(t, a, "vote", "7", "--option", "1", "--config", cfgPath, "--contract", address)
	require.Error(t, err)

	out, err = execute(t, a, "history", "--config", cfgPath, "--contract", address)
	require.NoError(t, err)
	var entries []journal.Entry
	require.NoError(t, json.Unmarshal([]byte(out), &entries))
	require.Len(t, entries, 4)
	require.Equal(t, "voteOption1", entries[0].Action)
	require.Equal(t, journal.OutcomeFailed, entries[0].Outcome)

	out, err = execute(t, a, "history", "--outcome", "submitted", "--limit", "2", "--config", cfgPath)
	require.NoError(t, err)
	entries = nil
	require.NoError(t, json.Unmarshal([]byte(out), &entries))
	require.Len(t, entries, 2)
	for _, e := range entries {
		require.Equal(t, journal.OutcomeSubmitted, e.Outcome)
	}
}
