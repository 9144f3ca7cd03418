package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"pollsession/actions"
	"pollsession/api"
	"pollsession/cmd/internal/passphrase"
	"pollsession/contract"
	"pollsession/core/types"
	"pollsession/crypto"
	"pollsession/journal"
	"pollsession/projector"
)

func (a *app) keygenCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a wallet key and write it to the configured keystore",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			path := cfg.Wallet.Keystore
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("keystore %s already exists; use --force to overwrite", path)
			}
			pass, err := passphrase.NewSource(cfg.Wallet.Passphrase, "new wallet keystore passphrase").Get()
			if err != nil {
				return err
			}
			key, err := crypto.GeneratePrivateKey()
			if err != nil {
				return fmt.Errorf("generate key: %w", err)
			}
			if err := crypto.SaveToKeystore(path, key, pass); err != nil {
				return fmt.Errorf("write keystore: %w", err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "address: %s\n", key.Address())
			fmt.Fprintf(out, "coin public key: %s\n", hexutil.Encode(key.CoinPublicKey()))
			fmt.Fprintf(out, "keystore: %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing keystore")
	return cmd
}

func (a *app) deployCmd() *cobra.Command {
	var salt string
	cmd := &cobra.Command{
		Use:   "deploy",
		Short: "Deploy a new poll contract and print its address",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var args contract.DeployArgs
			if salt != "" {
				decoded, err := hexutil.Decode(salt)
				if err != nil {
					return fmt.Errorf("invalid --salt: %w", err)
				}
				args.Salt = decoded
			}
			ctx := cmd.Context()
			rt, err := a.openRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()
			if err := rt.connect(ctx, a, false); err != nil {
				return err
			}
			deployCtx, cancel := context.WithTimeout(ctx, rt.cfg.Timeouts.Deploy.Duration)
			defer cancel()
			address, err := rt.client.DeployContract(deployCtx, args)
			if err != nil {
				return err
			}
			rt.logger.Info("contract deployed", slog.String("contract", address))
			fmt.Fprintln(cmd.OutOrStdout(), address)
			return nil
		},
	}
	cmd.Flags().StringVar(&salt, "salt", "", "0x-prefixed deployment salt (random when empty)")
	return cmd
}

func (a *app) createPollCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "create-poll <poll-id> <question> <option1> <option2>",
		Short: "Create a poll on the joined contract",
		Args:  cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parsePollID(args[0])
			if err != nil {
				return err
			}
			action, err := actions.Parse("createPoll", id, args[1:]...)
			if err != nil {
				return err
			}
			return a.dispatch(cmd, action)
		},
	}
}

func (a *app) voteCmd() *cobra.Command {
	var option int
	cmd := &cobra.Command{
		Use:   "vote <poll-id> --option 1|2",
		Short: "Vote for one of the two options of a poll",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parsePollID(args[0])
			if err != nil {
				return err
			}
			var name string
			switch option {
			case 1:
				name = "voteOption1"
			case 2:
				name = "voteOption2"
			default:
				return fmt.Errorf("--option must be 1 or 2, got %d", option)
			}
			action, err := actions.Parse(name, id)
			if err != nil {
				return err
			}
			return a.dispatch(cmd, action)
		},
	}
	cmd.Flags().IntVar(&option, "option", 0, "Option to vote for (1 or 2)")
	return cmd
}

func (a *app) closePollCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "close-poll <poll-id>",
		Short: "Close a poll so it accepts no further votes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parsePollID(args[0])
			if err != nil {
				return err
			}
			action, err := actions.Parse("closePoll", id)
			if err != nil {
				return err
			}
			return a.dispatch(cmd, action)
		},
	}
}

// dispatch joins the configured contract and submits action, printing the
// transaction result.
func (a *app) dispatch(cmd *cobra.Command, action actions.Action) error {
	if err := actions.Validate(action); err != nil {
		return err
	}
	ctx := cmd.Context()
	rt, err := a.openRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()
	if err := rt.connect(ctx, a, true); err != nil {
		return err
	}
	txCtx, cancel := context.WithTimeout(ctx, rt.cfg.Timeouts.Transaction.Duration)
	defer cancel()
	res, err := rt.client.Dispatch(txCtx, action)
	if err != nil {
		return err
	}
	return writeJSON(cmd.OutOrStdout(), res)
}

func (a *app) stateCmd() *cobra.Command {
	var activeOnly bool
	cmd := &cobra.Command{
		Use:   "state",
		Short: "Print the polls and vote counts of the joined contract",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			rt, err := a.openRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()
			if err := rt.connect(ctx, a, true); err != nil {
				return err
			}
			waitCtx, cancel := context.WithTimeout(ctx, rt.cfg.Timeouts.Join.Duration)
			defer cancel()
			state, err := awaitState(waitCtx, rt)
			if err != nil {
				return err
			}
			if activeOnly {
				state.Polls = state.ActivePolls()
			}
			return writeJSON(cmd.OutOrStdout(), state)
		},
	}
	cmd.Flags().BoolVar(&activeOnly, "active", false, "Only list polls that accept votes")
	return cmd
}

// awaitState returns the first projected state of the joined contract.
func awaitState(ctx context.Context, rt *runtime) (types.DerivedState, error) {
	events, cancel := rt.client.Events()
	defer cancel()
	if state, ok := rt.client.State(); ok {
		return state, nil
	}
	for {
		select {
		case <-ctx.Done():
			return types.DerivedState{}, fmt.Errorf("waiting for contract state: %w", ctx.Err())
		case ev, ok := <-events:
			if !ok {
				return types.DerivedState{}, errors.New("projector closed")
			}
			switch ev.Kind {
			case projector.EventUpdated:
				return ev.State, nil
			case projector.EventProjectionFailed:
				return types.DerivedState{}, ev.Err
			}
		}
	}
}

type watchLine struct {
	Event     string              `json:"event"`
	SessionID uuid.UUID           `json:"sessionId"`
	Height    uint64              `json:"height,omitempty"`
	State     *types.DerivedState `json:"state,omitempty"`
	Error     string              `json:"error,omitempty"`
}

func (a *app) watchCmd() *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream contract state changes and optionally serve the status API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			rt, err := a.openRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()
			if err := rt.connect(ctx, a, true); err != nil {
				return err
			}
			events, cancel := rt.client.Events()
			defer cancel()

			if !cmd.Flags().Changed("listen") {
				listen = rt.cfg.API.Listen
			}
			serveErr := make(chan error, 1)
			if listen != "" {
				srv, err := rt.apiServer(listen)
				if err != nil {
					return err
				}
				go func() {
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						serveErr <- err
					}
				}()
				defer func() {
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					_ = srv.Shutdown(shutdownCtx)
				}()
				rt.logger.Info("status api listening", slog.String("addr", listen))
			}

			out := cmd.OutOrStdout()
			if state, ok := rt.client.State(); ok {
				st := rt.client.Status()
				if err := writeLine(out, watchLine{Event: projector.EventUpdated.String(), SessionID: st.SessionID, Height: st.Height, State: &state}); err != nil {
					return err
				}
			}
			for {
				select {
				case <-ctx.Done():
					return nil
				case err := <-serveErr:
					return fmt.Errorf("status api: %w", err)
				case ev, ok := <-events:
					if !ok {
						return nil
					}
					line := watchLine{Event: ev.Kind.String(), SessionID: ev.SessionID, Height: ev.Height}
					if ev.Kind == projector.EventUpdated {
						state := ev.State
						line.State = &state
					}
					if ev.Err != nil {
						line.Error = ev.Err.Error()
					}
					if err := writeLine(out, line); err != nil {
						return err
					}
				}
			}
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "Address for the status API (defaults to api.listen; empty disables)")
	return cmd
}

func (rt *runtime) apiServer(addr string) (*http.Server, error) {
	cfg := api.Config{Backend: rt.client, Logger: rt.logger}
	if rt.journal != nil {
		cfg.History = rt.journal
	}
	handler, err := api.New(cfg)
	if err != nil {
		return nil, err
	}
	return &http.Server{
		Addr:              addr,
		Handler:           otelhttp.NewHandler(handler, "pollctl-api"),
		ReadHeaderTimeout: 5 * time.Second,
	}, nil
}

func (a *app) historyCmd() *cobra.Command {
	var (
		limit   int
		outcome string
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List actions recorded in the journal, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			rt, err := a.openRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()
			if rt.journal == nil {
				return errors.New("journal is disabled")
			}
			entries, err := rt.journal.Recent(ctx, journal.Query{
				Contract: a.contract,
				Outcome:  journal.Outcome(strings.ToUpper(strings.TrimSpace(outcome))),
				Limit:    limit,
			})
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), entries)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of entries")
	cmd.Flags().StringVar(&outcome, "outcome", "", "Only show SUBMITTED, FAILED or REJECTED entries")
	return cmd
}

// parsePollID accepts decimal or 0x-prefixed hexadecimal ids.
func parsePollID(raw string) (*uint256.Int, error) {
	raw = strings.TrimSpace(raw)
	var (
		id  *uint256.Int
		err error
	)
	if strings.HasPrefix(raw, "0x") {
		id, err = uint256.FromHex(raw)
	} else {
		id, err = uint256.FromDecimal(raw)
	}
	if err != nil {
		return nil, fmt.Errorf("invalid poll id %q: %w", raw, err)
	}
	return id, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writeLine(w io.Writer, v any) error {
	return json.NewEncoder(w).Encode(v)
}
