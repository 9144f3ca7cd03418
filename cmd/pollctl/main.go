package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"pollsession/config"
	"pollsession/providers"
	"pollsession/wallet"
)

// app carries the global flags and the seams tests replace.
type app struct {
	configPath string
	contract   string

	stdout io.Writer
	stderr io.Writer

	// locator builds the wallet locator. The default unlocks the keystore.
	locator func(cfg config.Config) (wallet.Locator, error)
	// factories overrides the production providers when set.
	factories *providers.Factories
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCmd(&app{stdout: os.Stdout, stderr: os.Stderr})
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd(a *app) *cobra.Command {
	if a.locator == nil {
		a.locator = a.keystoreLocator
	}
	root := &cobra.Command{
		Use:           "pollctl",
		Short:         "Join, deploy and vote on poll contracts",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(a.stdout)
	root.SetErr(a.stderr)
	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", os.Getenv("POLLCTL_CONFIG"), "Path to a TOML or YAML config file (or set POLLCTL_CONFIG)")
	root.PersistentFlags().StringVar(&a.contract, "contract", "", "Contract address (overrides the config file)")

	root.AddCommand(
		a.keygenCmd(),
		a.deployCmd(),
		a.createPollCmd(),
		a.voteCmd(),
		a.closePollCmd(),
		a.stateCmd(),
		a.watchCmd(),
		a.historyCmd(),
	)
	return root
}

func (a *app) loadConfig() (config.Config, error) {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return config.Config{}, err
	}
	if a.contract != "" {
		cfg.Contract = a.contract
	}
	return cfg, nil
}
