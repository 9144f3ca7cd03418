package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"golang.org/x/term"

	"pollsession/cmd/internal/passphrase"
	"pollsession/config"
	"pollsession/contract"
	"pollsession/crypto"
	"pollsession/journal"
	"pollsession/observability"
	"pollsession/observability/logging"
	telemetry "pollsession/observability/otel"
	"pollsession/providers"
	"pollsession/voting"
	"pollsession/wallet"
)

const serviceName = "pollctl"

// runtime holds what a command opened and must release.
type runtime struct {
	cfg     config.Config
	logger  *slog.Logger
	journal *journal.Journal
	client  *voting.Client
	closers []func() error
}

// openRuntime loads the configuration and starts logging, telemetry and the
// action journal.
func (a *app) openRuntime(ctx context.Context) (*runtime, error) {
	cfg, err := a.loadConfig()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	logger, logCloser := logging.SetupWithOptions(serviceName, cfg.Environment, logging.Options{
		Level:      cfg.Logging.Level,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
		Output:     a.stderr,
	})
	rt := &runtime{cfg: cfg, logger: logger, closers: []func() error{logCloser.Close}}

	shutdown, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName: serviceName,
		Environment: cfg.Environment,
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Headers:     telemetry.ParseHeaders(cfg.Telemetry.Headers),
		Traces:      cfg.Telemetry.Traces,
		Metrics:     cfg.Telemetry.Metrics,
	})
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("init telemetry: %w", err)
	}
	rt.closers = append(rt.closers, func() error {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return shutdown(shutdownCtx)
	})

	if !cfg.Journal.Disabled {
		j, err := journal.Open(cfg.Journal.DSN)
		if err != nil {
			rt.Close()
			return nil, err
		}
		rt.journal = j
		rt.closers = append(rt.closers, j.Close)
	}
	return rt, nil
}

// connect builds the voting client, connects the wallet and, when
// joinContract is set, joins the configured contract.
func (rt *runtime) connect(ctx context.Context, a *app, joinContract bool) error {
	if joinContract && rt.cfg.Contract == "" {
		return errors.New("no contract address; pass --contract or set contract in the config file")
	}
	locator, err := a.locator(rt.cfg)
	if err != nil {
		return err
	}
	metrics := observability.Session()
	assemblerOpts := []providers.AssemblerOption{
		providers.WithDataDir(rt.cfg.DataDir),
		providers.WithLogger(rt.logger),
		providers.WithMetrics(metrics),
	}
	if a.factories != nil {
		assemblerOpts = append(assemblerOpts, providers.WithFactories(*a.factories))
	}
	opts := []voting.Option{
		voting.WithLogger(rt.logger),
		voting.WithMetrics(metrics),
		voting.WithAssembler(providers.NewAssembler(assemblerOpts...)),
		voting.WithManager(contract.NewManager(
			contract.WithLogger(rt.logger),
			contract.WithMetrics(metrics),
			contract.WithPollInterval(rt.cfg.Timeouts.PollInterval.Duration),
		)),
	}
	if rt.journal != nil {
		opts = append(opts, voting.WithRecorder(rt.journal))
	}
	client := voting.New(locator, opts...)
	rt.client = client
	rt.closers = append(rt.closers, func() error {
		client.DisconnectWallet()
		return client.Close()
	})

	connectCtx, cancel := context.WithTimeout(ctx, rt.cfg.Timeouts.Connect.Duration)
	defer cancel()
	if _, err := client.ConnectWallet(connectCtx); err != nil {
		return fmt.Errorf("connect wallet: %w", err)
	}
	if !joinContract {
		return nil
	}
	joinCtx, cancelJoin := context.WithTimeout(ctx, rt.cfg.Timeouts.Join.Duration)
	defer cancelJoin()
	if err := client.JoinContract(joinCtx, rt.cfg.Contract); err != nil {
		return fmt.Errorf("join %s: %w", rt.cfg.Contract, err)
	}
	rt.logger.Info("joined contract", slog.String("contract", rt.cfg.Contract))
	return nil
}

// Close releases resources in reverse order of acquisition.
func (rt *runtime) Close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil && rt.logger != nil {
			rt.logger.Warn("shutdown step failed", slog.String("error", err.Error()))
		}
	}
	rt.closers = nil
}

// keystoreLocator unlocks the configured keystore and exposes it as a local
// wallet.
func (a *app) keystoreLocator(cfg config.Config) (wallet.Locator, error) {
	pass, err := passphrase.NewSource(cfg.Wallet.Passphrase, "").Get()
	if err != nil {
		return nil, err
	}
	key, err := crypto.LoadFromKeystore(cfg.Wallet.Keystore, pass)
	if err != nil {
		return nil, fmt.Errorf("unlock keystore %s: %w", cfg.Wallet.Keystore, err)
	}
	slog.Info("wallet keystore unlocked", logging.Abbreviate("address", key.Address().String()))
	var authorize wallet.Authorizer = wallet.AutoApprove
	if !cfg.Wallet.AutoApprove {
		authorize = a.promptAuthorizer(key.Address().String())
	}
	ext, err := wallet.NewLocal(key, cfg.Services, wallet.WithAuthorizer(authorize))
	if err != nil {
		return nil, err
	}
	return wallet.Static(ext), nil
}

func (a *app) promptAuthorizer(address string) wallet.Authorizer {
	return func(context.Context) (bool, error) {
		if !term.IsTerminal(int(os.Stdin.Fd())) {
			return false, errors.New("wallet authorization requires a terminal; set wallet.auto_approve")
		}
		fmt.Fprintf(a.stderr, "Allow pollctl to use wallet %s? [y/N]: ", address)
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil {
			return false, fmt.Errorf("read authorization: %w", err)
		}
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "y", "yes":
			return true, nil
		default:
			return false, nil
		}
	}
}
