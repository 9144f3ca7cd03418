package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"pollsession/wallet"
)

// Duration wraps time.Duration so TOML and YAML accept strings such as "30s".
type Duration struct {
	time.Duration
}

// UnmarshalText parses Go duration strings. TOML decoding goes through it.
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// MarshalText renders the duration in Go syntax.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	return d.UnmarshalText([]byte(value.Value))
}

// Config is the pollctl configuration file.
type Config struct {
	Environment string `toml:"environment" yaml:"environment"`
	DataDir     string `toml:"data_dir" yaml:"data_dir"`
	// Contract is joined by commands that are not given an address.
	Contract string `toml:"contract" yaml:"contract"`

	Wallet    WalletConfig       `toml:"wallet" yaml:"wallet"`
	Services  wallet.ServiceURIs `toml:"services" yaml:"services"`
	Timeouts  Timeouts           `toml:"timeouts" yaml:"timeouts"`
	API       APIConfig          `toml:"api" yaml:"api"`
	Journal   JournalConfig      `toml:"journal" yaml:"journal"`
	Logging   LoggingConfig      `toml:"logging" yaml:"logging"`
	Telemetry TelemetryConfig    `toml:"telemetry" yaml:"telemetry"`
}

// WalletConfig locates the keystore backing the local wallet.
type WalletConfig struct {
	Keystore       string `toml:"keystore" yaml:"keystore"`
	PassphraseEnv  string `toml:"passphrase_env" yaml:"passphrase_env"`
	PassphraseFile string `toml:"passphrase_file" yaml:"passphrase_file"`
	// AutoApprove skips the interactive authorization prompt.
	AutoApprove bool `toml:"auto_approve" yaml:"auto_approve"`
}

// Timeouts bound the blocking lifecycle steps.
type Timeouts struct {
	Connect      Duration `toml:"connect" yaml:"connect"`
	Join         Duration `toml:"join" yaml:"join"`
	Deploy       Duration `toml:"deploy" yaml:"deploy"`
	Transaction  Duration `toml:"transaction" yaml:"transaction"`
	PollInterval Duration `toml:"poll_interval" yaml:"poll_interval"`
}

// APIConfig configures the read-only status server.
type APIConfig struct {
	Listen string `toml:"listen" yaml:"listen"`
}

// JournalConfig selects where dispatched actions are recorded. An empty DSN
// stores them in <data_dir>/journal.db.
type JournalConfig struct {
	DSN      string `toml:"dsn" yaml:"dsn"`
	Disabled bool   `toml:"disabled" yaml:"disabled"`
}

// LoggingConfig mirrors logging.Options.
type LoggingConfig struct {
	Level      string `toml:"level" yaml:"level"`
	File       string `toml:"file" yaml:"file"`
	MaxSizeMB  int    `toml:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days" yaml:"max_age_days"`
}

// TelemetryConfig mirrors otel.Config.
type TelemetryConfig struct {
	Endpoint string `toml:"endpoint" yaml:"endpoint"`
	Insecure bool   `toml:"insecure" yaml:"insecure"`
	// Headers is a comma separated key=value list.
	Headers string `toml:"headers" yaml:"headers"`
	Traces  bool   `toml:"traces" yaml:"traces"`
	Metrics bool   `toml:"metrics" yaml:"metrics"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	cfg := Config{}
	cfg.normalize()
	return cfg
}

// Load reads path as TOML or YAML depending on its extension, applies
// defaults and validates the result. An empty path yields Default.
func Load(path string) (Config, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		cfg := Default()
		return cfg, cfg.Validate()
	}
	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		meta, err := toml.DecodeFile(path, &cfg)
		if err != nil {
			return Config{}, fmt.Errorf("decode config: %w", err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return Config{}, fmt.Errorf("config file %s: unknown key %s", path, undecoded[0])
		}
	case ".yaml", ".yml":
		file, err := os.Open(path)
		if err != nil {
			return Config{}, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()
		decoder := yaml.NewDecoder(file)
		decoder.KnownFields(true)
		if err := decoder.Decode(&cfg); err != nil {
			return Config{}, fmt.Errorf("decode config: %w", err)
		}
	default:
		return Config{}, fmt.Errorf("config file %s: unsupported extension", path)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg *Config) normalize() {
	cfg.Environment = strings.TrimSpace(cfg.Environment)
	if cfg.Environment == "" {
		cfg.Environment = "dev"
	}
	cfg.DataDir = strings.TrimSpace(cfg.DataDir)
	if cfg.DataDir == "" {
		cfg.DataDir = "./pollsession-data"
	}
	cfg.Contract = strings.TrimSpace(cfg.Contract)

	cfg.Wallet.Keystore = strings.TrimSpace(cfg.Wallet.Keystore)
	if cfg.Wallet.Keystore == "" {
		cfg.Wallet.Keystore = filepath.Join(cfg.DataDir, "wallet.keystore")
	}
	cfg.Wallet.PassphraseEnv = strings.TrimSpace(cfg.Wallet.PassphraseEnv)
	cfg.Wallet.PassphraseFile = strings.TrimSpace(cfg.Wallet.PassphraseFile)

	cfg.Services.Indexer = strings.TrimRight(strings.TrimSpace(cfg.Services.Indexer), "/")
	cfg.Services.IndexerWS = strings.TrimRight(strings.TrimSpace(cfg.Services.IndexerWS), "/")
	cfg.Services.Node = strings.TrimRight(strings.TrimSpace(cfg.Services.Node), "/")
	cfg.Services.ProofServer = strings.TrimRight(strings.TrimSpace(cfg.Services.ProofServer), "/")
	if cfg.Services.Indexer == "" {
		cfg.Services.Indexer = "http://127.0.0.1:8088/api/v1/graphql"
	}
	if cfg.Services.IndexerWS == "" {
		cfg.Services.IndexerWS = "ws://127.0.0.1:8088/api/v1/graphql/ws"
	}
	if cfg.Services.Node == "" {
		cfg.Services.Node = "http://127.0.0.1:9944"
	}
	if cfg.Services.ProofServer == "" {
		cfg.Services.ProofServer = "http://127.0.0.1:6300"
	}

	defaultDuration(&cfg.Timeouts.Connect, 30*time.Second)
	defaultDuration(&cfg.Timeouts.Join, 30*time.Second)
	defaultDuration(&cfg.Timeouts.Deploy, 5*time.Minute)
	defaultDuration(&cfg.Timeouts.Transaction, 2*time.Minute)
	defaultDuration(&cfg.Timeouts.PollInterval, 2*time.Second)

	cfg.API.Listen = strings.TrimSpace(cfg.API.Listen)
	cfg.Journal.DSN = strings.TrimSpace(cfg.Journal.DSN)
	if cfg.Journal.DSN == "" {
		cfg.Journal.DSN = filepath.Join(cfg.DataDir, "journal.db")
	}
	cfg.Logging.Level = strings.ToLower(strings.TrimSpace(cfg.Logging.Level))
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	cfg.Telemetry.Endpoint = strings.TrimSpace(cfg.Telemetry.Endpoint)
}

func defaultDuration(d *Duration, fallback time.Duration) {
	if d.Duration == 0 {
		d.Duration = fallback
	}
}

// Validate reports the first invalid setting.
func (cfg Config) Validate() error {
	if err := cfg.Services.Validate(); err != nil {
		return fmt.Errorf("services: %w", err)
	}
	durations := []struct {
		name  string
		value Duration
	}{
		{"connect", cfg.Timeouts.Connect},
		{"join", cfg.Timeouts.Join},
		{"deploy", cfg.Timeouts.Deploy},
		{"transaction", cfg.Timeouts.Transaction},
		{"poll_interval", cfg.Timeouts.PollInterval},
	}
	for _, d := range durations {
		if d.value.Duration < 0 {
			return fmt.Errorf("timeouts: %s must not be negative", d.name)
		}
	}
	if cfg.Timeouts.PollInterval.Duration >= cfg.Timeouts.Deploy.Duration {
		return fmt.Errorf("timeouts: poll_interval must be shorter than deploy")
	}
	switch cfg.Logging.Level {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logging: unknown level %q", cfg.Logging.Level)
	}
	if cfg.Wallet.PassphraseEnv != "" && cfg.Wallet.PassphraseFile != "" {
		return fmt.Errorf("wallet: passphrase_env and passphrase_file are mutually exclusive")
	}
	return nil
}

// Passphrase resolves the keystore passphrase from the configured
// environment variable or file. ok is false when neither is configured, in
// which case the caller should prompt.
func (w WalletConfig) Passphrase() (passphrase string, ok bool, err error) {
	switch {
	case w.PassphraseEnv != "":
		value, set := os.LookupEnv(w.PassphraseEnv)
		if !set {
			return "", false, fmt.Errorf("wallet: environment variable %s not set", w.PassphraseEnv)
		}
		return value, true, nil
	case w.PassphraseFile != "":
		data, err := os.ReadFile(w.PassphraseFile)
		if err != nil {
			return "", false, fmt.Errorf("wallet: read passphrase file: %w", err)
		}
		return strings.TrimRight(string(data), "\r\n"), true, nil
	default:
		return "", false, nil
	}
}
