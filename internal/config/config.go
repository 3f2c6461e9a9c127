// Package config handles configuration loading and validation.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/gateway-fm/ethsimulator/internal/account"
	"github.com/gateway-fm/ethsimulator/internal/execnode"
	"github.com/gateway-fm/ethsimulator/internal/rpc"
	"github.com/gateway-fm/ethsimulator/internal/sampler"
	"github.com/gateway-fm/ethsimulator/internal/sender"
	"github.com/gateway-fm/ethsimulator/internal/simulation"
	"github.com/gateway-fm/ethsimulator/internal/supervisor"
	"github.com/gateway-fm/ethsimulator/internal/units"
)

// ErrInvalidConfig is returned by Validate.
var ErrInvalidConfig = errors.New("invalid config")

// Defaults
const (
	DefaultClient         = execnode.KindGeth
	DefaultDataDir        = "./data/chain"
	DefaultDatabasePath   = "./data/ethsim.db"
	DefaultListenAddr     = ":8080"
	DefaultKeyFile        = "./data/accounts.json"
	DefaultGenerateCount  = 10
	DefaultDuration       = 60 * time.Second
	DefaultMaxTxLogs      = 100000
	DefaultCORSOrigins    = "*"
	DefaultLogLevel       = "info"
	DefaultGenesisBalance = 1.0 // ether
)

// Environment variables that override the file.
const (
	EnvRPCHost  = "ETHSIM_RPC_HOST"
	EnvRPCPort  = "ETHSIM_RPC_PORT"
	EnvClient   = "ETHSIM_CLIENT"
	EnvDataDir  = "ETHSIM_DATA_DIR"
	EnvDatabase = "ETHSIM_DATABASE"
	EnvListen   = "ETHSIM_LISTEN"
	EnvSeed     = "ETHSIM_SEED"
	EnvLogLevel = "LOG_LEVEL"
)

// Config holds the simulator configuration.
type Config struct {
	LogLevel string         `yaml:"log_level"`
	Client   ClientConfig   `yaml:"client"`
	Genesis  GenesisConfig  `yaml:"genesis"`
	Accounts AccountsConfig `yaml:"accounts"`
	Workload WorkloadConfig `yaml:"workload"`
	Run      RunConfig      `yaml:"run"`
	Sender   SenderConfig   `yaml:"sender"`
	Storage  StorageConfig  `yaml:"storage"`
	Server   ServerConfig   `yaml:"server"`
}

// ClientConfig selects and locates the execution client.
type ClientConfig struct {
	Kind         string         `yaml:"kind"`
	Host         string         `yaml:"host"`
	Port         int            `yaml:"port"`
	DataDir      string         `yaml:"data_dir"`
	Binary       string         `yaml:"binary"`
	ExtraArgs    []execnode.Arg `yaml:"extra_args"`
	PollAttempts int            `yaml:"poll_attempts"`
	PollInterval time.Duration  `yaml:"poll_interval"`
}

// GenesisConfig controls ledger initialization.
type GenesisConfig struct {
	// Initialize runs the client's init subcommand before connecting.
	Initialize     bool    `yaml:"initialize"`
	Template       string  `yaml:"template"`
	FundedAccounts string  `yaml:"funded_accounts"`
	DefaultBalance float64 `yaml:"default_balance"` // ether
}

// AccountsConfig says where the simulated participants come from.
type AccountsConfig struct {
	// KeyFile holds the participants' keys. When empty the well-known
	// development keys are used.
	KeyFile string `yaml:"key_file"`
	// Generate is the number of accounts `ethsim accounts generate` creates.
	Generate int                   `yaml:"generate"`
	Balance  account.BalanceConfig `yaml:"balance"`
	// MinBalance excludes accounts holding less than this many ether.
	MinBalance float64 `yaml:"min_balance"`
}

// WorkloadConfig holds the sampler parameters and the run seed.
type WorkloadConfig struct {
	// Seed of the workload generator; zero picks a random seed, which is logged.
	Seed      uint64                 `yaml:"seed"`
	Pairs     sampler.PairConfig     `yaml:"pairs"`
	Amounts   sampler.AmountConfig   `yaml:"amounts"`
	Intervals sampler.IntervalConfig `yaml:"intervals"`
}

// Sampler returns the sampler configuration.
func (w WorkloadConfig) Sampler() sampler.Config {
	return sampler.Config{Pairs: w.Pairs, Amounts: w.Amounts, Intervals: w.Intervals}
}

// RunConfig bounds a run. At most one of Duration and Count is set; with
// neither, the run lasts DefaultDuration of simulated time.
type RunConfig struct {
	Duration time.Duration `yaml:"duration"`
	Count    int           `yaml:"count"`
	Realtime bool          `yaml:"realtime"`
}

// StopCondition converts the run bounds.
func (r RunConfig) StopCondition() simulation.StopCondition {
	if r.Duration == 0 && r.Count == 0 {
		return simulation.StopCondition{Duration: DefaultDuration}
	}
	return simulation.StopCondition{Duration: r.Duration, Count: r.Count}
}

// SenderConfig controls transaction building.
type SenderConfig struct {
	NonceTag   string        `yaml:"nonce_tag"`
	DynamicFee bool          `yaml:"dynamic_fee"`
	Timeout    time.Duration `yaml:"timeout"`
}

// StorageConfig locates the run history database.
type StorageConfig struct {
	Database  string `yaml:"database"`
	MaxTxLogs int    `yaml:"max_tx_logs"`
}

// ServerConfig configures serve mode.
type ServerConfig struct {
	Listen      string `yaml:"listen"`
	CORSOrigins string `yaml:"cors_origins"`
}

// Default returns the built-in configuration.
func Default() *Config {
	senderDefaults := sender.DefaultConfig()
	workload := sampler.DefaultConfig()
	return &Config{
		LogLevel: DefaultLogLevel,
		Client: ClientConfig{
			Kind:         string(DefaultClient),
			Host:         supervisor.DefaultHost,
			Port:         supervisor.DefaultPort,
			DataDir:      DefaultDataDir,
			PollAttempts: supervisor.DefaultPollAttempts,
			PollInterval: supervisor.DefaultPollInterval,
		},
		Genesis: GenesisConfig{
			DefaultBalance: DefaultGenesisBalance,
		},
		Accounts: AccountsConfig{
			Generate: DefaultGenerateCount,
			Balance:  account.DefaultBalanceConfig(),
		},
		Workload: WorkloadConfig{
			Pairs:     workload.Pairs,
			Amounts:   workload.Amounts,
			Intervals: workload.Intervals,
		},
		Sender: SenderConfig{
			NonceTag: string(senderDefaults.NonceTag),
			Timeout:  senderDefaults.Timeout,
		},
		Storage: StorageConfig{
			Database:  DefaultDatabasePath,
			MaxTxLogs: DefaultMaxTxLogs,
		},
		Server: ServerConfig{
			Listen:      DefaultListenAddr,
			CORSOrigins: DefaultCORSOrigins,
		},
	}
}

// Load reads the YAML file at path on top of Default() and applies the
// environment overrides. An empty path skips the file. Unknown keys are
// rejected. The result is not validated so callers can apply flags first.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := decode(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(raw []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (c *Config) applyEnv() error {
	c.Client.Host = getEnvOrDefault(EnvRPCHost, c.Client.Host)
	c.Client.Kind = getEnvOrDefault(EnvClient, c.Client.Kind)
	c.Client.DataDir = getEnvOrDefault(EnvDataDir, c.Client.DataDir)
	c.Storage.Database = getEnvOrDefault(EnvDatabase, c.Storage.Database)
	c.Server.Listen = getEnvOrDefault(EnvListen, c.Server.Listen)
	c.LogLevel = getEnvOrDefault(EnvLogLevel, c.LogLevel)

	if v := os.Getenv(EnvRPCPort); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: %s=%q is not a port", ErrInvalidConfig, EnvRPCPort, v)
		}
		c.Client.Port = port
	}
	if v := os.Getenv(EnvSeed); v != "" {
		seed, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return fmt.Errorf("%w: %s=%q is not a seed", ErrInvalidConfig, EnvSeed, v)
		}
		c.Workload.Seed = seed
	}
	return nil
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if _, err := execnode.ParseKind(c.Client.Kind); err != nil {
		return fmt.Errorf("%w: client: %w", ErrInvalidConfig, err)
	}
	if c.Client.Port <= 0 || c.Client.Port > 65535 {
		return fmt.Errorf("%w: client port %d out of range", ErrInvalidConfig, c.Client.Port)
	}
	if c.Client.Host == "" {
		return fmt.Errorf("%w: client host is required", ErrInvalidConfig)
	}
	if c.Genesis.DefaultBalance < 0 {
		return fmt.Errorf("%w: genesis default balance cannot be negative", ErrInvalidConfig)
	}
	if err := c.Accounts.Balance.Validate(); err != nil {
		return fmt.Errorf("%w: accounts: %w", ErrInvalidConfig, err)
	}
	if c.Accounts.MinBalance < 0 {
		return fmt.Errorf("%w: accounts min balance cannot be negative", ErrInvalidConfig)
	}
	if err := c.Workload.Sampler().Validate(); err != nil {
		return fmt.Errorf("%w: workload: %w", ErrInvalidConfig, err)
	}
	if err := c.Run.StopCondition().Validate(); err != nil {
		return fmt.Errorf("%w: run: %w", ErrInvalidConfig, err)
	}
	switch rpc.BlockTag(c.Sender.NonceTag) {
	case rpc.TagPending, rpc.TagLatest:
	default:
		return fmt.Errorf("%w: sender nonce tag %q (want pending or latest)", ErrInvalidConfig, c.Sender.NonceTag)
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return nil
}

// Supervisor builds the supervisor configuration.
func (c *Config) Supervisor() (supervisor.Config, error) {
	kind, err := execnode.ParseKind(c.Client.Kind)
	if err != nil {
		return supervisor.Config{}, err
	}
	balance, err := c.GenesisDefaultBalance()
	if err != nil {
		return supervisor.Config{}, err
	}
	return supervisor.Config{
		Kind:           kind,
		Host:           c.Client.Host,
		Port:           c.Client.Port,
		DataDir:        c.Client.DataDir,
		Binary:         c.Client.Binary,
		ExtraArgs:      c.Client.ExtraArgs,
		PollAttempts:   c.Client.PollAttempts,
		PollInterval:   c.Client.PollInterval,
		DefaultBalance: balance,
	}, nil
}

// GenesisDefaultBalance returns the genesis default balance in wei.
func (c *Config) GenesisDefaultBalance() (*big.Int, error) {
	return units.EtherToWei(c.Genesis.DefaultBalance)
}

// SenderConfig builds the submitter configuration.
func (c *Config) SenderConfig() sender.Config {
	return sender.Config{
		NonceTag:   rpc.BlockTag(c.Sender.NonceTag),
		DynamicFee: c.Sender.DynamicFee,
		Timeout:    c.Sender.Timeout,
	}
}

// ParseLogLevel maps debug, info, warn and error to slog levels.
func ParseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
}

// getEnvOrDefault returns environment variable or default value.
func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
