// Package supervisor owns the lifecycle of the local execution client: it
// finds or launches the node, waits until it answers JSON-RPC, initializes the
// ledger from a genesis file and shuts down what it started.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/ethereum/go-ethereum/core"

	"github.com/gateway-fm/ethsimulator/internal/execnode"
	"github.com/gateway-fm/ethsimulator/internal/genesis"
	"github.com/gateway-fm/ethsimulator/internal/rpc"
)

const (
	DefaultHost         = "127.0.0.1"
	DefaultPort         = 8545
	DefaultPollAttempts = 10
	DefaultPollInterval = time.Second
	DefaultPingTimeout  = 2 * time.Second

	outputTailBytes = 64 << 10
)

// Config configures a Supervisor.
type Config struct {
	Kind      execnode.Kind
	Host      string
	Port      int
	DataDir   string
	Binary    string
	ExtraArgs []execnode.Arg

	PollAttempts int
	PollInterval time.Duration
	PingTimeout  time.Duration

	// DefaultBalance funds genesis allocations that carry no balance.
	DefaultBalance *big.Int

	// RPC is the configuration of the client handed out on connect; its URL
	// is always overridden with the supervised endpoint.
	RPC rpc.ClientConfig
}

func (c *Config) applyDefaults() {
	if c.Host == "" {
		c.Host = DefaultHost
	}
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.PollAttempts <= 0 {
		c.PollAttempts = DefaultPollAttempts
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.PingTimeout <= 0 {
		c.PingTimeout = DefaultPingTimeout
	}
	if c.DefaultBalance == nil {
		c.DefaultBalance = genesis.DefaultBalance
	}
	if c.RPC.Timeout == 0 {
		c.RPC = rpc.DefaultClientConfig("")
	}
}

// HealthCheck checks whether a JSON-RPC endpoint answers.
type HealthCheck func(ctx context.Context, url string) error

// Connection is a live handle on the node. It is never mutated; a reconnect
// produces a new Connection.
type Connection struct {
	Endpoint      string
	Kind          execnode.Kind
	Client        rpc.Client
	Owned         bool // the node process was launched by this supervisor
	EstablishedAt time.Time
}

// Option customizes a Supervisor.
type Option func(*Supervisor)

// WithRunner replaces the os/exec process runner.
func WithRunner(r Runner) Option { return func(s *Supervisor) { s.runner = r } }

// WithHealthCheck replaces the web3_clientVersion liveness check.
func WithHealthCheck(p HealthCheck) Option { return func(s *Supervisor) { s.check = p } }

// WithRegistry replaces the client profile registry.
func WithRegistry(r *execnode.Registry) Option { return func(s *Supervisor) { s.registry = r } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(s *Supervisor) { s.logger = l } }

// Supervisor manages one execution client endpoint.
type Supervisor struct {
	cfg      Config
	endpoint execnode.Endpoint
	profile  *execnode.Profile
	registry *execnode.Registry
	runner   Runner
	check    HealthCheck
	logger   *slog.Logger
	output   *tailBuffer

	connectMu sync.Mutex // serializes Connect

	mu       sync.Mutex
	conn     *Connection
	proc     Process
	procDone chan struct{}
	procErr  error
	launched bool
	command  string
}

// New creates a Supervisor. It does not touch the node.
func New(cfg Config, opts ...Option) (*Supervisor, error) {
	cfg.applyDefaults()
	s := &Supervisor{
		cfg:      cfg,
		registry: execnode.DefaultRegistry(),
		runner:   ExecRunner{},
		output:   newTailBuffer(outputTailBytes),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}

	profile, err := s.registry.Get(cfg.Kind)
	if err != nil {
		return nil, err
	}
	s.profile = profile.WithBinary(cfg.Binary)

	if cfg.DataDir == "" {
		return nil, errors.New("data dir is required")
	}
	dataDir, err := filepath.Abs(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("resolve data dir: %w", err)
	}
	s.endpoint = execnode.Endpoint{Host: cfg.Host, Port: cfg.Port, DataDir: dataDir}

	if s.check == nil {
		timeout := cfg.PingTimeout
		s.check = func(ctx context.Context, url string) error {
			_, err := rpc.NewHTTPClient(rpc.PingClientConfig(url, timeout)).ClientVersion(ctx)
			return err
		}
	}
	return s, nil
}

// Endpoint returns the JSON-RPC URL being supervised.
func (s *Supervisor) Endpoint() string { return s.endpoint.URL() }

// DataDir returns the absolute data directory.
func (s *Supervisor) DataDir() string { return s.endpoint.DataDir }

// Kind returns the client kind.
func (s *Supervisor) Kind() execnode.Kind { return s.profile.Kind }

// Diagnostics returns the captured tail of the launched client's output.
func (s *Supervisor) Diagnostics() string { return s.output.String() }

// Alive sends one request to the endpoint. Unlike Connect it never launches anything.
func (s *Supervisor) Alive(ctx context.Context) error {
	url := s.endpoint.URL()
	if err := s.ping(ctx, url); err != nil {
		return fmt.Errorf("%s at %s not answering: %w", s.profile.Kind, url, err)
	}
	return nil
}

// CheckClient runs the client's version command and returns its output.
func (s *Supervisor) CheckClient(ctx context.Context) (string, error) {
	out, err := s.runner.Run(ctx, s.profile.Binary, s.profile.VersionArgs)
	if err != nil {
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", ErrClientNotInstalled, s.profile.Binary)
		}
		return "", fmt.Errorf("%s version check: %w", s.profile, err)
	}
	return strings.TrimSpace(string(out)), nil
}

// Connect returns a live connection, launching the client if nothing answers
// on the endpoint. It polls up to PollAttempts times, PollInterval apart.
func (s *Supervisor) Connect(ctx context.Context) (*Connection, error) {
	s.connectMu.Lock()
	defer s.connectMu.Unlock()

	url := s.endpoint.URL()

	if conn := s.current(); conn != nil {
		if err := s.ping(ctx, url); err == nil {
			return conn, nil
		}
		s.logger.Warn("live connection lost, reconnecting", slog.String("endpoint", url))
	}

	if err := s.ping(ctx, url); err == nil {
		s.logger.Info("execution client already running", slog.String("endpoint", url))
		return s.establish(url), nil
	}

	if err := s.launchOnce(); err != nil {
		return nil, err
	}

	attempts := 0
	err := retry.Do(
		func() error {
			attempts++
			if exited, exitErr := s.exited(); exited {
				return retry.Unrecoverable(fmt.Errorf("%w: %v", ErrClientExited, exitErr))
			}
			return s.ping(ctx, url)
		},
		retry.Context(ctx),
		retry.Attempts(uint(s.cfg.PollAttempts)),
		retry.Delay(s.cfg.PollInterval),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			s.logger.Debug("waiting for execution client",
				slog.String("endpoint", url),
				slog.Int("attempt", int(n)+1),
				slog.String("error", err.Error()))
		}),
	)
	if err != nil {
		s.mu.Lock()
		command := s.command
		s.mu.Unlock()
		return nil, &ConnectionError{
			Endpoint: url,
			Kind:     s.profile.Kind,
			Attempts: attempts,
			Command:  command,
			Err:      err,
			Output:   s.output.String(),
		}
	}

	s.logger.Info("connected to execution client",
		slog.String("endpoint", url),
		slog.String("client", string(s.profile.Kind)),
		slog.Int("attempts", attempts))
	return s.establish(url), nil
}

// Connection returns the current live connection.
func (s *Supervisor) Connection() (*Connection, error) {
	if conn := s.current(); conn != nil {
		return conn, nil
	}
	return nil, ErrNotConnected
}

// Client returns the RPC client of the current live connection.
func (s *Supervisor) Client() (rpc.Client, error) {
	conn, err := s.Connection()
	if err != nil {
		return nil, err
	}
	return conn.Client, nil
}

// InitializeLedger writes the merged genesis into the data dir and runs the
// client's init command. It does nothing when the data dir already holds chain
// data. A failing init command is fatal.
func (s *Supervisor) InitializeLedger(ctx context.Context, base *core.Genesis, funded []genesis.Allocation) error {
	dataDir := s.endpoint.DataDir
	if s.registry.HasChainData(dataDir) {
		s.logger.Info("ledger already initialized, skipping", slog.String("data_dir", dataDir))
		return nil
	}

	merged, err := genesis.Merge(base, funded, s.cfg.DefaultBalance)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrLedgerInit, err)
	}
	genesisPath := filepath.Join(dataDir, genesis.FileName)
	if err := genesis.Write(genesisPath, merged); err != nil {
		return fmt.Errorf("%w: %w", ErrLedgerInit, err)
	}

	args := s.profile.InitArgs(dataDir, genesisPath)
	s.logger.Info("initializing ledger",
		slog.String("client", string(s.profile.Kind)),
		slog.String("data_dir", dataDir),
		slog.Int("funded_accounts", len(funded)))

	out, err := s.runner.Run(ctx, s.profile.Binary, args)
	if err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return fmt.Errorf("%w: %w: %s", ErrLedgerInit, ErrClientNotInstalled, s.profile.Binary)
		}
		return fmt.Errorf("%w: %s %s: %w: %s", ErrLedgerInit, s.profile.Binary,
			strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return nil
}

// Stop terminates the client process if this supervisor launched it and waits
// for it to exit. Calling Stop again, or on an adopted node, does nothing.
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	proc, done := s.proc, s.procDone
	s.proc = nil
	s.conn = nil
	s.mu.Unlock()

	if proc == nil {
		return nil
	}

	s.logger.Info("stopping execution client", slog.Int("pid", proc.Pid()))
	if err := proc.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("signal execution client: %w", err)
	}
	<-done
	return nil
}

func (s *Supervisor) current() *Connection {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

func (s *Supervisor) ping(ctx context.Context, url string) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.PingTimeout)
	defer cancel()
	return s.check(ctx, url)
}

func (s *Supervisor) establish(url string) *Connection {
	rpcCfg := s.cfg.RPC
	rpcCfg.URL = url
	if rpcCfg.Logger == nil {
		rpcCfg.Logger = s.logger
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn = &Connection{
		Endpoint:      url,
		Kind:          s.profile.Kind,
		Client:        rpc.NewHTTPClient(rpcCfg),
		Owned:         s.proc != nil,
		EstablishedAt: time.Now(),
	}
	return s.conn
}

// launchOnce starts the client unless this supervisor already did.
func (s *Supervisor) launchOnce() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.launched {
		return nil
	}

	args := s.profile.LaunchArgs(s.endpoint, s.cfg.ExtraArgs)
	command := strings.Join(append([]string{s.profile.Binary}, args...), " ")
	proc, err := s.runner.Start(s.profile.Binary, args, s.output)
	if err != nil {
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s: %s", ErrClientNotInstalled, s.profile.Kind, s.profile.Binary)
		}
		return fmt.Errorf("%w: %s at %s: %q: %w", ErrLaunch, s.profile.Kind, s.endpoint.URL(), command, err)
	}

	s.launched = true
	s.command = command
	s.proc = proc
	s.procDone = make(chan struct{})
	s.procErr = nil
	go s.reap(proc, s.procDone)

	s.logger.Info("launched execution client",
		slog.String("client", string(s.profile.Kind)),
		slog.Int("pid", proc.Pid()),
		slog.String("endpoint", s.endpoint.URL()),
		slog.String("data_dir", s.endpoint.DataDir))
	return nil
}

func (s *Supervisor) reap(proc Process, done chan struct{}) {
	err := proc.Wait()
	s.mu.Lock()
	s.procErr = err
	s.mu.Unlock()
	close(done)
}

// exited reports whether the launched process has already terminated.
func (s *Supervisor) exited() (bool, error) {
	s.mu.Lock()
	done := s.procDone
	s.mu.Unlock()
	if done == nil {
		return false, nil
	}
	select {
	case <-done:
		s.mu.Lock()
		err := s.procErr
		s.mu.Unlock()
		if err == nil {
			err = errors.New("exit status 0")
		}
		return true, err
	default:
		return false, nil
	}
}
