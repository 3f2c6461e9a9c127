package simulator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/core"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gateway-fm/ethsimulator/internal/account"
	"github.com/gateway-fm/ethsimulator/internal/config"
	"github.com/gateway-fm/ethsimulator/internal/genesis"
	"github.com/gateway-fm/ethsimulator/internal/metrics"
	"github.com/gateway-fm/ethsimulator/internal/rpc/rpctest"
	"github.com/gateway-fm/ethsimulator/internal/sampler"
	"github.com/gateway-fm/ethsimulator/internal/simulation"
	"github.com/gateway-fm/ethsimulator/internal/storage"
	"github.com/gateway-fm/ethsimulator/internal/supervisor"
	"github.com/gateway-fm/ethsimulator/pkg/types"
)

// fundedNode returns a fake node on which every development account holds a
// million ether.
func fundedNode(t *testing.T) *rpctest.Node {
	t.Helper()
	node := rpctest.NewNode(genesis.DefaultChainID)
	t.Cleanup(node.Close)

	accounts, err := account.LoadTestAccounts()
	require.NoError(t, err)
	wei := new(big.Int).Mul(big.NewInt(1_000_000), big.NewInt(1e18))
	for _, acc := range accounts {
		node.Fund(acc.Address, wei)
	}
	return node
}

func testConfig(t *testing.T, node *rpctest.Node) *config.Config {
	t.Helper()
	u, err := url.Parse(node.URL())
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)

	cfg := config.Default()
	cfg.Client.Host = u.Hostname()
	cfg.Client.Port = port
	cfg.Client.DataDir = t.TempDir()
	cfg.Client.PollAttempts = 1
	cfg.Client.PollInterval = time.Millisecond
	cfg.Workload.Seed = 7
	cfg.Run = config.RunConfig{Count: 25}
	require.NoError(t, cfg.Validate())
	return cfg
}

func newStore(t *testing.T) *storage.SQLiteStorage {
	t.Helper()
	st, err := storage.NewSQLiteStorage(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func countRequest(n int) RunRequest {
	return RunRequest{Stop: simulation.StopCondition{Count: n}}
}

func TestRunCompletesAndPersists(t *testing.T) {
	node := fundedNode(t)
	st := newStore(t)
	prom := metrics.NewPrometheusMetrics(prometheus.NewRegistry())

	sim, err := New(testConfig(t, node), WithStorage(st), WithMetrics(prom))
	require.NoError(t, err)
	defer sim.Close()

	record, err := sim.Run(context.Background(), countRequest(25))
	require.NoError(t, err)

	assert.Equal(t, types.StatusCompleted, record.Status)
	assert.EqualValues(t, 25, record.Attempts)
	assert.EqualValues(t, 25, record.Succeeded)
	assert.EqualValues(t, 7, record.Seed)
	assert.Equal(t, len(account.TestPrivateKeys), record.Accounts)
	assert.Len(t, node.Transactions(), 25)

	stored, err := sim.GetRun(context.Background(), record.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, stored.Status)
	assert.EqualValues(t, 25, stored.Attempts)
	assert.NotNil(t, stored.CompletedAt)

	var workload sampler.Config
	require.NoError(t, json.Unmarshal([]byte(stored.Config), &workload))
	assert.Equal(t, sampler.IntervalExponential, workload.Intervals.Distribution)

	logs, err := sim.Transactions(context.Background(), record.ID, 100, 0)
	require.NoError(t, err)
	assert.Equal(t, 25, logs.Total)
	for _, tx := range logs.Items {
		assert.Equal(t, storage.TxSubmitted, tx.Status)
		assert.NotEqual(t, tx.From, tx.To)
	}

	status := sim.Status()
	assert.Equal(t, types.StatusCompleted, status.Status)
	assert.EqualValues(t, 25, status.Attempts)
	assert.InDelta(t, 25, testutil.ToFloat64(prom.TransfersTotal.WithLabelValues("submitted")), 1e-9)
	assert.InDelta(t, 1, testutil.ToFloat64(prom.RunsTotal.WithLabelValues("completed")), 1e-9)
}

func TestRunIsReproducibleForSeed(t *testing.T) {
	type draw struct {
		From, To string
		Amount   float64
		SimTime  int64
	}
	runOnce := func() []draw {
		node := fundedNode(t)
		st := newStore(t)
		sim, err := New(testConfig(t, node), WithStorage(st))
		require.NoError(t, err)
		defer sim.Close()

		seed := uint64(99)
		record, err := sim.Run(context.Background(), RunRequest{
			Stop: simulation.StopCondition{Count: 15},
			Seed: &seed,
		})
		require.NoError(t, err)

		logs, err := st.GetTxLogs(context.Background(), record.ID, 100, 0)
		require.NoError(t, err)
		out := make([]draw, len(logs.Items))
		for i, tx := range logs.Items {
			out[i] = draw{tx.From, tx.To, tx.AmountEther, tx.SimTimeMs}
		}
		return out
	}

	first, second := runOnce(), runOnce()
	require.Len(t, first, 15)
	assert.Equal(t, first, second)
}

func TestRunRejectsBadStopCondition(t *testing.T) {
	sim, err := New(testConfig(t, fundedNode(t)))
	require.NoError(t, err)

	_, err = sim.Run(context.Background(), RunRequest{})
	assert.ErrorIs(t, err, simulation.ErrInvalidStopCondition)

	_, err = sim.Start(RunRequest{Stop: simulation.StopCondition{Count: 1, Duration: time.Second}})
	assert.ErrorIs(t, err, simulation.ErrInvalidStopCondition)
}

func TestStartStop(t *testing.T) {
	node := fundedNode(t)
	st := newStore(t)
	cfg := testConfig(t, node)
	cfg.Workload.Intervals = sampler.IntervalConfig{Distribution: sampler.IntervalConstant, Period: time.Hour}

	sim, err := New(cfg, WithStorage(st))
	require.NoError(t, err)
	defer sim.Close()

	realtime := true
	runID, err := sim.Start(RunRequest{
		Stop:     simulation.StopCondition{Duration: 24 * time.Hour},
		Realtime: &realtime,
	})
	require.NoError(t, err)
	require.NotEmpty(t, runID)

	require.Eventually(t, func() bool {
		s := sim.Status()
		return s.Status == types.StatusRunning && s.Attempts == 1
	}, 5*time.Second, 10*time.Millisecond)

	_, err = sim.Start(countRequest(1))
	assert.ErrorIs(t, err, ErrRunInProgress)
	_, err = sim.Run(context.Background(), countRequest(1))
	assert.ErrorIs(t, err, ErrRunInProgress)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, sim.Stop(ctx))

	status := sim.Status()
	assert.Equal(t, runID, status.RunID)
	assert.Equal(t, types.StatusCancelled, status.Status)
	assert.Empty(t, status.Error)

	stored, err := sim.GetRun(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCancelled, stored.Status)
	assert.EqualValues(t, 1, stored.Attempts)

	assert.ErrorIs(t, sim.Stop(ctx), ErrNoActiveRun)

	// a new run may start once the previous one is stored
	_, err = sim.Run(context.Background(), countRequest(2))
	require.NoError(t, err)
}

func TestRunFailsWhenClientMissing(t *testing.T) {
	node := fundedNode(t)
	cfg := testConfig(t, node)
	node.Close() // nothing answers on the endpoint
	cfg.Client.Binary = filepath.Join(t.TempDir(), "no-such-geth")

	st := newStore(t)
	sim, err := New(cfg, WithStorage(st))
	require.NoError(t, err)

	record, err := sim.Run(context.Background(), countRequest(5))
	require.ErrorIs(t, err, supervisor.ErrClientNotInstalled)
	assert.Equal(t, types.StatusError, record.Status)

	stored, err := sim.GetRun(context.Background(), record.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusError, stored.Status)
	assert.Contains(t, stored.Error, "not installed")

	assert.Equal(t, types.StatusError, sim.Status().Status)
}

func TestReadyReflectsNodeAvailability(t *testing.T) {
	node := fundedNode(t)
	cfg := testConfig(t, node)
	cfg.Client.Binary = filepath.Join(t.TempDir(), "no-such-geth")

	reg := prometheus.NewRegistry()
	prom := metrics.NewPrometheusMetrics(reg)
	sim, err := New(cfg, WithMetrics(prom))
	require.NoError(t, err)
	defer sim.Close()

	require.NoError(t, sim.Ready(context.Background()), "a serving node is ready without a local binary")
	assert.Equal(t, 1.0, testutil.ToFloat64(prom.NodeUp))

	node.Close()
	assert.Error(t, sim.Ready(context.Background()))
	assert.Equal(t, 0.0, testutil.ToFloat64(prom.NodeUp))
}

func TestUnderfundedAccountsAreExcluded(t *testing.T) {
	node := rpctest.NewNode(genesis.DefaultChainID)
	defer node.Close()

	accounts, err := account.LoadTestAccounts()
	require.NoError(t, err)
	rich := new(big.Int).Mul(big.NewInt(1_000_000), big.NewInt(1e18))
	node.Fund(accounts[0].Address, rich)
	node.Fund(accounts[1].Address, rich)
	node.Fund(accounts[2].Address, rich)

	cfg := testConfig(t, node)
	cfg.Accounts.MinBalance = 1000

	sim, err := New(cfg)
	require.NoError(t, err)

	record, err := sim.Run(context.Background(), countRequest(10))
	require.NoError(t, err)
	assert.Equal(t, 3, record.Accounts)
	assert.EqualValues(t, 10, record.Succeeded)
}

func TestHistoryWithoutStorage(t *testing.T) {
	sim, err := New(testConfig(t, fundedNode(t)))
	require.NoError(t, err)

	_, err = sim.History(context.Background(), 10, 0)
	assert.ErrorIs(t, err, ErrNoStorage)
}

type recordingRunner struct {
	mu   sync.Mutex
	runs [][]string
}

func (r *recordingRunner) Start(string, []string, io.Writer) (supervisor.Process, error) {
	return nil, errors.New("launch not expected")
}

func (r *recordingRunner) Run(_ context.Context, name string, args []string) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs = append(r.runs, append([]string{name}, args...))
	return nil, nil
}

func TestInitializeLedgerFundsParticipants(t *testing.T) {
	dir := t.TempDir()
	extra := filepath.Join(dir, "funded.json")
	require.NoError(t, os.WriteFile(extra, []byte(`[{"address":"0x00000000000000000000000000000000000000aa","balance":"5"}]`), 0o644))

	cfg := config.Default()
	cfg.Client.DataDir = filepath.Join(dir, "chain")
	cfg.Genesis.FundedAccounts = extra

	runner := &recordingRunner{}
	sim, err := New(cfg, WithSupervisorOptions(supervisor.WithRunner(runner)))
	require.NoError(t, err)

	require.NoError(t, sim.InitializeLedger(context.Background()))
	require.Len(t, runner.runs, 1)
	assert.Contains(t, runner.runs[0], "init")

	raw, err := os.ReadFile(filepath.Join(sim.Supervisor().DataDir(), genesis.FileName))
	require.NoError(t, err)
	var g core.Genesis
	require.NoError(t, json.Unmarshal(raw, &g))

	assert.Len(t, g.Alloc, len(account.TestPrivateKeys)+1)
	accounts, err := account.LoadTestAccounts()
	require.NoError(t, err)
	assert.Equal(t, genesis.DefaultBalance.String(), g.Alloc[accounts[0].Address].Balance.String())
}

// crashingRunner starts a client that prints line and exits at once.
type crashingRunner struct {
	line string
}

func (r crashingRunner) Start(_ string, _ []string, output io.Writer) (supervisor.Process, error) {
	_, _ = io.WriteString(output, r.line)
	return exitedProcess{}, nil
}

func (crashingRunner) Run(context.Context, string, []string) ([]byte, error) { return nil, nil }

type exitedProcess struct{}

func (exitedProcess) Pid() int               { return 4242 }
func (exitedProcess) Signal(os.Signal) error { return nil }
func (exitedProcess) Wait() error            { return errors.New("exit status 1") }

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestFailedConnectLogsClientOutput(t *testing.T) {
	cfg := config.Default()
	cfg.Client.DataDir = t.TempDir()
	cfg.Client.PollInterval = time.Millisecond

	var logs lockedBuffer
	refused := func(context.Context, string) error { return errors.New("connection refused") }
	sim, err := New(cfg,
		WithLogger(slog.New(slog.NewJSONHandler(&logs, nil))),
		WithSupervisorOptions(
			supervisor.WithRunner(crashingRunner{line: "Fatal: database already in use\n"}),
			supervisor.WithHealthCheck(refused),
		))
	require.NoError(t, err)
	defer sim.Close()

	_, err = sim.Run(context.Background(), countRequest(1))
	var connErr *supervisor.ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.Contains(t, connErr.Output, "database already in use")

	out := logs.String()
	assert.Contains(t, out, `"msg":"execution client output"`)
	assert.Contains(t, out, "Fatal: database already in use")
}
