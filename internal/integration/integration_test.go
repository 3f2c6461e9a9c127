// Package integration runs the simulator against real execution clients.
//
// These tests require Anvil (and optionally geth) in PATH.
// Run with: go test -tags=integration ./internal/integration/...
//
//go:build integration

package integration

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gateway-fm/ethsimulator/internal/account"
	"github.com/gateway-fm/ethsimulator/internal/config"
	"github.com/gateway-fm/ethsimulator/internal/rpc"
	"github.com/gateway-fm/ethsimulator/internal/simulation"
	"github.com/gateway-fm/ethsimulator/internal/simulator"
	"github.com/gateway-fm/ethsimulator/internal/storage"
	"github.com/gateway-fm/ethsimulator/pkg/types"
)

// Anvil default chain ID
const anvilChainID = 31337

// anvilInstance manages an Anvil process for testing.
type anvilInstance struct {
	cmd  *exec.Cmd
	port int
	url  string
}

// freePort asks the kernel for an unused TCP port.
func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err, "find a free port")
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

// startAnvil starts an Anvil instance on a free port.
func startAnvil(t *testing.T) *anvilInstance {
	t.Helper()

	port := freePort(t)
	cmd := exec.Command("anvil",
		"--port", fmt.Sprintf("%d", port),
		"--block-time", "1",
		"--silent",
	)

	// Capture stderr for debugging
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		if strings.Contains(err.Error(), "executable file not found") {
			t.Skip("Anvil not installed, skipping integration test")
		}
		require.NoError(t, err, "start Anvil")
	}

	instance := &anvilInstance{
		cmd:  cmd,
		port: port,
		url:  fmt.Sprintf("http://127.0.0.1:%d", port),
	}
	t.Cleanup(instance.stop)

	// Wait for Anvil to be ready
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			require.FailNow(t, "Anvil failed to start", stderr.String())
		default:
			resp, err := http.Post(instance.url, "application/json",
				strings.NewReader(`{"jsonrpc":"2.0","method":"eth_blockNumber","params":[],"id":1}`))
			if err == nil {
				resp.Body.Close()
				if resp.StatusCode == 200 {
					return instance
				}
			}
			time.Sleep(100 * time.Millisecond)
		}
	}
}

// stop stops the Anvil instance.
func (a *anvilInstance) stop() {
	if a.cmd != nil && a.cmd.Process != nil {
		a.cmd.Process.Kill()
		a.cmd.Wait()
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// TestRPCClient tests the RPC client against Anvil.
func TestRPCClient(t *testing.T) {
	anvil := startAnvil(t)

	cfg := rpc.DefaultClientConfig(anvil.url)
	cfg.Logger = quietLogger()
	client := rpc.NewHTTPClient(cfg)
	ctx := context.Background()

	chainID, err := client.ChainID(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, anvilChainID, chainID.Int64())

	accounts, err := account.LoadTestAccounts()
	require.NoError(t, err)

	// Anvil prefunds the development accounts
	balance, err := client.GetBalance(ctx, accounts[0].Address)
	require.NoError(t, err)
	assert.Positive(t, balance.Sign(), "development account holds %s wei", balance)

	nonce, err := client.GetNonce(ctx, accounts[0].Address, rpc.TagPending)
	require.NoError(t, err)
	assert.Zero(t, nonce)
}

// TestSimulationAgainstAnvil runs a counted simulation against an external node.
func TestSimulationAgainstAnvil(t *testing.T) {
	anvil := startAnvil(t)

	cfg := config.Default()
	cfg.Client.Host = "127.0.0.1"
	cfg.Client.Port = anvil.port
	cfg.Client.DataDir = t.TempDir()
	cfg.Workload.Seed = 1
	cfg.Run = config.RunConfig{Count: 50}
	require.NoError(t, cfg.Validate())

	store, err := storage.NewSQLiteStorage(filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	defer store.Close()

	sim, err := simulator.New(cfg, simulator.WithStorage(store), simulator.WithLogger(quietLogger()))
	require.NoError(t, err)
	defer sim.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	record, err := sim.Run(ctx, simulator.RunRequest{Stop: cfg.Run.StopCondition()})
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, record.Status)
	assert.EqualValues(t, 50, record.Succeeded, "failed %d", record.Failed)

	logs, err := store.GetTxLogs(ctx, record.ID, 100, 0)
	require.NoError(t, err)
	for _, tx := range logs.Items {
		assert.NotEmpty(t, tx.TxHash, "transfer %d: %s", tx.Seq, tx.Error)
	}
}

// TestRealtimeDurationRun checks that a realtime run stops on simulated time.
func TestRealtimeDurationRun(t *testing.T) {
	anvil := startAnvil(t)

	cfg := config.Default()
	cfg.Client.Host = "127.0.0.1"
	cfg.Client.Port = anvil.port
	cfg.Client.DataDir = t.TempDir()
	cfg.Workload.Seed = 2
	cfg.Workload.Intervals.Period = 100 * time.Millisecond
	cfg.Run = config.RunConfig{Duration: 2 * time.Second, Realtime: true}
	require.NoError(t, cfg.Validate())

	sim, err := simulator.New(cfg, simulator.WithLogger(quietLogger()))
	require.NoError(t, err)
	defer sim.Close()

	start := time.Now()
	record, err := sim.Run(context.Background(), simulator.RunRequest{Stop: simulation.StopCondition{Duration: 2 * time.Second}})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), time.Second, "realtime run should take about 2s")
	assert.LessOrEqual(t, record.SimulatedSeconds, 2.0)
}

// TestSupervisedGeth initializes a ledger, launches geth and submits transfers.
func TestSupervisedGeth(t *testing.T) {
	if _, err := exec.LookPath("geth"); err != nil {
		t.Skip("geth not installed, skipping integration test")
	}

	cfg := config.Default()
	cfg.Client.Kind = "geth"
	cfg.Client.Host = "127.0.0.1"
	cfg.Client.Port = freePort(t)
	cfg.Client.DataDir = t.TempDir()
	cfg.Client.PollAttempts = 60
	cfg.Client.PollInterval = 500 * time.Millisecond
	cfg.Workload.Seed = 3
	cfg.Run = config.RunConfig{Count: 10}
	require.NoError(t, cfg.Validate())

	sim, err := simulator.New(cfg, simulator.WithLogger(quietLogger()))
	require.NoError(t, err)
	defer sim.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	require.NoError(t, sim.InitializeLedger(ctx), sim.Supervisor().Diagnostics())
	record, err := sim.Run(ctx, simulator.RunRequest{Stop: cfg.Run.StopCondition()})
	require.NoError(t, err, sim.Supervisor().Diagnostics())
	assert.EqualValues(t, 10, record.Succeeded, "failed %d", record.Failed)
}
