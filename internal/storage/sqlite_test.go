package storage

import (
	"context"
	"fmt"
	"math/big"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gateway-fm/ethsimulator/internal/sender"
	"github.com/gateway-fm/ethsimulator/internal/simulation"
	"github.com/gateway-fm/ethsimulator/pkg/types"
)

func TestNullString(t *testing.T) {
	assert.False(t, nullString("").Valid)

	got := nullString("hello")
	assert.True(t, got.Valid)
	assert.Equal(t, "hello", got.String)
}

// createTestStorage creates a new SQLite storage in a temporary directory.
func createTestStorage(t *testing.T) *SQLiteStorage {
	t.Helper()
	storage, err := NewSQLiteStorage(filepath.Join(t.TempDir(), "db", "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { storage.Close() })
	return storage
}

func newRun(id string, started time.Time) *types.RunRecord {
	return &types.RunRecord{
		ID:        id,
		StartedAt: started,
		Status:    types.StatusRunning,
		Client:    "geth",
		Endpoint:  "http://127.0.0.1:8545",
		Mode:      types.StopByCount,
		Bound:     100,
		Seed:      ^uint64(0),
		Accounts:  10,
		Config:    `{"pairs":{"distribution":"uniform"}}`,
	}
}

func TestInMemoryStorage(t *testing.T) {
	storage, err := NewSQLiteStorage(":memory:")
	require.NoError(t, err)
	defer storage.Close()

	ctx := context.Background()
	require.NoError(t, storage.CreateRun(ctx, newRun("mem", time.Now())))
	_, err = storage.GetRun(ctx, "mem")
	assert.NoError(t, err)
}

func TestCreateAndGetRun(t *testing.T) {
	storage := createTestStorage(t)
	ctx := context.Background()
	started := time.Now().UTC().Truncate(time.Second)

	require.NoError(t, storage.CreateRun(ctx, newRun("run-1", started)))

	got, err := storage.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusRunning, got.Status)
	assert.Equal(t, ^uint64(0), got.Seed, "the full uint64 seed range survives")
	assert.Equal(t, types.StopByCount, got.Mode)
	assert.EqualValues(t, 100, got.Bound)
	assert.True(t, got.StartedAt.Equal(started), "StartedAt = %v, want %v", got.StartedAt, started)
	assert.Nil(t, got.CompletedAt)
	assert.NotEmpty(t, got.Config)
}

func TestGetRun_NotFound(t *testing.T) {
	_, err := createTestStorage(t).GetRun(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCompleteRun(t *testing.T) {
	storage := createTestStorage(t)
	ctx := context.Background()

	run := newRun("run-2", time.Now())
	require.NoError(t, storage.CreateRun(ctx, run))

	done := time.Now()
	run.CompletedAt = &done
	run.Status = types.StatusError
	run.Attempts, run.Succeeded, run.Failed = 10, 7, 3
	run.SimulatedSeconds = 12.5
	run.WallSeconds = 0.4
	run.Error = "connection lost"
	require.NoError(t, storage.CompleteRun(ctx, run))

	got, err := storage.GetRun(ctx, "run-2")
	require.NoError(t, err)
	assert.Equal(t, types.StatusError, got.Status)
	assert.Equal(t, "connection lost", got.Error)
	assert.EqualValues(t, 10, got.Attempts)
	assert.EqualValues(t, 7, got.Succeeded)
	assert.EqualValues(t, 3, got.Failed)
	assert.NotNil(t, got.CompletedAt)
	assert.Equal(t, 12.5, got.SimulatedSeconds)

	assert.ErrorIs(t, storage.CompleteRun(ctx, &types.RunRecord{ID: "missing"}), ErrNotFound)
}

func TestListRuns(t *testing.T) {
	storage := createTestStorage(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)

	for i := 0; i < 5; i++ {
		require.NoError(t, storage.CreateRun(ctx, newRun(fmt.Sprintf("run-%d", i), base.Add(time.Duration(i)*time.Minute))))
	}

	page, err := storage.ListRuns(ctx, 2, 0)
	require.NoError(t, err)
	assert.Equal(t, 5, page.Total)
	require.Len(t, page.Items, 2)
	assert.Equal(t, "run-4", page.Items[0].ID, "newest first")
	assert.Equal(t, "run-3", page.Items[1].ID)

	page, err = storage.ListRuns(ctx, 10, 4)
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "run-0", page.Items[0].ID)
}

func TestListRuns_Empty(t *testing.T) {
	page, err := createTestStorage(t).ListRuns(context.Background(), 10, 0)
	require.NoError(t, err)
	assert.NotNil(t, page.Items)
	assert.Empty(t, page.Items)
}

func TestBulkInsertAndGetTxLogs(t *testing.T) {
	storage := createTestStorage(t)
	ctx := context.Background()
	require.NoError(t, storage.CreateRun(ctx, newRun("run-tx", time.Now())))

	nonce := uint64(3)
	sent := time.Now().UTC().Truncate(time.Millisecond)
	logs := []types.TxRecord{
		{Seq: 1, From: "0xb", To: "0xa", AmountEther: 2, Status: TxFailed, Error: "rejected", SimTimeMs: 900, SentAt: sent},
		{Seq: 0, TxHash: "0xabc", From: "0xa", To: "0xb", AmountEther: 1.5, Nonce: &nonce, GasPriceWei: "1000000000",
			Status: TxSubmitted, SimTimeMs: 0, SentAt: sent, LatencyMs: 2.5},
	}
	require.NoError(t, storage.BulkInsertTxLogs(ctx, "run-tx", logs))

	page, err := storage.GetTxLogs(ctx, "run-tx", 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, page.Total)
	require.Len(t, page.Items, 2)

	first := page.Items[0]
	assert.Equal(t, 0, first.Seq, "ordered by sequence")
	assert.Equal(t, "0xabc", first.TxHash)
	assert.Equal(t, "run-tx", first.RunID)
	require.NotNil(t, first.Nonce)
	assert.EqualValues(t, 3, *first.Nonce)
	assert.Equal(t, "1000000000", first.GasPriceWei)

	second := page.Items[1]
	assert.Nil(t, second.Nonce)
	assert.Equal(t, TxFailed, second.Status)
	assert.Equal(t, "rejected", second.Error)
}

func TestBulkInsertTxLogs_Empty(t *testing.T) {
	assert.NoError(t, createTestStorage(t).BulkInsertTxLogs(context.Background(), "any", nil))
}

func TestCascadeDelete(t *testing.T) {
	storage := createTestStorage(t)
	ctx := context.Background()

	require.NoError(t, storage.CreateRun(ctx, newRun("run-del", time.Now())))
	logs := []types.TxRecord{{Seq: 0, From: "0xa", To: "0xb", Status: TxSubmitted, SentAt: time.Now()}}
	require.NoError(t, storage.BulkInsertTxLogs(ctx, "run-del", logs))

	require.NoError(t, storage.DeleteRun(ctx, "run-del"))

	page, err := storage.GetTxLogs(ctx, "run-del", 10, 0)
	require.NoError(t, err)
	assert.Zero(t, page.Total)

	assert.ErrorIs(t, storage.DeleteRun(ctx, "run-del"), ErrNotFound)
}

func TestRecorder(t *testing.T) {
	storage := createTestStorage(t)
	ctx := context.Background()
	require.NoError(t, storage.CreateRun(ctx, newRun("run-rec", time.Now())))

	from := common.HexToAddress("0x1")
	to := common.HexToAddress("0x2")
	rec := NewRecorder("run-rec", 2)
	rec.ObserveAttempt(simulation.Attempt{
		Seq: 0, From: from, To: to, Amount: 1,
		Result:    &sender.Submission{Hash: common.HexToHash("0xfeed"), Nonce: 0, GasPrice: big.NewInt(7)},
		StartedAt: time.Now(),
		Latency:   1500 * time.Microsecond,
	})
	rec.ObserveAttempt(simulation.Attempt{
		Seq: 1, From: to, To: from, Amount: 2,
		Err:       sender.ErrNodeUnavailable,
		SimTime:   time.Second,
		StartedAt: time.Now(),
	})
	rec.ObserveAttempt(simulation.Attempt{Seq: 2, From: from, To: to, StartedAt: time.Now()})

	require.Equal(t, 2, rec.Len())
	require.Equal(t, 1, rec.Dropped())
	require.NoError(t, rec.Flush(ctx, storage))
	assert.Zero(t, rec.Len())

	page, err := storage.GetTxLogs(ctx, "run-rec", 10, 0)
	require.NoError(t, err)
	require.Len(t, page.Items, 2)

	ok, failed := page.Items[0], page.Items[1]
	assert.Equal(t, TxSubmitted, ok.Status)
	assert.Equal(t, "7", ok.GasPriceWei)
	assert.Equal(t, 1.5, ok.LatencyMs)
	assert.Equal(t, TxFailed, failed.Status)
	assert.NotEmpty(t, failed.Error)
	assert.EqualValues(t, 1000, failed.SimTimeMs)
}
