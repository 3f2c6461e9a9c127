package storage

import (
	"context"
	"fmt"
	"sync"

	"github.com/gateway-fm/ethsimulator/internal/simulation"
	"github.com/gateway-fm/ethsimulator/pkg/types"
)

// TxStatus values of a stored transfer.
const (
	TxSubmitted = "submitted"
	TxFailed    = "failed"
)

// Recorder buffers the transfer attempts of one run in memory and writes them
// in bulk when the run ends. It implements simulation.Observer.
type Recorder struct {
	mu      sync.Mutex
	runID   string
	limit   int
	records []types.TxRecord
	dropped int
}

// NewRecorder returns a recorder for runID keeping at most limit records;
// limit <= 0 means unbounded.
func NewRecorder(runID string, limit int) *Recorder {
	return &Recorder{runID: runID, limit: limit}
}

// ObserveAttempt converts the attempt into a TxRecord.
func (r *Recorder) ObserveAttempt(a simulation.Attempt) {
	rec := types.TxRecord{
		RunID:       r.runID,
		Seq:         a.Seq,
		From:        a.From.Hex(),
		To:          a.To.Hex(),
		AmountEther: a.Amount,
		Status:      TxSubmitted,
		SimTimeMs:   a.SimTime.Milliseconds(),
		SentAt:      a.StartedAt,
		LatencyMs:   float64(a.Latency.Microseconds()) / 1000,
	}
	if a.Err != nil {
		rec.Status = TxFailed
		rec.Error = a.Err.Error()
	}
	if res := a.Result; res != nil {
		rec.TxHash = res.Hash.Hex()
		nonce := res.Nonce
		rec.Nonce = &nonce
		if res.GasPrice != nil {
			rec.GasPriceWei = res.GasPrice.String()
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.limit > 0 && len(r.records) >= r.limit {
		r.dropped++
		return
	}
	r.records = append(r.records, rec)
}

// Len returns the number of buffered records.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

// Dropped returns how many attempts exceeded the buffer limit.
func (r *Recorder) Dropped() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

// Flush writes the buffered records to s and clears the buffer.
func (r *Recorder) Flush(ctx context.Context, s Storage) error {
	r.mu.Lock()
	records := r.records
	r.records = nil
	r.mu.Unlock()

	if err := s.BulkInsertTxLogs(ctx, r.runID, records); err != nil {
		return fmt.Errorf("store %d transfer logs: %w", len(records), err)
	}
	return nil
}
