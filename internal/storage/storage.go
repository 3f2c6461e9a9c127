// Package storage persists simulation runs and their transfer attempts.
package storage

import (
	"context"
	"errors"

	"github.com/gateway-fm/ethsimulator/pkg/types"
)

// ErrNotFound is returned when a run does not exist.
var ErrNotFound = errors.New("run not found")

// Storage defines the persistence interface for simulation history.
type Storage interface {
	// Run lifecycle
	CreateRun(ctx context.Context, run *types.RunRecord) error
	CompleteRun(ctx context.Context, run *types.RunRecord) error
	GetRun(ctx context.Context, id string) (*types.RunRecord, error)

	// History queries
	ListRuns(ctx context.Context, limit, offset int) (*types.Page[types.RunRecord], error)
	DeleteRun(ctx context.Context, id string) error

	// Transfer log bulk operations (called after a run finishes)
	BulkInsertTxLogs(ctx context.Context, runID string, logs []types.TxRecord) error
	GetTxLogs(ctx context.Context, runID string, limit, offset int) (*types.Page[types.TxRecord], error)

	// Lifecycle
	Close() error
}
