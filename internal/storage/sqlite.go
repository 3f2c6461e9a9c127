package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/gateway-fm/ethsimulator/pkg/types"
)

// SQLiteStorage implements Storage using SQLite.
type SQLiteStorage struct {
	db *sql.DB
}

var _ Storage = (*SQLiteStorage)(nil)

// NewSQLiteStorage creates a new SQLite storage instance. The special path
// ":memory:" opens a private in-memory database.
func NewSQLiteStorage(dbPath string) (*SQLiteStorage, error) {
	dsn := ":memory:?_foreign_keys=ON"
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		// WAL mode for concurrent readers while a run is being written
		dsn = fmt.Sprintf("%s?_journal=WAL&_sync=NORMAL&_cache_size=10000&_foreign_keys=ON", dbPath)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// every connection would otherwise see its own empty database
		db.SetMaxOpenConns(1)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &SQLiteStorage{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return s, nil
}

func (s *SQLiteStorage) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS simulation_runs (
		id TEXT PRIMARY KEY,
		started_at DATETIME NOT NULL,
		completed_at DATETIME,
		status TEXT NOT NULL DEFAULT 'running',
		client TEXT NOT NULL,
		endpoint TEXT NOT NULL,
		stop_mode TEXT NOT NULL,
		stop_bound INTEGER NOT NULL,
		seed TEXT NOT NULL,
		realtime INTEGER DEFAULT 0,
		accounts INTEGER DEFAULT 0,
		attempts INTEGER DEFAULT 0,
		succeeded INTEGER DEFAULT 0,
		failed INTEGER DEFAULT 0,
		simulated_seconds REAL DEFAULT 0,
		wall_seconds REAL DEFAULT 0,
		config TEXT,
		error_message TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_simulation_runs_started ON simulation_runs(started_at DESC);

	CREATE TABLE IF NOT EXISTS tx_logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		tx_hash TEXT,
		from_address TEXT NOT NULL,
		to_address TEXT NOT NULL,
		amount_ether REAL NOT NULL,
		nonce INTEGER,
		gas_price_wei TEXT,
		status TEXT NOT NULL,
		error_reason TEXT,
		sim_time_ms INTEGER NOT NULL,
		sent_at DATETIME NOT NULL,
		latency_ms REAL DEFAULT 0,
		FOREIGN KEY (run_id) REFERENCES simulation_runs(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_tx_logs_run ON tx_logs(run_id, seq);
	CREATE INDEX IF NOT EXISTS idx_tx_logs_hash ON tx_logs(tx_hash);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// CreateRun inserts a run record when a simulation starts.
func (s *SQLiteStorage) CreateRun(ctx context.Context, run *types.RunRecord) error {
	status := run.Status
	if status == "" {
		status = types.StatusRunning
	}
	// seeds use the full uint64 range, which SQLite integers cannot hold
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO simulation_runs (id, started_at, status, client, endpoint, stop_mode, stop_bound,
			seed, realtime, accounts, config)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, run.ID, run.StartedAt, string(status), run.Client, run.Endpoint, string(run.Mode), run.Bound,
		fmt.Sprint(run.Seed), run.Realtime, run.Accounts, nullString(run.Config))
	return err
}

// CompleteRun stores the final statistics of a run.
func (s *SQLiteStorage) CompleteRun(ctx context.Context, run *types.RunRecord) error {
	completedAt := time.Now()
	if run.CompletedAt != nil {
		completedAt = *run.CompletedAt
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE simulation_runs SET
			completed_at = ?,
			status = ?,
			client = ?,
			endpoint = ?,
			accounts = ?,
			attempts = ?,
			succeeded = ?,
			failed = ?,
			simulated_seconds = ?,
			wall_seconds = ?,
			error_message = ?
		WHERE id = ?
	`, completedAt, string(run.Status), run.Client, run.Endpoint, run.Accounts,
		run.Attempts, run.Succeeded, run.Failed, run.SimulatedSeconds, run.WallSeconds,
		nullString(run.Error), run.ID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, run.ID)
	}
	return nil
}

const runColumns = `id, started_at, completed_at, status, client, endpoint, stop_mode, stop_bound,
	seed, realtime, accounts, attempts, succeeded, failed, simulated_seconds, wall_seconds,
	config, error_message`

// GetRun retrieves a single run by ID.
func (s *SQLiteStorage) GetRun(ctx context.Context, id string) (*types.RunRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM simulation_runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return run, err
}

// ListRuns returns a page of runs, newest first.
func (s *SQLiteStorage) ListRuns(ctx context.Context, limit, offset int) (*types.Page[types.RunRecord], error) {
	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM simulation_runs").Scan(&total); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+runColumns+`
		FROM simulation_runs
		ORDER BY started_at DESC
		LIMIT ? OFFSET ?
	`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	runs := []types.RunRecord{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return &types.Page[types.RunRecord]{Items: runs, Total: total, Limit: limit, Offset: offset}, nil
}

// DeleteRun deletes a run and its transfer log.
func (s *SQLiteStorage) DeleteRun(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM simulation_runs WHERE id = ?", id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// BulkInsertTxLogs inserts transfer logs in a single transaction so the fsync
// cost is paid once.
func (s *SQLiteStorage) BulkInsertTxLogs(ctx context.Context, runID string, logs []types.TxRecord) error {
	if len(logs) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO tx_logs (run_id, seq, tx_hash, from_address, to_address, amount_ether, nonce,
			gas_price_wei, status, error_reason, sim_time_ms, sent_at, latency_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, log := range logs {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var nonce sql.NullInt64
		if log.Nonce != nil {
			nonce = sql.NullInt64{Int64: int64(*log.Nonce), Valid: true}
		}
		_, err := stmt.ExecContext(ctx, runID, log.Seq, nullString(log.TxHash), log.From, log.To,
			log.AmountEther, nonce, nullString(log.GasPriceWei), log.Status, nullString(log.Error),
			log.SimTimeMs, log.SentAt, log.LatencyMs)
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

// GetTxLogs retrieves a page of transfer logs for a run, in attempt order.
func (s *SQLiteStorage) GetTxLogs(ctx context.Context, runID string, limit, offset int) (*types.Page[types.TxRecord], error) {
	var total int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM tx_logs WHERE run_id = ?", runID).Scan(&total)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, tx_hash, from_address, to_address, amount_ether, nonce, gas_price_wei,
			status, error_reason, sim_time_ms, sent_at, latency_ms
		FROM tx_logs
		WHERE run_id = ?
		ORDER BY seq
		LIMIT ? OFFSET ?
	`, runID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := []types.TxRecord{}
	for rows.Next() {
		log := types.TxRecord{RunID: runID}
		var txHash, gasPrice, errorReason sql.NullString
		var nonce sql.NullInt64

		err := rows.Scan(&log.Seq, &txHash, &log.From, &log.To, &log.AmountEther, &nonce, &gasPrice,
			&log.Status, &errorReason, &log.SimTimeMs, &log.SentAt, &log.LatencyMs)
		if err != nil {
			return nil, err
		}

		log.TxHash = txHash.String
		log.GasPriceWei = gasPrice.String
		log.Error = errorReason.String
		if nonce.Valid {
			n := uint64(nonce.Int64)
			log.Nonce = &n
		}
		logs = append(logs, log)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return &types.Page[types.TxRecord]{Items: logs, Total: total, Limit: limit, Offset: offset}, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*types.RunRecord, error) {
	var run types.RunRecord
	var completedAt sql.NullTime
	var status, mode, seed string
	var config, errorMsg sql.NullString

	err := row.Scan(&run.ID, &run.StartedAt, &completedAt, &status, &run.Client, &run.Endpoint,
		&mode, &run.Bound, &seed, &run.Realtime, &run.Accounts, &run.Attempts, &run.Succeeded,
		&run.Failed, &run.SimulatedSeconds, &run.WallSeconds, &config, &errorMsg)
	if err != nil {
		return nil, err
	}

	run.Status = types.RunStatus(status)
	run.Mode = types.StopMode(mode)
	if _, err := fmt.Sscan(seed, &run.Seed); err != nil {
		return nil, fmt.Errorf("run %s: bad seed %q: %w", run.ID, seed, err)
	}
	if completedAt.Valid {
		t := completedAt.Time
		run.CompletedAt = &t
	}
	run.Config = config.String
	run.Error = errorMsg.String
	return &run, nil
}

func nullString(v string) sql.NullString {
	if v == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: v, Valid: true}
}
