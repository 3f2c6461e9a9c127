// Package simulator runs workloads against a supervised execution client and
// keeps their history.
package simulator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gateway-fm/ethsimulator/internal/config"
	"github.com/gateway-fm/ethsimulator/internal/metrics"
	"github.com/gateway-fm/ethsimulator/internal/sampler"
	"github.com/gateway-fm/ethsimulator/internal/sender"
	"github.com/gateway-fm/ethsimulator/internal/simulation"
	"github.com/gateway-fm/ethsimulator/internal/storage"
	"github.com/gateway-fm/ethsimulator/internal/supervisor"
	"github.com/gateway-fm/ethsimulator/pkg/types"
)

var (
	// ErrRunInProgress is returned by Start while another run is active.
	ErrRunInProgress = errors.New("a simulation run is already in progress")

	// ErrNoActiveRun is returned by Stop when nothing is running.
	ErrNoActiveRun = errors.New("no simulation run in progress")

	// ErrNoStorage is returned by history queries when no database is configured.
	ErrNoStorage = errors.New("run history is not configured")
)

// persistTimeout bounds writing a finished run, which happens after the run
// context may already be cancelled.
const persistTimeout = 30 * time.Second

// RunRequest describes one run. Nil fields fall back to the configuration.
type RunRequest struct {
	Stop     simulation.StopCondition
	Seed     *uint64
	Realtime *bool
}

// RequestFromAPI converts a start request of the HTTP API.
func RequestFromAPI(req types.StartRequest) RunRequest {
	return RunRequest{
		Stop: simulation.StopCondition{
			Duration: time.Duration(req.DurationSeconds * float64(time.Second)),
			Count:    req.Count,
		},
		Seed:     req.Seed,
		Realtime: req.Realtime,
	}
}

// Option configures a Simulator.
type Option func(*Simulator)

// WithStorage persists runs and their transfer logs.
func WithStorage(st storage.Storage) Option { return func(s *Simulator) { s.store = st } }

// WithMetrics exports Prometheus metrics.
func WithMetrics(m *metrics.PrometheusMetrics) Option { return func(s *Simulator) { s.prom = m } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(s *Simulator) { s.logger = l } }

// WithSupervisorOptions passes options to the supervisor, e.g. a custom runner.
func WithSupervisorOptions(opts ...supervisor.Option) Option {
	return func(s *Simulator) { s.supOpts = append(s.supOpts, opts...) }
}

// Simulator owns the supervisor and runs at most one simulation at a time.
type Simulator struct {
	cfg     *config.Config
	sup     *supervisor.Supervisor
	supOpts []supervisor.Option
	store   storage.Storage
	prom    *metrics.PrometheusMetrics
	tracker *metrics.Tracker
	logger  *slog.Logger

	mu     sync.Mutex
	active bool
	cancel context.CancelFunc
	done   chan struct{}
}

// New builds a simulator from a validated configuration. It does not touch
// the node.
func New(cfg *config.Config, opts ...Option) (*Simulator, error) {
	s := &Simulator{cfg: cfg, tracker: metrics.NewTracker()}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}

	supCfg, err := cfg.Supervisor()
	if err != nil {
		return nil, err
	}
	s.sup, err = supervisor.New(supCfg, append(s.supOpts, supervisor.WithLogger(s.logger))...)
	if err != nil {
		return nil, fmt.Errorf("supervisor: %w", err)
	}
	if s.prom != nil {
		s.prom.SetRunState(types.StatusIdle)
	}
	return s, nil
}

// Supervisor returns the node supervisor.
func (s *Simulator) Supervisor() *supervisor.Supervisor { return s.sup }

// Status returns the live status of the current or last run.
func (s *Simulator) Status() types.SimulationStatus {
	st := s.tracker.Status()
	if st.Status == types.StatusIdle {
		st.Client = string(s.sup.Kind())
		st.Endpoint = s.sup.Endpoint()
	}
	return st
}

// Ready reports whether the node answers on the configured endpoint.
func (s *Simulator) Ready(ctx context.Context) error {
	err := s.sup.Alive(ctx)
	if s.prom != nil {
		s.prom.SetNodeUp(err == nil)
	}
	return err
}

// Run performs one simulation and blocks until it ends. Cancelling ctx stops
// the run; the record is still stored with status cancelled.
func (s *Simulator) Run(ctx context.Context, req RunRequest) (*types.RunRecord, error) {
	if err := req.Stop.Validate(); err != nil {
		return nil, err
	}
	if !s.acquire(nil, nil) {
		return nil, ErrRunInProgress
	}
	defer s.release()
	return s.run(ctx, uuid.NewString(), req)
}

// Start launches a simulation in the background and returns its run id.
func (s *Simulator) Start(req RunRequest) (string, error) {
	if err := req.Stop.Validate(); err != nil {
		return "", err
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	if !s.acquire(cancel, done) {
		cancel()
		return "", ErrRunInProgress
	}

	runID := uuid.NewString()
	// status moves to initializing before Start returns so pollers never
	// observe a stale idle state
	s.tracker.Begin(metrics.RunInfo{RunID: runID})
	go func() {
		defer close(done)
		defer s.release()
		defer cancel()
		if _, err := s.run(ctx, runID, req); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error("simulation run failed", slog.String("run_id", runID), slog.String("error", err.Error()))
		}
	}()
	return runID, nil
}

// Stop cancels the active background run and waits for it to be stored.
func (s *Simulator) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()
	if cancel == nil {
		return ErrNoActiveRun
	}

	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops any active run and the supervised client.
func (s *Simulator) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := s.Stop(ctx); err != nil && !errors.Is(err, ErrNoActiveRun) {
		s.logger.Warn("stopping active run", slog.String("error", err.Error()))
	}
	return s.sup.Stop()
}

func (s *Simulator) acquire(cancel context.CancelFunc, done chan struct{}) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active {
		return false
	}
	s.active = true
	s.cancel = cancel
	s.done = done
	return true
}

func (s *Simulator) release() {
	s.mu.Lock()
	s.active = false
	s.cancel = nil
	s.done = nil
	s.mu.Unlock()
}

func (s *Simulator) run(ctx context.Context, runID string, req RunRequest) (*types.RunRecord, error) {
	logger := s.logger.With(slog.String("run_id", runID))

	seed := s.cfg.Workload.Seed
	if req.Seed != nil {
		seed = *req.Seed
	}
	if seed == 0 {
		seed = rand.Uint64()
	}
	realtime := s.cfg.Run.Realtime
	if req.Realtime != nil {
		realtime = *req.Realtime
	}

	record := &types.RunRecord{
		ID:        runID,
		StartedAt: time.Now(),
		Status:    types.StatusInitializing,
		Client:    string(s.sup.Kind()),
		Endpoint:  s.sup.Endpoint(),
		Mode:      types.StopMode(req.Stop.Mode()),
		Bound:     req.Stop.Value(),
		Seed:      seed,
		Realtime:  realtime,
	}
	if raw, err := json.Marshal(s.cfg.Workload.Sampler()); err == nil {
		record.Config = string(raw)
	}

	s.tracker.Begin(metrics.RunInfo{
		RunID:    runID,
		Mode:     record.Mode,
		Bound:    record.Bound,
		Realtime: realtime,
		Seed:     seed,
		Client:   record.Client,
		Endpoint: record.Endpoint,
	})
	s.setRunState(types.StatusInitializing)
	logger.Info("preparing simulation", slog.Uint64("seed", seed), slog.String("mode", string(record.Mode)), slog.Int64("bound", record.Bound))

	loop, recorder, err := s.prepare(ctx, runID, seed, realtime, logger)
	if err != nil {
		return s.fail(record, err, logger)
	}
	record.Accounts = s.tracker.Status().Accounts

	if s.store != nil {
		if err := s.store.CreateRun(ctx, record); err != nil {
			logger.Warn("failed to store run", slog.String("error", err.Error()))
		}
	}

	s.tracker.SetStatus(types.StatusRunning, nil)
	s.setRunState(types.StatusRunning)
	record.Status = types.StatusRunning

	summary, runErr := loop.Run(ctx, req.Stop)

	record.Attempts = int64(summary.Attempts)
	record.Succeeded = int64(summary.Succeeded)
	record.Failed = int64(summary.Failed)
	record.SimulatedSeconds = summary.SimulatedTime.Seconds()
	record.WallSeconds = summary.WallTime.Seconds()
	switch {
	case runErr == nil:
		record.Status = types.StatusCompleted
	case summary.Cancelled && errors.Is(runErr, ctx.Err()):
		record.Status = types.StatusCancelled
		runErr = nil
	default:
		record.Status = types.StatusError
		record.Error = runErr.Error()
	}
	s.finish(ctx, record, recorder, runErr, logger)
	return record, runErr
}

// prepare connects to the node and builds the loop and its observers.
func (s *Simulator) prepare(ctx context.Context, runID string, seed uint64, realtime bool, logger *slog.Logger) (*simulation.Loop, *storage.Recorder, error) {
	conn, err := s.sup.Connect(ctx)
	if s.prom != nil {
		s.prom.SetNodeUp(err == nil)
	}
	if err != nil {
		if out := s.sup.Diagnostics(); out != "" {
			logger.Error("execution client output", slog.String("output", out))
		}
		return nil, nil, err
	}
	s.tracker.Update(func(info *metrics.RunInfo) { info.Endpoint = conn.Endpoint })

	accounts, err := s.loadAccounts(ctx)
	if err != nil {
		return nil, nil, err
	}
	s.tracker.Update(func(info *metrics.RunInfo) { info.Accounts = accounts.Len() })

	workload, err := sampler.New(s.cfg.Workload.Sampler())
	if err != nil {
		return nil, nil, err
	}

	observers := []simulation.Observer{s.tracker}
	if s.prom != nil {
		s.prom.Reset()
		observers = append(observers, s.prom)
	}
	var recorder *storage.Recorder
	if s.store != nil {
		recorder = storage.NewRecorder(runID, s.cfg.Storage.MaxTxLogs)
		observers = append(observers, recorder)
	}

	loop, err := simulation.New(simulation.Config{
		Accounts:  accounts,
		Sender:    sender.New(s.sup, s.cfg.SenderConfig(), logger),
		Workload:  workload,
		Rand:      sampler.NewRand(seed),
		Observers: observers,
		Logger:    logger,
		Realtime:  realtime,
	})
	if err != nil {
		return nil, nil, err
	}
	return loop, recorder, nil
}

func (s *Simulator) fail(record *types.RunRecord, err error, logger *slog.Logger) (*types.RunRecord, error) {
	record.Status = types.StatusError
	record.Error = err.Error()
	if s.store != nil {
		// failed runs never reached CreateRun
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		if cerr := s.store.CreateRun(ctx, record); cerr != nil {
			logger.Warn("failed to store run", slog.String("error", cerr.Error()))
		}
	}
	s.finish(context.Background(), record, nil, err, logger)
	return record, err
}

func (s *Simulator) finish(ctx context.Context, record *types.RunRecord, recorder *storage.Recorder, runErr error, logger *slog.Logger) {
	now := time.Now()
	record.CompletedAt = &now

	s.tracker.SetStatus(record.Status, runErr)
	if s.prom != nil {
		s.prom.RecordRunFinished(record.Status)
	}

	if s.store != nil {
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
		defer cancel()
		if recorder != nil {
			if dropped := recorder.Dropped(); dropped > 0 {
				logger.Warn("transfer log limit reached", slog.Int("dropped", dropped))
			}
			if err := recorder.Flush(pctx, s.store); err != nil {
				logger.Warn("failed to store transfer logs", slog.String("error", err.Error()))
			}
		}
		if err := s.store.CompleteRun(pctx, record); err != nil {
			logger.Warn("failed to complete run", slog.String("error", err.Error()))
		}
	}

	logger.Info("simulation finished",
		slog.String("status", string(record.Status)),
		slog.Int64("attempts", record.Attempts),
		slog.Int64("succeeded", record.Succeeded),
		slog.Int64("failed", record.Failed))
}

func (s *Simulator) setRunState(status types.RunStatus) {
	if s.prom != nil {
		s.prom.SetRunState(status)
	}
}

// History returns a page of stored runs.
func (s *Simulator) History(ctx context.Context, limit, offset int) (*types.Page[types.RunRecord], error) {
	if s.store == nil {
		return nil, ErrNoStorage
	}
	return s.store.ListRuns(ctx, limit, offset)
}

// GetRun returns one stored run.
func (s *Simulator) GetRun(ctx context.Context, id string) (*types.RunRecord, error) {
	if s.store == nil {
		return nil, ErrNoStorage
	}
	return s.store.GetRun(ctx, id)
}

// Transactions returns a page of a run's transfer log.
func (s *Simulator) Transactions(ctx context.Context, id string, limit, offset int) (*types.Page[types.TxRecord], error) {
	if s.store == nil {
		return nil, ErrNoStorage
	}
	if _, err := s.store.GetRun(ctx, id); err != nil {
		return nil, err
	}
	return s.store.GetTxLogs(ctx, id, limit, offset)
}

// DeleteRun removes a stored run and its transfer log. The active run cannot
// be deleted.
func (s *Simulator) DeleteRun(ctx context.Context, id string) error {
	if s.store == nil {
		return ErrNoStorage
	}
	if st := s.tracker.Status(); st.RunID == id && st.Status != types.StatusIdle && !st.Status.Terminal() {
		return ErrRunInProgress
	}
	return s.store.DeleteRun(ctx, id)
}
