package metrics

import (
	"sync"
	"time"

	"github.com/gateway-fm/ethsimulator/internal/sender"
	"github.com/gateway-fm/ethsimulator/internal/simulation"
	"github.com/gateway-fm/ethsimulator/pkg/types"
)

// RunInfo describes the run a Tracker reports on.
type RunInfo struct {
	RunID    string
	Mode     types.StopMode
	Bound    int64
	Realtime bool
	Seed     uint64
	Client   string
	Endpoint string
	Accounts int
}

// Tracker maintains the live status of the current run. It implements
// simulation.Observer and is safe for concurrent use.
type Tracker struct {
	mu sync.RWMutex

	info      RunInfo
	status    types.RunStatus
	startedAt time.Time
	endedAt   time.Time
	simTime   time.Duration

	attempts  int64
	succeeded int64
	failed    int64
	volume    float64
	errors    map[string]int64
	lastHash  string
	lastError string
	fatal     string

	latency *LatencyReservoir
	now     func() time.Time
}

// NewTracker returns an idle tracker.
func NewTracker() *Tracker {
	return &Tracker{
		status:  types.StatusIdle,
		errors:  make(map[string]int64),
		latency: NewLatencyReservoir(DefaultReservoirSize),
		now:     time.Now,
	}
}

// Begin resets all counters and marks a new run as initializing.
func (t *Tracker) Begin(info RunInfo) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.info = info
	t.status = types.StatusInitializing
	t.startedAt = t.now()
	t.endedAt = time.Time{}
	t.simTime = 0
	t.attempts, t.succeeded, t.failed = 0, 0, 0
	t.volume = 0
	t.errors = make(map[string]int64)
	t.lastHash, t.lastError, t.fatal = "", "", ""
	t.latency.Reset()
}

// Update amends the run description once the connection details are known.
func (t *Tracker) Update(fn func(*RunInfo)) {
	t.mu.Lock()
	fn(&t.info)
	t.mu.Unlock()
}

// SetStatus moves the run to status. Terminal statuses freeze the wall clock;
// err, if non-nil, is reported as the run's fatal error.
func (t *Tracker) SetStatus(status types.RunStatus, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if status == types.StatusRunning && t.status != types.StatusRunning {
		t.startedAt = t.now()
	}
	t.status = status
	if status.Terminal() {
		t.endedAt = t.now()
	}
	if err != nil {
		t.fatal = err.Error()
	}
}

// ObserveAttempt folds one attempt into the live counters.
func (t *Tracker) ObserveAttempt(a simulation.Attempt) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.attempts++
	t.simTime = a.SimTime + a.Interval
	if a.Succeeded() {
		t.succeeded++
		t.volume += a.Amount
		if a.Result != nil {
			t.lastHash = a.Result.Hash.Hex()
		}
		t.latency.Observe(a.Latency)
		return
	}
	t.failed++
	t.errors[sender.Category(a.Err)]++
	t.lastError = a.Err.Error()
}

// Status returns a snapshot of the live status.
func (t *Tracker) Status() types.SimulationStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()

	s := types.SimulationStatus{
		RunID:            t.info.RunID,
		Status:           t.status,
		Mode:             t.info.Mode,
		Bound:            t.info.Bound,
		Realtime:         t.info.Realtime,
		Seed:             t.info.Seed,
		Client:           t.info.Client,
		Endpoint:         t.info.Endpoint,
		Accounts:         t.info.Accounts,
		SimulatedSeconds: t.simTime.Seconds(),
		Attempts:         t.attempts,
		Succeeded:        t.succeeded,
		Failed:           t.failed,
		VolumeEther:      t.volume,
		LastTxHash:       t.lastHash,
		LastError:        t.lastError,
		Error:            t.fatal,
	}
	if t.status == types.StatusIdle {
		return s
	}

	started := t.startedAt
	s.StartedAt = &started
	end := t.now()
	if !t.endedAt.IsZero() {
		end = t.endedAt
	}
	elapsed := end.Sub(started).Seconds()
	s.ElapsedSeconds = elapsed
	if elapsed > 0 {
		s.AttemptRate = float64(t.attempts) / elapsed
	}
	if len(t.errors) > 0 {
		s.ErrorsByCategory = make(map[string]int64, len(t.errors))
		for k, v := range t.errors {
			s.ErrorsByCategory[k] = v
		}
	}
	s.SubmitLatency = t.latency.Stats()
	return s
}
