// Package types contains the public API types of the simulator's HTTP interface.
// These types form the external interface and must remain backwards-compatible.
package types

import "time"

// RunStatus represents the state of the current or last simulation run.
type RunStatus string

const (
	StatusIdle         RunStatus = "idle"
	StatusInitializing RunStatus = "initializing" // connecting to the node, loading accounts
	StatusRunning      RunStatus = "running"
	StatusCompleted    RunStatus = "completed"
	StatusCancelled    RunStatus = "cancelled"
	StatusError        RunStatus = "error"
)

// Terminal reports whether no further transitions happen from s.
func (s RunStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusError
}

// StopMode is how a run is bounded.
type StopMode string

const (
	StopByDuration StopMode = "duration"
	StopByCount    StopMode = "count"
)

// LatencyBucket represents a latency histogram bucket.
type LatencyBucket struct {
	Label string `json:"label"`
	Count int    `json:"count"`
}

// LatencyStats holds latency statistics.
type LatencyStats struct {
	Count   int             `json:"count"`
	Min     float64         `json:"min"`     // ms
	Max     float64         `json:"max"`     // ms
	Avg     float64         `json:"avg"`     // ms
	P50     float64         `json:"p50"`     // ms
	P75     float64         `json:"p75"`     // ms
	P90     float64         `json:"p90"`     // ms
	P95     float64         `json:"p95"`     // ms
	P99     float64         `json:"p99"`     // ms
	Buckets []LatencyBucket `json:"buckets"` // histogram
}

// SimulationStatus is the live view of the simulator.
type SimulationStatus struct {
	RunID    string    `json:"runId,omitempty"`
	Status   RunStatus `json:"status"`
	Mode     StopMode  `json:"mode,omitempty"`
	Bound    int64     `json:"bound,omitempty"` // ms of simulated time or number of attempts
	Realtime bool      `json:"realtime"`
	Seed     uint64    `json:"seed"`

	Client   string `json:"client"`
	Endpoint string `json:"endpoint"`
	Accounts int    `json:"accounts"`

	StartedAt        *time.Time `json:"startedAt,omitempty"`
	ElapsedSeconds   float64    `json:"elapsedSeconds"`
	SimulatedSeconds float64    `json:"simulatedSeconds"`

	Attempts    int64   `json:"attempts"`
	Succeeded   int64   `json:"succeeded"`
	Failed      int64   `json:"failed"`
	AttemptRate float64 `json:"attemptRate"` // attempts per wall-clock second
	VolumeEther float64 `json:"volumeEther"` // sum of accepted transfer amounts

	ErrorsByCategory map[string]int64 `json:"errorsByCategory,omitempty"`
	SubmitLatency    *LatencyStats    `json:"submitLatency,omitempty"`

	LastTxHash string `json:"lastTxHash,omitempty"`
	LastError  string `json:"lastError,omitempty"`
	Error      string `json:"error,omitempty"` // fatal error that ended the run
}

// StartRequest is the body of POST /v1/start. Exactly one of DurationSeconds
// and Count must be set.
type StartRequest struct {
	DurationSeconds float64 `json:"durationSeconds,omitempty"`
	Count           int     `json:"count,omitempty"`
	Seed            *uint64 `json:"seed,omitempty"`
	Realtime        *bool   `json:"realtime,omitempty"`
}

// StartResponse is returned by POST /v1/start.
type StartResponse struct {
	RunID string `json:"runId"`
}

// RunRecord is one stored run as returned by the history endpoints.
type RunRecord struct {
	ID               string     `json:"id"`
	StartedAt        time.Time  `json:"startedAt"`
	CompletedAt      *time.Time `json:"completedAt,omitempty"`
	Status           RunStatus  `json:"status"`
	Client           string     `json:"client"`
	Endpoint         string     `json:"endpoint"`
	Mode             StopMode   `json:"mode"`
	Bound            int64      `json:"bound"`
	Seed             uint64     `json:"seed"`
	Realtime         bool       `json:"realtime"`
	Accounts         int        `json:"accounts"`
	Attempts         int64      `json:"attempts"`
	Succeeded        int64      `json:"succeeded"`
	Failed           int64      `json:"failed"`
	SimulatedSeconds float64    `json:"simulatedSeconds"`
	WallSeconds      float64    `json:"wallSeconds"`
	Config           string     `json:"config,omitempty"` // workload config as JSON
	Error            string     `json:"error,omitempty"`
}

// TxRecord is one stored transfer attempt.
type TxRecord struct {
	RunID       string    `json:"runId"`
	Seq         int       `json:"seq"`
	TxHash      string    `json:"txHash,omitempty"`
	From        string    `json:"from"`
	To          string    `json:"to"`
	AmountEther float64   `json:"amountEther"`
	Nonce       *uint64   `json:"nonce,omitempty"`
	GasPriceWei string    `json:"gasPriceWei,omitempty"`
	Status      string    `json:"status"` // "submitted" or "failed"
	Error       string    `json:"error,omitempty"`
	SimTimeMs   int64     `json:"simTimeMs"`
	SentAt      time.Time `json:"sentAt"`
	LatencyMs   float64   `json:"latencyMs"`
}

// Page is a paginated list response.
type Page[T any] struct {
	Items  []T `json:"items"`
	Total  int `json:"total"`
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

// ErrorResponse is the body of every non-2xx API response.
type ErrorResponse struct {
	Error string `json:"error"`
}
