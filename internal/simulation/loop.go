// Package simulation drives the transfer workload: each step draws a
// participant pair, an amount and an inter-arrival time and hands the transfer
// to the submitter.
package simulation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/gateway-fm/ethsimulator/internal/account"
	"github.com/gateway-fm/ethsimulator/internal/sampler"
	"github.com/gateway-fm/ethsimulator/internal/sender"
)

// State is the lifecycle state of a Loop.
type State int32

const (
	StateIdle State = iota
	StateRunning
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

var (
	// ErrInvalidStopCondition is returned unless exactly one of duration and count is set.
	ErrInvalidStopCondition = errors.New("exactly one of duration or count must be set")

	// ErrNotIdle is returned when Run is called on a loop that already ran.
	ErrNotIdle = errors.New("simulation loop is not idle")
)

// StopCondition ends a run after a simulated duration or a number of attempts.
type StopCondition struct {
	Duration time.Duration `json:"duration,omitempty"`
	Count    int           `json:"count,omitempty"`
}

// Validate checks that exactly one positive bound is set.
func (c StopCondition) Validate() error {
	switch {
	case c.Duration < 0 || c.Count < 0:
		return fmt.Errorf("%w: negative bound", ErrInvalidStopCondition)
	case c.Duration > 0 && c.Count > 0:
		return fmt.Errorf("%w: got both duration %v and count %d", ErrInvalidStopCondition, c.Duration, c.Count)
	case c.Duration == 0 && c.Count == 0:
		return ErrInvalidStopCondition
	}
	return nil
}

// Mode returns "duration" or "count".
func (c StopCondition) Mode() string {
	if c.Duration > 0 {
		return "duration"
	}
	return "count"
}

// Value returns the bound in its natural unit: milliseconds or attempts.
func (c StopCondition) Value() int64 {
	if c.Duration > 0 {
		return c.Duration.Milliseconds()
	}
	return int64(c.Count)
}

// Sender is the submission side of the loop.
type Sender interface {
	Submit(ctx context.Context, in sender.Intent) (*sender.Submission, error)
}

// Attempt is the record of one transfer attempt.
type Attempt struct {
	Seq       int
	From      common.Address
	To        common.Address
	Amount    float64 // ether
	Result    *sender.Submission
	Err       error
	SimTime   time.Duration // simulated time at which the attempt was made
	Interval  time.Duration // simulated wait drawn after the attempt
	StartedAt time.Time
	Latency   time.Duration
}

// Succeeded reports whether the node accepted the transfer.
func (a Attempt) Succeeded() bool { return a.Err == nil }

// Observer receives every attempt in order. Observers are called on the loop
// goroutine and must not block.
type Observer interface {
	ObserveAttempt(Attempt)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Attempt)

// ObserveAttempt implements Observer.
func (f ObserverFunc) ObserveAttempt(a Attempt) { f(a) }

// Config configures a Loop.
type Config struct {
	Accounts  *account.Registry
	Sender    Sender
	Workload  *sampler.Workload
	Rand      *rand.Rand
	Observers []Observer
	Logger    *slog.Logger

	// Realtime waits each drawn interval on the wall clock. Otherwise the
	// loop advances simulated time only and submits back to back.
	Realtime bool
}

// Summary describes a finished run.
type Summary struct {
	Attempts      int
	Succeeded     int
	Failed        int
	SimulatedTime time.Duration
	WallTime      time.Duration
	Cancelled     bool
}

// Loop runs a workload once: IDLE -> RUNNING -> STOPPED.
type Loop struct {
	cfg    Config
	logger *slog.Logger
	state  atomic.Int32
}

// New validates cfg and returns an idle loop.
func New(cfg Config) (*Loop, error) {
	switch {
	case cfg.Accounts == nil:
		return nil, errors.New("simulation: accounts are required")
	case cfg.Sender == nil:
		return nil, errors.New("simulation: sender is required")
	case cfg.Workload == nil:
		return nil, errors.New("simulation: workload is required")
	case cfg.Rand == nil:
		return nil, errors.New("simulation: random source is required")
	}
	if cfg.Accounts.Len() < 2 {
		return nil, account.ErrTooFewAccounts
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{cfg: cfg, logger: logger}, nil
}

// State returns the current state.
func (l *Loop) State() State { return State(l.state.Load()) }

// Run performs attempts until stop is reached or ctx is done. Failed
// submissions are logged and counted; they never end the run. On
// cancellation the summary so far is returned together with ctx.Err().
func (l *Loop) Run(ctx context.Context, stop StopCondition) (Summary, error) {
	if err := stop.Validate(); err != nil {
		return Summary{}, err
	}
	if !l.state.CompareAndSwap(int32(StateIdle), int32(StateRunning)) {
		return Summary{}, ErrNotIdle
	}
	defer l.state.Store(int32(StateStopped))

	l.logger.Info("simulation started",
		slog.String("mode", stop.Mode()),
		slog.Int64("bound", stop.Value()),
		slog.Int("accounts", l.cfg.Accounts.Len()),
		slog.Bool("realtime", l.cfg.Realtime))

	var sum Summary
	start := time.Now()
	finish := func(err error) (Summary, error) {
		sum.WallTime = time.Since(start)
		sum.Cancelled = err != nil
		l.logger.Info("simulation stopped",
			slog.Int("attempts", sum.Attempts),
			slog.Int("succeeded", sum.Succeeded),
			slog.Int("failed", sum.Failed),
			slog.Duration("simulated", sum.SimulatedTime),
			slog.Duration("wall", sum.WallTime),
			slog.Bool("cancelled", sum.Cancelled))
		return sum, err
	}

	for {
		if stop.Count > 0 && sum.Attempts >= stop.Count {
			return finish(nil)
		}
		if stop.Duration > 0 && sum.SimulatedTime >= stop.Duration {
			return finish(nil)
		}
		if err := ctx.Err(); err != nil {
			return finish(err)
		}

		a, err := l.step(ctx, sum.Attempts, sum.SimulatedTime)
		if err != nil {
			return finish(err)
		}
		sum.Attempts++
		if a.Succeeded() {
			sum.Succeeded++
		} else {
			sum.Failed++
		}
		sum.SimulatedTime += a.Interval

		for _, o := range l.cfg.Observers {
			o.ObserveAttempt(a)
		}

		// the last attempt of a count-bounded run has nothing left to wait for
		if l.cfg.Realtime && (stop.Count == 0 || sum.Attempts < stop.Count) {
			if err := sleep(ctx, a.Interval); err != nil {
				return finish(err)
			}
		}
	}
}

// step performs one attempt. The returned error is only non-nil when no
// attempt could be made at all.
func (l *Loop) step(ctx context.Context, seq int, simTime time.Duration) (Attempt, error) {
	w, rng := l.cfg.Workload, l.cfg.Rand

	from, to, err := w.Pairs.Sample(rng, l.cfg.Accounts.Len())
	if err != nil {
		return Attempt{}, err
	}
	amount := w.Amounts.Sample(rng)
	src, dst := l.cfg.Accounts.At(from), l.cfg.Accounts.At(to)

	a := Attempt{
		Seq:       seq,
		From:      src.Address,
		To:        dst.Address,
		Amount:    amount,
		SimTime:   simTime,
		StartedAt: time.Now(),
	}
	a.Result, a.Err = l.cfg.Sender.Submit(ctx, senderIntent(src, dst, amount))
	a.Latency = time.Since(a.StartedAt)

	if a.Err != nil {
		l.logger.Warn("transfer failed",
			slog.Int("seq", seq),
			slog.String("sender", a.From.Hex()),
			slog.String("recipient", a.To.Hex()),
			slog.Float64("amount", amount),
			slog.String("error", a.Err.Error()))
	} else {
		l.logger.Debug("transfer submitted",
			slog.Int("seq", seq),
			slog.String("tx", a.Result.Hash.Hex()),
			slog.Uint64("nonce", a.Result.Nonce))
	}

	// The interval is drawn whether or not the submission succeeded.
	a.Interval = w.Intervals.Sample(rng)
	return a, nil
}

func senderIntent(from, to *account.Account, amount float64) sender.Intent {
	return sender.Intent{Key: from.PrivateKey, Recipient: to.Address.Hex(), Amount: amount}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
