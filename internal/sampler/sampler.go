// Package sampler draws the stochastic workload: who transacts with whom, how
// much, and how long until the next transfer. Samplers hold only validated
// parameters; all randomness comes from the *rand.Rand passed to each draw, so
// a seeded source makes a run reproducible.
package sampler

import (
	"errors"
	"math/rand/v2"
	"time"
)

var (
	// ErrInvalidConfig is returned when a sampler is built from bad parameters.
	ErrInvalidConfig = errors.New("invalid sampler config")

	// ErrTooFewParticipants is returned when fewer than two indices are available.
	ErrTooFewParticipants = errors.New("pair sampling needs at least two participants")
)

// NewRand returns a PCG-backed source seeded with seed.
func NewRand(seed uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}

// Config groups the three sampler configurations of a workload.
type Config struct {
	Pairs     PairConfig     `yaml:"pairs" json:"pairs"`
	Amounts   AmountConfig   `yaml:"amounts" json:"amounts"`
	Intervals IntervalConfig `yaml:"intervals" json:"intervals"`
}

// DefaultConfig returns uniform pairs, uniform amounts on [0.01, 100] ether
// and exponential arrivals with a one second mean.
func DefaultConfig() Config {
	return Config{
		Pairs:     PairConfig{Distribution: PairUniform, ZipfAlpha: 1.5},
		Amounts:   DefaultAmountConfig(),
		Intervals: IntervalConfig{Distribution: IntervalExponential, Period: time.Second},
	}
}

// Validate checks all three configurations.
func (c Config) Validate() error {
	if err := c.Pairs.Validate(); err != nil {
		return err
	}
	if err := c.Amounts.Validate(); err != nil {
		return err
	}
	return c.Intervals.Validate()
}

// Workload bundles the three samplers built from a Config.
type Workload struct {
	Pairs     *PairSampler
	Amounts   *AmountSampler
	Intervals *IntervalSampler
}

// New validates cfg and builds the samplers.
func New(cfg Config) (*Workload, error) {
	pairs, err := NewPairSampler(cfg.Pairs)
	if err != nil {
		return nil, err
	}
	amounts, err := NewAmountSampler(cfg.Amounts)
	if err != nil {
		return nil, err
	}
	intervals, err := NewIntervalSampler(cfg.Intervals)
	if err != nil {
		return nil, err
	}
	return &Workload{Pairs: pairs, Amounts: amounts, Intervals: intervals}, nil
}
