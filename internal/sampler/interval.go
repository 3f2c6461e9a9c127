package sampler

import (
	"fmt"
	"math/rand/v2"
	"time"
)

// IntervalDistribution selects how inter-arrival times are drawn.
type IntervalDistribution string

const (
	IntervalExponential IntervalDistribution = "exponential"
	IntervalConstant    IntervalDistribution = "constant"
)

// IntervalConfig configures the time between consecutive transfers.
// Period is the mean for exponential draws and the fixed value for constant ones.
type IntervalConfig struct {
	Distribution IntervalDistribution `yaml:"distribution" json:"distribution"`
	Period       time.Duration        `yaml:"period" json:"period"`
}

// Validate checks the configuration.
func (c IntervalConfig) Validate() error {
	switch c.Distribution {
	case IntervalExponential, IntervalConstant:
	default:
		return fmt.Errorf("%w: unknown interval distribution %q", ErrInvalidConfig, c.Distribution)
	}
	if c.Period <= 0 {
		return fmt.Errorf("%w: interval period must be positive, got %v", ErrInvalidConfig, c.Period)
	}
	return nil
}

// IntervalSampler draws inter-arrival times.
type IntervalSampler struct {
	cfg IntervalConfig
}

// NewIntervalSampler validates cfg and returns a sampler.
func NewIntervalSampler(cfg IntervalConfig) (*IntervalSampler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &IntervalSampler{cfg: cfg}, nil
}

// Config returns the sampler configuration.
func (s *IntervalSampler) Config() IntervalConfig { return s.cfg }

// Sample draws one interval.
func (s *IntervalSampler) Sample(rng *rand.Rand) time.Duration {
	if s.cfg.Distribution == IntervalConstant {
		return s.cfg.Period
	}
	return time.Duration(rng.ExpFloat64() * float64(s.cfg.Period))
}
