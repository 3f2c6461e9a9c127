package sampler

import (
	"fmt"
	"math"
	"math/rand/v2"
)

// AmountDistribution selects how transfer amounts are drawn.
type AmountDistribution string

const (
	AmountUniform AmountDistribution = "uniform"
	AmountNormal  AmountDistribution = "normal"
)

// AmountConfig configures transfer amounts, in ether. Uniform draws use
// Min/Max; normal draws use Mean/StdDev and are clipped to [ClipMin, ClipMax].
type AmountConfig struct {
	Distribution AmountDistribution `yaml:"distribution" json:"distribution"`
	Min          float64            `yaml:"min" json:"min"`
	Max          float64            `yaml:"max" json:"max"`
	Mean         float64            `yaml:"mean" json:"mean"`
	StdDev       float64            `yaml:"std_dev" json:"stdDev"`
	ClipMin      float64            `yaml:"clip_min" json:"clipMin"`
	ClipMax      float64            `yaml:"clip_max" json:"clipMax"`
}

// DefaultAmountConfig returns uniform amounts on [0.01, 100] with normal
// parameters mean 1, std dev 0.1 clipped to the same range.
func DefaultAmountConfig() AmountConfig {
	return AmountConfig{
		Distribution: AmountUniform,
		Min:          0.01,
		Max:          100,
		Mean:         1.0,
		StdDev:       0.1,
		ClipMin:      0.01,
		ClipMax:      100,
	}
}

func finite(vs ...float64) bool {
	for _, v := range vs {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// Validate checks the parameters of the selected distribution.
func (c AmountConfig) Validate() error {
	switch c.Distribution {
	case AmountUniform:
		if !finite(c.Min, c.Max) || c.Min < 0 || c.Min > c.Max {
			return fmt.Errorf("%w: uniform amount bounds [%v, %v]", ErrInvalidConfig, c.Min, c.Max)
		}
		return nil
	case AmountNormal:
		if !finite(c.Mean, c.StdDev, c.ClipMin, c.ClipMax) || c.StdDev < 0 {
			return fmt.Errorf("%w: normal amount mean %v std dev %v", ErrInvalidConfig, c.Mean, c.StdDev)
		}
		if c.ClipMin < 0 || c.ClipMin > c.ClipMax {
			return fmt.Errorf("%w: normal amount clip bounds [%v, %v]", ErrInvalidConfig, c.ClipMin, c.ClipMax)
		}
		return nil
	}
	return fmt.Errorf("%w: unknown amount distribution %q", ErrInvalidConfig, c.Distribution)
}

// AmountSampler draws non-negative transfer amounts.
type AmountSampler struct {
	cfg AmountConfig
}

// NewAmountSampler validates cfg and returns a sampler.
func NewAmountSampler(cfg AmountConfig) (*AmountSampler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &AmountSampler{cfg: cfg}, nil
}

// Config returns the sampler configuration.
func (s *AmountSampler) Config() AmountConfig { return s.cfg }

// Sample draws one amount in ether.
func (s *AmountSampler) Sample(rng *rand.Rand) float64 {
	c := s.cfg
	if c.Distribution == AmountNormal {
		v := c.Mean + c.StdDev*rng.NormFloat64()
		return min(max(v, c.ClipMin), c.ClipMax)
	}
	return c.Min + unitClosed(rng)*(c.Max-c.Min)
}

// unitClosed returns a uniform float64 in the closed interval [0, 1].
func unitClosed(rng *rand.Rand) float64 {
	const mantissa = 1 << 53
	return float64(rng.Uint64N(mantissa+1)) / mantissa
}
