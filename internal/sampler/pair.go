package sampler

import (
	"fmt"
	"math"
	"math/rand/v2"
)

// PairDistribution selects how sender and recipient indices are drawn.
type PairDistribution string

const (
	PairUniform PairDistribution = "uniform"
	PairZipf    PairDistribution = "zipf"
)

// PairConfig configures participant selection.
type PairConfig struct {
	Distribution PairDistribution `yaml:"distribution" json:"distribution"`
	// ZipfAlpha is the exponent of the rank weights 1/r^alpha. Must exceed 1.
	ZipfAlpha float64 `yaml:"zipf_alpha" json:"zipfAlpha"`
}

// Validate checks the configuration.
func (c PairConfig) Validate() error {
	switch c.Distribution {
	case PairUniform:
		return nil
	case PairZipf:
		if math.IsNaN(c.ZipfAlpha) || c.ZipfAlpha <= 1 {
			return fmt.Errorf("%w: zipf alpha must be > 1, got %v", ErrInvalidConfig, c.ZipfAlpha)
		}
		return nil
	}
	return fmt.Errorf("%w: unknown pair distribution %q", ErrInvalidConfig, c.Distribution)
}

// PairSampler draws ordered (sender, recipient) pairs of distinct indices.
type PairSampler struct {
	cfg PairConfig
}

// NewPairSampler validates cfg and returns a sampler.
func NewPairSampler(cfg PairConfig) (*PairSampler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &PairSampler{cfg: cfg}, nil
}

// Config returns the sampler configuration.
func (s *PairSampler) Config() PairConfig { return s.cfg }

// Sample draws two distinct indices in [0, n). Under Zipf, lower indices are
// more likely to appear in either role.
func (s *PairSampler) Sample(rng *rand.Rand, n int) (sender, recipient int, err error) {
	if n < 2 {
		return 0, 0, fmt.Errorf("%w: n=%d", ErrTooFewParticipants, n)
	}
	if s.cfg.Distribution == PairZipf {
		sender, recipient = s.sampleZipf(rng, n)
		return sender, recipient, nil
	}

	sender = rng.IntN(n)
	recipient = rng.IntN(n - 1)
	if recipient >= sender {
		recipient++
	}
	return sender, recipient, nil
}

// sampleZipf draws two indices without replacement, weight of index i being
// 1/(i+1)^alpha. The weights depend only on n and alpha, so recomputing them
// per draw keeps the sampler stateless and safe to share.
func (s *PairSampler) sampleZipf(rng *rand.Rand, n int) (int, int) {
	weights := make([]float64, n)
	var total float64
	for i := range weights {
		weights[i] = math.Pow(float64(i+1), -s.cfg.ZipfAlpha)
		total += weights[i]
	}

	first := pickWeighted(rng, weights, total, -1)
	second := pickWeighted(rng, weights, total-weights[first], first)
	return first, second
}

// pickWeighted returns an index drawn proportionally to weights, skipping skip.
func pickWeighted(rng *rand.Rand, weights []float64, total float64, skip int) int {
	target := rng.Float64() * total
	last := -1
	for i, w := range weights {
		if i == skip {
			continue
		}
		last = i
		if target < w {
			return i
		}
		target -= w
	}
	// floating point residue lands on the last eligible index
	return last
}
