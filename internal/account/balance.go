package account

import (
	"errors"
	"fmt"
	"math"
	"math/big"
	"math/rand/v2"

	"github.com/gateway-fm/ethsimulator/internal/units"
)

// BalanceDistribution selects how genesis balances of generated accounts are drawn.
type BalanceDistribution string

const (
	BalanceConstant BalanceDistribution = "constant"
	BalanceUniform  BalanceDistribution = "uniform"
	BalanceNormal   BalanceDistribution = "normal"
)

// ErrInvalidBalanceConfig is returned by BalanceConfig.Validate.
var ErrInvalidBalanceConfig = errors.New("invalid balance config")

// BalanceConfig describes the genesis balance distribution, in ether.
type BalanceConfig struct {
	Distribution BalanceDistribution `yaml:"distribution" json:"distribution"`
	Value        float64             `yaml:"value" json:"value"`
	Min          float64             `yaml:"min" json:"min"`
	Max          float64             `yaml:"max" json:"max"`
	Mean         float64             `yaml:"mean" json:"mean"`
	StdDev       float64             `yaml:"std_dev" json:"stdDev"`
}

// DefaultBalanceConfig funds every generated account with 1000 ether.
func DefaultBalanceConfig() BalanceConfig {
	return BalanceConfig{Distribution: BalanceConstant, Value: 1000}
}

// Validate checks the distribution parameters.
func (c BalanceConfig) Validate() error {
	switch c.Distribution {
	case BalanceConstant:
		if c.Value < 0 {
			return fmt.Errorf("%w: constant value %v is negative", ErrInvalidBalanceConfig, c.Value)
		}
	case BalanceUniform:
		if c.Min < 0 || c.Min > c.Max {
			return fmt.Errorf("%w: uniform bounds [%v, %v]", ErrInvalidBalanceConfig, c.Min, c.Max)
		}
	case BalanceNormal:
		if c.StdDev < 0 {
			return fmt.Errorf("%w: std dev %v is negative", ErrInvalidBalanceConfig, c.StdDev)
		}
	default:
		return fmt.Errorf("%w: unknown distribution %q", ErrInvalidBalanceConfig, c.Distribution)
	}
	return nil
}

// Sample draws one balance in wei. Normal draws are clipped at zero.
func (c BalanceConfig) Sample(rng *rand.Rand) (*big.Int, error) {
	var ether float64
	switch c.Distribution {
	case BalanceConstant:
		ether = c.Value
	case BalanceUniform:
		ether = c.Min + rng.Float64()*(c.Max-c.Min)
	case BalanceNormal:
		ether = math.Max(0, c.Mean+c.StdDev*rng.NormFloat64())
	default:
		return nil, fmt.Errorf("%w: unknown distribution %q", ErrInvalidBalanceConfig, c.Distribution)
	}
	return units.EtherToWei(ether)
}
