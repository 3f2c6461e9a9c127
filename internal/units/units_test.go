package units

import (
	"math"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEtherToWei(t *testing.T) {
	tests := []struct {
		in   float64
		want string
	}{
		{0, "0"},
		{1, "1000000000000000000"},
		{0.1, "100000000000000000"},
		{10, "10000000000000000000"},
		{0.01, "10000000000000000"},
		{1.5e-18, "1"},
		{123.456, "123456000000000000000"},
	}
	for _, tt := range tests {
		got, err := EtherToWei(tt.in)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got.String(), "EtherToWei(%v)", tt.in)
	}
}

func TestEtherToWeiInvalid(t *testing.T) {
	for _, in := range []float64{-1, -1e-9, math.NaN(), math.Inf(1), math.Inf(-1)} {
		_, err := EtherToWei(in)
		assert.ErrorIs(t, err, ErrInvalidAmount, "EtherToWei(%v)", in)
	}
}

func TestWeiToEther(t *testing.T) {
	assert.Equal(t, 1.0, WeiToEther(big.NewInt(1_000_000_000_000_000_000)))
	assert.Equal(t, 0.0, WeiToEther(nil))
}
