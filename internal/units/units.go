// Package units converts between human ether amounts and wei.
package units

import (
	"errors"
	"fmt"
	"math"
	"math/big"
	"strconv"

	"github.com/ethereum/go-ethereum/params"
)

// ErrInvalidAmount is returned for negative, NaN or infinite amounts.
var ErrInvalidAmount = errors.New("invalid amount")

var weiPerEther = big.NewRat(params.Ether, 1)

// EtherToWei converts a non-negative ether amount to wei. The conversion uses
// the shortest decimal representation of amount, so 0.1 becomes exactly
// 100000000000000000 wei; digits below one wei are truncated.
func EtherToWei(amount float64) (*big.Int, error) {
	if math.IsNaN(amount) || math.IsInf(amount, 0) {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAmount, amount)
	}
	if amount < 0 {
		return nil, fmt.Errorf("%w: %v is negative", ErrInvalidAmount, amount)
	}

	r, ok := new(big.Rat).SetString(strconv.FormatFloat(amount, 'f', -1, 64))
	if !ok {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAmount, amount)
	}
	r.Mul(r, weiPerEther)
	return new(big.Int).Quo(r.Num(), r.Denom()), nil
}

// WeiToEther converts wei to a float ether amount for display.
func WeiToEther(wei *big.Int) float64 {
	if wei == nil {
		return 0
	}
	f, _ := new(big.Rat).SetFrac(wei, big.NewInt(params.Ether)).Float64()
	return f
}
