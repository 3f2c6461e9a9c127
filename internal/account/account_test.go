package account

import (
	"context"
	"errors"
	"math/big"
	"math/rand/v2"
	"os"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAccountFromHex(t *testing.T) {
	acc, err := NewAccountFromHex(TestPrivateKeys[0])
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"), acc.Address)

	prefixed, err := NewAccountFromHex("0x" + TestPrivateKeys[0])
	require.NoError(t, err)
	assert.Equal(t, acc.Address, prefixed.Address)

	_, err = NewAccountFromHex("zz")
	assert.Error(t, err)
}

func TestRegistry(t *testing.T) {
	accounts, err := LoadTestAccounts()
	require.NoError(t, err)

	r, err := NewRegistry(accounts)
	require.NoError(t, err)
	assert.Equal(t, len(TestPrivateKeys), r.Len())
	assert.Equal(t, accounts[3].Address, r.At(3).Address)
	assert.Len(t, r.Addresses(), r.Len())

	// the registry owns its slice
	accounts[0] = accounts[1]
	assert.NotEqual(t, r.At(0).Address, r.At(1).Address)
}

func TestRegistryRejects(t *testing.T) {
	accounts, err := LoadTestAccounts()
	require.NoError(t, err)

	_, err = NewRegistry(accounts[:1])
	assert.ErrorIs(t, err, ErrTooFewAccounts)

	_, err = NewRegistry([]*Account{accounts[0], accounts[0]})
	assert.ErrorContains(t, err, "share address")
}

func TestBalanceConfig(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))

	b, err := DefaultBalanceConfig().Sample(rng)
	require.NoError(t, err)
	assert.Equal(t, "1000000000000000000000", b.String())

	uniform := BalanceConfig{Distribution: BalanceUniform, Min: 1, Max: 2}
	require.NoError(t, uniform.Validate())
	lo, hi := big.NewInt(1e18), big.NewInt(2e18)
	for range 1000 {
		b, err := uniform.Sample(rng)
		require.NoError(t, err)
		assert.True(t, b.Cmp(lo) >= 0 && b.Cmp(hi) <= 0, "uniform balance %s out of range", b)
	}

	normal := BalanceConfig{Distribution: BalanceNormal, Mean: 0, StdDev: 10}
	for range 1000 {
		b, err := normal.Sample(rng)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, b.Sign(), 0)
	}
}

func TestBalanceConfigValidate(t *testing.T) {
	bad := []BalanceConfig{
		{Distribution: BalanceConstant, Value: -1},
		{Distribution: BalanceUniform, Min: 2, Max: 1},
		{Distribution: BalanceNormal, StdDev: -1},
		{Distribution: "pareto"},
	}
	for _, c := range bad {
		assert.ErrorIs(t, c.Validate(), ErrInvalidBalanceConfig, "%+v", c)
	}
}

func TestGenerateAndKeyFileRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 7))
	funded, err := Generate(5, BalanceConfig{Distribution: BalanceUniform, Min: 10, Max: 20}, rng, nil)
	require.NoError(t, err)
	require.Len(t, funded, 5)

	path := filepath.Join(t.TempDir(), "keys", "players.json")
	require.NoError(t, SaveKeyFile(path, funded))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	loaded, err := LoadKeyFile(path)
	require.NoError(t, err)
	require.Len(t, loaded, 5)
	for i := range funded {
		assert.Equal(t, funded[i].Account.Address, loaded[i].Account.Address)
		assert.Equal(t, funded[i].Balance.String(), loaded[i].Balance.String())
	}

	allocs := Allocations(loaded)
	assert.Equal(t, loaded[2].Account.Address, allocs[2].Address)
	assert.Len(t, Accounts(loaded), 5)
}

func TestGenerateTooFew(t *testing.T) {
	_, err := Generate(1, DefaultBalanceConfig(), rand.New(rand.NewPCG(1, 1)), nil)
	assert.ErrorIs(t, err, ErrTooFewAccounts)
}

func TestLoadKeyFileAddressMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys.json")
	raw := `[{"address": "0x0000000000000000000000000000000000000001", "private_key": "` + TestPrivateKeys[0] + `"}]`
	require.NoError(t, os.WriteFile(path, []byte(raw), 0o600))

	_, err := LoadKeyFile(path)
	assert.ErrorContains(t, err, "does not match")
}

type fakeBalances map[common.Address]*big.Int

func (f fakeBalances) GetBalance(_ context.Context, a common.Address) (*big.Int, error) {
	b, ok := f[a]
	if !ok {
		return nil, errors.New("unknown account")
	}
	return b, nil
}

func TestCheckBalances(t *testing.T) {
	accounts, err := LoadTestAccounts()
	require.NoError(t, err)
	accounts = accounts[:3]

	client := fakeBalances{
		accounts[0].Address: big.NewInt(100),
		accounts[1].Address: big.NewInt(5),
	}

	funded, unfunded := CheckBalances(context.Background(), client, accounts, big.NewInt(10), nil)
	require.Len(t, funded, 1)
	assert.Equal(t, accounts[0].Address, funded[0].Address)
	assert.Len(t, unfunded, 2)
}
