package account

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"math/rand/v2"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/gateway-fm/ethsimulator/internal/genesis"
)

// Entry is one record of a key file. The same file doubles as the
// funded-accounts input of genesis initialization.
type Entry struct {
	Address    string `json:"address"`
	PrivateKey string `json:"private_key,omitempty"`
	Balance    string `json:"balance,omitempty"`
}

// Funded is a participant together with its genesis balance (nil = default).
type Funded struct {
	Account *Account
	Balance *big.Int
}

// Allocations returns the genesis allocations of funded accounts.
func Allocations(funded []Funded) []genesis.Allocation {
	out := make([]genesis.Allocation, len(funded))
	for i, f := range funded {
		out[i] = genesis.Allocation{Address: f.Account.Address, Balance: f.Balance}
	}
	return out
}

// Accounts strips balances from funded.
func Accounts(funded []Funded) []*Account {
	out := make([]*Account, len(funded))
	for i, f := range funded {
		out[i] = f.Account
	}
	return out
}

// LoadKeyFile reads a key file. Every entry must carry a private key; when an
// address is present it must match the key.
func LoadKeyFile(path string) ([]Funded, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}
	var entries []Entry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("parse key file %s: %w", path, err)
	}

	out := make([]Funded, 0, len(entries))
	for i, e := range entries {
		acc, err := NewAccountFromHex(e.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("key file entry %d: invalid private key", i)
		}
		if e.Address != "" {
			if !common.IsHexAddress(e.Address) || common.HexToAddress(e.Address) != acc.Address {
				return nil, fmt.Errorf("key file entry %d: address %s does not match its key", i, e.Address)
			}
		}
		var balance *big.Int
		if e.Balance != "" {
			b, ok := new(big.Int).SetString(e.Balance, 10)
			if !ok || b.Sign() < 0 {
				return nil, fmt.Errorf("key file entry %d: invalid balance %q", i, e.Balance)
			}
			balance = b
		}
		out = append(out, Funded{Account: acc, Balance: balance})
	}
	return out, nil
}

// SaveKeyFile writes funded accounts, keys included, with owner-only permissions.
func SaveKeyFile(path string, funded []Funded) error {
	entries := make([]Entry, len(funded))
	for i, f := range funded {
		entries[i] = Entry{
			Address:    f.Account.Address.Hex(),
			PrivateKey: hex.EncodeToString(crypto.FromECDSA(f.Account.PrivateKey)),
		}
		if f.Balance != nil {
			entries[i].Balance = f.Balance.String()
		}
	}
	raw, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("encode key file: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create key file dir: %w", err)
	}
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write key file: %w", err)
	}
	return nil
}

// Generate creates count fresh accounts with balances drawn from balances.
// Keys come from crypto/rand and are generated in parallel; balances are drawn
// sequentially from rng so a seed reproduces them.
func Generate(count int, balances BalanceConfig, rng *rand.Rand, logger *slog.Logger) ([]Funded, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if count < 2 {
		return nil, fmt.Errorf("%w: asked for %d", ErrTooFewAccounts, count)
	}
	if err := balances.Validate(); err != nil {
		return nil, err
	}

	out := make([]Funded, count)
	numWorkers := min(runtime.GOMAXPROCS(0), 16)
	logger.Info("generating accounts", slog.Int("count", count), slog.Int("workers", numWorkers))

	var wg sync.WaitGroup
	errChan := make(chan error, numWorkers)
	workSize := (count + numWorkers - 1) / numWorkers

	for start := 0; start < count; start += workSize {
		end := min(start+workSize, count)
		wg.Add(1)
		go func(start, end int) {
			defer wg.Done()
			for i := start; i < end; i++ {
				key, err := crypto.GenerateKey()
				if err != nil {
					select {
					case errChan <- fmt.Errorf("key %d: %w", i, err):
					default:
					}
					return
				}
				out[i].Account = NewAccount(key)
			}
		}(start, end)
	}
	wg.Wait()
	close(errChan)
	if err := <-errChan; err != nil {
		return nil, err
	}

	for i := range out {
		b, err := balances.Sample(rng)
		if err != nil {
			return nil, err
		}
		out[i].Balance = b
	}
	return out, nil
}

// BalanceReader is the part of the RPC client CheckBalances needs.
type BalanceReader interface {
	GetBalance(ctx context.Context, address common.Address) (*big.Int, error)
}

// CheckBalances reads balances in parallel and splits accounts into those
// holding at least minBalance and the rest. Accounts whose balance could not
// be read count as unfunded.
func CheckBalances(ctx context.Context, client BalanceReader, accounts []*Account, minBalance *big.Int, logger *slog.Logger) (funded, unfunded []*Account) {
	if logger == nil {
		logger = slog.Default()
	}
	ok := make([]bool, len(accounts))
	var wg sync.WaitGroup
	sem := make(chan struct{}, 16)

	for i, acc := range accounts {
		wg.Add(1)
		go func(idx int, acc *Account) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			balance, err := client.GetBalance(ctx, acc.Address)
			if err != nil {
				logger.Debug("balance check failed",
					slog.String("address", acc.Address.Hex()),
					slog.String("error", err.Error()))
				return
			}
			ok[idx] = balance.Cmp(minBalance) >= 0
		}(i, acc)
	}
	wg.Wait()

	for i, acc := range accounts {
		if ok[i] {
			funded = append(funded, acc)
		} else {
			unfunded = append(unfunded, acc)
		}
	}
	return funded, unfunded
}

