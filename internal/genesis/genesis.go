// Package genesis builds the genesis file a fresh ledger is initialized from.
package genesis

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/params"
)

// DefaultChainID is the chain id of the built-in template.
const DefaultChainID = 1337

// FileName is the name of the merged genesis written into the data dir.
const FileName = "genesis.json"

// DefaultBalance is the genesis balance of a funded account that does not specify one (1 ether).
var DefaultBalance = big.NewInt(params.Ether)

// ErrInvalidAllocation is returned for malformed funded-account entries.
var ErrInvalidAllocation = errors.New("invalid allocation")

// Allocation is one pre-funded account. A nil Balance means the default balance.
type Allocation struct {
	Address common.Address
	Balance *big.Int
}

// Default returns the built-in template: chain id 1337, all pre-merge forks
// active from block 0 and no allocations.
func Default() *core.Genesis {
	zero := big.NewInt(0)
	return &core.Genesis{
		Config: &params.ChainConfig{
			ChainID:             big.NewInt(DefaultChainID),
			HomesteadBlock:      zero,
			EIP150Block:         zero,
			EIP155Block:         zero,
			EIP158Block:         zero,
			ByzantiumBlock:      zero,
			ConstantinopleBlock: zero,
			PetersburgBlock:     zero,
		},
		Difficulty: big.NewInt(0x400),
		GasLimit:   0x8000000,
		Alloc:      types.GenesisAlloc{},
	}
}

// Merge returns a copy of base with every funded account added to its alloc.
// Entries already present in base are overwritten; for duplicate addresses in
// funded the last one wins. A nil base means Default().
func Merge(base *core.Genesis, funded []Allocation, defaultBalance *big.Int) (*core.Genesis, error) {
	if base == nil {
		base = Default()
	}
	if defaultBalance == nil {
		defaultBalance = DefaultBalance
	}
	if defaultBalance.Sign() < 0 {
		return nil, fmt.Errorf("%w: negative default balance %s", ErrInvalidAllocation, defaultBalance)
	}

	merged, err := clone(base)
	if err != nil {
		return nil, err
	}
	if merged.Alloc == nil {
		merged.Alloc = types.GenesisAlloc{}
	}

	for _, a := range funded {
		balance := defaultBalance
		if a.Balance != nil {
			if a.Balance.Sign() < 0 {
				return nil, fmt.Errorf("%w: negative balance for %s", ErrInvalidAllocation, a.Address.Hex())
			}
			balance = a.Balance
		}
		acct := merged.Alloc[a.Address]
		acct.Balance = new(big.Int).Set(balance)
		merged.Alloc[a.Address] = acct
	}
	return merged, nil
}

func clone(g *core.Genesis) (*core.Genesis, error) {
	cp := *g
	if cp.Alloc == nil {
		cp.Alloc = types.GenesisAlloc{} // alloc is a required field when decoding
	}
	raw, err := json.Marshal(&cp)
	if err != nil {
		return nil, fmt.Errorf("encode genesis: %w", err)
	}
	var out core.Genesis
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode genesis: %w", err)
	}
	return &out, nil
}

// LoadTemplate reads a genesis template. An empty path yields Default().
func LoadTemplate(path string) (*core.Genesis, error) {
	if path == "" {
		return Default(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read genesis template: %w", err)
	}
	var g core.Genesis
	if err := json.Unmarshal(raw, &g); err != nil {
		return nil, fmt.Errorf("parse genesis template %s: %w", path, err)
	}
	return &g, nil
}

// Write stores g as indented JSON at path, creating parent directories.
func Write(path string, g *core.Genesis) error {
	raw, err := json.MarshalIndent(g, "", "  ")
	if err != nil {
		return fmt.Errorf("encode genesis: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create genesis dir: %w", err)
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return fmt.Errorf("write genesis: %w", err)
	}
	return nil
}

// allocationEntry is the on-disk form of a funded account.
type allocationEntry struct {
	Address string          `json:"address"`
	Balance json.RawMessage `json:"balance,omitempty"`
}

// LoadAllocations reads a funded-accounts file: a JSON array of objects with an
// "address" and an optional "balance" in wei (decimal string, number or 0x hex).
// An empty path yields no allocations.
func LoadAllocations(path string) ([]Allocation, error) {
	if path == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read funded accounts: %w", err)
	}
	return ParseAllocations(raw)
}

// ParseAllocations decodes the funded-accounts JSON format.
func ParseAllocations(raw []byte) ([]Allocation, error) {
	var entries []allocationEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("parse funded accounts: %w", err)
	}

	out := make([]Allocation, 0, len(entries))
	for i, e := range entries {
		if !common.IsHexAddress(e.Address) {
			return nil, fmt.Errorf("%w: entry %d: address %q", ErrInvalidAllocation, i, e.Address)
		}
		balance, err := parseBalance(e.Balance)
		if err != nil {
			return nil, fmt.Errorf("%w: entry %d: %v", ErrInvalidAllocation, i, err)
		}
		out = append(out, Allocation{Address: common.HexToAddress(e.Address), Balance: balance})
	}
	return out, nil
}

func parseBalance(raw json.RawMessage) (*big.Int, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}

	s := string(raw)
	if raw[0] == '"' {
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, err
		}
	}
	s = strings.TrimSpace(s)

	if strings.HasPrefix(s, "0x") {
		return hexutil.DecodeBig(s)
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("balance %q is not an integer wei amount", s)
	}
	if v.Sign() < 0 {
		return nil, fmt.Errorf("balance %q is negative", s)
	}
	return v, nil
}
