// Package account holds the participant accounts the simulation transfers between.
package account

import (
	"crypto/ecdsa"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// ErrTooFewAccounts is returned when a registry cannot supply two distinct participants.
var ErrTooFewAccounts = errors.New("at least two accounts are required")

// Account is a participant: an address and the key that signs for it.
// Accounts are immutable once loaded; nonces are always read from the chain.
type Account struct {
	PrivateKey *ecdsa.PrivateKey
	Address    common.Address
}

// NewAccount creates an account from a private key.
func NewAccount(privateKey *ecdsa.PrivateKey) *Account {
	return &Account{
		PrivateKey: privateKey,
		Address:    crypto.PubkeyToAddress(privateKey.PublicKey),
	}
}

// NewAccountFromHex creates an account from a hex-encoded private key, with or without 0x prefix.
func NewAccountFromHex(hexKey string) (*Account, error) {
	if len(hexKey) >= 2 && hexKey[0] == '0' && (hexKey[1] == 'x' || hexKey[1] == 'X') {
		hexKey = hexKey[2:]
	}
	privateKey, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, err
	}
	return NewAccount(privateKey), nil
}

// String returns the checksummed address. Key material is never printed.
func (a *Account) String() string {
	return a.Address.Hex()
}

// Registry is the ordered, read-only set of participants.
// Index order is the Zipf rank order: index 0 is the most active participant.
type Registry struct {
	accounts []*Account
}

// NewRegistry builds a registry. Duplicate addresses are rejected because a
// sampled pair of distinct indices must mean two distinct accounts.
func NewRegistry(accounts []*Account) (*Registry, error) {
	if len(accounts) < 2 {
		return nil, fmt.Errorf("%w: got %d", ErrTooFewAccounts, len(accounts))
	}
	seen := make(map[common.Address]int, len(accounts))
	for i, a := range accounts {
		if a == nil || a.PrivateKey == nil {
			return nil, fmt.Errorf("account %d has no private key", i)
		}
		if j, dup := seen[a.Address]; dup {
			return nil, fmt.Errorf("accounts %d and %d share address %s", j, i, a.Address.Hex())
		}
		seen[a.Address] = i
	}
	cp := make([]*Account, len(accounts))
	copy(cp, accounts)
	return &Registry{accounts: cp}, nil
}

// Len returns the number of participants.
func (r *Registry) Len() int { return len(r.accounts) }

// At returns the participant at index i.
func (r *Registry) At(i int) *Account { return r.accounts[i] }

// Addresses returns the participant addresses in index order.
func (r *Registry) Addresses() []common.Address {
	out := make([]common.Address, len(r.accounts))
	for i, a := range r.accounts {
		out[i] = a.Address
	}
	return out
}

// Well-known test private keys (from Anvil/Hardhat default accounts).
var TestPrivateKeys = []string{
	"ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80", // Account 0
	"59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d", // Account 1
	"5de4111afa1a4b94908f83103eb1f1706367c2e68ca870fc3fb9a804cdab365a", // Account 2
	"7c852118294e51e653712a81e05800f419141751be58f605c371e15141b007a6", // Account 3
	"47e179ec197488593b187f80a00eb0da91f1b9d0b13f8733639f19c30a34926a", // Account 4
	"8b3a350cf5c34c9194ca85829a2df0ec3153be0318b5e2d3348e872092edffba", // Account 5
	"92db14e403b83dfe3df233f83dfa3a0d7096f21ca9b0d6d6b8d88b2b4ec1564e", // Account 6
	"4bbbf85ce3377467afe5d46f804f221813b2bb87f24d81f60f1fcdbf7cbf4356", // Account 7
	"dbda1821b80551c9d65939329250298aa3472ba22feea921c0cf5d620ea67b97", // Account 8
	"2a871d0798f97d79848a013d4936a73bf4cc922c825d33c1cf7073dff6d409c6", // Account 9
}

// LoadTestAccounts loads the standard test accounts.
func LoadTestAccounts() ([]*Account, error) {
	accounts := make([]*Account, 0, len(TestPrivateKeys))
	for i, hexKey := range TestPrivateKeys {
		acc, err := NewAccountFromHex(hexKey)
		if err != nil {
			return nil, fmt.Errorf("test key %d: %w", i, err)
		}
		accounts = append(accounts, acc)
	}
	return accounts, nil
}
