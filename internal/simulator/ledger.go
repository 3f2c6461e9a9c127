package simulator

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/gateway-fm/ethsimulator/internal/account"
	"github.com/gateway-fm/ethsimulator/internal/genesis"
	"github.com/gateway-fm/ethsimulator/internal/units"
)

// participants returns the configured accounts together with their genesis
// balances. Without a key file the development keys are used and funded with
// the genesis default balance.
func (s *Simulator) participants() ([]account.Funded, error) {
	if path := s.cfg.Accounts.KeyFile; path != "" {
		funded, err := account.LoadKeyFile(path)
		if err != nil {
			return nil, err
		}
		return funded, nil
	}

	accounts, err := account.LoadTestAccounts()
	if err != nil {
		return nil, err
	}
	funded := make([]account.Funded, len(accounts))
	for i, acc := range accounts {
		funded[i] = account.Funded{Account: acc}
	}
	return funded, nil
}

// InitializeLedger writes the genesis for the configured client and runs its
// init command. Participants are funded together with the accounts listed in
// the funded-accounts file. Nothing happens if the data dir holds chain data.
func (s *Simulator) InitializeLedger(ctx context.Context) error {
	base, err := genesis.LoadTemplate(s.cfg.Genesis.Template)
	if err != nil {
		return err
	}

	participants, err := s.participants()
	if err != nil {
		return err
	}
	allocs := account.Allocations(participants)

	extra, err := genesis.LoadAllocations(s.cfg.Genesis.FundedAccounts)
	if err != nil {
		return err
	}
	allocs = append(allocs, extra...)

	return s.sup.InitializeLedger(ctx, base, allocs)
}

// loadAccounts builds the participant registry, leaving out accounts that
// hold less than the configured minimum balance.
func (s *Simulator) loadAccounts(ctx context.Context) (*account.Registry, error) {
	participants, err := s.participants()
	if err != nil {
		return nil, err
	}
	accounts := account.Accounts(participants)

	minBalance, err := units.EtherToWei(s.cfg.Accounts.MinBalance)
	if err != nil {
		return nil, fmt.Errorf("min balance: %w", err)
	}
	if minBalance.Sign() > 0 {
		client, err := s.sup.Client()
		if err != nil {
			return nil, err
		}
		funded, unfunded := account.CheckBalances(ctx, client, accounts, minBalance, s.logger)
		if len(unfunded) > 0 {
			s.logger.Warn("excluding underfunded accounts",
				slog.Int("excluded", len(unfunded)),
				slog.Int("remaining", len(funded)),
				slog.String("min_balance", minBalance.String()))
		}
		accounts = funded
	}

	reg, err := account.NewRegistry(accounts)
	if err != nil {
		return nil, fmt.Errorf("accounts: %w", err)
	}
	return reg, nil
}
