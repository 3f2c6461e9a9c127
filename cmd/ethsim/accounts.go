package main

import (
	"fmt"
	"log/slog"
	"math/rand/v2"

	"github.com/spf13/cobra"

	"github.com/gateway-fm/ethsimulator/internal/account"
	"github.com/gateway-fm/ethsimulator/internal/sampler"
)

func newAccountsCmd(a *app) *cobra.Command {
	accountsCmd := &cobra.Command{
		Use:   "accounts",
		Short: "Manage simulation participants",
	}

	var (
		count int
		out   string
		seed  uint64
	)
	generateCmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate participant keys with sampled genesis balances",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !cmd.Flags().Changed("count") {
				count = a.cfg.Accounts.Generate
			}
			if out == "" {
				out = a.cfg.Accounts.KeyFile
			}
			if out == "" {
				return fmt.Errorf("no output file: pass --out or set accounts.key_file")
			}
			if err := a.cfg.Accounts.Balance.Validate(); err != nil {
				return err
			}
			if seed == 0 {
				seed = rand.Uint64()
			}

			funded, err := account.Generate(count, a.cfg.Accounts.Balance, sampler.NewRand(seed), a.logger)
			if err != nil {
				return err
			}
			if err := account.SaveKeyFile(out, funded); err != nil {
				return err
			}
			a.logger.Info("wrote key file",
				slog.String("path", out),
				slog.Int("accounts", len(funded)),
				slog.Uint64("seed", seed))
			return nil
		},
	}
	generateCmd.Flags().IntVarP(&count, "count", "n", 0, "Number of accounts (default: accounts.generate)")
	generateCmd.Flags().StringVarP(&out, "out", "o", "", "Key file to write (default: accounts.key_file)")
	generateCmd.Flags().Uint64Var(&seed, "seed", 0, "Seed of the balance draws (0 = random)")

	accountsCmd.AddCommand(generateCmd)
	return accountsCmd
}
