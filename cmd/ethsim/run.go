package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/gateway-fm/ethsimulator/internal/simulator"
	"github.com/gateway-fm/ethsimulator/internal/storage"
)

// openStorage opens the run history database; an empty path disables it.
func (a *app) openStorage() (*storage.SQLiteStorage, error) {
	if a.cfg.Storage.Database == "" {
		return nil, nil
	}
	store, err := storage.NewSQLiteStorage(a.cfg.Storage.Database)
	if err != nil {
		return nil, err
	}
	a.logger.Info("initialized storage", slog.String("path", a.cfg.Storage.Database))
	return store, nil
}

// newSimulator builds the simulator from the validated configuration.
func (a *app) newSimulator(opts ...simulator.Option) (*simulator.Simulator, error) {
	return simulator.New(a.cfg, append(opts, simulator.WithLogger(a.logger))...)
}

// initLedger checks that the client binary runs, then initializes the ledger.
func (a *app) initLedger(ctx context.Context, sim *simulator.Simulator) error {
	version, err := sim.Supervisor().CheckClient(ctx)
	if err != nil {
		return err
	}
	a.logger.Info("execution client found", slog.String("version", version))
	return sim.InitializeLedger(ctx)
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func newInitCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write the genesis and initialize the client's data directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.cfg.Validate(); err != nil {
				return err
			}
			sim, err := a.newSimulator()
			if err != nil {
				return err
			}
			defer sim.Close()

			ctx, cancel := signalContext()
			defer cancel()
			return a.initLedger(ctx, sim)
		},
	}
}

func newRunCmd(a *app) *cobra.Command {
	var (
		duration time.Duration
		count    int
		seed     uint64
		realtime bool
		initFlag bool
	)

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run one simulation and print its summary",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			flags := cmd.Flags()
			switch {
			case flags.Changed("duration") && flags.Changed("count"):
				a.cfg.Run.Duration, a.cfg.Run.Count = duration, count
			case flags.Changed("duration"):
				a.cfg.Run.Duration, a.cfg.Run.Count = duration, 0
			case flags.Changed("count"):
				a.cfg.Run.Duration, a.cfg.Run.Count = 0, count
			}
			if flags.Changed("seed") {
				a.cfg.Workload.Seed = seed
			}
			if flags.Changed("realtime") {
				a.cfg.Run.Realtime = realtime
			}
			if err := a.cfg.Validate(); err != nil {
				return err
			}

			store, err := a.openStorage()
			if err != nil {
				return err
			}
			var opts []simulator.Option
			if store != nil {
				defer store.Close()
				opts = append(opts, simulator.WithStorage(store))
			}

			sim, err := a.newSimulator(opts...)
			if err != nil {
				return err
			}
			defer sim.Close()

			ctx, cancel := signalContext()
			defer cancel()

			if initFlag || a.cfg.Genesis.Initialize {
				if err := a.initLedger(ctx, sim); err != nil {
					return err
				}
			}

			record, err := sim.Run(ctx, simulator.RunRequest{Stop: a.cfg.Run.StopCondition()})
			if record != nil {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				if encErr := enc.Encode(record); encErr != nil {
					return encErr
				}
			}
			if errors.Is(err, context.Canceled) {
				a.logger.Info("run interrupted")
				return nil
			}
			return err
		},
	}

	flags := runCmd.Flags()
	flags.DurationVarP(&duration, "duration", "d", 0, "Stop after this much simulated time")
	flags.IntVarP(&count, "count", "n", 0, "Stop after this many transfer attempts")
	flags.Uint64Var(&seed, "seed", 0, "Workload seed (0 = random)")
	flags.BoolVar(&realtime, "realtime", false, "Sleep the sampled intervals")
	flags.BoolVar(&initFlag, "init", false, "Initialize the ledger before connecting")
	return runCmd
}
