package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/gateway-fm/ethsimulator/internal/metrics"
	"github.com/gateway-fm/ethsimulator/internal/simulator"
	"github.com/gateway-fm/ethsimulator/internal/transport"
)

const shutdownTimeout = 30 * time.Second

func newServeCmd(a *app) *cobra.Command {
	var listen string

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API that starts, stops and reports simulations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Flags().Changed("listen") {
				a.cfg.Server.Listen = listen
			}
			if err := a.cfg.Validate(); err != nil {
				return err
			}

			store, err := a.openStorage()
			if err != nil {
				return err
			}
			reg := prometheus.NewRegistry()
			reg.MustRegister(
				collectors.NewGoCollector(),
				collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			)
			opts := []simulator.Option{simulator.WithMetrics(metrics.NewPrometheusMetrics(reg))}
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

			if a.cfg.Genesis.Initialize {
				if err := a.initLedger(ctx, sim); err != nil {
					return err
				}
			}

			return serve(ctx, a.cfg.Server.Listen, transport.NewServer(sim, reg, a.logger, a.cfg.Server.CORSOrigins), a.logger)
		},
	}
	serveCmd.Flags().StringVarP(&listen, "listen", "l", "", "HTTP API listen address (default: server.listen)")
	return serveCmd
}

// serve runs the API and the status stream until ctx is cancelled or the
// listener fails.
func serve(ctx context.Context, addr string, server *transport.Server, logger *slog.Logger) error {
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("starting HTTP server", slog.String("addr", addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return server.WebSocket().Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
