package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/The-social-drink-company/sentia-ai-manufacturing-app-sub020/internal/auth"
	"github.com/The-social-drink-company/sentia-ai-manufacturing-app-sub020/internal/events"
	"github.com/The-social-drink-company/sentia-ai-manufacturing-app-sub020/internal/httpserver"
	"github.com/The-social-drink-company/sentia-ai-manufacturing-app-sub020/internal/sweeper"
)

var (
	serveAddr     string
	serveNoSweep  bool
	serveNoRelay  bool
	shutdownGrace = 10 * time.Second
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API with the archival sweeper and change-event relay",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer a.Close()

		verifier, err := auth.NewVerifier(cfg)
		if err != nil {
			return fmt.Errorf("approver auth init: %w", err)
		}

		addr := serveAddr
		if addr == "" {
			addr = cfg.Addr
		}
		srv := &http.Server{
			Addr: addr,
			Handler: httpserver.New(httpserver.Deps{
				Artifacts:  a.artifacts,
				Ledger:     a.ledger,
				Governance: a.governance,
				Store:      a.store,
				Auth:       verifier,
				Logger:     logger.Named("http"),
			}).Router(),
			ReadHeaderTimeout: 10 * time.Second,
		}

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			logger.Info("baseline registry listening", zap.String("addr", addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownGrace)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Warn("graceful shutdown failed", zap.Error(err))
			}
			return nil
		})
		if !serveNoSweep {
			sw := sweeper.New(a.artifacts, logger.Named("sweeper"), sweeper.Config{
				Interval:      cfg.SweepInterval,
				OlderThanDays: cfg.ArchiveAfterDays,
			})
			g.Go(func() error { return sw.Run(gctx) })
		}
		if !serveNoRelay {
			relay := events.NewRelay(a.store, a.publisher, logger.Named("relay"), events.RelayConfig{
				Interval:       cfg.RelayInterval,
				PublishTimeout: cfg.StoreTimeout,
			})
			g.Go(func() error { return relay.Run(gctx) })
		}

		err = g.Wait()
		logger.Info("baseline registry stopped")
		return err
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (default from BASELINE_REGISTRY_ADDR)")
	serveCmd.Flags().BoolVar(&serveNoSweep, "no-sweep", false, "do not run the archival sweeper")
	serveCmd.Flags().BoolVar(&serveNoRelay, "no-relay", false, "do not run the change-event relay")
	rootCmd.AddCommand(serveCmd)
}
