package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/ledgersync/ledgersync/internal/config"
	"github.com/ledgersync/ledgersync/internal/connectors/credstore"
	"github.com/ledgersync/ledgersync/internal/httpapi"
	"github.com/ledgersync/ledgersync/internal/store"
	appsync "github.com/ledgersync/ledgersync/internal/sync"
	"github.com/ledgersync/ledgersync/internal/webhook"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the webhook receiver, metrics endpoint, and background sync loop.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

func runServe() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer pool.Close()

	creds := credstore.NewPGStore(pool)
	resync := webhook.NewExpiringQueue(cfg.WebhookReplayWindow)
	runner, err := buildRunner(cfg, creds, store.NewPGSink(pool), resync, slog.Default())
	if err != nil {
		return err
	}

	scheduler := appsync.Scheduler{Runner: runner, Interval: cfg.SyncInterval}
	go scheduler.Run(ctx)

	srv := httpapi.NewEchoServer(creds, runner, resync, slog.Default())

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("listening", "addr", cfg.HTTPAddr)
		errCh <- srv.StartServer(httpServer)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
