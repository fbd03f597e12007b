package cmd

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/factline/factline/internal/config"
	ferrors "github.com/factline/factline/internal/errors"
	"github.com/factline/factline/internal/server"
)

func newServeCmd() *cobra.Command {
	var socket string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the storage server on a Unix socket",
		Long: `Serve exposes the configured local backend over the storage RPC
protocol. Pipelines and CLI commands on the same host connect with
storage.backend=remote. Stops cleanly on SIGINT or SIGTERM.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if socket != "" {
				cfg.Server.Socket = socket
			}
			if cfg.Storage.Backend == config.BackendRemote {
				return ferrors.New(ferrors.ErrCodeConfigInvalid,
					"serve needs a local backend, not remote", nil)
			}
			return runServe(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVar(&socket, "socket", "", "Socket path (overrides config)")
	return cmd
}

func runServe(ctx context.Context, cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	srv := server.NewServer(cfg.Server.Socket, cfg.Storage.Backend, store, slog.Default())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := srv.ListenAndServe(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	if cfg.Metrics.Enabled {
		metricsSrv := &http.Server{
			Addr:              cfg.Metrics.Listen,
			Handler:           promhttp.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			slog.Info("metrics_listening", slog.String("addr", cfg.Metrics.Listen))
			err := metricsSrv.ListenAndServe()
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return metricsSrv.Shutdown(shutdownCtx)
		})
	}

	return g.Wait()
}
