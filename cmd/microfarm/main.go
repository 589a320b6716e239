package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/microfarm/microfarm/internal/infrastructure/configs"
	"github.com/microfarm/microfarm/internal/infrastructure/logging"
	"github.com/microfarm/microfarm/internal/infrastructure/metrics"
	"github.com/microfarm/microfarm/internal/infrastructure/tracing"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "microfarm",
		Short:         "Certificate issuance and storage services",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringP("config", "c", "", "path to YAML config file (defaults to $MICROFARM_CONFIG or ./config.yaml)")

	cmd.AddCommand(
		newAPICommand(),
		newPKICommand(),
		newPersistenceCommand(),
		newTopologyCommand(),
	)
	return cmd
}

// process is what every subcommand starts from.
type process struct {
	cfg     *configs.Config
	logger  logging.Logger
	metrics *metrics.Metrics
	tracing tracing.ShutdownFunc
}

func setup(cmd *cobra.Command, service string) (*process, error) {
	flag, _ := cmd.Flags().GetString("config")
	path := configs.DetermineConfigPath(flag)

	cfg, err := configs.Load(path)
	if err != nil {
		return nil, err
	}

	logger, err := logging.NewLogger(&cfg.Logger)
	if err != nil {
		return nil, err
	}

	shutdown, err := tracing.InitTracer(cmd.Context(), service, cfg.Tracing)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize the tracer: %w", err)
	}

	logger.Info(logging.General, logging.Startup, "starting "+service, map[logging.ExtraKey]any{
		logging.AppName: service,
		"config":        path,
		"pid":           os.Getpid(),
	})

	return &process{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics.New(),
		tracing: shutdown,
	}, nil
}

func (rt *process) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rt.tracing(ctx); err != nil {
		rt.logger.Warn(logging.General, logging.Shutdown, "failed to flush traces", map[logging.ExtraKey]any{
			logging.ErrorMessage: err.Error(),
		})
	}
	_ = rt.logger.Sync()
}

// serveMetrics exposes /metrics on addr until ctx is done. An empty addr
// disables it.
func (rt *process) serveMetrics(ctx context.Context, addr string) {
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", rt.metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()

	go func() {
		rt.logger.Info(logging.Prometheus, logging.Startup, "metrics listening", map[logging.ExtraKey]any{
			logging.Address: addr,
		})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			rt.logger.Error(logging.Prometheus, logging.Startup, "metrics server failed", map[logging.ExtraKey]any{
				logging.ErrorMessage: err.Error(),
			})
		}
	}()
}
