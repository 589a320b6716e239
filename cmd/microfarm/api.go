package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/microfarm/microfarm/internal/infrastructure/ratelimiter"
	"github.com/microfarm/microfarm/internal/infrastructure/rpc"
	"github.com/microfarm/microfarm/internal/infrastructure/storage"
	"github.com/microfarm/microfarm/internal/presentation/api"
	"github.com/microfarm/microfarm/internal/presentation/handler/certificates"
	"github.com/microfarm/microfarm/internal/presentation/handler/health"
	storageHandler "github.com/microfarm/microfarm/internal/presentation/handler/storage"
	"github.com/microfarm/microfarm/internal/workers/persistence"
)

func newAPICommand() *cobra.Command {
	return &cobra.Command{
		Use:   "api",
		Short: "Serve the HTTP front door",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := setup(cmd, "microfarm-api")
			if err != nil {
				return err
			}
			defer rt.close()

			return runAPI(cmd.Context(), rt)
		},
	}
}

func runAPI(ctx context.Context, rt *process) error {
	services := rpc.NewRegistry(rt.cfg.RPC.Services, rt.cfg.RPC.Timeout, rt.logger, rt.metrics)
	pki, err := services.Get("pki")
	if err != nil {
		return err
	}
	certs, err := services.Get(persistence.ServiceName)
	if err != nil {
		return err
	}

	store, err := storage.NewMinioStore(storage.ConfigFrom(rt.cfg.Storage))
	if err != nil {
		return err
	}
	uploader := storage.NewUploader(store, storage.UploaderOptions{
		ChunkSize:     rt.cfg.Storage.ChunkSize,
		QueueCapacity: rt.cfg.Storage.QueueCapacity,
		Limiter:       storage.NewLimiter(rt.cfg.Storage.BytesPerSecond),
		Logger:        rt.logger,
		Metrics:       rt.metrics,
	})

	limiter := ratelimiter.NewFixedWindow(rt.cfg.HTTP.RateLimit.Requests, rt.cfg.HTTP.RateLimit.Window)
	defer limiter.Close()

	healthHandler := health.NewHandler(map[string]health.Check{
		"storage": func(ctx context.Context) error {
			_, err := store.Client().ListBuckets(ctx)
			return err
		},
	})

	app := api.NewApplication(
		rt.cfg.HTTP,
		healthHandler,
		certificates.NewHandler(pki, certs, rt.logger),
		storageHandler.NewHandler(uploader, store, rt.logger),
		rt.metrics,
		rt.logger,
		limiter,
	)

	return app.Run(ctx, app.Mount())
}
