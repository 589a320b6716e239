package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/microfarm/microfarm/internal/infrastructure/configs"
	"github.com/microfarm/microfarm/internal/infrastructure/logging"
	"github.com/microfarm/microfarm/internal/infrastructure/metrics"
	"github.com/microfarm/microfarm/internal/infrastructure/ratelimiter"
	certificatesHandler "github.com/microfarm/microfarm/internal/presentation/handler/certificates"
	healthHandler "github.com/microfarm/microfarm/internal/presentation/handler/health"
	storageHandler "github.com/microfarm/microfarm/internal/presentation/handler/storage"
)

const (
	requestTimeout  = 60 * time.Second
	shutdownTimeout = 5 * time.Second
)

type Application struct {
	config              configs.HTTPConfig
	healthHandler       *healthHandler.Handler
	certificatesHandler *certificatesHandler.Handler
	storageHandler      *storageHandler.Handler
	metrics             *metrics.Metrics
	logger              logging.Logger
	ratelimiter         ratelimiter.Limiter
}

func NewApplication(
	config configs.HTTPConfig,
	healthHandler *healthHandler.Handler,
	certificatesHandler *certificatesHandler.Handler,
	storageHandler *storageHandler.Handler,
	metrics *metrics.Metrics,
	logger logging.Logger,
	ratelimiter ratelimiter.Limiter,
) *Application {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Application{
		config:              config,
		healthHandler:       healthHandler,
		certificatesHandler: certificatesHandler,
		storageHandler:      storageHandler,
		metrics:             metrics,
		logger:              logger,
		ratelimiter:         ratelimiter,
	}
}

func (app *Application) Mount() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(app.loggerMiddleware)
	r.Use(app.prometheusMiddleware)
	r.Use(app.enableCors)

	r.Route("/api", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(requestTimeout))

			r.Get("/health", app.healthHandler.GetHealth)
			r.Get("/live", app.healthHandler.GetLive)

			r.Route("/certificates", func(r chi.Router) {
				r.Post("/", app.certificatesHandler.ListCertificatesHandler)
				r.Get("/{serial}", app.certificatesHandler.GetCertificateHandler)

				r.Group(func(r chi.Router) {
					r.Use(app.rateLimiterMiddleware)
					r.Post("/new", app.certificatesHandler.CreateCertificateHandler)
					r.Post("/{serial}/revoke", app.certificatesHandler.RevokeCertificateHandler)
				})
			})
		})

		// Uploads stream for as long as the client keeps sending; the handler
		// lifts the server write deadline.
		r.Put("/storage/upload/{folder}", app.storageHandler.UploadHandler)
	})

	if app.metrics != nil {
		r.Handle("/metrics", app.metrics.Handler())
	}

	return otelhttp.NewHandler(r, "microfarm-api")
}

// Run serves mux until ctx is done, then drains in-flight requests.
func (app *Application) Run(ctx context.Context, mux http.Handler) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", app.config.Host, app.config.Port),
		Handler:           mux,
		ReadHeaderTimeout: app.config.ReadTimeout,
		WriteTimeout:      app.config.WriteTimeout,
		IdleTimeout:       time.Minute,
	}

	shutdown := make(chan error, 1)

	go func() {
		<-ctx.Done()

		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		app.logger.Info(logging.General, logging.Shutdown, "shutting down http server", map[logging.ExtraKey]any{
			logging.Address: srv.Addr,
		})

		shutdown <- srv.Shutdown(sctx)
	}()

	app.logger.Info(logging.General, logging.Startup, "server has started", map[logging.ExtraKey]any{
		logging.Address: srv.Addr,
	})

	err := srv.ListenAndServe()
	if !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	if err := <-shutdown; err != nil {
		return err
	}

	app.logger.Info(logging.General, logging.Shutdown, "server has stopped", map[logging.ExtraKey]any{
		logging.Address: srv.Addr,
	})

	return nil
}
