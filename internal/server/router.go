package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"github.com/rpattn/profilesvc/internal/auth"
	"github.com/rpattn/profilesvc/internal/export"
	"github.com/rpattn/profilesvc/internal/ingestion"
	"github.com/rpattn/profilesvc/internal/middleware"
	"github.com/rpattn/profilesvc/internal/profile"
	"github.com/rpattn/profilesvc/internal/repository"
)

// Deps are the collaborators the router wires together.
type Deps struct {
	Store          repository.Store
	Authenticator  *auth.Authenticator
	Logger         *slog.Logger
	CORSOrigins    []string
	MaxUploadBytes int64
	CoordinatorOpt []profile.CoordinatorOption
	IngestionOpt   []ingestion.Option
	// Gatherer backs /metrics. Defaults to the global registry.
	Gatherer prometheus.Gatherer
}

// NewRouter builds the full HTTP surface. /healthz and /metrics are served
// without authentication.
func NewRouter(deps Deps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	gatherer := deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	opts := append([]profile.CoordinatorOption{profile.WithLogger(logger)}, deps.CoordinatorOpt...)
	coordinator := profile.NewCoordinator(deps.Store, opts...)
	projector := profile.NewProjector(deps.Store)

	api := http.NewServeMux()
	profile.NewHTTPHandler(coordinator, projector, logger).Register(api)
	export.NewHTTPHandler(export.NewService(projector, logger)).Register(api)
	ingestion.NewHTTPHandler(ingestion.NewService(coordinator, logger, deps.IngestionOpt...), deps.MaxUploadBytes).Register(api)

	var protected http.Handler = middleware.DataLoaderMiddleware(projector)(api)
	if deps.Authenticator != nil {
		protected = deps.Authenticator.Middleware(protected)
	}

	root := http.NewServeMux()
	root.Handle("GET /healthz", healthHandler(deps.Store))
	root.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	root.Handle("/", protected)

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   deps.CORSOrigins,
		AllowCredentials: true,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{middleware.RequestIDHeader},
	})

	return middleware.RequestID(middleware.Logging(logger)(corsHandler.Handler(root)))
}

func healthHandler(store repository.Store) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := store.Ping(ctx); err != nil {
			profile.WriteError(w, err)
			return
		}
		profile.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
}
