package httpserver

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/wisbric/preflightwatch/internal/telemetry"
)

// Config is the subset of application configuration the server shell needs.
type Config struct {
	CORSAllowedOrigins []string
}

// Server holds the HTTP server dependencies and the two route groups
// domain handlers mount onto: Router (public) and APIRouter (/api/v1,
// bearer-token authenticated).
type Server struct {
	Router    *chi.Mux
	APIRouter chi.Router
	Logger    *slog.Logger
	DB        *pgxpool.Pool
	Redis     *redis.Client
	startedAt time.Time
}

// NewServer creates an HTTP server with the ambient middleware chain
// (request id, structured logging, Prometheus timing, panic recovery, CORS),
// health/ready probes, and an authenticated /api/v1 sub-router. authn is the
// bearer-token middleware from internal/authn; metricsHandler serves the
// custom Prometheus exposition built by pkg/analytics. When
// metricsAuthDisabled is set, the metrics route is mounted outside authn so
// a scraper that carries no bearer token can still reach it.
func NewServer(cfg Config, logger *slog.Logger, db *pgxpool.Pool, rdb *redis.Client, authn func(http.Handler) http.Handler, metricsHandler http.Handler, metricsAuthDisabled bool) *Server {
	s := &Server{
		Router:    chi.NewRouter(),
		Logger:    logger,
		DB:        db,
		Redis:     rdb,
		startedAt: time.Now(),
	}

	s.Router.Use(RequestID)
	s.Router.Use(Logger(logger))
	s.Router.Use(Metrics(telemetry.HTTPRequestDuration))
	s.Router.Use(middleware.Recoverer)
	s.Router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSAllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	s.Router.Get("/healthz", s.handleHealthz)
	s.Router.Get("/readyz", s.handleReadyz)

	if metricsAuthDisabled {
		s.Router.Get("/api/v1/diagnostics/metrics", metricsHandler.ServeHTTP)
	}

	s.Router.Route("/api/v1", func(r chi.Router) {
		r.Use(authn)

		if !metricsAuthDisabled {
			r.Get("/diagnostics/metrics", metricsHandler.ServeHTTP)
		}

		s.APIRouter = r
	})

	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.Router.ServeHTTP(w, r)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	Respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if err := s.DB.Ping(ctx); err != nil {
		s.Logger.Error("readiness check: database ping failed", "error", err)
		RespondError(w, http.StatusServiceUnavailable, "unavailable", "database not ready")
		return
	}

	if err := s.Redis.Ping(ctx).Err(); err != nil {
		s.Logger.Error("readiness check: redis ping failed", "error", err)
		RespondError(w, http.StatusServiceUnavailable, "unavailable", "redis not ready")
		return
	}

	Respond(w, http.StatusOK, map[string]string{"status": "ready"})
}
