// Package app wires the subsystems into a runnable server.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"

	"github.com/sessiondesk/sessiondesk/internal/alert"
	"github.com/sessiondesk/sessiondesk/internal/auth"
	"github.com/sessiondesk/sessiondesk/internal/billing"
	"github.com/sessiondesk/sessiondesk/internal/bundle"
	"github.com/sessiondesk/sessiondesk/internal/geo"
	"github.com/sessiondesk/sessiondesk/internal/httpapi"
	"github.com/sessiondesk/sessiondesk/internal/logging"
	"github.com/sessiondesk/sessiondesk/internal/metrics"
	"github.com/sessiondesk/sessiondesk/internal/store"
	"github.com/sessiondesk/sessiondesk/internal/token"
	"github.com/sessiondesk/sessiondesk/internal/tracing"
)

// Server owns the router and the background sweeper.
type Server struct {
	cfg Config

	r       *chi.Mux
	store   store.Store
	sweeper *billing.Sweeper
	logger  *slog.Logger

	tracingShutdown func(context.Context) error
}

// NewServer builds the full dependency graph. The sweeper is constructed but
// not started; callers start it alongside the listener.
func NewServer(cfg Config) (*Server, error) {
	logger := logging.Setup(cfg.LogLevel)

	tracingShutdown, err := tracing.Setup(tracing.Config{
		Enabled:     cfg.OTelEnabled,
		Endpoint:    cfg.OTelEndpoint,
		ServiceName: "sessiondesk",
	})
	if err != nil {
		return nil, fmt.Errorf("tracing setup: %w", err)
	}

	m := metrics.New()

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(logging.RequestLogger(logger))
	r.Use(middleware.Recoverer)
	r.Use(tracing.Middleware())
	r.Use(m.Middleware())
	origins := cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PATCH", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	db, err := store.NewSQLite(cfg.DBDSN)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	logger.Info("database initialized", slog.String("dsn", cfg.DBDSN))

	if err := bootstrapRoot(context.Background(), db, cfg, logger); err != nil {
		_ = db.Close()
		return nil, err
	}

	signer, err := bundle.NewS3Signer(context.Background(), bundle.S3Config{
		Endpoint:  cfg.S3Endpoint,
		Region:    cfg.S3Region,
		Bucket:    cfg.S3Bucket,
		AccessKey: cfg.S3AccessKey,
		SecretKey: cfg.S3SecretKey,
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("object store: %w", err)
	}

	var resolver geo.Resolver = geo.Noop{}
	if cfg.GeoProviderURL != "" {
		resolver = geo.NewHTTPResolver(cfg.GeoProviderURL)
	}

	codec := token.NewCodec(cfg.JWTAccessSecret, cfg.JWTRefreshSecret, cfg.AccessTokenTTL, cfg.RefreshTokenTTL)
	alerts := alert.NewGenerator(db, logger)
	alerts.OnAlert = func(alertType, severity string) {
		m.AlertsTotal.WithLabelValues(alertType, severity).Inc()
	}
	billingSvc := billing.NewService(db, logger)
	sweeper := billing.NewSweeper(billingSvc, logger)
	sweeper.OnSweep = func(disabled int) {
		m.SweepDisabled.Add(float64(disabled))
	}

	httpapi.MountRoutes(r, httpapi.Dependencies{
		Store:   db,
		Engine:  auth.NewEngine(db, codec, resolver, alerts, logger),
		Auth:    auth.NewMiddleware(db, codec, logger),
		Billing: billingSvc,
		Bundle:  bundle.NewService(db, signer, logger),
		Metrics: m,
		Logger:  logger,
	})

	return &Server{
		cfg:             cfg,
		r:               r,
		store:           db,
		sweeper:         sweeper,
		logger:          logger,
		tracingShutdown: tracingShutdown,
	}, nil
}

// bootstrapRoot creates the first operator-root account from the environment
// when none exists yet.
func bootstrapRoot(ctx context.Context, db store.Store, cfg Config, logger *slog.Logger) error {
	if cfg.RootEmail == "" {
		return nil
	}
	n, err := db.CountOperatorRoots(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	hash, err := auth.HashPassword(cfg.RootPassword)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	err = db.CreateUser(ctx, store.UserRecord{
		ID:           uuid.NewString(),
		Email:        cfg.RootEmail,
		PasswordHash: hash,
		Role:         store.RoleOperatorRoot,
		Status:       store.StatusActive,
		CreatedAt:    now,
		UpdatedAt:    now,
	})
	if err != nil {
		return fmt.Errorf("bootstrap operator-root: %w", err)
	}
	logger.Info("bootstrapped operator-root", slog.String("email", cfg.RootEmail))
	return nil
}

// Router exposes the mounted handler for the HTTP listener.
func (s *Server) Router() http.Handler { return s.r }

// StartSweeper begins the hourly billing sweep.
func (s *Server) StartSweeper() error { return s.sweeper.Start() }

// Close stops the sweeper, flushes traces, and closes the store.
func (s *Server) Close() error {
	s.sweeper.Stop()
	if s.tracingShutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.tracingShutdown(ctx); err != nil {
			s.logger.Warn("tracing shutdown", slog.String("error", err.Error()))
		}
	}
	return s.store.Close()
}
