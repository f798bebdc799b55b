package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	jdhttp "github.com/jurisdesk/jurisdesk/internal/adapter/http"
	jdnats "github.com/jurisdesk/jurisdesk/internal/adapter/nats"
	jdotel "github.com/jurisdesk/jurisdesk/internal/adapter/otel"
	"github.com/jurisdesk/jurisdesk/internal/adapter/postgres"
	"github.com/jurisdesk/jurisdesk/internal/adapter/ristretto"
	"github.com/jurisdesk/jurisdesk/internal/config"
	"github.com/jurisdesk/jurisdesk/internal/domain/safety"
	"github.com/jurisdesk/jurisdesk/internal/logger"
	"github.com/jurisdesk/jurisdesk/internal/middleware"
	"github.com/jurisdesk/jurisdesk/internal/ratelimit"
	"github.com/jurisdesk/jurisdesk/internal/service"
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	log := logger.New(cfg.Logging)
	slog.SetDefault(log)

	log.Info("config loaded",
		"port", cfg.Server.Port,
		"log_level", cfg.Logging.Level,
		"pg_max_conns", cfg.Postgres.MaxConns,
		"shared_rate_limits", cfg.NATS.SharedRateLimits,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Infrastructure ---

	shutdownTracer, err := jdotel.InitTracer(ctx, cfg.Tracing, cfg.Logging.Service)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	defer func() { _ = shutdownTracer(context.Background()) }()

	pool, err := postgres.NewPool(ctx, cfg.Postgres)
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	defer pool.Close()
	log.Info("postgres connected")

	if err := postgres.RunMigrations(ctx, cfg.Postgres.DSN); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
	log.Info("migrations applied")

	queue, err := jdnats.Connect(ctx, cfg.NATS.URL)
	if err != nil {
		return fmt.Errorf("nats: %w", err)
	}
	defer func() { _ = queue.Close() }()

	cache, err := ristretto.New(cfg.Cache.MaxSizeMB << 20)
	if err != nil {
		return fmt.Errorf("cache: %w", err)
	}
	defer cache.Close()

	// --- Rate limiting ---

	var counter ratelimit.Counter
	if cfg.NATS.SharedRateLimits {
		counter, err = jdnats.NewCounter(ctx, queue, cfg.NATS.RateLimitBucket, cfg.NATS.RateLimitKVTTL)
		if err != nil {
			return fmt.Errorf("rate-limit counter: %w", err)
		}
	} else {
		mem := ratelimit.NewMemoryCounter(cfg.Rate.MaxTrackedKeys)
		stopCleanup := mem.StartCleanup(cfg.Rate.CleanupInterval, cfg.Rate.MaxIdleTime)
		defer stopCleanup()
		counter = mem
	}

	limiters := jdhttp.Limiters{
		Command:   ratelimit.New("command", ratelimit.Config{Limit: cfg.Rate.CommandLimit, Window: cfg.Rate.CommandWindow}, counter),
		Claim:     ratelimit.New("claim", ratelimit.Config{Limit: cfg.Rate.ClaimLimit, Window: cfg.Rate.ClaimWindow}, counter),
		Connector: ratelimit.New("connector", ratelimit.Config{Limit: cfg.Rate.ConnectorLimit, Window: cfg.Rate.ConnectorWindow}, counter),
	}

	// --- Services ---

	store := postgres.NewStore(pool)
	sink := jdnats.NewAuditSink(queue)
	chain := safety.NewChain()
	chain.RegisterGate(safety.StageDirectorPlan, "plan_step_limit", safety.PlanStepLimitGate(50))
	chain.RegisterGate(safety.StageSafety, "risk_score", safety.RiskScoreGate(0.8))

	orchSvc := service.NewOrchestratorService(store, chain, sink, &cfg.Orchestrator, log)
	capSvc := service.NewCapabilityService(store, cache, cfg.Cache.CapabilitiesTTL, log)

	// --- HTTP ---

	handlers := jdhttp.NewHandlers(orchSvc, capSvc, log)

	r := chi.NewRouter()
	r.Use(jdhttp.CORS(cfg.Server.CORSOrigin))
	r.Use(jdhttp.SecurityHeaders)
	r.Use(jdhttp.Logger)
	r.Use(middleware.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(30 * time.Second))

	r.Get("/health", healthHandler(pool.Ping))

	r.Group(func(r chi.Router) {
		r.Use(middleware.Identity)
		r.Use(middleware.Compliance(store, log))
		jdhttp.MountRoutes(r, handlers, limiters)
	})

	var handler http.Handler = r
	if cfg.Tracing.Enabled {
		handler = otelhttp.NewHandler(r, "jurisdesk.http")
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("starting server", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// healthHandler reports process liveness plus database reachability.
func healthHandler(ping func(context.Context) error) http.HandlerFunc {
	type healthStatus struct {
		Status   string `json:"status"`
		Postgres string `json:"postgres"`
	}

	return func(w http.ResponseWriter, r *http.Request) {
		status := healthStatus{Status: "ok", Postgres: "ok"}
		code := http.StatusOK
		if err := ping(r.Context()); err != nil {
			status.Status = "degraded"
			status.Postgres = err.Error()
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(status)
	}
}
