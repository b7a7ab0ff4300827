package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/af-corp/aegis-orchestrator/internal/auth"
	"github.com/af-corp/aegis-orchestrator/internal/classifier"
	"github.com/af-corp/aegis-orchestrator/internal/config"
	"github.com/af-corp/aegis-orchestrator/internal/gateway"
	"github.com/af-corp/aegis-orchestrator/internal/httputil"
	"github.com/af-corp/aegis-orchestrator/internal/memory"
	"github.com/af-corp/aegis-orchestrator/internal/orchestrator"
	"github.com/af-corp/aegis-orchestrator/internal/ratelimit"
	"github.com/af-corp/aegis-orchestrator/internal/router"
	"github.com/af-corp/aegis-orchestrator/internal/synth"
	"github.com/af-corp/aegis-orchestrator/internal/telemetry"
)

var version = "dev"

func main() {
	configDir := flag.String("config", "configs", "path to configuration directory")
	flag.Parse()

	bootLogger := newLogger(config.DefaultConfig().Telemetry)
	loader := config.NewLoader(*configDir, bootLogger)
	if err := loader.Load(); err != nil {
		bootLogger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	cfg := loader.Config()

	logger := newLogger(cfg.Telemetry)
	slog.SetDefault(logger)

	if err := loader.Watch(); err != nil {
		logger.Warn("failed to start config watcher", "error", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dbPool, err := connectPostgres(ctx, cfg.Database)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer dbPool.Close()
	if err := dbPool.Ping(ctx); err != nil {
		logger.Warn("database not reachable (auth and postgres memory will fail)", "error", err)
	} else {
		logger.Info("database connected")
	}

	rdb := connectRedis(ctx, cfg.Redis, logger)
	if rdb != nil {
		defer rdb.Close()
	}

	metrics := telemetry.NewMetrics(prometheus.DefaultRegisterer)

	registry, err := router.BuildFromConfig(ctx, loader.Providers(), logger)
	if err != nil {
		logger.Error("failed to build provider registry", "error", err)
		os.Exit(1)
	}

	cb := cfg.Routing.CircuitBreaker
	health := router.NewHealthTracker(cb.FailureThreshold, cb.RecoveryProbeInterval)
	health.OnStateChange(func(provider string, from, to router.CircuitState) {
		logger.Warn("circuit state changed", "platform", provider, "from", from.String(), "to", to.String())
		metrics.SetCircuitState(provider, int(to))
	})

	policy := router.NewPolicy(func() config.PolicyConfig { return loader.Config().Policy }, logger)
	if cfg.Policy.Enabled {
		if err := policy.Load(); err != nil {
			logger.Error("failed to load routing policy", "error", err)
			os.Exit(1)
		}
	}

	selector := router.NewSelector(registry, *loader.Routing(), health, policy,
		func() config.FeaturesConfig { return loader.Config().Features }, logger)

	classifierCfg := func() config.ClassifierConfig { return loader.Config().Classifier }
	var learned classifier.Learned
	if cfg.Classifier.LearnedAddress != "" {
		grpcClassifier := classifier.NewGRPCClassifier(classifierCfg)
		if err := grpcClassifier.Connect(); err != nil {
			logger.Warn("learned classifier unavailable, using rules only", "error", err)
		} else {
			defer grpcClassifier.Close()
			learned = grpcClassifier
		}
	}
	cls := classifier.New(classifierCfg, learned, logger)
	applyRules(cls, loader.Routing(), logger)

	store, err := newStore(cfg, dbPool, rdb, logger)
	if err != nil {
		logger.Error("failed to create conversation store", "error", err)
		os.Exit(1)
	}

	loader.OnReload(func() {
		newRegistry, err := router.BuildFromConfig(ctx, loader.Providers(), logger)
		if err != nil {
			logger.Error("provider registry reload failed, keeping previous", "error", err)
			return
		}
		selector.Update(newRegistry, *loader.Routing())
		applyRules(cls, loader.Routing(), logger)
		cb := loader.Config().Routing.CircuitBreaker
		health.Configure(cb.FailureThreshold, cb.RecoveryProbeInterval)
		if loader.Config().Policy.Enabled {
			if err := policy.Load(); err != nil {
				logger.Error("routing policy reload failed", "error", err)
			}
		}
		logger.Info("routing reloaded", "providers", newRegistry.Len())
	})

	core := orchestrator.New(orchestrator.Deps{
		Classifier:  cls,
		Selector:    selector,
		Synthesizer: synth.New(func() config.ResponseConfig { return loader.Config().Response }, logger),
		Store:       store,
		Metrics:     metrics,
		Config:      loader.Config,
		Logger:      logger,
	})

	usage := ratelimit.NewUsageTracker(rdb, logger)
	handler := gateway.NewHandler(core, selector, store, usage, loader.Config, logger)
	keyStore := auth.NewCachedKeyStore(dbPool, rdb, logger)
	limiter := ratelimit.NewLimiter(rdb, logger)

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestIDMiddleware)

	r.Get("/aegis/v1/health", healthHandler(health))
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(keyStore, logger))
		r.Use(ratelimit.Middleware(limiter, usage, func() config.LimitsConfig { return loader.Config().Limits }, metrics, logger))
		handler.Routes(r)
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("gateway starting",
			"addr", addr,
			"version", version,
			"providers", registry.Len(),
			"memory_backend", cfg.Memory.Backend,
		)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulShutdown)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
		os.Exit(1)
	}
	logger.Info("gateway stopped")
}

func newLogger(cfg config.TelemetryConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.LogFormat, "text") {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

func connectPostgres(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("parse database config: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxOpenConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime
	}
	return pgxpool.NewWithConfig(ctx, poolCfg)
}

// connectRedis returns nil when Redis is unconfigured or unreachable; every
// Redis consumer fails open.
func connectRedis(ctx context.Context, cfg config.RedisConfig, logger *slog.Logger) *redis.Client {
	if len(cfg.Addresses) == 0 || cfg.Addresses[0] == "" {
		return nil
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addresses[0],
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Warn("redis not reachable (caches and rate limits disabled)", "error", err)
		rdb.Close()
		return nil
	}
	logger.Info("redis connected")
	return rdb
}

func newStore(cfg *config.Config, db *pgxpool.Pool, rdb *redis.Client, logger *slog.Logger) (memory.Store, error) {
	switch cfg.Memory.Backend {
	case "memory":
		return memory.NewInMemoryStore(), nil
	case "postgres", "":
		return memory.NewPostgresStore(db, rdb, cfg.Memory.MaxHistoryTurns, cfg.Memory.CacheTTL, logger), nil
	default:
		return nil, fmt.Errorf("unknown memory backend %q", cfg.Memory.Backend)
	}
}

// applyRules installs classifier rules from routing.yaml, keeping the
// current set when they do not compile.
func applyRules(cls *classifier.Classifier, tables *config.RoutingTables, logger *slog.Logger) {
	rules, err := classifier.CompileRules(tables.Rules)
	if err != nil {
		logger.Error("invalid classifier rules, keeping previous set", "error", err)
		return
	}
	cls.SetRules(rules)
}

func healthHandler(health *router.HealthTracker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteJSON(w, w.Header().Get("X-Request-ID"), http.StatusOK, map[string]any{
			"status":    "healthy",
			"version":   version,
			"providers": health.Snapshot(),
		})
	}
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = generateRequestID()
		}
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r)
	})
}

func generateRequestID() string {
	return "req_" + uuid.NewString()
}
