package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/faredown/bargain/internal/api"
	"github.com/faredown/bargain/internal/audit"
	"github.com/faredown/bargain/internal/capsule"
	"github.com/faredown/bargain/internal/circuitbreaker"
	"github.com/faredown/bargain/internal/config"
	"github.com/faredown/bargain/internal/infra"
	"github.com/faredown/bargain/internal/middleware"
	"github.com/faredown/bargain/internal/negotiation"
	"github.com/faredown/bargain/internal/offerability"
	"github.com/faredown/bargain/internal/policy"
	"github.com/faredown/bargain/internal/scoring"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

func main() {
	configPath := flag.String("config", os.Getenv("BARGAIN_CONFIG"), "path to YAML config")
	flag.Parse()

	// .env is optional; real deployments inject the environment directly
	_ = godotenv.Load()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		slog.Error("Failed to load config", "path", *configPath, "error", err)
		os.Exit(1)
	}
	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		slog.Error("Invalid environment", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("Invalid config", "error", err)
		os.Exit(1)
	}

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(cfg.Server.LogLevel),
	})))

	ctx := context.Background()
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	checks := map[string]api.HealthCheck{}

	// Fast cache (optional)
	var cache policy.FastCache
	if cfg.Redis.Addr != "" {
		rdb, err := infra.NewGoRedisAdapter(ctx, infra.RedisOptions{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		if err != nil {
			slog.Warn("Redis unavailable, running without policy fast cache", "error", err)
		} else {
			defer rdb.Close()
			cache = policy.NewRedisCache(rdb, cfg.Policy.CacheKey)
			checks["redis"] = rdb.Ping
		}
	}

	// Durable store (optional)
	var db *sql.DB
	if cfg.Postgres.DSN != "" {
		db, err = infra.OpenPostgres(ctx, infra.PostgresOptions{
			DSN:             cfg.Postgres.DSN,
			MaxOpenConns:    cfg.Postgres.MaxOpenConns,
			MaxIdleConns:    cfg.Postgres.MaxIdleConns,
			ConnMaxLifetime: time.Duration(cfg.Postgres.ConnMaxLifetimeMin) * time.Minute,
		})
		if err != nil {
			slog.Warn("Postgres unavailable, serving the built-in policy without audit", "error", err)
			db = nil
		} else {
			defer db.Close()
			checks["postgres"] = db.PingContext
		}
	}

	policyMetrics := policy.NewMetrics(reg)
	breaker := circuitbreaker.New(circuitbreaker.Config{
		Name:             "policy-source",
		FailureThreshold: cfg.Policy.BreakerThreshold,
		CoolDown:         cfg.Policy.BreakerCoolDown(),
		OnStateChange:    policyMetrics.ObserveBreaker,
	})

	var source policy.Source
	if db != nil {
		source = policy.NewPostgresSource(db)
	}
	store := policy.NewStore(cache, source, policy.Options{
		TTL:          cfg.Policy.TTL(),
		FailureTTL:   cfg.Policy.FailureTTL(),
		FetchTimeout: cfg.Policy.FetchTimeout(),
		Breaker:      breaker,
		Refreshes:    policyMetrics.Refreshes,
	})

	signer, err := capsule.NewSigner(cfg.Signing.Algorithm, []byte(cfg.Signing.Secret), cfg.Signing.KeyID)
	if err != nil {
		slog.Error("Failed to initialise signer", "algorithm", cfg.Signing.Algorithm, "error", err)
		os.Exit(1)
	}
	verifiers := []capsule.Signer{signer}
	for _, id := range cfg.Signing.LegacyKeyIDs {
		legacy, err := capsule.NewKeyedDigestSigner([]byte(cfg.Signing.Secret), id)
		if err != nil {
			slog.Error("Failed to initialise legacy verifier", "key_id", id, "error", err)
			os.Exit(1)
		}
		verifiers = append(verifiers, legacy)
	}
	slog.Info("Capsule signer ready",
		"algorithm", signer.Algorithm(),
		"key_id", signer.KeyID(),
		"public_key", signer.PublicKey(),
	)

	orch := negotiation.NewOrchestrator(store, offerability.NewGenerator(), scoring.NewEngine(nil),
		capsule.NewCapsuleSigner(signer), negotiation.NewMetrics(reg))

	deps := api.Deps{
		Negotiator: orch,
		Policies:   store,
		Verifier:   capsule.NewVerifier(verifiers...),
		Gatherer:   reg,
		Checks:     checks,
	}

	var recorder *audit.Recorder
	if db != nil && cfg.Audit.Enabled {
		auditStore := audit.NewPostgresStore(db)
		recorder = audit.NewRecorder(auditStore, cfg.Audit.QueueSize, cfg.Audit.WriteTimeout())
		orch.Observer = recorder
		deps.Capsules = auditStore
	}

	if cfg.RateLimit.Enabled {
		deps.Limiter = middleware.NewRateLimiter(middleware.RateLimitConfig{
			RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
			Burst:             cfg.RateLimit.Burst,
		})
		defer deps.Limiter.Close()
	}

	// Warm the policy so the first request does not pay for the refresh.
	p := store.LoadPolicy(ctx)
	slog.Info("Active policy", "version", p.Version, "source", store.LastSource())

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      api.NewServer(deps).Router(),
		ReadTimeout:  cfg.Server.ReadTimeout(),
		WriteTimeout: cfg.Server.WriteTimeout(),
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	done := make(chan struct{})

	go func() {
		defer close(done)
		<-sigChan
		slog.Info("Received shutdown signal, shutting down gracefully...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout())
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("Server shutdown error", "error", err)
		}
	}()

	slog.Info("Bargain API starting", "port", cfg.Server.Port, "env", cfg.Server.Env)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("Server failed to start", "error", err)
		os.Exit(1)
	}
	<-done

	if recorder != nil {
		recorder.Close()
		slog.Info("Audit recorder drained", "written", recorder.Written(), "dropped", recorder.Dropped())
	}
	slog.Info("Server stopped")
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
