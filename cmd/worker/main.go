// Package main is the benchmark execution worker entry point. It consumes
// experiment run requests from Redpanda, executes agent cases in ephemeral
// Docker containers and persists results to Postgres.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/agent-bench-worker/internal/adapter/lock"
	"github.com/fairyhunter13/agent-bench-worker/internal/adapter/mockgateway"
	"github.com/fairyhunter13/agent-bench-worker/internal/adapter/observability"
	"github.com/fairyhunter13/agent-bench-worker/internal/adapter/otelingest"
	"github.com/fairyhunter13/agent-bench-worker/internal/adapter/queue/redpanda"
	"github.com/fairyhunter13/agent-bench-worker/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/agent-bench-worker/internal/adapter/sandbox/docker"
	"github.com/fairyhunter13/agent-bench-worker/internal/adapter/scorer"
	"github.com/fairyhunter13/agent-bench-worker/internal/config"
	"github.com/fairyhunter13/agent-bench-worker/internal/domain"
	"github.com/fairyhunter13/agent-bench-worker/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("tracing setup failed", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("database connection failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer func() { _ = rdb.Close() }()
	if err := rdb.Ping(ctx).Err(); err != nil {
		slog.Error("redis connection failed", slog.Any("error", err))
		os.Exit(1)
	}

	experiments := postgres.NewExperimentRepo(pool)
	cases := postgres.NewCaseRepo(pool)
	telemetry := postgres.NewTelemetryRepo(pool)
	gate := lock.NewRedisGate(rdb, cfg.ProcessingTTL(), cfg.ProcessedTTL())

	// Embedded OTLP collector. A taken port degrades to no in-memory span
	// capture; trajectories then come from the database.
	store := otelingest.NewSpanStore(telemetry)
	collector := otelingest.NewCollector(cfg.CollectorHost, cfg.CollectorPort, cfg.CollectorPath, store)
	collectorEnabled := true
	if err := collector.Start(); err != nil {
		if !errors.Is(err, otelingest.ErrPortInUse) {
			slog.Error("collector start failed", slog.Any("error", err))
			os.Exit(1)
		}
		collectorEnabled = false
	}

	var baseRules []domain.MockRule
	if cfg.MockRulesFile != "" {
		baseRules, err = mockgateway.LoadRulesFile(cfg.MockRulesFile)
		if err != nil {
			slog.Error("mock rules file rejected",
				slog.String("path", cfg.MockRulesFile), slog.Any("error", err))
			os.Exit(1)
		}
		slog.Info("mock rules loaded", slog.Int("rules", len(baseRules)))
	}
	sidecars := mockgateway.NewPool(cfg.MockGatewayPort, baseRules, collector.Handler())

	containers, err := docker.NewRunner(
		time.Duration(cfg.DockerPullTimeout)*time.Second,
		time.Duration(cfg.DockerInspectTimeout)*time.Second,
	)
	if err != nil {
		slog.Error("docker client init failed", slog.Any("error", err))
		os.Exit(1)
	}

	evaluator := scorer.NewClient(scorer.Defaults{
		BaseURL:        cfg.EvaluatorBaseURL,
		APIKey:         cfg.EvaluatorAPIKey,
		Model:          cfg.EvaluatorModel,
		APIStyle:       cfg.EvaluatorAPIStyle,
		Timeout:        time.Duration(cfg.EvaluatorTimeout) * time.Second,
		ConnectTimeout: time.Duration(cfg.EvaluatorConnectTimeout) * time.Second,
		MaxRetries:     cfg.EvaluatorMaxRetries,
		RetryBackoff:   time.Duration(cfg.EvaluatorRetryBackoff * float64(time.Second)),
	})

	trajectories := usecase.NewTrajectoryResolver(store, telemetry)
	runner := usecase.NewCaseRunner(containers, sidecars, evaluator, trajectories, usecase.RunnerConfig{
		CaseTimeout:       cfg.CaseTimeout(),
		StartupTimeout:    time.Duration(cfg.DockerRunTimeout) * time.Second,
		PullPolicy:        cfg.DockerPullPolicy,
		CollectorPort:     cfg.CollectorPort,
		CollectorPath:     cfg.CollectorPath,
		CollectorEnabled:  collectorEnabled,
		ScorerConcurrency: cfg.ScorerConcurrentCases,
		ScorerHardTimeout: time.Duration(cfg.ScorerHardTimeout) * time.Second,
	})
	scheduler := usecase.NewCaseScheduler(cases, runner, cfg.ConcurrentCases)
	processor := usecase.NewMessageProcessor(gate, experiments, scheduler, cfg.MaxMessageRetries)

	// One message at a time per worker process; parallelism lives at the
	// case level inside the scheduler.
	consumer, err := redpanda.NewConsumer(cfg.KafkaBrokers, cfg.KafkaGroup, cfg.KafkaTopic, 1, processor)
	if err != nil {
		slog.Error("queue consumer init failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer consumer.Close()

	cleanup := postgres.NewCleanupService(pool, cfg.TelemetryRetentionDays)
	go cleanup.RunPeriodic(ctx, cfg.TelemetryCleanupInterval)

	admin := adminServer(cfg, pool.Ping, func(c context.Context) error { return rdb.Ping(c).Err() })
	go func() {
		if err := admin.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("admin server error", slog.Any("error", err))
		}
	}()

	go func() {
		if err := consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("consumer stopped", slog.Any("error", err))
			stop()
		}
	}()

	slog.Info("worker started",
		slog.String("topic", cfg.KafkaTopic),
		slog.String("group", cfg.KafkaGroup),
		slog.Int("concurrent_cases", cfg.ConcurrentCases))
	<-ctx.Done()
	slog.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	consumer.Close()
	if collectorEnabled {
		_ = collector.Shutdown(shutdownCtx)
	}
	_ = admin.Shutdown(shutdownCtx)
	slog.Info("worker stopped")
}

// adminServer serves metrics and health probes on the admin port.
func adminServer(cfg config.Config, dbCheck, redisCheck func(context.Context) error) *http.Server {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(observability.HTTPMetricsMiddleware)

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", func(w http.ResponseWriter, req *http.Request) {
		ctx, cancel := context.WithTimeout(req.Context(), 5*time.Second)
		defer cancel()
		for name, check := range map[string]func(context.Context) error{
			"postgres": dbCheck,
			"redis":    redisCheck,
		} {
			if err := check(ctx); err != nil {
				slog.Warn("readiness check failed",
					slog.String("dependency", name), slog.Any("error", err))
				w.WriteHeader(http.StatusServiceUnavailable)
				_, _ = w.Write([]byte(name + " unavailable"))
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})

	return &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.AdminPort),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
}
