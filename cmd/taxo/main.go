// Command taxo runs the report pipeline worker: it polls for queued report
// jobs and drives each one through the clustering, claims, deduplication,
// and summary stages, checkpointing state to Redis after every stage.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/crowdlens/taxo/pkg/cache"
	"github.com/crowdlens/taxo/pkg/config"
	"github.com/crowdlens/taxo/pkg/llm"
	"github.com/crowdlens/taxo/pkg/pricing"
	"github.com/crowdlens/taxo/pkg/queue"
	"github.com/crowdlens/taxo/pkg/runner"
	"github.com/crowdlens/taxo/pkg/state"
	"github.com/crowdlens/taxo/pkg/steps"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file (optional)")
	flag.Parse()

	// Load .env if present; env vars may also come from the deployment.
	if err := godotenv.Load(); err != nil {
		slog.Warn("No .env file loaded", "error", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 1. Load configuration (file + env overrides + defaults)
	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	slog.Info("Configuration loaded",
		"redis_addr", cfg.Redis.Addr,
		"worker_count", cfg.Queue.WorkerCount,
		"batch_size", cfg.Pipeline.BatchSize)

	podID := resolvePodID()
	slog.Info("Starting taxo worker", "pod_id", podID)

	// 2. Connect to Redis
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		slog.Error("Failed to connect to Redis", "addr", cfg.Redis.Addr, "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			slog.Error("Error closing Redis client", "error", err)
		}
	}()
	slog.Info("Redis connection established", "addr", cfg.Redis.Addr)

	// 3. Initialize state store
	store := state.NewStore(
		cache.NewRedisCache(redisClient),
		cfg.State.Retention(),
		cfg.State.LockTTL(),
	)

	// 4. Initialize LLM client and pricing catalog
	llmClient := llm.NewHTTPClient(cfg.LLM.BaseURL, cfg.LLM.RequestTimeout)
	catalog := pricing.DefaultModelCatalog()
	slog.Info("LLM client initialized", "base_url", cfg.LLM.BaseURL)

	// 5. Build the pipeline runner
	executor := steps.NewExecutor(llmClient, catalog, cfg.Pipeline)
	pipelineRunner := runner.New(store, executor, cfg.State.MaxValidationFailures)

	// 6. Start worker pool
	source := queue.NewChannelSource(cfg.Queue.WorkerCount * 4)
	pool := queue.NewWorkerPool(podID, source, pipelineRunner, store, cfg.Queue)
	pool.Start(ctx)

	// 7. Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("Shutdown signal received", "signal", sig.String())

	// Graceful shutdown: workers finish their current jobs before exiting.
	pool.Stop()
	cancel()
	slog.Info("Worker stopped")
}

// resolvePodID determines the pod identity for worker naming.
// Priority: POD_ID env var > HOSTNAME env var > "local".
func resolvePodID() string {
	if podID := os.Getenv("POD_ID"); podID != "" {
		return podID
	}
	if hostname := os.Getenv("HOSTNAME"); hostname != "" {
		return hostname
	}
	return "local"
}
