package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	httpapi "github.com/hookflow/hookflow/internal/api"
	"github.com/hookflow/hookflow/internal/config"
	"github.com/hookflow/hookflow/internal/db"
	"github.com/hookflow/hookflow/internal/engine"
	"github.com/hookflow/hookflow/internal/expr"
	"github.com/hookflow/hookflow/internal/lock"
	"github.com/hookflow/hookflow/internal/queue"
	"github.com/hookflow/hookflow/internal/repo"
	"github.com/hookflow/hookflow/internal/steps"
)

func main() {
	config.Init()
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "hookflow",
	Short: "hookflow - webhook-triggered workflow automation",
	Long: `hookflow runs ordered workflows in response to incoming webhooks.

Each accepted webhook creates a run; queue workers advance the run
step-by-step (http, transform, ai, delay) with durable progress, step-level
retries and per-run mutual exclusion.`,
}

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the API server with embedded workers",
	Long: `Start the API server with embedded queue workers.

The server will:
- Connect to PostgreSQL and run migrations
- Connect to Redis for queues and run locks
- Start workers for the execute and ai queues
- Serve the REST API at /api/v1 and webhooks at /webhooks/{slug}
- Expose /health, /ready and /metrics`,
	Run: func(cmd *cobra.Command, args []string) {
		run(true, true)
	},
}

var apiServerCmd = &cobra.Command{
	Use:   "api-server",
	Short: "Start the API server without workers",
	Long: `Start the API server only. Runs are admitted and queued but not
processed; pair with separate worker processes for horizontal scaling.`,
	Run: func(cmd *cobra.Command, args []string) {
		run(true, false)
	},
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Start a worker process",
	Long: `Start queue workers only, against the shared database and broker.
Scale these horizontally; the run lock keeps each run on one worker at a
time regardless of process count.`,
	Run: func(cmd *cobra.Command, args []string) {
		run(false, true)
	},
}

func init() {
	rootCmd.AddCommand(serverCmd)
	rootCmd.AddCommand(apiServerCmd)
	rootCmd.AddCommand(workerCmd)

	for _, cmd := range []*cobra.Command{serverCmd, apiServerCmd} {
		cmd.Flags().StringP("port", "p", "8080", "Port to listen on")
		// Both commands share the "server.port" key, so bind the flag of the
		// command actually being run.
		cmd.PreRun = func(cmd *cobra.Command, args []string) {
			viper.BindPFlag("server.port", cmd.Flags().Lookup("port"))
		}
	}
	workerCmd.Flags().IntP("concurrency", "c", 5, "Workers on the execute queue")
	viper.BindPFlag("workers.execute_concurrency", workerCmd.Flags().Lookup("concurrency"))
}

// app bundles every process-wide dependency so nothing hides in globals.
type app struct {
	cfg       config.Config
	pool      *sql.DB
	redis     *redis.Client
	store     *repo.Store
	broker    *queue.RedisQueue
	processor *engine.Processor
	cron      *cron.Cron
}

func newApp() *app {
	cfg := config.Load()

	pool, err := db.Open(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database: %v", err)
	}

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		log.Fatalf("redis url: %v", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(context.Background()).Err(); err != nil {
		log.Fatalf("redis ping: %v", err)
	}
	log.Printf("redis: connected to %s", opts.Addr)

	store := repo.NewStore(pool)
	broker := queue.NewRedisQueue(client)
	evaluator := expr.New()
	registry := steps.DefaultRegistry(evaluator, cfg.LMStudioURL)
	processor := engine.NewProcessor(store, broker, lock.NewManager(client), registry, evaluator, engine.Limits{
		MaxStepOutputBytes:   cfg.MaxStepOutputBytes,
		MaxContextSizeBytes:  cfg.MaxContextSizeBytes,
		DefaultStepTimeoutMs: cfg.DefaultStepTimeoutMs,
		MaxStepTimeoutMs:     cfg.MaxStepTimeoutMs,
	})

	return &app{
		cfg:       cfg,
		pool:      pool,
		redis:     client,
		store:     store,
		broker:    broker,
		processor: processor,
	}
}

func (a *app) close() {
	if a.cron != nil {
		a.cron.Stop()
	}
	if err := a.redis.Close(); err != nil {
		log.Printf("redis close: %v", err)
	}
	if err := a.pool.Close(); err != nil {
		log.Printf("db close: %v", err)
	}
}

// startMaintenance schedules the idempotency-key sweep.
func (a *app) startMaintenance() {
	a.cron = cron.New()
	a.cron.AddFunc("@every 10m", func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if _, err := a.store.DeleteExpiredIdempotencyKeys(ctx); err != nil {
			log.Printf("maintenance: idempotency sweep: %v", err)
		}
	})
	a.cron.Start()
}

func run(serveHTTP, runWorkers bool) {
	a := newApp()
	defer a.close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup

	if runWorkers {
		execWorker := queue.NewWorker(a.broker, queue.Execute, a.cfg.ExecuteConcurrency, a.processor.Handler(queue.Execute))
		aiWorker := queue.NewWorker(a.broker, queue.AI, a.cfg.AIConcurrency, a.processor.Handler(queue.AI))
		wg.Add(2)
		go func() { defer wg.Done(); execWorker.Start(ctx) }()
		go func() { defer wg.Done(); aiWorker.Start(ctx) }()
	}

	var server *http.Server
	if serveHTTP {
		a.startMaintenance()

		handler := httpapi.NewServer(a.store, a.broker, a.cfg.APIKey, a.cfg.MaxStepsPerWorkflow).Router()
		server = &http.Server{
			Addr:         a.cfg.Host + ":" + a.cfg.Port,
			Handler:      handler,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		}
		go func() {
			log.Printf("server listening on %s", server.Addr)
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("server failed to start: %v", err)
			}
		}()
	} else {
		log.Printf("worker process started (no HTTP listener)")
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("shutting down...")

	cancel()
	wg.Wait()

	if server != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("server forced to shutdown: %v", err)
		} else {
			log.Println("server exited gracefully")
		}
	}
}
