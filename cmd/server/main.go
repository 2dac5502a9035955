package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/makeasinger/melodygen/internal/artifact"
	"github.com/makeasinger/melodygen/internal/auth"
	"github.com/makeasinger/melodygen/internal/client"
	"github.com/makeasinger/melodygen/internal/config"
	"github.com/makeasinger/melodygen/internal/handler"
	"github.com/makeasinger/melodygen/internal/logging"
	"github.com/makeasinger/melodygen/internal/middleware"
	"github.com/makeasinger/melodygen/internal/model"
	"github.com/makeasinger/melodygen/internal/orchestrator"
	"github.com/makeasinger/melodygen/internal/server"
	"github.com/makeasinger/melodygen/internal/service"
	"github.com/makeasinger/melodygen/internal/stage"
	"github.com/makeasinger/melodygen/internal/store/backend"
	ws "github.com/makeasinger/melodygen/internal/websocket"
	"github.com/makeasinger/melodygen/internal/worker"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logging.New(cfg.Server.LogLevel, cfg.Server.Env)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Fatal("server exited", zap.Error(err))
	}
}

func run(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	// Initialize Redis client
	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()

	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Warn("redis not available", zap.Error(err))
	}

	// Job store
	jobStore, err := backend.Open(cfg.Store, redisClient)
	if err != nil {
		return fmt.Errorf("failed to open job store: %w", err)
	}
	defer jobStore.Close()
	log.Info("job store opened", zap.String("driver", cfg.Store.Driver))

	// Object storage: R2 when configured, local files otherwise
	var storage client.StorageClient
	var localStorage *client.LocalStorage
	if r2, err := client.NewR2Client(&cfg.Storage); err == nil {
		storage = r2
	} else {
		log.Warn("R2 not configured, serving artifacts from local disk", zap.Error(err))
		localStorage = client.NewLocalStorage(filepath.Join(cfg.Pipeline.SharedDir, "published"), cfg.Server.PublicURL)
		storage = localStorage
	}

	// Stage invokers
	melody, err := stage.New(model.StageMelody, cfg.Stages.Melody)
	if err != nil {
		return err
	}
	vocal, err := stage.New(model.StageVocal, cfg.Stages.Vocal)
	if err != nil {
		return err
	}
	checkStages(ctx, log, map[model.StageName]stage.Invoker{
		model.StageMelody: melody,
		model.StageVocal:  vocal,
	})

	pipeline := stage.Pipeline{
		SharedDir:    cfg.Pipeline.SharedDir,
		Checkpoint:   cfg.Pipeline.Checkpoint,
		ModelSet:     cfg.Pipeline.ModelSet,
		DefaultVoice: model.Voice(cfg.Pipeline.DefaultVoice),
	}

	// Initialize WebSocket hub
	hub := ws.NewHub(log.Named("hub"))
	go hub.Run(ctx)

	orch := orchestrator.New(orchestrator.Deps{
		Store:    jobStore,
		Melody:   melody,
		Vocal:    vocal,
		Pipeline: pipeline,
		Resolver: artifact.NewResolver(artifact.DefaultCandidates(cfg.Pipeline.SharedDir, cfg.Pipeline.ModelSet), log.Named("resolver")),
		Publisher: artifact.NewPublisher(storage, artifact.PublisherConfig{
			SignedURLTTL:   cfg.Storage.SignedURLTTL,
			MaxAttempts:    cfg.Publisher.MaxAttempts,
			InitialBackoff: cfg.Publisher.InitialBackoff,
		}, log.Named("publisher")),
		Notifier: hub,
		Logger:   log.Named("orchestrator"),
		AutoBPM:  cfg.Stages.Melody.AutoBPM,
	})

	// Initialize Asynq client
	asynqClient := asynq.NewClient(redisOpt)
	defer asynqClient.Close()
	inspector := asynq.NewInspector(redisOpt)
	defer inspector.Close()
	dispatcher := service.NewDispatcher(asynqClient, inspector, cfg.PipelineTimeout())

	// Stale jobs must be failed before any worker can pick up new work.
	report, err := orchestrator.Recover(ctx, jobStore, dispatcher, hub, log.Named("recovery"))
	if err != nil {
		return fmt.Errorf("startup recovery failed: %w", err)
	}
	log.Info("startup recovery finished",
		zap.Int("failed", len(report.Failed)),
		zap.Int("requeued", len(report.Requeued)),
		zap.Int("already_queued", len(report.AlreadyQueued)))

	// Start Asynq worker server
	workerSrv := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: cfg.Worker.Concurrency,
		Queues:      map[string]int{service.QueuePipeline: 1},
		Logger:      log.Named("asynq").Sugar(),
	})
	mux := asynq.NewServeMux()
	worker.NewPipelineWorker(orch, log.Named("worker")).Register(mux)
	if err := workerSrv.Start(mux); err != nil {
		return fmt.Errorf("failed to start worker server: %w", err)
	}
	defer workerSrv.Shutdown()

	// Services and handlers
	validate := validator.New()
	jobService := service.NewJobService(jobStore, dispatcher, pipeline, service.PollConfig{
		Interval:     cfg.Poll.Interval,
		BaseAttempts: cfg.Poll.BaseAttempts,
		Headroom:     cfg.Poll.Headroom,
	}, log.Named("jobs"))
	jobHandler := handler.NewJobHandler(jobService, validate, log.Named("handler"))
	healthHandler := handler.NewHealthHandler(map[string]handler.HealthCheck{
		"store":   jobStore.Ping,
		"storage": storage.Ping,
		"melody":  melody.HealthCheck,
		"vocal":   vocal.HealthCheck,
	}, log.Named("health"))

	// Initialize Zitadel JWKS verifier (optional - falls back to legacy JWT)
	var tokenVerifier auth.TokenVerifier
	if cfg.Zitadel.Issuer != "" {
		jwksVerifier, err := auth.NewJWKSVerifier(ctx, &cfg.Zitadel)
		if err != nil {
			log.Warn("JWKS verifier not initialized", zap.Error(err))
		} else {
			defer jwksVerifier.Close()
			tokenVerifier = jwksVerifier
		}
	}
	authHandler := handler.NewAuthHandler(tokenVerifier, cfg.JWT.Secret)

	var apiAuth fiber.Handler
	if cfg.Gateway.Enabled {
		log.Info("gateway mode enabled, using header-based auth")
		apiAuth = middleware.GatewayAuthMiddleware()
	} else {
		apiAuth = middleware.NewAuthMiddleware(tokenVerifier, cfg.JWT.Secret).Authenticate()
	}

	var filesDir string
	if localStorage != nil {
		filesDir = localStorage.Root()
	}
	app := server.New(server.Deps{
		Jobs:        jobHandler,
		Health:      healthHandler,
		Auth:        authHandler,
		APIAuth:     apiAuth,
		RateLimiter: middleware.NewRateLimiter(redisClient, log.Named("ratelimit")),
		JobsPerHour: cfg.RateLimit.JobsPerHour,
		Hub:         hub,
		FilesDir:    filesDir,
		BodyLimit:   cfg.Server.BodyLimit,
		LogLevel:    cfg.Server.LogLevel,
		Quiet:       cfg.Server.Env == "production",
		AccessLog:   true,
	})

	// Graceful shutdown
	go func() {
		<-ctx.Done()
		log.Info("shutting down server")
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			log.Error("server shutdown error", zap.Error(err))
		}
	}()

	addr := ":" + cfg.Server.Port
	log.Info("server starting", zap.String("addr", addr))
	if err := app.Listen(addr); err != nil {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// checkStages warns about stage workers that are down. Jobs submitted while a
// stage is down fail with STAGE_UNREACHABLE, so startup is not blocked.
func checkStages(ctx context.Context, log *zap.Logger, invokers map[model.StageName]stage.Invoker) {
	for name, inv := range invokers {
		if err := inv.HealthCheck(ctx); err != nil {
			log.Warn("stage not reachable", zap.String(logging.FieldStage, string(name)), zap.Error(err))
		}
	}
}
