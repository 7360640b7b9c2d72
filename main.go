package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/edulab-ai/model-service/cache"
	"github.com/edulab-ai/model-service/config"
	"github.com/edulab-ai/model-service/embed"
	"github.com/edulab-ai/model-service/handlers"
	"github.com/edulab-ai/model-service/logger"
	"github.com/edulab-ai/model-service/middleware"
	"github.com/edulab-ai/model-service/modelstore"
	"github.com/edulab-ai/model-service/monitor"
	"github.com/edulab-ai/model-service/monitoring"
	"github.com/edulab-ai/model-service/repository"
	"github.com/edulab-ai/model-service/storage"
	"github.com/edulab-ai/model-service/training"
)

func main() {
	configPath := flag.String("config", os.Getenv("MODEL_SERVICE_CONFIG"), "Path to config file (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatalf("failed to load configuration: %v", err)
	}
	defer cfg.Close()
	logger.SetLevel(cfg.Server.LogLevel)

	logger.Infof("starting model service on port %s", cfg.Server.Port)

	store, err := modelstore.New(cfg.Training.ModelDir, cfg.Training.MaxVersions)
	if err != nil {
		logger.Fatalf("failed to initialize model store: %v", err)
	}
	if cfg.MinIOClient != nil {
		artifacts := storage.NewArtifactStore(cfg.MinIOClient, cfg.MinIO.Bucket)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := artifacts.EnsureBucket(ctx); err != nil {
			logger.Warnf("checkpoint bucket unavailable, mirroring disabled: %v", err)
		} else {
			store.WithUploader(artifacts)
		}
		cancel()
	}

	var backend cache.Backend
	if cfg.RedisClient != nil {
		backend = cache.NewRedisBackend(cfg.RedisClient)
	} else {
		backend = cache.NewMemoryBackend()
	}
	cacheMgr := cache.NewManager(backend, cfg.Redis.TTL)

	collector := monitoring.NewCollector()
	repo := repository.NewRepository(cfg.DB)
	embedder := embed.NewClient(embed.Config{
		BaseURL:    cfg.Embedding.BaseURL,
		APIKey:     cfg.Embedding.APIKey,
		Timeout:    cfg.Embedding.Timeout,
		MaxRetries: cfg.Embedding.MaxRetries,
	})

	evaluator := training.NewEvaluator(cfg.Training.MetricsDir)
	manager := training.NewManager(training.Options{
		MaxEpochs:    cfg.Training.MaxEpochs,
		BatchSize:    cfg.Training.BatchSize,
		LearningRate: cfg.Training.LearningRate,
		EvalInterval: cfg.Training.EvalInterval,
		Patience:     cfg.Training.Patience,
		MinDelta:     cfg.Training.MinDelta,
		Scheduler:    training.SchedulerType(cfg.Training.Scheduler),
		Shuffle:      true,
		Subjects:     cfg.Training.Subjects,
		LogDir:       cfg.Training.LogDir,
		WorldSize:    cfg.Training.WorldSize,
	}, store, embedder, evaluator).
		WithMetricsSink(collector).
		WithStatusCache(cacheMgr).
		WithJobRecorder(repo)

	handler := handlers.NewHandler(cfg, manager, embedder, cacheMgr, repo)

	var jobMonitor *monitor.JobMonitor
	if repo != nil {
		jobMonitor = monitor.NewJobMonitor(repo, 30*time.Second, 10*time.Minute)
		jobMonitor.Start()
	}

	systemStop := make(chan struct{})
	go collector.CollectSystem(15*time.Second, systemStop)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS())
	router.Use(collector.Middleware())
	router.Use(middleware.JWTAuth(cfg.Auth.Secret, cfg.Auth.Issuer, cfg.Auth.Enabled))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
	})
	router.GET("/metrics", collector.Handler())

	api := router.Group("/api/v1")
	handler.Register(api)

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 10 * time.Minute, // training calls block until the run finishes
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Infof("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Errorf("server forced to shutdown: %v", err)
	}

	close(systemStop)
	if jobMonitor != nil {
		jobMonitor.Stop()
	}
	logger.Infof("server stopped gracefully")
}
