package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/edgevision/model-orchestrator/config"
	"github.com/edgevision/model-orchestrator/edgeagent"
	"github.com/edgevision/model-orchestrator/executor"
	"github.com/edgevision/model-orchestrator/fleet"
	"github.com/edgevision/model-orchestrator/handlers"
	"github.com/edgevision/model-orchestrator/lifecycle"
	"github.com/edgevision/model-orchestrator/middleware"
	"github.com/edgevision/model-orchestrator/repository"
	"github.com/edgevision/model-orchestrator/rollout"
	"github.com/edgevision/model-orchestrator/scheduler"
	"github.com/edgevision/model-orchestrator/storage"
)

func main() {
	// Parse command line arguments
	kubeconfig := flag.String("kubeconfig", os.Getenv("KUBECONFIG"), "Path to kubeconfig file (optional, uses in-cluster config if not provided)")
	port := flag.String("port", getEnvOrDefault("PORT", "8080"), "Server port")
	databaseURL := flag.String("database-url", getEnvOrDefault("DATABASE_URL", "host=localhost user=postgres password=postgres dbname=orchestrator port=5432 sslmode=disable"), "PostgreSQL connection string")
	flag.Parse()

	log.Println("Starting Model Orchestrator Backend")

	// Initialize configuration
	cfg := config.Defaults()
	cfg.Kubeconfig = *kubeconfig
	cfg.DatabaseURL = *databaseURL
	cfg.TrainingNamespace = getEnvOrDefault("TRAINING_NAMESPACE", cfg.TrainingNamespace)
	cfg.TrainingImage = getEnvOrDefault("TRAINING_IMAGE", "edgevision/model-trainer:latest")
	cfg.CallbackBaseURL = getEnvOrDefault("CALLBACK_BASE_URL", "http://model-orchestrator:8080")
	cfg.MinioEndpoint = getEnvOrDefault("MINIO_ENDPOINT", "localhost:9000")
	cfg.MinioAccessKey = getEnvOrDefault("MINIO_ACCESS_KEY", "minioadmin")
	cfg.MinioSecretKey = getEnvOrDefault("MINIO_SECRET_KEY", "minioadmin")
	cfg.MinioUseSSL = os.Getenv("MINIO_USE_SSL") == "true"
	cfg.DatasetServiceURL = getEnvOrDefault("DATASET_SERVICE_URL", "http://dataset-service:8080")
	if err := cfg.Init(); err != nil {
		log.Fatalf("Failed to initialize configuration: %v", err)
	}
	defer cfg.Close()

	// Initialize artifact store
	artifacts, err := storage.NewArtifactStore(storage.ArtifactStoreConfig{
		Endpoint:  cfg.MinioEndpoint,
		AccessKey: cfg.MinioAccessKey,
		SecretKey: cfg.MinioSecretKey,
		UseSSL:    cfg.MinioUseSSL,
		Bucket:    cfg.ArtifactBucket,
	})
	if err != nil {
		log.Fatalf("Failed to initialize artifact store: %v", err)
	}
	if err := artifacts.EnsureBucket(context.Background()); err != nil {
		log.Fatalf("Failed to ensure artifact bucket: %v", err)
	}

	// Initialize core components
	repo := repository.NewRepository(cfg.DB)
	registry := fleet.NewRegistry(repo)
	lc := lifecycle.NewManager(repo, lifecycle.MinAccuracyPolicy(cfg.MinAccuracy))
	exec := executor.NewKubeExecutor(cfg.K8sClient, cfg.TrainingNamespace, cfg.TrainingImage, cfg.CallbackBaseURL)
	datasets := scheduler.NewHTTPDatasetResolver(cfg.DatasetServiceURL)
	sched := scheduler.NewScheduler(repo, exec, datasets, lc, cfg.MaxConcurrentJobsPerOrg, cfg.AdmissionTick)
	coordinator := rollout.NewCoordinator(repo, edgeagent.NewHTTPAgent(), registry, artifacts,
		cfg.MaxConcurrentInstalls, cfg.DeploymentRetryLimit, cfg.AutoRetryLimit, cfg.AutoRetryBackoff, cfg.DispatchTick)

	// Start background loops
	sched.Start()
	coordinator.Start()
	registry.Start(cfg.HeartbeatStaleAfter, cfg.StaleSweepTick)

	// Initialize handlers
	handler := handlers.NewHandler(sched, lc, coordinator, registry, artifacts)

	// Setup Gin router
	router := gin.Default()

	// Enable CORS (must be first)
	router.Use(middleware.CORSMiddleware())

	// Resolve the caller's organization from headers
	router.Use(middleware.OrgContextMiddleware())

	// Health check
	router.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "healthy"})
	})

	// API routes
	api := router.Group("/api/v1/training")
	{
		// Training job routes
		jobs := api.Group("/jobs")
		{
			jobs.POST("", handler.SubmitJob)
			jobs.GET("", handler.ListJobs)
			jobs.GET("/:id", handler.GetJob)
			jobs.GET("/:id/logs", handler.GetJobLogs)
			jobs.POST("/:id/cancel", handler.CancelJob)
			jobs.POST("/:id/progress", handler.ReportJobProgress)
			jobs.POST("/:id/complete", handler.ReportJobTerminal)
		}

		// Model version routes
		modelsGroup := api.Group("/models")
		{
			modelsGroup.GET("", handler.ListVersions)
			modelsGroup.POST("", handler.ImportVersion)
			modelsGroup.POST("/upload", handler.UploadArtifact)
			modelsGroup.GET("/:id", handler.GetVersion)
			modelsGroup.POST("/:id/testing", handler.BeginTesting)
			modelsGroup.POST("/:id/approve", handler.ApproveVersion)
			modelsGroup.POST("/:id/release", handler.ReleaseVersion)
			modelsGroup.POST("/:id/deprecate", handler.DeprecateVersion)
			modelsGroup.DELETE("/:id/artifact", handler.PurgeArtifact)
			modelsGroup.POST("/:id/deploy", handler.DeployToTarget)
			modelsGroup.POST("/:id/deploy-all", handler.DeployToFleet)
			modelsGroup.GET("/:id/deployments", handler.ListDeployments)
		}

		// Deployment routes
		deployments := api.Group("/deployments")
		{
			deployments.GET("/:id", handler.GetDeployment)
			deployments.POST("/:id/retry", handler.RetryDeployment)
			deployments.POST("/:id/progress", handler.ReportDeploymentProgress)
			deployments.POST("/:id/complete", handler.ReportDeploymentTerminal)
		}

		// Rollout aggregate status
		api.POST("/rollouts/status", handler.GetRolloutStatus)

		// Edge fleet heartbeat
		api.POST("/edge/:edgeID/heartbeat", handler.Heartbeat)
	}

	// Create HTTP server with proper configuration
	srv := &http.Server{
		Addr:         ":" + *port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		log.Printf("Starting server on port %s", *port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")

	// Graceful shutdown with 10-second timeout
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Shutdown HTTP server
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	// Stop background loops
	sched.Stop()
	coordinator.Stop()
	registry.Stop()

	log.Println("Server stopped gracefully")
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
