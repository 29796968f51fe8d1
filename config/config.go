package config

import (
	"fmt"
	"log"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

// Config holds all configuration for the orchestrator.
type Config struct {
	Kubeconfig  string
	DatabaseURL string

	// Scheduler tunables
	MaxConcurrentJobsPerOrg int
	AdmissionTick           time.Duration

	// Rollout tunables
	MaxConcurrentInstalls int
	DeploymentRetryLimit  int
	AutoRetryLimit        int
	AutoRetryBackoff      []time.Duration
	DispatchTick          time.Duration

	// Lifecycle tunables
	MinAccuracy float64

	// Fleet tunables
	HeartbeatStaleAfter time.Duration
	StaleSweepTick      time.Duration

	// Training executor
	TrainingNamespace string
	TrainingImage     string
	CallbackBaseURL   string

	// Artifact store
	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioUseSSL    bool
	ArtifactBucket string

	// Dataset service
	DatasetServiceURL string

	// Kubernetes client
	K8sClient  *kubernetes.Clientset
	RestConfig *rest.Config

	// Database
	DB *gorm.DB
}

// Defaults returns a Config with the documented default tunables set.
func Defaults() *Config {
	return &Config{
		MaxConcurrentJobsPerOrg: 2,
		AdmissionTick:           time.Second,
		MaxConcurrentInstalls:   4,
		DeploymentRetryLimit:    3,
		AutoRetryLimit:          2,
		AutoRetryBackoff:        []time.Duration{30 * time.Second, 120 * time.Second},
		DispatchTick:            time.Second,
		MinAccuracy:             0.0,
		HeartbeatStaleAfter:     2 * time.Minute,
		StaleSweepTick:          30 * time.Second,
		TrainingNamespace:       "default",
		ArtifactBucket:          "model-artifacts",
	}
}

// Init connects the external backends. Call after the scalar fields are set.
func (c *Config) Init() error {
	if err := c.initK8sClient(); err != nil {
		return fmt.Errorf("failed to initialize Kubernetes client: %w", err)
	}
	if err := c.initDatabase(); err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	log.Println("Configuration initialized successfully")
	return nil
}

// initK8sClient builds the client used to dispatch training runs. An empty
// kubeconfig path falls back to in-cluster configuration.
func (c *Config) initK8sClient() error {
	restConfig, err := clientcmd.BuildConfigFromFlags("", c.Kubeconfig)
	if err != nil {
		return fmt.Errorf("failed to build kube config: %w", err)
	}
	c.RestConfig = restConfig

	client, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return fmt.Errorf("failed to create clientset: %w", err)
	}
	c.K8sClient = client

	log.Println("Kubernetes client initialized successfully")
	return nil
}

// initDatabase initializes the database connection with optimized settings.
func (c *Config) initDatabase() error {
	db, err := gorm.Open(postgres.Open(c.DatabaseURL), &gorm.Config{
		PrepareStmt: true,
		// Single-row transitions manage their own consistency via the seq
		// column; skip gorm's wrapping transaction.
		SkipDefaultTransaction: true,
		// The repository branches on gorm.ErrDuplicatedKey to map unique
		// violations onto the error taxonomy.
		TranslateError: true,
	})
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("failed to get database handle: %w", err)
	}
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(100)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := db.AutoMigrate(&TrainingJob{}, &ModelVersion{}, &Deployment{}, &EdgeServer{}); err != nil {
		return fmt.Errorf("failed to auto-migrate database: %w", err)
	}

	c.DB = db
	log.Println("Database initialized successfully")
	return nil
}

// Close closes all connections.
func (c *Config) Close() {
	if c.DB != nil {
		sqlDB, err := c.DB.DB()
		if err == nil {
			sqlDB.Close()
		}
	}
}
