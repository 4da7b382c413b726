// Package config loads the worker configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
)

// ProviderGCS is the only tile storage provider the worker supports.
const ProviderGCS = "gcs"

// Store backends.
const (
	StorePostgres  = "postgres"
	StoreSQLite    = "sqlite"
	StoreFirestore = "firestore"
)

// StorageConfig selects and addresses the object store.
type StorageConfig struct {
	Provider        string `env:"TILE_STORAGE_PROVIDER" env-default:"gcs"`
	Bucket          string `env:"STORAGE_BUCKET"`
	Endpoint        string `env:"STORAGE_ENDPOINT"`
	CredentialsFile string `env:"STORAGE_CREDENTIALS_FILE"`
	PublicBaseURL   string `env:"TILES_PUBLIC_BASE_URL"`
	TilesNamespace  string `env:"TILES_NAMESPACE" env-default:"tiles"`
	SourceNamespace string `env:"SOURCE_NAMESPACE" env-default:"drawings"`
}

// StoreConfig selects the database holding jobs, sheet versions and sets.
type StoreConfig struct {
	Backend           string `env:"STORE_BACKEND" env-default:"postgres"`
	DatabaseURL       string `env:"DATABASE_URL"`
	ProjectID         string `env:"PROJECT_ID"`
	FirestoreDatabase string `env:"FIRESTORE_DATABASE" env-default:"(default)"`
}

// WorkflowConfig names the Cloud Workflow started when a drawing set is ready.
type WorkflowConfig struct {
	ReadyWorkflowID string `env:"READY_WORKFLOW_ID"`
	Location        string `env:"WORKFLOW_LOCATION" env-default:"us-central1"`
}

// WorkerConfig tunes the poll loop.
type WorkerConfig struct {
	PollInterval         time.Duration `env:"POLL_INTERVAL" env-default:"5s"`
	BatchSize            int           `env:"CLAIM_BATCH_SIZE" env-default:"5"`
	RetryPermanentErrors bool          `env:"RETRY_PERMANENT_ERRORS" env-default:"true"`
	ClaimLease           time.Duration `env:"CLAIM_LEASE_TIMEOUT" env-default:"30m"`
	Port                 string        `env:"PORT" env-default:"8080"`
}

// Config is the full worker configuration.
type Config struct {
	Storage  StorageConfig
	Store    StoreConfig
	Workflow WorkflowConfig
	Worker   WorkerConfig
	Debug    bool   `env:"DEBUG" env-default:"false"`
	LogFile  string `env:"LOG_FILE"`
}

// ErrConfig marks every configuration failure.
var ErrConfig = errors.New("configuration error")

// Load reads an optional .env file and then the process environment.
func Load() (*Config, error) {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	var cfg Config
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("%w: failed to read environment: %v", ErrConfig, err)
	}
	return &cfg, nil
}

// Validate checks the values every worker process needs at startup.
// TILES_PUBLIC_BASE_URL is checked later, the first time a base URL is built.
func (c *Config) Validate() error {
	var problems []string
	if !strings.EqualFold(c.Storage.Provider, ProviderGCS) {
		problems = append(problems, fmt.Sprintf("TILE_STORAGE_PROVIDER must be %q, got %q", ProviderGCS, c.Storage.Provider))
	}
	if c.Storage.Bucket == "" {
		problems = append(problems, "STORAGE_BUCKET must be set")
	}
	switch c.Store.Backend {
	case StorePostgres, StoreSQLite:
		if c.Store.DatabaseURL == "" {
			problems = append(problems, "DATABASE_URL must be set for the "+c.Store.Backend+" store")
		}
	case StoreFirestore:
		if c.Store.ProjectID == "" {
			problems = append(problems, "PROJECT_ID must be set for the firestore store")
		}
	default:
		problems = append(problems, fmt.Sprintf("STORE_BACKEND %q is not one of postgres, sqlite, firestore", c.Store.Backend))
	}
	if c.Workflow.ReadyWorkflowID != "" && c.Store.ProjectID == "" {
		problems = append(problems, "PROJECT_ID must be set when READY_WORKFLOW_ID is set")
	}
	if c.Worker.BatchSize <= 0 {
		problems = append(problems, "CLAIM_BATCH_SIZE must be positive")
	}
	if c.Worker.PollInterval <= 0 {
		problems = append(problems, "POLL_INTERVAL must be positive")
	}
	if c.Worker.ClaimLease <= 0 {
		problems = append(problems, "CLAIM_LEASE_TIMEOUT must be positive")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrConfig, strings.Join(problems, "; "))
	}
	return nil
}
