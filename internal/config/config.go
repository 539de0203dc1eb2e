package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultHTTPPort          = "8080"
	defaultStoreDriver       = "postgres"
	defaultTemporalAddress   = "localhost:7233"
	defaultTemporalNS        = "default"
	defaultTaskQueue         = "deposit-task-queue"
	defaultMinioEndpoint     = "localhost:9000"
	defaultMinioBucket       = "deposits"
	defaultRepositoriesFile  = "repositories.toml"
	defaultIntakePrefix      = "intake/"
	defaultDepositTimeout    = 10 * time.Minute
	defaultStaleAfter        = 30 * time.Minute
	defaultAggregationEvery  = 1 * time.Minute
	defaultAdvancementEvery  = 5 * time.Minute
	defaultHealthEvery       = 2 * time.Minute
	defaultSweepConcurrency  = 8
	defaultCriticalAttempts  = 5
	defaultSubmissionCacheSz = 512

	DispatchTemporal = "temporal"
	DispatchInline   = "inline"

	StagingMinio  = "minio"
	StagingMemory = "memory"
)

type Config struct {
	HTTPPort string

	StoreDriver string
	StoreDSN    string

	TemporalAddress   string
	TemporalNamespace string
	TemporalTaskQueue string
	WorkflowIDPrefix  string
	DispatchMode      string

	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioBucket    string
	MinioUseSSL    bool
	IntakePrefix   string
	StagingDriver  string

	RepositoriesFile    string
	WatchRepositories   bool
	CriticalMaxAttempts int
	DepositTimeout      time.Duration
	StaleAfter          time.Duration
	AggregationInterval time.Duration
	AdvancementInterval time.Duration
	HealthInterval      time.Duration
	SweepConcurrency    int
	SubmissionCacheSize int
	MaxIntakeBytes      int64
}

func Load() (Config, error) {
	cfg := Config{
		HTTPPort:            getenv("HTTP_PORT", defaultHTTPPort),
		StoreDriver:         strings.ToLower(getenv("STORE_DRIVER", defaultStoreDriver)),
		StoreDSN:            os.Getenv("STORE_DSN"),
		TemporalAddress:     getenv("TEMPORAL_ADDRESS", defaultTemporalAddress),
		TemporalNamespace:   getenv("TEMPORAL_NAMESPACE", defaultTemporalNS),
		TemporalTaskQueue:   getenv("TEMPORAL_TASK_QUEUE", defaultTaskQueue),
		WorkflowIDPrefix:    getenv("WORKFLOW_ID_PREFIX", "deposit"),
		DispatchMode:        strings.ToLower(getenv("DISPATCH_MODE", DispatchTemporal)),
		MinioEndpoint:       getenv("MINIO_ENDPOINT", defaultMinioEndpoint),
		MinioAccessKey:      os.Getenv("MINIO_ACCESS_KEY"),
		MinioSecretKey:      os.Getenv("MINIO_SECRET_KEY"),
		MinioBucket:         getenv("MINIO_BUCKET", defaultMinioBucket),
		MinioUseSSL:         getenvBool("MINIO_USE_SSL", false),
		IntakePrefix:        getenv("INTAKE_PREFIX", defaultIntakePrefix),
		StagingDriver:       strings.ToLower(getenv("STAGING_DRIVER", StagingMinio)),
		RepositoriesFile:    getenv("REPOSITORIES_FILE", defaultRepositoriesFile),
		WatchRepositories:   getenvBool("REPOSITORIES_WATCH", true),
		CriticalMaxAttempts: getenvInt("CRITICAL_MAX_ATTEMPTS", defaultCriticalAttempts),
		DepositTimeout:      getenvDuration("DEPOSIT_TIMEOUT", defaultDepositTimeout),
		StaleAfter:          getenvDuration("STALE_AFTER", defaultStaleAfter),
		AggregationInterval: getenvInterval("AGGREGATION_INTERVAL", defaultAggregationEvery),
		AdvancementInterval: getenvInterval("ADVANCEMENT_INTERVAL", defaultAdvancementEvery),
		HealthInterval:      getenvInterval("HEALTH_INTERVAL", defaultHealthEvery),
		SweepConcurrency:    getenvInt("SWEEP_CONCURRENCY", defaultSweepConcurrency),
		SubmissionCacheSize: getenvInt("SUBMISSION_CACHE_SIZE", defaultSubmissionCacheSz),
		MaxIntakeBytes:      int64(getenvInt("MAX_INTAKE_BYTES", 1024*1024)),
	}

	switch cfg.StoreDriver {
	case "postgres", "pgx", "sqlite", "memory":
	default:
		return Config{}, fmt.Errorf("STORE_DRIVER %q is not supported", cfg.StoreDriver)
	}
	switch cfg.DispatchMode {
	case DispatchTemporal, DispatchInline:
	default:
		return Config{}, fmt.Errorf("DISPATCH_MODE %q is not supported", cfg.DispatchMode)
	}
	switch cfg.StagingDriver {
	case StagingMinio, StagingMemory:
	default:
		return Config{}, fmt.Errorf("STAGING_DRIVER %q is not supported", cfg.StagingDriver)
	}
	if cfg.StoreDriver != "memory" && cfg.StoreDriver != "sqlite" && cfg.StoreDSN == "" {
		return Config{}, fmt.Errorf("STORE_DSN is required for driver %s", cfg.StoreDriver)
	}

	return cfg, nil
}

func getenv(key string, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getenvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

// getenvDuration accepts Go duration syntax or a bare number of seconds.
// Values that are not positive fall back.
func getenvDuration(key string, fallback time.Duration) time.Duration {
	d, ok := parseDuration(os.Getenv(key))
	if !ok || d <= 0 {
		return fallback
	}
	return d
}

// getenvInterval is getenvDuration for loop intervals, where 0 disables the
// loop.
func getenvInterval(key string, fallback time.Duration) time.Duration {
	d, ok := parseDuration(os.Getenv(key))
	if !ok || d < 0 {
		return fallback
	}
	return d
}

func parseDuration(v string) (time.Duration, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, false
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second, true
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, false
	}
	return d, true
}
