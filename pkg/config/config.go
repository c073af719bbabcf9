package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/burrowci/burrow/pkg/errdefs"
)

// Config is the full orchestrator configuration, populated from the
// environment. Zero values are replaced by defaults in FromEnv.
type Config struct {
	Core      CoreConfig      `validate:"required"`
	Log       LogConfig       `validate:"required"`
	Store     StoreConfig     `validate:"required"`
	Coord     CoordConfig     `validate:"required"`
	Queues    QueueConfig     `validate:"required"`
	Pool      PoolConfig      `validate:"required"`
	Security  SecurityConfig  `validate:"required"`
	HA        HAConfig        `validate:"required"`
	API       APIConfig       `validate:"required"`
	RateLimit RateLimitConfig `validate:"required"`
	Limits    LimitsConfig    `validate:"required"`
	Webhook   WebhookConfig   `validate:"required"`
	GitHub    GitHubConfig
	Runtime   RuntimeConfig `validate:"required"`
}

// CoreConfig identifies the process and bounds shutdown.
type CoreConfig struct {
	NodeID          string        `validate:"required"`
	NodeRole        string        `validate:"oneof=orchestrator standby"`
	ShutdownTimeout time.Duration `validate:"gt=0"`
	DataDir         string        `validate:"required"`
}

type LogConfig struct {
	Level string `validate:"oneof=debug info warn error"`
	JSON  bool
}

// StoreConfig configures the durable store. Driver selects the embedded
// sqlite store or an external postgres primary with optional replica.
type StoreConfig struct {
	Driver     string `validate:"oneof=postgres sqlite"`
	URL        string `validate:"required"`
	ReplicaURL string
	PoolMin    int    `validate:"gte=0"`
	PoolMax    int    `validate:"gtefield=PoolMin"`
	SSLMode    string `validate:"oneof=disable require verify-full"`

	// RetentionCompleted and RetentionFailed bound how long terminal jobs
	// stay queryable before the sweeper removes them.
	RetentionCompleted time.Duration `validate:"gt=0"`
	RetentionFailed    time.Duration `validate:"gt=0"`
}

// CoordConfig configures the coordination store (redis, optionally behind
// sentinel).
type CoordConfig struct {
	Addrs          []string `validate:"min=1"`
	SentinelMaster string
	Password       string
	KeyPrefix      string        `validate:"required"`
	DialTimeout    time.Duration `validate:"gt=0"`
	OpTimeout      time.Duration `validate:"gt=0"`
}

// QueueConfig carries per-queue concurrency plus engine-wide knobs.
type QueueConfig struct {
	Concurrency       map[string]int `validate:"required"`
	VisibilityTimeout time.Duration  `validate:"gte=60s"`
	AdmissionCapacity int            `validate:"gt=0"`
	SweepInterval     time.Duration  `validate:"gt=0"`
	RecoveryMaxAge    time.Duration  `validate:"gt=0"`
	JournalPath       string
}

type PoolConfig struct {
	Min            int           `validate:"gte=0"`
	Max            int           `validate:"gtefield=Min"`
	ScaleUpUtil    float64       `validate:"gt=0,lte=1"`
	ScaleDownUtil  float64       `validate:"gte=0,ltfield=ScaleUpUtil"`
	IdleTimeout    time.Duration `validate:"gt=0"`
	StartupTimeout time.Duration `validate:"gt=0"`
	Image          string        `validate:"required"`
}

type SecurityConfig struct {
	Level         string `validate:"oneof=permissive detection enforcement blocking"`
	ScanEnabled   bool
	BlockCritical int `validate:"gte=0"`
	BlockHigh     int `validate:"gte=0"`
	PolicyIDs     []string
	PolicyDir     string
}

type HAConfig struct {
	Enabled             bool
	LeaseTTL            time.Duration `validate:"gt=0"`
	RenewInterval       time.Duration `validate:"gt=0,ltfield=LeaseTTL"`
	HealthCheckInterval time.Duration `validate:"gt=0"`
	UnhealthyAfter      time.Duration `validate:"gt=0"`
	StoreFailover       bool
	CoordFailover       bool
}

type APIConfig struct {
	ListenAddr string `validate:"required"`
	// AdminUser and AdminPassHash bootstrap auth; the hash is bcrypt.
	AdminUser     string        `validate:"required"`
	AdminPassHash string        `validate:"required"`
	TokenTTL      time.Duration `validate:"gt=0"`
}

type RateLimitConfig struct {
	Window    time.Duration `validate:"gt=0"`
	DataLimit int           `validate:"gt=0"`
	AuthLimit int           `validate:"gt=0"`
}

// LimitsConfig caps each sandbox container.
type LimitsConfig struct {
	CPUCores float64 `validate:"gt=0"`
	MemoryMB int64   `validate:"gt=0"`
	SwapMB   int64   `validate:"gte=0"`
	Pids     int64   `validate:"gt=0"`
	FDs      int64   `validate:"gt=0"`
	DiskGB   int64   `validate:"gt=0"`
}

type WebhookConfig struct {
	Secret       string
	MaxBodyBytes int64 `validate:"gt=0"`
}

type GitHubConfig struct {
	APIBase string
	Token   string
	Timeout time.Duration
}

type RuntimeConfig struct {
	Address   string `validate:"required"`
	Namespace string `validate:"required"`
	CNIBridge string
}

// EventWhitelist is the accepted set of webhook event types. Anything else
// is acknowledged with 200 "ignored".
var EventWhitelist = map[string]bool{
	"workflow_job": true,
	"workflow_run": true,
	"push":         true,
	"pull_request": true,
	"check_run":    true,
	"check_suite":  true,
	"deployment":   true,
	"release":      true,
	"repository":   true,
	"ping":         true,
}

// FromEnv builds a Config from BURROW_* environment variables, applying
// defaults for anything unset.
func FromEnv() (*Config, error) {
	hostname, _ := os.Hostname()
	nodeID := envStr("BURROW_NODE_ID", fmt.Sprintf("%s-%d", hostname, os.Getpid()))

	cfg := &Config{
		Core: CoreConfig{
			NodeID:          nodeID,
			NodeRole:        envStr("BURROW_NODE_ROLE", "orchestrator"),
			ShutdownTimeout: envDur("BURROW_SHUTDOWN_TIMEOUT", 30*time.Second),
			DataDir:         envStr("BURROW_DATA_DIR", "/var/lib/burrow"),
		},
		Log: LogConfig{
			Level: envStr("BURROW_LOG_LEVEL", "info"),
			JSON:  envBool("BURROW_LOG_JSON", true),
		},
		Store: StoreConfig{
			Driver:             envStr("BURROW_STORE_DRIVER", "sqlite"),
			URL:                envStr("BURROW_STORE_URL", "file:burrow.db?_pragma=journal_mode(WAL)"),
			ReplicaURL:         os.Getenv("BURROW_STORE_REPLICA_URL"),
			PoolMin:            envInt("BURROW_STORE_POOL_MIN", 2),
			PoolMax:            envInt("BURROW_STORE_POOL_MAX", 10),
			SSLMode:            envStr("BURROW_STORE_SSL_MODE", "disable"),
			RetentionCompleted: envDur("BURROW_RETENTION_COMPLETED", 24*time.Hour),
			RetentionFailed:    envDur("BURROW_RETENTION_FAILED", 7*24*time.Hour),
		},
		Coord: CoordConfig{
			Addrs:          envList("BURROW_COORD_ADDRS", []string{"127.0.0.1:6379"}),
			SentinelMaster: os.Getenv("BURROW_COORD_SENTINEL_MASTER"),
			Password:       os.Getenv("BURROW_COORD_PASSWORD"),
			KeyPrefix:      envStr("BURROW_COORD_KEY_PREFIX", "burrow"),
			DialTimeout:    envDur("BURROW_COORD_DIAL_TIMEOUT", 5*time.Second),
			OpTimeout:      envDur("BURROW_COORD_OP_TIMEOUT", 3*time.Second),
		},
		Queues: QueueConfig{
			Concurrency: map[string]int{
				"JOB_EXECUTION":        envInt("BURROW_QUEUE_JOB_EXECUTION_CONCURRENCY", 5),
				"CONTAINER_MANAGEMENT": envInt("BURROW_QUEUE_CONTAINER_MANAGEMENT_CONCURRENCY", 10),
				"MONITORING":           envInt("BURROW_QUEUE_MONITORING_CONCURRENCY", 3),
				"WEBHOOK_PROCESSING":   envInt("BURROW_QUEUE_WEBHOOK_PROCESSING_CONCURRENCY", 20),
				"CLEANUP":              envInt("BURROW_QUEUE_CLEANUP_CONCURRENCY", 1),
				"METRICS_COLLECTION":   envInt("BURROW_QUEUE_METRICS_COLLECTION_CONCURRENCY", 2),
			},
			VisibilityTimeout: envDur("BURROW_QUEUE_VISIBILITY_TIMEOUT", 60*time.Second),
			AdmissionCapacity: envInt("BURROW_QUEUE_ADMISSION_CAPACITY", 10000),
			SweepInterval:     envDur("BURROW_QUEUE_SWEEP_INTERVAL", 15*time.Second),
			RecoveryMaxAge:    envDur("BURROW_QUEUE_RECOVERY_MAX_AGE", 24*time.Hour),
			JournalPath:       envStr("BURROW_QUEUE_JOURNAL_PATH", ""),
		},
		Pool: PoolConfig{
			Min:            envInt("BURROW_POOL_MIN", 2),
			Max:            envInt("BURROW_POOL_MAX", 20),
			ScaleUpUtil:    envFloat("BURROW_POOL_SCALE_UP_UTIL", 0.8),
			ScaleDownUtil:  envFloat("BURROW_POOL_SCALE_DOWN_UTIL", 0.2),
			IdleTimeout:    envDur("BURROW_POOL_IDLE_TIMEOUT", 5*time.Minute),
			StartupTimeout: envDur("BURROW_POOL_STARTUP_TIMEOUT", 2*time.Minute),
			Image:          envStr("BURROW_POOL_IMAGE", "ghcr.io/burrowci/sandbox:latest"),
		},
		Security: SecurityConfig{
			Level:         envStr("BURROW_SECURITY_LEVEL", "enforcement"),
			ScanEnabled:   envBool("BURROW_SECURITY_SCAN_ENABLED", true),
			BlockCritical: envInt("BURROW_SECURITY_BLOCK_CRITICAL", 1),
			BlockHigh:     envInt("BURROW_SECURITY_BLOCK_HIGH", 5),
			PolicyIDs:     envList("BURROW_SECURITY_POLICY_IDS", nil),
			PolicyDir:     envStr("BURROW_SECURITY_POLICY_DIR", ""),
		},
		HA: HAConfig{
			Enabled:             envBool("BURROW_HA_ENABLED", true),
			LeaseTTL:            envDur("BURROW_HA_LEASE_TTL", 30*time.Second),
			RenewInterval:       envDur("BURROW_HA_RENEW_INTERVAL", 10*time.Second),
			HealthCheckInterval: envDur("BURROW_HA_HEALTH_INTERVAL", 10*time.Second),
			UnhealthyAfter:      envDur("BURROW_HA_UNHEALTHY_AFTER", 30*time.Second),
			StoreFailover:       envBool("BURROW_HA_STORE_FAILOVER", true),
			CoordFailover:       envBool("BURROW_HA_COORD_FAILOVER", true),
		},
		API: APIConfig{
			ListenAddr:    envStr("BURROW_API_LISTEN", ":8080"),
			AdminUser:     envStr("BURROW_API_ADMIN_USER", "admin"),
			AdminPassHash: os.Getenv("BURROW_API_ADMIN_PASS_HASH"),
			TokenTTL:      envDur("BURROW_API_TOKEN_TTL", 12*time.Hour),
		},
		RateLimit: RateLimitConfig{
			Window:    envDur("BURROW_RATE_LIMIT_WINDOW", time.Hour),
			DataLimit: envInt("BURROW_RATE_LIMIT_DATA", 1000),
			AuthLimit: envInt("BURROW_RATE_LIMIT_AUTH", 100),
		},
		Limits: LimitsConfig{
			CPUCores: envFloat("BURROW_LIMIT_CPU_CORES", 2),
			MemoryMB: int64(envInt("BURROW_LIMIT_MEMORY_MB", 2048)),
			SwapMB:   int64(envInt("BURROW_LIMIT_SWAP_MB", 0)),
			Pids:     int64(envInt("BURROW_LIMIT_PIDS", 512)),
			FDs:      int64(envInt("BURROW_LIMIT_FDS", 1024)),
			DiskGB:   int64(envInt("BURROW_LIMIT_DISK_GB", 10)),
		},
		Webhook: WebhookConfig{
			Secret:       os.Getenv("BURROW_WEBHOOK_SECRET"),
			MaxBodyBytes: int64(envInt("BURROW_WEBHOOK_MAX_BODY_BYTES", 25*1024*1024)),
		},
		GitHub: GitHubConfig{
			APIBase: envStr("BURROW_GITHUB_API_BASE", "https://api.github.com"),
			Token:   os.Getenv("BURROW_GITHUB_TOKEN"),
			Timeout: envDur("BURROW_GITHUB_TIMEOUT", 15*time.Second),
		},
		Runtime: RuntimeConfig{
			Address:   envStr("BURROW_CONTAINERD_ADDRESS", "/run/containerd/containerd.sock"),
			Namespace: envStr("BURROW_CONTAINERD_NAMESPACE", "burrow"),
			CNIBridge: envStr("BURROW_CNI_BRIDGE", "burrow0"),
		},
	}

	if cfg.HA.RenewInterval >= cfg.HA.LeaseTTL {
		cfg.HA.RenewInterval = cfg.HA.LeaseTTL / 3
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the full config. Failures carry the validation kind so
// main can exit with the configuration exit code.
func (c *Config) Validate() error {
	v := validator.New()
	if err := v.Struct(c); err != nil {
		return errdefs.Wrap(err, errdefs.KindValidation, "invalid_configuration", "configuration validation failed")
	}
	for name, n := range c.Queues.Concurrency {
		if n <= 0 {
			return errdefs.Validation("invalid_configuration", "queue %s concurrency must be positive, got %d", name, n)
		}
	}
	if c.API.AdminPassHash == "" {
		return errdefs.Validation("invalid_configuration", "BURROW_API_ADMIN_PASS_HASH is required")
	}
	return nil
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func envBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func envDur(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func envList(key string, def []string) []string {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return def
}
