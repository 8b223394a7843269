package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v2"
)

// =============================================================================
// Flow Engine Configuration with Environment Overrides
// =============================================================================

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Vault     VaultConfig     `yaml:"vault"`
	Token     TokenConfig     `yaml:"token"`
	Join      JoinConfig      `yaml:"join"`
	Poller    PollerConfig    `yaml:"poller"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Queue     QueueConfig     `yaml:"queue"`
	Webhook   WebhookConfig   `yaml:"webhook"`
	PubSub    PubSubConfig    `yaml:"pubsub"`
	Blob      BlobConfig      `yaml:"blob"`
	Security  SecurityConfig  `yaml:"security"`
	Lifecycle LifecycleConfig `yaml:"lifecycle"`
}

type ServerConfig struct {
	Port             string   `yaml:"port"`
	Env              string   `yaml:"env"`
	ReadTimeoutSec   int      `yaml:"read_timeout_sec"`
	WriteTimeoutSec  int      `yaml:"write_timeout_sec"`
	IdleTimeoutSec   int      `yaml:"idle_timeout_sec"`
	ShutdownTimeout  int      `yaml:"shutdown_timeout_sec"`
	CORSAllowOrigins []string `yaml:"cors_allow_origins"`
}

// DatabaseConfig configures the Postgres-backed Storage Gateway.
type DatabaseConfig struct {
	DSN          string `yaml:"dsn"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
	Backend      string `yaml:"backend"` // "postgres" | "memory"
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Enabled  bool   `yaml:"enabled"`
}

// VaultConfig holds the Argon2id tuning knobs; the master seed itself is
// never configured here, only supplied at unlock time.
type VaultConfig struct {
	ArgonMemoryKiB    uint32 `yaml:"argon_memory_kib"`
	ArgonIterations   uint32 `yaml:"argon_iterations"`
	ArgonParallelism  uint8  `yaml:"argon_parallelism"`
	MaxFailedAttempts int    `yaml:"max_failed_attempts"`
	LockoutBackoffSec int    `yaml:"lockout_backoff_sec"`
}

// TokenConfig tunes the Token Lifecycle's guarded-refresh protocol.
type TokenConfig struct {
	RefreshSkewSeconds    int `yaml:"refresh_skew_seconds"`
	StalenessThresholdSec int `yaml:"staleness_threshold_sec"`
	WaitPollIntervalMs    int `yaml:"wait_poll_interval_ms"`
	WaitMaxMs             int `yaml:"wait_max_ms"`
	SweepIntervalSec      int `yaml:"sweep_interval_sec"`
}

// JoinConfig tunes the Join/Correlation Store's default timeout and sweeper.
type JoinConfig struct {
	DefaultTimeoutMinutes int `yaml:"default_timeout_minutes"`
	SweepIntervalSec      int `yaml:"sweep_interval_sec"`
}

// PollerConfig tunes the Poller Subsystem.
type PollerConfig struct {
	DefaultIntervalMinutes int `yaml:"default_interval_minutes"`
	FingerprintRingSize    int `yaml:"fingerprint_ring_size"`
	SFTPDialTimeoutSec     int `yaml:"sftp_dial_timeout_sec"`
}

// SchedulerConfig configures cron timezone defaults.
type SchedulerConfig struct {
	DefaultTimezone string `yaml:"default_timezone"`
}

// QueueConfig selects and tunes the Queue Abstraction backend.
type QueueConfig struct {
	Backend      string `yaml:"backend"` // "memory" | "amqp" | "kafka"
	PrevBackend  string `yaml:"prev_backend,omitempty"`
	AMQPURL      string `yaml:"amqp_url"`
	KafkaBrokers string `yaml:"kafka_brokers"`
	MemoryBuffer int    `yaml:"memory_buffer"`
}

// WebhookConfig sizes the outbound webhook delivery worker pool.
type WebhookConfig struct {
	WorkerCount int `yaml:"worker_count"`
	MaxRetries  int `yaml:"max_retries"`
}

// PubSubConfig configures the optional durable event-bus fan-out.
type PubSubConfig struct {
	ProjectID string `yaml:"project_id"`
	TopicID   string `yaml:"topic_id"`
	Enabled   bool   `yaml:"enabled"`
}

// BlobConfig configures the S3-compatible blob poller/connector.
type BlobConfig struct {
	Region   string `yaml:"region"`
	Endpoint string `yaml:"endpoint,omitempty"`
}

// SecurityConfig holds ingress auth enforcement and signing defaults.
type SecurityConfig struct {
	HMACSecret         string `yaml:"hmac_secret"`
	RateLimitPerMinute int    `yaml:"rate_limit_per_minute"`
	RateLimitBurst     int    `yaml:"rate_limit_burst"`
}

// LifecycleConfig configures the gRPC deploy-approval/rollback notification
// stream external CI/CD systems can subscribe to.
type LifecycleConfig struct {
	GRPCPort string `yaml:"grpc_port"`
	Enabled  bool   `yaml:"enabled"`

	// SPIFFESocketPath, when set, points at a SPIFFE Workload API socket
	// (e.g. "unix:///run/spire/sockets/agent.sock"); the lifecycle gRPC
	// server then authenticates subscribers via mTLS against workload
	// SVIDs fetched from it instead of serving plaintext. Empty disables
	// mTLS — the server still runs, but without transport credentials.
	SPIFFESocketPath string `yaml:"spiffe_socket_path"`
}

// =============================================================================
// Singleton Pattern with Environment Overrides
// =============================================================================

var (
	instance *Config
	once     sync.Once
)

// Get returns the singleton config instance.
func Get() *Config {
	once.Do(func() {
		cfg, err := LoadConfig(getEnv("CONFIG_PATH", "config.yaml"))
		if err != nil {
			slog.Warn("config: failed to load config file, using defaults", "error", err)
		}
		if cfg == nil {
			cfg = &Config{}
		}
		cfg.applyEnvOverrides()
		instance = cfg
	})
	return instance
}

// LoadConfig loads config from a YAML file.
func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	c.Server.Port = getEnv("PORT", c.Server.Port)
	c.Server.Env = getEnv("FLOWENGINE_ENV", c.Server.Env)
	if v := getEnvInt("SERVER_READ_TIMEOUT_SEC", 0); v > 0 {
		c.Server.ReadTimeoutSec = v
	}
	if v := getEnvInt("SERVER_WRITE_TIMEOUT_SEC", 0); v > 0 {
		c.Server.WriteTimeoutSec = v
	}
	if v := getEnvInt("SERVER_IDLE_TIMEOUT_SEC", 0); v > 0 {
		c.Server.IdleTimeoutSec = v
	}
	if v := getEnvInt("SERVER_SHUTDOWN_TIMEOUT_SEC", 0); v > 0 {
		c.Server.ShutdownTimeout = v
	}
	if origins := getEnv("CORS_ALLOW_ORIGINS", ""); origins != "" {
		c.Server.CORSAllowOrigins = splitCSV(origins)
	}

	c.Database.DSN = getEnv("DATABASE_DSN", c.Database.DSN)
	c.Database.Backend = getEnv("DATABASE_BACKEND", c.Database.Backend)
	if v := getEnvInt("DATABASE_MAX_OPEN_CONNS", 0); v > 0 {
		c.Database.MaxOpenConns = v
	}
	if v := getEnvInt("DATABASE_MAX_IDLE_CONNS", 0); v > 0 {
		c.Database.MaxIdleConns = v
	}

	c.Redis.Addr = getEnv("REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = getEnv("REDIS_PASSWORD", c.Redis.Password)
	if v := getEnvInt("REDIS_DB", 0); v > 0 {
		c.Redis.DB = v
	}
	c.Redis.Enabled = getEnvBool("REDIS_ENABLED", c.Redis.Enabled)

	if v := getEnvInt("VAULT_ARGON_MEMORY_KIB", 0); v > 0 {
		c.Vault.ArgonMemoryKiB = uint32(v)
	}
	if v := getEnvInt("VAULT_ARGON_ITERATIONS", 0); v > 0 {
		c.Vault.ArgonIterations = uint32(v)
	}
	if v := getEnvInt("VAULT_ARGON_PARALLELISM", 0); v > 0 {
		c.Vault.ArgonParallelism = uint8(v)
	}
	if v := getEnvInt("VAULT_MAX_FAILED_ATTEMPTS", 0); v > 0 {
		c.Vault.MaxFailedAttempts = v
	}

	if v := getEnvInt("TOKEN_REFRESH_SKEW_SECONDS", 0); v > 0 {
		c.Token.RefreshSkewSeconds = v
	}
	if v := getEnvInt("TOKEN_STALENESS_THRESHOLD_SEC", 0); v > 0 {
		c.Token.StalenessThresholdSec = v
	}

	if v := getEnvInt("JOIN_DEFAULT_TIMEOUT_MINUTES", 0); v > 0 {
		c.Join.DefaultTimeoutMinutes = v
	}
	if v := getEnvInt("JOIN_SWEEP_INTERVAL_SEC", 0); v > 0 {
		c.Join.SweepIntervalSec = v
	}

	if v := getEnvInt("POLLER_DEFAULT_INTERVAL_MINUTES", 0); v > 0 {
		c.Poller.DefaultIntervalMinutes = v
	}
	if v := getEnvInt("POLLER_FINGERPRINT_RING_SIZE", 0); v > 0 {
		c.Poller.FingerprintRingSize = v
	}

	c.Scheduler.DefaultTimezone = getEnv("SCHEDULER_DEFAULT_TIMEZONE", c.Scheduler.DefaultTimezone)

	c.Queue.Backend = getEnv("QUEUE_BACKEND", c.Queue.Backend)
	c.Queue.AMQPURL = getEnv("QUEUE_AMQP_URL", c.Queue.AMQPURL)
	c.Queue.KafkaBrokers = getEnv("QUEUE_KAFKA_BROKERS", c.Queue.KafkaBrokers)

	if v := getEnvInt("WEBHOOK_WORKERS", 0); v > 0 {
		c.Webhook.WorkerCount = v
	}

	if projectID := getEnv("GCP_PROJECT_ID", ""); projectID != "" {
		c.PubSub.ProjectID = projectID
	}
	c.PubSub.TopicID = getEnv("PUBSUB_TOPIC_ID", c.PubSub.TopicID)
	c.PubSub.Enabled = getEnvBool("PUBSUB_ENABLED", c.PubSub.Enabled)

	c.Blob.Region = getEnv("BLOB_REGION", c.Blob.Region)
	c.Blob.Endpoint = getEnv("BLOB_ENDPOINT", c.Blob.Endpoint)

	c.Security.HMACSecret = getEnv("FLOWENGINE_HMAC_SECRET", c.Security.HMACSecret)
	if v := getEnvInt("RATE_LIMIT_PER_MINUTE", 0); v > 0 {
		c.Security.RateLimitPerMinute = v
	}

	c.Lifecycle.GRPCPort = getEnv("LIFECYCLE_GRPC_PORT", c.Lifecycle.GRPCPort)
	c.Lifecycle.Enabled = getEnvBool("LIFECYCLE_GRPC_ENABLED", c.Lifecycle.Enabled)
	c.Lifecycle.SPIFFESocketPath = getEnv("LIFECYCLE_SPIFFE_SOCKET", c.Lifecycle.SPIFFESocketPath)

	c.applyDefaults()
}

// applyDefaults sets sensible defaults for zero-valued config fields.
func (c *Config) applyDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = "8080"
	}
	if c.Server.ReadTimeoutSec == 0 {
		c.Server.ReadTimeoutSec = 15
	}
	if c.Server.WriteTimeoutSec == 0 {
		c.Server.WriteTimeoutSec = 15
	}
	if c.Server.IdleTimeoutSec == 0 {
		c.Server.IdleTimeoutSec = 60
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 30
	}
	if len(c.Server.CORSAllowOrigins) == 0 {
		c.Server.CORSAllowOrigins = []string{"*"}
	}
	if c.Database.Backend == "" {
		c.Database.Backend = "memory"
	}
	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = 20
	}
	if c.Database.MaxIdleConns == 0 {
		c.Database.MaxIdleConns = 5
	}
	if c.Vault.ArgonMemoryKiB == 0 {
		c.Vault.ArgonMemoryKiB = 64 * 1024 // 64 MiB floor
	}
	if c.Vault.ArgonIterations == 0 {
		c.Vault.ArgonIterations = 3
	}
	if c.Vault.ArgonParallelism == 0 {
		c.Vault.ArgonParallelism = 4
	}
	if c.Vault.MaxFailedAttempts == 0 {
		c.Vault.MaxFailedAttempts = 5
	}
	if c.Vault.LockoutBackoffSec == 0 {
		c.Vault.LockoutBackoffSec = 30
	}
	if c.Token.RefreshSkewSeconds == 0 {
		c.Token.RefreshSkewSeconds = 300
	}
	if c.Token.StalenessThresholdSec == 0 {
		c.Token.StalenessThresholdSec = 60
	}
	if c.Token.WaitPollIntervalMs == 0 {
		c.Token.WaitPollIntervalMs = 200
	}
	if c.Token.WaitMaxMs == 0 {
		c.Token.WaitMaxMs = 10_000
	}
	if c.Token.SweepIntervalSec == 0 {
		c.Token.SweepIntervalSec = 30
	}
	if c.Join.DefaultTimeoutMinutes == 0 {
		c.Join.DefaultTimeoutMinutes = 1440
	}
	if c.Join.SweepIntervalSec == 0 {
		c.Join.SweepIntervalSec = 60
	}
	if c.Poller.DefaultIntervalMinutes == 0 {
		c.Poller.DefaultIntervalMinutes = 5
	}
	if c.Poller.FingerprintRingSize == 0 {
		c.Poller.FingerprintRingSize = 100
	}
	if c.Poller.SFTPDialTimeoutSec == 0 {
		c.Poller.SFTPDialTimeoutSec = 10
	}
	if c.Scheduler.DefaultTimezone == "" {
		c.Scheduler.DefaultTimezone = "UTC"
	}
	if c.Queue.Backend == "" {
		c.Queue.Backend = "memory"
	}
	if c.Queue.MemoryBuffer == 0 {
		c.Queue.MemoryBuffer = 256
	}
	if c.Webhook.WorkerCount == 0 {
		c.Webhook.WorkerCount = 4
	}
	if c.Webhook.MaxRetries == 0 {
		c.Webhook.MaxRetries = 3
	}
	if c.PubSub.TopicID == "" {
		c.PubSub.TopicID = "flowengine-events"
	}
	if c.Blob.Region == "" {
		c.Blob.Region = "us-east-1"
	}
	if c.Security.RateLimitPerMinute == 0 {
		c.Security.RateLimitPerMinute = 600
	}
	if c.Security.RateLimitBurst == 0 {
		c.Security.RateLimitBurst = 50
	}
	if c.Lifecycle.GRPCPort == "" {
		c.Lifecycle.GRPCPort = "9090"
	}
}

// =============================================================================
// Helper Functions
// =============================================================================

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		return val == "true" || val == "1"
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func splitCSV(s string) []string {
	parts := make([]string, 0)
	for _, p := range strings.Split(s, ",") {
		trimmed := strings.TrimSpace(p)
		if trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return parts
}

// =============================================================================
// Convenience Methods
// =============================================================================

func (c *Config) IsProduction() bool {
	return c.Server.Env == "production"
}

func (c *Config) RefreshSkew() time.Duration {
	return time.Duration(c.Token.RefreshSkewSeconds) * time.Second
}

func (c *Config) TokenStalenessThreshold() time.Duration {
	return time.Duration(c.Token.StalenessThresholdSec) * time.Second
}

func (c *Config) JoinDefaultTimeout() time.Duration {
	return time.Duration(c.Join.DefaultTimeoutMinutes) * time.Minute
}

func (c *Config) PollerDefaultInterval() time.Duration {
	return time.Duration(c.Poller.DefaultIntervalMinutes) * time.Minute
}
