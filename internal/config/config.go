// Package config loads and validates orchestrator configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/crawl-orchestrator/internal/client"
	"github.com/JakeFAU/crawl-orchestrator/internal/notify"
	"github.com/JakeFAU/crawl-orchestrator/internal/pipeline"
	"github.com/JakeFAU/crawl-orchestrator/internal/policy/ratelimit"
	"github.com/JakeFAU/crawl-orchestrator/internal/policy/retry"
	"github.com/JakeFAU/crawl-orchestrator/internal/scheduler"
	"github.com/JakeFAU/crawl-orchestrator/internal/task"
	"github.com/JakeFAU/crawl-orchestrator/internal/transport/httpapi"
)

// EnvPrefix scopes environment overrides, e.g. ORCH_API_BASE_URL.
const EnvPrefix = "ORCH"

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	API       APIConfig       `mapstructure:"api"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	Tasks     TasksConfig     `mapstructure:"tasks"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Notify    NotifyConfig    `mapstructure:"notify"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// APIConfig describes the external content API and how it is called.
type APIConfig struct {
	BaseURL           string        `mapstructure:"base_url"`
	Token             string        `mapstructure:"token"`
	UserAgent         string        `mapstructure:"user_agent"`
	RequestsPerWindow int           `mapstructure:"requests_per_window"`
	Window            time.Duration `mapstructure:"window"`
	AttemptTimeout    time.Duration `mapstructure:"attempt_timeout"`
	MaxAttempts       int           `mapstructure:"max_attempts"`
	BaseDelay         time.Duration `mapstructure:"base_delay"`
	MaxDelay          time.Duration `mapstructure:"max_delay"`
	UnknownMaxRetries int           `mapstructure:"unknown_max_retries"`
}

// PipelineConfig names the endpoints of the target hierarchy.
type PipelineConfig struct {
	TargetEndpoint        string `mapstructure:"target_endpoint"`
	ChildrenEndpoint      string `mapstructure:"children_endpoint"`
	GrandchildrenEndpoint string `mapstructure:"grandchildren_endpoint"`
	PageSize              int    `mapstructure:"page_size"`
}

// TasksConfig bounds one-off tasks.
type TasksConfig struct {
	MaxTargets                  int           `mapstructure:"max_targets"`
	ConsecutiveFailureThreshold int           `mapstructure:"consecutive_failure_threshold"`
	MaxEstimatedRequests        int           `mapstructure:"max_estimated_requests"`
	Retention                   time.Duration `mapstructure:"retention"`
	SweepInterval               time.Duration `mapstructure:"sweep_interval"`
}

// SchedulerConfig governs recurring monitors.
type SchedulerConfig struct {
	MinInterval         time.Duration `mapstructure:"min_interval"`
	RecoveryDelay       time.Duration `mapstructure:"recovery_delay"`
	MinRecoveryDelay    time.Duration `mapstructure:"min_recovery_delay"`
	RunImmediately      bool          `mapstructure:"run_immediately"`
	ResultRetention     int           `mapstructure:"result_retention"`
	DefaultCycleTimeout time.Duration `mapstructure:"default_cycle_timeout"`
	OverdueGrace        time.Duration `mapstructure:"overdue_grace"`
}

// StorageConfig selects persistence backends.
type StorageConfig struct {
	// Backend stores monitors and results: memory, sqlite or postgres.
	Backend string `mapstructure:"backend"`
	// Tasks stores the task registry: memory, sqlite or redis.
	Tasks    string         `mapstructure:"tasks"`
	SQLite   SQLiteConfig   `mapstructure:"sqlite"`
	Postgres PostgresConfig `mapstructure:"postgres"`
	Archive  ArchiveConfig  `mapstructure:"archive"`
}

// SQLiteConfig locates the database file.
type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

// PostgresConfig controls the pgx pool.
type PostgresConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	ResultsTable    string        `mapstructure:"results_table"`
	MonitorsTable   string        `mapstructure:"monitors_table"`
}

// ArchiveConfig mirrors saved results into a blob store: none, local or gcs.
type ArchiveConfig struct {
	Backend   string `mapstructure:"backend"`
	Prefix    string `mapstructure:"prefix"`
	LocalDir  string `mapstructure:"local_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	// DigestLength truncates object digests to this many hex characters; 0 keeps all 64.
	DigestLength int `mapstructure:"digest_length"`
}

// RedisConfig configures the Redis task registry.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

// NotifyConfig configures the notification hub and its sinks.
type NotifyConfig struct {
	Log        bool `mapstructure:"log"`
	Prometheus bool `mapstructure:"prometheus"`
	// Publisher is none, memory, pubsub or kafka.
	Publisher      string        `mapstructure:"publisher"`
	Topic          string        `mapstructure:"topic"`
	BufferSize     int           `mapstructure:"buffer_size"`
	MaxBatchEvents int           `mapstructure:"max_batch_events"`
	MaxBatchWait   time.Duration `mapstructure:"max_batch_wait"`
	// LogEvents and PublishEvents select the event types each sink receives
	// ("task.failed", "monitor.*"). Empty means every event.
	LogEvents     []string `mapstructure:"log_events"`
	PublishEvents []string `mapstructure:"publish_events"`
}

// PubSubConfig holds the Google Cloud project used for publishing.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
}

// KafkaConfig lists the brokers used for publishing.
type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
}

// TelemetryConfig configures tracing export.
type TelemetryConfig struct {
	ServiceName string `mapstructure:"service_name"`
	ProjectID   string `mapstructure:"project_id"`
}

// Load builds a Config from defaults, an optional file and ORCH_* environment variables.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	// Env values for slices arrive as one comma-separated string.
	cfg.Kafka.Brokers = splitList(strings.Join(cfg.Kafka.Brokers, ","))

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func setDefaults(v *viper.Viper) {
	retryDefaults := retry.DefaultConfig()
	pipelineDefaults := pipeline.DefaultConfig()
	taskDefaults := task.DefaultConfig()
	schedDefaults := scheduler.DefaultConfig()

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")

	v.SetDefault("api.base_url", "")
	v.SetDefault("api.token", "")
	v.SetDefault("api.user_agent", "crawl-orchestrator/1.0")
	v.SetDefault("api.requests_per_window", 10)
	v.SetDefault("api.window", ratelimit.DefaultWindow)
	v.SetDefault("api.attempt_timeout", 30*time.Second)
	v.SetDefault("api.max_attempts", retryDefaults.MaxAttempts)
	v.SetDefault("api.base_delay", retryDefaults.BaseDelay)
	v.SetDefault("api.max_delay", retryDefaults.MaxDelay)
	v.SetDefault("api.unknown_max_retries", retryDefaults.UnknownMaxRetries)

	v.SetDefault("pipeline.target_endpoint", pipelineDefaults.Endpoints.Target)
	v.SetDefault("pipeline.children_endpoint", pipelineDefaults.Endpoints.Children)
	v.SetDefault("pipeline.grandchildren_endpoint", pipelineDefaults.Endpoints.Grandchildren)
	v.SetDefault("pipeline.page_size", pipelineDefaults.PageSize)

	v.SetDefault("tasks.max_targets", taskDefaults.MaxTargets)
	v.SetDefault("tasks.consecutive_failure_threshold", taskDefaults.ConsecutiveFailureThreshold)
	v.SetDefault("tasks.max_estimated_requests", taskDefaults.MaxEstimatedRequests)
	v.SetDefault("tasks.retention", taskDefaults.Retention)
	v.SetDefault("tasks.sweep_interval", taskDefaults.SweepInterval)

	v.SetDefault("scheduler.min_interval", schedDefaults.MinInterval)
	v.SetDefault("scheduler.recovery_delay", schedDefaults.RecoveryDelay)
	v.SetDefault("scheduler.min_recovery_delay", schedDefaults.MinRecoveryDelay)
	v.SetDefault("scheduler.run_immediately", schedDefaults.RunImmediately)
	v.SetDefault("scheduler.result_retention", schedDefaults.ResultRetention)
	v.SetDefault("scheduler.default_cycle_timeout", schedDefaults.DefaultCycleTimeout)
	v.SetDefault("scheduler.overdue_grace", schedDefaults.OverdueGrace)

	v.SetDefault("storage.backend", "memory")
	v.SetDefault("storage.tasks", "memory")
	v.SetDefault("storage.sqlite.path", "orchestrator.db")
	v.SetDefault("storage.postgres.dsn", "")
	v.SetDefault("storage.postgres.max_conns", 0)
	v.SetDefault("storage.postgres.min_conns", 0)
	v.SetDefault("storage.postgres.max_conn_lifetime", time.Duration(0))
	v.SetDefault("storage.postgres.results_table", "crawl_results")
	v.SetDefault("storage.postgres.monitors_table", "monitors")
	v.SetDefault("storage.archive.backend", "none")
	v.SetDefault("storage.archive.prefix", "results")
	v.SetDefault("storage.archive.local_dir", "")
	v.SetDefault("storage.archive.gcs_bucket", "")
	v.SetDefault("storage.archive.digest_length", 0)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", "orchestrator:")

	v.SetDefault("notify.log", true)
	v.SetDefault("notify.prometheus", true)
	v.SetDefault("notify.publisher", "none")
	v.SetDefault("notify.topic", "crawl-events")
	v.SetDefault("notify.buffer_size", 1024)
	v.SetDefault("notify.max_batch_events", 100)
	v.SetDefault("notify.max_batch_wait", 250*time.Millisecond)

	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("telemetry.service_name", "crawl-orchestrator")
	v.SetDefault("telemetry.project_id", "")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server.shutdown_timeout must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.API.AttemptTimeout < 0 {
		return fmt.Errorf("api.attempt_timeout must be >= 0")
	}
	if err := c.RateLimitConfig().Validate(); err != nil {
		return fmt.Errorf("api: %w", err)
	}
	if err := c.RetryConfig().Validate(); err != nil {
		return fmt.Errorf("api: %w", err)
	}
	if err := c.PipelineConfig().Validate(); err != nil {
		return fmt.Errorf("pipeline: %w", err)
	}
	if err := c.TaskManagerConfig().Validate(); err != nil {
		return err
	}
	if err := c.SchedulerConfig().Validate(); err != nil {
		return err
	}
	if err := c.validateStorage(); err != nil {
		return err
	}
	return c.validateNotify()
}

func (c Config) validateStorage() error {
	switch c.Storage.Backend {
	case "memory":
	case "sqlite":
		if c.Storage.SQLite.Path == "" {
			return fmt.Errorf("storage.sqlite.path must be set for the sqlite backend")
		}
	case "postgres":
		if c.Storage.Postgres.DSN == "" {
			return fmt.Errorf("storage.postgres.dsn must be set for the postgres backend")
		}
	default:
		return fmt.Errorf("storage.backend must be one of memory, sqlite, postgres")
	}
	switch c.Storage.Tasks {
	case "memory":
	case "sqlite":
		if c.Storage.SQLite.Path == "" {
			return fmt.Errorf("storage.sqlite.path must be set for sqlite tasks")
		}
	case "redis":
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis.addr must be set for redis tasks")
		}
	default:
		return fmt.Errorf("storage.tasks must be one of memory, sqlite, redis")
	}
	if n := c.Storage.Archive.DigestLength; n != 0 && (n < 16 || n > 64) {
		return fmt.Errorf("storage.archive.digest_length must be 0 or between 16 and 64")
	}
	switch c.Storage.Archive.Backend {
	case "none":
	case "local":
		if c.Storage.Archive.LocalDir == "" {
			return fmt.Errorf("storage.archive.local_dir must be set for the local archive")
		}
	case "gcs":
		if c.Storage.Archive.GCSBucket == "" {
			return fmt.Errorf("storage.archive.gcs_bucket must be set for the gcs archive")
		}
	default:
		return fmt.Errorf("storage.archive.backend must be one of none, local, gcs")
	}
	return nil
}

func (c Config) validateNotify() error {
	switch c.Notify.Publisher {
	case "none", "memory":
	case "pubsub":
		if c.PubSub.ProjectID == "" {
			return fmt.Errorf("pubsub.project_id must be set for the pubsub publisher")
		}
	case "kafka":
		if len(c.Kafka.Brokers) == 0 {
			return fmt.Errorf("kafka.brokers must be set for the kafka publisher")
		}
	default:
		return fmt.Errorf("notify.publisher must be one of none, memory, pubsub, kafka")
	}
	if c.Notify.Publisher != "none" && c.Notify.Topic == "" {
		return fmt.Errorf("notify.topic must be set when a publisher is configured")
	}
	if c.Notify.BufferSize < 0 || c.Notify.MaxBatchEvents < 0 {
		return fmt.Errorf("notify.buffer_size and notify.max_batch_events must be >= 0")
	}
	if err := notify.ValidatePatterns(c.Notify.LogEvents); err != nil {
		return fmt.Errorf("notify.log_events: %w", err)
	}
	if err := notify.ValidatePatterns(c.Notify.PublishEvents); err != nil {
		return fmt.Errorf("notify.publish_events: %w", err)
	}
	return nil
}

// RateLimitConfig converts the api section into a limiter config.
func (c Config) RateLimitConfig() ratelimit.Config {
	return ratelimit.Config{Capacity: c.API.RequestsPerWindow, Window: c.API.Window}
}

// RetryConfig converts the api section into a retry policy config.
func (c Config) RetryConfig() retry.Config {
	return retry.Config{
		MaxAttempts:       c.API.MaxAttempts,
		BaseDelay:         c.API.BaseDelay,
		MaxDelay:          c.API.MaxDelay,
		UnknownMaxRetries: c.API.UnknownMaxRetries,
	}
}

// ClientConfig converts the api section into a client config.
func (c Config) ClientConfig() client.Config {
	return client.Config{AttemptTimeout: c.API.AttemptTimeout}
}

// TransportConfig converts the api section into an HTTP transport config.
func (c Config) TransportConfig() httpapi.Config {
	return httpapi.Config{
		BaseURL:   c.API.BaseURL,
		Token:     c.API.Token,
		UserAgent: c.API.UserAgent,
		Timeout:   c.API.AttemptTimeout,
	}
}

// PipelineConfig converts the pipeline section.
func (c Config) PipelineConfig() pipeline.Config {
	return pipeline.Config{
		Endpoints: pipeline.Endpoints{
			Target:        c.Pipeline.TargetEndpoint,
			Children:      c.Pipeline.ChildrenEndpoint,
			Grandchildren: c.Pipeline.GrandchildrenEndpoint,
		},
		PageSize: c.Pipeline.PageSize,
	}
}

// TaskManagerConfig converts the tasks section.
func (c Config) TaskManagerConfig() task.Config {
	return task.Config{
		MaxTargets:                  c.Tasks.MaxTargets,
		ConsecutiveFailureThreshold: c.Tasks.ConsecutiveFailureThreshold,
		MaxEstimatedRequests:        c.Tasks.MaxEstimatedRequests,
		PageSize:                    c.Pipeline.PageSize,
		Retention:                   c.Tasks.Retention,
		SweepInterval:               c.Tasks.SweepInterval,
	}
}

// SchedulerConfig converts the scheduler section.
func (c Config) SchedulerConfig() scheduler.Config {
	return scheduler.Config{
		MinInterval:         c.Scheduler.MinInterval,
		RecoveryDelay:       c.Scheduler.RecoveryDelay,
		MinRecoveryDelay:    c.Scheduler.MinRecoveryDelay,
		RunImmediately:      c.Scheduler.RunImmediately,
		ResultRetention:     c.Scheduler.ResultRetention,
		DefaultCycleTimeout: c.Scheduler.DefaultCycleTimeout,
		OverdueGrace:        c.Scheduler.OverdueGrace,
	}
}
