package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535
)

// Queue backends
const (
	BackendBroker = "broker"
	BackendTable  = "table"
)

// Config represents the complete application configuration.
// Values come from the yaml file, then environment variables, then defaults.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	RabbitMQ  RabbitMQConfig  `yaml:"rabbitmq"`
	Logging   LoggingConfig   `yaml:"logging"`
	App       AppConfig       `yaml:"app"`
	Queue     QueueConfig     `yaml:"queue"`
	Sync      SyncConfig      `yaml:"sync"`
	Connector ConnectorConfig `yaml:"connector"`
	Worker    WorkerConfig    `yaml:"worker"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port" env:"SERVER_PORT"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"SERVER_READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"SERVER_WRITE_TIMEOUT"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" env:"SERVER_IDLE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SERVER_SHUTDOWN_TIMEOUT"`
}

// DatabaseConfig holds PostgreSQL connection configuration
type DatabaseConfig struct {
	// URL, when set, replaces the discrete connection fields
	URL             string        `yaml:"url" env:"DATABASE_URL"`
	Host            string        `yaml:"host" env:"POSTGRES_HOST"`
	Port            int           `yaml:"port" env:"POSTGRES_PORT"`
	User            string        `yaml:"user" env:"POSTGRES_USER"`
	Password        string        `yaml:"password" env:"POSTGRES_PASSWORD"`
	Database        string        `yaml:"database" env:"POSTGRES_DB"`
	SSLMode         string        `yaml:"sslmode" env:"POSTGRES_SSL_MODE"`
	MaxOpenConns    int           `yaml:"max_open_conns" env:"DB_MAX_OPEN_CONNS"`
	MaxIdleConns    int           `yaml:"max_idle_conns" env:"DB_MAX_IDLE_CONNS"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"DB_CONN_MAX_LIFETIME"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time" env:"DB_CONN_MAX_IDLE_TIME"`
	// Migrate applies the embedded migrations on startup
	Migrate bool `yaml:"migrate" env:"DATABASE_MIGRATE"`
}

// RabbitMQConfig holds RabbitMQ connection and exchange configuration
type RabbitMQConfig struct {
	// URL, when set, replaces host, port, user, password and vhost
	URL                string           `yaml:"url" env:"RABBITMQ_URL"`
	Host               string           `yaml:"host" env:"RABBITMQ_HOST"`
	Port               int              `yaml:"port" env:"RABBITMQ_PORT"`
	User               string           `yaml:"user" env:"RABBITMQ_USER"`
	Password           string           `yaml:"password" env:"RABBITMQ_PASSWORD"`
	VHost              string           `yaml:"vhost" env:"RABBITMQ_VHOST"`
	Exchange           ExchangeConfig   `yaml:"exchange"`
	DeadLetterExchange string           `yaml:"dead_letter_exchange" env:"RABBITMQ_DLX"`
	RoutingKey         string           `yaml:"routing_key" env:"RABBITMQ_ROUTING_KEY"`
	Connection         ConnectionConfig `yaml:"connection"`
	Publish            PublishConfig    `yaml:"publish"`
}

// ExchangeConfig holds RabbitMQ exchange configuration
type ExchangeConfig struct {
	Name string `yaml:"name" env:"RABBITMQ_EXCHANGE"`
	Type string `yaml:"type" env:"RABBITMQ_EXCHANGE_TYPE"`
}

// ConnectionConfig holds RabbitMQ connection settings
type ConnectionConfig struct {
	RetryAttempts int           `yaml:"retry_attempts" env:"RABBITMQ_RETRY_ATTEMPTS"`
	RetryInterval time.Duration `yaml:"retry_interval" env:"RABBITMQ_RETRY_INTERVAL"`
	Heartbeat     time.Duration `yaml:"heartbeat" env:"RABBITMQ_HEARTBEAT"`
}

// PublishConfig holds RabbitMQ publish retry settings
type PublishConfig struct {
	RetryAttempts int           `yaml:"retry_attempts" env:"RABBITMQ_PUBLISH_RETRIES"`
	RetryInterval time.Duration `yaml:"retry_interval" env:"RABBITMQ_PUBLISH_RETRY_INTERVAL"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level        string `yaml:"level" env:"LOG_LEVEL"`
	Format       string `yaml:"format" env:"LOG_FORMAT"`
	Output       string `yaml:"output" env:"LOG_OUTPUT"`
	EnableCaller bool   `yaml:"enable_caller" env:"LOG_ENABLE_CALLER"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name" env:"APP_NAME"`
	Version     string `yaml:"version" env:"APP_VERSION"`
	Environment string `yaml:"environment" env:"ENVIRONMENT"`
}

// QueueConfig holds the job queue configuration shared by both backends
type QueueConfig struct {
	Backend string `yaml:"backend" env:"QUEUE_BACKEND"`
	Name    string `yaml:"name" env:"QUEUE_NAME"`
	// MaxRetries is the number of retries after the first attempt. Zero disables retries.
	MaxRetries    *int          `yaml:"max_retries" env:"QUEUE_MAX_RETRIES"`
	RetryDelay    time.Duration `yaml:"retry_delay" env:"QUEUE_RETRY_DELAY"`
	MaxRetryDelay time.Duration `yaml:"max_retry_delay" env:"QUEUE_MAX_RETRY_DELAY"`
	Concurrency   int           `yaml:"concurrency" env:"QUEUE_CONCURRENCY"`
	// The fields below apply to the table backend only
	PollInterval time.Duration `yaml:"poll_interval" env:"QUEUE_POLL_INTERVAL"`
	BatchSize    int           `yaml:"batch_size" env:"QUEUE_BATCH_SIZE"`
	StaleAfter   time.Duration `yaml:"stale_after" env:"QUEUE_STALE_AFTER"`
}

// SyncConfig holds the sync worker and scheduler configuration
type SyncConfig struct {
	PollInterval     time.Duration `yaml:"poll_interval" env:"SYNC_POLL_INTERVAL"`
	BatchSize        int           `yaml:"batch_size" env:"SYNC_BATCH_SIZE"`
	MaxConcurrent    int           `yaml:"max_concurrent" env:"SYNC_MAX_CONCURRENT"`
	RetryBase        time.Duration `yaml:"retry_base" env:"SYNC_RETRY_BASE"`
	MaxBackoff       time.Duration `yaml:"max_backoff" env:"SYNC_MAX_BACKOFF"`
	StaleAfter       time.Duration `yaml:"stale_after" env:"SYNC_STALE_AFTER"`
	ScheduleInterval time.Duration `yaml:"schedule_interval" env:"SYNC_SCHEDULE_INTERVAL"`
	// DisableScheduler runs the worker without the periodic scheduler
	DisableScheduler bool `yaml:"disable_scheduler" env:"SYNC_DISABLE_SCHEDULER"`
}

// ConnectorConfig holds the integration connector endpoint
type ConnectorConfig struct {
	BaseURL string        `yaml:"base_url" env:"CONNECTOR_BASE_URL"`
	Token   string        `yaml:"token" env:"CONNECTOR_TOKEN"`
	Timeout time.Duration `yaml:"timeout" env:"CONNECTOR_TIMEOUT"`
}

// WorkerConfig holds worker service configuration
type WorkerConfig struct {
	// HealthPort serves /health and /metrics
	HealthPort      int           `yaml:"health_port" env:"WORKER_HEALTH_PORT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"WORKER_SHUTDOWN_TIMEOUT"`
}

// Load reads and parses the configuration file, then applies environment
// overrides and defaults
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := env.Parse(&config); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}

	config.applyDefaults()
	return &config, nil
}

func (c *Config) applyDefaults() {
	setDuration(&c.Server.ReadTimeout, 15*time.Second)
	setDuration(&c.Server.WriteTimeout, 15*time.Second)
	setDuration(&c.Server.IdleTimeout, 60*time.Second)
	setDuration(&c.Server.ShutdownTimeout, 30*time.Second)

	if c.Queue.Backend == "" {
		c.Queue.Backend = BackendBroker
	}
	if c.Queue.Name == "" {
		c.Queue.Name = "jobs"
	}
	if c.Queue.MaxRetries == nil {
		maxRetries := 3
		c.Queue.MaxRetries = &maxRetries
	}
	setDuration(&c.Queue.RetryDelay, 5*time.Second)
	setDuration(&c.Queue.MaxRetryDelay, time.Hour)
	setInt(&c.Queue.Concurrency, 1)
	setDuration(&c.Queue.PollInterval, 5*time.Second)
	setInt(&c.Queue.BatchSize, 10)
	setDuration(&c.Queue.StaleAfter, 30*time.Minute)

	setDuration(&c.Sync.PollInterval, 5*time.Second)
	setInt(&c.Sync.BatchSize, 10)
	setInt(&c.Sync.MaxConcurrent, 5)
	setDuration(&c.Sync.RetryBase, time.Minute)
	setDuration(&c.Sync.MaxBackoff, 24*time.Hour)
	setDuration(&c.Sync.StaleAfter, 30*time.Minute)
	setDuration(&c.Sync.ScheduleInterval, 5*time.Minute)

	setDuration(&c.Connector.Timeout, 5*time.Minute)

	setInt(&c.Worker.HealthPort, 8081)
	setDuration(&c.Worker.ShutdownTimeout, 30*time.Second)

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "console"
	}
	if c.Logging.Output == "" {
		c.Logging.Output = "stdout"
	}
}

func setDuration(d *time.Duration, def time.Duration) {
	if *d <= 0 {
		*d = def
	}
}

func setInt(v *int, def int) {
	if *v <= 0 {
		*v = def
	}
}

// AMQPURL returns the broker URL, building it from the discrete fields when
// no URL is set
func (r *RabbitMQConfig) AMQPURL() string {
	if r.URL != "" {
		return r.URL
	}

	u := url.URL{
		Scheme: "amqp",
		User:   url.UserPassword(r.User, r.Password),
		Host:   net.JoinHostPort(r.Host, strconv.Itoa(r.Port)),
	}
	// an empty path selects the default "/" vhost
	if r.VHost != "" && r.VHost != "/" {
		u.Path = "/" + r.VHost
	}
	return u.String()
}

// ValidateAPIConfig checks the settings the API service needs
func (c *Config) ValidateAPIConfig() error {
	if err := validatePort("server", c.Server.Port); err != nil {
		return err
	}

	return c.validateBackends()
}

// ValidateWorkerConfig checks the settings the worker service needs
func (c *Config) ValidateWorkerConfig() error {
	if err := c.validateBackends(); err != nil {
		return err
	}

	if err := validatePort("worker health", c.Worker.HealthPort); err != nil {
		return err
	}

	if c.Queue.Concurrency <= 0 {
		return fmt.Errorf("queue concurrency must be greater than 0")
	}

	if c.Sync.BatchSize <= 0 {
		return fmt.Errorf("sync batch_size must be greater than 0")
	}

	if c.Sync.MaxConcurrent <= 0 {
		return fmt.Errorf("sync max_concurrent must be greater than 0")
	}

	if c.Sync.PollInterval <= 0 {
		return fmt.Errorf("sync poll_interval must be greater than 0")
	}

	if c.Connector.BaseURL == "" {
		return fmt.Errorf("connector base_url is required")
	}

	if _, err := url.ParseRequestURI(c.Connector.BaseURL); err != nil {
		return fmt.Errorf("invalid connector base_url: %w", err)
	}

	if c.Worker.ShutdownTimeout <= 0 {
		return fmt.Errorf("worker shutdown_timeout must be greater than 0")
	}

	return nil
}

func (c *Config) validateBackends() error {
	if c.Database.URL == "" {
		if c.Database.Host == "" {
			return fmt.Errorf("database host is required")
		}

		if err := validatePort("database", c.Database.Port); err != nil {
			return err
		}

		if c.Database.Database == "" {
			return fmt.Errorf("database name is required")
		}
	}

	if c.Queue.MaxRetries != nil && *c.Queue.MaxRetries < 0 {
		return fmt.Errorf("queue max_retries must not be negative")
	}

	switch c.Queue.Backend {
	case BackendTable:
		return nil
	case BackendBroker:
	default:
		return fmt.Errorf("unknown queue backend %q (must be %s or %s)", c.Queue.Backend, BackendBroker, BackendTable)
	}

	if c.RabbitMQ.URL != "" {
		return nil
	}

	if c.RabbitMQ.Host == "" {
		return fmt.Errorf("rabbitmq host is required")
	}

	return validatePort("rabbitmq", c.RabbitMQ.Port)
}

func validatePort(name string, port int) error {
	if port < MinPort || port > MaxPort {
		return fmt.Errorf("invalid %s port: %d (must be between %d and %d)", name, port, MinPort, MaxPort)
	}
	return nil
}
