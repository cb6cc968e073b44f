package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535
)

// Config represents the complete application configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	RabbitMQ RabbitMQConfig `yaml:"rabbitmq"`
	Redis    RedisConfig    `yaml:"redis"`
	Logging  LoggingConfig  `yaml:"logging"`
	App      AppConfig      `yaml:"app"`
	Auth     AuthConfig     `yaml:"auth"`
	Signing  SigningConfig  `yaml:"signing"`
	Blob     BlobConfig     `yaml:"blob"`
	Dispatch DispatchConfig `yaml:"dispatch"`
	Worker   WorkerConfig   `yaml:"worker"`
	Relay    RelayConfig    `yaml:"relay"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxUploadBytes  int64         `yaml:"max_upload_bytes"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
}

// DatabaseConfig holds PostgreSQL connection configuration
type DatabaseConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"sslmode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
	ConnectRetries  int           `yaml:"connect_retries"`
	ConnectBackoff  time.Duration `yaml:"connect_backoff"`
	AutoMigrate     bool          `yaml:"auto_migrate"`
}

// RabbitMQConfig holds RabbitMQ connection and exchange/queue configuration
type RabbitMQConfig struct {
	Host       string           `yaml:"host"`
	Port       int              `yaml:"port"`
	User       string           `yaml:"user"`
	Password   string           `yaml:"password"`
	VHost      string           `yaml:"vhost"`
	Exchange   ExchangeConfig   `yaml:"exchange"`
	Queue      QueueConfig      `yaml:"queue"`
	RoutingKey string           `yaml:"routing_key"`
	DeadLetter DeadLetterConfig `yaml:"dead_letter"`
	Connection ConnectionConfig `yaml:"connection"`
	Publish    PublishConfig    `yaml:"publish"`
	Consumer   ConsumerConfig   `yaml:"consumer"`
}

// ExchangeConfig holds RabbitMQ exchange configuration
type ExchangeConfig struct {
	Name       string `yaml:"name"`
	Type       string `yaml:"type"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
}

// QueueConfig holds RabbitMQ queue configuration
type QueueConfig struct {
	Name       string `yaml:"name"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
	Exclusive  bool   `yaml:"exclusive"`
}

// DeadLetterConfig names the queue receiving tasks that exhausted their retries
type DeadLetterConfig struct {
	Queue      string `yaml:"queue"`
	RoutingKey string `yaml:"routing_key"`
}

// ConnectionConfig holds RabbitMQ connection settings
type ConnectionConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	Heartbeat         time.Duration `yaml:"heartbeat"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
}

// PublishConfig holds RabbitMQ publish retry settings
type PublishConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
}

// ConsumerConfig holds RabbitMQ consumer settings
type ConsumerConfig struct {
	PrefetchCount int `yaml:"prefetch_count"`
}

// RedisConfig holds the relay dedup store connection
type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	DedupTTL time.Duration `yaml:"dedup_ttl"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level        string `yaml:"level"`
	Format       string `yaml:"format"`
	Output       string `yaml:"output"`
	EnableCaller bool   `yaml:"enable_caller"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// AuthConfig holds operator token verification settings
type AuthConfig struct {
	JWTSecret  string `yaml:"jwt_secret"`
	CookieName string `yaml:"cookie_name"`
}

// SigningConfig holds the webhook signing keys shared by relay and worker
type SigningConfig struct {
	CurrentKey string        `yaml:"current_key"`
	NextKey    string        `yaml:"next_key"`
	Issuer     string        `yaml:"issuer"`
	TTL        time.Duration `yaml:"ttl"`
}

// BlobConfig selects and configures the artifact store
type BlobConfig struct {
	Driver string          `yaml:"driver"`
	Local  LocalBlobConfig `yaml:"local"`
	S3     S3BlobConfig    `yaml:"s3"`
}

// LocalBlobConfig stores artifacts on disk, served by the API under /artifacts
type LocalBlobConfig struct {
	Dir           string `yaml:"dir"`
	PublicBaseURL string `yaml:"public_base_url"`
}

// S3BlobConfig stores artifacts in an S3-compatible bucket
type S3BlobConfig struct {
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	UsePathStyle    bool   `yaml:"use_path_style"`
	PublicBaseURL   string `yaml:"public_base_url"`
}

// DispatchConfig holds the per-job delivery contract declared at publish time
type DispatchConfig struct {
	Parallelism        int           `yaml:"parallelism"`
	Retries            int           `yaml:"retries"`
	DeliveryTimeout    time.Duration `yaml:"delivery_timeout"`
	WebhookURL         string        `yaml:"webhook_url"`
	FailureCallbackURL string        `yaml:"failure_callback_url"`
	MaxRows            int           `yaml:"max_rows"`
}

// WorkerConfig holds render worker configuration
type WorkerConfig struct {
	FetchTimeout     time.Duration `yaml:"fetch_timeout"`
	MaxBackgroundMiB int           `yaml:"max_background_mib"`
	FontDir          string        `yaml:"font_dir"`
}

// RelayConfig holds queue delivery settings
type RelayConfig struct {
	ConsumerTag     string        `yaml:"consumer_tag"`
	BackoffBase     time.Duration `yaml:"backoff_base"`
	BackoffMax      time.Duration `yaml:"backoff_max"`
	FlowWait        time.Duration `yaml:"flow_wait"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Load reads and parses the configuration file. ${VAR} references are
// expanded from the environment before parsing.
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var config Config
	if err := yaml.Unmarshal([]byte(expanded), &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyDefaults()

	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.Dispatch.Parallelism == 0 {
		c.Dispatch.Parallelism = 10
	}
	if c.Dispatch.Retries == 0 {
		c.Dispatch.Retries = 3
	}
	if c.Dispatch.DeliveryTimeout == 0 {
		c.Dispatch.DeliveryTimeout = 30 * time.Second
	}
	if c.Auth.CookieName == "" {
		c.Auth.CookieName = "token"
	}
	if c.Signing.Issuer == "" {
		c.Signing.Issuer = "certgen-relay"
	}
	if c.Signing.TTL == 0 {
		c.Signing.TTL = 5 * time.Minute
	}
	if c.Blob.Driver == "" {
		c.Blob.Driver = "local"
	}
	if c.RabbitMQ.Exchange.Type == "" {
		c.RabbitMQ.Exchange.Type = "direct"
	}
	if c.Redis.DedupTTL == 0 {
		c.Redis.DedupTTL = 24 * time.Hour
	}
}

// Validate checks the settings every service needs
func (c *Config) Validate() error {
	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}

	if c.Database.Port < MinPort || c.Database.Port > MaxPort {
		return fmt.Errorf("invalid database port: %d (must be between %d and %d)", c.Database.Port, MinPort, MaxPort)
	}

	if c.Database.Database == "" {
		return fmt.Errorf("database name is required")
	}

	if c.RabbitMQ.Host == "" {
		return fmt.Errorf("rabbitmq host is required")
	}

	if c.RabbitMQ.Port < MinPort || c.RabbitMQ.Port > MaxPort {
		return fmt.Errorf("invalid rabbitmq port: %d (must be between %d and %d)", c.RabbitMQ.Port, MinPort, MaxPort)
	}

	if c.RabbitMQ.Exchange.Name == "" {
		return fmt.Errorf("rabbitmq exchange name is required")
	}

	if c.RabbitMQ.Queue.Name == "" {
		return fmt.Errorf("rabbitmq queue name is required")
	}

	return nil
}

func (c *Config) validateServer() error {
	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}
	return nil
}

func (c *Config) validateBlob() error {
	switch c.Blob.Driver {
	case "local":
		if c.Blob.Local.Dir == "" {
			return fmt.Errorf("blob local dir is required")
		}
	case "s3":
		if c.Blob.S3.Bucket == "" {
			return fmt.Errorf("blob s3 bucket is required")
		}
		if c.Blob.S3.Region == "" {
			return fmt.Errorf("blob s3 region is required")
		}
	default:
		return fmt.Errorf("unknown blob driver: %q", c.Blob.Driver)
	}
	return nil
}

// ValidateAPIConfig checks the operator API settings
func (c *Config) ValidateAPIConfig() error {
	if err := c.Validate(); err != nil {
		return err
	}

	if err := c.validateServer(); err != nil {
		return err
	}

	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth jwt_secret is required")
	}

	if c.Dispatch.WebhookURL == "" {
		return fmt.Errorf("dispatch webhook_url is required")
	}

	if c.Dispatch.Parallelism < 1 {
		return fmt.Errorf("dispatch parallelism must be greater than 0")
	}

	if c.Dispatch.Retries < 0 {
		return fmt.Errorf("dispatch retries must not be negative")
	}

	return c.validateBlob()
}

// ValidateWorkerConfig checks the render worker settings. The worker does not
// talk to RabbitMQ, so only the database part of Validate applies.
func (c *Config) ValidateWorkerConfig() error {
	if err := c.validateServer(); err != nil {
		return err
	}

	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}

	if c.Database.Database == "" {
		return fmt.Errorf("database name is required")
	}

	if c.Signing.CurrentKey == "" {
		return fmt.Errorf("signing current_key is required")
	}

	if c.Worker.FetchTimeout <= 0 {
		return fmt.Errorf("worker fetch_timeout must be greater than 0")
	}

	return c.validateBlob()
}

// ValidateRelayConfig checks the queue delivery settings
func (c *Config) ValidateRelayConfig() error {
	if c.RabbitMQ.Host == "" {
		return fmt.Errorf("rabbitmq host is required")
	}

	if c.RabbitMQ.Queue.Name == "" {
		return fmt.Errorf("rabbitmq queue name is required")
	}

	if c.RabbitMQ.DeadLetter.Queue == "" {
		return fmt.Errorf("rabbitmq dead_letter queue is required")
	}

	if c.Signing.CurrentKey == "" {
		return fmt.Errorf("signing current_key is required")
	}

	if c.Redis.Addr == "" {
		return fmt.Errorf("redis addr is required")
	}

	if c.RabbitMQ.Consumer.PrefetchCount <= 0 {
		return fmt.Errorf("rabbitmq consumer prefetch_count must be greater than 0")
	}

	return nil
}
