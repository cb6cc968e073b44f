package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	tests := []struct {
		name      string
		filePath  string
		wantErr   bool
		errString string
	}{
		{
			name:     "valid config file",
			filePath: "testdata/valid_config.yaml",
			wantErr:  false,
		},
		{
			name:      "non-existent file",
			filePath:  "testdata/nonexistent.yaml",
			wantErr:   true,
			errString: "failed to read config file",
		},
		{
			name:      "malformed yaml",
			filePath:  "testdata/malformed.yaml",
			wantErr:   true,
			errString: "failed to parse config file",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("CERTGEN_TEST_DB_PASSWORD", "s3cret")

			cfg, err := Load(tt.filePath)

			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errString)
				assert.Nil(t, cfg)
				return
			}

			require.NoError(t, err)
			require.NotNil(t, cfg)

			assert.Equal(t, 8080, cfg.Server.Port)
			assert.Equal(t, []string{"http://localhost:3000"}, cfg.Server.AllowedOrigins)
			assert.Equal(t, "localhost", cfg.Database.Host)
			assert.Equal(t, "s3cret", cfg.Database.Password)
			assert.Equal(t, "certificates", cfg.RabbitMQ.Exchange.Name)
			assert.Equal(t, "render_tasks", cfg.RabbitMQ.Queue.Name)
			assert.Equal(t, "render_tasks.dead", cfg.RabbitMQ.DeadLetter.Queue)
			assert.Equal(t, "certgen-api", cfg.App.Name)
			assert.Equal(t, 10*time.Second, cfg.Worker.FetchTimeout)
		})
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("testdata/valid_config.yaml")
	require.NoError(t, err)

	assert.Equal(t, 10, cfg.Dispatch.Parallelism)
	assert.Equal(t, 3, cfg.Dispatch.Retries)
	assert.Equal(t, 30*time.Second, cfg.Dispatch.DeliveryTimeout)
	assert.Equal(t, "token", cfg.Auth.CookieName)
	assert.Equal(t, "certgen-relay", cfg.Signing.Issuer)
	assert.Equal(t, 24*time.Hour, cfg.Redis.DedupTTL)
}

func validConfig() *Config {
	return &Config{
		Server: ServerConfig{Port: 8080},
		Database: DatabaseConfig{
			Host:     "localhost",
			Port:     5432,
			Database: "certgen",
		},
		RabbitMQ: RabbitMQConfig{
			Host:       "localhost",
			Port:       5672,
			Exchange:   ExchangeConfig{Name: "certificates"},
			Queue:      QueueConfig{Name: "render_tasks"},
			DeadLetter: DeadLetterConfig{Queue: "render_tasks.dead"},
			Consumer:   ConsumerConfig{PrefetchCount: 50},
		},
		Redis:    RedisConfig{Addr: "localhost:6379"},
		Auth:     AuthConfig{JWTSecret: "secret"},
		Signing:  SigningConfig{CurrentKey: "current"},
		Blob:     BlobConfig{Driver: "local", Local: LocalBlobConfig{Dir: "/tmp/artifacts"}},
		Dispatch: DispatchConfig{Parallelism: 10, Retries: 3, WebhookURL: "http://worker/generate"},
		Worker:   WorkerConfig{FetchTimeout: time.Second},
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(c *Config)
		errString string
	}{
		{name: "valid config", mutate: func(c *Config) {}},
		{name: "invalid database port", mutate: func(c *Config) { c.Database.Port = 0 }, errString: "invalid database port"},
		{name: "empty database host", mutate: func(c *Config) { c.Database.Host = "" }, errString: "database host is required"},
		{name: "empty database name", mutate: func(c *Config) { c.Database.Database = "" }, errString: "database name is required"},
		{name: "empty rabbitmq host", mutate: func(c *Config) { c.RabbitMQ.Host = "" }, errString: "rabbitmq host is required"},
		{name: "empty exchange name", mutate: func(c *Config) { c.RabbitMQ.Exchange.Name = "" }, errString: "rabbitmq exchange name is required"},
		{name: "empty queue name", mutate: func(c *Config) { c.RabbitMQ.Queue.Name = "" }, errString: "rabbitmq queue name is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.errString == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errString)
		})
	}
}

func TestConfig_ValidateAPIConfig(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(c *Config)
		errString string
	}{
		{name: "valid config", mutate: func(c *Config) {}},
		{name: "server port too low", mutate: func(c *Config) { c.Server.Port = 0 }, errString: "invalid server port"},
		{name: "server port too high", mutate: func(c *Config) { c.Server.Port = 70000 }, errString: "invalid server port"},
		{name: "missing jwt secret", mutate: func(c *Config) { c.Auth.JWTSecret = "" }, errString: "auth jwt_secret is required"},
		{name: "missing webhook url", mutate: func(c *Config) { c.Dispatch.WebhookURL = "" }, errString: "dispatch webhook_url is required"},
		{name: "zero parallelism", mutate: func(c *Config) { c.Dispatch.Parallelism = 0 }, errString: "parallelism must be greater than 0"},
		{name: "unknown blob driver", mutate: func(c *Config) { c.Blob.Driver = "ftp" }, errString: "unknown blob driver"},
		{name: "s3 without bucket", mutate: func(c *Config) { c.Blob.Driver = "s3" }, errString: "blob s3 bucket is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)

			err := cfg.ValidateAPIConfig()
			if tt.errString == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errString)
		})
	}
}

func TestConfig_ValidateWorkerConfig(t *testing.T) {
	cfg := validConfig()
	cfg.RabbitMQ = RabbitMQConfig{}
	require.NoError(t, cfg.ValidateWorkerConfig())

	cfg.Signing.CurrentKey = ""
	err := cfg.ValidateWorkerConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "signing current_key is required")

	cfg = validConfig()
	cfg.Worker.FetchTimeout = 0
	err = cfg.ValidateWorkerConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fetch_timeout")
}

func TestConfig_ValidateRelayConfig(t *testing.T) {
	cfg := validConfig()
	cfg.Database = DatabaseConfig{}
	require.NoError(t, cfg.ValidateRelayConfig())

	cfg.RabbitMQ.DeadLetter.Queue = ""
	err := cfg.ValidateRelayConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dead_letter queue is required")

	cfg = validConfig()
	cfg.Redis.Addr = ""
	err = cfg.ValidateRelayConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis addr is required")
}

func TestLoad_ValidateIntegration(t *testing.T) {
	t.Run("load and validate valid config", func(t *testing.T) {
		cfg, err := Load("testdata/valid_config.yaml")
		require.NoError(t, err)
		require.NoError(t, cfg.ValidateAPIConfig())
		require.NoError(t, cfg.ValidateWorkerConfig())
		require.NoError(t, cfg.ValidateRelayConfig())
	})

	t.Run("load config with invalid port", func(t *testing.T) {
		cfg, err := Load("testdata/invalid_port.yaml")
		require.NoError(t, err)

		err = cfg.ValidateAPIConfig()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid server port")
	})

	t.Run("load config with missing database", func(t *testing.T) {
		cfg, err := Load("testdata/missing_database.yaml")
		require.NoError(t, err)

		err = cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "database name is required")
	})
}
