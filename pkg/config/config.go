package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"meetrelay/pkg/validation"

	"gopkg.in/yaml.v2"
)

const (
	GroupsBackendLocal = "local"
	GroupsBackendRedis = "redis"
	GroupsBackendNATS  = "nats"

	StorageBackendMemory   = "memory"
	StorageBackendPostgres = "postgres"
)

type Config struct {
	Server struct {
		Address         string        `yaml:"address"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`

	Signal struct {
		PingInterval        time.Duration `yaml:"ping_interval"`
		PongTimeout         time.Duration `yaml:"pong_timeout"`
		WriteTimeout        time.Duration `yaml:"write_timeout"`
		AdmissionTimeout    time.Duration `yaml:"admission_timeout"`
		SendBuffer          int           `yaml:"send_buffer"`
		MaxMessageSizeBytes int64         `yaml:"max_message_size_bytes"`
		ChatMaxLength       int           `yaml:"chat_max_length"`
		AllowedOrigins      []string      `yaml:"allowed_origins"`
	} `yaml:"signal"`

	Groups struct {
		Backend    string `yaml:"backend"`
		InstanceID string `yaml:"instance_id"`
	} `yaml:"groups"`

	Redis struct {
		Address       string `yaml:"address"`
		Password      string `yaml:"password"`
		DB            int    `yaml:"db"`
		PoolSize      int    `yaml:"pool_size"`
		ChannelPrefix string `yaml:"channel_prefix"`
	} `yaml:"redis"`

	NATS struct {
		Servers       []string      `yaml:"servers"`
		Name          string        `yaml:"name"`
		ReconnectWait time.Duration `yaml:"reconnect_wait"`
		Timeout       time.Duration `yaml:"timeout"`
		SubjectPrefix string        `yaml:"subject_prefix"`
	} `yaml:"nats"`

	Storage struct {
		Backend          string        `yaml:"backend"`
		FixturesPath     string        `yaml:"fixtures_path"`
		UsernameCacheTTL time.Duration `yaml:"username_cache_ttl"`
		Postgres         struct {
			DSN          string        `yaml:"dsn"`
			MaxConns     int32         `yaml:"max_conns"`
			MinConns     int32         `yaml:"min_conns"`
			QueryTimeout time.Duration `yaml:"query_timeout"`

			BreakerFailureThreshold int           `yaml:"breaker_failure_threshold"`
			BreakerOpenTimeout      time.Duration `yaml:"breaker_open_timeout"`
		} `yaml:"postgres"`
	} `yaml:"storage"`

	Startup struct {
		ConnectAttempts   int           `yaml:"connect_attempts"`
		ConnectBackoff    time.Duration `yaml:"connect_backoff"`
		ConnectMaxBackoff time.Duration `yaml:"connect_max_backoff"`
	} `yaml:"startup"`

	Auth struct {
		JWTSecret     string `yaml:"jwt_secret"`
		InternalToken string `yaml:"internal_token"`
	} `yaml:"auth"`

	RateLimiting struct {
		Enabled bool `yaml:"enabled"`

		HTTP struct {
			RequestsPerSecond float64 `yaml:"requests_per_second"`
			Burst             int     `yaml:"burst"`
			MaxConcurrent     int     `yaml:"max_concurrent"`
		} `yaml:"http"`

		WebSocket struct {
			ConnectionsPerMinute int     `yaml:"connections_per_minute"`
			MessagesPerSecond    float64 `yaml:"messages_per_second"`
			Burst                int     `yaml:"burst"`
			MaxConcurrent        int     `yaml:"max_concurrent_connections"`
		} `yaml:"websocket"`
	} `yaml:"rate_limiting"`

	Monitoring struct {
		PrometheusEnabled bool `yaml:"prometheus_enabled"`
	} `yaml:"monitoring"`

	Tracing struct {
		Enabled     bool    `yaml:"enabled"`
		ServiceName string  `yaml:"service_name"`
		JaegerURL   string  `yaml:"jaeger_url"`
		Environment string  `yaml:"environment"`
		SampleRate  float64 `yaml:"sample_rate"`
	} `yaml:"tracing"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	WebRTC struct {
		ICEServers []ICEServer `yaml:"ice_servers"`
	} `yaml:"webrtc"`
}

type ICEServer struct {
	URLs       []string `yaml:"urls"`
	Username   string   `yaml:"username,omitempty"`
	Credential string   `yaml:"credential,omitempty"`
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	// Server
	if c.Server.Address == "" {
		return fmt.Errorf("server.address must not be empty")
	}
	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("server.read_timeout must be > 0")
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server.shutdown_timeout must be > 0")
	}

	// Signal
	if c.Signal.PingInterval <= 0 {
		return fmt.Errorf("signal.ping_interval must be > 0")
	}
	if c.Signal.PongTimeout <= c.Signal.PingInterval {
		return fmt.Errorf("signal.pong_timeout must be greater than signal.ping_interval")
	}
	if c.Signal.WriteTimeout <= 0 {
		return fmt.Errorf("signal.write_timeout must be > 0")
	}
	if c.Signal.AdmissionTimeout <= 0 {
		return fmt.Errorf("signal.admission_timeout must be > 0")
	}
	if c.Signal.SendBuffer <= 0 {
		return fmt.Errorf("signal.send_buffer must be > 0")
	}
	if c.Signal.MaxMessageSizeBytes <= 0 {
		return fmt.Errorf("signal.max_message_size_bytes must be > 0")
	}
	if c.Signal.ChatMaxLength <= 0 {
		return fmt.Errorf("signal.chat_max_length must be > 0")
	}
	for _, origin := range c.Signal.AllowedOrigins {
		if err := validation.ValidateOrigin(origin); err != nil {
			return fmt.Errorf("signal.allowed_origins: %w", err)
		}
	}

	// Groups
	switch c.Groups.Backend {
	case GroupsBackendLocal:
	case GroupsBackendRedis:
		if c.Redis.Address == "" {
			return fmt.Errorf("redis.address must not be empty when groups.backend=redis")
		}
		if c.Redis.PoolSize <= 0 {
			return fmt.Errorf("redis.pool_size must be > 0 when groups.backend=redis")
		}
	case GroupsBackendNATS:
		if len(c.NATS.Servers) == 0 {
			return fmt.Errorf("nats.servers must not be empty when groups.backend=nats")
		}
	default:
		return fmt.Errorf("groups.backend must be one of local, redis, nats (got %q)", c.Groups.Backend)
	}

	// Storage
	switch c.Storage.Backend {
	case StorageBackendMemory:
	case StorageBackendPostgres:
		if c.Storage.Postgres.DSN == "" {
			return fmt.Errorf("storage.postgres.dsn must not be empty when storage.backend=postgres")
		}
		if c.Storage.Postgres.MaxConns < 0 || c.Storage.Postgres.MinConns < 0 {
			return fmt.Errorf("storage.postgres connection limits must be >= 0")
		}
		if c.Storage.Postgres.MaxConns > 0 && c.Storage.Postgres.MinConns > c.Storage.Postgres.MaxConns {
			return fmt.Errorf("storage.postgres.min_conns must be <= max_conns")
		}
	default:
		return fmt.Errorf("storage.backend must be one of memory, postgres (got %q)", c.Storage.Backend)
	}
	if c.Storage.UsernameCacheTTL < 0 {
		return fmt.Errorf("storage.username_cache_ttl must be >= 0")
	}

	// Startup
	if c.Startup.ConnectAttempts <= 0 {
		return fmt.Errorf("startup.connect_attempts must be > 0")
	}

	// Auth
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret must not be empty")
	}

	// Rate limiting
	if c.RateLimiting.Enabled {
		if c.RateLimiting.HTTP.RequestsPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.http.requests_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.Burst <= 0 {
			return fmt.Errorf("rate_limiting.http.burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.MaxConcurrent < 0 {
			return fmt.Errorf("rate_limiting.http.max_concurrent must be >= 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.ConnectionsPerMinute <= 0 {
			return fmt.Errorf("rate_limiting.websocket.connections_per_minute must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.MessagesPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.websocket.messages_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.Burst <= 0 {
			return fmt.Errorf("rate_limiting.websocket.burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.MaxConcurrent < 0 {
			return fmt.Errorf("rate_limiting.websocket.max_concurrent_connections must be >= 0 when rate limiting is enabled")
		}
	}

	// Tracing
	if c.Tracing.Enabled {
		if c.Tracing.JaegerURL == "" {
			return fmt.Errorf("tracing.jaeger_url must not be empty when tracing is enabled")
		}
		if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
			return fmt.Errorf("tracing.sample_rate must be within [0, 1]")
		}
	}

	// Logging
	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}
	if c.Logging.Format != "json" && c.Logging.Format != "console" {
		return fmt.Errorf("logging.format must be json or console")
	}

	// WebRTC
	for i, s := range c.WebRTC.ICEServers {
		if len(s.URLs) == 0 {
			return fmt.Errorf("webrtc.ice_servers[%d].urls must not be empty", i)
		}
		for _, u := range s.URLs {
			if err := validation.ValidateICEURL(u); err != nil {
				return fmt.Errorf("webrtc.ice_servers[%d]: %w", i, err)
			}
		}
	}

	return nil
}

// Load reads configuration from YAML file, applies defaults and env overrides.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(configPath)
	switch {
	case os.IsNotExist(err):
		// defaults only
	case err != nil:
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
		}
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns configuration with sane defaults.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Server.Address = ":8000"
	cfg.Server.ReadTimeout = 15 * time.Second
	cfg.Server.WriteTimeout = 15 * time.Second
	cfg.Server.ShutdownTimeout = 20 * time.Second

	cfg.Signal.PingInterval = 25 * time.Second
	cfg.Signal.PongTimeout = 60 * time.Second
	cfg.Signal.WriteTimeout = 10 * time.Second
	cfg.Signal.AdmissionTimeout = 5 * time.Second
	cfg.Signal.SendBuffer = 64
	cfg.Signal.MaxMessageSizeBytes = 64 * 1024
	cfg.Signal.ChatMaxLength = 500
	cfg.Signal.AllowedOrigins = []string{"*"}

	cfg.Groups.Backend = GroupsBackendLocal

	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.PoolSize = 10

	cfg.NATS.Name = "meetrelay"
	cfg.NATS.ReconnectWait = 500 * time.Millisecond
	cfg.NATS.Timeout = 3 * time.Second

	cfg.Storage.Backend = StorageBackendMemory
	cfg.Storage.UsernameCacheTTL = 5 * time.Minute
	cfg.Storage.Postgres.MaxConns = 10
	cfg.Storage.Postgres.QueryTimeout = 3 * time.Second
	cfg.Storage.Postgres.BreakerFailureThreshold = 5
	cfg.Storage.Postgres.BreakerOpenTimeout = 10 * time.Second

	cfg.Startup.ConnectAttempts = 5
	cfg.Startup.ConnectBackoff = 500 * time.Millisecond
	cfg.Startup.ConnectMaxBackoff = 5 * time.Second

	cfg.Auth.JWTSecret = "change-me-in-production"

	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.HTTP.RequestsPerSecond = 50
	cfg.RateLimiting.HTTP.Burst = 100
	cfg.RateLimiting.WebSocket.ConnectionsPerMinute = 60
	cfg.RateLimiting.WebSocket.MessagesPerSecond = 50
	cfg.RateLimiting.WebSocket.Burst = 100

	cfg.Monitoring.PrometheusEnabled = true

	cfg.Tracing.ServiceName = "meetrelay"
	cfg.Tracing.JaegerURL = "http://localhost:14268/api/traces"
	cfg.Tracing.Environment = "development"
	cfg.Tracing.SampleRate = 1.0

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.WebRTC.ICEServers = []ICEServer{
		{URLs: []string{"stun:stun.l.google.com:19302"}},
	}

	return cfg
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("RELAY_SERVER_ADDRESS"); v != "" {
		c.Server.Address = v
	}
	if v := os.Getenv("RELAY_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("RELAY_JWT_SECRET"); v != "" {
		c.Auth.JWTSecret = v
	}
	if v := os.Getenv("RELAY_INTERNAL_TOKEN"); v != "" {
		c.Auth.InternalToken = v
	}
	if v := os.Getenv("RELAY_GROUPS_BACKEND"); v != "" {
		c.Groups.Backend = v
	}
	if v := os.Getenv("RELAY_INSTANCE_ID"); v != "" {
		c.Groups.InstanceID = v
	}
	if v := os.Getenv("RELAY_REDIS_ADDRESS"); v != "" {
		c.Redis.Address = v
	}
	if v := os.Getenv("RELAY_REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("RELAY_NATS_URL"); v != "" {
		c.NATS.Servers = strings.Split(v, ",")
	}
	if v := os.Getenv("RELAY_STORAGE_BACKEND"); v != "" {
		c.Storage.Backend = v
	}
	if v := os.Getenv("RELAY_DATABASE_URL"); v != "" {
		c.Storage.Postgres.DSN = v
	}
}
