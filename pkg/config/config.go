package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"huddle/internal/core/domain"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

type Config struct {
	Server struct {
		Address         string        `yaml:"address"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
		InstanceID      string        `yaml:"instance_id"`
	} `yaml:"server"`

	Signal struct {
		PingInterval   time.Duration `yaml:"ping_interval"`
		PongTimeout    time.Duration `yaml:"pong_timeout"`
		WriteTimeout   time.Duration `yaml:"write_timeout"`
		SendBufferSize int           `yaml:"send_buffer_size"`
	} `yaml:"signal"`

	Media struct {
		Workers         int           `yaml:"workers"`
		RTCMinPort      uint16        `yaml:"rtc_min_port"`
		RTCMaxPort      uint16        `yaml:"rtc_max_port"`
		WorkerMode      string        `yaml:"worker_mode"`
		WorkerBinary    string        `yaml:"worker_binary"`
		WorkerSelection string        `yaml:"worker_selection"`
		WorkerLogLevel  string        `yaml:"worker_log_level"`
		RequestTimeout  time.Duration `yaml:"request_timeout"`
		ListenIPs       []string      `yaml:"listen_ips"`
		AnnouncedIP     string        `yaml:"announced_ip"`
		ICEServers      []string      `yaml:"ice_servers"`

		Codecs []domain.RtpCodecCapability `yaml:"codecs"`

		Transport struct {
			SendInitialOutgoingBitrate uint32 `yaml:"send_initial_outgoing_bitrate"`
			RecvMaxIncomingBitrate     uint32 `yaml:"recv_max_incoming_bitrate"`
		} `yaml:"transport"`
	} `yaml:"media"`

	Presence struct {
		Store string        `yaml:"store"`
		TTL   time.Duration `yaml:"ttl"`
	} `yaml:"presence"`

	Calls struct {
		HistoryRetention time.Duration `yaml:"history_retention"`
		JanitorInterval  time.Duration `yaml:"janitor_interval"`
	} `yaml:"calls"`

	Monitoring struct {
		PrometheusEnabled bool `yaml:"prometheus_enabled"`
	} `yaml:"monitoring"`

	Tracing struct {
		Enabled        bool    `yaml:"enabled"`
		JaegerEndpoint string  `yaml:"jaeger_endpoint"`
		SampleRate     float64 `yaml:"sample_rate"`
		Environment    string  `yaml:"environment"`
	} `yaml:"tracing"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	Redis struct {
		Enabled  bool   `yaml:"enabled"`
		Address  string `yaml:"address"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		PoolSize int    `yaml:"pool_size"`
	} `yaml:"redis"`

	Postgres struct {
		Enabled  bool   `yaml:"enabled"`
		DSN      string `yaml:"dsn"`
		MaxConns int32  `yaml:"max_conns"`
	} `yaml:"postgres"`

	Auth struct {
		JWTSecret      string        `yaml:"jwt_secret"`
		AccessTokenTTL time.Duration `yaml:"access_token_ttl"`
		AllowedOrigins []string      `yaml:"allowed_origins"`
		DevTokens      bool          `yaml:"dev_tokens"`
	} `yaml:"auth"`

	RateLimiting struct {
		Enabled bool `yaml:"enabled"`

		HTTP struct {
			RequestsPerSecond float64 `yaml:"requests_per_second"`
			Burst             int     `yaml:"burst"`
		} `yaml:"http"`

		WebSocket struct {
			MessagesPerSecond   float64 `yaml:"messages_per_second"`
			Burst               int     `yaml:"burst"`
			MaxMessageSizeBytes int64   `yaml:"max_message_size_bytes"`
		} `yaml:"websocket"`
	} `yaml:"rate_limiting"`
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
		return fmt.Errorf("signal.pong_timeout must be > signal.ping_interval")
	}
	if c.Signal.SendBufferSize <= 0 {
		return fmt.Errorf("signal.send_buffer_size must be > 0")
	}

	// Media
	if c.Media.Workers <= 0 {
		return fmt.Errorf("media.workers must be > 0")
	}
	if c.Media.RTCMinPort == 0 || c.Media.RTCMaxPort == 0 || c.Media.RTCMinPort >= c.Media.RTCMaxPort {
		return fmt.Errorf("media.rtc_min_port must be > 0 and < media.rtc_max_port")
	}
	if span := int(c.Media.RTCMaxPort) - int(c.Media.RTCMinPort) + 1; span/c.Media.Workers < 2 {
		return fmt.Errorf("media port range too small for %d workers", c.Media.Workers)
	}
	switch c.Media.WorkerMode {
	case "process":
		if c.Media.WorkerBinary == "" {
			return fmt.Errorf("media.worker_binary must be set when media.worker_mode=process")
		}
	case "inprocess":
	default:
		return fmt.Errorf("media.worker_mode must be process or inprocess, got %q", c.Media.WorkerMode)
	}
	switch c.Media.WorkerSelection {
	case "round_robin", "least_loaded":
	default:
		return fmt.Errorf("media.worker_selection must be round_robin or least_loaded, got %q", c.Media.WorkerSelection)
	}
	if c.Media.RequestTimeout <= 0 {
		return fmt.Errorf("media.request_timeout must be > 0")
	}
	if c.Media.Transport.SendInitialOutgoingBitrate <= c.Media.Transport.RecvMaxIncomingBitrate {
		return fmt.Errorf("media.transport.send_initial_outgoing_bitrate must exceed recv_max_incoming_bitrate")
	}

	// Presence
	switch c.Presence.Store {
	case "memory":
	case "redis":
		if !c.Redis.Enabled {
			return fmt.Errorf("presence.store=redis requires redis.enabled=true")
		}
	case "postgres":
		if !c.Postgres.Enabled {
			return fmt.Errorf("presence.store=postgres requires postgres.enabled=true")
		}
	default:
		return fmt.Errorf("presence.store must be memory, redis or postgres, got %q", c.Presence.Store)
	}

	// Calls
	if c.Calls.JanitorInterval <= 0 {
		return fmt.Errorf("calls.janitor_interval must be > 0")
	}

	// Tracing
	if c.Tracing.Enabled {
		if c.Tracing.JaegerEndpoint == "" {
			return fmt.Errorf("tracing.jaeger_endpoint must not be empty when tracing.enabled=true")
		}
		if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
			return fmt.Errorf("tracing.sample_rate must be within [0,1]")
		}
	}

	// Logging
	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Address == "" {
			return fmt.Errorf("redis.address must not be empty when redis.enabled=true")
		}
		if c.Redis.PoolSize <= 0 {
			return fmt.Errorf("redis.pool_size must be > 0 when redis.enabled=true")
		}
	}

	// Postgres
	if c.Postgres.Enabled && c.Postgres.DSN == "" {
		return fmt.Errorf("postgres.dsn must not be empty when postgres.enabled=true")
	}

	// Auth
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret must not be empty")
	}
	if c.Auth.AccessTokenTTL <= 0 {
		return fmt.Errorf("auth.access_token_ttl must be > 0")
	}

	// Rate limiting
	if c.RateLimiting.Enabled {
		if c.RateLimiting.HTTP.RequestsPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.http.requests_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.Burst <= 0 {
			return fmt.Errorf("rate_limiting.http.burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.MessagesPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.websocket.messages_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.Burst <= 0 {
			return fmt.Errorf("rate_limiting.websocket.burst must be > 0 when rate limiting is enabled")
		}
	}
	if c.RateLimiting.WebSocket.MaxMessageSizeBytes < 0 {
		return fmt.Errorf("rate_limiting.websocket.max_message_size_bytes must be >= 0")
	}

	return nil
}

// Load reads configuration from YAML file, applies defaults and env overrides.
// A .env file next to the working directory is loaded first when present.
func Load(configPath string) (*Config, error) {
	_ = godotenv.Load()

	cfg := DefaultConfig()

	data, err := os.ReadFile(configPath)
	switch {
	case os.IsNotExist(err):
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

	cfg.Server.Address = ":8080"
	cfg.Server.ReadTimeout = 30 * time.Second
	cfg.Server.WriteTimeout = 30 * time.Second
	cfg.Server.ShutdownTimeout = 30 * time.Second

	cfg.Signal.PingInterval = 25 * time.Second
	cfg.Signal.PongTimeout = 60 * time.Second
	cfg.Signal.WriteTimeout = 10 * time.Second
	cfg.Signal.SendBufferSize = 256

	cfg.Media.Workers = 2
	cfg.Media.RTCMinPort = 40000
	cfg.Media.RTCMaxPort = 49999
	cfg.Media.WorkerMode = "inprocess"
	cfg.Media.WorkerBinary = "mediaworker"
	cfg.Media.WorkerSelection = "round_robin"
	cfg.Media.WorkerLogLevel = "warn"
	cfg.Media.RequestTimeout = 10 * time.Second
	cfg.Media.Transport.SendInitialOutgoingBitrate = 1_000_000
	cfg.Media.Transport.RecvMaxIncomingBitrate = 600_000

	cfg.Presence.Store = "memory"
	cfg.Presence.TTL = 5 * time.Minute

	cfg.Calls.HistoryRetention = 24 * time.Hour
	cfg.Calls.JanitorInterval = 10 * time.Minute

	cfg.Monitoring.PrometheusEnabled = true

	cfg.Tracing.SampleRate = 0.1
	cfg.Tracing.Environment = "development"

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.PoolSize = 10

	cfg.Postgres.MaxConns = 10

	cfg.Auth.JWTSecret = "change-me-in-production"
	cfg.Auth.AccessTokenTTL = 24 * time.Hour
	cfg.Auth.AllowedOrigins = []string{"*"}

	cfg.RateLimiting.HTTP.RequestsPerSecond = 50
	cfg.RateLimiting.HTTP.Burst = 100
	cfg.RateLimiting.WebSocket.MessagesPerSecond = 50
	cfg.RateLimiting.WebSocket.Burst = 100
	cfg.RateLimiting.WebSocket.MaxMessageSizeBytes = 512 * 1024

	return cfg
}

func (c *Config) applyEnvOverrides() {
	if addr := os.Getenv("HUDDLE_SERVER_ADDRESS"); addr != "" {
		c.Server.Address = addr
	}
	if id := os.Getenv("HUDDLE_INSTANCE_ID"); id != "" {
		c.Server.InstanceID = id
	}
	if level := os.Getenv("HUDDLE_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if secret := os.Getenv("HUDDLE_JWT_SECRET"); secret != "" {
		c.Auth.JWTSecret = secret
	}
	if n, err := strconv.Atoi(os.Getenv("HUDDLE_MEDIA_WORKERS")); err == nil && n > 0 {
		c.Media.Workers = n
	}
	if v, err := strconv.ParseUint(os.Getenv("HUDDLE_RTC_MIN_PORT"), 10, 16); err == nil {
		c.Media.RTCMinPort = uint16(v)
	}
	if v, err := strconv.ParseUint(os.Getenv("HUDDLE_RTC_MAX_PORT"), 10, 16); err == nil {
		c.Media.RTCMaxPort = uint16(v)
	}
	if ips := os.Getenv("HUDDLE_LISTEN_IPS"); ips != "" {
		c.Media.ListenIPs = strings.Split(ips, ",")
	}
	if ip := os.Getenv("HUDDLE_ANNOUNCED_IP"); ip != "" {
		c.Media.AnnouncedIP = ip
	}
	if mode := os.Getenv("HUDDLE_WORKER_MODE"); mode != "" {
		c.Media.WorkerMode = mode
	}
	if addr := os.Getenv("HUDDLE_REDIS_ADDRESS"); addr != "" {
		c.Redis.Enabled = true
		c.Redis.Address = addr
	}
	if dsn := os.Getenv("HUDDLE_POSTGRES_DSN"); dsn != "" {
		c.Postgres.Enabled = true
		c.Postgres.DSN = dsn
	}
	if origins := os.Getenv("HUDDLE_ALLOWED_ORIGINS"); origins != "" {
		c.Auth.AllowedOrigins = strings.Split(origins, ",")
	}
}
