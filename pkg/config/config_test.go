package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// helper to build a minimal valid config that can be tweaked in tests.
func validBaseConfig() *Config {
	cfg := DefaultConfig()
	cfg.RateLimiting.Enabled = true
	cfg.RateLimiting.HTTP.RequestsPerSecond = 10
	cfg.RateLimiting.HTTP.Burst = 20
	cfg.RateLimiting.WebSocket.MessagesPerSecond = 50
	cfg.RateLimiting.WebSocket.Burst = 100
	cfg.RateLimiting.WebSocket.MaxMessageSizeBytes = 65536
	return cfg
}

func TestDefaultConfig_IsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Greater(t, cfg.Media.Transport.SendInitialOutgoingBitrate, cfg.Media.Transport.RecvMaxIncomingBitrate)
}

func TestValidate_RateLimitingDisabled_AllowsZeroValues(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RateLimiting.Enabled = false
	// Zero out rate limiting values to ensure they are ignored when disabled.
	cfg.RateLimiting.HTTP.RequestsPerSecond = 0
	cfg.RateLimiting.HTTP.Burst = 0
	cfg.RateLimiting.WebSocket.MessagesPerSecond = 0
	cfg.RateLimiting.WebSocket.Burst = 0
	cfg.RateLimiting.WebSocket.MaxMessageSizeBytes = 0

	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected config to be valid when rate limiting disabled, got error: %v", err)
	}
}

func TestValidate_InvalidValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{
			name:   "http rps must be > 0",
			mutate: func(c *Config) { c.RateLimiting.HTTP.RequestsPerSecond = 0 },
		},
		{
			name:   "http burst must be > 0",
			mutate: func(c *Config) { c.RateLimiting.HTTP.Burst = 0 },
		},
		{
			name:   "ws messages per second must be > 0",
			mutate: func(c *Config) { c.RateLimiting.WebSocket.MessagesPerSecond = 0 },
		},
		{
			name:   "ws max message size must be >= 0",
			mutate: func(c *Config) { c.RateLimiting.WebSocket.MaxMessageSizeBytes = -1 },
		},
		{
			name:   "no workers",
			mutate: func(c *Config) { c.Media.Workers = 0 },
		},
		{
			name: "inverted port range",
			mutate: func(c *Config) {
				c.Media.RTCMinPort = 50000
				c.Media.RTCMaxPort = 40000
			},
		},
		{
			name: "port range too small for workers",
			mutate: func(c *Config) {
				c.Media.RTCMinPort = 40000
				c.Media.RTCMaxPort = 40003
				c.Media.Workers = 4
			},
		},
		{
			name:   "unknown worker mode",
			mutate: func(c *Config) { c.Media.WorkerMode = "thread" },
		},
		{
			name: "process mode needs binary",
			mutate: func(c *Config) {
				c.Media.WorkerMode = "process"
				c.Media.WorkerBinary = ""
			},
		},
		{
			name:   "unknown worker selection",
			mutate: func(c *Config) { c.Media.WorkerSelection = "random" },
		},
		{
			name:   "recv bitrate above send",
			mutate: func(c *Config) { c.Media.Transport.RecvMaxIncomingBitrate = 2_000_000 },
		},
		{
			name:   "redis presence without redis",
			mutate: func(c *Config) { c.Presence.Store = "redis" },
		},
		{
			name:   "postgres presence without postgres",
			mutate: func(c *Config) { c.Presence.Store = "postgres" },
		},
		{
			name:   "pong timeout not above ping interval",
			mutate: func(c *Config) { c.Signal.PongTimeout = c.Signal.PingInterval },
		},
		{
			name:   "empty jwt secret",
			mutate: func(c *Config) { c.Auth.JWTSecret = "" },
		},
		{
			name: "tracing without endpoint",
			mutate: func(c *Config) {
				c.Tracing.Enabled = true
				c.Tracing.JaegerEndpoint = ""
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validBaseConfig()
			cfg.Server.ReadTimeout = time.Second
			cfg.Server.WriteTimeout = time.Second
			tc.mutate(cfg)

			if err := cfg.Validate(); err == nil {
				t.Fatalf("expected validation error for case %q, got nil", tc.name)
			}
		})
	}
}

func TestLoad_YAMLAndEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yamlData := `
server:
  address: ":9000"
media:
  workers: 4
  worker_selection: least_loaded
  codecs:
    - kind: audio
      mime_type: audio/opus
      clock_rate: 48000
      channels: 2
    - kind: video
      mime_type: video/VP8
      clock_rate: 90000
`
	require.NoError(t, os.WriteFile(path, []byte(yamlData), 0o600))

	t.Setenv("HUDDLE_JWT_SECRET", "from-env")
	t.Setenv("HUDDLE_ALLOWED_ORIGINS", "https://a.example,https://b.example")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Server.Address)
	assert.Equal(t, 4, cfg.Media.Workers)
	assert.Equal(t, "least_loaded", cfg.Media.WorkerSelection)
	require.Len(t, cfg.Media.Codecs, 2)
	assert.Equal(t, "video/VP8", cfg.Media.Codecs[1].MimeType)
	assert.Equal(t, "from-env", cfg.Auth.JWTSecret)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Auth.AllowedOrigins)
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Server.Address)
}
