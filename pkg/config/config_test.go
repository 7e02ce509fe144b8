package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig_IsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 10*time.Second, cfg.Signal.RequestTimeout)
	assert.Equal(t, 2*time.Second, cfg.Media.FatalGrace)
	assert.Equal(t, PortPair{RTP: 5006, RTCP: 5007}, cfg.Recording.Video)
	assert.Equal(t, PortPair{RTP: 5004, RTCP: 5005}, cfg.Recording.Audio)
	assert.Len(t, cfg.Media.Codecs, 3)
}

func TestValidate_RateLimitingDisabled_AllowsZeroValues(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.HTTP.RequestsPerSecond = 0
	cfg.RateLimiting.HTTP.Burst = 0
	cfg.RateLimiting.WebSocket.MessagesPerSecond = 0
	cfg.RateLimiting.WebSocket.Burst = 0

	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected config to be valid when rate limiting disabled, got error: %v", err)
	}
}

func TestValidate_InvalidValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty server address", func(c *Config) { c.Server.Address = "" }},
		{"pong not after ping", func(c *Config) { c.Signal.PongTimeout = c.Signal.PingInterval }},
		{"zero request timeout", func(c *Config) { c.Signal.RequestTimeout = 0 }},
		{"zero send buffer", func(c *Config) { c.Signal.SendBuffer = 0 }},
		{"no workers", func(c *Config) { c.Media.NumWorkers = 0 }},
		{"inverted port range", func(c *Config) { c.Media.RtcMinPort, c.Media.RtcMaxPort = 20000, 10000 }},
		{"half port range", func(c *Config) { c.Media.RtcMaxPort = 0 }},
		{"bad listen ip", func(c *Config) { c.Media.ListenIP = "localhost" }},
		{"bad announced ip", func(c *Config) { c.Media.AnnouncedIP = "example.org" }},
		{"no codecs", func(c *Config) { c.Media.Codecs = nil }},
		{"codec kind mismatch", func(c *Config) { c.Media.Codecs[0].Kind = "video" }},
		{"codec zero clock", func(c *Config) { c.Media.Codecs[1].ClockRate = 0 }},
		{"bad recording ip", func(c *Config) { c.Recording.IP = "" }},
		{"bad recording port", func(c *Config) { c.Recording.Video.RTCP = 70000 }},
		{"zero recording timeout", func(c *Config) { c.Recording.Timeout = 0 }},
		{"transcoder without command", func(c *Config) {
			c.Recording.Transcoder.Enabled = true
			c.Recording.Transcoder.Command = ""
		}},
		{"tracing sample rate", func(c *Config) {
			c.Tracing.Enabled = true
			c.Tracing.SampleRate = 2
		}},
		{"redis without channel", func(c *Config) {
			c.Redis.Enabled = true
			c.Redis.Channel = ""
		}},
		{"rate limit zero rps", func(c *Config) {
			c.RateLimiting.Enabled = true
			c.RateLimiting.HTTP.RequestsPerSecond = 0
		}},
		{"rate limit zero ws burst", func(c *Config) {
			c.RateLimiting.Enabled = true
			c.RateLimiting.WebSocket.Burst = 0
		}},
		{"negative message size", func(c *Config) { c.RateLimiting.WebSocket.MaxMessageSizeBytes = -1 }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestValidate_RecordingDisabled_IgnoresEndpoint(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Recording.Enabled = false
	cfg.Recording.IP = ""
	cfg.Recording.Timeout = 0

	assert.NoError(t, cfg.Validate())
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Server.Address, cfg.Server.Address)
}

func TestLoad_YAMLOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yml := `
server:
  address: ":9000"
media:
  num_workers: 4
  announced_ip: "203.0.113.7"
recording:
  video:
    rtp: 6006
    rtcp: 6007
signal:
  request_timeout: 3s
`
	require.NoError(t, os.WriteFile(path, []byte(yml), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.Server.Address)
	assert.Equal(t, 4, cfg.Media.NumWorkers)
	assert.Equal(t, "203.0.113.7", cfg.Media.AnnouncedIP)
	assert.Equal(t, PortPair{RTP: 6006, RTCP: 6007}, cfg.Recording.Video)
	assert.Equal(t, 3*time.Second, cfg.Signal.RequestTimeout)
	// untouched sections keep their defaults
	assert.Equal(t, PortPair{RTP: 5004, RTCP: 5005}, cfg.Recording.Audio)
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: [unterminated"), 0o600))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("CONFSFU_SERVER_ADDRESS", ":4443")
	t.Setenv("CONFSFU_NUM_WORKERS", "3")
	t.Setenv("CONFSFU_ANNOUNCED_IP", "198.51.100.1")
	t.Setenv("CONFSFU_REDIS_ADDRESS", "redis:6379")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":4443", cfg.Server.Address)
	assert.Equal(t, 3, cfg.Media.NumWorkers)
	assert.Equal(t, "198.51.100.1", cfg.Media.AnnouncedIP)
	assert.True(t, cfg.Redis.Enabled)
	assert.Equal(t, "redis:6379", cfg.Redis.Address)
}

func TestLoad_BadWorkerEnv(t *testing.T) {
	t.Setenv("CONFSFU_NUM_WORKERS", "many")

	_, err := Load("")
	assert.Error(t, err)
}

func TestLoad_SampleConfig(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "configs", "config.yaml"))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, ":3016", cfg.Server.Address)
	assert.True(t, cfg.Recording.Enabled)
	assert.Equal(t, PortPair{RTP: 5006, RTCP: 5007}, cfg.Recording.Video)
	assert.NotEmpty(t, cfg.Media.Codecs)
}
