package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// CodecConfig describes one router media codec.
type CodecConfig struct {
	Kind       string            `yaml:"kind"`
	MimeType   string            `yaml:"mime_type"`
	ClockRate  uint32            `yaml:"clock_rate"`
	Channels   uint16            `yaml:"channels,omitempty"`
	Parameters map[string]string `yaml:"parameters,omitempty"`
}

// PortPair is an RTP/RTCP port pair on the recording endpoint.
type PortPair struct {
	RTP  int `yaml:"rtp"`
	RTCP int `yaml:"rtcp"`
}

type Config struct {
	Server struct {
		Address         string        `yaml:"address"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`

	Signal struct {
		PingInterval   time.Duration `yaml:"ping_interval"`
		PongTimeout    time.Duration `yaml:"pong_timeout"`
		WriteTimeout   time.Duration `yaml:"write_timeout"`
		RequestTimeout time.Duration `yaml:"request_timeout"`
		SendBuffer     int           `yaml:"send_buffer"`
		AllowedOrigins []string      `yaml:"allowed_origins"`
	} `yaml:"signal"`

	Media struct {
		NumWorkers                      int           `yaml:"num_workers"`
		LogLevel                        string        `yaml:"log_level"`
		LogTags                         []string      `yaml:"log_tags"`
		RtcMinPort                      uint16        `yaml:"rtc_min_port"`
		RtcMaxPort                      uint16        `yaml:"rtc_max_port"`
		ListenIP                        string        `yaml:"listen_ip"`
		AnnouncedIP                     string        `yaml:"announced_ip"`
		InitialAvailableOutgoingBitrate uint32        `yaml:"initial_available_outgoing_bitrate"`
		FatalGrace                      time.Duration `yaml:"fatal_grace"`
		Codecs                          []CodecConfig `yaml:"codecs"`
	} `yaml:"media"`

	Recording struct {
		Enabled         bool          `yaml:"enabled"`
		IP              string        `yaml:"ip"`
		ListenIP        string        `yaml:"listen_ip"`
		Video           PortPair      `yaml:"video"`
		Audio           PortPair      `yaml:"audio"`
		Timeout         time.Duration `yaml:"timeout"`
		BreakerFailures int           `yaml:"breaker_failures"`
		BreakerReset    time.Duration `yaml:"breaker_reset"`
		Transcoder      struct {
			Enabled   bool     `yaml:"enabled"`
			Command   string   `yaml:"command"`
			Args      []string `yaml:"args"`
			SDPPath   string   `yaml:"sdp_path"`
			OutputDir string   `yaml:"output_dir"`
		} `yaml:"transcoder"`
	} `yaml:"recording"`

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

	Redis struct {
		Enabled  bool   `yaml:"enabled"`
		Address  string `yaml:"address"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		PoolSize int    `yaml:"pool_size"`
		Channel  string `yaml:"channel"`
	} `yaml:"redis"`

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
	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("server.write_timeout must be > 0")
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
	if c.Signal.RequestTimeout <= 0 {
		return fmt.Errorf("signal.request_timeout must be > 0")
	}
	if c.Signal.SendBuffer <= 0 {
		return fmt.Errorf("signal.send_buffer must be > 0")
	}

	// Media
	if c.Media.NumWorkers <= 0 {
		return fmt.Errorf("media.num_workers must be > 0")
	}
	if c.Media.RtcMinPort > 0 || c.Media.RtcMaxPort > 0 {
		if c.Media.RtcMinPort == 0 || c.Media.RtcMaxPort == 0 {
			return fmt.Errorf("media.rtc_min_port and rtc_max_port must both be set when one is set")
		}
		if c.Media.RtcMinPort >= c.Media.RtcMaxPort {
			return fmt.Errorf("media.rtc_min_port must be < rtc_max_port")
		}
	}
	if net.ParseIP(c.Media.ListenIP) == nil {
		return fmt.Errorf("media.listen_ip %q is not an IP address", c.Media.ListenIP)
	}
	if c.Media.AnnouncedIP != "" && net.ParseIP(c.Media.AnnouncedIP) == nil {
		return fmt.Errorf("media.announced_ip %q is not an IP address", c.Media.AnnouncedIP)
	}
	if c.Media.FatalGrace < 0 {
		return fmt.Errorf("media.fatal_grace must be >= 0")
	}
	if len(c.Media.Codecs) == 0 {
		return fmt.Errorf("media.codecs must not be empty")
	}
	for i, codec := range c.Media.Codecs {
		if codec.Kind != "audio" && codec.Kind != "video" {
			return fmt.Errorf("media.codecs[%d].kind must be audio or video", i)
		}
		if !strings.HasPrefix(strings.ToLower(codec.MimeType), codec.Kind+"/") {
			return fmt.Errorf("media.codecs[%d].mime_type %q does not match kind %s", i, codec.MimeType, codec.Kind)
		}
		if codec.ClockRate == 0 {
			return fmt.Errorf("media.codecs[%d].clock_rate must be > 0", i)
		}
	}

	// Recording
	if c.Recording.Enabled {
		if net.ParseIP(c.Recording.IP) == nil {
			return fmt.Errorf("recording.ip %q is not an IP address", c.Recording.IP)
		}
		if net.ParseIP(c.Recording.ListenIP) == nil {
			return fmt.Errorf("recording.listen_ip %q is not an IP address", c.Recording.ListenIP)
		}
		for name, pair := range map[string]PortPair{"video": c.Recording.Video, "audio": c.Recording.Audio} {
			if pair.RTP <= 0 || pair.RTP > 65535 || pair.RTCP <= 0 || pair.RTCP > 65535 {
				return fmt.Errorf("recording.%s ports must be in 1..65535", name)
			}
		}
		if c.Recording.Timeout <= 0 {
			return fmt.Errorf("recording.timeout must be > 0 when recording.enabled=true")
		}
		if c.Recording.BreakerFailures <= 0 {
			return fmt.Errorf("recording.breaker_failures must be > 0 when recording.enabled=true")
		}
		if c.Recording.Transcoder.Enabled && c.Recording.Transcoder.Command == "" {
			return fmt.Errorf("recording.transcoder.command must not be empty when the transcoder is enabled")
		}
	}

	// Tracing
	if c.Tracing.Enabled {
		if c.Tracing.JaegerURL == "" {
			return fmt.Errorf("tracing.jaeger_url must not be empty when tracing.enabled=true")
		}
		if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
			return fmt.Errorf("tracing.sample_rate must be within [0, 1]")
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
		if c.Redis.Channel == "" {
			return fmt.Errorf("redis.channel must not be empty when redis.enabled=true")
		}
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
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		switch {
		case os.IsNotExist(err):
			// If file does not exist, fall back to defaults
		case err != nil:
			return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
			}
		}
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns configuration with sane defaults.
func DefaultConfig() *Config {
	cfg := &Config{}

	// Default values
	cfg.Server.Address = ":3016"
	cfg.Server.ReadTimeout = 30 * time.Second
	cfg.Server.WriteTimeout = 30 * time.Second
	cfg.Server.ShutdownTimeout = 30 * time.Second

	cfg.Signal.PingInterval = 54 * time.Second
	cfg.Signal.PongTimeout = 60 * time.Second
	cfg.Signal.WriteTimeout = 10 * time.Second
	cfg.Signal.RequestTimeout = 10 * time.Second
	cfg.Signal.SendBuffer = 256
	cfg.Signal.AllowedOrigins = []string{"*"}

	cfg.Media.NumWorkers = 1
	cfg.Media.LogLevel = "warn"
	cfg.Media.LogTags = []string{"info", "ice", "dtls", "rtp", "srtp", "rtcp"}
	cfg.Media.RtcMinPort = 10000
	cfg.Media.RtcMaxPort = 10100
	cfg.Media.ListenIP = "0.0.0.0"
	cfg.Media.AnnouncedIP = ""
	cfg.Media.InitialAvailableOutgoingBitrate = 1000000
	cfg.Media.FatalGrace = 2 * time.Second
	// Router codecs: opus, VP8 and baseline H264
	cfg.Media.Codecs = []CodecConfig{
		{Kind: "audio", MimeType: "audio/opus", ClockRate: 48000, Channels: 2},
		{Kind: "video", MimeType: "video/VP8", ClockRate: 90000, Parameters: map[string]string{"x-google-start-bitrate": "1000"}},
		{Kind: "video", MimeType: "video/H264", ClockRate: 90000, Parameters: map[string]string{
			"packetization-mode":      "1",
			"profile-level-id":        "42e01f",
			"level-asymmetry-allowed": "1",
		}},
	}

	// Recording endpoint (transcoder disabled by default)
	cfg.Recording.Enabled = true
	cfg.Recording.IP = "127.0.0.1"
	cfg.Recording.ListenIP = "127.0.0.1"
	cfg.Recording.Video = PortPair{RTP: 5006, RTCP: 5007}
	cfg.Recording.Audio = PortPair{RTP: 5004, RTCP: 5005}
	cfg.Recording.Timeout = 5 * time.Second
	cfg.Recording.BreakerFailures = 5
	cfg.Recording.BreakerReset = 30 * time.Second
	cfg.Recording.Transcoder.Enabled = false
	cfg.Recording.Transcoder.Command = "ffmpeg"
	cfg.Recording.Transcoder.SDPPath = "recording/input-vp8.sdp"
	cfg.Recording.Transcoder.OutputDir = "recording"

	cfg.Monitoring.PrometheusEnabled = true

	cfg.Tracing.Enabled = false
	cfg.Tracing.ServiceName = "confsfu"
	cfg.Tracing.JaegerURL = "http://localhost:14268/api/traces"
	cfg.Tracing.Environment = "development"
	cfg.Tracing.SampleRate = 1.0

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.Redis.Enabled = false
	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.DB = 0
	cfg.Redis.PoolSize = 10
	cfg.Redis.Channel = "confsfu:events"

	// Rate limiting defaults (disabled by default)
	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.HTTP.RequestsPerSecond = 50
	cfg.RateLimiting.HTTP.Burst = 100
	cfg.RateLimiting.WebSocket.MessagesPerSecond = 100
	cfg.RateLimiting.WebSocket.Burst = 200
	cfg.RateLimiting.WebSocket.MaxMessageSizeBytes = 64 * 1024

	return cfg
}

func (c *Config) applyEnvOverrides() error {
	// Apply environment variable overrides
	if addr := os.Getenv("CONFSFU_SERVER_ADDRESS"); addr != "" {
		c.Server.Address = addr
	}
	if level := os.Getenv("CONFSFU_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if format := os.Getenv("CONFSFU_LOG_FORMAT"); format != "" {
		c.Logging.Format = format
	}
	if ip := os.Getenv("CONFSFU_LISTEN_IP"); ip != "" {
		c.Media.ListenIP = ip
	}
	if ip := os.Getenv("CONFSFU_ANNOUNCED_IP"); ip != "" {
		c.Media.AnnouncedIP = ip
	}
	if ip := os.Getenv("CONFSFU_RECORDING_IP"); ip != "" {
		c.Recording.IP = ip
	}
	if addr := os.Getenv("CONFSFU_REDIS_ADDRESS"); addr != "" {
		c.Redis.Address = addr
		c.Redis.Enabled = true // setting an address opts in
	}
	if pw := os.Getenv("CONFSFU_REDIS_PASSWORD"); pw != "" {
		c.Redis.Password = pw
	}
	if n := os.Getenv("CONFSFU_NUM_WORKERS"); n != "" {
		v, err := strconv.Atoi(n)
		if err != nil {
			return fmt.Errorf("CONFSFU_NUM_WORKERS: %w", err)
		}
		c.Media.NumWorkers = v
	}
	if url := os.Getenv("CONFSFU_JAEGER_URL"); url != "" {
		c.Tracing.JaegerURL = url
		c.Tracing.Enabled = true
	}
	return nil
}
