package config

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"github.com/lexiqai/asr-gateway/internal/bus"
	"github.com/lexiqai/asr-gateway/internal/resilience"
	"github.com/lexiqai/asr-gateway/internal/stt"
)

// Config holds all configuration for the ASR client and gateway
type Config struct {
	// Server configuration
	Port string `envconfig:"PORT" default:"8080"`

	// Recognition service endpoint; wss:// enables TLS
	ASRURL                string         `envconfig:"ASR_URL" default:"wss://localhost:10095"`
	ASRInsecureSkipVerify bool           `envconfig:"ASR_INSECURE_SKIP_VERIFY" default:"false"` // Only for self-signed lab servers
	ASRMode               string         `envconfig:"ASR_MODE" default:"2pass"`                 // online, offline, 2pass
	ASRChunkSize          []int          `envconfig:"ASR_CHUNK_SIZE" default:"5,10,5"`          // look-back, current, look-ahead
	ASRSampleRate         int            `envconfig:"ASR_SAMPLE_RATE" default:"16000"`
	ASRITN                bool           `envconfig:"ASR_ITN" default:"true"`
	ASRHotwords           map[string]int `envconfig:"ASR_HOTWORDS"` // word:weight,word:weight

	// Connection behaviour
	ASRKeepAliveInterval int `envconfig:"ASR_KEEPALIVE_INTERVAL" default:"10"` // seconds, 0 disables
	ASRHandshakeTimeout  int `envconfig:"ASR_HANDSHAKE_TIMEOUT" default:"10"`  // seconds
	ASRCloseTimeout      int `envconfig:"ASR_CLOSE_TIMEOUT" default:"5"`       // seconds to drain the outbound queue
	ASRQueueHighWater    int `envconfig:"ASR_QUEUE_HIGH_WATER" default:"500"`  // frames before a backlog warning

	// Resilience configuration
	RetryMaxAttempts     int `envconfig:"RETRY_MAX_ATTEMPTS" default:"3"`       // Readiness probe attempts
	RetryInitialBackoff  int `envconfig:"RETRY_INITIAL_BACKOFF" default:"100"`  // Initial backoff in milliseconds
	ReconnectMaxAttempts int `envconfig:"RECONNECT_MAX_ATTEMPTS" default:"5"`   // Session open attempts
	ReconnectBackoff     int `envconfig:"RECONNECT_BACKOFF" default:"1000"`     // Reconnection backoff in milliseconds

	// Transcript fan-out; empty NATS_URL disables publishing
	NATSURL            string `envconfig:"NATS_URL"`
	NATSSubjectPrefix  string `envconfig:"NATS_SUBJECT_PREFIX" default:"asr.transcript"`
	NATSConnectTimeout int    `envconfig:"NATS_CONNECT_TIMEOUT" default:"2000"` // milliseconds

	// Voice activity detection for automatic utterance segmentation
	VADEnergyThreshold float64 `envconfig:"VAD_ENERGY_THRESHOLD" default:"500.0"` // RMS energy threshold
	VADSilenceMs       int     `envconfig:"VAD_SILENCE_MS" default:"800"`         // Silence before an utterance ends

	// Observability configuration
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`       // Log level: debug, info, warn, error
	LogPretty      bool   `envconfig:"LOG_PRETTY" default:"false"`     // Pretty print logs (for development)
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"` // Enable Prometheus metrics
}

// Load reads configuration from environment variables
// It first attempts to load from .env file if it exists, then from environment
func Load() (*Config, error) {
	// Try to load .env file (ignore error if it doesn't exist)
	_ = godotenv.Load()

	return LoadFromEnv()
}

// LoadFromEnv loads configuration directly from environment variables
// without attempting to load .env file (useful for containerized deployments)
func LoadFromEnv() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the recognition settings
func (c *Config) Validate() error {
	if len(c.ASRChunkSize) != 3 {
		return fmt.Errorf("ASR_CHUNK_SIZE must have 3 values, got %d", len(c.ASRChunkSize))
	}
	if err := c.Session().Validate(); err != nil {
		return fmt.Errorf("invalid ASR configuration: %w", err)
	}
	if c.ASRKeepAliveInterval < 0 {
		return fmt.Errorf("ASR_KEEPALIVE_INTERVAL must not be negative")
	}
	return nil
}

// Session returns the immutable session configuration
func (c *Config) Session() stt.Config {
	var chunk [3]int
	copy(chunk[:], c.ASRChunkSize)

	var hotwords map[string]int
	if len(c.ASRHotwords) > 0 {
		hotwords = make(map[string]int, len(c.ASRHotwords))
		for k, v := range c.ASRHotwords {
			hotwords[k] = v
		}
	}

	return stt.Config{
		URL:                c.ASRURL,
		InsecureSkipVerify: c.ASRInsecureSkipVerify,
		Mode:               c.ASRMode,
		SampleRate:         c.ASRSampleRate,
		ChunkSize:          chunk,
		ITN:                c.ASRITN,
		Hotwords:           hotwords,
		KeepAlive:          time.Duration(c.ASRKeepAliveInterval) * time.Second,
		HandshakeTimeout:   time.Duration(c.ASRHandshakeTimeout) * time.Second,
		QueueHighWater:     c.ASRQueueHighWater,
	}
}

// CloseTimeout is how long Close may spend draining queued frames
func (c *Config) CloseTimeout() time.Duration {
	return time.Duration(c.ASRCloseTimeout) * time.Second
}

// Reconnect returns the backoff policy for reopening sessions
func (c *Config) Reconnect() *resilience.ReconnectConfig {
	return &resilience.ReconnectConfig{
		MaxAttempts: c.ReconnectMaxAttempts,
		Backoff:     time.Duration(c.ReconnectBackoff) * time.Millisecond,
		Multiplier:  2.0,
		MaxBackoff:  30 * time.Second,
	}
}

// Retry returns the retry policy for readiness probes
func (c *Config) Retry() *resilience.RetryConfig {
	return &resilience.RetryConfig{
		MaxAttempts:       c.RetryMaxAttempts,
		InitialBackoff:    time.Duration(c.RetryInitialBackoff) * time.Millisecond,
		MaxBackoff:        2 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            true,
	}
}

// Bus returns the NATS publisher settings
func (c *Config) Bus() bus.Config {
	return bus.Config{
		URL:            c.NATSURL,
		SubjectPrefix:  c.NATSSubjectPrefix,
		ConnectTimeout: time.Duration(c.NATSConnectTimeout) * time.Millisecond,
	}
}
