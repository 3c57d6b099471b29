// Package config loads proxy and agent configuration from environment
// variables.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Proxy configures the proxy process.
type Proxy struct {
	// ListenAddr is the address the proxy HTTP server binds to.
	ListenAddr string `env:"LISTEN_ADDR" envDefault:":8080"`
	// DeviceToken is the shared secret device agents authenticate with.
	// Required unless DeviceTokenHash is set.
	DeviceToken string `env:"DEVICE_TOKEN"`
	// DeviceTokenHash is a bcrypt hash of the device token (see cmd/hashtoken).
	// When set it takes precedence over DeviceToken, keeping the plaintext
	// secret out of the proxy's environment.
	DeviceTokenHash string `env:"DEVICE_TOKEN_HASH"`
	// CORSOrigins is the set of origins (comma-separated) allowed to make
	// cross-origin requests against the HTTP API.
	CORSOrigins []string `env:"CORS_ORIGINS" envSeparator:","`
	// HeartbeatTimeout closes a device session after this much silence.
	HeartbeatTimeout time.Duration `env:"HEARTBEAT_TIMEOUT" envDefault:"30s"`
	// RequestDeadline bounds non-streaming tunnel requests such as listings.
	RequestDeadline time.Duration `env:"REQUEST_DEADLINE" envDefault:"30s"`
	// StreamBuffer is the per-request chunk channel capacity. Proxy memory
	// per stream is bounded at StreamBuffer times the agent's chunk size.
	StreamBuffer int `env:"STREAM_BUFFER" envDefault:"16"`
	// MaxPageSize caps the page_size query parameter on video listings.
	MaxPageSize int `env:"MAX_PAGE_SIZE" envDefault:"500"`
	// ShutdownTimeout is the maximum duration to wait for in-flight requests
	// to complete during graceful shutdown.
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"15s"`
}

// Agent configures the device agent process.
type Agent struct {
	// ProxyURL is the proxy's device websocket endpoint,
	// e.g. "wss://proxy.example.com/api/ws/device".
	ProxyURL string `env:"PROXY_URL,required"`
	// DeviceID is this device's stable identifier.
	DeviceID string `env:"DEVICE_ID,required"`
	// DeviceToken is the shared secret presented during the handshake.
	DeviceToken string `env:"DEVICE_TOKEN,required"`
	// CameraIDs lists the cameras (comma-separated) this device serves.
	CameraIDs []string `env:"CAMERA_IDS,required" envSeparator:","`
	// RecordingsRoot is the base directory of the recordings layout
	// <root>/<camera_id>/merged/*.mp4.
	RecordingsRoot string `env:"RECORDINGS_ROOT,required"`
	// ChunkSize is the binary frame payload size for file streaming.
	ChunkSize int `env:"CHUNK_SIZE" envDefault:"65536"`
	// HeartbeatTimeout closes the session after this much silence.
	HeartbeatTimeout time.Duration `env:"HEARTBEAT_TIMEOUT" envDefault:"30s"`
	// ListCacheTTL is how long directory listings are cached.
	ListCacheTTL time.Duration `env:"LIST_CACHE_TTL" envDefault:"5s"`
	// MaxConcurrentRequests caps requests serviced in parallel.
	MaxConcurrentRequests int `env:"MAX_CONCURRENT_REQUESTS" envDefault:"8"`
	// ReconnectBase and ReconnectMax bound the exponential reconnect backoff.
	ReconnectBase time.Duration `env:"RECONNECT_BASE" envDefault:"1s"`
	ReconnectMax  time.Duration `env:"RECONNECT_MAX" envDefault:"1m"`
}

// LoadProxy parses the proxy configuration from environment variables.
// Returns an error if a value cannot be parsed into the expected type.
func LoadProxy() (Proxy, error) {
	cfg, err := env.ParseAs[Proxy]()
	if err != nil {
		return Proxy{}, fmt.Errorf("config: %w", err)
	}
	if cfg.DeviceToken == "" && cfg.DeviceTokenHash == "" {
		return Proxy{}, fmt.Errorf("config: one of DEVICE_TOKEN or DEVICE_TOKEN_HASH must be set")
	}
	if cfg.StreamBuffer < 1 {
		return Proxy{}, fmt.Errorf("config: STREAM_BUFFER must be positive")
	}
	if cfg.MaxPageSize < 1 {
		return Proxy{}, fmt.Errorf("config: MAX_PAGE_SIZE must be positive")
	}
	return cfg, nil
}

// LoadAgent parses the agent configuration from environment variables.
func LoadAgent() (Agent, error) {
	cfg, err := env.ParseAs[Agent]()
	if err != nil {
		return Agent{}, fmt.Errorf("config: %w", err)
	}
	if cfg.ChunkSize < 1 {
		return Agent{}, fmt.Errorf("config: CHUNK_SIZE must be positive")
	}
	if cfg.MaxConcurrentRequests < 1 {
		return Agent{}, fmt.Errorf("config: MAX_CONCURRENT_REQUESTS must be positive")
	}
	return cfg, nil
}
