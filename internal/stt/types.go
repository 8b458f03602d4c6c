package stt

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrInvalidEndpoint is returned when the endpoint scheme is neither ws:// nor wss://
	ErrInvalidEndpoint = errors.New("invalid endpoint: scheme must be ws:// or wss://")

	// ErrConnect is returned when the transport handshake fails
	ErrConnect = errors.New("connect failed")

	// ErrConnectionClosed is returned by a Transport once the connection is gone
	ErrConnectionClosed = errors.New("connection closed")

	// ErrSessionClosed is returned when operating on a session that is not active
	ErrSessionClosed = errors.New("session is not active")
)

// Decoding modes understood by the recognition service
const (
	ModeOnline  = "online"
	ModeOffline = "offline"
	ModeTwoPass = "2pass"
)

// Result modes sent back by the recognition service
const (
	ResultOnline         = "online"
	ResultOffline        = "offline"
	ResultTwoPassOnline  = "2pass-online"
	ResultTwoPassOffline = "2pass-offline"
)

const (
	DefaultKeepAlive        = 10 * time.Second
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultQueueHighWater   = 500
)

// Config is the immutable description of a recognition session
type Config struct {
	// URL is the service endpoint; the scheme selects plain (ws) or TLS (wss)
	URL string

	// InsecureSkipVerify disables certificate verification for wss endpoints.
	// Only meant for self-signed lab deployments.
	InsecureSkipVerify bool

	Mode       string
	SampleRate int

	// ChunkSize is look-back, current and look-ahead frame counts in encoder units
	ChunkSize [3]int

	ITN      bool
	Hotwords map[string]int

	// KeepAlive is the ping interval; zero disables keep-alive probing
	KeepAlive        time.Duration
	HandshakeTimeout time.Duration

	// QueueHighWater is the outbound queue depth at which a warning is logged
	QueueHighWater int
}

// DefaultConfig returns a two-pass 16kHz configuration for the given endpoint
func DefaultConfig(url string) Config {
	return Config{
		URL:              url,
		Mode:             ModeTwoPass,
		SampleRate:       16000,
		ChunkSize:        [3]int{5, 10, 5},
		ITN:              true,
		KeepAlive:        DefaultKeepAlive,
		HandshakeTimeout: DefaultHandshakeTimeout,
		QueueHighWater:   DefaultQueueHighWater,
	}
}

// Secure reports whether the endpoint requires TLS
func (c Config) Secure() bool {
	return strings.HasPrefix(c.URL, "wss://")
}

// Validate checks the configuration before any connection attempt
func (c Config) Validate() error {
	if !strings.HasPrefix(c.URL, "ws://") && !strings.HasPrefix(c.URL, "wss://") {
		return fmt.Errorf("%w: %q", ErrInvalidEndpoint, c.URL)
	}
	switch c.Mode {
	case ModeOnline, ModeOffline, ModeTwoPass:
	default:
		return fmt.Errorf("invalid mode %q", c.Mode)
	}
	if c.SampleRate <= 0 {
		return fmt.Errorf("invalid sample rate %d", c.SampleRate)
	}
	for _, n := range c.ChunkSize {
		if n < 0 {
			return fmt.Errorf("invalid chunk size %v", c.ChunkSize)
		}
	}
	return nil
}

// clone copies the config so the session owns its own hotword map
func (c Config) clone() Config {
	if c.Hotwords != nil {
		hw := make(map[string]int, len(c.Hotwords))
		for k, v := range c.Hotwords {
			hw[k] = v
		}
		c.Hotwords = hw
	}
	return c
}

// Span is one [start, end] timestamp pair in milliseconds
type Span struct {
	StartMs int64
	EndMs   int64
}

// Event is a decoded transcription result
type Event struct {
	Mode       string
	Text       string
	WavName    string
	IsFinal    bool
	Timestamps []Span
}

// TimeRange returns the start of the first span and the end of the last one.
// Events without timestamps span 0-0.
func (e Event) TimeRange() (startMs, endMs int64) {
	if len(e.Timestamps) == 0 {
		return 0, 0
	}
	return e.Timestamps[0].StartMs, e.Timestamps[len(e.Timestamps)-1].EndMs
}

// IsSegmentFinal reports whether the event carries the final text of a segment
func (e Event) IsSegmentFinal() bool {
	return e.Mode == ResultTwoPassOffline || e.Mode == ResultOffline
}

// Handler consumes transcription events.
// Handle runs on the session's receiver goroutine and must not block.
type Handler interface {
	Handle(Event)
}

// HandlerFunc adapts a function to the Handler interface
type HandlerFunc func(Event)

// Handle calls f(ev)
func (f HandlerFunc) Handle(ev Event) {
	f(ev)
}

// State is the lifecycle state of a Session
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}
