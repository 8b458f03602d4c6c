// Package bus publishes recognition results to NATS so other services can
// consume transcripts without holding a relay connection.
package bus

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/lexiqai/asr-gateway/internal/stt"
)

// Transcript is the payload published for every recognition event
type Transcript struct {
	SessionID string    `json:"session_id"`
	WavName   string    `json:"wav_name,omitempty"`
	Mode      string    `json:"mode"`
	Text      string    `json:"text"`
	Partial   bool      `json:"partial"`
	StartMs   int64     `json:"start_ms"`
	EndMs     int64     `json:"end_ms"`
	Timestamp time.Time `json:"timestamp"`
}

// Config holds the NATS connection settings
type Config struct {
	URL            string
	SubjectPrefix  string
	ConnectTimeout time.Duration
}

// Publisher wraps a NATS connection
type Publisher struct {
	conn    *nats.Conn
	partial string
	final   string
	logger  zerolog.Logger
}

// Connect opens the NATS connection
func Connect(cfg Config, logger zerolog.Logger) (*Publisher, error) {
	if cfg.URL == "" {
		return nil, errors.New("no NATS server configured")
	}
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = "asr.transcript"
	}

	options := []nats.Option{
		nats.Name("asr-gateway"),
		nats.MaxReconnects(-1),
	}
	if cfg.ConnectTimeout > 0 {
		options = append(options, nats.Timeout(cfg.ConnectTimeout))
	}

	conn, err := nats.Connect(cfg.URL, options...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	logger.Info().Str("servers", cfg.URL).Str("subject_prefix", cfg.SubjectPrefix).Msg("Connected to NATS")

	return &Publisher{
		conn:    conn,
		partial: cfg.SubjectPrefix + ".partial",
		final:   cfg.SubjectPrefix + ".final",
		logger:  logger,
	}, nil
}

// Subject returns the subject an event is published on
func (p *Publisher) Subject(ev stt.Event) string {
	if ev.IsSegmentFinal() {
		return p.final
	}
	return p.partial
}

// PublishTranscript publishes one recognition event for a session
func (p *Publisher) PublishTranscript(sessionID string, ev stt.Event) error {
	start, end := ev.TimeRange()
	data, err := json.Marshal(Transcript{
		SessionID: sessionID,
		WavName:   ev.WavName,
		Mode:      ev.Mode,
		Text:      ev.Text,
		Partial:   !ev.IsSegmentFinal(),
		StartMs:   start,
		EndMs:     end,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal transcript: %w", err)
	}
	if err := p.conn.Publish(p.Subject(ev), data); err != nil {
		return fmt.Errorf("publish transcript: %w", err)
	}
	return nil
}

// Healthy reports whether the connection is up
func (p *Publisher) Healthy() bool {
	return p != nil && p.conn != nil && p.conn.Status() == nats.CONNECTED
}

// Close flushes pending messages and closes the connection
func (p *Publisher) Close() {
	if p == nil {
		return
	}
	p.logger.Info().Msg("Closing NATS connection")
	if err := p.conn.Drain(); err != nil {
		p.conn.Close()
	}
}
