package stt

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// startMessage opens an utterance. Field order is the wire order.
type startMessage struct {
	Mode       string  `json:"mode"`
	IsSpeaking bool    `json:"is_speaking"`
	WavFormat  string  `json:"wav_format"`
	ChunkSize  [3]int  `json:"chunk_size"`
	AudioFs    int     `json:"audio_fs"`
	Hotwords   *string `json:"hotwords"`
	ITN        bool    `json:"itn"`
	WavName    string  `json:"wav_name"`
}

// endMessage asks the service to finalize the current utterance
type endMessage struct {
	IsSpeaking bool `json:"is_speaking"`
}

// resultMessage is what the service sends back
type resultMessage struct {
	Mode      string          `json:"mode"`
	Text      string          `json:"text"`
	WavName   string          `json:"wav_name,omitempty"`
	IsFinal   bool            `json:"is_final,omitempty"`
	Timestamp json.RawMessage `json:"timestamp"`
}

// NewUtteranceName returns a random 32 character hex name
func NewUtteranceName() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")
}

// BuildStartMessage encodes the start-of-stream control message for cfg
func BuildStartMessage(cfg Config, wavName string) ([]byte, error) {
	msg := startMessage{
		Mode:       cfg.Mode,
		IsSpeaking: true,
		WavFormat:  "pcm",
		ChunkSize:  cfg.ChunkSize,
		AudioFs:    cfg.SampleRate,
		ITN:        cfg.ITN,
		WavName:    wavName,
	}
	if len(cfg.Hotwords) > 0 {
		hw, err := json.Marshal(cfg.Hotwords)
		if err != nil {
			return nil, fmt.Errorf("failed to encode hotwords: %w", err)
		}
		s := string(hw)
		msg.Hotwords = &s
	}
	return json.Marshal(msg)
}

// ParseStartMessage decodes a start-of-stream message into the protocol
// fields of a Config and the utterance name
func ParseStartMessage(data []byte) (Config, string, error) {
	var msg startMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return Config{}, "", fmt.Errorf("failed to parse start message: %w", err)
	}
	if !msg.IsSpeaking {
		return Config{}, "", errors.New("start message must set is_speaking")
	}
	cfg := Config{
		Mode:       msg.Mode,
		SampleRate: msg.AudioFs,
		ChunkSize:  msg.ChunkSize,
		ITN:        msg.ITN,
	}
	if msg.Hotwords != nil && *msg.Hotwords != "" {
		if err := json.Unmarshal([]byte(*msg.Hotwords), &cfg.Hotwords); err != nil {
			return Config{}, "", fmt.Errorf("failed to parse hotwords: %w", err)
		}
	}
	return cfg, msg.WavName, nil
}

// BuildEndMessage encodes the end-of-stream control message
func BuildEndMessage() []byte {
	data, _ := json.Marshal(endMessage{IsSpeaking: false})
	return data
}

// DecodeEvent parses an inbound result message
func DecodeEvent(data []byte) (Event, error) {
	var msg resultMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return Event{}, fmt.Errorf("failed to parse result: %w", err)
	}

	spans, err := parseTimestamps(msg.Timestamp)
	if err != nil {
		return Event{}, err
	}

	return Event{
		Mode:       msg.Mode,
		Text:       msg.Text,
		WavName:    msg.WavName,
		IsFinal:    msg.IsFinal,
		Timestamps: spans,
	}, nil
}

// parseTimestamps accepts null, a JSON string holding [[start,end],...],
// or the bare array
func parseTimestamps(raw json.RawMessage) ([]Span, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}

	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, fmt.Errorf("failed to parse timestamp: %w", err)
		}
		if strings.TrimSpace(s) == "" {
			return nil, nil
		}
		raw = json.RawMessage(s)
	}

	var pairs [][]int64
	if err := json.Unmarshal(raw, &pairs); err != nil {
		return nil, fmt.Errorf("failed to parse timestamp: %w", err)
	}

	spans := make([]Span, 0, len(pairs))
	for _, p := range pairs {
		if len(p) != 2 {
			return nil, fmt.Errorf("timestamp pair must have 2 elements, got %d", len(p))
		}
		spans = append(spans, Span{StartMs: p[0], EndMs: p[1]})
	}
	return spans, nil
}
