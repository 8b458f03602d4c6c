package stt

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const controlWriteWait = time.Second

// Transport carries discrete messages to and from the recognition service.
// Send and Receive failures wrap ErrConnectionClosed.
type Transport interface {
	Connect(ctx context.Context) error
	Send(f Frame) error
	Receive() ([]byte, error)
	Close() error
}

// WebSocketTransport is a Transport over a gorilla/websocket client connection.
// It allows one concurrent sender and one concurrent receiver.
type WebSocketTransport struct {
	cfg    Config
	logger zerolog.Logger

	conn      *websocket.Conn
	closed    chan struct{}
	closeOnce sync.Once
}

// NewWebSocketTransport creates an unconnected transport for cfg
func NewWebSocketTransport(cfg Config, logger zerolog.Logger) *WebSocketTransport {
	return &WebSocketTransport{
		cfg:    cfg,
		logger: logger,
		closed: make(chan struct{}),
	}
}

// Connect dials the endpoint and starts keep-alive probing
func (t *WebSocketTransport) Connect(ctx context.Context) error {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: t.cfg.HandshakeTimeout,
		Subprotocols:     []string{"binary"},
	}
	if t.cfg.Secure() {
		dialer.TLSClientConfig = &tls.Config{
			InsecureSkipVerify: t.cfg.InsecureSkipVerify, //nolint:gosec // opt-in for self-signed lab servers
		}
		if t.cfg.InsecureSkipVerify {
			t.logger.Warn().Msg("TLS certificate verification disabled")
		}
	}

	conn, resp, err := dialer.DialContext(ctx, t.cfg.URL, nil)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("%w: %s: handshake status %d: %w", ErrConnect, t.cfg.URL, resp.StatusCode, err)
		}
		return fmt.Errorf("%w: %s: %w", ErrConnect, t.cfg.URL, err)
	}
	t.conn = conn

	if t.cfg.KeepAlive > 0 {
		t.extendDeadline()
		conn.SetPongHandler(func(string) error {
			t.extendDeadline()
			return nil
		})
		go t.keepAlive()
	}

	t.logger.Debug().
		Str("subprotocol", conn.Subprotocol()).
		Dur("keepalive", t.cfg.KeepAlive).
		Msg("WebSocket connected")
	return nil
}

// extendDeadline gives the peer two keep-alive intervals to show signs of life
func (t *WebSocketTransport) extendDeadline() {
	_ = t.conn.SetReadDeadline(time.Now().Add(2 * t.cfg.KeepAlive))
}

func (t *WebSocketTransport) keepAlive() {
	ticker := time.NewTicker(t.cfg.KeepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(controlWriteWait)); err != nil {
				t.logger.Debug().Err(err).Msg("Keep-alive ping failed")
				return
			}
		case <-t.closed:
			return
		}
	}
}

// Send writes one text or binary message
func (t *WebSocketTransport) Send(f Frame) error {
	if t.conn == nil {
		return fmt.Errorf("%w: not connected", ErrConnectionClosed)
	}

	messageType := websocket.TextMessage
	if f.Kind == FrameBinary {
		messageType = websocket.BinaryMessage
	}
	if err := t.conn.WriteMessage(messageType, f.Data); err != nil {
		return fmt.Errorf("%w: %w", ErrConnectionClosed, err)
	}
	return nil
}

// Receive blocks until the next message arrives or the connection fails
func (t *WebSocketTransport) Receive() ([]byte, error) {
	if t.conn == nil {
		return nil, fmt.Errorf("%w: not connected", ErrConnectionClosed)
	}

	_, data, err := t.conn.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionClosed, err)
	}
	if t.cfg.KeepAlive > 0 {
		t.extendDeadline()
	}
	return data, nil
}

// Close sends a normal closure frame and closes the socket. Safe to call
// more than once and before Connect.
func (t *WebSocketTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.closed)
		if t.conn == nil {
			return
		}
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = t.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(controlWriteWait))
		err = t.conn.Close()
	})
	return err
}
