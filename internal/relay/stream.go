package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lexiqai/asr-gateway/internal/config"
	"github.com/lexiqai/asr-gateway/internal/observability"
	"github.com/lexiqai/asr-gateway/internal/stt"
	"github.com/lexiqai/asr-gateway/internal/transcript"
)

const (
	writeWait     = 5 * time.Second
	closeGrace    = time.Second
	outboundDepth = 64
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// Browser clients are served from other origins
		return true
	},
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// Client events
const (
	EventStart = "start"
	EventStop  = "stop"
)

// Gateway events
const (
	EventTranscript = "transcript"
	EventError      = "error"
	EventClosed     = "closed"
)

// ClientMessage is a control message from a relay client
type ClientMessage struct {
	Event   string `json:"event"`
	WavName string `json:"wav_name,omitempty"`
}

// ServerMessage is sent from the gateway to a relay client
type ServerMessage struct {
	Event   string `json:"event"`
	Mode    string `json:"mode,omitempty"`
	Text    string `json:"text,omitempty"`
	WavName string `json:"wav_name,omitempty"`
	IsFinal bool   `json:"is_final,omitempty"`
	StartMs int64  `json:"start_ms,omitempty"`
	EndMs   int64  `json:"end_ms,omitempty"`
	Range   string `json:"range,omitempty"`
	Message string `json:"message,omitempty"`
}

// TranscriptPublisher receives every recognition event of every relay stream
type TranscriptPublisher interface {
	PublishTranscript(sessionID string, ev stt.Event) error
}

// Server bridges relay clients to the recognition service
type Server struct {
	session      stt.Config
	closeTimeout time.Duration
	publisher    TranscriptPublisher
	opts         []stt.Option
}

// NewServer creates a relay server opening one recognition session per
// client. publisher may be nil.
func NewServer(cfg *config.Config, publisher TranscriptPublisher, opts ...stt.Option) *Server {
	return &Server{
		session:      cfg.Session(),
		closeTimeout: cfg.CloseTimeout(),
		publisher:    publisher,
		opts:         opts,
	}
}

// HandleASRStream is the entry point for relay WebSocket connections
func (srv *Server) HandleASRStream() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		correlationID := r.Header.Get("X-Correlation-ID")
		if correlationID == "" {
			correlationID = observability.NewCorrelationID()
		}
		logger := observability.WithCorrelationID(correlationID).With().Str("component", "relay").Logger()

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			// Upgrade has already replied to the client
			logger.Warn().Err(err).Msg("Failed to upgrade connection to WebSocket")
			return
		}
		defer conn.Close()

		stream := newStreamSession(correlationID, conn, srv.publisher, logger)
		go stream.writeLoop()

		opts := append([]stt.Option{
			stt.WithID(correlationID),
			stt.WithLogger(logger),
		}, srv.opts...)

		session, err := stt.Open(r.Context(), srv.session, stt.HandlerFunc(stream.onEvent), opts...)
		if err != nil {
			logger.Error().Err(err).Msg("Failed to open recognition session")
			observability.RecordError("session_open", "relay")
			stream.send(ServerMessage{Event: EventError, Message: err.Error()})
			stream.send(ServerMessage{Event: EventClosed})
			stream.shutdown()
			<-stream.writerDone
			return
		}
		stream.session = session
		logger.Info().Str("session_id", session.ID()).Msg("Relay stream connected")

		go stream.watchSession()
		stream.readLoop()

		// Client went away or upstream ended; flush what is queued and stop
		ctx, cancel := context.WithTimeout(context.Background(), srv.closeTimeout)
		if err := session.Close(ctx); err != nil {
			logger.Warn().Err(err).Msg("Recognition session did not drain before timeout")
		}
		cancel()

		<-session.Done()
		<-stream.writerDone
		logger.Info().Msg("Relay stream ended")
	}
}

// streamSession holds the state of a single relay client
type streamSession struct {
	id        string
	conn      *websocket.Conn
	session   *stt.Session
	publisher TranscriptPublisher
	logger    zerolog.Logger

	out        chan ServerMessage
	quit       chan struct{}
	quitOnce   sync.Once
	writerDone chan struct{}

	// Owned by readLoop
	inUtterance bool
}

func newStreamSession(id string, conn *websocket.Conn, publisher TranscriptPublisher, logger zerolog.Logger) *streamSession {
	return &streamSession{
		id:         id,
		conn:       conn,
		publisher:  publisher,
		logger:     logger,
		out:        make(chan ServerMessage, outboundDepth),
		quit:       make(chan struct{}),
		writerDone: make(chan struct{}),
	}
}

// send queues a message for the client. It returns false once the
// stream is shutting down.
func (s *streamSession) send(msg ServerMessage) bool {
	select {
	case s.out <- msg:
		return true
	case <-s.quit:
		return false
	}
}

// trySend queues a message without waiting. It returns false when the
// client is too slow to keep up or the stream is shutting down.
func (s *streamSession) trySend(msg ServerMessage) bool {
	select {
	case s.out <- msg:
		return true
	default:
		return false
	}
}

func (s *streamSession) shutdown() {
	s.quitOnce.Do(func() { close(s.quit) })
}

// onEvent runs on the recognition session's receiver goroutine
func (s *streamSession) onEvent(ev stt.Event) {
	if s.publisher != nil {
		if err := s.publisher.PublishTranscript(s.id, ev); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to publish transcript")
			observability.RecordError("publish_error", "relay")
		}
	}

	start, end := ev.TimeRange()
	msg := ServerMessage{
		Event:   EventTranscript,
		Mode:    ev.Mode,
		Text:    ev.Text,
		WavName: ev.WavName,
		IsFinal: ev.IsFinal || ev.IsSegmentFinal(),
		StartMs: start,
		EndMs:   end,
	}
	if !ev.IsSegmentFinal() {
		// A full queue drops partials; finals wait for room
		if !s.trySend(msg) {
			s.logger.Warn().Str("mode", ev.Mode).Msg("Relay client is behind, dropped partial result")
			observability.RecordError("partial_dropped", "relay")
		}
		return
	}
	msg.Range = transcript.FormatRange(ev)
	s.send(msg)
}

// watchSession reports the end of the recognition session to the client
func (s *streamSession) watchSession() {
	<-s.session.Done()
	s.send(ServerMessage{Event: EventClosed})
	s.shutdown()
}

// writeLoop is the only writer on the client connection
func (s *streamSession) writeLoop() {
	defer close(s.writerDone)

	for {
		select {
		case msg := <-s.out:
			s.write(msg)
		case <-s.quit:
			for {
				select {
				case msg := <-s.out:
					s.write(msg)
				default:
					deadline := time.Now().Add(writeWait)
					_ = s.conn.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
					// Let readLoop see the client's close reply, or give up
					_ = s.conn.SetReadDeadline(time.Now().Add(closeGrace))
					return
				}
			}
		}
	}
}

func (s *streamSession) write(msg ServerMessage) {
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := s.conn.WriteJSON(msg); err != nil {
		s.logger.Debug().Err(err).Str("event", msg.Event).Msg("Failed to write to relay client")
	}
}

// readLoop handles all incoming WebSocket messages from the client
func (s *streamSession) readLoop() {
	for {
		mt, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Warn().Err(err).Msg("WebSocket read error")
			}
			return
		}

		switch mt {
		case websocket.BinaryMessage:
			s.handleAudio(data)
		case websocket.TextMessage:
			s.handleControl(data)
		}
	}
}

func (s *streamSession) handleAudio(pcm []byte) {
	if len(pcm) == 0 {
		return
	}
	observability.RecordAudioBytes("in", len(pcm))
	// Audio without a start event opens an utterance implicitly
	if !s.inUtterance {
		s.handleStart("")
	}
	if err := s.session.FeedAudio(pcm); err != nil {
		s.reportError(err)
	}
}

func (s *streamSession) handleControl(data []byte) {
	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to parse client message")
		s.send(ServerMessage{Event: EventError, Message: "invalid message"})
		return
	}

	switch msg.Event {
	case EventStart:
		s.handleStart(msg.WavName)
	case EventStop:
		if !s.inUtterance {
			return
		}
		s.inUtterance = false
		if err := s.session.EndUtterance(); err != nil {
			s.reportError(err)
		}
	default:
		s.logger.Warn().Str("event", msg.Event).Msg("Unknown client event")
		s.send(ServerMessage{Event: EventError, Message: "unknown event: " + msg.Event})
	}
}

func (s *streamSession) handleStart(name string) {
	if _, err := s.session.BeginUtterance(name); err != nil {
		s.reportError(err)
		return
	}
	s.inUtterance = true
}

func (s *streamSession) reportError(err error) {
	s.logger.Warn().Err(err).Msg("Recognition session rejected client input")
	s.send(ServerMessage{Event: EventError, Message: err.Error()})
}
