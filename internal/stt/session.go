package stt

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lexiqai/asr-gateway/internal/observability"
)

// Option customizes a Session before it connects
type Option func(*Session)

// WithTransport replaces the default WebSocket transport
func WithTransport(t Transport) Option {
	return func(s *Session) {
		s.transport = t
	}
}

// WithLogger sets the base logger; session fields are added to it
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Session) {
		s.logger = logger
	}
}

// WithID overrides the generated session ID
func WithID(id string) Option {
	return func(s *Session) {
		s.id = id
	}
}

// Session is a streaming recognition session over one connection.
//
// BeginUtterance, FeedAudio and EndUtterance may be called from any
// goroutine. Frames reach the service in the order those calls returned.
// Results are delivered to the Handler on the receiver goroutine.
type Session struct {
	id      string
	cfg     Config
	handler Handler
	logger  zerolog.Logger
	metrics *observability.SessionMetrics

	transport Transport
	queue     *outboundQueue

	// mu guards state and orders enqueues against the stop frame
	mu    sync.Mutex
	state State

	cancelSend   context.CancelFunc
	senderDone   chan struct{}
	receiverDone chan struct{}
	done         chan struct{}
	finishOnce   sync.Once

	highWaterWarned atomic.Bool
}

// New validates cfg and returns an idle session. Configuration errors are
// reported here, before any connection attempt.
func New(cfg Config, handler Handler, opts ...Option) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Session{
		id:           uuid.New().String(),
		cfg:          cfg.clone(),
		handler:      handler,
		logger:       observability.GetLogger(),
		state:        StateIdle,
		senderDone:   make(chan struct{}),
		receiverDone: make(chan struct{}),
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.logger = s.logger.With().
		Str("session_id", s.id).
		Str("url", s.cfg.URL).
		Logger()
	s.metrics = observability.NewSessionMetrics(s.id)
	s.queue = newOutboundQueue(s.onQueueDepth)
	if s.transport == nil {
		s.transport = NewWebSocketTransport(s.cfg, s.logger)
	}
	return s, nil
}

// Open creates a session and connects it
func Open(ctx context.Context, cfg Config, handler Handler, opts ...Option) (*Session, error) {
	s, err := New(cfg, handler, opts...)
	if err != nil {
		return nil, err
	}
	if err := s.Connect(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Connect performs the handshake and starts the sender and receiver loops
func (s *Session) Connect(ctx context.Context) error {
	if !s.transition(StateConnecting, StateIdle) {
		return fmt.Errorf("%w: cannot connect from state %s", ErrSessionClosed, s.State())
	}

	s.logger.Info().
		Str("mode", s.cfg.Mode).
		Int("audio_fs", s.cfg.SampleRate).
		Ints("chunk_size", s.cfg.ChunkSize[:]).
		Msg("Connecting to recognition service")

	if err := s.transport.Connect(ctx); err != nil {
		s.logger.Error().Err(err).Msg("Failed to connect to recognition service")
		s.metrics.RecordError("connect_error", "stt")
		_ = s.transport.Close()
		s.finish()
		return err
	}

	if !s.transition(StateActive, StateConnecting) {
		// Close was called during the handshake
		_ = s.transport.Close()
		s.finish()
		return ErrSessionClosed
	}
	s.metrics.RecordSessionStart()

	sendCtx, cancel := context.WithCancel(context.Background())
	s.cancelSend = cancel
	go s.sendLoop(sendCtx)
	go s.receiveLoop()
	go s.watch()

	s.logger.Info().Msg("Recognition session active")
	return nil
}

// BeginUtterance enqueues a start-of-stream message. An empty name is
// replaced by a generated one; the name used is returned.
func (s *Session) BeginUtterance(name string) (string, error) {
	if name == "" {
		name = NewUtteranceName()
	}
	msg, err := BuildStartMessage(s.cfg, name)
	if err != nil {
		return "", err
	}
	if err := s.enqueue(Frame{Kind: FrameText, Data: msg}); err != nil {
		return "", err
	}
	s.logger.Debug().Str("wav_name", name).Msg("Utterance started")
	return name, nil
}

// FeedAudio enqueues raw PCM bytes unchanged. The slice is copied.
func (s *Session) FeedAudio(pcm []byte) error {
	data := make([]byte, len(pcm))
	copy(data, pcm)
	return s.enqueue(Frame{Kind: FrameBinary, Data: data})
}

// EndUtterance asks the service to finalize the current utterance.
// The connection stays open for further utterances.
func (s *Session) EndUtterance() error {
	if err := s.enqueue(Frame{Kind: FrameText, Data: BuildEndMessage()}); err != nil {
		return err
	}
	s.logger.Debug().Msg("Utterance ended")
	return nil
}

// Close flushes every frame enqueued so far, then closes the connection.
// If ctx ends first the connection is closed with frames still queued.
// Close is idempotent and a no-op on a session that never connected.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case StateIdle:
		s.state = StateClosed
		s.mu.Unlock()
		s.finish()
		return nil
	case StateConnecting:
		// Connect notices and tears down once the handshake returns
		s.state = StateClosing
		s.mu.Unlock()
		return nil
	case StateActive:
		s.state = StateClosing
		s.queue.enqueue(Frame{Kind: frameStop})
		s.mu.Unlock()
	default:
		s.mu.Unlock()
		return nil
	}

	s.logger.Debug().Int("queued", s.queue.depth()).Msg("Closing session, draining outbound queue")

	var err error
	select {
	case <-s.senderDone:
	case <-ctx.Done():
		err = ctx.Err()
		s.logger.Warn().Err(err).Int("queued", s.queue.depth()).Msg("Close deadline reached before queue drained")
	}

	if cerr := s.transport.Close(); cerr != nil {
		s.logger.Debug().Err(cerr).Msg("Error closing transport")
	}
	return err
}

// ID returns the session identifier used in logs
func (s *Session) ID() string {
	return s.id
}

// Config returns a copy of the session configuration
func (s *Session) Config() Config {
	return s.cfg.clone()
}

// State returns the current lifecycle state
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Done is closed once the session reached StateClosed and both loops exited
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// transition moves to state to if the current state is one of from
func (s *Session) transition(to State, from ...State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, f := range from {
		if s.state == f {
			s.logger.Debug().
				Stringer("from", s.state).
				Stringer("to", to).
				Msg("Session state change")
			s.state = to
			return true
		}
	}
	return false
}

// finish marks the session closed and releases Done waiters
func (s *Session) finish() {
	s.finishOnce.Do(func() {
		s.mu.Lock()
		s.state = StateClosed
		s.mu.Unlock()

		s.metrics.RecordSessionEnd()
		close(s.done)
		s.logger.Info().Msg("Recognition session closed")
	})
}

func (s *Session) enqueue(f Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateActive {
		return ErrSessionClosed
	}
	s.queue.enqueue(f)
	return nil
}

func (s *Session) onQueueDepth(depth int) {
	s.metrics.RecordQueueDepth(depth)

	highWater := s.cfg.QueueHighWater
	if highWater <= 0 {
		return
	}
	if depth >= highWater {
		if s.highWaterWarned.CompareAndSwap(false, true) {
			s.logger.Warn().
				Int("depth", depth).
				Int("high_water", highWater).
				Msg("Outbound queue is backing up")
		}
	} else if depth < highWater/2 {
		s.highWaterWarned.Store(false)
	}
}

// sendLoop writes queued frames in order until the stop frame, a send
// failure, or cancellation
func (s *Session) sendLoop(ctx context.Context) {
	defer close(s.senderDone)
	s.logger.Debug().Msg("Sender loop started")

	for {
		f, err := s.queue.dequeue(ctx)
		if err != nil {
			s.logger.Debug().Msg("Sender loop cancelled")
			return
		}
		if f.Kind == frameStop {
			s.logger.Debug().Msg("Sender loop reached stop frame")
			return
		}
		if len(f.Data) == 0 {
			continue
		}

		if err := s.transport.Send(f); err != nil {
			s.logger.Warn().Err(err).Msg("Connection closed, stop sending")
			s.metrics.RecordConnectionClosed("sender")
			return
		}
		s.metrics.RecordFrameSent(f.Kind.String(), len(f.Data))
	}
}

// receiveLoop decodes inbound messages and hands them to the handler in
// arrival order. Malformed messages are dropped.
func (s *Session) receiveLoop() {
	defer close(s.receiverDone)
	s.logger.Debug().Msg("Receiver loop started")

	for {
		data, err := s.transport.Receive()
		if err != nil {
			if s.State() == StateActive {
				s.logger.Warn().Err(err).Msg("Connection closed, stop receiving")
			} else {
				s.logger.Debug().Err(err).Msg("Receiver loop stopped")
			}
			s.metrics.RecordConnectionClosed("receiver")
			return
		}
		if len(data) == 0 {
			continue
		}

		ev, err := DecodeEvent(data)
		if err != nil {
			s.logger.Warn().Err(err).Int("bytes", len(data)).Msg("Dropping malformed result")
			s.metrics.RecordDecodeError()
			continue
		}
		s.metrics.RecordEvent(ev.Mode)

		if s.handler != nil {
			s.dispatch(ev)
		}
	}
}

func (s *Session) dispatch(ev Event) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Interface("panic", r).Msg("Result handler panicked")
			s.metrics.RecordError("handler_panic", "stt")
		}
	}()
	s.handler.Handle(ev)
}

// watch tears the session down once either loop ends
func (s *Session) watch() {
	select {
	case <-s.senderDone:
	case <-s.receiverDone:
	}

	s.mu.Lock()
	lost := s.state == StateActive
	if lost {
		s.state = StateClosing
	}
	s.mu.Unlock()
	if lost {
		s.logger.Warn().Msg("Connection lost, session closing")
	}

	s.cancelSend()
	_ = s.transport.Close()
	<-s.senderDone
	<-s.receiverDone

	if dropped := s.queue.drain(); dropped > 0 {
		s.logger.Warn().Int("dropped", dropped).Msg("Dropped undelivered frames")
		s.metrics.RecordFramesDropped(dropped)
	}
	s.finish()
}
