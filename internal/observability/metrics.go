package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Session metrics
	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "asr_sessions_active",
		Help: "Number of open recognition sessions",
	})

	totalSessions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "asr_sessions_total",
		Help: "Total number of recognition sessions opened",
	})

	sessionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "asr_session_duration_seconds",
		Help:    "Lifetime of recognition sessions in seconds",
		Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
	})

	// Outbound path
	framesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "asr_frames_sent_total",
		Help: "Total frames written to the recognition service",
	}, []string{"kind"})

	framesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "asr_frames_dropped_total",
		Help: "Queued frames discarded because the connection closed",
	})

	queueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "asr_outbound_queue_depth",
		Help: "Frames waiting in outbound queues across sessions",
	})

	// Inbound path
	eventsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "asr_events_received_total",
		Help: "Transcription events received, by result mode",
	}, []string{"mode"})

	decodeErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "asr_decode_errors_total",
		Help: "Inbound messages dropped because they could not be decoded",
	})

	connectionClosed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "asr_connection_closed_total",
		Help: "Connection closures observed by the session loops",
	}, []string{"loop"})

	// Error metrics
	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "asr_errors_total",
		Help: "Total number of errors",
	}, []string{"type", "component"})

	reconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "asr_reconnects_total",
		Help: "Session reopen attempts by result",
	}, []string{"result"})

	// Audio metrics
	audioBytesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "asr_audio_bytes_total",
		Help: "Total audio bytes processed",
	}, []string{"direction"}) // direction: "in" or "out"
)

// SessionMetrics tracks metrics for a single recognition session
type SessionMetrics struct {
	sessionID string
	startTime time.Time

	mu        sync.Mutex
	lastDepth int
	started   bool
	ended     bool
}

// NewSessionMetrics creates a new metrics tracker for a session
func NewSessionMetrics(sessionID string) *SessionMetrics {
	return &SessionMetrics{
		sessionID: sessionID,
		startTime: time.Now(),
	}
}

// RecordSessionStart records that the session became active
func (m *SessionMetrics) RecordSessionStart() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return
	}
	m.started = true
	m.startTime = time.Now()
	activeSessions.Inc()
	totalSessions.Inc()
}

// RecordSessionEnd records the end of a session that was started
func (m *SessionMetrics) RecordSessionEnd() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started || m.ended {
		return
	}
	m.ended = true
	activeSessions.Dec()
	sessionDuration.Observe(time.Since(m.startTime).Seconds())

	// Hand back whatever this session still contributed to the shared gauge
	queueDepth.Sub(float64(m.lastDepth))
	m.lastDepth = 0
}

// RecordQueueDepth updates the shared queue depth gauge with this session's delta
func (m *SessionMetrics) RecordQueueDepth(depth int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ended {
		return
	}
	queueDepth.Add(float64(depth - m.lastDepth))
	m.lastDepth = depth
}

// RecordFrameSent records a frame written to the service
func (m *SessionMetrics) RecordFrameSent(kind string, bytes int) {
	framesSent.WithLabelValues(kind).Inc()
	if kind == "binary" {
		RecordAudioBytes("out", bytes)
	}
}

// RecordFramesDropped records frames abandoned in the queue
func (m *SessionMetrics) RecordFramesDropped(n int) {
	framesDropped.Add(float64(n))
}

// RecordEvent records a decoded transcription event
func (m *SessionMetrics) RecordEvent(mode string) {
	eventsReceived.WithLabelValues(mode).Inc()
}

// RecordDecodeError records an inbound message that failed to decode
func (m *SessionMetrics) RecordDecodeError() {
	decodeErrors.Inc()
}

// RecordConnectionClosed records which loop observed the closure
func (m *SessionMetrics) RecordConnectionClosed(loop string) {
	connectionClosed.WithLabelValues(loop).Inc()
}

// RecordError records an error
func (m *SessionMetrics) RecordError(errorType, component string) {
	errorsTotal.WithLabelValues(errorType, component).Inc()
}

// RecordAudioBytes records audio bytes received from clients ("in") or sent upstream ("out")
func RecordAudioBytes(direction string, bytes int) {
	audioBytesProcessed.WithLabelValues(direction).Add(float64(bytes))
}

// RecordError records an error outside of a session
func RecordError(errorType, component string) {
	errorsTotal.WithLabelValues(errorType, component).Inc()
}

// RecordReconnect records the outcome of a session reopen attempt
func RecordReconnect(success bool) {
	result := "success"
	if !success {
		result = "error"
	}
	reconnects.WithLabelValues(result).Inc()
}
