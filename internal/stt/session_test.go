package stt

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

// fakeTransport records sent frames and replays scripted inbound messages
type fakeTransport struct {
	mu           sync.Mutex
	sent         []Frame
	closed       bool
	sentAtClose  int
	sendDelay    time.Duration
	failAfter    int // fail sends once this many frames were sent; 0 disables
	connectErr   error
	inbound      chan []byte
	closeCh      chan struct{}
	closeOnce    sync.Once
	connectCalls int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		inbound: make(chan []byte, 16),
		closeCh: make(chan struct{}),
	}
}

func (f *fakeTransport) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connectCalls++
	return f.connectErr
}

func (f *fakeTransport) Send(fr Frame) error {
	if f.sendDelay > 0 {
		time.Sleep(f.sendDelay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return fmt.Errorf("%w: closed", ErrConnectionClosed)
	}
	if f.failAfter > 0 && len(f.sent) >= f.failAfter {
		return fmt.Errorf("%w: broken pipe", ErrConnectionClosed)
	}
	f.sent = append(f.sent, fr)
	return nil
}

func (f *fakeTransport) Receive() ([]byte, error) {
	select {
	case data, ok := <-f.inbound:
		if !ok {
			return nil, fmt.Errorf("%w: eof", ErrConnectionClosed)
		}
		return data, nil
	case <-f.closeCh:
		return nil, fmt.Errorf("%w: closed", ErrConnectionClosed)
	}
}

func (f *fakeTransport) Close() error {
	f.closeOnce.Do(func() {
		f.mu.Lock()
		f.closed = true
		f.sentAtClose = len(f.sent)
		f.mu.Unlock()
		close(f.closeCh)
	})
	return nil
}

func (f *fakeTransport) frames() []Frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Frame, len(f.sent))
	copy(out, f.sent)
	return out
}

// eventRecorder collects handler calls
type eventRecorder struct {
	mu     sync.Mutex
	events []Event
	notify chan struct{}
}

func newEventRecorder() *eventRecorder {
	return &eventRecorder{notify: make(chan struct{}, 64)}
}

func (r *eventRecorder) Handle(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	r.notify <- struct{}{}
}

func (r *eventRecorder) wait(t *testing.T, n int) []Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		r.mu.Lock()
		if len(r.events) >= n {
			out := append([]Event(nil), r.events...)
			r.mu.Unlock()
			return out
		}
		r.mu.Unlock()
		select {
		case <-r.notify:
		case <-deadline:
			t.Fatalf("Timed out waiting for %d events", n)
		}
	}
}

func openFake(t *testing.T, handler Handler) (*Session, *fakeTransport) {
	t.Helper()
	ft := newFakeTransport()
	s, err := Open(context.Background(), DefaultConfig("ws://fake:10095"), handler, WithTransport(ft))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	return s, ft
}

func waitDone(t *testing.T, s *Session) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("Session did not reach closed state, state=%s", s.State())
	}
}

func TestOpen_ActiveState(t *testing.T) {
	s, ft := openFake(t, nil)
	defer s.Close(context.Background())

	if s.State() != StateActive {
		t.Errorf("Expected state active, got %s", s.State())
	}
	if ft.connectCalls != 1 {
		t.Errorf("Expected 1 connect call, got %d", ft.connectCalls)
	}
}

func TestNew_InvalidEndpoint(t *testing.T) {
	ft := newFakeTransport()
	_, err := Open(context.Background(), DefaultConfig("http://localhost:10095"), nil, WithTransport(ft))
	if !errors.Is(err, ErrInvalidEndpoint) {
		t.Fatalf("Expected ErrInvalidEndpoint, got %v", err)
	}
	if ft.connectCalls != 0 {
		t.Errorf("Expected no connect attempt, got %d", ft.connectCalls)
	}
}

func TestOpen_ConnectFailure(t *testing.T) {
	ft := newFakeTransport()
	ft.connectErr = fmt.Errorf("%w: refused", ErrConnect)

	s, err := Open(context.Background(), DefaultConfig("ws://fake:10095"), nil, WithTransport(ft))
	if !errors.Is(err, ErrConnect) {
		t.Fatalf("Expected ErrConnect, got %v", err)
	}
	if s != nil {
		t.Error("Expected nil session on connect failure")
	}
}

func TestClose_BeforeConnect(t *testing.T) {
	s, err := New(DefaultConfig("ws://fake:10095"), nil, WithTransport(newFakeTransport()))
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	if err := s.Close(context.Background()); err != nil {
		t.Errorf("Expected no error closing idle session, got %v", err)
	}
	if err := s.Close(context.Background()); err != nil {
		t.Errorf("Expected second Close to be a no-op, got %v", err)
	}
	if s.State() != StateClosed {
		t.Errorf("Expected state closed, got %s", s.State())
	}
	waitDone(t, s)

	if err := s.Connect(context.Background()); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("Expected ErrSessionClosed connecting a closed session, got %v", err)
	}
}

func TestSession_FIFOOrder(t *testing.T) {
	s, ft := openFake(t, nil)

	var expected [][]byte
	for u := 0; u < 3; u++ {
		name := fmt.Sprintf("u%d", u)
		if _, err := s.BeginUtterance(name); err != nil {
			t.Fatalf("BeginUtterance() failed: %v", err)
		}
		start, _ := BuildStartMessage(s.Config(), name)
		expected = append(expected, start)

		for i := 0; i < 10; i++ {
			chunk := []byte{byte(u), byte(i), 0xAA}
			if err := s.FeedAudio(chunk); err != nil {
				t.Fatalf("FeedAudio() failed: %v", err)
			}
			expected = append(expected, chunk)
		}

		if err := s.EndUtterance(); err != nil {
			t.Fatalf("EndUtterance() failed: %v", err)
		}
		expected = append(expected, BuildEndMessage())
	}

	if err := s.Close(context.Background()); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}
	waitDone(t, s)

	sent := ft.frames()
	if len(sent) != len(expected) {
		t.Fatalf("Expected %d frames, got %d", len(expected), len(sent))
	}
	for i := range expected {
		if !bytes.Equal(sent[i].Data, expected[i]) {
			t.Errorf("Frame %d: expected %q, got %q", i, expected[i], sent[i].Data)
		}
	}
	if sent[0].Kind != FrameText || sent[1].Kind != FrameBinary {
		t.Errorf("Expected text then binary frame kinds, got %s, %s", sent[0].Kind, sent[1].Kind)
	}
}

func TestSession_ConcurrentProducersKeepPerProducerOrder(t *testing.T) {
	s, ft := openFake(t, nil)

	const producers = 4
	const perProducer = 200

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				_ = s.FeedAudio([]byte{byte(p), byte(i >> 8), byte(i)})
			}
		}(p)
	}
	wg.Wait()

	if err := s.Close(context.Background()); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}
	waitDone(t, s)

	sent := ft.frames()
	if len(sent) != producers*perProducer {
		t.Fatalf("Expected %d frames, got %d", producers*perProducer, len(sent))
	}

	next := make([]int, producers)
	for _, f := range sent {
		p := int(f.Data[0])
		i := int(f.Data[1])<<8 | int(f.Data[2])
		if i != next[p] {
			t.Fatalf("Producer %d: expected frame %d, got %d", p, next[p], i)
		}
		next[p]++
	}
}

func TestClose_FlushesQueuedFramesBeforeClosing(t *testing.T) {
	s, ft := openFake(t, nil)
	ft.sendDelay = 2 * time.Millisecond

	const n = 50
	for i := 0; i < n; i++ {
		if err := s.FeedAudio([]byte{byte(i)}); err != nil {
			t.Fatalf("FeedAudio() failed: %v", err)
		}
	}

	if err := s.Close(context.Background()); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}

	ft.mu.Lock()
	atClose := ft.sentAtClose
	ft.mu.Unlock()
	if atClose != n {
		t.Errorf("Expected %d frames sent before the transport closed, got %d", n, atClose)
	}
	waitDone(t, s)
}

func TestEndUtteranceThenClose_KeepsEndMessage(t *testing.T) {
	for i := 0; i < 20; i++ {
		s, ft := openFake(t, nil)
		if _, err := s.BeginUtterance("u1"); err != nil {
			t.Fatalf("BeginUtterance() failed: %v", err)
		}
		_ = s.FeedAudio([]byte{1, 2, 3, 4})
		if err := s.EndUtterance(); err != nil {
			t.Fatalf("EndUtterance() failed: %v", err)
		}
		if err := s.Close(context.Background()); err != nil {
			t.Fatalf("Close() failed: %v", err)
		}
		waitDone(t, s)

		sent := ft.frames()
		if len(sent) != 3 {
			t.Fatalf("Expected 3 frames, got %d", len(sent))
		}
		if !bytes.Equal(sent[2].Data, BuildEndMessage()) {
			t.Fatalf("Expected end message last, got %q", sent[2].Data)
		}
	}
}

func TestClose_Idempotent(t *testing.T) {
	s, _ := openFake(t, nil)

	if err := s.Close(context.Background()); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}
	if err := s.Close(context.Background()); err != nil {
		t.Errorf("Expected second Close to succeed, got %v", err)
	}
	waitDone(t, s)

	if s.State() != StateClosed {
		t.Errorf("Expected state closed, got %s", s.State())
	}
	if err := s.FeedAudio([]byte{1}); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("Expected ErrSessionClosed after close, got %v", err)
	}
	if _, err := s.BeginUtterance(""); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("Expected ErrSessionClosed after close, got %v", err)
	}
}

func TestReceiver_MalformedMessageDoesNotStopLoop(t *testing.T) {
	rec := newEventRecorder()
	s, ft := openFake(t, rec)
	defer s.Close(context.Background())

	ft.inbound <- []byte(`{"mode":"2pass-online","text":"he"`)
	ft.inbound <- []byte{}
	ft.inbound <- []byte(`{"mode":"2pass-online","text":"hello"}`)
	ft.inbound <- []byte(`{"mode":"2pass-offline","text":"hello.","timestamp":"[[0,500],[500,1000]]"}`)

	events := rec.wait(t, 2)
	if events[0].Text != "hello" || events[1].Text != "hello." {
		t.Errorf("Expected events 'hello', 'hello.', got %q, %q", events[0].Text, events[1].Text)
	}
	if start, end := events[1].TimeRange(); start != 0 || end != 1000 {
		t.Errorf("Expected range 0-1000, got %d-%d", start, end)
	}
	if s.State() != StateActive {
		t.Errorf("Expected session to stay active, got %s", s.State())
	}
}

func TestReceiver_HandlerFuncAndPanicRecovery(t *testing.T) {
	got := make(chan string, 4)
	handler := HandlerFunc(func(ev Event) {
		if ev.Text == "boom" {
			panic("handler bug")
		}
		got <- ev.Text
	})
	s, ft := openFake(t, handler)
	defer s.Close(context.Background())

	ft.inbound <- []byte(`{"mode":"online","text":"boom"}`)
	ft.inbound <- []byte(`{"mode":"online","text":"after"}`)

	select {
	case text := <-got:
		if text != "after" {
			t.Errorf("Expected 'after', got '%s'", text)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for event after handler panic")
	}
}

func TestSession_ConnectionLostClosesSession(t *testing.T) {
	s, ft := openFake(t, nil)

	close(ft.inbound)
	waitDone(t, s)

	if s.State() != StateClosed {
		t.Errorf("Expected state closed, got %s", s.State())
	}
	if err := s.FeedAudio([]byte{1}); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("Expected ErrSessionClosed, got %v", err)
	}
	if err := s.Close(context.Background()); err != nil {
		t.Errorf("Expected Close after loss to be a no-op, got %v", err)
	}
}

func TestSender_SendFailureDropsRemainingFrames(t *testing.T) {
	s, ft := openFake(t, nil)
	ft.mu.Lock()
	ft.failAfter = 3
	ft.mu.Unlock()

	for i := 0; i < 10; i++ {
		_ = s.FeedAudio([]byte{byte(i)})
	}
	waitDone(t, s)

	if sent := ft.frames(); len(sent) != 3 {
		t.Errorf("Expected 3 delivered frames, got %d", len(sent))
	}
	if err := s.EndUtterance(); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("Expected ErrSessionClosed, got %v", err)
	}
}

func TestSender_SkipsEmptyFrames(t *testing.T) {
	s, ft := openFake(t, nil)

	_ = s.FeedAudio(nil)
	_ = s.FeedAudio([]byte{7})
	if err := s.Close(context.Background()); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}
	waitDone(t, s)

	sent := ft.frames()
	if len(sent) != 1 || sent[0].Data[0] != 7 {
		t.Errorf("Expected only the non-empty frame, got %v", sent)
	}
}

func TestFeedAudio_CopiesBuffer(t *testing.T) {
	s, ft := openFake(t, nil)

	buf := []byte{1, 2, 3}
	_ = s.FeedAudio(buf)
	buf[0] = 9
	if err := s.Close(context.Background()); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}
	waitDone(t, s)

	sent := ft.frames()
	if len(sent) != 1 || sent[0].Data[0] != 1 {
		t.Errorf("Expected the original bytes to be sent, got %v", sent)
	}
}

func TestBeginUtterance_GeneratesName(t *testing.T) {
	s, ft := openFake(t, nil)

	name, err := s.BeginUtterance("")
	if err != nil {
		t.Fatalf("BeginUtterance() failed: %v", err)
	}
	if len(name) != 32 {
		t.Errorf("Expected generated 32 character name, got '%s'", name)
	}
	if err := s.Close(context.Background()); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}
	waitDone(t, s)

	sent := ft.frames()
	if len(sent) != 1 {
		t.Fatalf("Expected 1 frame, got %d", len(sent))
	}
	_, parsedName, err := ParseStartMessage(sent[0].Data)
	if err != nil {
		t.Fatalf("ParseStartMessage() failed: %v", err)
	}
	if parsedName != name {
		t.Errorf("Expected wav_name %s, got %s", name, parsedName)
	}
}

func TestClose_ContextExpiresWithStalledSender(t *testing.T) {
	s, ft := openFake(t, nil)
	ft.sendDelay = 50 * time.Millisecond

	for i := 0; i < 20; i++ {
		_ = s.FeedAudio([]byte{byte(i)})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := s.Close(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected deadline exceeded, got %v", err)
	}
	waitDone(t, s)

	if sent := ft.frames(); len(sent) >= 20 {
		t.Errorf("Expected undelivered frames to be dropped, got %d sent", len(sent))
	}
}

func TestConfig_Validate(t *testing.T) {
	good := DefaultConfig("wss://asr.example.com:10095")
	if err := good.Validate(); err != nil {
		t.Errorf("Expected valid config, got %v", err)
	}
	if !good.Secure() {
		t.Error("Expected wss endpoint to be secure")
	}

	plain := DefaultConfig("ws://localhost:10095")
	if plain.Secure() {
		t.Error("Expected ws endpoint not to be secure")
	}

	badMode := DefaultConfig("ws://localhost:10095")
	badMode.Mode = "streaming"
	if err := badMode.Validate(); err == nil {
		t.Error("Expected error for unknown mode")
	}

	badRate := DefaultConfig("ws://localhost:10095")
	badRate.SampleRate = 0
	if err := badRate.Validate(); err == nil {
		t.Error("Expected error for zero sample rate")
	}
}

func TestState_String(t *testing.T) {
	states := map[State]string{
		StateIdle:       "idle",
		StateConnecting: "connecting",
		StateActive:     "active",
		StateClosing:    "closing",
		StateClosed:     "closed",
	}
	for st, want := range states {
		if st.String() != want {
			t.Errorf("Expected %s, got %s", want, st.String())
		}
	}
}
