package transcript

import (
	"bytes"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lexiqai/asr-gateway/internal/stt"
)

func TestFormatMillis(t *testing.T) {
	tests := []struct {
		ms       int64
		expected string
	}{
		{0, "00:00:00.000"},
		{1000, "00:00:01.000"},
		{61_005, "00:01:01.005"},
		{4623430, "01:17:03.430"},
		{-5, "00:00:00.000"},
	}

	for _, tt := range tests {
		if got := FormatMillis(tt.ms); got != tt.expected {
			t.Errorf("FormatMillis(%d): expected '%s', got '%s'", tt.ms, tt.expected, got)
		}
	}
}

func TestFormatRange(t *testing.T) {
	ev := stt.Event{
		Mode:       stt.ResultTwoPassOffline,
		Text:       "hello",
		Timestamps: []stt.Span{{StartMs: 0, EndMs: 500}, {StartMs: 500, EndMs: 1000}},
	}
	if got := FormatRange(ev); got != "00:00:00.000 - 00:00:01.000" {
		t.Errorf("Expected '00:00:00.000 - 00:00:01.000', got '%s'", got)
	}
	if got := FormatSegment(ev); got != "[00:00:00.000 - 00:00:01.000]: hello" {
		t.Errorf("Unexpected segment '%s'", got)
	}

	// No timestamps renders a zero range
	if got := FormatRange(stt.Event{Text: "x"}); got != "00:00:00.000 - 00:00:00.000" {
		t.Errorf("Expected zero range, got '%s'", got)
	}
}

func TestPrinter_FinalOnly(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf, false)

	p.Handle(stt.Event{Mode: stt.ResultTwoPassOnline, Text: "hel"})
	p.Handle(stt.Event{Mode: stt.ResultTwoPassOffline, Text: "hello", Timestamps: []stt.Span{{StartMs: 0, EndMs: 1000}}})
	p.Handle(stt.Event{Mode: stt.ResultOffline, Text: "world"})

	expected := "[00:00:00.000 - 00:00:01.000]: hello\n[00:00:00.000 - 00:00:00.000]: world\n"
	if buf.String() != expected {
		t.Errorf("Expected %q, got %q", expected, buf.String())
	}
	if p.Segments() != 2 {
		t.Errorf("Expected 2 segments, got %d", p.Segments())
	}
}

func TestPrinter_Partials(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf, true)

	p.Handle(stt.Event{Mode: stt.ResultOnline, Text: "hel"})
	p.Handle(stt.Event{Mode: stt.ResultOnline, Text: ""})

	if buf.String() != "... hel\n" {
		t.Errorf("Expected partial line, got %q", buf.String())
	}
}

func TestPrinter_Concurrent(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf, false)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				p.Handle(stt.Event{Mode: stt.ResultTwoPassOffline, Text: "segment"})
			}
		}()
	}
	wg.Wait()

	if p.Segments() != 400 {
		t.Errorf("Expected 400 segments, got %d", p.Segments())
	}
	if lines := strings.Count(buf.String(), "\n"); lines != 400 {
		t.Errorf("Expected 400 lines, got %d", lines)
	}
}

func TestPrinter_LastEvent(t *testing.T) {
	p := NewPrinter(&bytes.Buffer{}, false)
	if !p.LastEvent().IsZero() {
		t.Error("Expected zero time before any event")
	}

	before := time.Now()
	p.Handle(stt.Event{Mode: stt.ResultTwoPassOnline, Text: "hel"})
	if p.LastEvent().Before(before) {
		t.Error("Expected partial results to update the last event time")
	}
	if p.Segments() != 0 {
		t.Errorf("Expected 0 segments, got %d", p.Segments())
	}
}
