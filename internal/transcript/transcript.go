// Package transcript renders recognition events for people.
package transcript

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/lexiqai/asr-gateway/internal/stt"
)

// FormatMillis renders a millisecond offset as HH:MM:SS.mmm
func FormatMillis(ms int64) string {
	if ms < 0 {
		ms = 0
	}
	hours := ms / 3_600_000
	ms %= 3_600_000
	minutes := ms / 60_000
	ms %= 60_000
	seconds := ms / 1000
	ms %= 1000
	return fmt.Sprintf("%02d:%02d:%02d.%03d", hours, minutes, seconds, ms)
}

// FormatRange renders the time range covered by an event
func FormatRange(ev stt.Event) string {
	start, end := ev.TimeRange()
	return FormatMillis(start) + " - " + FormatMillis(end)
}

// FormatSegment renders a final segment as "[start - end]: text"
func FormatSegment(ev stt.Event) string {
	return fmt.Sprintf("[%s]: %s", FormatRange(ev), ev.Text)
}

// Printer writes final segments, and optionally partial results, to w.
// It is safe for use from the session receiver goroutine.
type Printer struct {
	mu       sync.Mutex
	w        io.Writer
	partials bool
	segments int
	last     time.Time
}

// NewPrinter creates a printer writing to w
func NewPrinter(w io.Writer, partials bool) *Printer {
	return &Printer{w: w, partials: partials}
}

// Handle implements stt.Handler
func (p *Printer) Handle(ev stt.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.last = time.Now()
	switch {
	case ev.IsSegmentFinal():
		p.segments++
		fmt.Fprintln(p.w, FormatSegment(ev))
	case p.partials && ev.Text != "":
		fmt.Fprintf(p.w, "... %s\n", ev.Text)
	}
}

// Segments returns how many final segments were printed
func (p *Printer) Segments() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.segments
}

// LastEvent returns when the most recent event arrived, partial or final.
// It is the zero time before the first event.
func (p *Printer) LastEvent() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last
}
