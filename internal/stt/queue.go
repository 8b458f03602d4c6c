package stt

import (
	"context"
	"sync"
)

// FrameKind discriminates outbound frames
type FrameKind int

const (
	FrameText FrameKind = iota
	FrameBinary
	frameStop // sentinel: the sender exits after everything queued before it
)

func (k FrameKind) String() string {
	switch k {
	case FrameText:
		return "text"
	case FrameBinary:
		return "binary"
	case frameStop:
		return "stop"
	default:
		return "unknown"
	}
}

// Frame is one discrete WebSocket message
type Frame struct {
	Kind FrameKind
	Data []byte
}

// outboundQueue is an unbounded multi-producer single-consumer FIFO.
// enqueue never blocks; ordering follows lock acquisition.
type outboundQueue struct {
	mu     sync.Mutex
	frames []Frame
	ready  chan struct{}

	// onDepth is called with the depth after every change. It runs under
	// the lock so reports arrive in the order of the changes.
	onDepth func(depth int)
}

func newOutboundQueue(onDepth func(int)) *outboundQueue {
	return &outboundQueue{
		ready:   make(chan struct{}, 1),
		onDepth: onDepth,
	}
}

func (q *outboundQueue) enqueue(f Frame) {
	q.mu.Lock()
	q.frames = append(q.frames, f)
	q.reportDepth()
	q.mu.Unlock()

	// Wake the consumer; a pending token already covers this frame
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// dequeue waits for the next frame or for ctx to end
func (q *outboundQueue) dequeue(ctx context.Context) (Frame, error) {
	for {
		q.mu.Lock()
		if len(q.frames) > 0 {
			f := q.frames[0]
			q.frames[0] = Frame{}
			q.frames = q.frames[1:]
			if len(q.frames) == 0 {
				q.frames = nil
			}
			q.reportDepth()
			q.mu.Unlock()
			return f, nil
		}
		q.mu.Unlock()

		select {
		case <-q.ready:
		case <-ctx.Done():
			return Frame{}, ctx.Err()
		}
	}
}

// drain discards everything still queued and returns how many data
// frames were dropped
func (q *outboundQueue) drain() int {
	q.mu.Lock()
	n := 0
	for _, f := range q.frames {
		if f.Kind != frameStop {
			n++
		}
	}
	q.frames = nil
	q.reportDepth()
	q.mu.Unlock()
	return n
}

// reportDepth must be called with q.mu held
func (q *outboundQueue) reportDepth() {
	if q.onDepth != nil {
		q.onDepth(len(q.frames))
	}
}

func (q *outboundQueue) depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.frames)
}
