// Package stream fans the latest camera frame out to any number of viewers.
//
// Delivery is lossy: only the most recent frame is retained and a slow
// viewer simply skips the frames it missed. A viewer is never handed a frame
// older than one it has already seen.
package stream

import (
	"bytes"
	"context"
	"sync"
	"time"
)

// jpegSOI is the JPEG start-of-image marker.
var jpegSOI = []byte{0xFF, 0xD8}

// Broadcaster holds the most recent frame and wakes waiting subscribers
// whenever a new one is published.
type Broadcaster struct {
	mu    sync.Mutex
	frame []byte
	seq   uint64
	wake  chan struct{} // closed and replaced on every publish
}

// NewBroadcaster creates an empty broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{wake: make(chan struct{})}
}

// Publish stores frame as the latest one and wakes all waiters. Buffers that
// do not start with a JPEG SOI marker are ignored and false is returned.
// The frame is copied, so the caller may reuse its buffer.
func (b *Broadcaster) Publish(frame []byte) bool {
	if !bytes.HasPrefix(frame, jpegSOI) {
		return false
	}
	cp := make([]byte, len(frame))
	copy(cp, frame)

	b.mu.Lock()
	b.frame = cp
	b.seq++
	close(b.wake)
	b.wake = make(chan struct{})
	b.mu.Unlock()
	return true
}

// Latest returns the current frame and its sequence number. seq is zero
// when nothing has been published yet.
func (b *Broadcaster) Latest() (frame []byte, seq uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.frame, b.seq
}

// Subscribe returns a new independent cursor over the broadcaster.
func (b *Broadcaster) Subscribe() *Subscriber {
	return &Subscriber{b: b}
}

// Subscriber is one viewer's read position. It is not safe for concurrent
// use; each viewer owns its own Subscriber.
type Subscriber struct {
	b    *Broadcaster
	seen uint64
}

// Next returns the latest frame if it is newer than the last one this
// subscriber observed. Otherwise it waits for a publish, the timeout or ctx,
// whichever comes first, and reports false when no frame arrived.
// The returned slice is shared and must not be modified.
func (s *Subscriber) Next(ctx context.Context, timeout time.Duration) ([]byte, bool) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		s.b.mu.Lock()
		if s.b.seq > s.seen {
			s.seen = s.b.seq
			frame := s.b.frame
			s.b.mu.Unlock()
			return frame, true
		}
		wake := s.b.wake
		s.b.mu.Unlock()

		select {
		case <-wake:
		case <-timer.C:
			return nil, false
		case <-ctx.Done():
			return nil, false
		}
	}
}
