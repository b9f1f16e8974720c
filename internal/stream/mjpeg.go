package stream

import (
	"context"
	"io"
	"time"
)

// Multipart framing for the live MJPEG endpoint.
const (
	Boundary    = "frame"
	ContentType = "multipart/x-mixed-replace; boundary=" + Boundary

	// IdleInterval is how long a viewer waits for a frame before flushing an
	// empty chunk instead.
	IdleInterval = 100 * time.Millisecond
)

var (
	partHeader  = []byte("--" + Boundary + "\r\nContent-Type: image/jpeg\r\n\r\n")
	partTrailer = []byte("\r\n")
)

// Flusher is satisfied by http.ResponseWriter implementations that can push
// buffered data to the client.
type Flusher interface {
	Flush()
}

// WritePart writes one multipart section holding a JPEG frame.
func WritePart(w io.Writer, frame []byte) error {
	if _, err := w.Write(partHeader); err != nil {
		return err
	}
	if _, err := w.Write(frame); err != nil {
		return err
	}
	_, err := w.Write(partTrailer)
	return err
}

// ServeMJPEG writes frames from sub to w until ctx ends or a write fails.
// An idle interval without frames produces an empty flush rather than a
// stalled connection.
func ServeMJPEG(ctx context.Context, w io.Writer, f Flusher, sub *Subscriber, idle time.Duration) error {
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		frame, ok := sub.Next(ctx, idle)
		if ok {
			if err := WritePart(w, frame); err != nil {
				return err
			}
		}
		if f != nil {
			f.Flush()
		}
	}
}
