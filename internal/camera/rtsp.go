package camera

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bluenviron/gortsplib/v4"
	"github.com/bluenviron/gortsplib/v4/pkg/base"
	"github.com/bluenviron/gortsplib/v4/pkg/format"
	"github.com/pion/rtp"
	"go.uber.org/zap"

	"rotacam/internal/viewport"
)

// ErrNoMJPEG is returned when the RTSP server offers no MJPEG video track.
var ErrNoMJPEG = errors.New("camera: stream has no MJPEG track")

// RTSPCamera reads an MJPEG feed from a network camera over RTSP. The
// region and exposure are recorded but cannot be pushed to the remote
// camera; stills are the latest received frame.
type RTSPCamera struct {
	url    string
	cfg    Config
	logger *zap.Logger
	stopCh chan struct{}

	mu        sync.Mutex
	client    *gortsplib.Client
	stopped   bool
	sink      FrameSink
	recording bool
	latest    []byte
	region    viewport.Region
	exposure  Exposure
}

// NewRTSPCamera validates the URL; Connect starts the session.
func NewRTSPCamera(cfg Config, logger *zap.Logger) (*RTSPCamera, error) {
	if _, err := base.ParseURL(cfg.RTSPURL); err != nil {
		return nil, fmt.Errorf("invalid RTSP URL: %w", err)
	}
	return &RTSPCamera{
		url:      cfg.RTSPURL,
		cfg:      cfg,
		logger:   logger,
		stopCh:   make(chan struct{}),
		region:   viewport.Region{Width: 1, Height: 1},
		exposure: AutoExposure(),
	}, nil
}

// Connect establishes the RTSP session and starts receiving frames.
func (c *RTSPCamera) Connect() error {
	return c.connect()
}

func (c *RTSPCamera) connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return ErrClosed
	}

	client := &gortsplib.Client{
		Transport: func() *gortsplib.Transport {
			t := gortsplib.TransportTCP
			return &t
		}(),
		ReadTimeout:  c.cfg.ConnectTimeout,
		WriteTimeout: c.cfg.ConnectTimeout,
		OnDecodeError: func(err error) {
			c.logger.Debug("RTSP decode error", zap.Error(err))
		},
	}

	u, err := base.ParseURL(c.url)
	if err != nil {
		return err
	}

	if err := client.Start(u.Scheme, u.Host); err != nil {
		return fmt.Errorf("failed to connect to RTSP server: %w", err)
	}

	desc, _, err := client.Describe(u)
	if err != nil {
		client.Close()
		return fmt.Errorf("failed to describe stream: %w", err)
	}

	var forma *format.MJPEG
	media := desc.FindFormat(&forma)
	if media == nil {
		client.Close()
		return ErrNoMJPEG
	}

	decoder, err := forma.CreateDecoder()
	if err != nil {
		client.Close()
		return fmt.Errorf("failed to create MJPEG decoder: %w", err)
	}

	if _, err := client.Setup(desc.BaseURL, media, 0, 0); err != nil {
		client.Close()
		return fmt.Errorf("failed to set up MJPEG track: %w", err)
	}

	client.OnPacketRTP(media, forma, func(pkt *rtp.Packet) {
		frame, err := decoder.Decode(pkt)
		if err != nil {
			// Fragment of a frame still being reassembled.
			return
		}
		c.deliver(frame)
	})

	if _, err := client.Play(nil); err != nil {
		client.Close()
		return fmt.Errorf("failed to start playback: %w", err)
	}

	c.client = client
	c.logger.Info("RTSP connected", zap.String("url", c.url))

	go c.monitorConnection(client)
	return nil
}

func (c *RTSPCamera) deliver(frame []byte) {
	c.mu.Lock()
	c.latest = frame
	sink, recording := c.sink, c.recording
	c.mu.Unlock()

	if recording && sink != nil {
		sink.Publish(frame)
	}
}

// monitorConnection watches for disconnection and reconnects with
// exponential backoff.
func (c *RTSPCamera) monitorConnection(client *gortsplib.Client) {
	err := client.Wait()

	select {
	case <-c.stopCh:
		return
	default:
	}

	if err != nil {
		c.logger.Warn("RTSP connection lost", zap.Error(err))
	}
	c.reconnect()
}

// reconnect retries connect until it succeeds or the camera is closed.
func (c *RTSPCamera) reconnect() {
	for attempt := 1; ; attempt++ {
		delay := min(time.Duration(1<<uint(attempt-1))*time.Second, 30*time.Second)
		c.logger.Info("RTSP reconnecting", zap.Int("attempt", attempt), zap.Duration("delay", delay))

		select {
		case <-c.stopCh:
			return
		case <-time.After(delay):
		}

		if err := c.connect(); err != nil {
			c.logger.Warn("RTSP reconnect failed", zap.Error(err))
			continue
		}
		return
	}
}

// StartRecording forwards received frames to sink.
func (c *RTSPCamera) StartRecording(sink FrameSink) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return ErrClosed
	}
	c.sink = sink
	c.recording = true
	return nil
}

// StopRecording stops forwarding frames. The session keeps running so
// stills remain available.
func (c *RTSPCamera) StopRecording() error {
	c.mu.Lock()
	c.recording = false
	c.sink = nil
	c.mu.Unlock()
	return nil
}

// Recording reports whether frames are forwarded.
func (c *RTSPCamera) Recording() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recording
}

// Capture returns the most recent frame.
func (c *RTSPCamera) Capture(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return nil, ErrClosed
	}
	if len(c.latest) == 0 {
		return nil, ErrNoFrame
	}
	out := make([]byte, len(c.latest))
	copy(out, c.latest)
	return out, nil
}

// SetRegion records the region of interest.
func (c *RTSPCamera) SetRegion(r viewport.Region) {
	c.mu.Lock()
	c.region = r
	c.mu.Unlock()
}

// SetExposure records exposure settings.
func (c *RTSPCamera) SetExposure(e Exposure) {
	c.mu.Lock()
	c.exposure = e
	c.mu.Unlock()
}

// Exposure returns the recorded exposure.
func (c *RTSPCamera) Exposure() Exposure {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exposure
}

// Close ends the session and stops reconnecting.
func (c *RTSPCamera) Close() error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	c.recording = false
	client := c.client
	c.mu.Unlock()

	close(c.stopCh)
	if client != nil {
		client.Close()
	}
	return nil
}

var _ Device = (*RTSPCamera)(nil)
