package camera

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"rotacam/internal/viewport"
)

// autoShutter is the shutter speed the simulator settles on in auto mode.
const autoShutter = 20000

// SimCamera renders synthetic frames of a checkerboard sensor. The region
// of interest and exposure visibly affect the output, which makes it useful
// for exercising the full stack without a camera attached.
type SimCamera struct {
	cfg    Config
	logger *zap.Logger

	mu       sync.Mutex
	region   viewport.Region
	exposure Exposure
	sink     FrameSink
	stop     chan struct{}
	done     chan struct{}
	frameNo  uint64
	closed   bool
}

// NewSimCamera creates a simulator with a full-sensor region.
func NewSimCamera(cfg Config, logger *zap.Logger) *SimCamera {
	if cfg.FPS <= 0 {
		cfg.FPS = 10
	}
	if cfg.Quality <= 0 {
		cfg.Quality = 90
	}
	return &SimCamera{
		cfg:      cfg,
		logger:   logger,
		region:   viewport.Region{Width: 1, Height: 1},
		exposure: AutoExposure(),
	}
}

// StartRecording starts the frame loop.
func (c *SimCamera) StartRecording(sink FrameSink) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	c.sink = sink
	if c.stop != nil {
		return nil
	}
	c.stop = make(chan struct{})
	c.done = make(chan struct{})
	go c.loop(c.stop, c.done)
	c.logger.Debug("simulated recording started", zap.Int("fps", c.cfg.FPS))
	return nil
}

// StopRecording stops the frame loop and waits for it to exit.
func (c *SimCamera) StopRecording() error {
	c.mu.Lock()
	stop, done := c.stop, c.done
	c.stop, c.done, c.sink = nil, nil, nil
	c.mu.Unlock()

	if stop == nil {
		return nil
	}
	close(stop)
	<-done
	return nil
}

// Recording reports whether the frame loop runs.
func (c *SimCamera) Recording() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stop != nil
}

// Capture renders one still at still resolution.
func (c *SimCamera) Capture(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.frameNo++
	n, region, exp := c.frameNo, c.region, c.realizedLocked()
	c.mu.Unlock()

	return render(c.cfg.StillWidth, c.cfg.StillHeight, n, region, exp, c.cfg.Quality)
}

// SetRegion sets the region of interest.
func (c *SimCamera) SetRegion(r viewport.Region) {
	c.mu.Lock()
	c.region = r
	c.mu.Unlock()
}

// SetExposure applies exposure settings.
func (c *SimCamera) SetExposure(e Exposure) {
	c.mu.Lock()
	c.exposure = e
	c.mu.Unlock()
}

// Exposure returns the realized exposure.
func (c *SimCamera) Exposure() Exposure {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.realizedLocked()
}

// Close stops recording and rejects further use.
func (c *SimCamera) Close() error {
	err := c.StopRecording()
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return err
}

func (c *SimCamera) realizedLocked() Exposure {
	e := c.exposure
	if e.ShutterSpeed == 0 {
		e.ShutterSpeed = autoShutter
	}
	return e
}

func (c *SimCamera) loop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(time.Second / time.Duration(c.cfg.FPS))
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		c.mu.Lock()
		c.frameNo++
		n, region, exp, sink := c.frameNo, c.region, c.realizedLocked(), c.sink
		c.mu.Unlock()

		frame, err := render(c.cfg.LiveWidth, c.cfg.LiveHeight, n, region, exp, c.cfg.Quality)
		if err != nil {
			c.logger.Warn("failed to render frame", zap.Error(err))
			continue
		}
		if sink != nil {
			sink.Publish(frame)
		}
	}
}

// render draws the visible part of a 10x10 checkerboard sensor plus a
// caption and encodes it as JPEG.
func render(w, h int, n uint64, region viewport.Region, exp Exposure, quality int) ([]byte, error) {
	if w <= 0 || h <= 0 {
		w, h = 640, 480
	}
	img := image.NewRGBA(image.Rect(0, 0, w, h))

	gain := float64(exp.ShutterSpeed) / autoShutter
	if gain > 1 {
		gain = 1
	}
	if gain < 0.1 {
		gain = 0.1
	}
	shift := int(n % 256)

	for y := 0; y < h; y++ {
		sy := region.Top + region.Height*float64(y)/float64(h)
		for x := 0; x < w; x++ {
			sx := region.Left + region.Width*float64(x)/float64(w)
			cell := (int(sx*10) + int(sy*10)) % 2
			base := uint8(60 + 140*cell)
			img.SetRGBA(x, y, color.RGBA{
				R: uint8(float64(base) * gain),
				G: uint8(float64(uint8(int(base)+shift)) * gain),
				B: uint8(float64(255-base) * gain),
				A: 255,
			})
		}
	}

	d := &font.Drawer{
		Dst:  img,
		Src:  image.White,
		Face: basicfont.Face7x13,
		Dot:  fixed.P(8, 20),
	}
	d.DrawString(fmt.Sprintf("#%d roi=%.2f shutter=%dus", n, region.Width, exp.ShutterSpeed))

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("failed to encode frame: %w", err)
	}
	return buf.Bytes(), nil
}

var _ Device = (*SimCamera)(nil)
