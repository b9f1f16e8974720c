// Package camera provides the camera sources the device can run on.
//
// A Device records a live MJPEG feed into a FrameSink while recording, takes
// full-resolution stills on demand, and carries the region-of-interest and
// exposure settings the rest of the system adjusts.
package camera

import (
	"context"
	"errors"
	"time"

	"rotacam/internal/viewport"
)

// Exposure modes.
const (
	ModeAuto  = "auto"
	ModeFixed = "off"
)

// Sentinel errors.
var (
	ErrNotRecording = errors.New("camera: not recording")
	ErrNoFrame      = errors.New("camera: no frame available")
	ErrClosed       = errors.New("camera: closed")
)

// Exposure is the camera exposure configuration. ShutterSpeed is in
// microseconds, zero meaning automatic; ISO zero means automatic gain.
type Exposure struct {
	ShutterSpeed int    `json:"shutter_speed"`
	ISO          int    `json:"iso"`
	Mode         string `json:"mode"`
}

// AutoExposure is the default automatic exposure.
func AutoExposure() Exposure {
	return Exposure{Mode: ModeAuto}
}

// FrameSink receives encoded JPEG frames while recording.
type FrameSink interface {
	Publish(frame []byte) bool
}

// Device is a camera the device controls.
type Device interface {
	// StartRecording starts delivering live frames to sink. Starting an
	// already recording device replaces the sink.
	StartRecording(sink FrameSink) error

	// StopRecording stops live delivery.
	StopRecording() error

	// Recording reports whether live frames are being delivered.
	Recording() bool

	// Capture returns one full-resolution JPEG still.
	Capture(ctx context.Context) ([]byte, error)

	// SetRegion sets the capture region of interest.
	SetRegion(r viewport.Region)

	// SetExposure applies exposure settings.
	SetExposure(e Exposure)

	// Exposure returns the realized exposure. In automatic mode the shutter
	// speed is the value the camera actually chose.
	Exposure() Exposure

	Close() error
}

// Config selects and configures the camera source.
type Config struct {
	// Source is "sim" or "rtsp".
	Source  string `yaml:"source"`
	RTSPURL string `yaml:"rtsp_url"`

	FPS         int `yaml:"fps"`
	LiveWidth   int `yaml:"live_width"`
	LiveHeight  int `yaml:"live_height"`
	StillWidth  int `yaml:"still_width"`
	StillHeight int `yaml:"still_height"`
	Quality     int `yaml:"quality"`

	// ConnectTimeout bounds RTSP reads and writes.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// DefaultConfig returns the live and still geometry of the reference
// camera.
func DefaultConfig() Config {
	return Config{
		Source:         "sim",
		FPS:            10,
		LiveWidth:      1024,
		LiveHeight:     768,
		StillWidth:     2592,
		StillHeight:    1944,
		Quality:        90,
		ConnectTimeout: 10 * time.Second,
	}
}
