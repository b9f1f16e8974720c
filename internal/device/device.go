// Package device is the control surface of the imaging device. It ties the
// camera, the turntable hardware, the viewport, the live stream, the still
// cache and the persisted settings together, and is the only place that
// changes the camera mode.
package device

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"

	"go.uber.org/zap"

	"rotacam/internal/actuator"
	"rotacam/internal/camera"
	"rotacam/internal/config"
	"rotacam/internal/hardware"
	"rotacam/internal/still"
	"rotacam/internal/stream"
	"rotacam/internal/viewport"
)

// ExposureKind selects a stored exposure or the automatic one.
type ExposureKind string

const (
	ExposureDay   ExposureKind = "day"
	ExposureNight ExposureKind = "night"
	ExposureAuto  ExposureKind = "auto"
	ExposureLive  ExposureKind = "live"
)

// ErrUnknownKind is returned for exposure kinds a request may not name.
var ErrUnknownKind = errors.New("device: unknown exposure kind")

// Status is the device state shown on the index page.
type Status struct {
	Name     string          `json:"name"`
	Live     bool            `json:"live"`
	LED      bool            `json:"led"`
	Focus    int             `json:"focus"`
	Viewport viewport.State  `json:"viewport"`
	Exposure camera.Exposure `json:"exposure"`
	Stills   map[string]bool `json:"stills"`
}

// Device is the control surface.
type Device struct {
	camera   camera.Device
	hw       hardware.Driver
	act      *actuator.Actuator
	view     *viewport.Viewport
	frames   *stream.Broadcaster
	stills   *still.Cache
	settings *config.Settings
	logger   *zap.Logger

	mu   sync.Mutex
	live bool
}

// New creates the device. The viewport pushes its region to cam.
func New(cam camera.Device, hw hardware.Driver, act *actuator.Actuator, frames *stream.Broadcaster,
	settings *config.Settings, logger *zap.Logger) *Device {
	return &Device{
		camera:   cam,
		hw:       hw,
		act:      act,
		view:     viewport.New(cam),
		frames:   frames,
		stills:   still.NewCache(cam),
		settings: settings,
		logger:   logger,
	}
}

// Init restores the persisted focus and starts the live view.
func (d *Device) Init() error {
	if err := d.hw.Focus(d.settings.Get().Focus); err != nil {
		d.logger.Warn("failed to restore focus", zap.Error(err))
	}
	_, err := d.SetLive(true)
	return err
}

// Viewport returns the pan/zoom state holder.
func (d *Device) Viewport() *viewport.Viewport { return d.view }

// Frames returns the live frame broadcaster.
func (d *Device) Frames() *stream.Broadcaster { return d.frames }

// Stills returns the day/night still cache.
func (d *Device) Stills() *still.Cache { return d.stills }

// Actuator returns the turntable actuator.
func (d *Device) Actuator() *actuator.Actuator { return d.act }

// Settings returns the persisted settings.
func (d *Device) Settings() *config.Settings { return d.settings }

// Camera returns the camera.
func (d *Device) Camera() camera.Device { return d.camera }

// Live reports whether the live view is on.
func (d *Device) Live() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.live
}

// SetLive switches the live view inside the hardware exclusivity domain and
// reports whether the state changed.
func (d *Device) SetLive(on bool) (changed bool, err error) {
	err = d.act.Do(func() error {
		d.mu.Lock()
		defer d.mu.Unlock()
		if d.live == on {
			return nil
		}
		if on {
			if err := d.camera.StartRecording(d.frames); err != nil {
				return fmt.Errorf("start live view: %w", err)
			}
		} else if err := d.camera.StopRecording(); err != nil {
			return fmt.Errorf("stop live view: %w", err)
		}
		d.live = on
		changed = true
		return nil
	})
	if changed {
		d.logger.Info("live view switched", zap.Bool("on", on))
	}
	return changed, err
}

// SwitchLive is the user facing live toggle. A change resets the viewport
// to the full frame and switching on restores automatic exposure.
func (d *Device) SwitchLive(on bool) error {
	changed, err := d.SetLive(on)
	if err != nil {
		return err
	}
	if changed {
		d.view.Reset()
	}
	if on {
		d.camera.SetExposure(camera.AutoExposure())
	}
	return nil
}

// SetLED switches the illumination.
func (d *Device) SetLED(on bool) error {
	if err := d.hw.SetLED(on); err != nil {
		return fmt.Errorf("set LED: %w", err)
	}
	return nil
}

// SetFocus clamps value, moves the focus and persists it.
func (d *Device) SetFocus(value int) (int, error) {
	value = config.Clamp(value, config.MinFocus, config.MaxFocus)
	if err := d.hw.Focus(value); err != nil {
		return value, fmt.Errorf("set focus: %w", err)
	}
	if err := d.settings.Update(func(v *config.Values) { v.Focus = value }); err != nil {
		return value, err
	}
	return value, nil
}

// SetShutter applies a shutter speed in microseconds to the camera.
func (d *Device) SetShutter(kind ExposureKind, us int) (int, error) {
	switch kind {
	case ExposureDay, ExposureNight, ExposureLive:
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	us = config.Clamp(us, config.MinShutter, config.MaxShutter)
	e := d.camera.Exposure()
	e.ShutterSpeed = us
	d.camera.SetExposure(e)
	return us, nil
}

// ApplyExposure switches the camera to the stored day or night exposure, or
// back to automatic. Day and night switch the LED on.
func (d *Device) ApplyExposure(kind ExposureKind) error {
	v := d.settings.Get()
	switch kind {
	case ExposureDay:
		d.camera.SetExposure(camera.Exposure{ShutterSpeed: v.DayShutter, ISO: v.DayISO, Mode: camera.ModeFixed})
	case ExposureNight:
		d.camera.SetExposure(camera.Exposure{ShutterSpeed: v.NightShutter, ISO: v.NightISO, Mode: camera.ModeFixed})
	case ExposureAuto:
		d.camera.SetExposure(camera.AutoExposure())
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	return d.SetLED(true)
}

// StoreExposure persists new exposure values for slot. A nil argument keeps
// the stored value; shutter is given in seconds.
func (d *Device) StoreExposure(slot still.Slot, shutterSeconds *float64, iso *int) error {
	return d.settings.Update(func(v *config.Values) {
		if shutterSeconds != nil {
			us := shutterMicros(*shutterSeconds)
			if slot == still.Day {
				v.DayShutter = us
			} else {
				v.NightShutter = us
			}
		}
		if iso != nil {
			i := config.Clamp(*iso, config.MinISO, config.MaxISO)
			if slot == still.Day {
				v.DayISO = i
			} else {
				v.NightISO = i
			}
		}
	})
}

// shutterMicros converts seconds to microseconds clamped to the shutter
// range. The clamp happens before the integer conversion so huge or
// infinite values cannot overflow.
func shutterMicros(seconds float64) int {
	us := seconds * 1_000_000
	switch {
	case math.IsNaN(us) || us < config.MinShutter:
		return config.MinShutter
	case us > config.MaxShutter:
		return config.MaxShutter
	}
	return int(us)
}

// GrabExposure applies the stored exposure for slot and captures a still
// into it.
func (d *Device) GrabExposure(ctx context.Context, slot still.Slot) error {
	if err := d.ApplyExposure(ExposureKind(slot)); err != nil {
		return err
	}
	return d.stills.Capture(ctx, slot)
}

// PreviewExposure shows the stored exposure for slot on the live view.
func (d *Device) PreviewExposure(slot still.Slot) error {
	if err := d.ApplyExposure(ExposureKind(slot)); err != nil {
		return err
	}
	_, err := d.SetLive(true)
	return err
}

// SetCalibration persists the start-position calibration.
func (d *Device) SetCalibration(value int) (int, error) {
	value = config.Clamp(value, 0, config.MaxCalibration)
	err := d.settings.Update(func(v *config.Values) { v.Calibration = value })
	return value, err
}

// Calibration returns the persisted start-position calibration.
func (d *Device) Calibration() int {
	return d.settings.Get().Calibration
}

// PrepareExperiment turns the live view off and zooms out fully.
func (d *Device) PrepareExperiment() error {
	if _, err := d.SetLive(false); err != nil {
		return err
	}
	roi := viewport.MaxROI
	d.view.Set(nil, nil, &roi)
	return nil
}

// Status returns a snapshot for the index page.
func (d *Device) Status() Status {
	v := d.settings.Get()
	st := Status{
		Name:     v.Name,
		Live:     d.Live(),
		LED:      d.hw.LED(),
		Focus:    v.Focus,
		Viewport: d.view.State(),
		Exposure: d.camera.Exposure(),
		Stills:   make(map[string]bool, 2),
	}
	for _, slot := range []still.Slot{still.Day, still.Night} {
		_, ok := d.stills.Get(slot)
		st.Stills[string(slot)] = ok
	}
	return st
}

// ShutterSeconds returns the realized shutter of the still in slot in
// seconds, or nil when the slot is empty.
func (d *Device) ShutterSeconds(slot still.Slot) *float64 {
	us := d.stills.Shutter(slot)
	if us == 0 {
		return nil
	}
	s := float64(us) / 1_000_000
	return &s
}

// Close stops the live view, waits for pending rotations and releases the
// hardware.
func (d *Device) Close() error {
	if _, err := d.SetLive(false); err != nil {
		d.logger.Warn("failed to stop live view", zap.Error(err))
	}
	d.act.Wait()
	camErr := d.camera.Close()
	hwErr := d.hw.Close()
	if camErr != nil {
		return camErr
	}
	return hwErr
}
