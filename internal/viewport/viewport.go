// Package viewport keeps the pan/zoom region of interest over the camera
// sensor. All coordinates are fractions of the sensor edge, so the full
// sensor is the unit square.
package viewport

import "sync"

// Limits for the region-of-interest edge length.
const (
	MinROI = 0.2
	MaxROI = 1.0
)

// Region is a capture rectangle in sensor fractions. The row coordinate
// (Top) comes first, matching the driver's row-major region convention.
type Region struct {
	Top    float64
	Left   float64
	Width  float64
	Height float64
}

// RegionSetter is the part of the camera the viewport drives.
type RegionSetter interface {
	SetRegion(r Region)
}

// State is a snapshot of the viewport.
type State struct {
	X   float64 `json:"x"`
	Y   float64 `json:"y"`
	ROI float64 `json:"roi"`
}

// Rect returns the viewport rectangle as (x0, y0, x1, y1).
func (s State) Rect() (x0, y0, x1, y1 float64) {
	h := s.ROI / 2
	return s.X - h, s.Y - h, s.X + h, s.Y + h
}

// Region returns the camera capture region for the state.
func (s State) Region() Region {
	return Region{
		Top:    s.Y - s.ROI/2,
		Left:   s.X - s.ROI/2,
		Width:  s.ROI,
		Height: s.ROI,
	}
}

// Viewport holds the current pan/zoom state and pushes every change to the
// camera.
type Viewport struct {
	mu     sync.Mutex
	state  State
	camera RegionSetter
}

// New creates a full-frame viewport centred on the sensor. camera may be nil.
func New(camera RegionSetter) *Viewport {
	return &Viewport{
		state:  State{X: 0.5, Y: 0.5, ROI: 1},
		camera: camera,
	}
}

// Set applies any supplied field, re-clamps and applies the region.
// roi is clamped first because the x/y limits depend on it.
func (v *Viewport) Set(x, y, roi *float64) State {
	v.mu.Lock()
	if x != nil {
		v.state.X = *x
	}
	if y != nil {
		v.state.Y = *y
	}
	if roi != nil {
		v.state.ROI = *roi
	}
	v.state = clampState(v.state)
	st := v.state
	v.mu.Unlock()

	if v.camera != nil {
		v.camera.SetRegion(st.Region())
	}
	return st
}

// Reset restores the full-frame view.
func (v *Viewport) Reset() State {
	x, y, roi := 0.5, 0.5, 1.0
	return v.Set(&x, &y, &roi)
}

// Zoom sets the region of interest from a percentage of the sensor edge.
func (v *Viewport) Zoom(percent int) State {
	roi := float64(percent) / 100
	return v.Set(nil, nil, &roi)
}

// Pan shifts the centre along axis "x" or "y" by delta. Other axes are
// ignored and leave the state untouched.
func (v *Viewport) Pan(axis string, delta float64) State {
	cur := v.State()
	switch axis {
	case "x":
		x := cur.X + delta
		return v.Set(&x, nil, nil)
	case "y":
		y := cur.Y + delta
		return v.Set(nil, &y, nil)
	}
	return cur
}

// State returns the current viewport.
func (v *Viewport) State() State {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.state
}

func clampState(s State) State {
	s.ROI = clamp(s.ROI, MinROI, MaxROI)
	lo, hi := s.ROI/2, 1-s.ROI/2
	s.X = clamp(s.X, lo, hi)
	s.Y = clamp(s.Y, lo, hi)
	return s
}

func clamp(v, min, max float64) float64 {
	if v != v { // NaN
		return min
	}
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
