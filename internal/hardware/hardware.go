// Package hardware drives the turntable stepper, the illumination LED and
// the camera focus motor.
package hardware

import (
	"errors"
	"time"
)

// StepsPerRevolution is one full turn of the turntable in half-steps.
const StepsPerRevolution = 400

// ErrStartNotFound is returned when the reference sensor never triggers
// within a full seek.
var ErrStartNotFound = errors.New("hardware: start position not found")

// Motor is the stepper part of the device.
type Motor interface {
	// MotorOn energizes or releases the stepper coils.
	MotorOn(on bool) error

	// HalfStep advances the turntable by steps half-steps, pausing delay
	// between steps.
	HalfStep(steps int, delay time.Duration) error

	// FindStart turns until the reference sensor triggers, then advances
	// calibration more half-steps. calibration 0 means no offset.
	FindStart(calibration int) error
}

// Driver is the complete device hardware.
type Driver interface {
	Motor

	// SetLED switches the illumination LED.
	SetLED(on bool) error

	// LED reports the last LED state set.
	LED() bool

	// Focus moves the focus motor to value.
	Focus(value int) error

	Close() error
}

// Config selects and configures a Driver.
type Config struct {
	// Driver is "gpio" for real pins or "sim" for the simulator.
	Driver string `yaml:"driver"`

	// Coils are the four stepper driver inputs in phase order.
	Coils [4]string `yaml:"coils"`

	// LED is the illumination pin.
	LED string `yaml:"led"`

	// StartSensor is the reference position sensor pin (active low).
	StartSensor string `yaml:"start_sensor"`

	// FocusBus and FocusAddr address the focus motor on I2C.
	FocusBus  string `yaml:"focus_bus"`
	FocusAddr uint16 `yaml:"focus_addr"`

	// SeekDelay is the step pause used while seeking the start position.
	SeekDelay time.Duration `yaml:"seek_delay"`
}

// DefaultConfig returns the pin layout of the reference board.
func DefaultConfig() Config {
	return Config{
		Driver:      "sim",
		Coils:       [4]string{"GPIO20", "GPIO21", "GPIO16", "GPIO26"},
		LED:         "GPIO17",
		StartSensor: "GPIO14",
		FocusBus:    "",
		FocusAddr:   0x0c,
		SeekDelay:   5 * time.Millisecond,
	}
}

// halfStepSequence is the 8-phase half-step coil pattern.
var halfStepSequence = [8][4]bool{
	{true, false, false, false},
	{true, true, false, false},
	{false, true, false, false},
	{false, true, true, false},
	{false, false, true, false},
	{false, false, true, true},
	{false, false, false, true},
	{true, false, false, true},
}
