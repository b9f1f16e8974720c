package hardware

import (
	"errors"
	"sync"
	"time"
)

// Interval is one energized period of the simulated motor.
type Interval struct {
	On  time.Time
	Off time.Time
}

// SimDriver is an in-memory Driver used for development without a board
// and by tests. It tracks the turntable position and every energized
// interval.
type SimDriver struct {
	mu        sync.Mutex
	energized bool
	onSince   time.Time
	intervals []Interval
	position  int
	steps     int
	ledOn     bool
	focus     int
	stepErr   error
	stepPanic bool
}

// NewSimDriver creates a simulator at the start position.
func NewSimDriver() *SimDriver {
	return &SimDriver{}
}

// FailSteps makes the next HalfStep and FindStart calls return err. nil
// clears it.
func (s *SimDriver) FailSteps(err error) {
	s.mu.Lock()
	s.stepErr = err
	s.mu.Unlock()
}

// PanicSteps makes the next HalfStep calls panic.
func (s *SimDriver) PanicSteps(on bool) {
	s.mu.Lock()
	s.stepPanic = on
	s.mu.Unlock()
}

// MotorOn records the energized state.
func (s *SimDriver) MotorOn(on bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	switch {
	case on && !s.energized:
		s.energized = true
		s.onSince = now
	case !on && s.energized:
		s.energized = false
		s.intervals = append(s.intervals, Interval{On: s.onSince, Off: now})
	}
	return nil
}

// HalfStep advances the simulated position.
func (s *SimDriver) HalfStep(steps int, delay time.Duration) error {
	s.mu.Lock()
	err, doPanic, energized := s.stepErr, s.stepPanic, s.energized
	s.mu.Unlock()

	if doPanic {
		panic("sim: stepper fault")
	}
	if err != nil {
		return err
	}
	if !energized {
		return errors.New("sim: stepping with motor off")
	}
	for i := 0; i < steps; i++ {
		time.Sleep(delay)
		s.mu.Lock()
		s.position = (s.position + 1) % StepsPerRevolution
		s.steps++
		s.mu.Unlock()
	}
	return nil
}

// FindStart moves to position 0 plus calibration.
func (s *SimDriver) FindStart(calibration int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.energized {
		return errors.New("sim: seeking with motor off")
	}
	if s.stepErr != nil {
		return s.stepErr
	}
	s.position = calibration % StepsPerRevolution
	return nil
}

// SetLED records the LED state.
func (s *SimDriver) SetLED(on bool) error {
	s.mu.Lock()
	s.ledOn = on
	s.mu.Unlock()
	return nil
}

// LED reports the LED state.
func (s *SimDriver) LED() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ledOn
}

// Focus records the focus position.
func (s *SimDriver) Focus(value int) error {
	s.mu.Lock()
	s.focus = value
	s.mu.Unlock()
	return nil
}

// FocusValue returns the last focus position.
func (s *SimDriver) FocusValue() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.focus
}

// Energized reports whether the coils are currently powered.
func (s *SimDriver) Energized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.energized
}

// Intervals returns every completed energized interval in order.
func (s *SimDriver) Intervals() []Interval {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Interval, len(s.intervals))
	copy(out, s.intervals)
	return out
}

// Position returns the turntable position in half-steps.
func (s *SimDriver) Position() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.position
}

// Steps returns the total number of half-steps taken.
func (s *SimDriver) Steps() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.steps
}

// Close releases the simulated coils.
func (s *SimDriver) Close() error {
	return s.MotorOn(false)
}

var _ Driver = (*SimDriver)(nil)
