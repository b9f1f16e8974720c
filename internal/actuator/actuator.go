// Package actuator serializes every physical movement of the turntable.
//
// All motor work runs inside one exclusivity domain: a rotation or seek
// powers the motor, waits for it to settle, moves, settles again and
// powers it down, and no other actuation may interleave with it. Power-down
// and lock release happen on every exit path.
package actuator

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"rotacam/internal/hardware"
)

// MaxSteps is the largest accepted rotation, one full revolution.
const MaxSteps = hardware.StepsPerRevolution

// ErrFault wraps a panic raised by the hardware driver during a sequence.
var ErrFault = errors.New("actuator: hardware fault")

// Config holds the sequence timing.
type Config struct {
	SettleDelay time.Duration `yaml:"settle_delay"`
	StepDelay   time.Duration `yaml:"step_delay"`
}

// DefaultConfig returns the timing the turntable was tuned for.
func DefaultConfig() Config {
	return Config{
		SettleDelay: 500 * time.Millisecond,
		StepDelay:   30 * time.Millisecond,
	}
}

// Lock is the single hardware exclusivity domain. It is not re-entrant.
type Lock struct {
	mu sync.Mutex
}

// Do runs fn while holding the lock. The lock is released even if fn
// panics.
func (l *Lock) Do(fn func() error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return fn()
}

// Actuator performs rotation and seek sequences under the lock.
type Actuator struct {
	motor  hardware.Motor
	lock   *Lock
	cfg    Config
	logger *zap.Logger

	wg      sync.WaitGroup
	mu      sync.Mutex
	lastErr error
}

// New creates an Actuator for motor. A nil lock gets a private one.
func New(motor hardware.Motor, lock *Lock, cfg Config, logger *zap.Logger) *Actuator {
	if lock == nil {
		lock = &Lock{}
	}
	return &Actuator{
		motor:  motor,
		lock:   lock,
		cfg:    cfg,
		logger: logger,
	}
}

// ValidSteps reports whether steps is an acceptable rotation.
func ValidSteps(steps int) bool {
	return steps > 0 && steps <= MaxSteps
}

// Rotate starts a rotation of steps half-steps in the background and
// reports whether it was accepted. Out-of-range requests are ignored.
// Concurrent rotations queue on the lock.
func (a *Actuator) Rotate(steps int) bool {
	if !ValidSteps(steps) {
		return false
	}
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.RotateAndWait(steps); err != nil {
			a.logger.Error("rotation failed", zap.Int("steps", steps), zap.Error(err))
		}
	}()
	return true
}

// RotateAndWait performs a rotation and returns once the motor is powered
// down again. Out-of-range requests are ignored.
func (a *Actuator) RotateAndWait(steps int) error {
	if !ValidSteps(steps) {
		return nil
	}
	return a.sequence("rotate", func() error {
		return a.motor.HalfStep(steps, a.cfg.StepDelay)
	})
}

// FindStart seeks the reference position. A calibration in (0, MaxSteps)
// is applied after the seek; anything else means a plain seek.
func (a *Actuator) FindStart(calibration int) error {
	if calibration <= 0 || calibration >= MaxSteps {
		calibration = 0
	}
	return a.sequence("find start", func() error {
		return a.motor.FindStart(calibration)
	})
}

// Do runs fn inside the exclusivity domain without touching motor power.
// It is used for camera mode changes that must not race a movement.
func (a *Actuator) Do(fn func() error) error {
	return a.lock.Do(fn)
}

// Wait blocks until every background rotation has finished.
func (a *Actuator) Wait() {
	a.wg.Wait()
}

// LastError returns the error of the most recent failed sequence, if any.
func (a *Actuator) LastError() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastErr
}

func (a *Actuator) sequence(name string, move func() error) error {
	err := a.lock.Do(func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("%s: %w: %v", name, ErrFault, r)
			}
			if offErr := a.motor.MotorOn(false); offErr != nil {
				a.logger.Error("failed to power down motor", zap.String("sequence", name), zap.Error(offErr))
				if err == nil {
					err = fmt.Errorf("%s: power down: %w", name, offErr)
				}
			}
		}()

		if err := a.motor.MotorOn(true); err != nil {
			return fmt.Errorf("%s: power up: %w", name, err)
		}
		time.Sleep(a.cfg.SettleDelay)
		if err := move(); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		time.Sleep(a.cfg.SettleDelay)
		return nil
	})

	a.mu.Lock()
	if err != nil {
		a.lastErr = err
	}
	a.mu.Unlock()
	return err
}
