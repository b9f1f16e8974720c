package hardware

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"
)

// GPIODriver drives the real board through periph.
type GPIODriver struct {
	cfg    Config
	logger *zap.Logger

	coils  [4]gpio.PinIO
	led    gpio.PinIO
	sensor gpio.PinIO
	bus    i2c.BusCloser
	focus  *i2c.Dev

	mu    sync.Mutex
	phase int
	ledOn bool
}

// NewGPIODriver initializes the host drivers and claims the configured pins.
func NewGPIODriver(cfg Config, logger *zap.Logger) (*GPIODriver, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("failed to initialize host drivers: %w", err)
	}

	d := &GPIODriver{cfg: cfg, logger: logger}

	for i, name := range cfg.Coils {
		pin := gpioreg.ByName(name)
		if pin == nil {
			return nil, fmt.Errorf("unknown coil pin %q", name)
		}
		if err := pin.Out(gpio.Low); err != nil {
			return nil, fmt.Errorf("failed to set coil pin %s as output: %w", name, err)
		}
		d.coils[i] = pin
	}

	d.led = gpioreg.ByName(cfg.LED)
	if d.led == nil {
		return nil, fmt.Errorf("unknown LED pin %q", cfg.LED)
	}
	if err := d.led.Out(gpio.Low); err != nil {
		return nil, fmt.Errorf("failed to set LED pin as output: %w", err)
	}

	d.sensor = gpioreg.ByName(cfg.StartSensor)
	if d.sensor == nil {
		return nil, fmt.Errorf("unknown start sensor pin %q", cfg.StartSensor)
	}
	if err := d.sensor.In(gpio.PullUp, gpio.NoEdge); err != nil {
		return nil, fmt.Errorf("failed to set start sensor as input: %w", err)
	}

	bus, err := i2creg.Open(cfg.FocusBus)
	if err != nil {
		// Boards without a motorized lens still work; focus becomes a no-op.
		logger.Warn("focus bus unavailable", zap.String("bus", cfg.FocusBus), zap.Error(err))
	} else {
		d.bus = bus
		d.focus = &i2c.Dev{Bus: bus, Addr: cfg.FocusAddr}
	}

	return d, nil
}

// MotorOn energizes the current phase or drops all coils.
func (d *GPIODriver) MotorOn(on bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if on {
		return d.writePhase(d.phase)
	}
	for i, pin := range d.coils {
		if err := pin.Out(gpio.Low); err != nil {
			return fmt.Errorf("failed to release coil %d: %w", i, err)
		}
	}
	return nil
}

// HalfStep advances steps half-steps.
func (d *GPIODriver) HalfStep(steps int, delay time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := 0; i < steps; i++ {
		if err := d.step(); err != nil {
			return err
		}
		time.Sleep(delay)
	}
	return nil
}

// FindStart steps until the sensor reads low, then applies calibration.
func (d *GPIODriver) FindStart(calibration int) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	// Leave the sensor window first if we are already sitting in it.
	for i := 0; i < StepsPerRevolution && d.sensor.Read() == gpio.Low; i++ {
		if err := d.step(); err != nil {
			return err
		}
		time.Sleep(d.cfg.SeekDelay)
	}

	found := false
	for i := 0; i < 2*StepsPerRevolution; i++ {
		if d.sensor.Read() == gpio.Low {
			found = true
			break
		}
		if err := d.step(); err != nil {
			return err
		}
		time.Sleep(d.cfg.SeekDelay)
	}
	if !found {
		return ErrStartNotFound
	}

	for i := 0; i < calibration; i++ {
		if err := d.step(); err != nil {
			return err
		}
		time.Sleep(d.cfg.SeekDelay)
	}
	return nil
}

// SetLED switches the LED pin.
func (d *GPIODriver) SetLED(on bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.led.Out(gpio.Level(on)); err != nil {
		return fmt.Errorf("failed to switch LED: %w", err)
	}
	d.ledOn = on
	return nil
}

// LED reports the last LED state.
func (d *GPIODriver) LED() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ledOn
}

// Focus writes the 10-bit lens position to the voice coil driver.
func (d *GPIODriver) Focus(value int) error {
	if d.focus == nil {
		return nil
	}
	v := uint16(value) << 4
	if _, err := d.focus.Write([]byte{byte(v >> 8), byte(v)}); err != nil {
		return fmt.Errorf("failed to write focus position: %w", err)
	}
	return nil
}

// Close releases the coils and the focus bus.
func (d *GPIODriver) Close() error {
	if err := d.MotorOn(false); err != nil {
		d.logger.Warn("failed to release coils on close", zap.Error(err))
	}
	if d.bus != nil {
		return d.bus.Close()
	}
	return nil
}

// step must be called with mu held.
func (d *GPIODriver) step() error {
	d.phase = (d.phase + 1) % len(halfStepSequence)
	return d.writePhase(d.phase)
}

func (d *GPIODriver) writePhase(phase int) error {
	for i, on := range halfStepSequence[phase] {
		if err := d.coils[i].Out(gpio.Level(on)); err != nil {
			return fmt.Errorf("failed to drive coil %d: %w", i, err)
		}
	}
	return nil
}

var _ Driver = (*GPIODriver)(nil)
