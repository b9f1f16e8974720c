// Package experiment runs unattended time-lapse experiments.
//
// An experiment repeats a cycle every Delay until Duration has elapsed: the
// turntable seeks its start position, then stops at each of the configured
// positions and one still is written to the experiment directory per stop.
// While an experiment runs it owns the hardware.
package experiment

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"rotacam/internal/actuator"
)

// Defaults applied to zero-valued Params.
const (
	DefaultDuration = 7 * 24 * time.Hour
	DefaultDelay    = 60 * time.Minute
)

// ErrRunning is returned when starting while an experiment is running.
var ErrRunning = errors.New("experiment: already running")

// Turntable is the actuation an experiment needs.
type Turntable interface {
	FindStart(calibration int) error
	RotateAndWait(steps int) error
	Do(fn func() error) error
}

// Camera takes the stills.
type Camera interface {
	Capture(ctx context.Context) ([]byte, error)
}

// Params describe one experiment.
type Params struct {
	Duration time.Duration
	Delay    time.Duration
	Dir      string
}

// Status is a snapshot of the runner.
type Status struct {
	Running      bool          `json:"running"`
	Dir          string        `json:"directory"`
	Start        time.Time     `json:"start_time"`
	End          time.Time     `json:"end_time"`
	Delay        time.Duration `json:"delay"`
	Duration     time.Duration `json:"duration"`
	Cycles       int           `json:"cycles"`
	Shots        int           `json:"shots"`
	PlannedShots int           `json:"planned_shots"`
	LastCapture  string        `json:"last_capture,omitempty"`
	LastError    string        `json:"last_error,omitempty"`
}

// Options configure a Runner.
type Options struct {
	// Positions is the number of stops per revolution.
	Positions int

	// Calibration returns the start-position calibration for each seek.
	Calibration func() int
}

// Runner owns the experiment lifecycle.
type Runner struct {
	table  Turntable
	camera Camera
	opts   Options
	logger *zap.Logger

	mu     sync.Mutex
	status Status
	cancel context.CancelFunc
	done   chan struct{}
}

// NewRunner creates an idle runner.
func NewRunner(table Turntable, cam Camera, opts Options, logger *zap.Logger) *Runner {
	if opts.Positions <= 0 {
		opts.Positions = 1
	}
	if opts.Calibration == nil {
		opts.Calibration = func() int { return 0 }
	}
	return &Runner{
		table:  table,
		camera: cam,
		opts:   opts,
		logger: logger,
	}
}

// CleanDir turns a user supplied directory name into a single path
// element below base.
func CleanDir(base, name string) string {
	name = strings.ReplaceAll(strings.TrimSpace(name), "/", "-")
	if name == "" || name == "." || name == ".." {
		return base
	}
	return filepath.Join(base, name)
}

// PlannedShots is the number of stills a full experiment takes.
func PlannedShots(duration, delay time.Duration, positions int) int {
	if delay <= 0 {
		return 0
	}
	return (int(duration/delay) + 1) * positions
}

// Running reports whether an experiment is in progress.
func (r *Runner) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status.Running
}

// Status returns a snapshot of the current or last experiment.
func (r *Runner) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// LastCapture returns the path of the most recent still, or "".
func (r *Runner) LastCapture() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status.LastCapture
}

// Start begins an experiment in the background.
func (r *Runner) Start(p Params) error {
	if p.Duration <= 0 {
		p.Duration = DefaultDuration
	}
	if p.Delay <= 0 {
		p.Delay = DefaultDelay
	}
	if p.Dir == "" {
		return errors.New("experiment: directory is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status.Running {
		return ErrRunning
	}
	if err := os.MkdirAll(p.Dir, 0o755); err != nil {
		return fmt.Errorf("failed to create experiment directory: %w", err)
	}

	now := time.Now()
	r.status = Status{
		Running:      true,
		Dir:          p.Dir,
		Start:        now,
		End:          now.Add(p.Duration),
		Delay:        p.Delay,
		Duration:     p.Duration,
		PlannedShots: PlannedShots(p.Duration, p.Delay, r.opts.Positions),
	}

	if r.cancel != nil {
		r.cancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.done = make(chan struct{})
	go r.run(ctx, r.done, r.status)

	r.logger.Info("experiment started",
		zap.String("dir", p.Dir),
		zap.Duration("duration", p.Duration),
		zap.Duration("delay", p.Delay))
	return nil
}

// Stop ends the running experiment and waits for the current cycle step
// to finish. It is a no-op when nothing runs.
func (r *Runner) Stop() {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel, r.done = nil, nil
	r.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (r *Runner) run(ctx context.Context, done chan struct{}, st Status) {
	defer close(done)
	defer func() {
		r.mu.Lock()
		r.status.Running = false
		r.mu.Unlock()
		r.logger.Info("experiment finished", zap.String("dir", st.Dir))
	}()

	next := st.Start
	for {
		if err := r.cycle(ctx, st.Dir); err != nil {
			if ctx.Err() != nil {
				return
			}
			r.logger.Error("experiment cycle failed", zap.Error(err))
			r.setError(err)
		}

		next = next.Add(st.Delay)
		if next.After(st.End) {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Until(next)):
		}
	}
}

func (r *Runner) cycle(ctx context.Context, dir string) error {
	if err := r.table.FindStart(r.opts.Calibration()); err != nil {
		return fmt.Errorf("find start: %w", err)
	}

	stamp := time.Now().Format("20060102-150405")
	steps := actuator.MaxSteps / r.opts.Positions
	for pos := 0; pos < r.opts.Positions; pos++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		path := filepath.Join(dir, fmt.Sprintf("%s-pos%d.jpg", stamp, pos))
		err := r.table.Do(func() error {
			frame, err := r.camera.Capture(ctx)
			if err != nil {
				return err
			}
			return os.WriteFile(path, frame, 0o644)
		})
		if err != nil {
			r.logger.Warn("capture failed", zap.Int("position", pos), zap.Error(err))
			r.setError(err)
		} else {
			r.mu.Lock()
			r.status.Shots++
			r.status.LastCapture = path
			r.mu.Unlock()
		}

		if pos < r.opts.Positions-1 {
			if err := r.table.RotateAndWait(steps); err != nil {
				return fmt.Errorf("rotate to position %d: %w", pos+1, err)
			}
		}
	}

	r.mu.Lock()
	r.status.Cycles++
	r.mu.Unlock()
	return nil
}

func (r *Runner) setError(err error) {
	r.mu.Lock()
	r.status.LastError = err.Error()
	r.mu.Unlock()
}
