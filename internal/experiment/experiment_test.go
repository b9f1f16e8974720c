package experiment

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"rotacam/internal/actuator"
	"rotacam/internal/hardware"
)

type stillCamera struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (c *stillCamera) Capture(context.Context) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.err != nil {
		return nil, c.err
	}
	return []byte{0xFF, 0xD8, byte(c.calls)}, nil
}

func newTestRunner(t *testing.T, positions int, cam Camera) (*Runner, *hardware.SimDriver) {
	t.Helper()
	drv := hardware.NewSimDriver()
	act := actuator.New(drv, nil, actuator.Config{}, zap.NewNop())
	r := NewRunner(act, cam, Options{
		Positions:   positions,
		Calibration: func() int { return 7 },
	}, zap.NewNop())
	t.Cleanup(r.Stop)
	return r, drv
}

func TestRunner_SingleCycle(t *testing.T) {
	cam := &stillCamera{}
	r, drv := newTestRunner(t, 4, cam)
	dir := filepath.Join(t.TempDir(), "exp")

	// Delay longer than duration: exactly one cycle.
	require.NoError(t, r.Start(Params{Duration: 10 * time.Millisecond, Delay: time.Hour, Dir: dir}))
	require.Eventually(t, func() bool { return !r.Running() }, 2*time.Second, 5*time.Millisecond)

	st := r.Status()
	assert.Equal(t, 1, st.Cycles)
	assert.Equal(t, 4, st.Shots)
	assert.Equal(t, 4, st.PlannedShots)
	assert.Empty(t, st.LastError)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 4)
	assert.Equal(t, dir, filepath.Dir(r.LastCapture()))

	// Seek to calibration, then three moves of a quarter turn.
	assert.Equal(t, 7+3*actuator.MaxSteps/4, drv.Position())
	assert.False(t, drv.Energized())
}

func TestRunner_RepeatsUntilDuration(t *testing.T) {
	r, _ := newTestRunner(t, 2, &stillCamera{})

	require.NoError(t, r.Start(Params{Duration: 60 * time.Millisecond, Delay: 20 * time.Millisecond, Dir: t.TempDir()}))
	require.Eventually(t, func() bool { return !r.Running() }, 2*time.Second, 5*time.Millisecond)

	st := r.Status()
	assert.GreaterOrEqual(t, st.Cycles, 2)
	assert.Equal(t, st.Cycles*2, st.Shots)
}

func TestRunner_StopAndRestart(t *testing.T) {
	r, drv := newTestRunner(t, 2, &stillCamera{})

	require.NoError(t, r.Start(Params{Duration: time.Hour, Delay: time.Hour, Dir: t.TempDir()}))
	assert.True(t, r.Running())
	assert.ErrorIs(t, r.Start(Params{Dir: t.TempDir()}), ErrRunning)

	r.Stop()
	assert.False(t, r.Running())
	assert.False(t, drv.Energized())
	r.Stop()

	require.NoError(t, r.Start(Params{Duration: time.Hour, Delay: time.Hour, Dir: t.TempDir()}))
	assert.True(t, r.Running())
}

func TestRunner_CaptureFailureIsRecorded(t *testing.T) {
	r, _ := newTestRunner(t, 2, &stillCamera{err: errors.New("sensor timeout")})

	require.NoError(t, r.Start(Params{Duration: time.Millisecond, Delay: time.Hour, Dir: t.TempDir()}))
	require.Eventually(t, func() bool { return !r.Running() }, 2*time.Second, 5*time.Millisecond)

	st := r.Status()
	assert.Zero(t, st.Shots)
	assert.Contains(t, st.LastError, "sensor timeout")
	assert.Empty(t, r.LastCapture())
}

func TestRunner_Defaults(t *testing.T) {
	r, _ := newTestRunner(t, 8, &stillCamera{})
	assert.Error(t, r.Start(Params{}))

	require.NoError(t, r.Start(Params{Dir: t.TempDir()}))
	st := r.Status()
	assert.Equal(t, DefaultDuration, st.Duration)
	assert.Equal(t, DefaultDelay, st.Delay)
	assert.Equal(t, (7*24+1)*8, st.PlannedShots)
}

func TestCleanDir(t *testing.T) {
	assert.Equal(t, "/data/a-b", CleanDir("/data", "a/b"))
	assert.Equal(t, "/data", CleanDir("/data", ""))
	assert.Equal(t, "/data", CleanDir("/data", ".."))
	assert.Equal(t, "/data/..-etc", CleanDir("/data", "../etc"))
}
