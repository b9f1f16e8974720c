package still

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rotacam/internal/camera"
)

type fakeCamera struct {
	mu      sync.Mutex
	frame   []byte
	shutter int
	err     error
}

func (f *fakeCamera) Capture(context.Context) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return append([]byte(nil), f.frame...), nil
}

func (f *fakeCamera) Exposure() camera.Exposure {
	f.mu.Lock()
	defer f.mu.Unlock()
	return camera.Exposure{ShutterSpeed: f.shutter, Mode: camera.ModeFixed}
}

func (f *fakeCamera) set(frame []byte, shutter int) {
	f.mu.Lock()
	f.frame, f.shutter = frame, shutter
	f.mu.Unlock()
}

func TestCache_EmptySlots(t *testing.T) {
	c := NewCache(&fakeCamera{})
	_, ok := c.Get(Day)
	assert.False(t, ok)
	_, ok = c.Get(Night)
	assert.False(t, ok)
	assert.Zero(t, c.Shutter(Day))
}

func TestCache_CaptureIntoSlot(t *testing.T) {
	cam := &fakeCamera{}
	c := NewCache(cam)

	cam.set([]byte{0xFF, 0xD8, 1}, 1000)
	require.NoError(t, c.Capture(context.Background(), Day))
	cam.set([]byte{0xFF, 0xD8, 2}, 250000)
	require.NoError(t, c.Capture(context.Background(), Night))

	day, ok := c.Get(Day)
	require.True(t, ok)
	assert.Equal(t, []byte{0xFF, 0xD8, 1}, day)
	assert.Equal(t, 1000, c.Shutter(Day))

	night, ok := c.Get(Night)
	require.True(t, ok)
	assert.Equal(t, []byte{0xFF, 0xD8, 2}, night)
	assert.Equal(t, 250000, c.Shutter(Night))
}

func TestCache_FailedCaptureKeepsPrevious(t *testing.T) {
	cam := &fakeCamera{}
	c := NewCache(cam)

	cam.set([]byte{0xFF, 0xD8, 1}, 1000)
	require.NoError(t, c.Capture(context.Background(), Day))

	cam.err = errors.New("sensor timeout")
	assert.Error(t, c.Capture(context.Background(), Day))

	day, ok := c.Get(Day)
	require.True(t, ok)
	assert.Equal(t, []byte{0xFF, 0xD8, 1}, day)
}

func TestParseSlot(t *testing.T) {
	s, err := ParseSlot("night")
	require.NoError(t, err)
	assert.Equal(t, Night, s)

	_, err = ParseSlot("live")
	assert.ErrorIs(t, err, ErrUnknownSlot)
	assert.ErrorIs(t, NewCache(&fakeCamera{}).Capture(context.Background(), "dusk"), ErrUnknownSlot)
}

func TestCache_ConcurrentReaders(t *testing.T) {
	cam := &fakeCamera{}
	c := NewCache(cam)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			cam.set([]byte{0xFF, 0xD8, byte(i)}, i)
			_ = c.Capture(context.Background(), Day)
		}(i)
		go func() {
			defer wg.Done()
			if data, ok := c.Get(Day); ok {
				assert.Len(t, data, 3)
			}
		}()
	}
	wg.Wait()
}
