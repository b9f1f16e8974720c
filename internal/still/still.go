// Package still keeps the most recent full-resolution day and night stills
// together with the shutter speed each was taken with.
package still

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"rotacam/internal/camera"
)

// Slot names a still.
type Slot string

const (
	Day   Slot = "day"
	Night Slot = "night"
)

// ErrUnknownSlot is returned for slot names other than day and night.
var ErrUnknownSlot = errors.New("still: unknown slot")

// ParseSlot validates a slot name.
func ParseSlot(s string) (Slot, error) {
	switch Slot(s) {
	case Day, Night:
		return Slot(s), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownSlot, s)
	}
}

// Camera is the part of the camera a capture needs.
type Camera interface {
	Capture(ctx context.Context) ([]byte, error)
	Exposure() camera.Exposure
}

type entry struct {
	data    []byte
	shutter int
}

// Cache holds one still per slot. Readers always see a complete image and
// the shutter it was taken with.
type Cache struct {
	camera Camera

	mu    sync.RWMutex
	slots map[Slot]entry
}

// NewCache creates an empty cache capturing from cam.
func NewCache(cam Camera) *Cache {
	return &Cache{
		camera: cam,
		slots:  make(map[Slot]entry, 2),
	}
}

// Capture takes a still and stores it in slot, replacing the previous one.
func (c *Cache) Capture(ctx context.Context, slot Slot) error {
	if _, err := ParseSlot(string(slot)); err != nil {
		return err
	}
	data, err := c.camera.Capture(ctx)
	if err != nil {
		return fmt.Errorf("capture %s still: %w", slot, err)
	}
	shutter := c.camera.Exposure().ShutterSpeed

	c.mu.Lock()
	c.slots[slot] = entry{data: data, shutter: shutter}
	c.mu.Unlock()
	return nil
}

// Get returns the still in slot. ok is false when the slot is empty.
func (c *Cache) Get(slot Slot) (data []byte, ok bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.slots[slot]
	if !ok || len(e.data) == 0 {
		return nil, false
	}
	return e.data, true
}

// Shutter returns the realized shutter speed, in microseconds, of the still
// in slot, or zero when the slot is empty.
func (c *Cache) Shutter(slot Slot) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.slots[slot].shutter
}
