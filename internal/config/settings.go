package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

// Limits of the persisted values.
const (
	MinFocus       = 10
	MaxFocus       = 1000
	MinShutter     = 1
	MaxShutter     = 6_000_000
	MinISO         = 50
	MaxISO         = 800
	MaxCalibration = 399
)

// Values is the persisted device state.
type Values struct {
	Name         string `yaml:"name"`
	Password     string `yaml:"password"`
	Focus        int    `yaml:"focus"`
	DayShutter   int    `yaml:"day_shutter"`
	NightShutter int    `yaml:"night_shutter"`
	DayISO       int    `yaml:"day_iso"`
	NightISO     int    `yaml:"night_iso"`
	Calibration  int    `yaml:"calibration"`
}

// DefaultValues are the settings of a freshly installed device.
func DefaultValues() Values {
	return Values{
		Name:         "rotacam",
		Focus:        250,
		DayShutter:   100,
		NightShutter: 50000,
		DayISO:       100,
		NightISO:     100,
		Calibration:  0,
	}
}

// Settings is the settings file. Every update is written back atomically.
type Settings struct {
	path string

	mu     sync.RWMutex
	values Values
}

// OpenSettings loads the settings at path. A missing file yields the
// defaults; it is created on the first update.
func OpenSettings(path string) (*Settings, error) {
	s := &Settings{path: path, values: DefaultValues()}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read settings: %w", err)
	}
	if err := yaml.Unmarshal(data, &s.values); err != nil {
		return nil, fmt.Errorf("failed to parse settings %s: %w", path, err)
	}
	return s, nil
}

// Get returns a snapshot of the settings.
func (s *Settings) Get() Values {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.values
}

// PasswordHash returns the stored credential hash, or "" when no password
// has been set up.
func (s *Settings) PasswordHash() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.values.Password
}

// Update applies fn to the settings and saves them. The in-memory values are
// left unchanged if saving fails.
func (s *Settings) Update(fn func(v *Values)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.values
	fn(&next)
	if err := s.save(next); err != nil {
		return err
	}
	s.values = next
	return nil
}

func (s *Settings) save(v Values) error {
	data, err := yaml.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("failed to create settings directory: %w", err)
	}

	// Write to temp file first, then rename.
	tmpPath := s.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o600); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

// Clamp limits v to [lo, hi].
func Clamp(v, lo, hi int) int {
	return max(lo, min(v, hi))
}
