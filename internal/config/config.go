// Package config loads the daemon configuration and keeps the persistent
// device settings.
//
// The daemon configuration is read once at startup from a YAML file; any
// field the file omits keeps its default. Device settings change at run time
// (password, focus, exposure) and are written back on every change.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"rotacam/internal/actuator"
	"rotacam/internal/camera"
	"rotacam/internal/hardware"
)

// Config is the daemon configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Hardware   hardware.Config  `yaml:"hardware"`
	Actuator   actuator.Config  `yaml:"actuator"`
	Camera     camera.Config    `yaml:"camera"`
	Experiment ExperimentConfig `yaml:"experiment"`

	// DataDir holds the settings file and experiment directories.
	DataDir string `yaml:"data_dir"`

	// SettingsFile is relative to DataDir unless absolute.
	SettingsFile string `yaml:"settings_file"`

	LogLevel string `yaml:"log_level"`
	Dev      bool   `yaml:"dev"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Listen string `yaml:"listen"`

	// WebRTC enables the data channel frame feed on the control socket.
	WebRTC bool `yaml:"webrtc"`

	// ICEServers are STUN/TURN URLs offered to WebRTC viewers.
	ICEServers []string `yaml:"ice_servers"`

	// CookieMaxAge is the lifetime of the session cookie.
	CookieMaxAge time.Duration `yaml:"cookie_max_age"`

	// StreamTimeout is the idle interval of the MJPEG stream.
	StreamTimeout time.Duration `yaml:"stream_timeout"`

	// ShutdownTimeout bounds graceful HTTP shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// ExperimentConfig configures the time-lapse runner.
type ExperimentConfig struct {
	// Positions is the number of turntable stops per cycle.
	Positions int `yaml:"positions"`

	// ShotSizeMB is the expected size of one capture, used for the disk
	// requirement estimate.
	ShotSizeMB float64 `yaml:"shot_size_mb"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return Config{
		Server: ServerConfig{
			Listen:          ":8080",
			WebRTC:          true,
			ICEServers:      []string{"stun:stun.l.google.com:19302"},
			CookieMaxAge:    30 * 24 * time.Hour,
			StreamTimeout:   100 * time.Millisecond,
			ShutdownTimeout: 5 * time.Second,
		},
		Hardware: hardware.DefaultConfig(),
		Actuator: actuator.DefaultConfig(),
		Camera:   camera.DefaultConfig(),
		Experiment: ExperimentConfig{
			Positions:  8,
			ShotSizeMB: 4,
		},
		DataDir:      home,
		SettingsFile: "rotacam.yaml",
		LogLevel:     "info",
	}
}

// Load reads the YAML file at path over the defaults. An empty path returns
// the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks the fields that have no sensible fallback.
func (c Config) Validate() error {
	var errs []error
	if c.Server.Listen == "" {
		errs = append(errs, errors.New("server.listen is required"))
	}
	if c.DataDir == "" {
		errs = append(errs, errors.New("data_dir is required"))
	}
	if c.Experiment.Positions <= 0 || c.Experiment.Positions > actuator.MaxSteps {
		errs = append(errs, fmt.Errorf("experiment.positions must be in 1..%d", actuator.MaxSteps))
	}
	if c.Camera.Source == "rtsp" && c.Camera.RTSPURL == "" {
		errs = append(errs, errors.New("camera.rtsp_url is required for the rtsp source"))
	}
	return errors.Join(errs...)
}

// SettingsPath returns the absolute location of the settings file.
func (c Config) SettingsPath() string {
	if filepath.IsAbs(c.SettingsFile) {
		return c.SettingsFile
	}
	return filepath.Join(c.DataDir, c.SettingsFile)
}
