package camera

import (
	"fmt"

	"go.uber.org/zap"
)

// New creates the camera selected by cfg.Source. An RTSP camera that fails
// to connect is still returned so it can reconnect in the background.
func New(cfg Config, logger *zap.Logger) (Device, error) {
	switch cfg.Source {
	case "", "sim":
		return NewSimCamera(cfg, logger), nil
	case "rtsp":
		c, err := NewRTSPCamera(cfg, logger)
		if err != nil {
			return nil, err
		}
		if err := c.Connect(); err != nil {
			logger.Warn("failed to connect to RTSP camera", zap.Error(err))
			go c.reconnect()
		}
		return c, nil
	default:
		return nil, fmt.Errorf("unknown camera source %q", cfg.Source)
	}
}
