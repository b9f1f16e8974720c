package hardware

import (
	"fmt"

	"go.uber.org/zap"
)

// New builds the driver selected by cfg.Driver.
func New(cfg Config, logger *zap.Logger) (Driver, error) {
	switch cfg.Driver {
	case "", "sim":
		logger.Info("using simulated hardware")
		return NewSimDriver(), nil
	case "gpio":
		return NewGPIODriver(cfg, logger)
	default:
		return nil, fmt.Errorf("unsupported hardware driver: %s", cfg.Driver)
	}
}
