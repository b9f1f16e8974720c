package system

import (
	"context"
	"fmt"
	"os/exec"

	"go.uber.org/zap"
)

// Power performs host power actions.
type Power interface {
	Reboot(ctx context.Context) error
	Shutdown(ctx context.Context) error
}

// HostPower runs shutdown(8) through sudo.
type HostPower struct {
	logger *zap.Logger
}

// NewHostPower creates a HostPower.
func NewHostPower(logger *zap.Logger) *HostPower {
	return &HostPower{logger: logger}
}

// Reboot starts a reboot and returns without waiting for it.
func (p *HostPower) Reboot(ctx context.Context) error {
	return p.run(ctx, "-r")
}

// Shutdown halts the host.
func (p *HostPower) Shutdown(ctx context.Context) error {
	return p.run(ctx, "-h")
}

func (p *HostPower) run(ctx context.Context, mode string) error {
	cmd := exec.CommandContext(ctx, "sudo", "shutdown", mode, "now")
	p.logger.Info("running power action", zap.String("cmd", cmd.String()))
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("shutdown %s: %w", mode, err)
	}
	go func() {
		if err := cmd.Wait(); err != nil {
			p.logger.Error("power action failed", zap.String("mode", mode), zap.Error(err))
		}
	}()
	return nil
}
