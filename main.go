package main

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"rotacam/internal/access"
	"rotacam/internal/actuator"
	"rotacam/internal/camera"
	"rotacam/internal/config"
	"rotacam/internal/device"
	"rotacam/internal/experiment"
	"rotacam/internal/hardware"
	"rotacam/internal/logging"
	"rotacam/internal/server"
	"rotacam/internal/stream"
	"rotacam/internal/system"
)

//go:embed web/*
var staticFiles embed.FS

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	flags := pflag.NewFlagSet("rotacam", pflag.ContinueOnError)
	configPath := flags.String("config", "", "YAML configuration file")
	listenAddr := flags.String("listen", "", "HTTP listen address (overrides config)")
	rtspURL := flags.String("rtsp", "", "RTSP URL of an MJPEG network camera (selects the rtsp source)")
	driver := flags.String("driver", "", "hardware driver: gpio or sim (overrides config)")
	dataDir := flags.String("data-dir", "", "directory for settings and experiments (overrides config)")
	logLevel := flags.String("log-level", "", "log level: debug, info, warn, error (overrides config)")
	dev := flags.Bool("dev", false, "development mode: console logging, gin debug output")
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *listenAddr != "" {
		cfg.Server.Listen = *listenAddr
	}
	if *rtspURL != "" {
		cfg.Camera.Source = "rtsp"
		cfg.Camera.RTSPURL = *rtspURL
	}
	if *driver != "" {
		cfg.Hardware.Driver = *driver
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if flags.Changed("dev") {
		cfg.Dev = *dev
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := logging.New(cfg.LogLevel, cfg.Dev)
	if err != nil {
		return err
	}
	defer logger.Sync()

	settings, err := config.OpenSettings(cfg.SettingsPath())
	if err != nil {
		return err
	}

	hw, err := hardware.New(cfg.Hardware, logger.Named("hardware"))
	if err != nil {
		return fmt.Errorf("failed to initialize hardware: %w", err)
	}
	cam, err := camera.New(cfg.Camera, logger.Named("camera"))
	if err != nil {
		hw.Close()
		return fmt.Errorf("failed to initialize camera: %w", err)
	}

	act := actuator.New(hw, nil, cfg.Actuator, logger.Named("actuator"))
	dv := device.New(cam, hw, act, stream.NewBroadcaster(), settings, logger.Named("device"))
	defer dv.Close()
	if err := dv.Init(); err != nil {
		logger.Warn("failed to start live view", zap.Error(err))
	}

	runner := experiment.NewRunner(act, cam, experiment.Options{
		Positions:   cfg.Experiment.Positions,
		Calibration: dv.Calibration,
	}, logger.Named("experiment"))
	defer runner.Stop()

	webFS, err := fs.Sub(staticFiles, "web/static")
	if err != nil {
		return fmt.Errorf("failed to access embedded web files: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := server.New(cfg, server.Deps{
		Device:      dv,
		Gate:        access.NewGate(nil, settings, runner),
		Experiments: runner,
		Power:       system.NewHostPower(logger.Named("power")),
		Exit:        stop,
	}, webFS, logger.Named("server"))

	logger.Info("rotacam starting",
		zap.String("listen", cfg.Server.Listen),
		zap.String("camera", cfg.Camera.Source),
		zap.String("hardware", cfg.Hardware.Driver),
		zap.String("data_dir", cfg.DataDir))

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	timeout := cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		logger.Warn("HTTP shutdown incomplete", zap.Error(err))
	}

	select {
	case err := <-errCh:
		return err
	case <-shutdownCtx.Done():
		return nil
	}
}
