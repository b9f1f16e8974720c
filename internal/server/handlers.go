package server

import (
	"context"
	"errors"
	"math"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"rotacam/internal/access"
	"rotacam/internal/config"
	"rotacam/internal/device"
	"rotacam/internal/experiment"
	"rotacam/internal/still"
	"rotacam/internal/stream"
	"rotacam/internal/system"
)

func (s *Server) name() string {
	return s.deps.Device.Settings().Get().Name
}

func (s *Server) toIndex(c *gin.Context) {
	redirect(c, "/")
}

// intParam parses a path parameter. Malformed values answer 404 like a
// route that does not exist.
func intParam(c *gin.Context, name string) (int, bool) {
	v, err := strconv.Atoi(c.Param(name))
	if err != nil {
		c.AbortWithStatus(http.StatusNotFound)
		return 0, false
	}
	return v, true
}

func badRequest(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "bad_request", "message": message})
}

func (s *Server) handleIndex(c *gin.Context) {
	if s.deps.Experiments.Running() {
		redirect(c, "/experiment")
		return
	}
	c.JSON(http.StatusOK, s.deps.Device.Status())
}

func (s *Server) handleUnavailable(c *gin.Context) {
	c.JSON(http.StatusConflict, gin.H{
		"error":   "unavailable",
		"message": "The device is busy with an experiment.",
		"name":    s.name(),
	})
}

func (s *Server) handleLogin(c *gin.Context) {
	if c.Request.Method == http.MethodGet {
		c.JSON(http.StatusOK, gin.H{"name": s.name()})
		return
	}

	pwd := c.PostForm("password")
	if !s.deps.Gate.Authorized(pwd) {
		s.logger.Warn("incorrect password in web login", zap.String("ip", c.ClientIP()))
		redirect(c, access.LoginPath)
		return
	}
	s.setSession(c, pwd)
	s.logger.Info("web user logged in", zap.String("ip", c.ClientIP()))
	s.toIndex(c)
}

func (s *Server) handleLogout(c *gin.Context) {
	s.setSession(c, "")
	redirect(c, access.LoginPath)
}

func (s *Server) handleNewPassword(c *gin.Context) {
	if c.Request.Method == http.MethodGet {
		c.JSON(http.StatusOK, gin.H{
			"name":   s.name(),
			"nopass": !s.deps.Gate.PasswordConfigured(),
		})
		return
	}

	if s.deps.Gate.PasswordConfigured() && !s.deps.Gate.Authorized(c.PostForm("currpass")) {
		s.logger.Warn("password change with wrong current password", zap.String("ip", c.ClientIP()))
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": "Current password incorrect."})
		return
	}

	pwd1, pwd2 := c.PostForm("pwd1"), c.PostForm("pwd2")
	if pwd1 == "" || pwd1 != pwd2 {
		s.logger.Warn("password change attempt failed", zap.String("ip", c.ClientIP()))
		badRequest(c, "Passwords do not match.")
		return
	}

	hash := access.HashPassword(pwd1)
	if err := s.deps.Device.Settings().Update(func(v *config.Values) { v.Password = hash }); err != nil {
		s.logger.Error("failed to store password", zap.Error(err))
		internalError(c)
		return
	}
	s.setSession(c, pwd1)
	s.logger.Info("password was changed", zap.String("ip", c.ClientIP()))
	s.toIndex(c)
}

func (s *Server) handleZoom(c *gin.Context) {
	percent, ok := intParam(c, "percent")
	if !ok {
		return
	}
	s.deps.Device.Viewport().Zoom(percent)
	s.toIndex(c)
}

func (s *Server) handlePan(c *gin.Context) {
	delta, err := strconv.ParseFloat(c.Param("delta"), 64)
	if err != nil {
		badRequest(c, "delta must be a number")
		return
	}
	s.deps.Device.Viewport().Pan(c.Param("axis"), delta)
	s.toIndex(c)
}

// onOff maps "on" and "off"; anything else is not a switch request.
func onOff(v string) (on, ok bool) {
	switch v {
	case "on":
		return true, true
	case "off":
		return false, true
	}
	return false, false
}

func (s *Server) handleLive(c *gin.Context) {
	if on, ok := onOff(c.Param("onoff")); ok {
		if err := s.deps.Device.SwitchLive(on); err != nil {
			s.logger.Error("failed to switch live view", zap.Error(err))
			internalError(c)
			return
		}
	}
	s.toIndex(c)
}

func (s *Server) handleLED(c *gin.Context) {
	if on, ok := onOff(c.Param("onoff")); ok {
		if err := s.deps.Device.SetLED(on); err != nil {
			s.logger.Error("failed to switch LED", zap.Error(err))
			internalError(c)
			return
		}
	}
	s.toIndex(c)
}

func (s *Server) handleRotate(c *gin.Context) {
	steps, ok := intParam(c, "steps")
	if !ok {
		return
	}
	s.deps.Device.Actuator().Rotate(steps)
	s.toIndex(c)
}

func (s *Server) handleFindStart(c *gin.Context) {
	calibration := 0
	if c.Param("value") != "" {
		v, ok := intParam(c, "value")
		if !ok {
			return
		}
		calibration = v
	}
	if err := s.deps.Device.Actuator().FindStart(calibration); err != nil {
		s.logger.Error("find start failed", zap.Error(err))
		internalError(c)
		return
	}
	s.toIndex(c)
}

func (s *Server) handleFocus(c *gin.Context) {
	value, ok := intParam(c, "value")
	if !ok {
		return
	}
	if _, err := s.deps.Device.SetFocus(value); err != nil {
		s.logger.Error("failed to set focus", zap.Error(err))
		internalError(c)
		return
	}
	s.toIndex(c)
}

func (s *Server) handleShutter(c *gin.Context) {
	value, ok := intParam(c, "value")
	if !ok {
		return
	}
	if _, err := s.deps.Device.SetShutter(device.ExposureKind(c.Param("kind")), value); err != nil {
		c.AbortWithStatus(http.StatusNotFound)
		return
	}
	s.toIndex(c)
}

type exposurePage struct {
	Name         string   `json:"name"`
	Kind         string   `json:"time"`
	Shutter      float64  `json:"shutter"`
	ISO          int      `json:"iso"`
	DayISO       int      `json:"dayiso"`
	NightISO     int      `json:"nightiso"`
	DayShutter   *float64 `json:"dayshutter"`
	NightShutter *float64 `json:"nightshutter"`
}

func (s *Server) handleExposure(c *gin.Context) {
	slot, err := still.ParseSlot(c.Param("kind"))
	if err != nil {
		c.AbortWithStatus(http.StatusNotFound)
		return
	}
	dev := s.deps.Device

	if c.Request.Method == http.MethodPost {
		var shutter *float64
		if v := c.PostForm("shutter"); v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil || math.IsNaN(f) {
				badRequest(c, "Invalid shutter speed entered. Please enter a number in seconds.")
				return
			}
			shutter = &f
		}
		var iso *int
		if v := c.PostForm("iso"); v != "" {
			i, err := strconv.Atoi(v)
			if err != nil {
				badRequest(c, "Invalid ISO value entered.")
				return
			}
			iso = &i
		}
		if err := dev.StoreExposure(slot, shutter, iso); err != nil {
			s.logger.Error("failed to store exposure", zap.Error(err))
			internalError(c)
			return
		}
		if err := dev.GrabExposure(c.Request.Context(), slot); err != nil {
			s.logger.Error("failed to grab exposure", zap.String("slot", string(slot)), zap.Error(err))
			internalError(c)
			return
		}
	} else if err := dev.PreviewExposure(slot); err != nil {
		s.logger.Error("failed to preview exposure", zap.Error(err))
		internalError(c)
		return
	}

	v := dev.Settings().Get()
	stored := v.DayShutter
	if slot == still.Night {
		stored = v.NightShutter
	}
	c.JSON(http.StatusOK, exposurePage{
		Name:         v.Name,
		Kind:         string(slot),
		Shutter:      float64(stored) / 1_000_000,
		ISO:          dev.Camera().Exposure().ISO,
		DayISO:       v.DayISO,
		NightISO:     v.NightISO,
		DayShutter:   dev.ShutterSeconds(still.Day),
		NightShutter: dev.ShutterSeconds(still.Night),
	})
}

func (s *Server) handleCalibrate(c *gin.Context) {
	dev := s.deps.Device
	if c.Request.Method == http.MethodPost {
		if v := c.PostForm("calibration"); v != "" {
			value, err := strconv.Atoi(v)
			if err != nil {
				badRequest(c, "calibration must be an integer")
				return
			}
			if _, err := dev.SetCalibration(value); err != nil {
				s.logger.Error("failed to store calibration", zap.Error(err))
				internalError(c)
				return
			}
		}
	}
	if err := dev.ApplyExposure(device.ExposureAuto); err != nil {
		s.logger.Error("failed to apply exposure", zap.Error(err))
	}
	if _, err := dev.SetLive(true); err != nil {
		s.logger.Error("failed to start live view", zap.Error(err))
		internalError(c)
		return
	}
	c.JSON(http.StatusOK, gin.H{"name": s.name(), "calibration": dev.Calibration()})
}

func (s *Server) handleStream(c *gin.Context) {
	sub := s.deps.Device.Frames().Subscribe()
	idle := s.cfg.Server.StreamTimeout
	if idle <= 0 {
		idle = stream.IdleInterval
	}
	c.Header("Content-Type", stream.ContentType)
	c.Header("Cache-Control", "no-cache")
	c.Status(http.StatusOK)
	if err := stream.ServeMJPEG(c.Request.Context(), c.Writer, c.Writer, sub, idle); err != nil {
		s.logger.Debug("stream ended", zap.Error(err))
	}
}

func (s *Server) serveStill(c *gin.Context, slot still.Slot) {
	data, ok := s.deps.Device.Stills().Get(slot)
	if !ok {
		redirect(c, PlaceholderPath)
		return
	}
	c.Data(http.StatusOK, "image/jpeg", data)
}

func (s *Server) handleDayStill(c *gin.Context)   { s.serveStill(c, still.Day) }
func (s *Server) handleNightStill(c *gin.Context) { s.serveStill(c, still.Night) }

func (s *Server) handleLastCapture(c *gin.Context) {
	path := s.deps.Experiments.LastCapture()
	if path == "" {
		redirect(c, PlaceholderPath)
		return
	}
	data, err := os.ReadFile(path)
	if err != nil {
		s.logger.Warn("could not read last captured image", zap.String("path", path), zap.Error(err))
		redirect(c, PlaceholderPath)
		return
	}
	c.Data(http.StatusOK, "image/png", data)
}

type experimentPage struct {
	experiment.Status
	Name            string  `json:"name"`
	DiskFree        string  `json:"disk_free"`
	DiskFreeGiB     float64 `json:"disk_free_gib"`
	DiskRequiredGiB float64 `json:"disk_required_gib"`
	Message         string  `json:"message,omitempty"`
}

func (s *Server) handleExperiment(c *gin.Context) {
	var message string
	if c.Request.Method == http.MethodPost {
		switch c.PostForm("action") {
		case "start":
			msg, err := s.startExperiment(c)
			if err != nil {
				return
			}
			message = msg
		case "stop":
			s.deps.Experiments.Stop()
			s.logger.Info("experiment stopped by user", zap.String("ip", c.ClientIP()))
			s.broadcastStatus()
		default:
			badRequest(c, "action must be start or stop")
			return
		}
	}

	st := s.deps.Experiments.Status()
	page := experimentPage{Status: st, Name: s.name(), Message: message}

	dir := st.Dir
	if dir == "" {
		dir = s.cfg.DataDir
	}
	usage, err := system.Disk(dir)
	if err != nil {
		usage, err = system.Disk(s.cfg.DataDir)
	}
	if err == nil {
		page.DiskFree = usage.FreeHuman()
		page.DiskFreeGiB = float64(usage.Free) / (1 << 30)
	}
	planned := st.PlannedShots
	if planned == 0 {
		planned = experiment.PlannedShots(experiment.DefaultDuration, experiment.DefaultDelay, s.cfg.Experiment.Positions)
	}
	page.DiskRequiredGiB = float64(planned) * s.cfg.Experiment.ShotSizeMB / 1024
	c.JSON(http.StatusOK, page)
}

// startExperiment starts an experiment from the form. On a bad request it
// has already answered and returns an error.
func (s *Server) startExperiment(c *gin.Context) (string, error) {
	runner := s.deps.Experiments
	if runner.Running() {
		return "Experiment is already running.", nil
	}

	params := experiment.Params{
		Duration: experiment.DefaultDuration,
		Delay:    experiment.DefaultDelay,
		Dir:      experiment.CleanDir(s.cfg.DataDir, c.PostForm("directory")),
	}
	if v := c.PostForm("duration"); v != "" {
		days, err := strconv.Atoi(v)
		if err != nil || days <= 0 {
			badRequest(c, "duration must be a positive number of days")
			return "", errors.New("bad duration")
		}
		params.Duration = time.Duration(days) * 24 * time.Hour
	}
	if v := c.PostForm("delay"); v != "" {
		minutes, err := strconv.Atoi(v)
		if err != nil || minutes <= 0 {
			badRequest(c, "delay must be a positive number of minutes")
			return "", errors.New("bad delay")
		}
		params.Delay = time.Duration(minutes) * time.Minute
	}

	if err := s.deps.Device.PrepareExperiment(); err != nil {
		s.logger.Error("failed to prepare experiment", zap.Error(err))
		internalError(c)
		return "", err
	}
	if err := runner.Start(params); err != nil {
		if errors.Is(err, experiment.ErrRunning) {
			return "Experiment is already running.", nil
		}
		if _, lerr := s.deps.Device.SetLive(true); lerr != nil {
			s.logger.Error("failed to restore live view", zap.Error(lerr))
		}
		s.logger.Error("failed to start experiment", zap.Error(err))
		internalError(c)
		return "", err
	}
	s.logger.Info("starting new experiment", zap.String("ip", c.ClientIP()), zap.String("dir", params.Dir))
	s.broadcastStatus()
	return "Experiment started.", nil
}

func (s *Server) handleSettings(c *gin.Context) {
	if c.Request.Method == http.MethodPost {
		if name := c.PostForm("name"); name != "" {
			if err := s.deps.Device.Settings().Update(func(v *config.Values) { v.Name = name }); err != nil {
				s.logger.Error("failed to store settings", zap.Error(err))
				internalError(c)
				return
			}
		}
	}
	c.JSON(http.StatusOK, gin.H{"name": s.name()})
}

func (s *Server) handleExit(c *gin.Context) {
	s.restarting.Store(true)
	s.logger.Info("exit requested", zap.String("ip", c.ClientIP()))
	if s.deps.Exit != nil {
		time.AfterFunc(time.Second, s.deps.Exit)
	}
	redirect(c, "/restarting")
}

func (s *Server) handleReboot(c *gin.Context) {
	if err := s.deps.Power.Reboot(context.WithoutCancel(c.Request.Context())); err != nil {
		s.logger.Error("reboot failed", zap.Error(err))
		internalError(c)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Rebooting system...", "refresh": "60; url=/"})
}

func (s *Server) handleShutdown(c *gin.Context) {
	if err := s.deps.Power.Shutdown(context.WithoutCancel(c.Request.Context())); err != nil {
		s.logger.Error("shutdown failed", zap.Error(err))
		internalError(c)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Shutting down system..."})
}

func (s *Server) handleRestarting(c *gin.Context) {
	if !s.restarting.Load() {
		s.toIndex(c)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Restarting Web UI...", "refresh": "5"})
}
