package server

import (
	"io/fs"
	"net/http"

	"github.com/gin-gonic/gin"

	"rotacam/internal/access"
)

// PlaceholderPath is served in place of missing images.
const PlaceholderPath = "/static/empty.svg"

// handle registers h for method and path behind the gate for op.
func (s *Server) handle(method, path string, op access.Operation, h gin.HandlerFunc) {
	s.router.Handle(method, path, s.gate(op), h)
}

func (s *Server) get(path string, op access.Operation, h gin.HandlerFunc) {
	s.handle(http.MethodGet, path, op, h)
}

func (s *Server) getPost(path string, op access.Operation, h gin.HandlerFunc) {
	s.handle(http.MethodGet, path, op, h)
	s.handle(http.MethodPost, path, op, h)
}

func (s *Server) setupRoutes(staticFS fs.FS) {
	s.get("/", access.OpIndex, s.handleIndex)
	s.get("/index.html", access.OpIndex, s.handleIndex)
	s.get("/empty", access.OpUnavailable, s.handleUnavailable)

	s.getPost("/login", access.OpLogin, s.handleLogin)
	s.get("/logout", access.OpLogout, s.handleLogout)
	s.getPost("/newpass", access.OpNewPassword, s.handleNewPassword)

	s.get("/zoom/:percent", access.OpZoom, s.handleZoom)
	s.get("/pan/:axis/:delta", access.OpPan, s.handlePan)
	s.get("/live/:onoff", access.OpLive, s.handleLive)
	s.get("/led/:onoff", access.OpLED, s.handleLED)
	s.get("/rotate/:steps", access.OpRotate, s.handleRotate)
	s.get("/findstart", access.OpFindStart, s.handleFindStart)
	s.get("/findstart/:value", access.OpFindStart, s.handleFindStart)
	s.get("/focus/:value", access.OpFocus, s.handleFocus)
	s.get("/shutter/:kind/:value", access.OpShutter, s.handleShutter)
	s.getPost("/exposure/:kind", access.OpExposure, s.handleExposure)
	s.getPost("/calibrate", access.OpCalibrate, s.handleCalibrate)

	s.get("/stream.mjpg", access.OpStream, s.handleStream)
	s.get("/daystill.jpg", access.OpDayStill, s.handleDayStill)
	s.get("/nightstill.jpg", access.OpNightStill, s.handleNightStill)
	s.get("/lastcapture.png", access.OpLastCapture, s.handleLastCapture)

	s.getPost("/experiment", access.OpExperiment, s.handleExperiment)
	s.getPost("/settings", access.OpSettings, s.handleSettings)

	s.get("/exit", access.OpExit, s.handleExit)
	s.get("/reboot", access.OpReboot, s.handleReboot)
	s.get("/shutdown", access.OpShutdown, s.handleShutdown)
	s.get("/restarting", access.OpRestarting, s.handleRestarting)

	s.get("/ws", access.OpSocket, s.handleWebSocket)

	static := s.router.Group("/static", s.gate(access.OpStatic))
	static.StaticFS("/", http.FS(staticFS))
}
