// Package server is the HTTP and WebSocket surface of the device.
//
// Every route is registered together with the operation it performs; the
// gate middleware decides per request whether it may run. Page routes
// answer with JSON documents, action routes redirect back to the index
// like the browser UI expects.
package server

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"rotacam/internal/access"
	"rotacam/internal/config"
	"rotacam/internal/device"
	"rotacam/internal/experiment"
	"rotacam/internal/system"
)

// Deps is the application context the handlers work on. It is built once
// at startup.
type Deps struct {
	Device      *device.Device
	Gate        *access.Gate
	Experiments *experiment.Runner
	Power       system.Power

	// Exit stops the process gracefully.
	Exit func()
}

// Server is the device's HTTP server.
type Server struct {
	cfg      config.Config
	deps     Deps
	logger   *zap.Logger
	router   *gin.Engine
	upgrader websocket.Upgrader

	clients   map[*Client]bool
	clientsMu sync.RWMutex

	restarting atomic.Bool

	httpMu     sync.Mutex
	httpServer *http.Server
}

// New creates a server. staticFS holds the files served under /static.
func New(cfg config.Config, deps Deps, staticFS fs.FS, logger *zap.Logger) *Server {
	if !cfg.Dev {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		cfg:     cfg,
		deps:    deps,
		logger:  logger,
		clients: make(map[*Client]bool),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins for local use
			},
		},
	}

	s.router = gin.New()
	s.router.Use(requestLogger(logger), recovery(logger))
	s.setupRoutes(staticFS)
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves on the configured address until Stop is called.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Server.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Server.Listen, err)
	}
	return s.Serve(ln)
}

// Serve serves on ln until Stop is called.
func (s *Server) Serve(ln net.Listener) error {
	srv := &http.Server{Handler: s.router}
	s.httpMu.Lock()
	s.httpServer = srv
	s.httpMu.Unlock()

	s.logger.Info("server starting", zap.String("addr", ln.Addr().String()))
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop closes every WebSocket client and shuts the HTTP server down.
func (s *Server) Stop(ctx context.Context) error {
	s.clientsMu.Lock()
	for client := range s.clients {
		client.Close()
	}
	s.clientsMu.Unlock()

	s.httpMu.Lock()
	srv := s.httpServer
	s.httpMu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// broadcastStatus pushes the current status to every WebSocket client.
func (s *Server) broadcastStatus() {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	for client := range s.clients {
		client.sendStatus()
	}
}
