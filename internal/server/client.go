package server

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	pwebrtc "github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"rotacam/internal/access"
	"rotacam/internal/protocol"
	"rotacam/internal/webrtc"
)

// frameWait bounds how long the data channel feed waits for a new frame
// before re-checking the session.
const frameWait = time.Second

// Client represents a connected WebSocket client
type Client struct {
	id     string
	conn   *websocket.Conn
	server *Server
	logger *zap.Logger
	webrtc *webrtc.Session
	send   chan []byte
	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.Mutex
	closed bool
}

func (s *Server) handleWebSocket(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade error", zap.Error(err))
		return
	}

	id := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())
	client := &Client{
		id:     id,
		conn:   conn,
		server: s,
		logger: s.logger.With(zap.String("client", id)),
		send:   make(chan []byte, 256),
		ctx:    ctx,
		cancel: cancel,
	}

	s.clientsMu.Lock()
	s.clients[client] = true
	s.clientsMu.Unlock()
	client.logger.Info("client connected", zap.String("ip", c.ClientIP()))

	go client.writePump()
	go client.readPump()

	client.sendStatus()

	if s.cfg.Server.WebRTC {
		if err := client.initWebRTC(); err != nil {
			client.logger.Warn("failed to initialize WebRTC", zap.Error(err))
			client.sendError(protocol.ErrWebRTC, err.Error())
		}
	}
}

func (c *Client) initWebRTC() error {
	cfg := webrtc.DefaultConfig()
	cfg.ICEServers = c.server.cfg.Server.ICEServers

	session, err := webrtc.NewSession(cfg, func(candidate *pwebrtc.ICECandidate) {
		cand := candidate.ToJSON()
		payload := protocol.ICECandidatePayload{Candidate: cand.Candidate}
		if cand.SDPMid != nil {
			payload.SDPMid = *cand.SDPMid
		}
		if cand.SDPMLineIndex != nil {
			payload.SDPMLineIndex = *cand.SDPMLineIndex
		}
		c.sendMessage(protocol.TypeICECandidate, payload)
	}, c.logger)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return session.Close()
	}
	c.webrtc = session
	c.mu.Unlock()

	if err := session.AddFrameChannel(); err != nil {
		return err
	}

	offer, err := session.CreateOffer()
	if err != nil {
		return err
	}
	c.sendMessage(protocol.TypeOffer, protocol.SDPPayload{SDP: offer})

	go c.forwardFrames(session)
	return nil
}

// forwardFrames feeds the latest live frames into the data channel until
// the client goes away. Frames are skipped while the channel is not open
// or congested.
func (c *Client) forwardFrames(session *webrtc.Session) {
	sub := c.server.deps.Device.Frames().Subscribe()
	for {
		frame, ok := sub.Next(c.ctx, frameWait)
		if c.ctx.Err() != nil {
			return
		}
		if !ok {
			continue
		}
		if _, err := session.SendFrame(frame); err != nil {
			c.logger.Debug("frame feed stopped", zap.Error(err))
			return
		}
	}
}

func (c *Client) session() *webrtc.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.webrtc
}

func (c *Client) sendStatus() {
	dev := c.server.deps.Device
	st := dev.Status()
	c.sendMessage(protocol.TypeStatus, protocol.StatusPayload{
		ClientID:          c.id,
		Name:              st.Name,
		Live:              st.Live,
		LED:               st.LED,
		Focus:             st.Focus,
		X:                 st.Viewport.X,
		Y:                 st.Viewport.Y,
		ROI:               st.Viewport.ROI,
		ExperimentRunning: c.server.deps.Experiments.Running(),
	})
}

func (c *Client) sendError(code, message string) {
	c.sendMessage(protocol.TypeError, protocol.ErrorPayload{Code: code, Message: message})
}

func (c *Client) sendMessage(msgType string, payload any) {
	msg, err := protocol.NewMessage(msgType, payload)
	if err != nil {
		c.logger.Error("failed to create message", zap.Error(err))
		return
	}

	data, err := json.Marshal(msg)
	if err != nil {
		c.logger.Error("failed to marshal message", zap.Error(err))
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- data:
	default:
		c.logger.Warn("client send buffer full, dropping message", zap.String("type", msgType))
	}
}

func (c *Client) readPump() {
	defer func() {
		c.server.clientsMu.Lock()
		delete(c.server.clients, c)
		c.server.clientsMu.Unlock()
		c.Close()
		c.logger.Info("client disconnected")
	}()

	c.conn.SetReadLimit(65536)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Warn("WebSocket error", zap.Error(err))
			}
			return
		}

		c.handleMessage(data)
	}
}

// hardwareOps maps control messages to the operation they perform, so
// each one is re-checked while the socket stays open.
var hardwareOps = map[string]access.Operation{
	protocol.TypeRotate: access.OpRotate,
	protocol.TypeZoom:   access.OpZoom,
	protocol.TypePan:    access.OpPan,
	protocol.TypeLED:    access.OpLED,
}

func (c *Client) handleMessage(data []byte) {
	var msg protocol.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		c.sendError(protocol.ErrInvalidMessage, "Failed to parse message")
		return
	}

	if op, ok := hardwareOps[msg.Type]; ok && !c.server.deps.Gate.Available(op) {
		c.sendError(protocol.ErrUnavailable, "The device is busy with an experiment.")
		return
	}

	dev := c.server.deps.Device
	switch msg.Type {
	case protocol.TypePing:
		var payload protocol.PingPayload
		if err := msg.ParsePayload(&payload); err != nil {
			return
		}
		c.sendMessage(protocol.TypePong, protocol.PongPayload{
			ClientTimestamp: payload.Timestamp,
			ServerTimestamp: time.Now().UnixMilli(),
		})

	case protocol.TypeAnswer:
		var payload protocol.SDPPayload
		if err := msg.ParsePayload(&payload); err != nil {
			return
		}
		if s := c.session(); s != nil {
			if err := s.SetAnswer(payload.SDP); err != nil {
				c.logger.Warn("failed to set answer", zap.Error(err))
				c.sendError(protocol.ErrWebRTC, err.Error())
			}
		}

	case protocol.TypeICECandidate:
		var payload protocol.ICECandidatePayload
		if err := msg.ParsePayload(&payload); err != nil {
			return
		}
		if s := c.session(); s != nil {
			if err := s.AddICECandidate(payload.Candidate, payload.SDPMid, payload.SDPMLineIndex); err != nil {
				c.logger.Warn("failed to add ICE candidate", zap.Error(err))
			}
		}

	case protocol.TypeRotate:
		var payload protocol.RotatePayload
		if err := msg.ParsePayload(&payload); err != nil {
			c.sendError(protocol.ErrInvalidMessage, "Invalid rotate payload")
			return
		}
		if !dev.Actuator().Rotate(payload.Steps) {
			c.sendError(protocol.ErrInvalidMessage, "Steps out of range")
		}

	case protocol.TypeZoom:
		var payload protocol.ZoomPayload
		if err := msg.ParsePayload(&payload); err != nil {
			c.sendError(protocol.ErrInvalidMessage, "Invalid zoom payload")
			return
		}
		dev.Viewport().Zoom(payload.Percent)
		c.server.broadcastStatus()

	case protocol.TypePan:
		var payload protocol.PanPayload
		if err := msg.ParsePayload(&payload); err != nil {
			c.sendError(protocol.ErrInvalidMessage, "Invalid pan payload")
			return
		}
		dev.Viewport().Pan(payload.Axis, payload.Delta)
		c.server.broadcastStatus()

	case protocol.TypeLED:
		var payload protocol.LEDPayload
		if err := msg.ParsePayload(&payload); err != nil {
			c.sendError(protocol.ErrInvalidMessage, "Invalid LED payload")
			return
		}
		if err := dev.SetLED(payload.On); err != nil {
			c.logger.Error("failed to switch LED", zap.Error(err))
			c.sendError(protocol.ErrHardware, "Failed to switch LED")
			return
		}
		c.server.broadcastStatus()

	case protocol.TypeStatus:
		c.sendStatus()

	default:
		c.sendError(protocol.ErrUnknownType, "Unknown message type: "+msg.Type)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Close closes the client connection
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true

	c.cancel()

	if c.webrtc != nil {
		c.webrtc.Close()
		c.webrtc = nil
	}

	close(c.send)
}
