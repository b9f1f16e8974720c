// Package webrtc delivers live JPEG frames to a browser over a WebRTC data
// channel. Signalling (offer, answer, ICE candidates) travels over the
// control WebSocket.
package webrtc

import (
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// Frame channel limits.
const (
	// ChunkSize is the largest data channel message sent.
	ChunkSize = 16 * 1024

	// DefaultMaxBuffered is the buffered amount above which frames are
	// dropped instead of queued.
	DefaultMaxBuffered = 1 << 20

	frameLabel = "frames"
)

// ErrClosed is returned by operations on a closed session.
var ErrClosed = errors.New("webrtc: session closed")

// Session represents a WebRTC session with a client
type Session struct {
	pc          *webrtc.PeerConnection
	frames      *webrtc.DataChannel
	onICE       func(candidate *webrtc.ICECandidate)
	maxBuffered uint64
	logger      *zap.Logger

	mu     sync.Mutex
	closed bool
}

// Config for WebRTC session
type Config struct {
	ICEServers  []string // STUN/TURN server URLs
	MaxBuffered uint64
}

// DefaultConfig returns a default WebRTC configuration
func DefaultConfig() Config {
	return Config{
		ICEServers: []string{
			"stun:stun.l.google.com:19302",
		},
		MaxBuffered: DefaultMaxBuffered,
	}
}

// NewSession creates a new WebRTC session
func NewSession(cfg Config, onICE func(*webrtc.ICECandidate), logger *zap.Logger) (*Session, error) {
	config := webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{},
	}
	for _, url := range cfg.ICEServers {
		config.ICEServers = append(config.ICEServers, webrtc.ICEServer{
			URLs: []string{url},
		})
	}

	pc, err := webrtc.NewPeerConnection(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	if cfg.MaxBuffered == 0 {
		cfg.MaxBuffered = DefaultMaxBuffered
	}
	session := &Session{
		pc:          pc,
		onICE:       onICE,
		maxBuffered: cfg.MaxBuffered,
		logger:      logger,
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c != nil && session.onICE != nil {
			session.onICE(c)
		}
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		logger.Debug("WebRTC connection state", zap.String("state", s.String()))
	})

	return session, nil
}

// AddFrameChannel creates the data channel frames are sent on. The channel
// is ordered so chunks reassemble; a slow peer loses whole frames in
// SendFrame instead.
func (s *Session) AddFrameChannel() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ordered := true
	dc, err := s.pc.CreateDataChannel(frameLabel, &webrtc.DataChannelInit{
		Ordered: &ordered,
	})
	if err != nil {
		return fmt.Errorf("failed to create frame channel: %w", err)
	}
	dc.OnOpen(func() {
		s.logger.Debug("frame channel open")
	})

	s.frames = dc
	return nil
}

// CreateOffer creates an SDP offer
func (s *Session) CreateOffer() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	offer, err := s.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("failed to create offer: %w", err)
	}

	if err := s.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("failed to set local description: %w", err)
	}

	// Wait for ICE gathering to complete
	<-webrtc.GatheringCompletePromise(s.pc)

	return s.pc.LocalDescription().SDP, nil
}

// SetAnswer sets the remote SDP answer
func (s *Session) SetAnswer(sdp string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	answer := webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  sdp,
	}
	if err := s.pc.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("failed to set remote description: %w", err)
	}
	return nil
}

// AddICECandidate adds a remote ICE candidate
func (s *Session) AddICECandidate(candidate string, sdpMid string, sdpMLineIndex uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ice := webrtc.ICECandidateInit{
		Candidate:     candidate,
		SDPMid:        &sdpMid,
		SDPMLineIndex: &sdpMLineIndex,
	}
	if err := s.pc.AddICECandidate(ice); err != nil {
		return fmt.Errorf("failed to add ICE candidate: %w", err)
	}
	return nil
}

// Ready reports whether the frame channel is open.
func (s *Session) Ready() bool {
	s.mu.Lock()
	dc, closed := s.frames, s.closed
	s.mu.Unlock()
	return !closed && dc != nil && dc.ReadyState() == webrtc.DataChannelStateOpen
}

// SendFrame sends one JPEG frame: a text message carrying the byte count,
// then the frame in chunks of at most ChunkSize. It returns false without
// sending anything when the channel is not open or too much is still
// buffered.
func (s *Session) SendFrame(frame []byte) (bool, error) {
	s.mu.Lock()
	dc, closed := s.frames, s.closed
	s.mu.Unlock()

	if closed {
		return false, ErrClosed
	}
	if dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen {
		return false, nil
	}
	if dc.BufferedAmount() > s.maxBuffered {
		return false, nil
	}

	if err := dc.SendText(strconv.Itoa(len(frame))); err != nil {
		return false, fmt.Errorf("failed to send frame header: %w", err)
	}
	for _, chunk := range Chunks(frame, ChunkSize) {
		if err := dc.Send(chunk); err != nil {
			return false, fmt.Errorf("failed to send frame chunk: %w", err)
		}
	}
	return true, nil
}

// Chunks splits data into consecutive slices of at most size bytes.
func Chunks(data []byte, size int) [][]byte {
	if size <= 0 || len(data) == 0 {
		return nil
	}
	out := make([][]byte, 0, (len(data)+size-1)/size)
	for len(data) > size {
		out = append(out, data[:size])
		data = data[size:]
	}
	return append(out, data)
}

// Close closes the WebRTC session
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	if s.pc != nil {
		return s.pc.Close()
	}
	return nil
}
