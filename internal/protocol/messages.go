// Package protocol defines the JSON messages exchanged over the control
// WebSocket.
package protocol

import "encoding/json"

// Message types
const (
	TypePing         = "ping"
	TypePong         = "pong"
	TypeStatus       = "status"
	TypeOffer        = "offer"
	TypeAnswer       = "answer"
	TypeICECandidate = "ice_candidate"
	TypeRotate       = "rotate"
	TypeZoom         = "zoom"
	TypePan          = "pan"
	TypeLED          = "led"
	TypeError        = "error"
)

// Error codes
const (
	ErrUnavailable    = "UNAVAILABLE"
	ErrHardware       = "HARDWARE_ERROR"
	ErrWebRTC         = "WEBRTC_ERROR"
	ErrInvalidMessage = "INVALID_MESSAGE"
	ErrUnknownType    = "UNKNOWN_TYPE"
)

// Message is the base envelope for all WebSocket messages
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// PingPayload for ping messages
type PingPayload struct {
	Timestamp int64 `json:"timestamp"`
}

// PongPayload for pong messages
type PongPayload struct {
	ClientTimestamp int64 `json:"client_timestamp"`
	ServerTimestamp int64 `json:"server_timestamp"`
}

// StatusPayload for status messages
type StatusPayload struct {
	ClientID          string  `json:"client_id"`
	Name              string  `json:"name"`
	Live              bool    `json:"live"`
	LED               bool    `json:"led"`
	Focus             int     `json:"focus"`
	X                 float64 `json:"x"`
	Y                 float64 `json:"y"`
	ROI               float64 `json:"roi"`
	ExperimentRunning bool    `json:"experiment_running"`
}

// SDPPayload for offer/answer messages
type SDPPayload struct {
	SDP string `json:"sdp"`
}

// ICECandidatePayload for ICE candidate messages
type ICECandidatePayload struct {
	Candidate     string `json:"candidate"`
	SDPMid        string `json:"sdp_mid"`
	SDPMLineIndex uint16 `json:"sdp_mline_index"`
}

// RotatePayload requests a turntable rotation in half-steps.
type RotatePayload struct {
	Steps int `json:"steps"`
}

// ZoomPayload sets the zoom in percent of the full frame.
type ZoomPayload struct {
	Percent int `json:"percent"`
}

// PanPayload shifts the viewport along an axis ("x" or "y").
type PanPayload struct {
	Axis  string  `json:"axis"`
	Delta float64 `json:"delta"`
}

// LEDPayload switches the illumination.
type LEDPayload struct {
	On bool `json:"on"`
}

// ErrorPayload for error messages
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewMessage creates a new message with the given type and payload
func NewMessage(msgType string, payload any) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Message{
		Type:    msgType,
		Payload: data,
	}, nil
}

// ParsePayload unmarshals the payload into the given struct
func (m *Message) ParsePayload(v any) error {
	return json.Unmarshal(m.Payload, v)
}
