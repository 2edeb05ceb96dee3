package protocol

import "encoding/json"

// ProtocolVersion is the agent gateway wire protocol version this client speaks.
// The connect handshake advertises it as both minProtocol and maxProtocol;
// the gateway accepts that version or rejects.
const ProtocolVersion = 3

// Frame type discriminators, shared by all three frame shapes below.
const (
	FrameTypeRequest = "req"
	FrameTypeResponse = "res"
	FrameTypeEvent    = "event"
)

// RequestFrame is a client → gateway RPC call.
type RequestFrame struct {
	Type   string          `json:"type"`
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// ResponseFrame is the gateway's reply to a RequestFrame with the same ID.
type ResponseFrame struct {
	Type    string      `json:"type"`
	ID      string      `json:"id"`
	OK      bool        `json:"ok"`
	Payload interface{} `json:"payload,omitempty"`
	Error   *FrameError `json:"error,omitempty"`
}

// FrameError carries a failure reason on a ResponseFrame with OK=false.
type FrameError struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// EventFrame is an unsolicited gateway → client push, named by Event.
type EventFrame struct {
	Type    string      `json:"type"`
	Event   string      `json:"event"`
	Payload interface{} `json:"payload,omitempty"`
}

// NewEvent builds an EventFrame ready to send.
func NewEvent(name string, payload interface{}) *EventFrame {
	return &EventFrame{Type: FrameTypeEvent, Event: name, Payload: payload}
}

// frameTypeProbe is used only to sniff the "type" field off a raw frame
// without committing to one of the three concrete shapes.
type frameTypeProbe struct {
	Type string `json:"type"`
}

// ParseFrameType reads just the "type" discriminator out of a raw frame,
// so the caller can decide which of RequestFrame/ResponseFrame/EventFrame
// to unmarshal into.
func ParseFrameType(raw []byte) (string, error) {
	var p frameTypeProbe
	if err := json.Unmarshal(raw, &p); err != nil {
		return "", err
	}
	return p.Type, nil
}
