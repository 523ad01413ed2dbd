package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Control message types handled by the session layer itself. Types carrying
// the file_ or dir_ prefix are routed to the transfer engine; every other
// type is delivered to the application's string-data callback.
const (
	TypeHello = "hello"
	TypePing  = "ping"
	TypePong  = "pong"

	FilePrefix = "file_"
	DirPrefix  = "dir_"
)

// ProtocolVersion is the version number carried in the hello exchange.
const ProtocolVersion = 1

// ErrMissingType indicates a control payload without a top-level type field.
var ErrMissingType = errors.New("control message missing type field")

// Hello is the first frame sent in each direction of a new session.
type Hello struct {
	V          int    `json:"v"`
	Type       string `json:"type"`
	PeerID     string `json:"peer_id"`
	ListenPort uint16 `json:"listen_port"`
}

// Ping is the keepalive probe; Pong echoes the timestamp back.
type Ping struct {
	Type string `json:"type"`
	TS   int64  `json:"ts"`
}

// envelope extracts only the routing field from a control payload.
type envelope struct {
	Type string `json:"type"`
}

// MessageType returns the top-level type of a control payload. A payload
// that is not a JSON object or lacks the field is a protocol error.
func MessageType(payload []byte) (string, error) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return "", fmt.Errorf("malformed control message: %w", err)
	}
	if env.Type == "" {
		return "", ErrMissingType
	}
	return env.Type, nil
}

// IsReserved reports whether a message type is consumed by the core rather
// than delivered to the application.
func IsReserved(msgType string) bool {
	switch msgType {
	case TypeHello, TypePing, TypePong:
		return true
	}
	return strings.HasPrefix(msgType, FilePrefix) || strings.HasPrefix(msgType, DirPrefix)
}

// EncodeControl marshals v into a control frame.
func EncodeControl(v any) (*Frame, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("control message encoding failed: %w", err)
	}
	return &Frame{Type: FrameControl, Payload: payload}, nil
}
