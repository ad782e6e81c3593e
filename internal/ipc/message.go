package ipc

import (
	"encoding/json"
	"time"

	"github.com/breeze-rmm/hidlistener/internal/hid"
)

// Message type constants for IPC communication.
const (
	TypeAuthRequest  = "auth_request"
	TypeAuthResponse = "auth_response"
	TypePing         = "ping"
	TypePong         = "pong"
	TypeDisconnect   = "disconnect"

	// Stream control
	TypeSubscribe   = "subscribe"
	TypeSubscribed  = "subscribed"
	TypeUnsubscribe = "unsubscribe"

	// Engine control
	TypeSetEnabled    = "set_enabled"
	TypeEnabledState  = "enabled_state"
	TypeStatusRequest = "status_request"
	TypeStatus        = "status"

	// Events pushed to subscribers
	TypeKeyboardEvent = "keyboard_event"
	TypeMouseEvent    = "mouse_event"
)

// MaxMessageSize is the maximum size of a JSON IPC message (1MB).
const MaxMessageSize = 1024 * 1024

// ProtocolVersion is the current IPC protocol version.
const ProtocolVersion = 1

// Envelope is the wire-format wrapper for all IPC messages.
type Envelope struct {
	ID      string          `json:"id"`
	Seq     uint64          `json:"seq"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
	HMAC    string          `json:"hmac"`
}

// AuthRequest is sent by a consumer to the engine after connecting.
type AuthRequest struct {
	ProtocolVersion int    `json:"protocolVersion"`
	UID             uint32 `json:"uid"`
	SID             string `json:"sid,omitempty"` // Windows Security Identifier
	Username        string `json:"username"`
	PID             int    `json:"pid"`
	Client          string `json:"client,omitempty"`
}

// AuthResponse is sent by the engine back to the consumer.
type AuthResponse struct {
	Accepted   bool   `json:"accepted"`
	SessionKey string `json:"sessionKey,omitempty"`
	SessionID  string `json:"sessionId,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// Stream names an event stream a consumer can subscribe to.
type Stream string

const (
	StreamKeyboard Stream = "keyboard"
	StreamMouse    Stream = "mouse"
)

// Valid reports whether s names a known stream.
func (s Stream) Valid() bool {
	return s == StreamKeyboard || s == StreamMouse
}

// SubscribeRequest asks the engine to route a stream to this session.
type SubscribeRequest struct {
	Stream Stream `json:"stream"`
}

// Subscribed confirms a subscription and names the allocated port.
type Subscribed struct {
	Stream Stream `json:"stream"`
	Port   int64  `json:"port"`
}

// SetEnabledRequest toggles event delivery.
type SetEnabledRequest struct {
	Enabled bool `json:"enabled"`
}

// EnabledState reports the delivery flag after a set_enabled.
type EnabledState struct {
	Enabled bool `json:"enabled"`
}

// SessionSummary describes one connected consumer in a status report.
type SessionSummary struct {
	SessionID   string    `json:"sessionId"`
	Username    string    `json:"username"`
	PID         int       `json:"pid"`
	ProcessName string    `json:"processName,omitempty"`
	Streams     []Stream  `json:"streams,omitempty"`
	ConnectedAt time.Time `json:"connectedAt"`
	Sent        uint64    `json:"sent"`
	Dropped     uint64    `json:"dropped"`
}

// StatusReport is the engine's answer to status_request.
type StatusReport struct {
	Version  string            `json:"version"`
	Backend  string            `json:"backend"`
	Trusted  bool              `json:"trusted"`
	Engine   hid.Stats         `json:"engine"`
	Health   map[string]string `json:"health,omitempty"`
	Sessions []SessionSummary  `json:"sessions,omitempty"`
}
