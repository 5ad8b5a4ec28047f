package observerproto

import (
	"scenewarden/internal/activation"
	"scenewarden/internal/registry"
)

// Version is the debug stream protocol version.
const Version = "0.1"

// Client -> Server. First message on the stream connection, and can be re-sent to update settings.
type SubscribeMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`

	// Kinds narrows frames to these entity kinds; empty means all.
	Kinds []string `json:"kinds,omitempty"`
	// Events asks for individual transition events between frames.
	Events bool `json:"events,omitempty"`
}

// HTTP response for GET /debug/v1/stream/bootstrap.
type BootstrapResponse struct {
	ProtocolVersion string   `json:"protocol_version"`
	SessionID       string   `json:"session_id"`
	Tick            uint64   `json:"tick"`
	TickRateHz      int      `json:"tick_rate_hz"`
	EveryTicks      int      `json:"every_ticks"`
	Debug           bool     `json:"debug"`
	Sources         []string `json:"sources"`
}

// Server -> Client. Sent once after a valid SUBSCRIBE.
type HelloMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	SessionID       string `json:"session_id"`
	ConnID          string `json:"conn_id"`
}

// Server -> Client. Sent every EveryTicks ticks while debug visualization is on.
type FrameMsg struct {
	Type            string     `json:"type"`
	ProtocolVersion string     `json:"protocol_version"`
	Tick            uint64     `json:"tick"`
	Observer        [3]float64 `json:"observer"`

	Entities []registry.View  `json:"entities"`
	Hidden   []string         `json:"hidden,omitempty"`
	Stats    activation.Stats `json:"stats"`
}

// Server -> Client. One applied, skipped or failed transition.
type EventMsg struct {
	Type            string           `json:"type"`
	ProtocolVersion string           `json:"protocol_version"`
	Event           activation.Event `json:"event"`
}
