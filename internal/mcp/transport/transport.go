package transport

import (
	"context"
	"fmt"

	"github.com/swissknife-mcp/internal/domain"
	"github.com/swissknife-mcp/internal/mcp/protocol"
)

// Transport is a single bidirectional channel carrying protocol frames.
// A transport is owned by exactly one client or server.
type Transport interface {
	// GetType returns the transport type identifier
	GetType() TransportType

	// State returns a snapshot of the connection state
	State() State

	// IsConnected reports whether the transport is in the Connected state
	IsConnected() bool

	// Connect establishes the underlying medium. Connecting an already
	// connected transport is a no-op.
	Connect(ctx context.Context) error

	// Disconnect tears down the medium. It is idempotent.
	Disconnect() error

	// Send writes one frame. It fails with domain.ErrNotConnected unless
	// the transport is connected.
	Send(ctx context.Context, frame *protocol.Frame) error

	// Subscribe returns the inbound event queue. Only one consumer may
	// subscribe; later calls fail with domain.ErrAlreadySubscribed.
	Subscribe() (*Inbox, error)

	// Generation identifies the current session. It advances on every
	// Connect attempt and on Disconnect.
	Generation() uint64
}

// TransportType represents the type of transport
type TransportType string

const (
	TransportWebSocket TransportType = "websocket"
	TransportLibp2p    TransportType = "libp2p"
	TransportWebRTC    TransportType = "webrtc"
	TransportHTTPS     TransportType = "https"
	TransportMemory    TransportType = "memory"
)

// SupportedTypes lists every transport type the factory can build
func SupportedTypes() []TransportType {
	return []TransportType{TransportWebSocket, TransportLibp2p, TransportWebRTC, TransportHTTPS, TransportMemory}
}

// ParseTransportType validates a transport type name
func ParseTransportType(s string) (TransportType, error) {
	for _, t := range SupportedTypes() {
		if string(t) == s {
			return t, nil
		}
	}
	return "", &domain.UnsupportedTransportError{Type: s}
}

// State is the connection state of a transport
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateError
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Event is one item of inbound traffic: either a frame or a state change.
// State events are emitted when a connected transport leaves the Connected
// state; Err carries the cause and Generation the session that ended.
// Consumers compare Generation against work started later so that a state
// event still queued after a reconnect only affects the old session.
type Event struct {
	Frame      *protocol.Frame
	State      State
	Err        error
	Generation uint64
}

// IsStateChange reports whether the event carries a state change rather than a frame
func (e Event) IsStateChange() bool {
	return e.Frame == nil
}

// Config holds the declarative description used by the factory
type Config struct {
	Type     TransportType  `json:"type"`
	Endpoint string         `json:"endpoint"`
	Options  map[string]any `json:"options,omitempty"`
}

// ConfigFromDomain converts the configuration file representation
func ConfigFromDomain(cfg domain.TransportConfig) Config {
	return Config{
		Type:     TransportType(cfg.Type),
		Endpoint: cfg.Endpoint,
		Options:  cfg.Options,
	}
}
