package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/swissknife-mcp/internal/domain"
	"github.com/swissknife-mcp/internal/mcp/protocol"
)

// Role names one end of a MemoryChannel
type Role string

const (
	RoleClient Role = "client"
	RoleServer Role = "server"
)

// Peer returns the opposite role
func (r Role) Peer() Role {
	if r == RoleServer {
		return RoleClient
	}
	return RoleServer
}

func parseRole(s string) (Role, error) {
	switch Role(s) {
	case "", RoleClient:
		return RoleClient, nil
	case RoleServer:
		return RoleServer, nil
	default:
		return "", fmt.Errorf("unknown memory channel role: %q", s)
	}
}

var errPeerClosed = errors.New("memory peer disconnected")

type memorySlot struct {
	inbox      *Inbox
	registered bool
	// peerClosed moves the registered endpoint to Error
	peerClosed func(error)
}

// MemoryChannel is an in-process duplex pipe shared by exactly two
// MemoryTransports holding opposite roles. Each slot owns the inbound queue
// of the endpoint registered under it.
type MemoryChannel struct {
	id    string
	mu    sync.Mutex
	slots map[Role]*memorySlot
}

// NewMemoryChannel creates an empty channel
func NewMemoryChannel() *MemoryChannel {
	return &MemoryChannel{
		id: uuid.New().String(),
		slots: map[Role]*memorySlot{
			RoleClient: {inbox: newInbox()},
			RoleServer: {inbox: newInbox()},
		},
	}
}

// ID identifies the channel in logs
func (c *MemoryChannel) ID() string {
	return c.id
}

func (c *MemoryChannel) inbox(role Role) *Inbox {
	return c.slots[role].inbox
}

func (c *MemoryChannel) register(role Role, peerClosed func(error)) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	slot := c.slots[role]
	if slot.registered {
		return domain.ErrRoleTaken
	}
	slot.registered = true
	slot.peerClosed = peerClosed
	return nil
}

// unregister releases role. With notifyPeer set, a registered peer loses
// its registration too and is notified once the channel lock is released.
func (c *MemoryChannel) unregister(role Role, notifyPeer bool) {
	c.mu.Lock()
	own := c.slots[role]
	own.registered = false
	own.peerClosed = nil

	var notify func(error)
	if peer := c.slots[role.Peer()]; notifyPeer && peer.registered {
		notify = peer.peerClosed
		peer.registered = false
		peer.peerClosed = nil
	}
	c.mu.Unlock()

	if notify != nil {
		notify(errPeerClosed)
	}
}

// Registered reports whether an endpoint currently holds role
func (c *MemoryChannel) Registered(role Role) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.slots[role].registered
}

// enqueue places a frame on the inbound queue of the given role. Frames
// queue even when that role is not registered yet.
func (c *MemoryChannel) enqueue(to Role, frame *protocol.Frame) {
	c.slots[to].inbox.push(Event{Frame: frame})
}

// MemoryOptions configures a MemoryTransport
type MemoryOptions struct {
	Role    string         `mapstructure:"role"`
	Channel *MemoryChannel `mapstructure:"-"`
}

// MemoryTransport implements Transport over a MemoryChannel. Frames are
// handed over as values, no serialization takes place.
type MemoryTransport struct {
	base
	channel *MemoryChannel
	role    Role
}

// NewMemoryTransport creates a transport bound to channel under role. A nil
// channel gets a fresh one.
func NewMemoryTransport(channel *MemoryChannel, role Role, logger *logrus.Logger) *MemoryTransport {
	if channel == nil {
		channel = NewMemoryChannel()
	}
	t := &MemoryTransport{channel: channel, role: role}
	t.init(TransportMemory, "memory://"+channel.ID()+"/"+string(role), logger, channel.inbox(role))
	return t
}

// Channel returns the shared channel
func (t *MemoryTransport) Channel() *MemoryChannel {
	return t.channel
}

// Role returns the role this endpoint registers under
func (t *MemoryTransport) Role() Role {
	return t.role
}

// Connect registers the endpoint with the channel
func (t *MemoryTransport) Connect(ctx context.Context) error {
	gen, proceed, err := t.beginConnect()
	if !proceed {
		return err
	}

	if err := ctx.Err(); err != nil {
		return t.connectFailed(gen, err)
	}
	peerClosed := func(cause error) { t.fail(gen, cause) }
	if err := t.channel.register(t.role, peerClosed); err != nil {
		return t.connectFailed(gen, err)
	}
	if !t.markConnected(gen) {
		t.channel.unregister(t.role, false)
		return t.connErr(errConnectAborted)
	}
	return nil
}

// Disconnect releases the role and moves a connected peer to Error. Calling
// it on a disconnected transport does nothing.
func (t *MemoryTransport) Disconnect() error {
	if t.State() == StateConnected {
		t.channel.unregister(t.role, true)
	}
	t.markDisconnected()
	return nil
}

// Send enqueues a copy of frame on the peer's inbound queue
func (t *MemoryTransport) Send(ctx context.Context, frame *protocol.Frame) error {
	if !t.IsConnected() {
		return domain.ErrNotConnected
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := frame.Validate(); err != nil {
		return err
	}

	cp := *frame
	t.channel.enqueue(t.role.Peer(), &cp)

	t.logger.WithFields(logrus.Fields{
		"channel_id": t.channel.ID(),
		"role":       t.role,
		"frame_id":   frame.ID,
		"kind":       frame.Kind,
	}).Debug("Memory frame sent")
	return nil
}

// NewMemoryPair builds one MemoryChannel and the client and server
// transports sharing it. Neither transport is connected.
func NewMemoryPair(logger *logrus.Logger) (client, server *MemoryTransport, channel *MemoryChannel) {
	channel = NewMemoryChannel()
	client = NewMemoryTransport(channel, RoleClient, logger)
	server = NewMemoryTransport(channel, RoleServer, logger)
	return client, server, channel
}
