package transport

import (
	"bufio"
	"context"
	"errors"
	"io"
	"fmt"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	p2pprotocol "github.com/libp2p/go-libp2p/core/protocol"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/sirupsen/logrus"

	"github.com/swissknife-mcp/internal/domain"
	"github.com/swissknife-mcp/internal/mcp/protocol"
)

const (
	// DefaultLibp2pProtocol is the stream protocol carrying MCP frames
	DefaultLibp2pProtocol = "/mcp/1.0.0"

	// DefaultLibp2pMaxMessageSize bounds one newline-delimited frame
	DefaultLibp2pMaxMessageSize = 4 << 20
)

// Libp2pOptions configures a Libp2pTransport
type Libp2pOptions struct {
	ProtocolID   string        `mapstructure:"protocol_id"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	// MaxMessageSize is the longest frame accepted. A longer line fails the transport.
	MaxMessageSize int `mapstructure:"max_message_size"`

	// Host dials from an existing node. When nil, Connect starts a
	// dial-only host owned by the transport.
	Host host.Host `mapstructure:"-"`
}

func (o Libp2pOptions) withDefaults() Libp2pOptions {
	if o.ProtocolID == "" {
		o.ProtocolID = DefaultLibp2pProtocol
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = DefaultLibp2pMaxMessageSize
	}
	return o
}

// Libp2pTransport carries newline-delimited JSON frames over a libp2p
// stream. The endpoint is a full multiaddr ending in /p2p/<peer-id>.
type Libp2pTransport struct {
	base
	opts     Libp2pOptions
	accepted bool

	mu       sync.Mutex
	host     host.Host
	ownsHost bool
	stream   network.Stream

	writeMu sync.Mutex
}

// NewLibp2pTransport creates a transport dialing the multiaddr endpoint on Connect
func NewLibp2pTransport(endpoint string, opts Libp2pOptions, logger *logrus.Logger) *Libp2pTransport {
	t := &Libp2pTransport{opts: opts.withDefaults()}
	t.init(TransportLibp2p, endpoint, logger, nil)
	return t
}

// AcceptLibp2pStream wraps an inbound stream. The returned transport is
// already connected.
func AcceptLibp2pStream(s network.Stream, logger *logrus.Logger) *Libp2pTransport {
	endpoint := fmt.Sprintf("%s/p2p/%s", s.Conn().RemoteMultiaddr(), s.Conn().RemotePeer())

	t := &Libp2pTransport{
		opts:     Libp2pOptions{ProtocolID: string(s.Protocol())}.withDefaults(),
		accepted: true,
	}
	t.init(TransportLibp2p, endpoint, logger, nil)

	gen, _, _ := t.beginConnect()
	t.attach(gen, s)
	return t
}

// HandleLibp2pStreams registers a stream handler on h that wraps every
// inbound stream for protocolID and hands it to accept
func HandleLibp2pStreams(h host.Host, protocolID string, logger *logrus.Logger, accept func(*Libp2pTransport)) {
	if protocolID == "" {
		protocolID = DefaultLibp2pProtocol
	}
	h.SetStreamHandler(p2pprotocol.ID(protocolID), func(s network.Stream) {
		accept(AcceptLibp2pStream(s, logger))
	})
}

// Connect dials the peer in the endpoint multiaddr and opens a stream
func (t *Libp2pTransport) Connect(ctx context.Context) error {
	gen, proceed, err := t.beginConnect()
	if !proceed {
		return err
	}
	if t.accepted {
		return t.connectFailed(gen, errors.New("accepted stream cannot be redialed"))
	}

	addr, err := ma.NewMultiaddr(t.endpoint)
	if err != nil {
		return t.connectFailed(gen, fmt.Errorf("invalid multiaddr: %w", err))
	}
	info, err := peer.AddrInfoFromP2pAddr(addr)
	if err != nil {
		return t.connectFailed(gen, fmt.Errorf("endpoint lacks a peer id: %w", err))
	}

	h, owns, err := t.dialHost()
	if err != nil {
		return t.connectFailed(gen, err)
	}

	if err := h.Connect(ctx, *info); err != nil {
		if owns {
			_ = h.Close()
		}
		return t.connectFailed(gen, err)
	}

	s, err := h.NewStream(ctx, info.ID, p2pprotocol.ID(t.opts.ProtocolID))
	if err != nil {
		if owns {
			_ = h.Close()
		}
		return t.connectFailed(gen, err)
	}

	t.mu.Lock()
	t.host = h
	t.ownsHost = owns
	t.mu.Unlock()

	if !t.attach(gen, s) {
		return t.connErr(errConnectAborted)
	}
	return nil
}

func (t *Libp2pTransport) dialHost() (host.Host, bool, error) {
	if t.opts.Host != nil {
		return t.opts.Host, false, nil
	}
	h, err := libp2p.New(libp2p.NoListenAddrs)
	if err != nil {
		return nil, false, fmt.Errorf("failed to start libp2p host: %w", err)
	}
	return h, true, nil
}

func (t *Libp2pTransport) attach(gen uint64, s network.Stream) bool {
	t.mu.Lock()
	t.stream = s
	t.mu.Unlock()

	if !t.markConnected(gen) {
		t.release(s)
		return false
	}
	go t.readLoop(gen, s)
	return true
}

func (t *Libp2pTransport) readLoop(gen uint64, s network.Stream) {
	scanner := bufio.NewScanner(s)
	scanner.Buffer(make([]byte, 0, 64*1024), t.opts.MaxMessageSize)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		frame, err := protocol.Decode(line)
		if err != nil {
			t.logger.WithFields(t.fields()).WithError(err).Warn("Dropping malformed frame")
			continue
		}
		t.deliver(gen, frame)
	}

	err := scanner.Err()
	if err == nil {
		err = io.EOF
	}
	if t.fail(gen, err) {
		t.release(s)
	}
}

// release closes s and, if it is still the current stream, the host the
// transport started for it
func (t *Libp2pTransport) release(s network.Stream) {
	t.mu.Lock()
	var h host.Host
	if s == nil || t.stream == s {
		s = t.stream
		t.stream = nil
		if t.ownsHost {
			h = t.host
		}
		t.host = nil
		t.ownsHost = false
	}
	t.mu.Unlock()

	if s != nil {
		_ = s.Close()
	}
	if h != nil {
		_ = h.Close()
	}
}

// Disconnect closes the stream and any host owned by the transport
func (t *Libp2pTransport) Disconnect() error {
	t.markDisconnected()
	t.release(nil)
	return nil
}

// Send writes frame followed by a newline
func (t *Libp2pTransport) Send(ctx context.Context, frame *protocol.Frame) error {
	gen, connected := t.session()
	if !connected {
		return domain.ErrNotConnected
	}

	data, err := protocol.Encode(frame)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	t.mu.Lock()
	s := t.stream
	t.mu.Unlock()
	if s == nil {
		return domain.ErrNotConnected
	}

	deadline := time.Now().Add(t.opts.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	t.writeMu.Lock()
	_ = s.SetWriteDeadline(deadline)
	_, err = s.Write(data)
	t.writeMu.Unlock()

	if err != nil {
		if t.fail(gen, err) {
			t.release(s)
		}
		return t.connErr(err)
	}

	t.logger.WithFields(t.fields()).WithFields(logrus.Fields{
		"frame_id":       frame.ID,
		"message_length": len(data),
	}).Debug("Libp2p frame sent")
	return nil
}
