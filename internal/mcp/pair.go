package mcp

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/swissknife-mcp/internal/mcp/client"
	"github.com/swissknife-mcp/internal/mcp/logging"
	"github.com/swissknife-mcp/internal/mcp/server"
	"github.com/swissknife-mcp/internal/mcp/transport"
)

// PairOptions configures NewConnectedMemoryPair
type PairOptions struct {
	Logger        *logrus.Logger
	ClientOptions []client.Option
	ServerOptions []server.Option

	// Server, when set, is served instead of a new one built from ServerOptions
	Server *server.Server
}

// MemoryPair is a client and server wired over an in-process channel
type MemoryPair struct {
	Client          *client.Client
	Server          *server.Server
	ClientTransport *transport.MemoryTransport
	ServerTransport *transport.MemoryTransport
	Channel         *transport.MemoryChannel

	cancel    context.CancelFunc
	serveDone chan struct{}
	serveErr  error
	closeOnce sync.Once
}

// NewMemoryPair returns the two unconnected endpoints of a fresh MemoryChannel
func NewMemoryPair(logger *logrus.Logger) (clientT, serverT *transport.MemoryTransport) {
	clientT, serverT, _ = transport.NewMemoryPair(logger)
	return clientT, serverT
}

// NewConnectedMemoryPair builds a memory pair, connects both ends and starts
// serving. Requests sent through pair.Client reach pair.Server without any
// network I/O.
func NewConnectedMemoryPair(ctx context.Context, opts PairOptions) (*MemoryPair, error) {
	logger := logging.OrDiscard(opts.Logger)
	clientT, serverT, channel := transport.NewMemoryPair(logger)

	srv := opts.Server
	if srv == nil {
		srv = server.New(logger, opts.ServerOptions...)
	}

	if err := serverT.Connect(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect server transport: %w", err)
	}

	clientOpts := append([]client.Option{client.WithLogger(logger)}, opts.ClientOptions...)
	c, err := client.New(clientT, clientOpts...)
	if err != nil {
		_ = serverT.Disconnect()
		return nil, err
	}
	if err := c.Connect(ctx); err != nil {
		_ = c.Close()
		_ = serverT.Disconnect()
		return nil, fmt.Errorf("failed to connect client transport: %w", err)
	}

	serveCtx, cancel := context.WithCancel(context.Background())
	p := &MemoryPair{
		Client:          c,
		Server:          srv,
		ClientTransport: clientT,
		ServerTransport: serverT,
		Channel:         channel,
		cancel:          cancel,
		serveDone:       make(chan struct{}),
	}

	go func() {
		defer close(p.serveDone)
		p.serveErr = srv.Serve(serveCtx, serverT)
	}()

	logger.WithField("channel_id", channel.ID()).Debug("Connected memory pair ready")
	return p, nil
}

// Close stops serving, then shuts down the client and disconnects the server end
func (p *MemoryPair) Close() error {
	var err error
	p.closeOnce.Do(func() {
		p.cancel()
		<-p.serveDone
		err = errors.Join(p.Client.Close(), p.ServerTransport.Disconnect())
	})
	return err
}

// ServeErr returns the error Serve ended with. It is nil while serving and
// after a clean Close. A client disconnect ends serving with the server
// transport's error.
func (p *MemoryPair) ServeErr() error {
	select {
	case <-p.serveDone:
		return p.serveErr
	default:
		return nil
	}
}
