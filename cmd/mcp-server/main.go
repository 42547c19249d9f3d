package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/jessevdk/go-flags"
	"github.com/libp2p/go-libp2p"
	p2pprotocol "github.com/libp2p/go-libp2p/core/protocol"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/swissknife-mcp/internal/api"
	"github.com/swissknife-mcp/internal/config"
	"github.com/swissknife-mcp/internal/domain"
	"github.com/swissknife-mcp/internal/mcp/logging"
	"github.com/swissknife-mcp/internal/mcp/server"
	"github.com/swissknife-mcp/internal/mcp/transport"
)

type options struct {
	Config string `short:"c" long:"config" description:"path to config file"`
}

func main() {
	opts := &options{}
	if _, err := flags.Parse(opts); err != nil {
		if flags.WroteHelp(err) {
			return
		}
		os.Exit(2)
	}

	// Load configuration
	configManager, err := config.NewManager(opts.Config)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Validate configuration
	if err := configManager.Validate(); err != nil {
		log.Fatalf("Configuration validation failed: %v", err)
	}

	cfg := configManager.GetConfig()
	logger, err := logging.NewLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.WithError(err).Fatal("MCP server failed")
	}
	logger.Info("MCP server stopped")
}

func run(ctx context.Context, cfg *domain.Config, logger *logrus.Logger) error {
	mcpServer := newMCPServer(cfg, logger)

	logger.WithFields(logrus.Fields{
		"name":    cfg.MCP.ServerName,
		"version": cfg.MCP.ServerVersion,
		"host":    cfg.Server.Host,
		"port":    cfg.Server.Port,
		"methods": mcpServer.Methods(),
	}).Info("Starting MCP server")

	g, ctx := errgroup.WithContext(ctx)

	httpServer := api.NewServer(cfg, mcpServer, logger)
	g.Go(func() error {
		return httpServer.Start(ctx)
	})

	if cfg.MCP.Libp2p.Enabled {
		g.Go(func() error {
			return serveLibp2p(ctx, cfg.MCP.Libp2p, mcpServer, logger)
		})
	}

	return g.Wait()
}

func newMCPServer(cfg *domain.Config, logger *logrus.Logger) *server.Server {
	var opts []server.Option
	if rl := cfg.MCP.RateLimit; rl.RequestsPerSecond > 0 {
		opts = append(opts, server.WithRateLimit(rl.RequestsPerSecond, rl.Burst))
	}
	if cfg.MCP.MaxConcurrentTasks > 0 {
		opts = append(opts, server.WithTaskPool(server.NewBoundedPool(cfg.MCP.MaxConcurrentTasks)))
	}

	s := server.New(logger, opts...)
	s.Handle("echo", echo)
	return s
}

// echo returns its params, running inside the task pool when one is configured
func echo(ctx context.Context, req *server.Request) (any, error) {
	pool, ok := server.TaskPoolFromContext(ctx)
	if !ok {
		return req.Params, nil
	}
	return pool.Submit(ctx, func(ctx context.Context) (any, error) {
		return req.Params, nil
	})
}

// serveLibp2p runs a libp2p host that serves every inbound MCP stream
func serveLibp2p(ctx context.Context, cfg domain.Libp2pConfig, mcpServer *server.Server, logger *logrus.Logger) error {
	h, err := libp2p.New(libp2p.ListenAddrStrings(cfg.ListenAddrs...))
	if err != nil {
		return fmt.Errorf("failed to create libp2p host: %w", err)
	}
	defer h.Close()

	protocolID := cfg.ProtocolID
	if protocolID == "" {
		protocolID = transport.DefaultLibp2pProtocol
	}

	sessions, ctx := errgroup.WithContext(ctx)
	transport.HandleLibp2pStreams(h, protocolID, logger, func(t *transport.Libp2pTransport) {
		sessions.Go(func() error {
			defer func() { _ = t.Disconnect() }()
			if err := mcpServer.Serve(ctx, t); err != nil {
				logger.WithError(err).WithField("peer", t.Endpoint()).Warn("libp2p session ended with error")
			}
			return nil
		})
	})

	for _, addr := range h.Addrs() {
		logger.WithFields(logrus.Fields{
			"addr":        fmt.Sprintf("%s/p2p/%s", addr, h.ID()),
			"protocol_id": protocolID,
		}).Info("libp2p listener ready")
	}

	<-ctx.Done()
	h.RemoveStreamHandler(p2pprotocol.ID(protocolID))
	return sessions.Wait()
}
