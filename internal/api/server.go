package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/swissknife-mcp/internal/domain"
	"github.com/swissknife-mcp/internal/mcp/logging"
	"github.com/swissknife-mcp/internal/mcp/protocol"
	"github.com/swissknife-mcp/internal/mcp/server"
	"github.com/swissknife-mcp/internal/mcp/transport"
	"github.com/swissknife-mcp/internal/middleware"
)

const maxFrameBytes = 4 << 20

// Server exposes an MCP server over HTTP. Plain POSTs are dispatched
// synchronously; WebSocket upgrades and WebRTC offers become long lived
// sessions served in the background.
type Server struct {
	cfg     *domain.Config
	mcp     *server.Server
	logger  *logrus.Logger
	router  *gin.Engine
	limiter *rate.Limiter

	upgrader websocket.Upgrader

	ctx      context.Context
	cancel   context.CancelFunc
	sessions sync.WaitGroup

	mu     sync.Mutex
	server *http.Server
}

// NewServer creates a new HTTP server instance
func NewServer(cfg *domain.Config, mcpServer *server.Server, logger *logrus.Logger) *Server {
	logger = logging.OrDiscard(logger)

	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CorrelationID())
	router.Use(middleware.SecurityHeaders())
	router.Use(middleware.RequestLogger(logger))

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:    cfg,
		mcp:    mcpServer,
		logger: logger,
		router: router,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		ctx:    ctx,
		cancel: cancel,
	}
	if rl := cfg.MCP.RateLimit; rl.RequestsPerSecond > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(rl.RequestsPerSecond), max(rl.Burst, 1))
	}

	s.setupRoutes()
	return s
}

// Handler returns the configured router
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves HTTP until ctx is cancelled, then shuts down gracefully
func (s *Server) Start(ctx context.Context) error {
	cfg := s.cfg.Server
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)

	srv := &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	s.mu.Lock()
	s.server = srv
	s.mu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		s.logger.WithFields(logrus.Fields{
			"addr": addr,
			"tls":  cfg.TLSEnabled,
		}).Info("HTTP server listening")

		var err error
		if cfg.TLSEnabled {
			err = srv.ListenAndServeTLS(cfg.CertFile, cfg.KeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("failed to start server: %w", err)
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		s.Close()
		if ok {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	err := srv.Shutdown(shutdownCtx)
	s.Close()
	return err
}

// Close ends every background session and waits for them to finish
func (s *Server) Close() {
	s.cancel()
	s.sessions.Wait()
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)

	mcp := s.router.Group("/mcp")
	mcp.Use(middleware.BodyLimit(maxFrameBytes))
	{
		mcp.POST("", s.handleFrame)
		mcp.GET("/ws", s.handleWebSocket)
		mcp.POST("/webrtc", s.handleWebRTCOffer)
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now(),
		"name":      s.cfg.MCP.ServerName,
		"version":   s.cfg.MCP.ServerVersion,
		"sessions":  s.mcp.Sessions(),
		"methods":   s.mcp.Methods(),
	})
}

// handleFrame answers one request frame per POST. Non-request frames are
// acknowledged with 204.
func (s *Server) handleFrame(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{
			"error": protocol.NewRPCError(protocol.InvalidRequest, "Request body too large", nil),
		})
		return
	}

	frame, err := protocol.Decode(body)
	if err != nil {
		var rpcErr *protocol.RPCError
		if !errors.As(err, &rpcErr) {
			rpcErr = protocol.NewRPCError(protocol.ParseError, "Parse error", err.Error())
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": rpcErr})
		return
	}

	if frame.Kind == protocol.KindRequest && s.limiter != nil && !s.limiter.Allow() {
		s.logger.WithFields(logrus.Fields{
			"request_id":     frame.ID,
			"method":         frame.Method,
			"correlation_id": c.GetString("correlation_id"),
		}).Warn("Rate limit exceeded")
		c.JSON(http.StatusOK, protocol.NewErrorFrame(frame.ID,
			protocol.NewRPCError(protocol.MCPRateLimited, "Rate limit exceeded", nil)))
		return
	}

	resp := s.mcp.Dispatch(c.Request.Context(), frame)
	if resp == nil {
		c.Status(http.StatusNoContent)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleWebSocket(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		s.logger.WithError(err).Warn("WebSocket upgrade failed")
		return
	}

	t := transport.AcceptWebSocket(conn, transport.WebSocketOptions{MaxMessageSize: maxFrameBytes}, s.logger)
	s.serveTransport(t)
}

func (s *Server) handleWebRTCOffer(c *gin.Context) {
	var offer webrtc.SessionDescription
	if err := c.ShouldBindJSON(&offer); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid session description"})
		return
	}
	if offer.Type != webrtc.SDPTypeOffer {
		c.JSON(http.StatusBadRequest, gin.H{"error": "expected an offer"})
		return
	}

	opts := transport.WebRTCOptions{ICEServers: s.cfg.MCP.WebRTC.ICEServers}
	t, answer, err := transport.AnswerWebRTCOffer(c.Request.Context(), offer, opts, s.logger)
	if err != nil {
		s.logger.WithError(err).Warn("Failed to answer WebRTC offer")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to answer offer"})
		return
	}

	s.serveTransport(t)
	c.JSON(http.StatusOK, answer)
}

func (s *Server) serveTransport(t transport.Transport) {
	s.sessions.Add(1)
	go func() {
		defer s.sessions.Done()
		defer func() { _ = t.Disconnect() }()

		if err := s.mcp.Serve(s.ctx, t); err != nil {
			s.logger.WithError(err).WithField("transport_type", t.GetType()).Warn("Session ended with error")
		}
	}()
}
