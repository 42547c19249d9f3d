package server

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/swissknife-mcp/internal/domain"
	"github.com/swissknife-mcp/internal/mcp/logging"
	"github.com/swissknife-mcp/internal/mcp/protocol"
	"github.com/swissknife-mcp/internal/mcp/transport"
)

// Option configures a Server
type Option func(*Server)

// WithRateLimit caps requests per second for each served transport.
// A non-positive rate disables limiting.
func WithRateLimit(rps float64, burst int) Option {
	return func(s *Server) {
		s.rps = rps
		s.burst = burst
	}
}

// WithTaskPool makes pool available to handlers through TaskPoolFromContext
func WithTaskPool(pool TaskPool) Option {
	return func(s *Server) {
		s.pool = pool
	}
}

// WithCausalClock makes clock available to handlers through CausalClockFromContext
func WithCausalClock(clock CausalClock) Option {
	return func(s *Server) {
		s.clock = clock
	}
}

// Server dispatches inbound request frames to registered handlers and
// answers each with a response or error frame carrying the same id
type Server struct {
	logger *logrus.Logger

	mu       sync.RWMutex
	handlers map[string]HandlerFunc

	rps   float64
	burst int
	pool  TaskPool
	clock CausalClock

	sessions atomic.Int64
}

// New creates a server with the built-in ping handler registered
func New(logger *logrus.Logger, opts ...Option) *Server {
	s := &Server{
		logger:   logging.OrDiscard(logger),
		handlers: make(map[string]HandlerFunc),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.rps > 0 && s.burst <= 0 {
		s.burst = 1
	}

	s.Handle("ping", func(ctx context.Context, req *Request) (any, error) {
		return struct{}{}, nil
	})
	return s
}

// Handle registers h for method, replacing any previous handler
func (s *Server) Handle(method string, h HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.handlers[method] = h
	s.logger.WithField("method", method).Debug("Registered handler")
}

// Methods lists the registered methods in sorted order
func (s *Server) Methods() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	methods := make([]string, 0, len(s.handlers))
	for m := range s.handlers {
		methods = append(methods, m)
	}
	sort.Strings(methods)
	return methods
}

// Sessions returns the number of transports currently being served
func (s *Server) Sessions() int {
	return int(s.sessions.Load())
}

// Serve consumes frames from t until ctx is done or t leaves the connected
// state. Each request is handled on its own goroutine. Serve returns nil on
// an orderly shutdown and the transport failure otherwise.
func (s *Server) Serve(ctx context.Context, t transport.Transport) error {
	inbox, err := t.Subscribe()
	if err != nil {
		return fmt.Errorf("failed to subscribe to transport: %w", err)
	}

	sessionID := uuid.New().String()
	log := s.logger.WithFields(logrus.Fields{
		"session_id":     sessionID,
		"transport_type": t.GetType(),
	})

	var limiter *rate.Limiter
	if s.rps > 0 {
		limiter = rate.NewLimiter(rate.Limit(s.rps), s.burst)
	}

	var wg sync.WaitGroup
	defer wg.Wait()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.sessions.Add(1)
	defer s.sessions.Add(-1)
	log.Info("Serving transport")

	for {
		ev, err := inbox.Receive(ctx)
		if err != nil {
			log.Info("Stopped serving transport")
			return nil
		}

		if ev.IsStateChange() {
			if ev.State == transport.StateError {
				log.WithError(ev.Err).Warn("Transport failed while serving")
				return ev.Err
			}
			log.Info("Transport closed")
			return nil
		}

		frame := ev.Frame
		if frame.Kind != protocol.KindRequest {
			log.WithFields(logrus.Fields{
				"request_id": frame.ID,
				"kind":       frame.Kind,
			}).Warn("Dropping non-request frame")
			continue
		}

		if limiter != nil && !limiter.Allow() {
			log.WithFields(logrus.Fields{
				"request_id": frame.ID,
				"method":     frame.Method,
			}).Warn("Rate limit exceeded")
			s.reply(ctx, t, log, protocol.NewErrorFrame(frame.ID,
				protocol.NewRPCError(protocol.MCPRateLimited, "Rate limit exceeded", nil)))
			continue
		}

		wg.Add(1)
		go func(frame *protocol.Frame) {
			defer wg.Done()
			if resp := s.dispatch(ctx, sessionID, frame); resp != nil {
				s.reply(ctx, t, log, resp)
			}
		}(frame)
	}
}

func (s *Server) reply(ctx context.Context, t transport.Transport, log *logrus.Entry, frame *protocol.Frame) {
	if err := t.Send(ctx, frame); err != nil {
		log.WithError(err).WithField("request_id", frame.ID).Warn("Failed to send response")
	}
}

// Dispatch runs the handler for a request frame and returns the frame to
// send back. Non-request frames yield nil.
func (s *Server) Dispatch(ctx context.Context, frame *protocol.Frame) *protocol.Frame {
	return s.dispatch(ctx, "", frame)
}

func (s *Server) dispatch(ctx context.Context, sessionID string, frame *protocol.Frame) *protocol.Frame {
	if frame.Kind != protocol.KindRequest {
		return nil
	}

	log := s.logger.WithFields(logrus.Fields{
		"request_id": frame.ID,
		"method":     frame.Method,
	})

	s.mu.RLock()
	h, ok := s.handlers[frame.Method]
	s.mu.RUnlock()

	if !ok {
		log.Warn("Method not found")
		return protocol.NewErrorFrame(frame.ID, protocol.MethodNotFoundError(frame.Method))
	}

	if s.pool != nil {
		ctx = context.WithValue(ctx, taskPoolKey, s.pool)
	}
	if s.clock != nil {
		ctx = context.WithValue(ctx, causalClockKey, s.clock)
	}

	req := &Request{
		ID:        frame.ID,
		Method:    frame.Method,
		Params:    frame.Payload,
		SessionID: sessionID,
	}

	result, err := s.invoke(ctx, h, req)
	if err != nil {
		log.WithError(err).Warn("Handler failed")
		return protocol.NewErrorFrame(frame.ID, toRPCError(err))
	}

	resp, err := protocol.NewResponse(frame.ID, result)
	if err != nil {
		log.WithError(err).Error("Failed to encode handler result")
		return protocol.NewErrorFrame(frame.ID, protocol.NewRPCError(protocol.InternalError, "Internal error", err.Error()))
	}
	log.Debug("Request handled")
	return resp
}

// invoke runs h, converting a panic into a HandlerError
func (s *Server) invoke(ctx context.Context, h HandlerFunc, req *Request) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.WithFields(logrus.Fields{
				"request_id": req.ID,
				"method":     req.Method,
				"stack":      string(debug.Stack()),
			}).Error("Handler panicked")
			result = nil
			err = &domain.HandlerError{Method: req.Method, Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	result, err = h(ctx, req)
	if err != nil {
		var rpcErr *protocol.RPCError
		var handlerErr *domain.HandlerError
		if !errors.As(err, &rpcErr) && !errors.As(err, &handlerErr) {
			err = &domain.HandlerError{Method: req.Method, Err: err}
		}
	}
	return result, err
}

func toRPCError(err error) *protocol.RPCError {
	var rpcErr *protocol.RPCError
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	if errors.Is(err, domain.ErrMethodNotFound) {
		return protocol.NewRPCError(protocol.MethodNotFound, "Method not found", err.Error())
	}
	return protocol.NewRPCError(protocol.MCPHandlerError, "Handler error", err.Error())
}
