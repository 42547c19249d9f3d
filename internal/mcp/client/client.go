package client

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"

	"github.com/swissknife-mcp/internal/domain"
	"github.com/swissknife-mcp/internal/mcp/logging"
	"github.com/swissknife-mcp/internal/mcp/protocol"
	"github.com/swissknife-mcp/internal/mcp/transport"
)

const (
	// DefaultRequestTimeout applies when no timeout option is given
	DefaultRequestTimeout = 30 * time.Second

	// DefaultHistorySize is the number of finished request ids remembered
	// to tell late responses apart from unknown ones
	DefaultHistorySize = 1024
)

// outcomes recorded for finished requests
const (
	outcomeCompleted = "completed"
	outcomeTimedOut  = "timed_out"
	outcomeCancelled = "cancelled"
	outcomeClosed    = "transport_closed"
)

// Option configures a Client
type Option func(*Client)

// WithLogger sets the client logger
func WithLogger(logger *logrus.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithRequestTimeout sets the per-request deadline. Zero disables it.
func WithRequestTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.timeout = d
	}
}

// WithHistorySize sets how many finished request ids are remembered
func WithHistorySize(n int) Option {
	return func(c *Client) {
		c.historySize = n
	}
}

// Client owns one transport and correlates concurrent requests with their
// responses. It never connects or retries on its own.
type Client struct {
	sessionID   string
	transport   transport.Transport
	logger      *logrus.Logger
	timeout     time.Duration
	historySize int

	nextID atomic.Uint64

	mu       sync.Mutex
	pending  map[string]*Future
	finished *lru.Cache[string, string]

	inbox  *transport.Inbox
	cancel context.CancelFunc
	done   chan struct{}
	closed atomic.Bool
}

// New wraps t, which may or may not be connected yet. The client becomes
// the transport's only subscriber.
func New(t transport.Transport, opts ...Option) (*Client, error) {
	c := &Client{
		sessionID:   uuid.New().String(),
		transport:   t,
		timeout:     DefaultRequestTimeout,
		historySize: DefaultHistorySize,
		pending:     make(map[string]*Future),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = logging.OrDiscard(c.logger)

	if c.historySize <= 0 {
		c.historySize = DefaultHistorySize
	}
	finished, err := lru.New[string, string](c.historySize)
	if err != nil {
		return nil, fmt.Errorf("failed to create request history: %w", err)
	}
	c.finished = finished

	inbox, err := t.Subscribe()
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to transport: %w", err)
	}
	c.inbox = inbox

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	go c.dispatchLoop(ctx)

	c.logger.WithFields(logrus.Fields{
		"client_id":      c.sessionID,
		"transport_type": t.GetType(),
	}).Debug("MCP client created")

	return c, nil
}

// NewFromConfig resolves cfg through factory and wraps the new transport
func NewFromConfig(cfg transport.Config, factory *transport.Factory, opts ...Option) (*Client, error) {
	t, err := factory.Create(cfg)
	if err != nil {
		return nil, err
	}
	return New(t, opts...)
}

// SessionID identifies this client in logs
func (c *Client) SessionID() string {
	return c.sessionID
}

// Transport returns the owned transport
func (c *Client) Transport() transport.Transport {
	return c.transport
}

// IsConnected reports whether the owned transport is connected
func (c *Client) IsConnected() bool {
	return c.transport.IsConnected()
}

// Connect connects the owned transport
func (c *Client) Connect(ctx context.Context) error {
	if c.closed.Load() {
		return domain.ErrTransportClosed
	}
	return c.transport.Connect(ctx)
}

// Pending returns the number of outstanding requests
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// SendRequest sends a request frame and returns its future. It fails with
// domain.ErrNotConnected, without sending anything, when the transport is
// not connected. Every call uses a fresh id.
func (c *Client) SendRequest(ctx context.Context, method string, params any) (*Future, error) {
	if c.closed.Load() {
		return nil, domain.ErrTransportClosed
	}
	if !c.transport.IsConnected() {
		return nil, domain.ErrNotConnected
	}

	id := strconv.FormatUint(c.nextID.Add(1), 10)
	frame, err := protocol.NewRequest(id, method, params)
	if err != nil {
		return nil, err
	}

	f := newFuture(c, id, method)
	f.gen = c.transport.Generation()
	c.mu.Lock()
	c.pending[id] = f
	if c.timeout > 0 {
		f.timer = time.AfterFunc(c.timeout, func() {
			c.resolve(id, nil, fmt.Errorf("%w: %s after %s", domain.ErrRequestTimeout, method, c.timeout), outcomeTimedOut)
		})
	}
	c.mu.Unlock()

	if err := c.transport.Send(ctx, frame); err != nil {
		c.discard(id)
		return nil, err
	}

	c.logger.WithFields(logrus.Fields{
		"client_id":  c.sessionID,
		"request_id": id,
		"method":     method,
	}).Debug("Request sent")

	return f, nil
}

// Call sends a request, waits for its response and decodes the result into out
func (c *Client) Call(ctx context.Context, method string, params, out any) error {
	f, err := c.SendRequest(ctx, method, params)
	if err != nil {
		return err
	}
	resp, err := f.Await(ctx)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return resp.Decode(out)
}

// Close disconnects the transport and fails every outstanding request
// with domain.ErrTransportClosed
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	err := c.transport.Disconnect()
	c.cancel()
	<-c.done
	c.failAll(domain.ErrTransportClosed, math.MaxUint64)

	c.logger.WithField("client_id", c.sessionID).Debug("MCP client closed")
	return err
}

// resolve removes the pending entry for id and completes its future.
// Whoever removes the entry is the only one to complete it.
func (c *Client) resolve(id string, resp *Response, err error, outcome string) bool {
	c.mu.Lock()
	f, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
		c.finished.Add(id, outcome)
	}
	c.mu.Unlock()

	if !ok {
		return false
	}

	f.complete(resp, err)

	entry := c.logger.WithFields(logrus.Fields{
		"client_id":  c.sessionID,
		"request_id": id,
		"method":     f.method,
		"outcome":    outcome,
		"elapsed":    time.Since(f.started).String(),
	})
	if outcome == outcomeTimedOut {
		entry.Warn("Request timed out")
	} else {
		entry.Debug("Request resolved")
	}
	return true
}

// discard drops a pending entry whose frame was never sent
func (c *Client) discard(id string) {
	c.mu.Lock()
	f, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()

	if ok && f.timer != nil {
		f.timer.Stop()
	}
}

// failAll rejects every outstanding request sent on session gen or earlier.
// Requests sent after a reconnect stay pending.
func (c *Client) failAll(cause error, gen uint64) {
	c.mu.Lock()
	var pending []*Future
	for id, f := range c.pending {
		if f.gen > gen {
			continue
		}
		delete(c.pending, id)
		c.finished.Add(id, outcomeClosed)
		pending = append(pending, f)
	}
	c.mu.Unlock()

	if len(pending) == 0 {
		return
	}

	err := closedError(cause)
	for _, f := range pending {
		f.complete(nil, err)
	}

	c.logger.WithFields(logrus.Fields{
		"client_id": c.sessionID,
		"failed":    len(pending),
	}).WithError(cause).Warn("Transport closed with requests outstanding")
}

func closedError(cause error) error {
	if cause == nil || errors.Is(cause, domain.ErrTransportClosed) {
		return domain.ErrTransportClosed
	}
	return fmt.Errorf("%w: %w", domain.ErrTransportClosed, cause)
}

func (c *Client) dispatchLoop(ctx context.Context) {
	defer close(c.done)

	for {
		ev, err := c.inbox.Receive(ctx)
		if err != nil {
			return
		}

		if ev.IsStateChange() {
			c.failAll(ev.Err, ev.Generation)
			continue
		}
		c.handleFrame(ev.Frame)
	}
}

func (c *Client) handleFrame(frame *protocol.Frame) {
	fields := logrus.Fields{
		"client_id":  c.sessionID,
		"request_id": frame.ID,
		"kind":       frame.Kind,
	}

	if frame.Kind == protocol.KindRequest {
		c.logger.WithFields(fields).WithField("method", frame.Method).Warn("Dropping inbound request frame, client does not serve requests")
		return
	}

	resp, err := responseFromFrame(frame)
	if c.resolve(frame.ID, resp, err, outcomeCompleted) {
		return
	}

	if outcome, ok := c.finished.Get(frame.ID); ok {
		fields["previous_outcome"] = outcome
		c.logger.WithFields(fields).Warn("Discarding late response for finished request")
		return
	}
	c.logger.WithFields(fields).Warn("Discarding response with unknown request id")
}
