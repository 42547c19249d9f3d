package transport

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/swissknife-mcp/internal/domain"
	"github.com/swissknife-mcp/internal/mcp/logging"
	"github.com/swissknife-mcp/internal/mcp/protocol"
)

var (
	errConnectInProgress = errors.New("connect already in progress")
	errConnectAborted    = errors.New("connect aborted by disconnect")
)

// base carries the state machine and inbound queue shared by every variant.
// Each Connect attempt starts a new generation so that I/O goroutines of a
// previous session cannot affect the current one.
type base struct {
	kind     TransportType
	endpoint string
	logger   *logrus.Logger

	mu    sync.RWMutex
	state State
	gen   uint64

	inbox      *Inbox
	subscribed atomic.Bool
}

func (b *base) init(kind TransportType, endpoint string, logger *logrus.Logger, inbox *Inbox) {
	if inbox == nil {
		inbox = newInbox()
	}
	b.kind = kind
	b.endpoint = endpoint
	b.logger = logging.OrDiscard(logger)
	b.inbox = inbox
}

// GetType returns the transport type identifier
func (b *base) GetType() TransportType {
	return b.kind
}

// Endpoint returns the configured endpoint
func (b *base) Endpoint() string {
	return b.endpoint
}

// State returns a snapshot of the connection state
func (b *base) State() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

// Generation returns the current session generation
func (b *base) Generation() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.gen
}

// IsConnected reports whether the transport is connected
func (b *base) IsConnected() bool {
	return b.State() == StateConnected
}

// Subscribe returns the inbound event queue to its single consumer
func (b *base) Subscribe() (*Inbox, error) {
	if !b.subscribed.CompareAndSwap(false, true) {
		return nil, domain.ErrAlreadySubscribed
	}
	return b.inbox, nil
}

func (b *base) fields() logrus.Fields {
	return logrus.Fields{
		"transport_type": b.kind,
		"endpoint":       b.endpoint,
	}
}

func (b *base) connErr(err error) error {
	return domain.NewConnectionError(string(b.kind), b.endpoint, err)
}

// beginConnect moves the transport to Connecting. proceed is false when the
// transport is already connected or another attempt is running.
func (b *base) beginConnect() (gen uint64, proceed bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateConnected:
		return b.gen, false, nil
	case StateConnecting:
		return 0, false, b.connErr(errConnectInProgress)
	}

	b.gen++
	b.state = StateConnecting
	b.logger.WithFields(b.fields()).Debug("Connecting transport")
	return b.gen, true, nil
}

// markConnected completes the attempt started under gen. It returns false
// when the attempt was abandoned by a concurrent Disconnect.
func (b *base) markConnected(gen uint64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.gen != gen || b.state != StateConnecting {
		return false
	}
	b.state = StateConnected
	b.logger.WithFields(b.fields()).Info("Transport connected")
	return true
}

// connectFailed records a failed attempt and returns the ConnectionError
func (b *base) connectFailed(gen uint64, cause error) error {
	b.mu.Lock()
	if b.gen == gen && b.state == StateConnecting {
		b.state = StateError
	}
	b.mu.Unlock()

	b.logger.WithFields(b.fields()).WithError(cause).Warn("Transport connect failed")

	var connErr *domain.ConnectionError
	if errors.As(cause, &connErr) {
		return cause
	}
	return b.connErr(cause)
}

// markDisconnected moves the transport to Disconnected. A transport leaving
// the Connected or Connecting state notifies its consumer.
func (b *base) markDisconnected() {
	b.mu.Lock()
	prev, ended := b.state, b.gen
	b.gen++
	b.state = StateDisconnected
	b.mu.Unlock()

	if prev == StateConnected || prev == StateConnecting {
		b.logger.WithFields(b.fields()).Info("Transport disconnected")
		b.inbox.push(Event{State: StateDisconnected, Err: domain.ErrTransportClosed, Generation: ended})
	}
}

// fail moves a connected transport of generation gen to Error
func (b *base) fail(gen uint64, cause error) bool {
	b.mu.Lock()
	if b.gen != gen || b.state != StateConnected {
		b.mu.Unlock()
		return false
	}
	b.state = StateError
	b.mu.Unlock()

	b.logger.WithFields(b.fields()).WithError(cause).Warn("Transport failed")
	b.inbox.push(Event{State: StateError, Err: b.connErr(cause), Generation: gen})
	return true
}

// deliver queues an inbound frame read by the session of generation gen
func (b *base) deliver(gen uint64, frame *protocol.Frame) {
	b.mu.RLock()
	live := b.gen == gen && (b.state == StateConnected || b.state == StateConnecting)
	b.mu.RUnlock()

	if !live {
		b.logger.WithFields(b.fields()).WithField("frame_id", frame.ID).Debug("Dropping frame from stale session")
		return
	}
	b.inbox.push(Event{Frame: frame})
}

// session returns the current generation if connected
func (b *base) session() (uint64, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.gen, b.state == StateConnected
}
