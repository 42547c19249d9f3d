package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"github.com/swissknife-mcp/internal/domain"
	"github.com/swissknife-mcp/internal/mcp/protocol"
)

// maxResponseBytes bounds a single HTTPS response frame
const maxResponseBytes = 8 << 20

// HTTPSOptions configures an HTTPSTransport
type HTTPSOptions struct {
	Headers         map[string]string `mapstructure:"headers"`
	Timeout         time.Duration     `mapstructure:"timeout"`
	Preflight       bool              `mapstructure:"preflight"`
	BreakerFailures uint32            `mapstructure:"breaker_failures"`
	BreakerTimeout  time.Duration     `mapstructure:"breaker_timeout"`
	HTTPClient      *http.Client      `mapstructure:"-"`
}

func (o HTTPSOptions) withDefaults() HTTPSOptions {
	if o.Timeout <= 0 {
		o.Timeout = 30 * time.Second
	}
	if o.BreakerFailures == 0 {
		o.BreakerFailures = 5
	}
	if o.BreakerTimeout <= 0 {
		o.BreakerTimeout = 30 * time.Second
	}
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{Timeout: o.Timeout}
	}
	return o
}

type httpResult struct {
	status int
	body   []byte
}

// HTTPSTransport performs one synchronous POST per frame and treats the
// response body as the inbound frame. There is no independent inbound
// stream: the transport counts as connected from a successful Connect until
// Disconnect, whatever the outcome of individual requests.
type HTTPSTransport struct {
	base
	opts    HTTPSOptions
	breaker *gobreaker.CircuitBreaker
}

// NewHTTPSTransport creates a transport posting frames to endpoint
func NewHTTPSTransport(endpoint string, opts HTTPSOptions, logger *logrus.Logger) *HTTPSTransport {
	t := &HTTPSTransport{opts: opts.withDefaults()}
	t.init(TransportHTTPS, endpoint, logger, nil)

	t.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "https:" + endpoint,
		MaxRequests: 1,
		Timeout:     t.opts.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= t.opts.BreakerFailures
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			t.logger.WithFields(t.fields()).WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("Circuit breaker state changed")
		},
	})
	return t
}

// BreakerState exposes the circuit breaker state for diagnostics
func (t *HTTPSTransport) BreakerState() gobreaker.State {
	return t.breaker.State()
}

// Connect optionally checks the endpoint with a GET. Any response below 500 counts as
// reachable.
func (t *HTTPSTransport) Connect(ctx context.Context) error {
	gen, proceed, err := t.beginConnect()
	if !proceed {
		return err
	}

	if t.opts.Preflight {
		if err := t.preflight(ctx); err != nil {
			return t.connectFailed(gen, err)
		}
	}

	if !t.markConnected(gen) {
		return t.connErr(errConnectAborted)
	}
	return nil
}

func (t *HTTPSTransport) preflight(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.endpoint, nil)
	if err != nil {
		return err
	}
	t.setHeaders(req)

	resp, err := t.opts.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("preflight returned status %d", resp.StatusCode)
	}
	return nil
}

// Disconnect marks the transport disconnected and drops idle connections
func (t *HTTPSTransport) Disconnect() error {
	t.markDisconnected()
	t.opts.HTTPClient.CloseIdleConnections()
	return nil
}

// Send posts frame and queues the response body, if any, as an inbound frame
func (t *HTTPSTransport) Send(ctx context.Context, frame *protocol.Frame) error {
	gen, connected := t.session()
	if !connected {
		return domain.ErrNotConnected
	}

	data, err := protocol.Encode(frame)
	if err != nil {
		return err
	}

	out, err := t.breaker.Execute(func() (interface{}, error) {
		return t.roundTrip(ctx, data)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			t.logger.WithFields(t.fields()).Warn("Circuit breaker rejected request")
		}
		return t.connErr(err)
	}

	res := out.(*httpResult)
	fields := t.fields()
	fields["frame_id"] = frame.ID
	fields["status"] = res.status

	if res.status < 200 || res.status >= 300 {
		t.logger.WithFields(fields).Warn("HTTPS request rejected")
		return t.connErr(fmt.Errorf("unexpected status %d", res.status))
	}
	if res.status == http.StatusNoContent || len(bytes.TrimSpace(res.body)) == 0 {
		t.logger.WithFields(fields).Debug("HTTPS request carried no response frame")
		return nil
	}

	reply, err := protocol.Decode(res.body)
	if err != nil {
		return t.connErr(fmt.Errorf("invalid response frame: %w", err))
	}
	t.deliver(gen, reply)

	t.logger.WithFields(fields).Debug("HTTPS round trip completed")
	return nil
}

// roundTrip reports transport failures and 5xx answers as errors so the
// breaker counts them. Other statuses are returned to the caller.
func (t *HTTPSTransport) roundTrip(ctx context.Context, data []byte) (*httpResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	t.setHeaders(req)

	resp, err := t.opts.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		return nil, fmt.Errorf("server returned status %d", resp.StatusCode)
	}
	return &httpResult{status: resp.StatusCode, body: body}, nil
}

func (t *HTTPSTransport) setHeaders(req *http.Request) {
	for k, v := range t.opts.Headers {
		req.Header.Set(k, v)
	}
}
