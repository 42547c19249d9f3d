package client

import (
	"context"
	"encoding/json"
	"time"

	"github.com/swissknife-mcp/internal/mcp/protocol"
)

// Response is the successful outcome of a request
type Response struct {
	ID     string
	Result json.RawMessage
}

// Decode unmarshals the result into v
func (r *Response) Decode(v any) error {
	if len(r.Result) == 0 {
		return nil
	}
	return json.Unmarshal(r.Result, v)
}

// Future is the single-resolution completion handle of one request. It is
// resolved exactly once: by the matching response, by its deadline, by
// cancellation or by the transport closing.
type Future struct {
	id      string
	method  string
	client  *Client
	started time.Time

	// set under the client lock before the future becomes reachable
	timer *time.Timer
	// transport session the request was sent on
	gen uint64

	done chan struct{}
	resp *Response
	err  error
}

func newFuture(c *Client, id, method string) *Future {
	return &Future{
		id:      id,
		method:  method,
		client:  c,
		started: time.Now(),
		done:    make(chan struct{}),
	}
}

// ID returns the correlation id of the request
func (f *Future) ID() string {
	return f.id
}

// Method returns the requested method
func (f *Future) Method() string {
	return f.method
}

// Done is closed once the future is resolved
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Await waits for the outcome. Cancelling ctx cancels the request. Error
// frames from the peer surface as *protocol.RPCError.
func (f *Future) Await(ctx context.Context) (*Response, error) {
	select {
	case <-f.done:
	case <-ctx.Done():
		f.client.resolve(f.id, nil, ctx.Err(), outcomeCancelled)
		<-f.done
	}
	return f.resp, f.err
}

// Cancel abandons the request. A response arriving later is discarded.
func (f *Future) Cancel() {
	f.client.resolve(f.id, nil, context.Canceled, outcomeCancelled)
}

func (f *Future) complete(resp *Response, err error) {
	if f.timer != nil {
		f.timer.Stop()
	}
	f.resp = resp
	f.err = err
	close(f.done)
}

func responseFromFrame(frame *protocol.Frame) (*Response, error) {
	if frame.Kind == protocol.KindError {
		return nil, frame.Error
	}
	return &Response{ID: frame.ID, Result: frame.Payload}, nil
}
