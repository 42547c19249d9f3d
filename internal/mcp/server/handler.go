package server

import (
	"context"
	"encoding/json"

	"github.com/swissknife-mcp/internal/mcp/protocol"
)

// Request is an inbound request as seen by a handler
type Request struct {
	ID        string
	Method    string
	Params    json.RawMessage
	SessionID string
}

// Bind decodes the request params into v. Decoding failures are reported
// to the caller as invalid params.
func (r *Request) Bind(v any) error {
	if len(r.Params) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.Params, v); err != nil {
		return protocol.NewRPCError(protocol.InvalidParams, "Invalid params", err.Error())
	}
	return nil
}

// HandlerFunc processes one request. Returning a *protocol.RPCError sends
// that error to the caller unchanged; any other error is reported as a
// handler failure.
type HandlerFunc func(ctx context.Context, req *Request) (any, error)

// TaskPool runs background work on behalf of handlers
type TaskPool interface {
	Submit(ctx context.Context, task func(ctx context.Context) (any, error)) (any, error)
}

// CausalClock compares and merges encoded causal clocks for handlers that
// need distributed ordering. Compare orders a relative to b as -1, 0 or 1.
type CausalClock interface {
	Compare(a, b json.RawMessage) (int, error)
	Merge(a, b json.RawMessage) (json.RawMessage, error)
}

type contextKey int

const (
	taskPoolKey contextKey = iota
	causalClockKey
)

// TaskPoolFromContext returns the task pool configured on the server
func TaskPoolFromContext(ctx context.Context) (TaskPool, bool) {
	p, ok := ctx.Value(taskPoolKey).(TaskPool)
	return p, ok
}

// CausalClockFromContext returns the causal clock configured on the server
func CausalClockFromContext(ctx context.Context) (CausalClock, bool) {
	c, ok := ctx.Value(causalClockKey).(CausalClock)
	return c, ok
}
