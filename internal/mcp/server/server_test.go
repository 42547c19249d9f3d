package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swissknife-mcp/internal/domain"
	"github.com/swissknife-mcp/internal/mcp/client"
	"github.com/swissknife-mcp/internal/mcp/protocol"
	"github.com/swissknife-mcp/internal/mcp/transport"
)

// serve wires s to a fresh memory pair and returns a connected client
func serve(t *testing.T, s *Server) (*client.Client, *transport.MemoryTransport, <-chan error) {
	t.Helper()
	logger, _ := test.NewNullLogger()
	clientT, serverT, _ := transport.NewMemoryPair(logger)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, serverT.Connect(ctx))

	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, serverT) }()

	c, err := client.New(clientT, client.WithLogger(logger), client.WithRequestTimeout(5*time.Second))
	require.NoError(t, err)
	require.NoError(t, c.Connect(ctx))

	t.Cleanup(func() {
		_ = c.Close()
		cancel()
	})
	return c, serverT, done
}

func newTestServer(opts ...Option) *Server {
	logger, _ := test.NewNullLogger()
	s := New(logger, opts...)
	s.Handle("echo", func(ctx context.Context, req *Request) (any, error) {
		return req.Params, nil
	})
	return s
}

func TestServer_EchoRoundTrip(t *testing.T) {
	c, _, _ := serve(t, newTestServer())

	var out map[string]string
	require.NoError(t, c.Call(context.Background(), "echo", map[string]string{"msg": "hello"}, &out))
	assert.Equal(t, "hello", out["msg"])
}

func TestServer_BuiltinPing(t *testing.T) {
	s := newTestServer()
	assert.Equal(t, []string{"echo", "ping"}, s.Methods())

	c, _, _ := serve(t, s)
	assert.NoError(t, c.Call(context.Background(), "ping", nil, nil))
}

func TestServer_MethodNotFound(t *testing.T) {
	c, _, _ := serve(t, newTestServer())

	err := c.Call(context.Background(), "tools/unknown", nil, nil)

	var rpcErr *protocol.RPCError
	require.True(t, errors.As(err, &rpcErr))
	assert.Equal(t, protocol.MethodNotFound, rpcErr.Code)
	assert.Equal(t, "Method 'tools/unknown' not found", rpcErr.Data)
	assert.Equal(t, 0, c.Pending())
}

func TestServer_HandlerFailuresAreIsolated(t *testing.T) {
	s := newTestServer()
	s.Handle("fail", func(ctx context.Context, req *Request) (any, error) {
		return nil, errors.New("disk on fire")
	})
	s.Handle("panic", func(ctx context.Context, req *Request) (any, error) {
		panic("unexpected nil")
	})
	s.Handle("strict", func(ctx context.Context, req *Request) (any, error) {
		var params struct {
			Count int `json:"count"`
		}
		if err := req.Bind(&params); err != nil {
			return nil, err
		}
		return params.Count, nil
	})
	s.Handle("gone", func(ctx context.Context, req *Request) (any, error) {
		return nil, fmt.Errorf("lookup: %w", domain.ErrMethodNotFound)
	})
	c, _, _ := serve(t, s)

	tests := []struct {
		name    string
		method  string
		params  any
		code    int
		message string
	}{
		{"Handler error", "fail", nil, protocol.MCPHandlerError, "handler fail failed: disk on fire"},
		{"Handler panic", "panic", nil, protocol.MCPHandlerError, "handler panic failed: panic: unexpected nil"},
		{"Invalid params", "strict", map[string]string{"count": "many"}, protocol.InvalidParams, ""},
		{"Wrapped not found", "gone", nil, protocol.MethodNotFound, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := c.Call(context.Background(), tt.method, tt.params, nil)

			var rpcErr *protocol.RPCError
			require.True(t, errors.As(err, &rpcErr), "got %v", err)
			assert.Equal(t, tt.code, rpcErr.Code)
			if tt.message != "" {
				assert.Equal(t, tt.message, rpcErr.Data)
			}
		})
	}

	// the connection keeps serving after failures
	var out map[string]int
	require.NoError(t, c.Call(context.Background(), "echo", map[string]int{"n": 1}, &out))
	assert.Equal(t, 1, out["n"])
}

func TestServer_ConcurrentRequests(t *testing.T) {
	s := newTestServer()
	s.Handle("delay", func(ctx context.Context, req *Request) (any, error) {
		var params struct{ N int }
		if err := req.Bind(&params); err != nil {
			return nil, err
		}
		time.Sleep(time.Duration(10-params.N%10) * time.Millisecond)
		return params.N, nil
	})
	c, _, _ := serve(t, s)

	const n = 20
	results := make([]int, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = c.Call(context.Background(), "delay", map[string]int{"n": i}, &results[i])
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, i, results[i])
	}
}

func TestServer_RateLimit(t *testing.T) {
	c, _, _ := serve(t, newTestServer(WithRateLimit(0.001, 1)))

	require.NoError(t, c.Call(context.Background(), "ping", nil, nil))

	err := c.Call(context.Background(), "ping", nil, nil)
	var rpcErr *protocol.RPCError
	require.True(t, errors.As(err, &rpcErr))
	assert.Equal(t, protocol.MCPRateLimited, rpcErr.Code)
}

type fixedClock struct{}

func (fixedClock) Compare(a, b json.RawMessage) (int, error) {
	return len(a) - len(b), nil
}

func (fixedClock) Merge(a, b json.RawMessage) (json.RawMessage, error) {
	return b, nil
}

func TestServer_Collaborators(t *testing.T) {
	pool := NewBoundedPool(2)
	s := newTestServer(WithTaskPool(pool), WithCausalClock(fixedClock{}))
	s.Handle("compute", func(ctx context.Context, req *Request) (any, error) {
		p, ok := TaskPoolFromContext(ctx)
		if !ok {
			return nil, errors.New("no pool")
		}
		clock, ok := CausalClockFromContext(ctx)
		if !ok {
			return nil, errors.New("no clock")
		}
		order, err := clock.Compare(json.RawMessage(`[1]`), json.RawMessage(`[1,2]`))
		if err != nil {
			return nil, err
		}
		return p.Submit(ctx, func(ctx context.Context) (any, error) {
			return map[string]int{"order": order, "size": pool.Size()}, nil
		})
	})
	c, _, _ := serve(t, s)

	var out map[string]int
	require.NoError(t, c.Call(context.Background(), "compute", nil, &out))
	assert.Equal(t, -2, out["order"])
	assert.Equal(t, 2, out["size"])
}

func TestServer_ServeStopsOnDisconnect(t *testing.T) {
	s := newTestServer()
	c, serverT, done := serve(t, s)

	require.NoError(t, c.Call(context.Background(), "ping", nil, nil))
	assert.Eventually(t, func() bool { return s.Sessions() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, serverT.Disconnect())

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return")
	}
	assert.Equal(t, 0, s.Sessions())
}

func TestServer_ServeEndsWhenClientDisconnects(t *testing.T) {
	s := newTestServer()
	c, serverT, done := serve(t, s)

	require.NoError(t, c.Call(context.Background(), "ping", nil, nil))
	require.NoError(t, c.Transport().Disconnect())

	select {
	case err := <-done:
		var connErr *domain.ConnectionError
		assert.ErrorAs(t, err, &connErr)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return")
	}
	assert.Equal(t, transport.StateError, serverT.State())
	assert.Equal(t, 0, s.Sessions())
}

func TestServer_ServeRequiresExclusiveTransport(t *testing.T) {
	_, serverT, _ := transport.NewMemoryPair(nil)
	_, err := serverT.Subscribe()
	require.NoError(t, err)

	err = newTestServer().Serve(context.Background(), serverT)
	assert.ErrorIs(t, err, domain.ErrAlreadySubscribed)
}

func TestServer_Dispatch(t *testing.T) {
	s := newTestServer()

	req, err := protocol.NewRequest("5", "echo", map[string]int{"a": 1})
	require.NoError(t, err)

	resp := s.Dispatch(context.Background(), req)
	require.NotNil(t, resp)
	assert.Equal(t, "5", resp.ID)
	assert.Equal(t, protocol.KindResponse, resp.Kind)
	assert.JSONEq(t, `{"a":1}`, string(resp.Payload))

	assert.Nil(t, s.Dispatch(context.Background(), &protocol.Frame{ID: "5", Kind: protocol.KindResponse}))

	missing := s.Dispatch(context.Background(), &protocol.Frame{ID: "6", Kind: protocol.KindRequest, Method: "nope"})
	require.NotNil(t, missing)
	assert.Equal(t, protocol.KindError, missing.Kind)
	assert.Equal(t, protocol.MethodNotFound, missing.Error.Code)
}

func TestServer_UnencodableResult(t *testing.T) {
	s := newTestServer()
	s.Handle("chan", func(ctx context.Context, req *Request) (any, error) {
		return make(chan int), nil
	})

	resp := s.Dispatch(context.Background(), &protocol.Frame{ID: "1", Kind: protocol.KindRequest, Method: "chan"})
	require.NotNil(t, resp)
	assert.Equal(t, protocol.InternalError, resp.Error.Code)
}
