package mcp

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swissknife-mcp/internal/domain"
	"github.com/swissknife-mcp/internal/mcp/client"
	"github.com/swissknife-mcp/internal/mcp/protocol"
	"github.com/swissknife-mcp/internal/mcp/server"
	"github.com/swissknife-mcp/internal/mcp/transport"
)

func newPair(t *testing.T, srv *server.Server) *MemoryPair {
	t.Helper()
	logger, _ := test.NewNullLogger()
	pair, err := NewConnectedMemoryPair(context.Background(), PairOptions{
		Logger:        logger,
		Server:        srv,
		ClientOptions: []client.Option{client.WithRequestTimeout(5 * time.Second)},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pair.Close() })
	return pair
}

func TestNewMemoryPair(t *testing.T) {
	clientT, serverT := NewMemoryPair(nil)

	assert.Equal(t, transport.TransportMemory, clientT.GetType())
	assert.Equal(t, transport.RoleClient, clientT.Role())
	assert.Equal(t, transport.RoleServer, serverT.Role())
	assert.Same(t, clientT.Channel(), serverT.Channel())
	assert.False(t, clientT.IsConnected())
	assert.False(t, serverT.IsConnected())
}

func TestConnectedMemoryPair_RequestReceivedExactlyOnce(t *testing.T) {
	var mu sync.Mutex
	seen := make(map[string]int)

	srv := server.New(nil)
	srv.Handle("record", func(ctx context.Context, req *server.Request) (any, error) {
		mu.Lock()
		seen[req.ID]++
		mu.Unlock()
		return req.ID, nil
	})
	pair := newPair(t, srv)

	const n = 25
	futures := make([]*client.Future, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			f, err := pair.Client.SendRequest(context.Background(), "record", nil)
			assert.NoError(t, err)
			futures[i] = f
		}(i)
	}
	wg.Wait()

	for _, f := range futures {
		require.NotNil(t, f)
		resp, err := f.Await(context.Background())
		require.NoError(t, err)

		var echoed string
		require.NoError(t, resp.Decode(&echoed))
		assert.Equal(t, f.ID(), echoed, "response resolved a different request")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, seen, n)
	for id, count := range seen {
		assert.Equal(t, 1, count, "request %s handled %d times", id, count)
	}
	assert.Equal(t, 0, pair.Client.Pending())
}

func TestConnectedMemoryPair_StrayResponseDoesNotDisturbPending(t *testing.T) {
	logger, hook := test.NewNullLogger()
	release := make(chan struct{})

	srv := server.New(logger)
	srv.Handle("block", func(ctx context.Context, req *server.Request) (any, error) {
		<-release
		return "done", nil
	})

	pair, err := NewConnectedMemoryPair(context.Background(), PairOptions{Logger: logger, Server: srv})
	require.NoError(t, err)
	defer pair.Close()

	f, err := pair.Client.SendRequest(context.Background(), "block", nil)
	require.NoError(t, err)

	stray, err := protocol.NewResponse("999999", "stray")
	require.NoError(t, err)
	require.NoError(t, pair.ServerTransport.Send(context.Background(), stray))

	assert.Eventually(t, func() bool {
		for _, e := range hook.AllEntries() {
			if e.Level == logrus.WarnLevel && e.Data["request_id"] == "999999" {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	select {
	case <-f.Done():
		t.Fatal("pending request resolved by an unrelated response")
	default:
	}
	assert.Equal(t, 1, pair.Client.Pending())

	close(release)
	resp, err := f.Await(context.Background())
	require.NoError(t, err)
	assert.JSONEq(t, `"done"`, string(resp.Result))
}

func TestConnectedMemoryPair_DisconnectRejectsOutstanding(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	srv := server.New(nil)
	srv.Handle("block", func(ctx context.Context, req *server.Request) (any, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil, ctx.Err()
	})
	pair := newPair(t, srv)

	const k = 4
	futures := make([]*client.Future, k)
	for i := range futures {
		f, err := pair.Client.SendRequest(context.Background(), "block", nil)
		require.NoError(t, err)
		futures[i] = f
	}

	require.NoError(t, pair.ClientTransport.Disconnect())

	for _, f := range futures {
		_, err := f.Await(context.Background())
		assert.True(t, errors.Is(err, domain.ErrTransportClosed), "got %v", err)
	}
	assert.Equal(t, 0, pair.Client.Pending())

	// the server end observes the close and stops serving
	assert.Eventually(t, func() bool { return pair.ServeErr() != nil }, 2*time.Second, 10*time.Millisecond)
	var connErr *domain.ConnectionError
	assert.ErrorAs(t, pair.ServeErr(), &connErr)
	assert.Equal(t, transport.StateError, pair.ServerTransport.State())
	assert.Equal(t, 0, pair.Server.Sessions())
	assert.NoError(t, pair.Close())
}

func TestConnectedMemoryPair_ServerOptions(t *testing.T) {
	pair, err := NewConnectedMemoryPair(context.Background(), PairOptions{
		ServerOptions: []server.Option{server.WithRateLimit(0.001, 1)},
	})
	require.NoError(t, err)
	defer pair.Close()

	require.NoError(t, pair.Client.Call(context.Background(), "ping", nil, nil))
	err = pair.Client.Call(context.Background(), "ping", nil, nil)

	var rpcErr *protocol.RPCError
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, protocol.MCPRateLimited, rpcErr.Code)
}

func TestMemoryPair_Close(t *testing.T) {
	pair, err := NewConnectedMemoryPair(context.Background(), PairOptions{})
	require.NoError(t, err)

	require.NoError(t, pair.Close())
	require.NoError(t, pair.Close())

	assert.False(t, pair.ClientTransport.IsConnected())
	assert.False(t, pair.ServerTransport.IsConnected())
	assert.Equal(t, 0, pair.Server.Sessions())
	assert.False(t, pair.Channel.Registered(transport.RoleClient))
	assert.False(t, pair.Channel.Registered(transport.RoleServer))
	assert.NoError(t, pair.ServeErr())
}
