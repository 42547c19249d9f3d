package transport

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swissknife-mcp/internal/domain"
	"github.com/swissknife-mcp/internal/mcp/protocol"
)

func receive(t *testing.T, in *Inbox) Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ev, err := in.Receive(ctx)
	require.NoError(t, err)
	return ev
}

func connectedPair(t *testing.T) (*MemoryTransport, *MemoryTransport) {
	t.Helper()
	logger, _ := test.NewNullLogger()
	client, server, _ := NewMemoryPair(logger)

	ctx := context.Background()
	require.NoError(t, client.Connect(ctx))
	require.NoError(t, server.Connect(ctx))
	return client, server
}

func TestMemoryPair_RoundTrip(t *testing.T) {
	client, server := connectedPair(t)
	assert.Same(t, client.Channel(), server.Channel())
	assert.Equal(t, RoleClient, client.Role())
	assert.Equal(t, RoleServer, server.Role())

	serverInbox, err := server.Subscribe()
	require.NoError(t, err)
	clientInbox, err := client.Subscribe()
	require.NoError(t, err)

	req, err := protocol.NewRequest("1", "ping", nil)
	require.NoError(t, err)
	require.NoError(t, client.Send(context.Background(), req))

	ev := receive(t, serverInbox)
	assert.Equal(t, "1", ev.Frame.ID)
	assert.Equal(t, "ping", ev.Frame.Method)
	assert.NotSame(t, req, ev.Frame)

	resp, err := protocol.NewResponse("1", map[string]string{"status": "ok"})
	require.NoError(t, err)
	require.NoError(t, server.Send(context.Background(), resp))

	ev = receive(t, clientInbox)
	assert.Equal(t, protocol.KindResponse, ev.Frame.Kind)
	assert.JSONEq(t, `{"status":"ok"}`, string(ev.Frame.Payload))
}

func TestMemoryTransport_SendRequiresConnection(t *testing.T) {
	client, _, _ := NewMemoryPair(nil)

	err := client.Send(context.Background(), &protocol.Frame{ID: "1", Kind: protocol.KindRequest, Method: "m"})
	assert.ErrorIs(t, err, domain.ErrNotConnected)
	assert.False(t, client.IsConnected())
	assert.Equal(t, StateDisconnected, client.State())
}

func TestMemoryTransport_QueuesForUnconnectedPeer(t *testing.T) {
	client, server, _ := NewMemoryPair(nil)
	require.NoError(t, client.Connect(context.Background()))

	require.NoError(t, client.Send(context.Background(), &protocol.Frame{ID: "1", Kind: protocol.KindRequest, Method: "m"}))

	inbox, err := server.Subscribe()
	require.NoError(t, err)
	assert.Equal(t, 1, inbox.Len())
}

func TestMemoryTransport_RoleTaken(t *testing.T) {
	channel := NewMemoryChannel()
	first := NewMemoryTransport(channel, RoleClient, nil)
	second := NewMemoryTransport(channel, RoleClient, nil)

	require.NoError(t, first.Connect(context.Background()))
	err := second.Connect(context.Background())

	var connErr *domain.ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.ErrorIs(t, err, domain.ErrRoleTaken)
	assert.Equal(t, StateError, second.State())

	require.NoError(t, first.Disconnect())
	assert.False(t, channel.Registered(RoleClient))
	assert.NoError(t, second.Connect(context.Background()))
	assert.True(t, channel.Registered(RoleClient))
}

func TestMemoryTransport_DisconnectEmitsStateEvent(t *testing.T) {
	client, _ := connectedPair(t)
	inbox, err := client.Subscribe()
	require.NoError(t, err)

	require.NoError(t, client.Disconnect())
	require.NoError(t, client.Disconnect())

	ev := receive(t, inbox)
	assert.True(t, ev.IsStateChange())
	assert.Equal(t, StateDisconnected, ev.State)
	assert.ErrorIs(t, ev.Err, domain.ErrTransportClosed)
	assert.Equal(t, 0, inbox.Len())
}

func TestMemoryTransport_StateEventCarriesEndedGeneration(t *testing.T) {
	client, server := connectedPair(t)
	inbox, err := client.Subscribe()
	require.NoError(t, err)

	first := client.Generation()
	require.NoError(t, client.Disconnect())
	require.NoError(t, server.Connect(context.Background()))
	require.NoError(t, client.Connect(context.Background()))
	assert.Greater(t, client.Generation(), first)

	ev := receive(t, inbox)
	assert.Equal(t, StateDisconnected, ev.State)
	assert.Equal(t, first, ev.Generation)
}

func TestMemoryTransport_DisconnectNotifiesPeer(t *testing.T) {
	client, server := connectedPair(t)
	serverInbox, err := server.Subscribe()
	require.NoError(t, err)
	gen := server.Generation()

	require.NoError(t, client.Disconnect())

	ev := receive(t, serverInbox)
	assert.True(t, ev.IsStateChange())
	assert.Equal(t, StateError, ev.State)
	assert.Equal(t, gen, ev.Generation)
	var connErr *domain.ConnectionError
	assert.ErrorAs(t, ev.Err, &connErr)

	assert.Equal(t, StateError, server.State())
	assert.False(t, server.Channel().Registered(RoleServer))
	assert.ErrorIs(t, server.Send(context.Background(), &protocol.Frame{ID: "1", Kind: protocol.KindRequest, Method: "m"}), domain.ErrNotConnected)

	// both ends can connect again
	require.NoError(t, server.Connect(context.Background()))
	require.NoError(t, client.Connect(context.Background()))
	assert.True(t, server.IsConnected())
	assert.True(t, client.IsConnected())

	require.NoError(t, server.Disconnect())
	assert.Equal(t, StateError, client.State())
}

func TestMemoryTransport_ConnectIsNoOpWhenConnected(t *testing.T) {
	client, _ := connectedPair(t)
	assert.NoError(t, client.Connect(context.Background()))
	assert.True(t, client.IsConnected())
}

func TestMemoryTransport_SingleSubscriber(t *testing.T) {
	client, _, _ := NewMemoryPair(nil)

	_, err := client.Subscribe()
	require.NoError(t, err)
	_, err = client.Subscribe()
	assert.ErrorIs(t, err, domain.ErrAlreadySubscribed)
}

func TestMemoryTransport_RejectsInvalidFrame(t *testing.T) {
	client, _ := connectedPair(t)

	err := client.Send(context.Background(), &protocol.Frame{Kind: protocol.KindRequest, Method: "m"})
	assert.Error(t, err)
}
