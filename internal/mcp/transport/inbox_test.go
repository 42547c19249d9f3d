package transport

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swissknife-mcp/internal/mcp/protocol"
)

func TestInbox_FIFO(t *testing.T) {
	in := newInbox()
	for _, id := range []string{"1", "2", "3"} {
		in.push(Event{Frame: &protocol.Frame{ID: id, Kind: protocol.KindResponse}})
	}
	assert.Equal(t, 3, in.Len())

	ctx := context.Background()
	for _, id := range []string{"1", "2", "3"} {
		ev, err := in.Receive(ctx)
		require.NoError(t, err)
		assert.Equal(t, id, ev.Frame.ID)
	}
	assert.Equal(t, 0, in.Len())
}

func TestInbox_ReceiveWaitsForPush(t *testing.T) {
	in := newInbox()

	go func() {
		time.Sleep(20 * time.Millisecond)
		in.push(Event{State: StateDisconnected})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	ev, err := in.Receive(ctx)
	require.NoError(t, err)
	assert.True(t, ev.IsStateChange())
	assert.Equal(t, StateDisconnected, ev.State)
}

func TestInbox_ReceiveHonoursContext(t *testing.T) {
	in := newInbox()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := in.Receive(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestInbox_ConcurrentProducers(t *testing.T) {
	in := newInbox()
	const producers, perProducer = 8, 50

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				in.push(Event{Frame: &protocol.Frame{ID: "x", Kind: protocol.KindResponse}})
			}
		}()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for i := 0; i < producers*perProducer; i++ {
		_, err := in.Receive(ctx)
		require.NoError(t, err)
	}
	wg.Wait()
	assert.Equal(t, 0, in.Len())
}
