package ws

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"node-coordinator/pkg/models"
)

func identity(ip string) models.Identity {
	return models.Identity{UserID: uuid.New(), IP: ip}
}

func subscribeN(b *Broadcaster, n int) ([]models.Identity, []chan models.WsServerMessage) {
	ids := make([]models.Identity, n)
	sinks := make([]chan models.WsServerMessage, n)
	for i := range ids {
		ids[i] = identity("10.0.0.1")
		sinks[i] = make(chan models.WsServerMessage, 16)
		b.Subscribe(ids[i], sinks[i])
	}
	return ids, sinks
}

func TestBroadcastWithoutSubscribers(t *testing.T) {
	b := NewBroadcaster(4, nil, nil)

	n, err := b.Broadcast(models.WsServerMessage{Type: models.WsPing})
	assert.ErrorIs(t, err, models.ErrNoSubscribers)
	assert.Equal(t, 0, n)
}

func TestBroadcastReachesSubscriptions(t *testing.T) {
	b := NewBroadcaster(4, nil, nil)
	first := b.Subscribe(identity("a"), make(chan models.WsServerMessage, 1))
	second := b.Subscribe(identity("b"), make(chan models.WsServerMessage, 1))

	n, err := b.Broadcast(models.WsServerMessage{Type: models.WsPing})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, models.WsPing, (<-first.C).Type)
	assert.Equal(t, models.WsPing, (<-second.C).Type)

	second.Close()
	second.Close()
	n, err = b.Broadcast(models.WsServerMessage{Type: models.WsPing})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestBroadcastDropsBeyondBacklog(t *testing.T) {
	b := NewBroadcaster(2, nil, nil)
	sub := b.Subscribe(identity("a"), make(chan models.WsServerMessage, 1))

	for i := 0; i < 5; i++ {
		_, err := b.Broadcast(models.WsServerMessage{Type: models.WsPing})
		require.NoError(t, err)
	}
	assert.Len(t, sub.C, 2)
}

func TestMoveQueueRotates(t *testing.T) {
	b := NewBroadcaster(1, nil, nil)
	ids, _ := subscribeN(b, 4)

	assert.Equal(t, ids[:3], b.MoveQueue(3))
	assert.Equal(t, []models.Identity{ids[3], ids[0], ids[1]}, b.MoveQueue(3))
	assert.Equal(t, 4, b.QueueLen())
}

func TestMoveQueueCapsAtLength(t *testing.T) {
	b := NewBroadcaster(1, nil, nil)
	assert.Empty(t, b.MoveQueue(5))

	ids, _ := subscribeN(b, 2)
	assert.Equal(t, ids, b.MoveQueue(10))
	assert.Equal(t, 2, b.QueueLen())
	assert.Empty(t, b.MoveQueue(0))
	assert.Empty(t, b.MoveQueue(-1))
}

func TestFairnessRotation(t *testing.T) {
	const k, n, calls = 7, 3, 10
	b := NewBroadcaster(1, nil, nil)
	ids, _ := subscribeN(b, k)

	counts := map[models.Identity]int{}
	for c := 0; c < calls; c++ {
		moved := b.MoveQueue(n)
		require.Len(t, moved, n)
		seen := map[models.Identity]bool{}
		for _, id := range moved {
			assert.False(t, seen[id], "identity repeated within one call")
			seen[id] = true
			counts[id]++
		}
	}

	lo, hi := calls*n/k, (calls*n+k-1)/k
	for _, id := range ids {
		assert.GreaterOrEqual(t, counts[id], lo)
		assert.LessOrEqual(t, counts[id], hi)
	}
}

func TestResubscribeReplacesSink(t *testing.T) {
	b := NewBroadcaster(1, nil, nil)
	id := identity("a")
	old := make(chan models.WsServerMessage, 1)
	fresh := make(chan models.WsServerMessage, 1)
	b.Subscribe(id, old)
	b.Subscribe(id, fresh)

	b.Batch(context.Background(), models.WsServerMessage{Type: models.WsPing}, []models.Identity{id})
	assert.Len(t, old, 0)
	assert.Len(t, fresh, 1)
	assert.Equal(t, 1, b.Connected())

	// The replaced socket going away must not unregister its successor.
	b.Release(id, old)
	assert.Equal(t, 1, b.Connected())
	b.Release(id, fresh)
	assert.Equal(t, 0, b.Connected())
	assert.Equal(t, 0, b.QueueLen())
}

func TestUnsubscribe(t *testing.T) {
	b := NewBroadcaster(1, nil, nil)
	ids, _ := subscribeN(b, 3)

	b.Unsubscribe(ids[1])
	assert.Equal(t, 2, b.Connected())
	assert.Equal(t, []models.Identity{ids[0], ids[2]}, b.MoveQueue(3))

	// Unknown identity: logged, nothing else changes.
	assert.NotPanics(t, func() { b.Unsubscribe(identity("z")) })
	assert.Equal(t, 2, b.QueueLen())
}

func TestBatchSkipsMissingSockets(t *testing.T) {
	b := NewBroadcaster(1, nil, nil)
	ids, sinks := subscribeN(b, 2)
	gone := identity("gone")

	b.Batch(context.Background(), models.WsServerMessage{Type: models.WsPing}, []models.Identity{ids[0], gone, ids[1]})

	assert.Len(t, sinks[0], 1)
	assert.Len(t, sinks[1], 1)
}

func TestQueueMultipleDeliversInOrder(t *testing.T) {
	b := NewBroadcaster(1, nil, nil)
	ids, sinks := subscribeN(b, 3)
	msgs := []models.WsServerMessage{{Type: models.WsRequestUptimeReport}, {Type: models.WsRequestBandwidthReport}}

	moved := b.QueueMultiple(context.Background(), msgs, 2)
	assert.Equal(t, ids[:2], moved)
	for _, sink := range sinks[:2] {
		require.Len(t, sink, 2)
		assert.Equal(t, models.WsRequestUptimeReport, (<-sink).Type)
		assert.Equal(t, models.WsRequestBandwidthReport, (<-sink).Type)
	}
	assert.Len(t, sinks[2], 0)
}

func TestQueueMultipleGivesUpOnStuckSink(t *testing.T) {
	b := NewBroadcaster(1, nil, nil)
	id := identity("stuck")
	b.Subscribe(id, make(chan models.WsServerMessage))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	done := make(chan struct{})
	go func() {
		b.QueueMultiple(ctx, []models.WsServerMessage{{Type: models.WsPing}}, 1)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("QueueMultiple blocked on an undrained sink")
	}
}
