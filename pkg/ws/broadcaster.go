package ws

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gammazero/deque"

	"node-coordinator/pkg/metrics"
	"node-coordinator/pkg/models"
)

// sendTimeout bounds how long a delivery waits on a full sink. A sink whose
// socket has gone away is never drained.
const sendTimeout = 5 * time.Second

// Broadcaster owns the process-local socket registry, the fairness rotation
// and the global fan-out hub.
type Broadcaster struct {
	backlog int
	logger  *slog.Logger
	metrics *metrics.Collector

	socketsMu sync.RWMutex
	sockets   map[models.Identity]chan<- models.WsServerMessage

	queueMu sync.Mutex
	queue   deque.Deque[models.Identity]

	subsMu sync.RWMutex
	subs   map[*Subscription]struct{}
}

// Subscription receives every global broadcast. Messages that do not fit in
// its backlog are dropped.
type Subscription struct {
	C <-chan models.WsServerMessage

	ch   chan models.WsServerMessage
	b    *Broadcaster
	once sync.Once
}

// Close detaches the subscription from the hub.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.b.subsMu.Lock()
		delete(s.b.subs, s)
		s.b.subsMu.Unlock()
	})
}

func NewBroadcaster(backlog int, logger *slog.Logger, m *metrics.Collector) *Broadcaster {
	if backlog <= 0 {
		backlog = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		backlog: backlog,
		logger:  logger,
		metrics: m,
		sockets: make(map[models.Identity]chan<- models.WsServerMessage),
		subs:    make(map[*Subscription]struct{}),
	}
}

// Broadcast publishes msg to every subscription and returns how many there
// were. It fails only when there are none.
func (b *Broadcaster) Broadcast(msg models.WsServerMessage) (int, error) {
	b.subsMu.RLock()
	defer b.subsMu.RUnlock()

	if len(b.subs) == 0 {
		return 0, models.ErrNoSubscribers
	}
	dropped := 0
	for sub := range b.subs {
		select {
		case sub.ch <- msg.Clone():
		default:
			dropped++
		}
	}
	b.logger.Info("Broadcast sent", "type", msg.Type, "subscribers", len(b.subs), "dropped", dropped)
	return len(b.subs), nil
}

// Subscribe registers sink for id, replacing any earlier sink, appends id to
// the rotation and attaches a global subscription.
func (b *Broadcaster) Subscribe(id models.Identity, sink chan<- models.WsServerMessage) *Subscription {
	b.socketsMu.Lock()
	b.sockets[id] = sink
	connected := len(b.sockets)
	b.socketsMu.Unlock()

	b.queueMu.Lock()
	b.queue.PushBack(id)
	queued := b.queue.Len()
	b.queueMu.Unlock()

	ch := make(chan models.WsServerMessage, b.backlog)
	sub := &Subscription{C: ch, ch: ch, b: b}
	b.subsMu.Lock()
	b.subs[sub] = struct{}{}
	b.subsMu.Unlock()

	b.metrics.SetConnected(connected)
	b.metrics.SetQueueLen(queued)
	return sub
}

// Unsubscribe removes id's socket and its first rotation entry.
func (b *Broadcaster) Unsubscribe(id models.Identity) {
	b.socketsMu.Lock()
	delete(b.sockets, id)
	connected := len(b.sockets)
	b.socketsMu.Unlock()

	b.removeFromQueue(id)
	b.metrics.SetConnected(connected)
}

// Release is Unsubscribe for a specific socket: the registry entry is only
// removed while it still points at sink, so a socket that was replaced by a
// newer connection cannot unregister its successor.
func (b *Broadcaster) Release(id models.Identity, sink chan<- models.WsServerMessage) {
	b.socketsMu.Lock()
	if current, ok := b.sockets[id]; ok && current == sink {
		delete(b.sockets, id)
	}
	connected := len(b.sockets)
	b.socketsMu.Unlock()

	b.removeFromQueue(id)
	b.metrics.SetConnected(connected)
}

func (b *Broadcaster) removeFromQueue(id models.Identity) {
	b.queueMu.Lock()
	defer b.queueMu.Unlock()

	i := b.queue.Index(func(e models.Identity) bool { return e == id })
	if i < 0 {
		b.logger.Error("Failed to remove a socket from the queue", "user", id.UserID, "ip", id.IP)
		return
	}
	b.queue.Remove(i)
	b.metrics.SetQueueLen(b.queue.Len())
}

// MoveQueue takes up to n identities from the front of the rotation and puts
// the same identities back at the tail, in order.
func (b *Broadcaster) MoveQueue(n int) []models.Identity {
	b.queueMu.Lock()
	defer b.queueMu.Unlock()

	if n > b.queue.Len() {
		n = b.queue.Len()
	}
	if n <= 0 {
		return nil
	}
	moved := make([]models.Identity, n)
	for i := range moved {
		moved[i] = b.queue.At(i)
	}
	b.queue.Rotate(n)
	return moved
}

func (b *Broadcaster) sink(id models.Identity) (chan<- models.WsServerMessage, bool) {
	b.socketsMu.RLock()
	defer b.socketsMu.RUnlock()
	sink, ok := b.sockets[id]
	return sink, ok
}

// deliver sends msgs to one sink in order, giving up when ctx is done.
func (b *Broadcaster) deliver(ctx context.Context, id models.Identity, sink chan<- models.WsServerMessage, msgs []models.WsServerMessage) {
	ctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()
	for _, msg := range msgs {
		select {
		case sink <- msg.Clone():
		case <-ctx.Done():
			b.logger.Error("Error while queuing WS message", "user", id.UserID, "ip", id.IP, "error", ctx.Err())
			return
		}
	}
}

// fanOut delivers msgs to every target that still has a socket, one
// goroutine per target. Targets without a socket are skipped.
func (b *Broadcaster) fanOut(ctx context.Context, msgs []models.WsServerMessage, targets []models.Identity) {
	var wg sync.WaitGroup
	for _, id := range targets {
		sink, ok := b.sink(id)
		if !ok {
			continue
		}
		wg.Add(1)
		go func(id models.Identity, sink chan<- models.WsServerMessage) {
			defer wg.Done()
			b.deliver(ctx, id, sink, msgs)
		}(id, sink)
	}
	wg.Wait()
}

// Batch delivers msg to each of targets that is still connected.
func (b *Broadcaster) Batch(ctx context.Context, msg models.WsServerMessage, targets []models.Identity) {
	b.fanOut(ctx, []models.WsServerMessage{msg}, targets)
}

// QueueMultiple rotates the next n identities and delivers msgs to each of
// them. It returns the rotated identities, connected or not.
func (b *Broadcaster) QueueMultiple(ctx context.Context, msgs []models.WsServerMessage, n int) []models.Identity {
	moved := b.MoveQueue(n)
	b.fanOut(ctx, msgs, moved)
	b.metrics.RecordRotation(len(moved))
	return moved
}

// QueueLen is the number of identities in the rotation.
func (b *Broadcaster) QueueLen() int {
	b.queueMu.Lock()
	defer b.queueMu.Unlock()
	return b.queue.Len()
}

// Connected is the number of registered sockets.
func (b *Broadcaster) Connected() int {
	b.socketsMu.RLock()
	defer b.socketsMu.RUnlock()
	return len(b.sockets)
}
