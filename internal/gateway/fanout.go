package gateway

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/chorus-chat/chorus/internal/observe"
	"github.com/chorus-chat/chorus/internal/protocol"
)

// Subscriber is one connected push channel. Send must be safe to call from
// the hub's dispatch goroutines.
type Subscriber interface {
	Send(ctx context.Context, payload []byte) error
}

type broadcastItem struct {
	roomID string
	msg    *protocol.ChatMessage
}

// Hub tracks per-room subscriber sets and drains a bounded broadcast queue
// with a single worker. Enqueueing is non-blocking: a full queue drops the
// message.
type Hub struct {
	log     *slog.Logger
	queue   chan broadcastItem
	Metrics *observe.Metrics

	mu    sync.Mutex
	rooms map[string]map[Subscriber]struct{}
}

func (h *Hub) metrics() *observe.Metrics {
	if h.Metrics != nil {
		return h.Metrics
	}
	return observe.DefaultMetrics()
}

// NewHub returns a hub with the given queue capacity.
func NewHub(queueSize int, log *slog.Logger) *Hub {
	return &Hub{
		log:   log,
		queue: make(chan broadcastItem, queueSize),
		rooms: map[string]map[Subscriber]struct{}{},
	}
}

// Add registers a subscriber to a room.
func (h *Hub) Add(roomID string, sub Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	room, ok := h.rooms[roomID]
	if !ok {
		room = map[Subscriber]struct{}{}
		h.rooms[roomID] = room
	}
	room[sub] = struct{}{}
	h.metrics().RecordWSConnection(context.Background(), 1)
	h.log.Info("subscriber joined", "room", roomID, "subscribers", len(room))
}

// Remove drops a subscriber, deleting the room key once empty. Removing a
// subscriber that already left is a no-op.
func (h *Hub) Remove(roomID string, sub Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	room, ok := h.rooms[roomID]
	if !ok {
		return
	}
	if _, ok := room[sub]; !ok {
		return
	}
	delete(room, sub)
	if len(room) == 0 {
		delete(h.rooms, roomID)
	}
	h.metrics().RecordWSConnection(context.Background(), -1)
	h.log.Info("subscriber left", "room", roomID, "subscribers", len(room))
}

// ActiveConnections counts subscribers across all rooms.
func (h *Hub) ActiveConnections() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	total := 0
	for _, room := range h.rooms {
		total += len(room)
	}
	return total
}

// TryEnqueue offers a broadcast to the queue without blocking. It reports
// false when the queue is full and the message was dropped.
func (h *Hub) TryEnqueue(roomID string, msg *protocol.ChatMessage) bool {
	select {
	case h.queue <- broadcastItem{roomID: roomID, msg: msg}:
		return true
	default:
		h.log.Warn("broadcast queue full, dropping message", "room", roomID)
		return false
	}
}

func (h *Hub) subscribers(roomID string) []Subscriber {
	h.mu.Lock()
	defer h.mu.Unlock()
	room := h.rooms[roomID]
	out := make([]Subscriber, 0, len(room))
	for sub := range room {
		out = append(out, sub)
	}
	return out
}

// Run drains the broadcast queue until the context ends. Each item is
// serialized once and dispatched to the room's subscriber set as of dequeue
// time; a failed send removes that subscriber.
func (h *Hub) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case item := <-h.queue:
			h.dispatch(ctx, item)
		}
	}
}

func (h *Hub) dispatch(ctx context.Context, item broadcastItem) {
	started := time.Now()
	defer func() {
		h.metrics().RecordBroadcastDuration(ctx, time.Since(started).Seconds())
	}()

	subs := h.subscribers(item.roomID)
	if len(subs) == 0 {
		return
	}
	payload, err := protocol.Encode(item.msg)
	if err != nil {
		h.log.Error("broadcast encode failed", "room", item.roomID, "err", err)
		return
	}

	var wg sync.WaitGroup
	var failedMu sync.Mutex
	var failed []Subscriber
	for _, sub := range subs {
		wg.Add(1)
		go func(sub Subscriber) {
			defer wg.Done()
			if err := sub.Send(ctx, payload); err != nil {
				h.log.Info("removing dead subscriber", "room", item.roomID, "err", err)
				failedMu.Lock()
				failed = append(failed, sub)
				failedMu.Unlock()
			}
		}(sub)
	}
	wg.Wait()
	for _, sub := range failed {
		h.Remove(item.roomID, sub)
	}
}
