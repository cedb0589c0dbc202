package agent

import (
	"container/list"
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

const (
	defaultReplaySize    = 100
	subscriberBufferSize = 64
)

// Event is one serialized state update with its replay id.
type Event struct {
	ID        int64
	Data      []byte
	Timestamp time.Time
}

// Hub fans state updates out to the subscribers of a session and keeps the
// last few events of every session for Last-Event-ID replay. Each session gets
// its own bounded list so one run's burst cannot evict another session's events.
type Hub struct {
	mu          sync.Mutex
	queues      map[string]*list.List
	subscribers map[string]map[int64]chan Event
	maxSize     int
	eventID     int64
	subID       int64
	logger      *slog.Logger
}

// NewHub creates a hub retaining maxSize events per session.
func NewHub(maxSize int, logger *slog.Logger) *Hub {
	if maxSize <= 0 {
		maxSize = defaultReplaySize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		queues:      make(map[string]*list.List),
		subscribers: make(map[string]map[int64]chan Event),
		maxSize:     maxSize,
		logger:      logger,
	}
}

// Observer returns an Observer that publishes to the given session.
func (h *Hub) Observer(key string) Observer {
	return ObserverFunc(func(_ context.Context, u StateUpdate) {
		h.Publish(key, u)
	})
}

// Publish serializes u immediately, so callers may keep mutating the state
// afterwards, then queues and fans it out. Slow subscribers miss events
// rather than block the publisher.
func (h *Hub) Publish(key string, u StateUpdate) {
	data, err := json.Marshal(u)
	if err != nil {
		h.logger.Error("Failed to marshal state update", "session", key, "error", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.eventID++
	ev := Event{ID: h.eventID, Data: data, Timestamp: time.Now()}

	l, ok := h.queues[key]
	if !ok {
		l = list.New()
		h.queues[key] = l
	}
	l.PushBack(ev)
	for l.Len() > h.maxSize {
		l.Remove(l.Front())
	}

	for id, ch := range h.subscribers[key] {
		select {
		case ch <- ev:
		default:
			h.logger.Debug("Subscriber buffer full, dropping event", "session", key, "subscriber", id, "event_id", ev.ID)
		}
	}
}

// Subscribe registers a subscriber and returns the retained events newer
// than afterID together with the live channel. Call cancel to unsubscribe.
func (h *Hub) Subscribe(key string, afterID int64) (replay []Event, events <-chan Event, cancel func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	replay = h.missedLocked(key, afterID)

	h.subID++
	id := h.subID
	ch := make(chan Event, subscriberBufferSize)
	if _, ok := h.subscribers[key]; !ok {
		h.subscribers[key] = make(map[int64]chan Event)
	}
	h.subscribers[key][id] = ch

	var once sync.Once
	cancel = func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if subs, ok := h.subscribers[key]; ok {
				delete(subs, id)
				if len(subs) == 0 {
					delete(h.subscribers, key)
				}
			}
		})
	}
	return replay, ch, cancel
}

// Missed returns the retained events of a session newer than afterID.
func (h *Hub) Missed(key string, afterID int64) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.missedLocked(key, afterID)
}

func (h *Hub) missedLocked(key string, afterID int64) []Event {
	l, ok := h.queues[key]
	if !ok {
		return nil
	}
	var missed []Event
	for e := l.Front(); e != nil; e = e.Next() {
		if ev := e.Value.(Event); ev.ID > afterID {
			missed = append(missed, ev)
		}
	}
	return missed
}

// NextID reserves an event id for out-of-band events such as the SSE
// "connected" notice.
func (h *Hub) NextID() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.eventID++
	return h.eventID
}

// Prune drops the replay buffer of a session.
func (h *Hub) Prune(key string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.queues, key)
}

// SubscriberCount returns the number of live subscribers of a session.
func (h *Hub) SubscriberCount(key string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscribers[key])
}
