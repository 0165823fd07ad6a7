// Package realtime fans store change events out to per-owner subscribers.
package realtime

import (
	"context"
	"sync"

	"github.com/MarcoPoloResearchLab/planner/internal/remote"
)

const defaultBufferSize = 16

// Message is a change event addressed to the owner of the changed row.
type Message struct {
	OwnerID string
	Event   remote.Event
}

// Hub keeps subscribers per owner and delivers matching events without blocking publishers.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*subscriber
	nextID      int64
	bufferSize  int
}

type subscriber struct {
	id     int64
	tables map[string]struct{}
	stream chan remote.Event
	once   sync.Once
}

func (s *subscriber) close() {
	s.once.Do(func() {
		close(s.stream)
	})
}

func (s *subscriber) wants(table string) bool {
	if len(s.tables) == 0 {
		return true
	}
	_, ok := s.tables[table]
	return ok
}

// NewHub constructs an empty hub.
func NewHub() *Hub {
	return &Hub{
		subscribers: make(map[string]map[int64]*subscriber),
		bufferSize:  defaultBufferSize,
	}
}

// Subscribe registers a stream for ownerID restricted to tables (all tables when empty).
// The stream is closed by the returned cleanup or when ctx is done.
func (h *Hub) Subscribe(ctx context.Context, ownerID string, tables []string) (<-chan remote.Event, func()) {
	if ownerID == "" {
		ch := make(chan remote.Event)
		close(ch)
		return ch, func() {}
	}
	sub := &subscriber{
		id:     h.nextSequence(),
		tables: make(map[string]struct{}, len(tables)),
		stream: make(chan remote.Event, h.bufferSize),
	}
	for _, table := range tables {
		sub.tables[table] = struct{}{}
	}
	h.register(ownerID, sub)
	var cleanupOnce sync.Once
	cleanup := func() {
		cleanupOnce.Do(func() {
			h.unregister(ownerID, sub.id)
			sub.close()
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return sub.stream, cleanup
}

// Publish delivers message to every subscriber of its owner listening on the event table.
// Slow subscribers drop messages rather than stall the writer.
func (h *Hub) Publish(message Message) {
	if message.OwnerID == "" || !message.Event.Type.Valid() {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sub := range h.subscribers[message.OwnerID] {
		if !sub.wants(message.Event.Table) {
			continue
		}
		select {
		case sub.stream <- message.Event:
		default:
		}
	}
}

// SubscriberCount reports the number of live subscribers for ownerID.
func (h *Hub) SubscriberCount(ownerID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers[ownerID])
}

func (h *Hub) nextSequence() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	return h.nextID
}

func (h *Hub) register(ownerID string, sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subscribers[ownerID]; !ok {
		h.subscribers[ownerID] = make(map[int64]*subscriber)
	}
	h.subscribers[ownerID][sub.id] = sub
}

func (h *Hub) unregister(ownerID string, subscriberID int64) {
	h.mu.Lock()
	subscribers := h.subscribers[ownerID]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(h.subscribers, ownerID)
		}
	}
	h.mu.Unlock()
}
