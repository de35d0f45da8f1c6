// Package stream fans persisted log records out to live subscribers.
package stream

import (
	"context"
	"sync"
	"sync/atomic"

	"warden.dev/internal/logpipe"
)

const defaultBuffer = 16

// Hub fan-outs records to all active subscribers (SSE clients).
type Hub struct {
	mu      sync.RWMutex
	subs    map[int]chan logpipe.Record
	next    int
	dropped atomic.Uint64
}

func New() *Hub {
	return &Hub{subs: make(map[int]chan logpipe.Record)}
}

// Subscribe registers a subscriber and returns a channel which will receive
// records. The channel is closed when ctx ends.
func (h *Hub) Subscribe(ctx context.Context) <-chan logpipe.Record {
	ch := make(chan logpipe.Record, defaultBuffer)

	h.mu.Lock()
	id := h.next
	h.next++
	h.subs[id] = ch
	h.mu.Unlock()

	go func() {
		<-ctx.Done()
		h.mu.Lock()
		delete(h.subs, id)
		close(ch)
		h.mu.Unlock()
	}()

	return ch
}

// Publish hands r to every subscriber. Slow subscribers miss records.
func (h *Hub) Publish(r logpipe.Record) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.subs {
		select {
		case ch <- r:
		default:
			h.dropped.Add(1)
		}
	}
}

// Subscribers returns the number of live subscribers.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Dropped returns how many deliveries were skipped for slow subscribers.
func (h *Hub) Dropped() uint64 { return h.dropped.Load() }

// Sink publishes every record next stored successfully.
func (h *Hub) Sink(next logpipe.Sink) logpipe.Sink {
	return logpipe.SinkFunc(func(ctx context.Context, r logpipe.Record) error {
		if err := next.Persist(ctx, r); err != nil {
			return err
		}
		h.Publish(r)
		return nil
	})
}
