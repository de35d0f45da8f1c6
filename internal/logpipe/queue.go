package logpipe

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
)

const DefaultQueueSize = 4096

// OverflowPolicy decides which record is lost when the queue is full.
type OverflowPolicy string

const (
	DropNewest OverflowPolicy = "drop_newest"
	DropOldest OverflowPolicy = "drop_oldest"
)

// ParseOverflowPolicy validates raw. An empty value yields DropNewest.
func ParseOverflowPolicy(raw string) (OverflowPolicy, error) {
	switch p := OverflowPolicy(strings.ToLower(strings.TrimSpace(raw))); p {
	case "":
		return DropNewest, nil
	case DropNewest, DropOldest:
		return p, nil
	default:
		return "", fmt.Errorf("logpipe: unknown overflow policy %q", raw)
	}
}

// Queue is a bounded many-producer, single-consumer buffer of records.
// Enqueue never blocks.
type Queue struct {
	ch     chan Record
	policy OverflowPolicy

	mu     sync.RWMutex
	closed bool

	dropped atomic.Uint64
}

// NewQueue creates a queue holding at most size records.
func NewQueue(size int, policy OverflowPolicy) *Queue {
	if size <= 0 {
		size = DefaultQueueSize
	}
	if policy == "" {
		policy = DropNewest
	}
	return &Queue{ch: make(chan Record, size), policy: policy}
}

// Enqueue offers r to the queue and reports whether it was accepted.
func (q *Queue) Enqueue(r Record) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		q.drop("closed")
		return false
	}
	select {
	case q.ch <- r:
		recordsEnqueued.Inc()
		return true
	default:
	}
	if q.policy == DropOldest {
		select {
		case <-q.ch:
			q.drop("overflow")
		default:
		}
		select {
		case q.ch <- r:
			recordsEnqueued.Inc()
			return true
		default:
		}
	}
	q.drop("overflow")
	return false
}

func (q *Queue) drop(reason string) {
	q.dropped.Add(1)
	recordsDropped.WithLabelValues(reason).Inc()
}

// Records exposes the receive side for the consumer. The channel is closed by
// Close once producers can no longer send.
func (q *Queue) Records() <-chan Record {
	return q.ch
}

// Close stops accepting records. Records already queued remain readable.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.ch)
}

// Len returns the number of buffered records.
func (q *Queue) Len() int { return len(q.ch) }

// Cap returns the queue capacity.
func (q *Queue) Cap() int { return cap(q.ch) }

// Dropped returns how many records were discarded so far.
func (q *Queue) Dropped() uint64 { return q.dropped.Load() }

// Policy returns the configured overflow policy.
func (q *Queue) Policy() OverflowPolicy { return q.policy }
