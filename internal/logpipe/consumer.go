package logpipe

import (
	"context"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"
)

// Sink persists a validated record.
type Sink interface {
	Persist(ctx context.Context, r Record) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, r Record) error

func (f SinkFunc) Persist(ctx context.Context, r Record) error { return f(ctx, r) }

// Consumer drains a Queue into a Sink on a single goroutine. A record that
// fails validation or persistence is reported on the fallback logger and
// discarded; it is never put back on the queue.
type Consumer struct {
	queue    *Queue
	sink     Sink
	fallback *zap.Logger
	done     chan struct{}
	started  atomic.Bool

	persisted atomic.Uint64
	failed    atomic.Uint64
}

// NewConsumer wires q to sink. fallback must not feed q, otherwise consumer
// failures would loop back into the pipeline.
func NewConsumer(q *Queue, sink Sink, fallback *zap.Logger) *Consumer {
	if fallback == nil {
		fallback = zap.NewNop()
	}
	return &Consumer{
		queue:    q,
		sink:     sink,
		fallback: fallback.Named("logpipe"),
		done:     make(chan struct{}),
	}
}

// Start runs the consumer loop in a new goroutine. Calling it twice is a no-op.
func (c *Consumer) Start(ctx context.Context) {
	if !c.started.CompareAndSwap(false, true) {
		return
	}
	go c.Run(ctx)
}

// Run processes records until the queue is closed and drained. ctx is passed
// to the sink and does not stop the loop.
func (c *Consumer) Run(ctx context.Context) {
	c.started.Store(true)
	defer close(c.done)
	for rec := range c.queue.Records() {
		c.handle(ctx, rec)
	}
}

func (c *Consumer) handle(ctx context.Context, rec Record) {
	defer func() {
		if p := recover(); p != nil {
			c.failed.Add(1)
			recordsFailed.WithLabelValues("panic").Inc()
			c.fallback.Error("log sink panicked", zap.String("panic", fmt.Sprint(p)), zap.String("message", rec.Message))
		}
	}()
	if err := rec.Validate(); err != nil {
		c.failed.Add(1)
		recordsFailed.WithLabelValues("validate").Inc()
		c.fallback.Warn("log record rejected", zap.Error(err), zap.String("level", rec.Level))
		return
	}
	if err := c.sink.Persist(ctx, rec); err != nil {
		c.failed.Add(1)
		recordsFailed.WithLabelValues("persist").Inc()
		c.fallback.Error("log record not persisted", zap.Error(err), zap.String("message", rec.Message))
		return
	}
	c.persisted.Add(1)
	recordsPersisted.Inc()
}

// Wait blocks until Run has returned or ctx is done.
func (c *Consumer) Wait(ctx context.Context) error {
	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown closes the queue and waits for the backlog to drain.
func (c *Consumer) Shutdown(ctx context.Context) error {
	c.queue.Close()
	if !c.started.Load() {
		return nil
	}
	if err := c.Wait(ctx); err != nil {
		c.fallback.Warn("log drain incomplete", zap.Int("pending", c.queue.Len()), zap.Error(err))
		return err
	}
	return nil
}

// Persisted returns the number of records written to the sink.
func (c *Consumer) Persisted() uint64 { return c.persisted.Load() }

// Failed returns the number of records that were discarded by the consumer.
func (c *Consumer) Failed() uint64 { return c.failed.Load() }
