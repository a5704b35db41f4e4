package logger

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
)

const (
	defaultAsyncBuffer  = 1024
	defaultAsyncWorkers = 1
)

// Closer flushes and stops the logging pipeline.
type Closer interface {
	Close()
}

// nopCloser is the Closer for fully synchronous setups.
type nopCloser struct{}

func (nopCloser) Close() {}

// AsyncHandler decouples hot paths (per-event logging during a run) from the
// sinks behind it: records go through a buffered channel drained by a worker
// pool. When the buffer is full the record is dropped and counted rather
// than blocking the run goroutine.
type AsyncHandler struct {
	inner   slog.Handler
	ch      chan slog.Record
	wg      *sync.WaitGroup
	dropped *atomic.Int64
}

// NewAsyncHandler wraps inner with a channel of the given capacity and the
// given number of drain workers; zero values pick the defaults.
func NewAsyncHandler(inner slog.Handler, bufferSize, workers int) *AsyncHandler {
	if bufferSize <= 0 {
		bufferSize = defaultAsyncBuffer
	}
	if workers <= 0 {
		workers = defaultAsyncWorkers
	}
	h := &AsyncHandler{
		inner:   inner,
		ch:      make(chan slog.Record, bufferSize),
		wg:      &sync.WaitGroup{},
		dropped: &atomic.Int64{},
	}
	for range workers {
		h.wg.Add(1)
		go h.drain()
	}
	return h
}

func (h *AsyncHandler) drain() {
	defer h.wg.Done()
	for rec := range h.ch {
		_ = h.inner.Handle(context.Background(), rec)
	}
}

// Enabled delegates to the inner handler.
func (h *AsyncHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

// Handle enqueues the record, dropping it when the buffer is full.
func (h *AsyncHandler) Handle(_ context.Context, rec slog.Record) error { //nolint:gocritic // slog.Handler interface requires value receiver
	select {
	case h.ch <- rec:
	default:
		h.dropped.Add(1)
	}
	return nil
}

// WithAttrs returns a handler sharing the channel but wrapping a new inner.
func (h *AsyncHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &AsyncHandler{inner: h.inner.WithAttrs(attrs), ch: h.ch, wg: h.wg, dropped: h.dropped}
}

// WithGroup returns a handler sharing the channel but wrapping a new inner.
func (h *AsyncHandler) WithGroup(name string) slog.Handler {
	return &AsyncHandler{inner: h.inner.WithGroup(name), ch: h.ch, wg: h.wg, dropped: h.dropped}
}

// DroppedCount returns how many records the full buffer discarded.
func (h *AsyncHandler) DroppedCount() int64 {
	return h.dropped.Load()
}

// Close stops intake and waits for the workers to drain the buffer.
func (h *AsyncHandler) Close() {
	close(h.ch)
	h.wg.Wait()
}
