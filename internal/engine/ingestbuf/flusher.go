package ingestbuf

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/allezon/tagengine/pkg/tagtypes"
)

// TagSink is the write side a Flusher drains into. pgengine.Engine
// satisfies it; tests use a fake.
type TagSink interface {
	RegisterUserTag(ctx context.Context, tag tagtypes.UserTag) error
}

// Flusher periodically drains a Buffer into a TagSink.
type Flusher struct {
	buffer   *Buffer
	sink     TagSink
	logger   *slog.Logger
	interval time.Duration
	batch    int

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewFlusher creates a Flusher with the package defaults for batch size
// and flush interval.
func NewFlusher(buffer *Buffer, sink TagSink, logger *slog.Logger) *Flusher {
	return &Flusher{
		buffer:   buffer,
		sink:     sink,
		logger:   logger.With("component", "ingest_flusher"),
		interval: DefaultFlushInterval,
		batch:    DefaultBatchSize,
		stopCh:   make(chan struct{}),
	}
}

// WithInterval overrides the flush interval (tests use a short one).
func (f *Flusher) WithInterval(interval time.Duration) *Flusher {
	f.interval = interval
	return f
}

// WithBatchSize overrides the per-flush batch size.
func (f *Flusher) WithBatchSize(batch int) *Flusher {
	f.batch = batch
	return f
}

// Start begins the background flush loop.
func (f *Flusher) Start() {
	f.wg.Add(1)
	go f.run()
	f.logger.Info("ingest flusher started", "interval", f.interval, "batch_size", f.batch)
}

// Stop stops the loop, running one final flush first, and waits for it
// to finish.
func (f *Flusher) Stop() {
	close(f.stopCh)
	f.wg.Wait()
	f.logger.Info("ingest flusher stopped")
}

func (f *Flusher) run() {
	defer f.wg.Done()

	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		select {
		case <-f.stopCh:
			if err := f.Flush(context.Background()); err != nil {
				f.logger.Error("final flush failed", "error", err)
			}
			return
		case <-ticker.C:
			if err := f.Flush(context.Background()); err != nil {
				f.logger.Error("flush failed", "error", err)
			}
		}
	}
}

// Flush drains the buffer into the sink, one batch at a time, until the
// buffer is empty. Exposed so tests and read-your-write-sensitive
// callers can force a synchronous drain instead of waiting on the
// ticker.
func (f *Flusher) Flush(ctx context.Context) error {
	for {
		tags, err := f.buffer.Pop(ctx, f.batch)
		if err != nil {
			return fmt.Errorf("ingestbuf: flush: %w", err)
		}
		if len(tags) == 0 {
			return nil
		}

		start := time.Now()
		for _, tag := range tags {
			if err := f.sink.RegisterUserTag(ctx, tag); err != nil {
				return fmt.Errorf("ingestbuf: flush: applying tag: %w", err)
			}
		}
		f.logger.Info("flushed tags", "count", len(tags), "duration", time.Since(start))

		if len(tags) < f.batch {
			return nil
		}
	}
}
