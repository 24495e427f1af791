package ingestbuf

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"

	"github.com/allezon/tagengine/internal/engine"
	"github.com/allezon/tagengine/pkg/tagtypes"
)

// ReadEngine is the read side a BufferedEngine delegates queries to.
// pgengine.Engine satisfies it.
type ReadEngine interface {
	engine.Engine
}

// BufferedEngine implements engine.Engine by pushing writes onto a Buffer
// and serving reads straight from an underlying ReadEngine. It is the
// concrete shape of spec.md §5's "eventually consistent" aggregate
// index: a RegisterUserTag call returns once the tag is queued, before
// any backend has applied it.
type BufferedEngine struct {
	buffer  *Buffer
	reads   ReadEngine
	limiter *rate.Limiter // nil disables rate limiting
}

// NewBufferedEngine pairs a Buffer with the engine its Flusher drains
// into.
func NewBufferedEngine(buffer *Buffer, reads ReadEngine) *BufferedEngine {
	return &BufferedEngine{buffer: buffer, reads: reads}
}

// WithRateLimit caps RegisterUserTag at perSecond sustained calls, with
// a burst of perSecond, the way pilot.Client throttles its upstream calls.
// perSecond <= 0 leaves rate limiting disabled.
func (e *BufferedEngine) WithRateLimit(perSecond int) *BufferedEngine {
	if perSecond > 0 {
		e.limiter = rate.NewLimiter(rate.Limit(perSecond), perSecond)
	}
	return e
}

var _ engine.Engine = (*BufferedEngine)(nil)

func (e *BufferedEngine) RegisterUserTag(ctx context.Context, tag tagtypes.UserTag) error {
	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("ingestbuf: RegisterUserTag: rate limit: %w", err)
		}
	}
	if err := e.buffer.Push(ctx, tag); err != nil {
		return fmt.Errorf("ingestbuf: RegisterUserTag: %w", err)
	}
	return nil
}

func (e *BufferedEngine) LastTagsByCookie(ctx context.Context, cookie string, window tagtypes.TimeRange, limit int) (tagtypes.UserProfile, error) {
	return e.reads.LastTagsByCookie(ctx, cookie, window, limit)
}

func (e *BufferedEngine) SelectBucketStats(ctx context.Context, window tagtypes.TimeRange, action tagtypes.Action, filter tagtypes.BucketFilter) ([]tagtypes.Bucket, error) {
	return e.reads.SelectBucketStats(ctx, window, action, filter)
}

// Clear empties both the pending buffer and the underlying engine.
func (e *BufferedEngine) Clear(ctx context.Context) error {
	for {
		tags, err := e.buffer.Pop(ctx, DefaultBatchSize)
		if err != nil {
			return fmt.Errorf("ingestbuf: Clear: draining buffer: %w", err)
		}
		if len(tags) == 0 {
			break
		}
	}
	return e.reads.Clear(ctx)
}
