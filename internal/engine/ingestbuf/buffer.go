// Package ingestbuf decouples tag ingestion from pgengine writes with a
// Redis-backed write-ahead list, directly grounded on
// control-plane/internal/buffer's ResultBuffer + Flusher. Tags are
// LPUSHed as JSON; a background Flusher RPOPs them in FIFO order and
// applies them to a pgengine.Engine in batches.
package ingestbuf

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/allezon/tagengine/pkg/tagtypes"
)

// envelope wraps a buffered tag with a correlation id, so a single tag
// can be traced through logs from Push to the Flusher's eventual
// RegisterUserTag call.
type envelope struct {
	ID  string           `json:"id"`
	Tag tagtypes.UserTag `json:"tag"`
}

const (
	keyPendingTags = "tagengine:ingest:pending"

	// DefaultBatchSize bounds how many tags one flush drains at once.
	DefaultBatchSize = 2000

	// DefaultFlushInterval is how often the background Flusher drains the
	// buffer when it isn't told to flush explicitly.
	DefaultFlushInterval = 2 * time.Second
)

// Buffer is a Redis-backed FIFO queue of pending tags.
type Buffer struct {
	client *redis.Client
	logger *slog.Logger
}

// New wraps an existing Redis client.
func New(client *redis.Client, logger *slog.Logger) *Buffer {
	return &Buffer{client: client, logger: logger}
}

// NewFromURL parses redisURL and pings the resulting client before
// returning, the way NewResultBuffer does.
func NewFromURL(ctx context.Context, redisURL string, logger *slog.Logger) (*Buffer, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("ingestbuf: invalid redis URL: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("ingestbuf: redis connection failed: %w", err)
	}

	return &Buffer{client: client, logger: logger}, nil
}

// Push enqueues tag for later application, tagging it with a fresh
// correlation id so its journey from push to eventual flush can be
// traced through logs. RegisterUserTag callers that front pgengine with
// a Buffer return as soon as this call succeeds.
func (b *Buffer) Push(ctx context.Context, tag tagtypes.UserTag) error {
	env := envelope{ID: uuid.NewString(), Tag: tag}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("ingestbuf: marshaling tag: %w", err)
	}
	if err := b.client.LPush(ctx, keyPendingTags, data).Err(); err != nil {
		return fmt.Errorf("ingestbuf: pushing tag: %w", err)
	}
	if b.logger != nil {
		b.logger.Debug("ingestbuf: pushed tag", "id", env.ID, "cookie", tag.Cookie)
	}
	return nil
}

// Pop removes and returns up to maxTags tags in FIFO order. Malformed
// entries are logged and skipped rather than failing the whole pop, the
// way ResultBuffer.Pop tolerates individual bad entries.
func (b *Buffer) Pop(ctx context.Context, maxTags int) ([]tagtypes.UserTag, error) {
	pipe := b.client.Pipeline()
	cmds := make([]*redis.StringCmd, maxTags)
	for i := range cmds {
		cmds[i] = pipe.RPop(ctx, keyPendingTags)
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("ingestbuf: popping tags: %w", err)
	}

	tags := make([]tagtypes.UserTag, 0, maxTags)
	for _, cmd := range cmds {
		data, err := cmd.Bytes()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			continue
		}
		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			if b.logger != nil {
				b.logger.Warn("ingestbuf: dropping malformed buffered tag", "error", err)
			}
			continue
		}
		if b.logger != nil {
			b.logger.Debug("ingestbuf: popped tag", "id", env.ID, "cookie", env.Tag.Cookie)
		}
		tags = append(tags, env.Tag)
	}
	return tags, nil
}

// Len reports how many tags are currently queued.
func (b *Buffer) Len(ctx context.Context) (int64, error) {
	return b.client.LLen(ctx, keyPendingTags).Result()
}

// Close releases the Redis client.
func (b *Buffer) Close() error { return b.client.Close() }
