package ingestbuf

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/allezon/tagengine/pkg/tagtypes"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestBuffer(t *testing.T) *Buffer {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { client.Close() })
	return New(client, testLogger())
}

func sampleIngestTag(cookie string, at time.Time) tagtypes.UserTag {
	return tagtypes.UserTag{
		Time:    tagtypes.NewUtcTime(at),
		Cookie:  cookie,
		Country: "PL",
		Device:  tagtypes.DevicePC,
		Action:  tagtypes.ActionView,
		Origin:  "Rawa",
		ProductInfo: tagtypes.ProductInfo{
			ProductID: "p1", BrandID: "b1", CategoryID: "c1", Price: 10,
		},
	}
}

func TestBufferPushPopFIFOOrder(t *testing.T) {
	b := newTestBuffer(t)
	ctx := context.Background()

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	first := sampleIngestTag("a", base)
	second := sampleIngestTag("b", base.Add(time.Second))

	if err := b.Push(ctx, first); err != nil {
		t.Fatalf("Push: %v", err)
	}
	if err := b.Push(ctx, second); err != nil {
		t.Fatalf("Push: %v", err)
	}

	tags, err := b.Pop(ctx, 10)
	if err != nil {
		t.Fatalf("Pop: %v", err)
	}
	if len(tags) != 2 {
		t.Fatalf("expected 2 tags, got %d", len(tags))
	}
	if tags[0].Cookie != "a" || tags[1].Cookie != "b" {
		t.Errorf("expected FIFO order [a, b], got [%s, %s]", tags[0].Cookie, tags[1].Cookie)
	}
}

func TestBufferLenAndEmptyPop(t *testing.T) {
	b := newTestBuffer(t)
	ctx := context.Background()

	n, err := b.Len(ctx)
	if err != nil {
		t.Fatalf("Len: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected empty buffer, got len=%d", n)
	}

	if err := b.Push(ctx, sampleIngestTag("a", time.Now())); err != nil {
		t.Fatalf("Push: %v", err)
	}
	n, err = b.Len(ctx)
	if err != nil {
		t.Fatalf("Len: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected len=1, got %d", n)
	}

	tags, err := b.Pop(ctx, 5)
	if err != nil {
		t.Fatalf("Pop: %v", err)
	}
	if len(tags) != 1 {
		t.Fatalf("expected 1 tag popped, got %d", len(tags))
	}

	tags, err = b.Pop(ctx, 5)
	if err != nil {
		t.Fatalf("Pop on empty buffer: %v", err)
	}
	if len(tags) != 0 {
		t.Fatalf("expected no tags, got %d", len(tags))
	}
}
