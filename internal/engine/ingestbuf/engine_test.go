package ingestbuf

import (
	"context"
	"testing"
	"time"
)

func TestBufferedEngineRegisterUserTagPushesToBuffer(t *testing.T) {
	buffer := newTestBuffer(t)
	eng := NewBufferedEngine(buffer, nil)
	ctx := context.Background()

	if err := eng.RegisterUserTag(ctx, sampleIngestTag("a", time.Now())); err != nil {
		t.Fatalf("RegisterUserTag: %v", err)
	}

	n, err := buffer.Len(ctx)
	if err != nil {
		t.Fatalf("Len: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 buffered tag, got %d", n)
	}
}

func TestBufferedEngineWithRateLimitThrottlesBursts(t *testing.T) {
	buffer := newTestBuffer(t)
	eng := NewBufferedEngine(buffer, nil).WithRateLimit(1)
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 2; i++ {
		if err := eng.RegisterUserTag(ctx, sampleIngestTag("a", time.Now())); err != nil {
			t.Fatalf("RegisterUserTag: %v", err)
		}
	}
	if elapsed := time.Since(start); elapsed < 500*time.Millisecond {
		t.Errorf("expected the second call to wait for the 1/s limiter, only took %s", elapsed)
	}
}

func TestBufferedEngineWithRateLimitZeroDisablesThrottling(t *testing.T) {
	buffer := newTestBuffer(t)
	eng := NewBufferedEngine(buffer, nil).WithRateLimit(0)
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 5; i++ {
		if err := eng.RegisterUserTag(ctx, sampleIngestTag("a", time.Now())); err != nil {
			t.Fatalf("RegisterUserTag: %v", err)
		}
	}
	if elapsed := time.Since(start); elapsed > 200*time.Millisecond {
		t.Errorf("expected no throttling with limit disabled, took %s", elapsed)
	}
}
