// Package diagnostics reports process and service health: process
// CPU/memory via gopsutil, and ingest buffer queue depth when the
// buffered backend is in use. Adapted from
// control-plane/internal/metrics/collector.go's Collector, trimmed of
// TimescaleDB-specific table/compression stats, which have no analogue
// in this service.
package diagnostics

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// QueueDepthProvider reports how many tags are waiting to be flushed.
// *ingestbuf.Buffer satisfies this; it is an interface here so
// diagnostics has no import-time dependency on ingestbuf (and so the
// in-memory backend, which has no queue, can simply omit it).
type QueueDepthProvider interface {
	Len(ctx context.Context) (int64, error)
}

// ProcessHealth summarizes the running process.
type ProcessHealth struct {
	Status        string  `json:"status"`
	Goroutines    int     `json:"goroutines"`
	UptimeSeconds int64   `json:"uptime_seconds"`
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryMB      float64 `json:"memory_mb"`
	MemoryPercent float64 `json:"memory_percent"`
}

// BufferHealth summarizes the ingest buffer, if one is configured.
type BufferHealth struct {
	Enabled    bool  `json:"enabled"`
	QueueDepth int64 `json:"queue_depth"`
}

// Health is the full diagnostics snapshot.
type Health struct {
	Timestamp time.Time     `json:"timestamp"`
	Process   ProcessHealth `json:"process"`
	Buffer    BufferHealth  `json:"buffer"`
}

// Collector gathers diagnostics with a short TTL cache, so a burst of
// health-check requests doesn't repeatedly shell out to gopsutil.
type Collector struct {
	buffer    QueueDepthProvider // nil if the in-memory backend is in use
	startTime time.Time

	mu            sync.RWMutex
	cached        *Health
	cacheExpiry   time.Time
	cacheDuration time.Duration
}

// NewCollector creates a Collector. buffer may be nil.
func NewCollector(buffer QueueDepthProvider) *Collector {
	return &Collector{
		buffer:        buffer,
		startTime:     time.Now(),
		cacheDuration: 30 * time.Second,
	}
}

// Snapshot returns the current health, refreshing the cache if expired.
func (c *Collector) Snapshot(ctx context.Context) Health {
	c.mu.RLock()
	if c.cached != nil && time.Now().Before(c.cacheExpiry) {
		h := *c.cached
		c.mu.RUnlock()
		return h
	}
	c.mu.RUnlock()

	h := c.collect(ctx)

	c.mu.Lock()
	c.cached = &h
	c.cacheExpiry = time.Now().Add(c.cacheDuration)
	c.mu.Unlock()

	return h
}

func (c *Collector) collect(ctx context.Context) Health {
	return Health{
		Timestamp: time.Now(),
		Process:   c.collectProcessHealth(),
		Buffer:    c.collectBufferHealth(ctx),
	}
}

func (c *Collector) collectProcessHealth() ProcessHealth {
	h := ProcessHealth{
		Status:        "healthy",
		Goroutines:    runtime.NumGoroutine(),
		UptimeSeconds: int64(time.Since(c.startTime).Seconds()),
	}

	proc, err := process.NewProcess(int32(os.Getpid()))
	if err == nil {
		if cpu, err := proc.CPUPercent(); err == nil {
			h.CPUPercent = cpu
		}
		if mem, err := proc.MemoryInfo(); err == nil {
			h.MemoryMB = float64(mem.RSS) / (1024 * 1024)
		}
		if memPct, err := proc.MemoryPercent(); err == nil {
			h.MemoryPercent = float64(memPct)
		}
	}

	if h.MemoryPercent > 90 || h.CPUPercent > 90 {
		h.Status = "degraded"
	}
	return h
}

func (c *Collector) collectBufferHealth(ctx context.Context) BufferHealth {
	if c.buffer == nil {
		return BufferHealth{Enabled: false}
	}
	depth, err := c.buffer.Len(ctx)
	if err != nil {
		return BufferHealth{Enabled: true}
	}
	return BufferHealth{Enabled: true, QueueDepth: depth}
}

// String renders h as a single human-readable line, used by the CLI's
// -healthcheck mode.
func (h Health) String() string {
	return fmt.Sprintf("status=%s goroutines=%d uptime=%ds cpu=%.1f%% mem=%.1fMB buffer_enabled=%t buffer_depth=%d",
		h.Process.Status, h.Process.Goroutines, h.Process.UptimeSeconds,
		h.Process.CPUPercent, h.Process.MemoryMB, h.Buffer.Enabled, h.Buffer.QueueDepth)
}
