package resultcache

import (
	"context"
	"runtime/metrics"
	"time"
)

const heapObjectsMetric = "/memory/classes/heap/objects:bytes"

// HeapInUse reports the bytes occupied by live and not yet swept heap
// objects.
func HeapInUse() uint64 {
	sample := []metrics.Sample{{Name: heapObjectsMetric}}
	metrics.Read(sample)
	if sample[0].Value.Kind() != metrics.KindUint64 {
		return 0
	}
	return sample[0].Value.Uint64()
}

// WatchMemory polls heap usage every interval and clears the cache whenever
// it exceeds limit bytes. It blocks until ctx is done. A zero limit disables
// the watcher.
func (c *Cache) WatchMemory(ctx context.Context, limit uint64, interval time.Duration) {
	c.watchMemory(ctx, limit, interval, HeapInUse)
}

func (c *Cache) watchMemory(ctx context.Context, limit uint64, interval time.Duration, read func() uint64) {
	if limit == 0 {
		return
	}
	if interval <= 0 {
		interval = time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if used := read(); used > limit {
				c.logger.Info("memory pressure, clearing cache", "heap_bytes", used, "limit_bytes", limit)
				c.InvalidateAll()
			}
		}
	}
}
