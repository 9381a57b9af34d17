// Copyright 2025 James Ross
package obs

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// DepthFunc returns the current waiting-job count for a step.
type DepthFunc func(ctx context.Context, step string) (int64, error)

// StartQueueDepthUpdater periodically samples per-step queue depth and
// publishes it to the QueueDepth gauge. depth is supplied by the queue
// store so this package stays free of a dependency on it.
func StartQueueDepthUpdater(ctx context.Context, interval time.Duration, steps []string, depth DepthFunc, log *zap.Logger) {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for _, step := range steps {
					n, err := depth(ctx, step)
					if err != nil {
						log.Debug("queue depth poll error", String("step", step), Err(err))
						continue
					}
					QueueDepth.WithLabelValues(step).Set(float64(n))
				}
			}
		}
	}()
}
