// Copyright 2025 James Ross
// Package reaper implements the zombie job reclaimer from spec.md §4.3
// and §5: jobs whose heartbeat has gone silent past the configured
// ceiling are returned to WAITING, or failed as
// JobRunnerCrashedError once they've exhausted their retries.
package reaper

import (
	"context"
	"time"

	"github.com/huggingface/datasets-server/internal/config"
	"github.com/huggingface/datasets-server/internal/obs"
	"github.com/huggingface/datasets-server/internal/queuestore"
	"go.uber.org/zap"
)

// Reaper periodically sweeps the queue store for zombie jobs.
type Reaper struct {
	cfg   *config.Config
	queue *queuestore.Store
	log   *zap.Logger
}

func New(cfg *config.Config, queue *queuestore.Store, log *zap.Logger) *Reaper {
	return &Reaper{cfg: cfg, queue: queue, log: log}
}

// Run blocks, sweeping at the configured interval until ctx is done.
func (r *Reaper) Run(ctx context.Context) {
	interval := r.cfg.Queue.ZombieScanInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.scanOnce(ctx)
		}
	}
}

func (r *Reaper) scanOnce(ctx context.Context) {
	n, err := r.queue.ReclaimZombies(ctx, time.Now().UTC(), r.cfg.Queue.ZombieMaxSilence, r.cfg.Queue.ZombieMaxRetries)
	if err != nil {
		r.log.Warn("reaper: reclaim pass failed", obs.Err(err))
		return
	}
	if n > 0 {
		obs.ReaperRecovered.WithLabelValues("all").Add(float64(n))
		r.log.Warn("reaper: recovered zombie jobs", obs.Int("count", n))
	}
}
