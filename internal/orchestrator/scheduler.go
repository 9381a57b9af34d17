package orchestrator

import (
	"context"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// SampleFunc produces the bounded dataset sample one Tick pass sweeps,
// e.g. a round-robin cursor over the dataset universe.
type SampleFunc func(ctx context.Context) ([]DatasetSample, error)

// Scheduler drives Orchestrator.Tick on a cron schedule, mirroring how
// this codebase's other periodic maintenance loops are wired off
// robfig/cron rather than a bare time.Ticker.
type Scheduler struct {
	cron *cron.Cron
	log  *zap.Logger
}

// NewScheduler registers a Tick job on spec, e.g. "@every 1m".
func NewScheduler(o *Orchestrator, sample SampleFunc, spec string, log *zap.Logger) (*Scheduler, error) {
	c := cron.New()
	_, err := c.AddFunc(spec, func() {
		ctx := context.Background()
		datasets, err := sample(ctx)
		if err != nil {
			log.Warn("scheduler: sample failed", zap.Error(err))
			return
		}
		planned, err := o.Tick(ctx, datasets)
		if err != nil {
			log.Warn("scheduler: tick failed", zap.Error(err))
			return
		}
		log.Info("scheduler: tick complete", zap.Int("datasets", len(datasets)), zap.Int("tasks_planned", planned))
	})
	if err != nil {
		return nil, err
	}
	return &Scheduler{cron: c, log: log}, nil
}

func (s *Scheduler) Start() { s.cron.Start() }
func (s *Scheduler) Stop()  { <-s.cron.Stop().Done() }
