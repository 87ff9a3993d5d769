package plan

import (
	"context"
	"log"
	"time"
)

// Scheduler runs the transition sweep on a fixed interval until its context
// is cancelled.
type Scheduler struct {
	engine   *Engine
	interval time.Duration
}

func NewScheduler(engine *Engine, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Scheduler{engine: engine, interval: interval}
}

func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		s.tick(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	result, err := s.engine.EvaluateDueTransitions(ctx, s.engine.now())
	if err != nil {
		log.Printf("plan: sweep failed: %v", err)
		return
	}
	if result.Advanced > 0 || result.Failed > 0 {
		log.Printf("plan: sweep advanced=%d skipped=%d failed=%d", result.Advanced, result.Skipped, result.Failed)
	}
}
