package main

import (
	"context"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/nerrad567/bambubridge/internal/infrastructure/logging"
	"github.com/nerrad567/bambubridge/internal/printer"
)

// warmer is the part of printer.Manager the reconnect job needs.
type warmer interface {
	ConnectAll(ctx context.Context) int
}

// reconnector re-runs the auto-connect warm-up on a cron schedule so
// printers that dropped off are picked up again. Printers that are still
// connected are left alone by ConnectAll.
type reconnector struct {
	manager  warmer
	schedule string
	cron     *cron.Cron
	log      *logging.Logger

	mu      sync.Mutex
	running bool
}

var _ warmer = (*printer.Manager)(nil)

// newReconnector validates schedule and returns nil when it is empty.
// Standard five-field expressions and descriptors such as "@every 1m" are accepted.
func newReconnector(manager warmer, schedule string, log *logging.Logger) (*reconnector, error) {
	if schedule == "" {
		return nil, nil
	}
	if _, err := cron.ParseStandard(schedule); err != nil {
		return nil, fmt.Errorf("invalid reconnect schedule %q: %w", schedule, err)
	}
	return &reconnector{
		manager:  manager,
		schedule: schedule,
		cron:     cron.New(),
		log:      log,
	}, nil
}

// Start schedules the warm-up. Overlapping runs are skipped.
func (r *reconnector) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()

	job := cron.NewChain(cron.SkipIfStillRunning(cron.DiscardLogger)).Then(cron.FuncJob(func() {
		r.run(ctx)
	}))
	if _, err := r.cron.AddJob(r.schedule, job); err != nil {
		// Already validated in newReconnector.
		r.log.Error("reconnect schedule rejected", "schedule", r.schedule, "error", err)
		return
	}

	r.cron.Start()
	r.running = true
	r.log.Info("reconnect schedule started", "schedule", r.schedule)
}

func (r *reconnector) run(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	n := r.manager.ConnectAll(ctx)
	r.log.Debug("scheduled reconnect complete", "connected", n)
}

// Stop halts the schedule and waits for a running warm-up to finish.
func (r *reconnector) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.running {
		return
	}
	<-r.cron.Stop().Done()
	r.running = false
	r.log.Info("reconnect schedule stopped")
}
