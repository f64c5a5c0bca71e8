// Package jobs runs periodic maintenance: stats snapshots and the removal of
// abandoned uploads.
package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"harbor/pkg/log"

	"github.com/robfig/cron"
)

// Func is a unit of scheduled work.
type Func func(ctx context.Context) error

// Scheduler runs registered jobs on cron schedules. A run that is still
// going when its next tick arrives makes that tick a no-op.
type Scheduler struct {
	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a stopped Scheduler.
func New() *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{cron: cron.New(), ctx: ctx, cancel: cancel}
}

// Add registers fn under name. spec is a five-field cron expression or a
// descriptor such as "@every 10m". timeout bounds a single run; zero means
// no bound.
func (s *Scheduler) Add(name, spec string, timeout time.Duration, fn Func) error {
	schedule, err := cron.ParseStandard(spec)
	if err != nil {
		return fmt.Errorf("job %s: invalid schedule %q: %w", name, spec, err)
	}
	s.cron.Schedule(schedule, cron.FuncJob(s.wrap(name, timeout, fn)))
	log.Info().Str("job", name).Str("schedule", spec).Msg("Job scheduled")
	return nil
}

func (s *Scheduler) wrap(name string, timeout time.Duration, fn Func) func() {
	var running sync.Mutex
	return func() {
		if !running.TryLock() {
			log.Warn().Str("job", name).Msg("Previous run still in progress, skipping")
			return
		}
		defer running.Unlock()

		s.wg.Add(1)
		defer s.wg.Done()

		ctx := s.ctx
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}

		start := time.Now()
		if err := fn(ctx); err != nil {
			log.Error().Err(err).Str("job", name).Msg("Job failed")
			return
		}
		log.Debug().Str("job", name).Dur("took", time.Since(start)).Msg("Job finished")
	}
}

// Start begins running jobs in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts scheduling, cancels running jobs and waits for them to return.
func (s *Scheduler) Stop() {
	s.cron.Stop()
	s.cancel()
	s.wg.Wait()
}
