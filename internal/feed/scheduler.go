package feed

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	appLog "icalfeed/internal/log"
)

// maxParallelRefresh bounds how many sources RefreshAll fetches at once.
const maxParallelRefresh = 4

// Scheduler refreshes every source on a cron schedule.
type Scheduler struct {
	cron    *cron.Cron
	sources []*Source

	mu  sync.Mutex
	ctx context.Context
}

// NewScheduler registers one cron job per source. schedule uses the standard
// five-field syntax and descriptors such as "@every 10m".
func NewScheduler(schedule string, sources []*Source) (*Scheduler, error) {
	lg := cronLogger{appLog.With("component", "scheduler")}
	c := cron.New(
		cron.WithLogger(lg),
		cron.WithChain(cron.Recover(lg), cron.SkipIfStillRunning(lg)),
	)

	s := &Scheduler{cron: c, sources: sources, ctx: context.Background()}
	for _, src := range sources {
		if _, err := c.AddFunc(schedule, func() { s.runJob(src) }); err != nil {
			return nil, fmt.Errorf("schedule %q for %s: %w", schedule, src.Name(), err)
		}
	}
	return s, nil
}

// Start refreshes every source once, then starts the cron loop. Jobs run
// with ctx until Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	if err := RefreshAll(ctx, s.sources); err != nil {
		appLog.Error("initial refresh incomplete", err, "sources", len(s.sources))
	}
	s.cron.Start()
	appLog.Info("scheduler started", "sources", len(s.sources), "jobs", len(s.cron.Entries()))
}

// Stop halts the cron loop and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	appLog.Info("scheduler stopped")
}

func (s *Scheduler) runJob(src *Source) {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()

	// Errors are already logged by the source with its calendar name.
	_, _ = src.Refresh(ctx)
}

// RefreshAll refreshes all sources concurrently. One failing source does not
// stop the others; the returned error joins every failure.
func RefreshAll(ctx context.Context, sources []*Source) error {
	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	g.SetLimit(maxParallelRefresh)

	for _, src := range sources {
		g.Go(func() error {
			if _, err := src.Refresh(ctx); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// cronLogger routes cron's own logging through the application logger.
type cronLogger struct {
	lg appLog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.lg.Debug("cron "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.lg.Error("cron "+msg, err, keysAndValues...)
}
