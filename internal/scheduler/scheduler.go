// Package scheduler runs the periodic refresh cycle on a cron schedule.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/rankwatch/rematch-tracker/internal/tracker"
)

// Refresher runs one refresh cycle. *players.Guard satisfies it.
type Refresher interface {
	Refresh(ctx context.Context) (tracker.RefreshSummary, error)
}

// Config controls when refreshes happen.
type Config struct {
	Schedule  string
	OnStartup bool
	Disabled  bool
}

// Scheduler triggers Refresher on a cron schedule. A tick that fires while
// the previous cycle is still running is skipped.
type Scheduler struct {
	cfg       Config
	refresher Refresher
	logger    *zap.Logger
	cron      *cron.Cron
	job       cron.Job
	startup   sync.WaitGroup

	mu  sync.Mutex
	ctx context.Context
}

// New validates the schedule and prepares the cron runner without starting it.
func New(cfg Config, refresher Refresher, logger *zap.Logger) (*Scheduler, error) {
	if refresher == nil {
		return nil, errors.New("refresher is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("scheduler")

	s := &Scheduler{
		cfg:       cfg,
		refresher: refresher,
		logger:    logger,
		ctx:       context.Background(),
	}
	if cfg.Disabled {
		return s, nil
	}

	cl := cronLogger{logger: logger}
	s.cron = cron.New(cron.WithLogger(cl))
	s.job = cron.NewChain(cron.SkipIfStillRunning(cl)).Then(cron.FuncJob(s.run))
	if _, err := s.cron.AddJob(cfg.Schedule, s.job); err != nil {
		return nil, fmt.Errorf("schedule %q: %w", cfg.Schedule, err)
	}
	return s, nil
}

// Start begins ticking. Refreshes wait for the store under ctx.
func (s *Scheduler) Start(ctx context.Context) {
	if s.cfg.Disabled {
		s.logger.Info("periodic refresh disabled")
		return
	}
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	s.cron.Start()
	s.logger.Info("periodic refresh scheduled", zap.String("schedule", s.cfg.Schedule))
	if s.cfg.OnStartup {
		s.startup.Go(s.job.Run)
	}
}

// Stop halts future ticks and returns a context that is done once any
// running refresh has returned.
func (s *Scheduler) Stop() context.Context {
	if s.cron == nil {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		return ctx
	}
	ticks := s.cron.Stop()
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-ticks.Done()
		s.startup.Wait()
		cancel()
	}()
	return ctx
}

func (s *Scheduler) run() {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx.Err() != nil {
		return
	}

	summary, err := s.refresher.Refresh(ctx)
	if err != nil {
		s.logger.Error("scheduled refresh failed", zap.String("cycle_id", summary.CycleID), zap.Error(err))
		return
	}
	s.logger.Info("scheduled refresh complete",
		zap.String("cycle_id", summary.CycleID),
		zap.Int("succeeded", summary.Succeeded),
		zap.Int("failed", summary.Failed),
	)
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	logger *zap.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, fields(keysAndValues)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append(fields(keysAndValues), zap.Error(err))...)
}

func fields(keysAndValues []any) []zap.Field {
	out := make([]zap.Field, 0, len(keysAndValues)/2)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		out = append(out, zap.Any(fmt.Sprint(keysAndValues[i]), keysAndValues[i+1]))
	}
	return out
}
