// Package scraper runs refresh cycles: one browser per cycle, one instrumented
// session per registered profile, strictly one at a time.
package scraper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/rankwatch/rematch-tracker/internal/correlator"
	"github.com/rankwatch/rematch-tracker/internal/metrics"
	"github.com/rankwatch/rematch-tracker/internal/tracker"
)

// EngineFactory launches the browser for one cycle.
type EngineFactory func(ctx context.Context) (tracker.Engine, error)

// Waiter spaces out page loads.
type Waiter interface {
	Wait(ctx context.Context, url string) error
}

// Config controls the orchestrator.
type Config struct {
	Correlator correlator.Config
	// TargetTimeout bounds one whole scrape attempt. Zero means no bound
	// beyond the correlator's per-event wait.
	TargetTimeout time.Duration
}

// Orchestrator implements tracker.Scraper.
type Orchestrator struct {
	cfg       Config
	newEngine EngineFactory
	limiter   Waiter
	clock     tracker.Clock
	logger    *zap.Logger
}

var _ tracker.Scraper = (*Orchestrator)(nil)

type noWait struct{}

func (noWait) Wait(context.Context, string) error { return nil }

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now().UTC() }

// New wires an Orchestrator. limiter and clock may be nil.
func New(cfg Config, newEngine EngineFactory, limiter Waiter, clock tracker.Clock, logger *zap.Logger) *Orchestrator {
	if limiter == nil {
		limiter = noWait{}
	}
	if clock == nil {
		clock = wallClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		cfg:       cfg,
		newEngine: newEngine,
		limiter:   limiter,
		clock:     clock,
		logger:    logger,
	}
}

// RefreshAll scrapes every target in order. A failing target is recorded in
// Failures and the loop moves on; only an engine that cannot start or a
// canceled context ends the cycle early.
func (o *Orchestrator) RefreshAll(ctx context.Context, targets []tracker.Target) (tracker.RefreshResult, error) {
	var result tracker.RefreshResult
	if len(targets) == 0 {
		return result, nil
	}

	engine, err := o.launch(ctx)
	if err != nil {
		return result, err
	}
	defer engine.Close()

	for i, target := range targets {
		if err := ctx.Err(); err != nil {
			return result, fmt.Errorf("refresh interrupted after %d of %d targets: %w", i, len(targets), err)
		}
		logger := o.logger.With(
			zap.Stringer("player_id", target.PlayerID),
			zap.String("url", target.ProfileURL),
		)
		snapshot, err := o.scrape(ctx, engine, target)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return result, fmt.Errorf("refresh interrupted after %d of %d targets: %w", i, len(targets), ctxErr)
			}
			logger.Warn("profile scrape failed", zap.Error(err))
			result.Failures = append(result.Failures, tracker.TargetFailure{
				PlayerID:   target.PlayerID,
				ProfileURL: target.ProfileURL,
				Err:        err,
			})
			continue
		}
		logger.Debug("profile scraped",
			zap.String("display_name", snapshot.DisplayName),
			zap.Stringer("rank", snapshot.Rank),
		)
		result.Snapshots = append(result.Snapshots, snapshot)
	}
	return result, nil
}

// ScrapeOne launches a browser, scrapes a single profile and shuts down.
func (o *Orchestrator) ScrapeOne(ctx context.Context, profileURL string) (tracker.StatsSnapshot, error) {
	engine, err := o.launch(ctx)
	if err != nil {
		return tracker.StatsSnapshot{}, err
	}
	defer engine.Close()
	return o.scrape(ctx, engine, tracker.Target{ProfileURL: profileURL})
}

func (o *Orchestrator) launch(ctx context.Context) (tracker.Engine, error) {
	if o.newEngine == nil {
		return nil, fmt.Errorf("%w: no engine factory configured", tracker.ErrEngineUnavailable)
	}
	engine, err := o.newEngine(ctx)
	if err != nil {
		if errors.Is(err, tracker.ErrEngineUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", tracker.ErrEngineUnavailable, err)
	}
	return engine, nil
}

func (o *Orchestrator) scrape(ctx context.Context, engine tracker.Engine, target tracker.Target) (snapshot tracker.StatsSnapshot, err error) {
	start := time.Now()
	defer func() {
		metrics.ObserveScrape(target.ProfileURL, Outcome(err), time.Since(start))
	}()

	if err := o.limiter.Wait(ctx, target.ProfileURL); err != nil {
		return tracker.StatsSnapshot{}, err
	}
	if o.cfg.TargetTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.TargetTimeout)
		defer cancel()
	}

	session, err := engine.Open(ctx)
	if err != nil {
		return tracker.StatsSnapshot{}, err
	}
	defer session.Close()

	if err := session.Navigate(ctx, target.ProfileURL); err != nil {
		return tracker.StatsSnapshot{}, err
	}
	payload, err := correlator.New(o.cfg.Correlator, o.logger).Run(ctx, session)
	if err != nil {
		return tracker.StatsSnapshot{}, err
	}
	return payload.Snapshot(target.PlayerID, o.clock.Now()), nil
}

// Outcome maps a scrape error onto its metrics label.
func Outcome(err error) string {
	switch {
	case err == nil:
		return metrics.OutcomeSuccess
	case errors.Is(err, tracker.ErrSessionInit):
		return metrics.OutcomeSessionInit
	case errors.Is(err, tracker.ErrNavigation):
		return metrics.OutcomeNavigation
	case errors.Is(err, tracker.ErrTargetRequestNotFound):
		return metrics.OutcomeNotFound
	case errors.Is(err, tracker.ErrTargetRequestTimeout):
		return metrics.OutcomeTimeout
	case errors.Is(err, tracker.ErrBodyUnavailable):
		return metrics.OutcomeBodyUnavailable
	case errors.Is(err, tracker.ErrPayloadMalformed):
		return metrics.OutcomeMalformed
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return metrics.OutcomeCanceled
	default:
		return metrics.OutcomeError
	}
}
