// Package correlator finds the profile API exchange among the network
// traffic of an instrumented page and returns its decoded body.
package correlator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/rankwatch/rematch-tracker/internal/tracker"
)

const (
	// DefaultMethod is the verb the page uses to load the profile.
	DefaultMethod = "GET"
	// DefaultPathMarker identifies the profile API in request URLs.
	DefaultPathMarker = "/api/profiles"
	// DefaultTimeout bounds every wait for the next event.
	DefaultTimeout = 10 * time.Second
)

// State is the position of a correlation attempt.
type State int

// Correlation states.
const (
	StateAwaitingStart State = iota
	StateAwaitingFinish
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateAwaitingStart:
		return "awaiting_start"
	case StateAwaitingFinish:
		return "awaiting_finish"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Matcher selects the exchange carrying the profile document.
type Matcher struct {
	Method     string
	PathMarker string
}

// Match reports whether a started request is the profile API call.
func (m Matcher) Match(ev tracker.RequestStartedEvent) bool {
	return strings.EqualFold(ev.Method, m.Method) && strings.Contains(ev.URL, m.PathMarker)
}

// Config controls one Correlator.
type Config struct {
	Matcher Matcher
	Timeout time.Duration
}

// Correlator matches the profile request to its completion for one session.
// A Correlator is single use.
type Correlator struct {
	cfg       Config
	logger    *zap.Logger
	state     State
	requestID string
}

// New creates a Correlator in StateAwaitingStart.
func New(cfg Config, logger *zap.Logger) *Correlator {
	if cfg.Matcher.Method == "" {
		cfg.Matcher.Method = DefaultMethod
	}
	if cfg.Matcher.PathMarker == "" {
		cfg.Matcher.PathMarker = DefaultPathMarker
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Correlator{cfg: cfg, logger: logger, state: StateAwaitingStart}
}

// State returns the current state.
func (c *Correlator) State() State {
	return c.state
}

// RequestID returns the matched request id, empty until a match.
func (c *Correlator) RequestID() string {
	return c.requestID
}

// Run drives the state machine to completion against src.
func (c *Correlator) Run(ctx context.Context, src tracker.EventSource) (tracker.ProfilePayload, error) {
	timer := time.NewTimer(c.cfg.Timeout)
	defer timer.Stop()

	for {
		var err error
		switch c.state {
		case StateAwaitingStart:
			err = c.awaitStart(ctx, src, timer)
		case StateAwaitingFinish:
			err = c.awaitFinish(ctx, src, timer)
		case StateDone:
			return c.fetch(ctx, src)
		default:
			return tracker.ProfilePayload{}, fmt.Errorf("correlator reused in state %s", c.state)
		}
		if err != nil {
			c.state = StateFailed
			return tracker.ProfilePayload{}, err
		}
	}
}

func (c *Correlator) awaitStart(ctx context.Context, src tracker.EventSource, timer *time.Timer) error {
	for {
		select {
		case ev, ok := <-src.RequestStarted():
			if !ok {
				return fmt.Errorf("%w: event stream closed", tracker.ErrTargetRequestNotFound)
			}
			resetTimer(timer, c.cfg.Timeout)
			if !c.cfg.Matcher.Match(ev) {
				continue
			}
			c.requestID = ev.ID
			c.state = StateAwaitingFinish
			c.logger.Debug("profile request found", zap.String("request_id", ev.ID), zap.String("url", ev.URL))
			return nil
		case <-timer.C:
			return fmt.Errorf("%w: no %s %s request within %s",
				tracker.ErrTargetRequestNotFound, c.cfg.Matcher.Method, c.cfg.Matcher.PathMarker, c.cfg.Timeout)
		case <-ctx.Done():
			return fmt.Errorf("await profile request: %w", ctx.Err())
		}
	}
}

func (c *Correlator) awaitFinish(ctx context.Context, src tracker.EventSource, timer *time.Timer) error {
	for {
		select {
		case ev, ok := <-src.RequestFinished():
			if !ok {
				return fmt.Errorf("%w: event stream closed", tracker.ErrTargetRequestTimeout)
			}
			resetTimer(timer, c.cfg.Timeout)
			if ev.ID != c.requestID {
				continue
			}
			c.state = StateDone
			return nil
		case <-timer.C:
			return fmt.Errorf("%w: request %s", tracker.ErrTargetRequestTimeout, c.requestID)
		case <-ctx.Done():
			return fmt.Errorf("await profile response: %w", ctx.Err())
		}
	}
}

func (c *Correlator) fetch(ctx context.Context, src tracker.EventSource) (tracker.ProfilePayload, error) {
	body, err := src.FetchBody(ctx, c.requestID)
	if err != nil {
		c.state = StateFailed
		return tracker.ProfilePayload{}, err
	}
	payload, err := tracker.ParsePayload(body)
	if err != nil {
		c.state = StateFailed
		c.logger.Error("profile payload malformed",
			zap.String("request_id", c.requestID),
			zap.ByteString("body", body),
			zap.Error(err),
		)
		return tracker.ProfilePayload{}, err
	}
	return payload, nil
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}
