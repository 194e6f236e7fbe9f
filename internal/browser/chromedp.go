// Package browser drives headless Chrome via chromedp and exposes
// instrumented tabs whose network traffic can be observed.
package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/rankwatch/rematch-tracker/internal/tracker"
)

// Config controls how the browser process is launched.
type Config struct {
	ExecPath      string
	Headless      bool
	NoSandbox     bool
	UserAgent     string
	WarmupTimeout time.Duration
}

// Engine owns one browser process shared by the sessions it opens.
type Engine struct {
	allocatorCancel context.CancelFunc
	browserCtx      context.Context
	browserCancel   context.CancelFunc
	logger          *zap.Logger
	closeOnce       sync.Once
}

// NewEngine launches the browser and waits for it to accept commands.
func NewEngine(cfg Config, logger *zap.Logger) (*Engine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	if cfg.Headless {
		opts = append(opts, chromedp.Flag("headless", "new"))
	} else {
		opts = append(opts, chromedp.Flag("headless", false))
	}
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	if cfg.NoSandbox {
		opts = append(opts, chromedp.NoSandbox)
	}
	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}

	allocatorCtx, allocatorCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocatorCtx,
		chromedp.WithErrorf(func(format string, args ...any) {
			logger.Debug("chromedp error", zap.String("detail", fmt.Sprintf(format, args...)))
		}),
	)
	var warmupTimer *time.Timer
	if cfg.WarmupTimeout > 0 {
		warmupTimer = time.AfterFunc(cfg.WarmupTimeout, browserCancel)
	}
	err := chromedp.Run(browserCtx)
	if warmupTimer != nil && !warmupTimer.Stop() && err == nil {
		err = fmt.Errorf("warmup exceeded %s", cfg.WarmupTimeout)
	}
	if err != nil {
		browserCancel()
		allocatorCancel()
		return nil, fmt.Errorf("%w: chromedp warmup: %w", tracker.ErrEngineUnavailable, err)
	}
	logger.Info("browser engine started", zap.Bool("headless", cfg.Headless))

	return &Engine{
		allocatorCancel: allocatorCancel,
		browserCtx:      browserCtx,
		browserCancel:   browserCancel,
		logger:          logger,
	}, nil
}

// Factory adapts NewEngine to the per-cycle launcher used by the scraper.
func Factory(cfg Config, logger *zap.Logger) func(context.Context) (tracker.Engine, error) {
	return func(ctx context.Context) (tracker.Engine, error) {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: %w", tracker.ErrEngineUnavailable, err)
		}
		engine, err := NewEngine(cfg, logger)
		if err != nil {
			return nil, err
		}
		return engine, nil
	}
}

// Close tears down the browser and allocator contexts.
func (e *Engine) Close() {
	if e == nil {
		return
	}
	e.closeOnce.Do(func() {
		e.browserCancel()
		e.allocatorCancel()
		e.logger.Info("browser engine stopped")
	})
}

// Open creates a blank tab with network instrumentation enabled. Both event
// subscriptions are live before Open returns, so nothing emitted after the
// first navigation can be missed.
func (e *Engine) Open(ctx context.Context) (tracker.Session, error) {
	if e == nil {
		return nil, fmt.Errorf("%w: engine not started", tracker.ErrSessionInit)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", tracker.ErrSessionInit, err)
	}
	tabCtx, tabCancel := chromedp.NewContext(e.browserCtx)
	s := newSession(tabCtx, tabCancel, e.logger)
	chromedp.ListenTarget(tabCtx, s.dispatch)

	if err := chromedp.Run(tabCtx, network.Enable()); err != nil {
		s.Close()
		return nil, fmt.Errorf("%w: enable network domain: %w", tracker.ErrSessionInit, err)
	}
	return s, nil
}

// Session is one instrumented tab. It must be closed on every exit path.
type Session struct {
	ctx      context.Context
	cancel   context.CancelFunc
	started  *pump[tracker.RequestStartedEvent]
	finished *pump[tracker.RequestFinishedEvent]
	done     chan struct{}
	wg       sync.WaitGroup
	once     sync.Once
	logger   *zap.Logger
}

func newSession(ctx context.Context, cancel context.CancelFunc, logger *zap.Logger) *Session {
	s := &Session{
		ctx:      ctx,
		cancel:   cancel,
		started:  newPump[tracker.RequestStartedEvent](),
		finished: newPump[tracker.RequestFinishedEvent](),
		done:     make(chan struct{}),
		logger:   logger,
	}
	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.started.run(s.done)
	}()
	go func() {
		defer s.wg.Done()
		s.finished.run(s.done)
	}()
	return s
}

// RequestStarted streams Network.requestWillBeSent events. The channel is
// closed when the session closes.
func (s *Session) RequestStarted() <-chan tracker.RequestStartedEvent {
	return s.started.out
}

// RequestFinished streams Network.loadingFinished events. The channel is
// closed when the session closes.
func (s *Session) RequestFinished() <-chan tracker.RequestFinishedEvent {
	return s.finished.out
}

// dispatch runs on chromedp's event goroutine and must not block.
func (s *Session) dispatch(ev any) {
	switch ev := ev.(type) {
	case *network.EventRequestWillBeSent:
		if ev.Request == nil {
			return
		}
		s.started.push(tracker.RequestStartedEvent{
			ID:     string(ev.RequestID),
			Method: ev.Request.Method,
			URL:    ev.Request.URL,
		})
	case *network.EventLoadingFinished:
		s.finished.push(tracker.RequestFinishedEvent{ID: string(ev.RequestID)})
	}
}

// Navigate starts loading url without waiting for the load event.
func (s *Session) Navigate(ctx context.Context, url string) error {
	runCtx, cancel := context.WithCancel(s.ctx)
	defer cancel()
	stop := forwardCancel(ctx, cancel)
	defer stop()

	err := chromedp.Run(runCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		_, _, errorText, _, err := page.Navigate(url).Do(ctx)
		if err != nil {
			return err
		}
		if errorText != "" {
			return errors.New(errorText)
		}
		return nil
	}))
	if err != nil {
		return fmt.Errorf("%w: %s: %w", tracker.ErrNavigation, url, err)
	}
	return nil
}

// FetchBody returns the captured response body of a finished exchange.
func (s *Session) FetchBody(ctx context.Context, requestID string) ([]byte, error) {
	runCtx, cancel := context.WithCancel(s.ctx)
	defer cancel()
	stop := forwardCancel(ctx, cancel)
	defer stop()

	var body []byte
	err := chromedp.Run(runCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		body, err = network.GetResponseBody(network.RequestID(requestID)).Do(ctx)
		return err
	}))
	if err != nil {
		return nil, fmt.Errorf("%w: request %s: %w", tracker.ErrBodyUnavailable, requestID, err)
	}
	return body, nil
}

// Close closes the tab and joins both event pumps. It is idempotent and
// safe on a nil session.
func (s *Session) Close() {
	if s == nil {
		return
	}
	s.once.Do(func() {
		s.cancel()
		close(s.done)
		s.wg.Wait()
		s.logger.Debug("session closed")
	})
}

func forwardCancel(parent context.Context, cancel context.CancelFunc) func() {
	if parent == nil {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-parent.Done():
			cancel()
		case <-done:
		}
	}()
	return func() { close(done) }
}
