package cmd

import (
	"go.uber.org/zap"

	"github.com/rankwatch/rematch-tracker/internal/browser"
	"github.com/rankwatch/rematch-tracker/internal/clock/system"
	"github.com/rankwatch/rematch-tracker/internal/config"
	"github.com/rankwatch/rematch-tracker/internal/correlator"
	"github.com/rankwatch/rematch-tracker/internal/policy/ratelimit"
	"github.com/rankwatch/rematch-tracker/internal/scraper"
)

// buildScraper wires the browser engine, correlator and politeness limiter
// into an orchestrator.
func buildScraper(cfg config.Config, logger *zap.Logger) *scraper.Orchestrator {
	engines := browser.Factory(browser.Config{
		ExecPath:      cfg.Browser.ExecPath,
		Headless:      cfg.Browser.Headless,
		NoSandbox:     cfg.Browser.NoSandbox,
		UserAgent:     cfg.Browser.UserAgent,
		WarmupTimeout: cfg.WarmupTimeout(),
	}, logger.Named("browser"))

	limiter := ratelimit.New(ratelimit.Config{MinInterval: cfg.MinInterval(), Burst: 1})

	return scraper.New(scraper.Config{
		Correlator: correlator.Config{
			Matcher: correlator.Matcher{
				Method:     cfg.Scraper.APIMethod,
				PathMarker: cfg.Scraper.APIPathMarker,
			},
			Timeout: cfg.EventTimeout(),
		},
		TargetTimeout: cfg.TargetTimeout(),
	}, engines, limiter, system.New(), logger.Named("scraper"))
}
