// Package metrics exposes Prometheus collectors for the tracker service.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Scrape outcome labels.
const (
	OutcomeSuccess         = "success"
	OutcomeSessionInit     = "session_init"
	OutcomeNavigation      = "navigation"
	OutcomeNotFound        = "request_not_found"
	OutcomeTimeout         = "request_timeout"
	OutcomeBodyUnavailable = "body_unavailable"
	OutcomeMalformed       = "payload_malformed"
	OutcomeCanceled        = "canceled"
	OutcomeError           = "error"
)

var (
	scrapesTotal               *prometheus.CounterVec
	scrapeDurationSeconds      *prometheus.HistogramVec
	refreshesTotal             *prometheus.CounterVec
	refreshDurationSeconds     prometheus.Histogram
	trackedPlayers             prometheus.Gauge
	persistFailuresTotal       prometheus.Counter
	observerFailuresTotal      *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	politenessDelaySeconds     *prometheus.HistogramVec

	once sync.Once
)

// Init registers the collectors with the default registry.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		scrapesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tracker_scrapes_total",
				Help: "Total number of profile scrapes, labeled by site and outcome.",
			},
			[]string{"site", "outcome"},
		)

		scrapeDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tracker_scrape_duration_seconds",
				Help:    "Histogram of single profile scrape durations, labeled by outcome.",
				Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30},
			},
			[]string{"outcome"},
		)

		refreshesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tracker_refreshes_total",
				Help: "Total number of refresh cycles, labeled by status.",
			},
			[]string{"status"},
		)

		refreshDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "tracker_refresh_duration_seconds",
				Help:    "Histogram of whole refresh cycle durations.",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
			},
		)

		trackedPlayers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "tracker_players",
				Help: "Number of registered players.",
			},
		)

		persistFailuresTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "tracker_persist_failures_total",
				Help: "Total number of failed store file writes.",
			},
		)

		observerFailuresTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tracker_observer_failures_total",
				Help: "Total number of failed post-refresh observers, labeled by observer.",
			},
			[]string{"observer"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)

		politenessDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tracker_politeness_delay_seconds",
				Help:    "Histogram of politeness limiter wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"site"},
		)
	})
}

// SanitizeSite extracts a lowercase hostname from a URL.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveScrape records the outcome of one profile scrape.
func ObserveScrape(site, outcome string, duration time.Duration) {
	if scrapesTotal == nil {
		return
	}
	scrapesTotal.WithLabelValues(SanitizeSite(site), outcome).Inc()
	scrapeDurationSeconds.WithLabelValues(outcome).Observe(duration.Seconds())
}

// ObserveRefresh records one refresh cycle.
func ObserveRefresh(status string, duration time.Duration) {
	if refreshesTotal == nil {
		return
	}
	refreshesTotal.WithLabelValues(status).Inc()
	refreshDurationSeconds.Observe(duration.Seconds())
}

// SetTrackedPlayers sets the registered player gauge.
func SetTrackedPlayers(n int) {
	if trackedPlayers == nil {
		return
	}
	trackedPlayers.Set(float64(n))
}

// ObservePersistFailure increments the store write failure counter.
func ObservePersistFailure() {
	if persistFailuresTotal == nil {
		return
	}
	persistFailuresTotal.Inc()
}

// ObserveObserverFailure increments the failure counter of a post-refresh observer.
func ObserveObserverFailure(observer string) {
	if observerFailuresTotal == nil {
		return
	}
	observerFailuresTotal.WithLabelValues(observer).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	if httpRequestsTotal == nil {
		return
	}
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObservePolitenessDelay records how long a scrape waited on the politeness limiter.
func ObservePolitenessDelay(site string, duration time.Duration) {
	if politenessDelaySeconds == nil {
		return
	}
	politenessDelaySeconds.WithLabelValues(SanitizeSite(site)).Observe(duration.Seconds())
}
