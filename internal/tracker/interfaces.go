package tracker

import (
	"context"
	"io"
	"time"
)

// EventSource is the instrumented view of one browser tab that the
// correlator consumes. Both channels are fed before navigation starts.
type EventSource interface {
	RequestStarted() <-chan RequestStartedEvent
	RequestFinished() <-chan RequestFinishedEvent
	FetchBody(ctx context.Context, requestID string) ([]byte, error)
}

// Session is an EventSource that can be navigated and must be closed.
type Session interface {
	EventSource
	Navigate(ctx context.Context, url string) error
	Close()
}

// Engine opens isolated browser sessions.
type Engine interface {
	Open(ctx context.Context) (Session, error)
	Close()
}

// Scraper runs one refresh cycle over the registered targets.
type Scraper interface {
	RefreshAll(ctx context.Context, targets []Target) (RefreshResult, error)
}

// RefreshObserver is notified after a refresh cycle has been persisted.
type RefreshObserver interface {
	ObserveRefresh(ctx context.Context, summary RefreshSummary, snapshots []StatsSnapshot) error
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes refresh notifications to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces refresh cycle IDs.
type IDGenerator interface {
	NewID() (string, error)
}
