// Package publisher turns completed refresh cycles into outbound notifications.
package publisher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/rankwatch/rematch-tracker/internal/tracker"
)

// EventRefreshCompleted is the event attribute set on every notification.
const EventRefreshCompleted = "refresh.completed"

// Notification is the message body published after a refresh cycle.
type Notification struct {
	Event      string                  `json:"event"`
	CycleID    string                  `json:"cycle_id"`
	StartedAt  time.Time               `json:"started_at"`
	DurationMs int64                   `json:"duration_ms"`
	Targets    int                     `json:"targets"`
	Succeeded  int                     `json:"succeeded"`
	Failed     int                     `json:"failed"`
	Failures   []tracker.TargetFailure `json:"failures,omitempty"`
}

// Attributes exposes routing attributes for brokers that support them.
func (n Notification) Attributes() map[string]string {
	return map[string]string{
		"event":    n.Event,
		"cycle_id": n.CycleID,
	}
}

// Notifier publishes a Notification for every refresh cycle it observes.
type Notifier struct {
	pub    tracker.Publisher
	topic  string
	logger *zap.Logger
}

var _ tracker.RefreshObserver = (*Notifier)(nil)

// NewNotifier wires a publisher to a topic name.
func NewNotifier(pub tracker.Publisher, topic string, logger *zap.Logger) (*Notifier, error) {
	if pub == nil {
		return nil, errors.New("publisher is required")
	}
	if topic == "" {
		return nil, errors.New("topic is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Notifier{pub: pub, topic: topic, logger: logger}, nil
}

// ObserveRefresh publishes the cycle summary.
func (n *Notifier) ObserveRefresh(ctx context.Context, summary tracker.RefreshSummary, _ []tracker.StatsSnapshot) error {
	msg := Notification{
		Event:      EventRefreshCompleted,
		CycleID:    summary.CycleID,
		StartedAt:  summary.StartedAt,
		DurationMs: summary.Duration.Milliseconds(),
		Targets:    summary.Targets,
		Succeeded:  summary.Succeeded,
		Failed:     summary.Failed,
		Failures:   summary.Failures,
	}
	id, err := n.pub.Publish(ctx, n.topic, msg)
	if err != nil {
		return fmt.Errorf("publish refresh %s: %w", summary.CycleID, err)
	}
	n.logger.Debug("refresh notification published",
		zap.String("cycle_id", summary.CycleID),
		zap.String("message_id", id),
	)
	return nil
}
