package events

import (
	"auction-engine/internal/metrics"
	"auction-engine/internal/repository"
	"auction-engine/utils"
	"context"
	"fmt"
	"time"
)

// Dispatcher publishes one outbox event and marks it dispatched. Publishing
// happens before the mark, so a crash in between republishes under the same id.
type Dispatcher struct {
	repo    repository.AuctionDB
	pub     Publisher
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewDispatcher creates a Dispatcher
func NewDispatcher(repo repository.AuctionDB, pub Publisher, m *metrics.Metrics) *Dispatcher {
	return &Dispatcher{
		repo:    repo,
		pub:     pub,
		metrics: m,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Dispatch publishes the event unless it was already dispatched. It reports
// whether a publish happened.
func (d *Dispatcher) Dispatch(ctx context.Context, eventID string) (bool, error) {
	ev, err := d.repo.GetEvent(ctx, eventID)
	if err != nil {
		return false, fmt.Errorf("dispatch event %s: %w", eventID, err)
	}
	if ev.DispatchedAt != nil {
		utils.Debug("Event already dispatched", map[string]any{"event_id": eventID})
		return false, nil
	}

	if err := d.pub.Publish(ctx, ev); err != nil {
		return false, fmt.Errorf("dispatch event %s: %w", eventID, err)
	}
	d.metrics.EventsPublished.WithLabelValues(ev.Type).Inc()

	if err := d.repo.MarkEventDispatched(ctx, eventID, d.now()); err != nil {
		return true, fmt.Errorf("mark event %s dispatched: %w", eventID, err)
	}
	return true, nil
}
