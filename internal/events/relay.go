package events

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"stageline/internal/metrics"
	"stageline/internal/repo"
)

const (
	defaultRelayInterval = 2 * time.Second
	defaultRelayBatch    = 100
	defaultSettleWindow  = time.Minute
)

// Relay forwards committed events to a Publisher. Each handled event is
// recorded in event_deliveries under Name, so an event with a lower id that
// commits after a higher one is still delivered. The cursor in event_cursors
// is a low-water mark: it only moves past events that were delivered more
// than SettleWindow ago and never past one still pending.
type Relay struct {
	Repo      repo.Repo
	Publisher Publisher
	Logger    *zap.Logger
	Name      string
	ProjectID string
	Filter    Filter
	Interval  time.Duration
	BatchSize int
	// SettleWindow bounds how long a transaction may hold an allocated event
	// id before committing.
	SettleWindow time.Duration
	// StartAtLatest skips history when no cursor has been stored yet.
	StartAtLatest bool
	Now           func() time.Time
}

// Run polls until ctx is canceled.
func (r *Relay) Run(ctx context.Context) {
	interval := r.Interval
	if interval <= 0 {
		interval = defaultRelayInterval
	}
	log := r.logger()
	log.Info("event relay started", zap.String("cursor", r.Name), zap.Duration("interval", interval))
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := r.Drain(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Warn("event relay pass failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			log.Info("event relay stopped")
			return
		case <-ticker.C:
		}
	}
}

// Drain delivers one batch and returns how many events were published.
func (r *Relay) Drain(ctx context.Context) (int, error) {
	cursor, err := r.cursor(ctx)
	if err != nil {
		return 0, err
	}
	batch := r.BatchSize
	if batch <= 0 {
		batch = defaultRelayBatch
	}
	evts, err := r.Repo.PendingEvents(ctx, r.Repo.DB, r.Name, cursor, r.ProjectID, batch)
	if err != nil {
		return 0, err
	}
	published := 0
	for _, evt := range evts {
		if r.Filter.Match(evt.Type) {
			if err := r.Publisher.Publish(ctx, evt); err != nil {
				metrics.RecordRelayPublished("failed")
				r.logger().Error("publish event failed",
					zap.Int64("event_id", evt.ID),
					zap.String("type", evt.Type),
					zap.Error(err),
				)
				break
			}
			metrics.RecordRelayPublished("success")
			published++
		}
		if err := r.Repo.MarkEventDelivered(ctx, r.Repo.DB, r.Name, evt.ID, r.now()); err != nil {
			return published, err
		}
	}
	return published, r.settle(ctx, cursor)
}

// settle advances the cursor and forgets the delivery records behind it.
func (r *Relay) settle(ctx context.Context, cursor int64) error {
	window := r.SettleWindow
	if window <= 0 {
		window = defaultSettleWindow
	}
	next, err := r.Repo.SettledEventID(ctx, r.Repo.DB, r.Name, cursor, r.ProjectID, r.now().Add(-window))
	if err != nil || next == cursor {
		return err
	}
	if err := r.Repo.SaveEventCursor(ctx, r.Repo.DB, r.Name, next); err != nil {
		return err
	}
	return r.Repo.PruneEventDeliveries(ctx, r.Repo.DB, r.Name, next)
}

func (r *Relay) cursor(ctx context.Context) (int64, error) {
	cur, err := r.Repo.EventCursor(ctx, r.Repo.DB, r.Name)
	if err == nil {
		return cur, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return 0, err
	}
	if !r.StartAtLatest {
		return 0, nil
	}
	latest, err := r.Repo.LatestEventID(ctx, r.Repo.DB, r.ProjectID)
	if err != nil {
		return 0, err
	}
	if err := r.Repo.SaveEventCursor(ctx, r.Repo.DB, r.Name, latest); err != nil {
		return 0, err
	}
	return latest, nil
}

func (r *Relay) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

func (r *Relay) logger() *zap.Logger {
	if r.Logger == nil {
		return zap.NewNop()
	}
	return r.Logger
}
