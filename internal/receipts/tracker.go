// Package receipts marks messages read when a viewer sees them and tells
// the rest of the system that the viewer's unread counts changed.
package receipts

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog"

	"github.com/tOgg1/parley/internal/events"
	"github.com/tOgg1/parley/internal/logging"
	"github.com/tOgg1/parley/internal/metrics"
	"github.com/tOgg1/parley/internal/models"
)

// Store is the read-state storage the tracker needs.
type Store interface {
	MarkRead(ctx context.Context, threadID, viewerID string) (int64, error)
	UnreadCounts(ctx context.Context, viewerID string) (map[string]int, error)
}

// BadgeCache caches per-viewer unread counts.
type BadgeCache interface {
	Get(ctx context.Context, viewerID string) (map[string]int, bool, error)
	Set(ctx context.Context, viewerID string, counts map[string]int) error
	Invalidate(ctx context.Context, viewerID string) error
}

// Tracker marks incoming messages read and publishes unread.invalidated.
type Tracker struct {
	store     Store
	publisher events.Publisher
	cache     BadgeCache
	metrics   *metrics.Metrics
	logger    zerolog.Logger
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithPublisher publishes unread.invalidated after messages are marked read.
func WithPublisher(publisher events.Publisher) Option {
	return func(t *Tracker) { t.publisher = publisher }
}

// WithBadgeCache reads unread counts through cache.
func WithBadgeCache(cache BadgeCache) Option {
	return func(t *Tracker) { t.cache = cache }
}

// WithMetrics counts messages marked read.
func WithMetrics(m *metrics.Metrics) Option {
	return func(t *Tracker) { t.metrics = m }
}

// NewTracker creates a Tracker.
func NewTracker(store Store, opts ...Option) *Tracker {
	t := &Tracker{store: store, logger: logging.Component("receipts")}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// OnThreadOpened marks everything addressed to viewerID in the thread read.
func (t *Tracker) OnThreadOpened(ctx context.Context, threadID, viewerID string) (int64, error) {
	return t.markRead(ctx, threadID, viewerID, "")
}

// OnNewMessagesMerged marks messages read after they were merged into the
// viewer's transcript. Batches holding only the viewer's own messages are
// skipped. Failures are logged; the next merge or open retries them.
func (t *Tracker) OnNewMessagesMerged(ctx context.Context, threadID, viewerID string, msgs []models.Message) {
	viewer := models.CanonicalParticipantID(viewerID)
	newest := ""
	for _, msg := range msgs {
		if msg.SenderID != viewer {
			newest = msg.ID
		}
	}
	if newest == "" {
		return
	}
	if _, err := t.markRead(ctx, threadID, viewerID, newest); err != nil && ctx.Err() == nil {
		t.logger.Warn().Err(err).Str("thread_id", threadID).Str("viewer", viewerID).Msg("failed to mark messages read")
	}
}

func (t *Tracker) markRead(ctx context.Context, threadID, viewerID, newestID string) (int64, error) {
	n, err := t.store.MarkRead(ctx, threadID, viewerID)
	if err != nil {
		return 0, err
	}
	t.metrics.ObserveMarkedRead(n)
	if n == 0 {
		return 0, nil
	}

	viewer := models.CanonicalParticipantID(viewerID)
	if t.publisher == nil {
		t.invalidate(ctx, viewer)
	}
	events.Emit(ctx, t.publisher, models.EventTypeUnreadInvalidated, models.EntityTypeParticipant, viewer, models.UnreadInvalidatedPayload{
		ThreadID:    threadID,
		RecipientID: viewer,
		MessageID:   newestID,
		Marked:      n,
	})
	return n, nil
}

// UnreadCounts returns unread counts per thread for viewerID, served from
// the badge cache when it holds them.
func (t *Tracker) UnreadCounts(ctx context.Context, viewerID string) (map[string]int, error) {
	viewer := models.CanonicalParticipantID(viewerID)
	if t.cache != nil {
		counts, ok, err := t.cache.Get(ctx, viewer)
		switch {
		case err != nil:
			t.logger.Warn().Err(err).Str("viewer", viewer).Msg("badge cache read failed")
		case ok:
			return counts, nil
		}
	}

	counts, err := t.store.UnreadCounts(ctx, viewer)
	if err != nil {
		return nil, err
	}
	if t.cache != nil {
		if err := t.cache.Set(ctx, viewer, counts); err != nil {
			t.logger.Warn().Err(err).Str("viewer", viewer).Msg("badge cache write failed")
		}
	}
	return counts, nil
}

// Attach subscribes the badge cache to the publisher so it drops a viewer's
// counts when they read messages or receive a new one. Returns a function
// that detaches it.
func (t *Tracker) Attach(publisher events.Publisher) (func(), error) {
	const id = "receipts:badges"
	if t.cache == nil || publisher == nil {
		return func() {}, nil
	}

	filter := events.Filter{EventTypes: []models.EventType{
		models.EventTypeUnreadInvalidated,
		models.EventTypeMessageCreated,
	}}
	err := publisher.Subscribe(id, filter, func(event *models.Event) {
		ctx := context.Background()
		switch event.Type {
		case models.EventTypeUnreadInvalidated:
			t.invalidate(ctx, event.EntityID)
		case models.EventTypeMessageCreated:
			var payload models.MessageCreatedPayload
			if err := json.Unmarshal(event.Payload, &payload); err != nil {
				t.logger.Debug().Err(err).Msg("ignoring undecodable message.created payload")
				return
			}
			t.invalidate(ctx, payload.RecipientID)
		}
	})
	if err != nil {
		return nil, err
	}
	return func() { _ = publisher.Unsubscribe(id) }, nil
}

func (t *Tracker) invalidate(ctx context.Context, viewerID string) {
	if t.cache == nil || viewerID == "" {
		return
	}
	if err := t.cache.Invalidate(ctx, viewerID); err != nil {
		t.logger.Warn().Err(err).Str("viewer", viewerID).Msg("badge cache invalidate failed")
	}
}
