// Package delivery keeps open thread views in sync with the message store.
// Each subscription runs one goroutine that fetches new messages when the
// thread is pushed (message.created) or when its resync ticker fires.
package delivery

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tOgg1/parley/internal/events"
	"github.com/tOgg1/parley/internal/logging"
	"github.com/tOgg1/parley/internal/metrics"
	"github.com/tOgg1/parley/internal/models"
)

// ErrThreadRequired is returned by Subscribe without a thread id.
var ErrThreadRequired = errors.New("thread id is required")

// Fetcher reads messages from the store.
type Fetcher interface {
	FetchSince(ctx context.Context, threadID string, watermark time.Time) ([]models.Message, error)
	FetchAll(ctx context.Context, threadID string) ([]models.Message, error)
}

// ReadMarker is told about messages merged into a viewer's transcript.
type ReadMarker interface {
	OnNewMessagesMerged(ctx context.Context, threadID, viewerID string, msgs []models.Message)
}

// Handler receives newly merged messages in transcript order. It runs on
// the subscription goroutine and must not call Cancel on its own
// subscription; cancel the context passed to Subscribe instead.
type Handler func(msgs []models.Message)

// Config contains configuration for the poller.
type Config struct {
	// Interval is the resync period when no push arrives.
	// Default: 1s
	Interval time.Duration

	// FetchTimeout bounds each fetch.
	// Default: 3s
	FetchTimeout time.Duration
}

// DefaultConfig returns the default poller configuration.
func DefaultConfig() Config {
	return Config{
		Interval:     time.Second,
		FetchTimeout: 3 * time.Second,
	}
}

// Poller creates subscriptions.
type Poller struct {
	fetcher   Fetcher
	publisher events.Publisher
	metrics   *metrics.Metrics
	config    Config
	logger    zerolog.Logger
}

// PollerOption configures a Poller.
type PollerOption func(*Poller)

// WithPublisher wakes subscriptions on message.created for their thread.
func WithPublisher(publisher events.Publisher) PollerOption {
	return func(p *Poller) { p.publisher = publisher }
}

// WithMetrics records fetches, merges and live subscriptions.
func WithMetrics(m *metrics.Metrics) PollerOption {
	return func(p *Poller) { p.metrics = m }
}

// NewPoller creates a Poller.
func NewPoller(fetcher Fetcher, config Config, opts ...PollerOption) *Poller {
	defaults := DefaultConfig()
	if config.Interval <= 0 {
		config.Interval = defaults.Interval
	}
	if config.FetchTimeout <= 0 {
		config.FetchTimeout = defaults.FetchTimeout
	}
	p := &Poller{
		fetcher: fetcher,
		config:  config,
		logger:  logging.Component("delivery"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// SubscribeOption configures a single subscription.
type SubscribeOption func(*Subscription)

// WithReadReceipts marks merged messages read on behalf of viewerID.
func WithReadReceipts(marker ReadMarker, viewerID string) SubscribeOption {
	return func(s *Subscription) {
		s.marker = marker
		s.viewerID = viewerID
	}
}

// WithWatermark resumes from a known watermark instead of the full history.
func WithWatermark(watermark time.Time) SubscribeOption {
	return func(s *Subscription) {
		s.transcript = NewTranscript(watermark)
	}
}

// Subscribe starts delivering a thread to handler. The first fetch runs
// immediately; Ready is closed once it has completed. The subscription
// ends when ctx is cancelled or Cancel is called.
func (p *Poller) Subscribe(ctx context.Context, threadID string, handler Handler, opts ...SubscribeOption) (*Subscription, error) {
	if threadID == "" {
		return nil, ErrThreadRequired
	}
	if handler == nil {
		handler = func([]models.Message) {}
	}

	sub := &Subscription{
		id:         uuid.New().String(),
		threadID:   threadID,
		poller:     p,
		handler:    handler,
		transcript: NewTranscript(time.Time{}),
		wake:       make(chan struct{}, 1),
		ready:      make(chan struct{}),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(sub)
	}
	sub.logger = logging.WithThread(p.logger, threadID).With().Str("subscription", sub.id).Logger()
	sub.ctx, sub.cancel = context.WithCancel(ctx)

	if p.publisher != nil {
		filter := events.Filter{
			EventTypes: []models.EventType{models.EventTypeMessageCreated},
			EntityID:   threadID,
		}
		if err := p.publisher.Subscribe(sub.pushID(), filter, func(*models.Event) { sub.Wake() }); err != nil {
			sub.cancel()
			return nil, err
		}
	}

	p.metrics.SubscriptionOpened()
	sub.logger.Debug().Dur("interval", p.config.Interval).Msg("subscription started")

	go sub.run()
	return sub, nil
}
