package delivery

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/tOgg1/parley/internal/metrics"
	"github.com/tOgg1/parley/internal/models"
)

// Subscription is one open thread view. It owns its goroutine, transcript
// and watermark.
type Subscription struct {
	id         string
	threadID   string
	poller     *Poller
	handler    Handler
	transcript *Transcript
	marker     ReadMarker
	viewerID   string
	logger     zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wake   chan struct{}
	ready  chan struct{}
	done   chan struct{}
}

// ThreadID returns the subscribed thread.
func (s *Subscription) ThreadID() string {
	return s.threadID
}

// Cancel stops the subscription and waits for its goroutine to exit. It is
// safe to call more than once.
func (s *Subscription) Cancel() {
	s.cancel()
	<-s.done
}

// Done is closed once the subscription goroutine has exited.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Ready is closed after the first fetch attempt.
func (s *Subscription) Ready() <-chan struct{} {
	return s.ready
}

// Wake requests a fetch ahead of the next tick.
func (s *Subscription) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// AppendLocal shows a message the viewer just sent without waiting for the
// next fetch. The watermark is unchanged, and the store copy of the message
// is dropped as a duplicate when it arrives.
func (s *Subscription) AppendLocal(msg models.Message) bool {
	return s.transcript.AppendLocal(msg)
}

// Messages returns a copy of the transcript.
func (s *Subscription) Messages() []models.Message {
	return s.transcript.Messages()
}

// Watermark returns the SentAt of the newest message fetched from the store.
func (s *Subscription) Watermark() time.Time {
	return s.transcript.Watermark()
}

func (s *Subscription) pushID() string {
	return "delivery:" + s.id
}

func (s *Subscription) run() {
	defer close(s.done)
	defer s.poller.metrics.SubscriptionClosed()
	defer func() {
		if s.poller.publisher != nil {
			_ = s.poller.publisher.Unsubscribe(s.pushID())
		}
		s.logger.Debug().Msg("subscription stopped")
	}()

	s.poll()
	close(s.ready)

	ticker := time.NewTicker(s.poller.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
		case <-s.wake:
		}
		if s.ctx.Err() != nil {
			return
		}
		s.poll()
	}
}

func (s *Subscription) poll() {
	ctx, cancel := context.WithTimeout(s.ctx, s.poller.config.FetchTimeout)
	defer cancel()

	var (
		batch []models.Message
		err   error
	)
	watermark := s.transcript.Watermark()
	if watermark.IsZero() {
		batch, err = s.poller.fetcher.FetchAll(ctx, s.threadID)
	} else {
		batch, err = s.poller.fetcher.FetchSince(ctx, s.threadID, watermark)
	}
	if err != nil {
		if s.ctx.Err() != nil {
			return
		}
		s.poller.metrics.ObservePoll(metrics.PollError, 0)
		s.logger.Warn().Err(err).Msg("fetch failed, retrying on next wake")
		return
	}

	merged := s.transcript.Merge(batch)
	if len(merged) == 0 {
		s.poller.metrics.ObservePoll(metrics.PollEmpty, 0)
		return
	}
	s.poller.metrics.ObservePoll(metrics.PollMessages, len(merged))

	s.handler(merged)
	if s.marker != nil {
		s.marker.OnNewMessagesMerged(s.ctx, s.threadID, s.viewerID, merged)
	}
}
