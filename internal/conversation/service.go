// Package conversation composes the resolver, store, poller and read
// tracker into the open-thread flow a client drives: resolve the thread,
// subscribe to it, send into it, and close it when the viewer leaves.
package conversation

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/tOgg1/parley/internal/delivery"
	"github.com/tOgg1/parley/internal/logging"
	"github.com/tOgg1/parley/internal/messaging"
	"github.com/tOgg1/parley/internal/models"
	"github.com/tOgg1/parley/internal/receipts"
	"github.com/tOgg1/parley/internal/threads"
)

// Service opens conversation views.
type Service struct {
	resolver *threads.Resolver
	sender   *messaging.Sender
	poller   *delivery.Poller
	tracker  *receipts.Tracker
	logger   zerolog.Logger
}

// NewService creates a Service.
func NewService(resolver *threads.Resolver, sender *messaging.Sender, poller *delivery.Poller, tracker *receipts.Tracker) *Service {
	return &Service{
		resolver: resolver,
		sender:   sender,
		poller:   poller,
		tracker:  tracker,
		logger:   logging.Component("conversation"),
	}
}

// NewSession starts a session for one viewer. A session shows one thread
// at a time.
func (s *Service) NewSession(viewerID string) *Session {
	viewer := models.CanonicalParticipantID(viewerID)
	return &Session{
		service:  s,
		viewerID: viewer,
		slot:     delivery.NewSlot(s.poller),
		logger:   logging.WithParticipant(s.logger, viewer),
	}
}

// Session is a viewer's navigation context.
type Session struct {
	service  *Service
	viewerID string
	slot     *delivery.Slot
	logger   zerolog.Logger

	mu   sync.Mutex
	view *View
}

// ViewerID returns the session's participant id.
func (s *Session) ViewerID() string {
	return s.viewerID
}

// Open resolves the thread and makes it the session's current view,
// closing the previous one. Resolution failures are returned before any
// subscription starts. handler receives merged batches from the store.
func (s *Session) Open(ctx context.Context, req threads.ResolveRequest, handler delivery.Handler) (*View, error) {
	thread, err := s.service.resolver.ResolveOrCreate(ctx, req)
	if err != nil {
		return nil, err
	}
	if _, ok := thread.Seat(s.viewerID); !ok {
		return nil, fmt.Errorf("%w: %w: %s", models.ErrResolutionFailed, models.ErrNotParticipant, s.viewerID)
	}

	opts := []delivery.SubscribeOption{}
	if s.service.tracker != nil {
		opts = append(opts, delivery.WithReadReceipts(s.service.tracker, s.viewerID))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sub, err := s.slot.Open(ctx, thread.ID, handler, opts...)
	if err != nil {
		return nil, err
	}
	if s.service.tracker != nil {
		if _, err := s.service.tracker.OnThreadOpened(ctx, thread.ID, s.viewerID); err != nil {
			s.logger.Warn().Err(err).Str("thread_id", thread.ID).Msg("failed to mark thread read on open")
		}
	}

	s.view = &View{session: s, thread: thread, sub: sub}
	s.logger.Debug().Str("thread_id", thread.ID).Msg("thread opened")
	return s.view, nil
}

// Current returns the open view, or nil.
func (s *Session) Current() *View {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view
}

// Close closes the current view.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.slot.Close()
	s.view = nil
}

// View is one open thread.
type View struct {
	session *Session
	thread  *models.Thread
	sub     *delivery.Subscription
}

// Thread returns the thread as resolved when the view opened.
func (v *View) Thread() *models.Thread {
	return v.thread
}

// Subscription returns the view's delivery subscription.
func (v *View) Subscription() *delivery.Subscription {
	return v.sub
}

// Messages returns the current transcript.
func (v *View) Messages() []models.Message {
	return v.sub.Messages()
}

// Send stores body as the viewer's message and shows it immediately. On
// failure the returned *messaging.SendError carries the draft.
func (v *View) Send(ctx context.Context, body string) (*models.Message, error) {
	msg, err := v.session.service.sender.Send(ctx, messaging.AppendRequest{
		ThreadID: v.thread.ID,
		SenderID: v.session.viewerID,
		Body:     body,
	})
	if err != nil {
		return nil, err
	}
	v.sub.AppendLocal(*msg)
	return msg, nil
}

// Close ends the view if it is still the session's current one.
func (v *View) Close() {
	s := v.session
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.view != v {
		return
	}
	s.slot.Close()
	s.view = nil
}
