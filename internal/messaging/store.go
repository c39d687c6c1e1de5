// Package messaging is the message store service: it validates appends,
// resolves recipients, bounds every store call with a timeout and emits the
// message.created signal.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/tOgg1/parley/internal/db"
	"github.com/tOgg1/parley/internal/events"
	"github.com/tOgg1/parley/internal/logging"
	"github.com/tOgg1/parley/internal/metrics"
	"github.com/tOgg1/parley/internal/models"
)

// DefaultTimeout bounds each store call.
const DefaultTimeout = 5 * time.Second

// ThreadRepository is the thread storage the store needs.
type ThreadRepository interface {
	Get(ctx context.Context, id string) (*models.Thread, error)
	List(ctx context.Context, q db.ThreadQuery) ([]*models.Thread, error)
}

// MessageRepository is the message storage the store needs.
type MessageRepository interface {
	Append(ctx context.Context, msg *models.Message) (bool, error)
	ListSince(ctx context.Context, threadID string, since time.Time, limit int) ([]models.Message, error)
	MarkRead(ctx context.Context, threadID, recipientID string) (int64, error)
	UnreadCounts(ctx context.Context, viewerID string) (map[string]int, error)
}

// Reopener reopens a resolved support thread for its requester.
type Reopener interface {
	Reopen(ctx context.Context, threadID, actorID string) (*models.Thread, error)
}

// Config tunes the store.
type Config struct {
	Timeout      time.Duration
	MaxBodyBytes int
}

// AppendRequest is a message to store.
type AppendRequest struct {
	ThreadID string
	SenderID string
	Body     string

	// ClientMsgID makes the append idempotent per sender and thread.
	ClientMsgID string
}

// Store is the message store service.
type Store struct {
	threads   ThreadRepository
	messages  MessageRepository
	reopener  Reopener
	publisher events.Publisher
	metrics   *metrics.Metrics
	config    Config
	logger    zerolog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithPublisher emits message.created after each stored message.
func WithPublisher(publisher events.Publisher) Option {
	return func(s *Store) { s.publisher = publisher }
}

// WithReopener lets the requester's post reopen a resolved support thread.
// Without it, posts to resolved threads are rejected.
func WithReopener(reopener Reopener) Option {
	return func(s *Store) { s.reopener = reopener }
}

// WithMetrics records appends and failures.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

// NewStore creates a Store.
func NewStore(threads ThreadRepository, messages MessageRepository, cfg Config, opts ...Option) *Store {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = models.MaxBodyBytes
	}
	s := &Store{
		threads:  threads,
		messages: messages,
		config:   cfg,
		logger:   logging.Component("messaging"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Append stores a message exactly once and returns it with its server
// assigned id and timestamp. A timeout or cancellation while writing is
// reported as models.ErrOutcomeUnknown: the message may have been stored,
// and retrying with the same ClientMsgID is safe.
func (s *Store) Append(ctx context.Context, req AppendRequest) (*models.Message, error) {
	body, err := models.NormalizeBody(req.Body, s.config.MaxBodyBytes)
	if err != nil {
		s.metrics.ObserveAppendFailure("invalid")
		return nil, err
	}
	sender := models.CanonicalParticipantID(req.SenderID)

	ctx, cancel := context.WithTimeout(ctx, s.config.Timeout)
	defer cancel()

	thread, err := s.thread(ctx, req.ThreadID)
	if err != nil {
		s.metrics.ObserveAppendFailure("thread")
		return nil, err
	}
	recipient, ok := thread.Counterpart(sender)
	if !ok {
		s.metrics.ObserveAppendFailure("invalid")
		return nil, fmt.Errorf("%w: %w: %q", models.ErrInvalidMessage, models.ErrNotParticipant, req.SenderID)
	}
	if thread.Status == models.ThreadStatusResolved {
		if err := s.reopen(ctx, thread, sender); err != nil {
			s.metrics.ObserveAppendFailure("resolved")
			return nil, err
		}
	}

	msg := &models.Message{
		ThreadID:    thread.ID,
		SenderID:    sender,
		RecipientID: recipient,
		Body:        body,
		ClientMsgID: req.ClientMsgID,
	}
	created, err := s.messages.Append(ctx, msg)
	if err != nil {
		if ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			s.metrics.ObserveAppendFailure("timeout")
			return nil, fmt.Errorf("%w: %v", models.ErrOutcomeUnknown, err)
		}
		s.metrics.ObserveAppendFailure("store")
		return nil, models.StoreError("append message", err)
	}
	if !created {
		s.logger.Debug().
			Str("thread_id", msg.ThreadID).
			Str("client_msg_id", msg.ClientMsgID).
			Msg("duplicate append returned stored message")
		return msg, nil
	}

	s.metrics.ObserveAppend()
	events.Emit(ctx, s.publisher, models.EventTypeMessageCreated, models.EntityTypeThread, msg.ThreadID, models.MessageCreatedPayload{
		ThreadID:    msg.ThreadID,
		MessageID:   msg.ID,
		SenderID:    msg.SenderID,
		RecipientID: msg.RecipientID,
		SentAt:      msg.SentAt,
	})
	return msg, nil
}

// FetchSince returns messages sent strictly after watermark, oldest first.
func (s *Store) FetchSince(ctx context.Context, threadID string, watermark time.Time) ([]models.Message, error) {
	ctx, cancel := context.WithTimeout(ctx, s.config.Timeout)
	defer cancel()

	messages, err := s.messages.ListSince(ctx, threadID, watermark, 0)
	if err != nil {
		return nil, models.StoreError("fetch messages", err)
	}
	return messages, nil
}

// FetchAll returns the full thread history, oldest first.
func (s *Store) FetchAll(ctx context.Context, threadID string) ([]models.Message, error) {
	return s.FetchSince(ctx, threadID, time.Time{})
}

// MarkRead marks every unread message addressed to viewerID in the thread
// as read and returns how many changed. Messages the viewer sent are never
// touched.
func (s *Store) MarkRead(ctx context.Context, threadID, viewerID string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.config.Timeout)
	defer cancel()

	thread, err := s.thread(ctx, threadID)
	if err != nil {
		return 0, err
	}
	seat, ok := thread.Seat(models.CanonicalParticipantID(viewerID))
	if !ok {
		return 0, fmt.Errorf("%w: %q", models.ErrNotParticipant, viewerID)
	}

	n, err := s.messages.MarkRead(ctx, threadID, seat)
	if err != nil {
		return 0, models.StoreError("mark read", err)
	}
	return n, nil
}

// UnreadCounts returns unread counts per thread for viewerID.
func (s *Store) UnreadCounts(ctx context.Context, viewerID string) (map[string]int, error) {
	ctx, cancel := context.WithTimeout(ctx, s.config.Timeout)
	defer cancel()

	counts, err := s.messages.UnreadCounts(ctx, models.CanonicalParticipantID(viewerID))
	if err != nil {
		return nil, models.StoreError("unread counts", err)
	}
	return counts, nil
}

// Thread returns a thread by id.
func (s *Store) Thread(ctx context.Context, threadID string) (*models.Thread, error) {
	ctx, cancel := context.WithTimeout(ctx, s.config.Timeout)
	defer cancel()
	return s.thread(ctx, threadID)
}

// Threads lists the threads viewerID holds a seat in, most recent first.
func (s *Store) Threads(ctx context.Context, viewerID string, limit int) ([]*models.Thread, error) {
	ctx, cancel := context.WithTimeout(ctx, s.config.Timeout)
	defer cancel()

	threads, err := s.threads.List(ctx, db.ThreadQuery{
		Participant: models.CanonicalParticipantID(viewerID),
		Limit:       limit,
	})
	if err != nil {
		return nil, models.StoreError("list threads", err)
	}
	return threads, nil
}

func (s *Store) thread(ctx context.Context, threadID string) (*models.Thread, error) {
	thread, err := s.threads.Get(ctx, threadID)
	if err != nil {
		if errors.Is(err, db.ErrThreadNotFound) {
			return nil, fmt.Errorf("%w: %s", models.ErrThreadNotFound, threadID)
		}
		return nil, models.StoreError("get thread", err)
	}
	return thread, nil
}

func (s *Store) reopen(ctx context.Context, thread *models.Thread, sender string) error {
	if thread.Surface != models.SurfaceSupport || s.reopener == nil {
		return fmt.Errorf("%w: %s", models.ErrThreadResolved, thread.ID)
	}
	reopened, err := s.reopener.Reopen(ctx, thread.ID, sender)
	if err != nil {
		return err
	}
	*thread = *reopened
	return nil
}
