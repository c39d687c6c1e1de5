package messaging

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tOgg1/parley/internal/logging"
	"github.com/tOgg1/parley/internal/models"
)

// Appender stores a message.
type Appender interface {
	Append(ctx context.Context, req AppendRequest) (*models.Message, error)
}

// SenderConfig tunes send retries.
type SenderConfig struct {
	MaxAttempts int
	Backoff     time.Duration
}

// DefaultSenderConfig returns the default retry policy.
func DefaultSenderConfig() SenderConfig {
	return SenderConfig{MaxAttempts: 3, Backoff: 200 * time.Millisecond}
}

// SendError is returned when a message could not be stored. It keeps the
// draft so the caller can put it back in the composer.
type SendError struct {
	Draft       string
	ClientMsgID string
	Attempts    int
	Err         error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send failed after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *SendError) Unwrap() error {
	return e.Err
}

// Sender retries transient append failures with a stable client message id,
// so a retry after an unknown outcome never stores the message twice.
type Sender struct {
	store  Appender
	config SenderConfig
	logger zerolog.Logger
}

// NewSender creates a Sender.
func NewSender(store Appender, cfg SenderConfig) *Sender {
	defaults := DefaultSenderConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaults.MaxAttempts
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = defaults.Backoff
	}
	return &Sender{store: store, config: cfg, logger: logging.Component("sender")}
}

// Send appends req, retrying on models.ErrStoreUnavailable. Every failure
// is a *SendError.
func (s *Sender) Send(ctx context.Context, req AppendRequest) (*models.Message, error) {
	if req.ClientMsgID == "" {
		req.ClientMsgID = uuid.New().String()
	}

	backoff := s.config.Backoff
	var lastErr error
	attempt := 0
	for attempt < s.config.MaxAttempts {
		attempt++
		msg, err := s.store.Append(ctx, req)
		if err == nil {
			return msg, nil
		}
		lastErr = err
		if !errors.Is(err, models.ErrStoreUnavailable) || attempt >= s.config.MaxAttempts {
			break
		}

		s.logger.Debug().
			Err(err).
			Str("thread_id", req.ThreadID).
			Str("client_msg_id", req.ClientMsgID).
			Int("attempt", attempt).
			Msg("retrying send")
		if err := sleepWithContext(ctx, backoff); err != nil {
			break
		}
		backoff *= 2
	}

	return nil, &SendError{
		Draft:       req.Body,
		ClientMsgID: req.ClientMsgID,
		Attempts:    attempt,
		Err:         lastErr,
	}
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
