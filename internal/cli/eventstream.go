package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/tOgg1/parley/internal/db"
	"github.com/tOgg1/parley/internal/models"
)

// EventQuerier pages through the persisted event log.
type EventQuerier interface {
	Query(ctx context.Context, q db.EventQuery) (*db.EventPage, error)
}

// StreamConfig configures event streaming behavior.
type StreamConfig struct {
	// PollInterval is how often to check for new events.
	PollInterval time.Duration

	// EventTypes filters to specific event types (nil = all).
	EventTypes []models.EventType

	// EntityID filters to a specific thread or participant.
	EntityID string

	// Since starts the stream at this timestamp. Nil with IncludeExisting
	// means the beginning of the log; nil without it means now.
	Since *time.Time

	IncludeExisting bool

	// Follow keeps polling after the backlog is drained.
	Follow bool

	// BatchSize is the max events per poll.
	BatchSize int
}

// DefaultStreamConfig returns sensible defaults for streaming.
func DefaultStreamConfig() StreamConfig {
	return StreamConfig{
		PollInterval:    500 * time.Millisecond,
		IncludeExisting: true,
		BatchSize:       100,
	}
}

// EventStreamer writes the event log to out as JSONL.
type EventStreamer struct {
	repo   EventQuerier
	out    io.Writer
	config StreamConfig
}

// NewEventStreamer creates a new event streamer.
func NewEventStreamer(repo EventQuerier, out io.Writer, config StreamConfig) *EventStreamer {
	if config.PollInterval <= 0 {
		config.PollInterval = 500 * time.Millisecond
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 100
	}
	return &EventStreamer{repo: repo, out: out, config: config}
}

// Stream drains matching events, then keeps polling when Follow is set.
// Returns nil once ctx is cancelled.
func (s *EventStreamer) Stream(ctx context.Context) error {
	since := s.config.Since
	if !s.config.IncludeExisting && since == nil {
		now := time.Now().UTC()
		since = &now
	}

	var cursor string
	drain := func() error {
		for {
			events, next, err := s.poll(ctx, cursor, since)
			if err != nil {
				return err
			}
			for _, event := range events {
				if err := s.writeEvent(event); err != nil {
					return fmt.Errorf("failed to write event: %w", err)
				}
			}
			if next == "" {
				return nil
			}
			cursor = next
		}
	}

	if err := drain(); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	if !s.config.Follow {
		return nil
	}

	ticker := time.NewTicker(s.config.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := drain(); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("failed to poll events: %w", err)
			}
		}
	}
}

// poll fetches the page after cursor. The returned cursor is the last event
// seen, including filtered ones, so the next poll never repeats a page.
func (s *EventStreamer) poll(ctx context.Context, cursor string, since *time.Time) ([]*models.Event, string, error) {
	query := db.EventQuery{
		Cursor: cursor,
		Since:  since,
		Limit:  s.config.BatchSize,
	}
	if len(s.config.EventTypes) == 1 {
		query.Type = &s.config.EventTypes[0]
	}
	if s.config.EntityID != "" {
		query.EntityID = &s.config.EntityID
	}

	page, err := s.repo.Query(ctx, query)
	if err != nil {
		return nil, "", err
	}
	if len(page.Events) == 0 {
		return nil, "", nil
	}
	last := page.Events[len(page.Events)-1].ID

	if len(s.config.EventTypes) <= 1 {
		return page.Events, last, nil
	}
	types := make(map[models.EventType]bool, len(s.config.EventTypes))
	for _, t := range s.config.EventTypes {
		types[t] = true
	}
	filtered := make([]*models.Event, 0, len(page.Events))
	for _, e := range page.Events {
		if types[e.Type] {
			filtered = append(filtered, e)
		}
	}
	return filtered, last, nil
}

func (s *EventStreamer) writeEvent(event *models.Event) error {
	return writeJSONLine(s.out, event)
}
