package models

import (
	"encoding/json"
	"time"
)

// EventType categorizes events in the system.
type EventType string

const (
	// Thread events
	EventTypeThreadCreated      EventType = "thread.created"
	EventTypeThreadTransitioned EventType = "thread.transitioned"

	// Message events
	EventTypeMessageCreated EventType = "message.created"

	// Receipt events
	EventTypeUnreadInvalidated EventType = "unread.invalidated"
)

// EntityType identifies the type of entity an event relates to.
type EntityType string

const (
	EntityTypeThread      EntityType = "thread"
	EntityTypeParticipant EntityType = "participant"
)

// Event represents an append-only log entry.
type Event struct {
	ID         string            `json:"id"`
	Timestamp  time.Time         `json:"timestamp"`
	Type       EventType         `json:"type"`
	EntityType EntityType        `json:"entity_type"`
	EntityID   string            `json:"entity_id"`
	Payload    json.RawMessage   `json:"payload,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Clone returns a copy that can be mutated without affecting subscribers
// still holding the original.
func (e *Event) Clone() *Event {
	if e == nil {
		return nil
	}
	out := *e
	if e.Payload != nil {
		out.Payload = append(json.RawMessage(nil), e.Payload...)
	}
	if e.Metadata != nil {
		out.Metadata = make(map[string]string, len(e.Metadata))
		for k, v := range e.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}

// ThreadCreatedPayload is the payload for thread.created events.
type ThreadCreatedPayload struct {
	Surface      Surface `json:"surface"`
	ParticipantA string  `json:"participant_a"`
	ParticipantB string  `json:"participant_b"`
	ContextKey   string  `json:"context_key,omitempty"`
	CaseNumber   string  `json:"case_number,omitempty"`
}

// MessageCreatedPayload is the payload for message.created events.
type MessageCreatedPayload struct {
	ThreadID    string    `json:"thread_id"`
	MessageID   string    `json:"message_id"`
	SenderID    string    `json:"sender_id"`
	RecipientID string    `json:"recipient_id"`
	SentAt      time.Time `json:"sent_at"`
}

// UnreadInvalidatedPayload is the payload for unread.invalidated events.
type UnreadInvalidatedPayload struct {
	ThreadID    string `json:"thread_id"`
	RecipientID string `json:"recipient_id"`
	MessageID   string `json:"message_id,omitempty"`
	Marked      int64  `json:"marked"`
}

// ThreadTransitionedPayload is the payload for thread.transitioned events.
type ThreadTransitionedPayload struct {
	From       ThreadStatus `json:"from"`
	To         ThreadStatus `json:"to"`
	ActorID    string       `json:"actor_id"`
	CaseNumber string       `json:"case_number,omitempty"`
	AssigneeID string       `json:"assignee_id,omitempty"`
}
