package models

import (
	"fmt"
	"strings"
	"time"
)

// MaxBodyBytes is the default upper bound for a message body.
const MaxBodyBytes = 8 * 1024

// Message is a single entry in a thread.
type Message struct {
	ID string `json:"id"`

	// Seq is the store insertion sequence. It breaks ordering ties across
	// stores that cannot guarantee distinct timestamps.
	Seq int64 `json:"seq"`

	ThreadID    string `json:"thread_id"`
	SenderID    string `json:"sender_id"`
	RecipientID string `json:"recipient_id"`
	Body        string `json:"body"`

	// ClientMsgID is the caller's idempotency key, if any.
	ClientMsgID string `json:"client_msg_id,omitempty"`

	Read   bool       `json:"read"`
	SentAt time.Time  `json:"sent_at"`
	ReadAt *time.Time `json:"read_at,omitempty"`
}

// Before reports whether m sorts before other in a transcript.
func (m Message) Before(other Message) bool {
	if !m.SentAt.Equal(other.SentAt) {
		return m.SentAt.Before(other.SentAt)
	}
	return m.Seq < other.Seq
}

// NormalizeBody trims a message body and checks it against maxBytes.
func NormalizeBody(body string, maxBytes int) (string, error) {
	if maxBytes <= 0 {
		maxBytes = MaxBodyBytes
	}
	trimmed := strings.TrimSpace(body)
	if trimmed == "" {
		return "", fmt.Errorf("%w: body is empty", ErrInvalidMessage)
	}
	if len(trimmed) > maxBytes {
		return "", fmt.Errorf("%w: body is %d bytes (max %d)", ErrInvalidMessage, len(trimmed), maxBytes)
	}
	return trimmed, nil
}
