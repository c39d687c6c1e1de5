package models

import (
	"fmt"
	"time"
)

// Surface identifies the product surface a thread belongs to.
type Surface string

const (
	// SurfaceMarket threads connect a buyer (A) and a seller (B) about a listing.
	SurfaceMarket Surface = "market"
	// SurfaceSupport threads connect a visitor (A) and the support desk (B).
	SurfaceSupport Surface = "support"
)

// Valid reports whether s is a known surface.
func (s Surface) Valid() bool {
	switch s {
	case SurfaceMarket, SurfaceSupport:
		return true
	}
	return false
}

// ThreadStatus is the lifecycle state of a thread. Market threads stay active.
type ThreadStatus string

const (
	ThreadStatusPending     ThreadStatus = "pending"
	ThreadStatusActive      ThreadStatus = "active"
	ThreadStatusResolved    ThreadStatus = "resolved"
	ThreadStatusTransferred ThreadStatus = "transferred"
)

// Valid reports whether s is a known status.
func (s ThreadStatus) Valid() bool {
	switch s {
	case ThreadStatusPending, ThreadStatusActive, ThreadStatusResolved, ThreadStatusTransferred:
		return true
	}
	return false
}

// Thread is a conversation between two participants, optionally scoped to a
// context (a listing or a desk topic).
type Thread struct {
	// ID is the unique identifier for the thread.
	ID string `json:"id"`

	Surface Surface `json:"surface"`

	// ParticipantA is the buyer or visitor.
	ParticipantA string `json:"participant_a"`

	// ParticipantB is the seller or the support desk.
	ParticipantB string `json:"participant_b"`

	// ContextKey scopes the thread. Empty means the general thread for the pair.
	ContextKey string `json:"context_key,omitempty"`

	Status ThreadStatus `json:"status"`

	// CaseNumber is assigned to support threads at creation.
	CaseNumber string `json:"case_number,omitempty"`

	// AssigneeID is the support worker currently engaged with the thread.
	AssigneeID string `json:"assignee_id,omitempty"`

	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	LastMessageAt *time.Time `json:"last_message_at,omitempty"`
}

// HasParticipants reports whether {a, b} is the thread's participant pair in
// either order.
func (t *Thread) HasParticipants(a, b string) bool {
	return (t.ParticipantA == a && t.ParticipantB == b) ||
		(t.ParticipantA == b && t.ParticipantB == a)
}

// Seat returns the participant identity the viewer acts as. The support
// assignee sits in the desk's seat.
func (t *Thread) Seat(viewer string) (string, bool) {
	switch {
	case viewer == "":
		return "", false
	case viewer == t.ParticipantA, viewer == t.ParticipantB:
		return viewer, true
	case t.Surface == SurfaceSupport && t.AssigneeID != "" && viewer == t.AssigneeID:
		return t.ParticipantB, true
	}
	return "", false
}

// Counterpart returns the recipient of a message sent by sender.
func (t *Thread) Counterpart(sender string) (string, bool) {
	seat, ok := t.Seat(sender)
	if !ok {
		return "", false
	}
	if seat == t.ParticipantA {
		return t.ParticipantB, true
	}
	return t.ParticipantA, true
}

// Validate checks that the thread has the required fields.
func (t *Thread) Validate() error {
	errs := &ValidationErrors{}
	if !t.Surface.Valid() {
		errs.AddMessage("surface", fmt.Sprintf("unknown surface %q", t.Surface))
	}
	errs.Add("participant_a", ValidateParticipantID(t.ParticipantA))
	errs.Add("participant_b", ValidateParticipantID(t.ParticipantB))
	if t.ParticipantA != "" && t.ParticipantA == t.ParticipantB {
		errs.AddMessage("participant_b", "participants must be distinct")
	}
	errs.Add("context_key", ValidateContextKey(t.ContextKey))
	if t.Status != "" && !t.Status.Valid() {
		errs.AddMessage("status", fmt.Sprintf("unknown status %q", t.Status))
	}
	return errs.Err()
}

// CanonicalPair orders two participant ids so lookups are unordered.
func CanonicalPair(a, b string) (string, string) {
	if b < a {
		return b, a
	}
	return a, b
}
