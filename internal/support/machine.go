// Package support drives the support session lifecycle:
// pending -> active -> resolved | transferred, and transferred -> active.
package support

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/tOgg1/parley/internal/db"
	"github.com/tOgg1/parley/internal/events"
	"github.com/tOgg1/parley/internal/logging"
	"github.com/tOgg1/parley/internal/metrics"
	"github.com/tOgg1/parley/internal/models"
)

// Repository is the thread storage the machine needs.
type Repository interface {
	Get(ctx context.Context, id string) (*models.Thread, error)
	CompareAndSetStatus(ctx context.Context, id string, from, to models.ThreadStatus, assignee string) (*models.Thread, error)
}

var transitions = map[models.ThreadStatus][]models.ThreadStatus{
	models.ThreadStatusPending:     {models.ThreadStatusActive},
	models.ThreadStatusActive:      {models.ThreadStatusResolved, models.ThreadStatusTransferred},
	models.ThreadStatusTransferred: {models.ThreadStatusActive},
}

// CanTransition reports whether from -> to is an allowed edge. The
// resolved -> pending reopen is not; it only happens through Reopen.
func CanTransition(from, to models.ThreadStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Machine applies status transitions with a compare-and-set on the
// previous status.
type Machine struct {
	repo      Repository
	publisher events.Publisher
	metrics   *metrics.Metrics
	logger    zerolog.Logger
}

// NewMachine creates a Machine. publisher and m may be nil.
func NewMachine(repo Repository, publisher events.Publisher, m *metrics.Metrics) *Machine {
	return &Machine{
		repo:      repo,
		publisher: publisher,
		metrics:   m,
		logger:    logging.Component("support"),
	}
}

// Actor is the caller asking for a transition.
type Actor struct {
	ID string

	// Agent is set for callers holding the support agent role.
	Agent bool
}

// Transition moves a support thread to status to on behalf of actorID,
// acting as a support agent. Moving to active assigns the thread to the
// actor; moving to transferred releases it for the next worker; resolved
// keeps the last assignee.
func (m *Machine) Transition(ctx context.Context, threadID string, to models.ThreadStatus, actorID string) (*models.Thread, error) {
	return m.TransitionAs(ctx, threadID, to, Actor{ID: actorID, Agent: true})
}

// TransitionAs is Transition with the caller's role checked against the
// stored thread.
func (m *Machine) TransitionAs(ctx context.Context, threadID string, to models.ThreadStatus, actor Actor) (*models.Thread, error) {
	if !to.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", models.ErrInvalidTransition, to)
	}
	actor.ID = models.CanonicalParticipantID(actor.ID)
	if to == models.ThreadStatusActive {
		if err := models.ValidateParticipantID(actor.ID); err != nil {
			return nil, fmt.Errorf("%w: activating requires an actor: %w", models.ErrInvalidTransition, err)
		}
	}

	thread, err := m.load(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if !CanTransition(thread.Status, to) {
		return nil, fmt.Errorf("%w: %s -> %s", models.ErrInvalidTransition, thread.Status, to)
	}
	if err := authorize(thread, to, actor); err != nil {
		return nil, err
	}

	assignee := thread.AssigneeID
	switch to {
	case models.ThreadStatusActive:
		assignee = actor.ID
	case models.ThreadStatusTransferred:
		assignee = ""
	}
	return m.apply(ctx, thread, to, assignee, actor.ID)
}

// authorize checks actor against the thread the compare-and-set will run
// on. The requester never changes case status. Taking a case needs the
// agent role or the desk seat; resolving or handing it off needs the
// assignee or the desk.
func authorize(thread *models.Thread, to models.ThreadStatus, actor Actor) error {
	switch {
	case actor.ID == thread.ParticipantA:
		return fmt.Errorf("%w: the requester cannot move case %s", models.ErrForbidden, thread.CaseNumber)
	case actor.ID == thread.ParticipantB:
		return nil
	case to == models.ThreadStatusActive:
		if actor.Agent {
			return nil
		}
		return fmt.Errorf("%w: %q is not a support agent", models.ErrForbidden, actor.ID)
	case actor.ID != "" && actor.ID == thread.AssigneeID:
		return nil
	}
	return fmt.Errorf("%w: %q is not assigned to case %s", models.ErrForbidden, actor.ID, thread.CaseNumber)
}

// Reopen moves a resolved thread back to pending when its requester posts
// again. It is a no-op for threads that are not resolved.
func (m *Machine) Reopen(ctx context.Context, threadID, actorID string) (*models.Thread, error) {
	thread, err := m.load(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if thread.Status != models.ThreadStatusResolved {
		return thread, nil
	}
	if models.CanonicalParticipantID(actorID) != thread.ParticipantA {
		return nil, fmt.Errorf("%w: only the requester can reopen case %s", models.ErrThreadResolved, thread.CaseNumber)
	}

	updated, err := m.apply(ctx, thread, models.ThreadStatusPending, "", thread.ParticipantA)
	if errors.Is(err, models.ErrTransitionConflict) {
		// Someone else reopened it first.
		return m.load(ctx, threadID)
	}
	return updated, err
}

func (m *Machine) load(ctx context.Context, threadID string) (*models.Thread, error) {
	thread, err := m.repo.Get(ctx, threadID)
	if err != nil {
		if errors.Is(err, db.ErrThreadNotFound) {
			return nil, err
		}
		return nil, models.StoreError("get thread", err)
	}
	if thread.Surface != models.SurfaceSupport {
		return nil, fmt.Errorf("%w: thread %s is %s", models.ErrNotSupportThread, thread.ID, thread.Surface)
	}
	return thread, nil
}

func (m *Machine) apply(ctx context.Context, thread *models.Thread, to models.ThreadStatus, assignee, actorID string) (*models.Thread, error) {
	updated, err := m.repo.CompareAndSetStatus(ctx, thread.ID, thread.Status, to, assignee)
	if err != nil {
		if errors.Is(err, models.ErrTransitionConflict) || errors.Is(err, db.ErrThreadNotFound) {
			return nil, err
		}
		return nil, models.StoreError("update thread status", err)
	}

	m.metrics.ObserveTransition(string(to))
	m.logger.Info().
		Str("thread_id", thread.ID).
		Str("case_number", thread.CaseNumber).
		Str("from", string(thread.Status)).
		Str("to", string(to)).
		Str("actor", actorID).
		Msg("support thread transitioned")

	events.Emit(ctx, m.publisher, models.EventTypeThreadTransitioned, models.EntityTypeThread, thread.ID, models.ThreadTransitionedPayload{
		From:       thread.Status,
		To:         to,
		ActorID:    actorID,
		CaseNumber: thread.CaseNumber,
		AssigneeID: assignee,
	})
	return updated, nil
}
