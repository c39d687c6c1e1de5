// Package threads resolves the conversation thread for a participant pair
// and context, creating it on first contact.
package threads

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

// Repository is the thread storage the resolver needs.
type Repository interface {
	Get(ctx context.Context, id string) (*models.Thread, error)
	FindByPair(ctx context.Context, surface models.Surface, a, b, contextKey string) (*models.Thread, error)
	Create(ctx context.Context, thread *models.Thread) error
}

// ContextLookup confirms that a context key refers to something that exists
// (a listing, a desk topic). The empty key is never looked up.
type ContextLookup interface {
	ContextExists(ctx context.Context, surface models.Surface, key string) (bool, error)
}

// ResolveRequest identifies the thread to open.
type ResolveRequest struct {
	// ThreadID takes the fast path when set. Participants, when given, must
	// match the stored thread.
	ThreadID string

	Surface      models.Surface
	ParticipantA string
	ParticipantB string
	ContextKey   string

	// RequesterID is the caller opening the thread. When set, a support
	// thread is only created with the requester seated as ParticipantA.
	// Existing threads are found in either order regardless.
	RequesterID string
}

// Resolver implements resolve-or-create over a Repository.
type Resolver struct {
	repo      Repository
	contexts  ContextLookup
	publisher events.Publisher
	metrics   *metrics.Metrics
	logger    zerolog.Logger
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithContextLookup checks context keys against an external provider.
func WithContextLookup(lookup ContextLookup) Option {
	return func(r *Resolver) { r.contexts = lookup }
}

// WithPublisher emits thread.created when the resolver creates a thread.
func WithPublisher(publisher events.Publisher) Option {
	return func(r *Resolver) { r.publisher = publisher }
}

// WithMetrics counts resolutions by outcome.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Resolver) { r.metrics = m }
}

// NewResolver creates a Resolver.
func NewResolver(repo Repository, opts ...Option) *Resolver {
	r := &Resolver{
		repo:   repo,
		logger: logging.Component("threads"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ResolveOrCreate returns the unique thread for the request, creating it if
// needed. Concurrent callers with the same pair and context all receive the
// same thread. Every failure matches models.ErrResolutionFailed, or
// models.ErrStoreUnavailable when the store could not be reached.
func (r *Resolver) ResolveOrCreate(ctx context.Context, req ResolveRequest) (*models.Thread, error) {
	if req.ThreadID != "" {
		return r.resolveByID(ctx, req)
	}

	req, err := normalize(req)
	if err != nil {
		r.metrics.ObserveResolution(metrics.OutcomeFailed)
		return nil, fmt.Errorf("%w: %w", models.ErrResolutionFailed, err)
	}
	if err := r.checkContext(ctx, req); err != nil {
		r.metrics.ObserveResolution(metrics.OutcomeFailed)
		return nil, err
	}

	thread, err := r.repo.FindByPair(ctx, req.Surface, req.ParticipantA, req.ParticipantB, req.ContextKey)
	switch {
	case err == nil:
		r.metrics.ObserveResolution(metrics.OutcomeExisting)
		return thread, nil
	case !errors.Is(err, db.ErrThreadNotFound):
		return nil, models.StoreError("find thread", err)
	}

	if req.Surface == models.SurfaceSupport && req.RequesterID != "" &&
		models.CanonicalParticipantID(req.RequesterID) != req.ParticipantA {
		r.metrics.ObserveResolution(metrics.OutcomeFailed)
		return nil, fmt.Errorf("%w: support cases are opened by participant_a", models.ErrResolutionFailed)
	}

	thread = &models.Thread{
		Surface:      req.Surface,
		ParticipantA: req.ParticipantA,
		ParticipantB: req.ParticipantB,
		ContextKey:   req.ContextKey,
	}
	err = r.repo.Create(ctx, thread)
	switch {
	case err == nil:
		r.metrics.ObserveResolution(metrics.OutcomeCreated)
		r.logger.Debug().
			Str("thread_id", thread.ID).
			Str("surface", string(thread.Surface)).
			Str("case_number", thread.CaseNumber).
			Msg("thread created")
		events.Emit(ctx, r.publisher, models.EventTypeThreadCreated, models.EntityTypeThread, thread.ID, models.ThreadCreatedPayload{
			Surface:      thread.Surface,
			ParticipantA: thread.ParticipantA,
			ParticipantB: thread.ParticipantB,
			ContextKey:   thread.ContextKey,
			CaseNumber:   thread.CaseNumber,
		})
		return thread, nil
	case errors.Is(err, db.ErrDuplicateThread):
		// Another caller won the insert; its row is the answer.
		winner, err := r.repo.FindByPair(ctx, req.Surface, req.ParticipantA, req.ParticipantB, req.ContextKey)
		if err != nil {
			if errors.Is(err, db.ErrThreadNotFound) {
				return nil, fmt.Errorf("%w: thread vanished after duplicate insert", models.ErrResolutionFailed)
			}
			return nil, models.StoreError("find thread after race", err)
		}
		r.metrics.ObserveResolution(metrics.OutcomeRace)
		r.logger.Debug().Str("thread_id", winner.ID).Msg("lost thread creation race")
		return winner, nil
	default:
		return nil, models.StoreError("create thread", err)
	}
}

func (r *Resolver) resolveByID(ctx context.Context, req ResolveRequest) (*models.Thread, error) {
	thread, err := r.repo.Get(ctx, req.ThreadID)
	if err != nil {
		if errors.Is(err, db.ErrThreadNotFound) {
			r.metrics.ObserveResolution(metrics.OutcomeFailed)
			return nil, fmt.Errorf("%w: thread %s not found", models.ErrResolutionFailed, req.ThreadID)
		}
		return nil, models.StoreError("get thread", err)
	}

	a := models.CanonicalParticipantID(req.ParticipantA)
	b := models.CanonicalParticipantID(req.ParticipantB)
	if a != "" || b != "" {
		if !matchesSeats(thread, a, b) {
			r.metrics.ObserveResolution(metrics.OutcomeFailed)
			return nil, fmt.Errorf("%w: participants do not match thread %s", models.ErrResolutionFailed, thread.ID)
		}
	}
	r.metrics.ObserveResolution(metrics.OutcomeExisting)
	return thread, nil
}

// matchesSeats accepts the stored pair in either order. With one side
// omitted, that side only has to hold a seat in the thread.
func matchesSeats(thread *models.Thread, a, b string) bool {
	if a != "" && b != "" {
		return thread.HasParticipants(a, b)
	}
	id := a
	if id == "" {
		id = b
	}
	_, ok := thread.Seat(id)
	return ok
}

func (r *Resolver) checkContext(ctx context.Context, req ResolveRequest) error {
	if r.contexts == nil || req.ContextKey == "" {
		return nil
	}
	ok, err := r.contexts.ContextExists(ctx, req.Surface, req.ContextKey)
	if err != nil {
		return fmt.Errorf("%w: context lookup: %w", models.ErrResolutionFailed, err)
	}
	if !ok {
		return fmt.Errorf("%w: unknown context %q", models.ErrResolutionFailed, req.ContextKey)
	}
	return nil
}

func normalize(req ResolveRequest) (ResolveRequest, error) {
	errs := &models.ValidationErrors{}
	if !req.Surface.Valid() {
		errs.AddMessage("surface", fmt.Sprintf("unknown surface %q", req.Surface))
	}

	a, err := models.NormalizeParticipantID(req.ParticipantA)
	errs.Add("participant_a", err)
	b, err := models.NormalizeParticipantID(req.ParticipantB)
	errs.Add("participant_b", err)
	if a != "" && a == b {
		errs.AddMessage("participant_b", "participants must be distinct")
	}

	key, err := models.NormalizeContextKey(req.ContextKey)
	errs.Add("context_key", err)

	if err := errs.Err(); err != nil {
		return req, err
	}
	req.ParticipantA, req.ParticipantB, req.ContextKey = a, b, key
	return req, nil
}
