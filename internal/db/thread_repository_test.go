package db

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"

	"github.com/tOgg1/parley/internal/models"
)

func TestThreadRepository_CreateAndFind(t *testing.T) {
	ctx := context.Background()
	repo := NewThreadRepository(setupTestDB(t))

	thread := &models.Thread{
		Surface:      models.SurfaceMarket,
		ParticipantA: "buyer",
		ParticipantB: "seller",
		ContextKey:   "listing-42",
	}
	require.NoError(t, repo.Create(ctx, thread))
	require.NotEmpty(t, thread.ID)
	require.Equal(t, models.ThreadStatusActive, thread.Status)
	require.Empty(t, thread.CaseNumber)

	found, err := repo.FindByPair(ctx, models.SurfaceMarket, "seller", "buyer", "listing-42")
	require.NoError(t, err)
	require.Equal(t, thread.ID, found.ID)
	require.Equal(t, "buyer", found.ParticipantA)
	require.Nil(t, found.LastMessageAt)

	_, err = repo.FindByPair(ctx, models.SurfaceMarket, "buyer", "seller", "")
	require.ErrorIs(t, err, ErrThreadNotFound)

	_, err = repo.Get(ctx, "missing")
	require.ErrorIs(t, err, ErrThreadNotFound)
}

func TestThreadRepository_DuplicateSlot(t *testing.T) {
	ctx := context.Background()
	repo := NewThreadRepository(setupTestDB(t))

	first := &models.Thread{Surface: models.SurfaceMarket, ParticipantA: "buyer", ParticipantB: "seller"}
	require.NoError(t, repo.Create(ctx, first))

	// Reversed roles still collide on the canonical pair.
	second := &models.Thread{Surface: models.SurfaceMarket, ParticipantA: "seller", ParticipantB: "buyer"}
	require.ErrorIs(t, repo.Create(ctx, second), ErrDuplicateThread)
	require.Empty(t, second.ID)

	// Another context is another thread.
	third := &models.Thread{Surface: models.SurfaceMarket, ParticipantA: "buyer", ParticipantB: "seller", ContextKey: "listing-7"}
	require.NoError(t, repo.Create(ctx, third))
	require.NotEqual(t, first.ID, third.ID)
}

func TestThreadRepository_SupportCaseNumbers(t *testing.T) {
	ctx := context.Background()
	repo := NewThreadRepository(setupTestDB(t))

	first := &models.Thread{Surface: models.SurfaceSupport, ParticipantA: "visitor-1", ParticipantB: "desk"}
	second := &models.Thread{Surface: models.SurfaceSupport, ParticipantA: "visitor-2", ParticipantB: "desk"}
	require.NoError(t, repo.Create(ctx, first))
	require.NoError(t, repo.Create(ctx, second))

	require.Equal(t, models.ThreadStatusPending, first.Status)
	require.Equal(t, "CS-000001", first.CaseNumber)
	require.Equal(t, "CS-000002", second.CaseNumber)

	// A rejected duplicate does not consume a case number.
	dup := &models.Thread{Surface: models.SurfaceSupport, ParticipantA: "visitor-1", ParticipantB: "desk"}
	require.ErrorIs(t, repo.Create(ctx, dup), ErrDuplicateThread)

	third := &models.Thread{Surface: models.SurfaceSupport, ParticipantA: "visitor-3", ParticipantB: "desk"}
	require.NoError(t, repo.Create(ctx, third))
	require.Equal(t, "CS-000003", third.CaseNumber)
}

func TestThreadRepository_CompareAndSetStatus(t *testing.T) {
	ctx := context.Background()
	repo := NewThreadRepository(setupTestDB(t))

	thread := &models.Thread{Surface: models.SurfaceSupport, ParticipantA: "visitor", ParticipantB: "desk"}
	require.NoError(t, repo.Create(ctx, thread))

	updated, err := repo.CompareAndSetStatus(ctx, thread.ID, models.ThreadStatusPending, models.ThreadStatusActive, "worker")
	require.NoError(t, err)
	require.Equal(t, models.ThreadStatusActive, updated.Status)
	require.Equal(t, "worker", updated.AssigneeID)

	_, err = repo.CompareAndSetStatus(ctx, thread.ID, models.ThreadStatusPending, models.ThreadStatusActive, "other")
	require.ErrorIs(t, err, ErrStatusConflict)

	_, err = repo.CompareAndSetStatus(ctx, "missing", models.ThreadStatusPending, models.ThreadStatusActive, "worker")
	require.ErrorIs(t, err, ErrThreadNotFound)

	assigned, err := repo.List(ctx, ThreadQuery{Participant: "worker"})
	require.NoError(t, err)
	require.Len(t, assigned, 1)

	status := models.ThreadStatusPending
	pending, err := repo.List(ctx, ThreadQuery{Status: &status})
	require.NoError(t, err)
	require.Empty(t, pending)
}

func TestThreadRepository_PostgresUniqueViolation(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()

	repo := NewThreadRepository(New(sqlDB, DialectPostgres))

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO threads .* VALUES \(\$1, \$2`).
		WillReturnError(&pgconn.PgError{Code: "23505", Message: "duplicate key value violates unique constraint"})
	mock.ExpectRollback()

	thread := &models.Thread{Surface: models.SurfaceMarket, ParticipantA: "buyer", ParticipantB: "seller"}
	require.ErrorIs(t, repo.Create(context.Background(), thread), ErrDuplicateThread)

	now := time.Now().UTC().Format(time.RFC3339Nano)
	mock.ExpectQuery(`SELECT .+ FROM threads WHERE surface = \$1 AND pair_low = \$2`).
		WithArgs("market", "buyer", "seller", "").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "surface", "participant_a", "participant_b", "context_key", "status",
			"case_number", "assignee_id", "last_sent_ns", "created_at", "updated_at",
		}).AddRow("t-1", "market", "buyer", "seller", "", "active", nil, nil, int64(0), now, now))

	found, err := repo.FindByPair(context.Background(), models.SurfaceMarket, "seller", "buyer", "")
	require.NoError(t, err)
	require.Equal(t, "t-1", found.ID)

	require.NoError(t, mock.ExpectationsWereMet())
}
