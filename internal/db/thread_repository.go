package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tOgg1/parley/internal/models"
)

// Thread repository errors.
var (
	ErrThreadNotFound = models.ErrThreadNotFound

	// ErrDuplicateThread reports that a concurrent insert won the unique
	// (surface, pair, context) slot. Callers re-query for the winner.
	ErrDuplicateThread = errors.New("thread already exists for participants and context")

	ErrStatusConflict = models.ErrTransitionConflict
)

const threadColumns = `id, surface, participant_a, participant_b, context_key, status,
	case_number, assignee_id, last_sent_ns, created_at, updated_at`

// ThreadRepository handles thread persistence.
type ThreadRepository struct {
	db *DB
}

// NewThreadRepository creates a new ThreadRepository.
func NewThreadRepository(db *DB) *ThreadRepository {
	return &ThreadRepository{db: db}
}

// ThreadQuery filters thread listings.
type ThreadQuery struct {
	Surface     *models.Surface
	Status      *models.ThreadStatus
	Participant string // matches A, B, or the support assignee
	Limit       int
}

// Create inserts a new thread. Support threads receive the next case number
// in the same transaction. Returns ErrDuplicateThread when the
// (surface, pair, context) slot is already taken.
func (r *ThreadRepository) Create(ctx context.Context, thread *models.Thread) error {
	if thread.Status == "" {
		thread.Status = models.ThreadStatusActive
		if thread.Surface == models.SurfaceSupport {
			thread.Status = models.ThreadStatusPending
		}
	}
	if err := thread.Validate(); err != nil {
		return fmt.Errorf("invalid thread: %w", err)
	}

	id := thread.ID
	if id == "" {
		id = uuid.New().String()
	}
	now := time.Now().UTC()
	low, high := models.CanonicalPair(thread.ParticipantA, thread.ParticipantB)

	var caseNumber string
	err := r.db.TransactionWithRetry(ctx, 0, 0, func(tx *sql.Tx) error {
		q := r.db.inTx(tx)
		caseNumber = ""
		if thread.Surface == models.SurfaceSupport {
			var next int64
			err := q.QueryRowContext(ctx, `
				INSERT INTO case_counters (surface, next_value) VALUES (?, 1)
				ON CONFLICT(surface) DO UPDATE SET next_value = case_counters.next_value + 1
				RETURNING next_value
			`, string(thread.Surface)).Scan(&next)
			if err != nil {
				return fmt.Errorf("failed to allocate case number: %w", err)
			}
			caseNumber = formatCaseNumber(next)
		}

		_, err := q.ExecContext(ctx, `
			INSERT INTO threads (
				id, surface, participant_a, participant_b, pair_low, pair_high,
				context_key, status, case_number, assignee_id, last_sent_ns,
				created_at, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)
		`,
			id,
			string(thread.Surface),
			thread.ParticipantA,
			thread.ParticipantB,
			low,
			high,
			thread.ContextKey,
			string(thread.Status),
			nullString(caseNumber),
			nullString(thread.AssigneeID),
			now.Format(time.RFC3339Nano),
			now.Format(time.RFC3339Nano),
		)
		if err != nil {
			if isUniqueConstraintError(err) {
				return ErrDuplicateThread
			}
			return fmt.Errorf("failed to insert thread: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	thread.ID = id
	thread.CaseNumber = caseNumber
	thread.CreatedAt = now
	thread.UpdatedAt = now
	return nil
}

// Get retrieves a thread by ID.
func (r *ThreadRepository) Get(ctx context.Context, id string) (*models.Thread, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+threadColumns+` FROM threads WHERE id = ?`, id)
	return scanThread(row)
}

// FindByPair looks a thread up by its unordered participant pair and context.
func (r *ThreadRepository) FindByPair(ctx context.Context, surface models.Surface, a, b, contextKey string) (*models.Thread, error) {
	low, high := models.CanonicalPair(a, b)
	row := r.db.QueryRowContext(ctx, `
		SELECT `+threadColumns+`
		FROM threads
		WHERE surface = ? AND pair_low = ? AND pair_high = ? AND context_key = ?
	`, string(surface), low, high, contextKey)
	return scanThread(row)
}

// List returns threads matching q, most recently active first.
func (r *ThreadRepository) List(ctx context.Context, q ThreadQuery) ([]*models.Thread, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT ` + threadColumns + ` FROM threads WHERE 1=1`
	args := []any{}
	if q.Surface != nil {
		query += ` AND surface = ?`
		args = append(args, string(*q.Surface))
	}
	if q.Status != nil {
		query += ` AND status = ?`
		args = append(args, string(*q.Status))
	}
	if q.Participant != "" {
		query += ` AND (participant_a = ? OR participant_b = ? OR assignee_id = ?)`
		args = append(args, q.Participant, q.Participant, q.Participant)
	}
	query += ` ORDER BY last_sent_ns DESC, created_at DESC, id LIMIT ?`
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query threads: %w", err)
	}
	defer rows.Close()

	var threads []*models.Thread
	for rows.Next() {
		thread, err := scanThread(rows)
		if err != nil {
			return nil, err
		}
		threads = append(threads, thread)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating threads: %w", err)
	}
	return threads, nil
}

// CompareAndSetStatus moves a thread from one status to another and sets
// the assignee ("" clears it). Returns ErrStatusConflict when the thread is
// no longer in status from.
func (r *ThreadRepository) CompareAndSetStatus(ctx context.Context, id string, from, to models.ThreadStatus, assignee string) (*models.Thread, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE threads SET status = ?, assignee_id = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`,
		string(to),
		nullString(assignee),
		time.Now().UTC().Format(time.RFC3339Nano),
		id,
		string(from),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update thread status: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		if _, err := r.Get(ctx, id); err != nil {
			return nil, err
		}
		return nil, ErrStatusConflict
	}
	return r.Get(ctx, id)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanThread(row rowScanner) (*models.Thread, error) {
	var thread models.Thread
	var surface, status, createdAt, updatedAt string
	var caseNumber, assignee sql.NullString
	var lastSentNs int64

	err := row.Scan(
		&thread.ID,
		&surface,
		&thread.ParticipantA,
		&thread.ParticipantB,
		&thread.ContextKey,
		&status,
		&caseNumber,
		&assignee,
		&lastSentNs,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrThreadNotFound
		}
		return nil, fmt.Errorf("failed to scan thread: %w", err)
	}

	thread.Surface = models.Surface(surface)
	thread.Status = models.ThreadStatus(status)
	thread.CaseNumber = caseNumber.String
	thread.AssigneeID = assignee.String
	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		thread.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
		thread.UpdatedAt = t
	}
	if lastSentNs > 0 {
		last := fromNanos(lastSentNs)
		thread.LastMessageAt = &last
	}
	return &thread, nil
}

func formatCaseNumber(n int64) string {
	return fmt.Sprintf("CS-%06d", n)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(ns int64) time.Time {
	return time.Unix(0, ns).UTC()
}
