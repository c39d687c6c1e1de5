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

// Message repository errors.
var (
	ErrMessageNotFound = errors.New("message not found")

	errDuplicateClientMsg = errors.New("client message id already stored")
)

const messageColumns = `seq, id, thread_id, sender_id, recipient_id, body,
	client_msg_id, is_read, sent_ns, read_ns`

// MessageRepository handles message persistence.
type MessageRepository struct {
	db  *DB
	now func() time.Time
}

// NewMessageRepository creates a new MessageRepository.
func NewMessageRepository(db *DB) *MessageRepository {
	return &MessageRepository{db: db, now: time.Now}
}

// Append stores msg and fills in ID, Seq, and SentAt. SentAt is strictly
// increasing within a thread. When msg carries a ClientMsgID that was
// already stored for the same sender and thread, msg is replaced with the
// stored copy and created is false.
func (r *MessageRepository) Append(ctx context.Context, msg *models.Message) (created bool, err error) {
	if msg.ThreadID == "" || msg.SenderID == "" || msg.RecipientID == "" {
		return false, fmt.Errorf("message thread, sender, and recipient are required")
	}
	id := msg.ID
	if id == "" {
		id = uuid.New().String()
	}

	var existing *models.Message
	var seq, sentNs int64
	err = r.db.TransactionWithRetry(ctx, 0, 0, func(tx *sql.Tx) error {
		q := r.db.inTx(tx)
		existing = nil

		if msg.ClientMsgID != "" {
			found, err := r.findByClientMsgID(ctx, q, msg.ThreadID, msg.SenderID, msg.ClientMsgID)
			switch {
			case err == nil:
				existing = found
				return nil
			case !errors.Is(err, ErrMessageNotFound):
				return err
			}
		}

		now := r.now().UTC()
		nowNs := now.UnixNano()
		result, err := q.ExecContext(ctx, `
			UPDATE threads
			SET last_sent_ns = CASE WHEN last_sent_ns >= ? THEN last_sent_ns + 1 ELSE ? END,
				updated_at = ?
			WHERE id = ?
		`, nowNs, nowNs, now.Format(time.RFC3339Nano), msg.ThreadID)
		if err != nil {
			return fmt.Errorf("failed to stamp thread: %w", err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get rows affected: %w", err)
		}
		if affected == 0 {
			return ErrThreadNotFound
		}

		if err := q.QueryRowContext(ctx, `SELECT last_sent_ns FROM threads WHERE id = ?`, msg.ThreadID).Scan(&sentNs); err != nil {
			return fmt.Errorf("failed to read thread stamp: %w", err)
		}

		err = q.QueryRowContext(ctx, `
			INSERT INTO messages (
				id, thread_id, sender_id, recipient_id, body, client_msg_id, is_read, sent_ns
			) VALUES (?, ?, ?, ?, ?, ?, 0, ?)
			RETURNING seq
		`,
			id,
			msg.ThreadID,
			msg.SenderID,
			msg.RecipientID,
			msg.Body,
			nullString(msg.ClientMsgID),
			sentNs,
		).Scan(&seq)
		if err != nil {
			if msg.ClientMsgID != "" && isUniqueConstraintError(err) {
				return errDuplicateClientMsg
			}
			return fmt.Errorf("failed to insert message: %w", err)
		}
		return nil
	})

	if errors.Is(err, errDuplicateClientMsg) {
		existing, err = r.findByClientMsgID(ctx, r.db, msg.ThreadID, msg.SenderID, msg.ClientMsgID)
	}
	if err != nil {
		return false, err
	}
	if existing != nil {
		*msg = *existing
		return false, nil
	}

	msg.ID = id
	msg.Seq = seq
	msg.SentAt = fromNanos(sentNs)
	msg.Read = false
	msg.ReadAt = nil
	return true, nil
}

// Get retrieves a message by ID.
func (r *MessageRepository) Get(ctx context.Context, id string) (*models.Message, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	return scanMessage(row)
}

// ListSince returns messages in a thread sent strictly after since, in
// transcript order. A zero since returns the full history. limit <= 0 means
// no limit.
func (r *MessageRepository) ListSince(ctx context.Context, threadID string, since time.Time, limit int) ([]models.Message, error) {
	query := `SELECT ` + messageColumns + `
		FROM messages
		WHERE thread_id = ? AND sent_ns > ?
		ORDER BY sent_ns, seq`
	args := []any{threadID, toNanos(since)}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	messages := []models.Message{}
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, *msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating messages: %w", err)
	}
	return messages, nil
}

// MarkRead flips unread messages in a thread addressed to recipientID.
// Returns the number of messages flipped.
func (r *MessageRepository) MarkRead(ctx context.Context, threadID, recipientID string) (int64, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE messages SET is_read = 1, read_ns = ?
		WHERE thread_id = ? AND recipient_id = ? AND is_read = 0
	`, r.now().UTC().UnixNano(), threadID, recipientID)
	if err != nil {
		return 0, fmt.Errorf("failed to mark messages read: %w", err)
	}
	count, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return count, nil
}

// UnreadCounts returns unread message counts per thread for a viewer. A
// support assignee sees the desk's unread messages on threads assigned to
// them.
func (r *MessageRepository) UnreadCounts(ctx context.Context, viewerID string) (map[string]int, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT m.thread_id, COUNT(*)
		FROM messages m
		JOIN threads t ON t.id = m.thread_id
		WHERE m.is_read = 0
			AND (m.recipient_id = ? OR (t.assignee_id = ? AND m.recipient_id = t.participant_b))
		GROUP BY m.thread_id
	`, viewerID, viewerID)
	if err != nil {
		return nil, fmt.Errorf("failed to count unread messages: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var threadID string
		var count int
		if err := rows.Scan(&threadID, &count); err != nil {
			return nil, fmt.Errorf("failed to scan unread count: %w", err)
		}
		counts[threadID] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating unread counts: %w", err)
	}
	return counts, nil
}

func (r *MessageRepository) findByClientMsgID(ctx context.Context, q queryer, threadID, senderID, clientMsgID string) (*models.Message, error) {
	row := q.QueryRowContext(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE thread_id = ? AND sender_id = ? AND client_msg_id = ?
	`, threadID, senderID, clientMsgID)
	return scanMessage(row)
}

func scanMessage(row rowScanner) (*models.Message, error) {
	var msg models.Message
	var clientMsgID sql.NullString
	var isRead int
	var sentNs int64
	var readNs sql.NullInt64

	err := row.Scan(
		&msg.Seq,
		&msg.ID,
		&msg.ThreadID,
		&msg.SenderID,
		&msg.RecipientID,
		&msg.Body,
		&clientMsgID,
		&isRead,
		&sentNs,
		&readNs,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrMessageNotFound
		}
		return nil, fmt.Errorf("failed to scan message: %w", err)
	}

	msg.ClientMsgID = clientMsgID.String
	msg.Read = isRead != 0
	msg.SentAt = fromNanos(sentNs)
	if readNs.Valid {
		readAt := fromNanos(readNs.Int64)
		msg.ReadAt = &readAt
	}
	return &msg, nil
}
