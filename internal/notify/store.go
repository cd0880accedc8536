package notify

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/safar/go-sql-marketplace/internal/apperr"
	"github.com/safar/go-sql-marketplace/internal/models"
	"github.com/safar/go-sql-marketplace/internal/pagination"
)

// Store persists notifications in PostgreSQL. It is also a Sink.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Notify(ctx context.Context, userID, message string) error {
	if strings.TrimSpace(userID) == "" {
		return fmt.Errorf("notify: user id is required")
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO notifications (id, user_id, message, is_read, created_at)
		 VALUES ($1, $2, $3, FALSE, NOW())`,
		uuid.NewString(), userID, message)
	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

type ListParams struct {
	Cursor     string
	Limit      int
	UnreadOnly bool
}

// List returns a user's notifications, newest first.
func (s *Store) List(ctx context.Context, userID string, params ListParams) (*pagination.CursorPage[models.Notification], error) {
	cursor, err := pagination.DecodeCursor(params.Cursor)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, err, "invalid cursor")
	}
	limit := pagination.ClampLimit(params.Limit)

	query := `
		SELECT id, user_id, message, is_read, created_at
		FROM notifications
		WHERE user_id = $1
		  AND ($2 = FALSE OR is_read = FALSE)
		  AND ($3::timestamptz IS NULL OR (created_at, id) < ($3, $4))
		ORDER BY created_at DESC, id DESC
		LIMIT $5`

	var after sql.NullTime
	if !cursor.IsZero() {
		after = sql.NullTime{Time: cursor.CreatedAt, Valid: true}
	}

	rows, err := s.db.QueryContext(ctx, query, userID, params.UnreadOnly, after, cursor.ID, limit+1)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	var notifications []models.Notification
	for rows.Next() {
		var n models.Notification
		if err := rows.Scan(&n.ID, &n.UserID, &n.Message, &n.IsRead, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		notifications = append(notifications, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	page := pagination.Page(notifications, limit, func(n models.Notification) pagination.Cursor {
		return pagination.Cursor{CreatedAt: n.CreatedAt, ID: n.ID}
	})
	return &page, nil
}

// MarkRead flips is_read on one of the user's notifications.
func (s *Store) MarkRead(ctx context.Context, userID, id string) (*models.Notification, error) {
	n := &models.Notification{}

	err := s.db.QueryRowContext(ctx,
		`UPDATE notifications
		 SET is_read = TRUE
		 WHERE id = $1 AND user_id = $2
		 RETURNING id, user_id, message, is_read, created_at`,
		id, userID).Scan(&n.ID, &n.UserID, &n.Message, &n.IsRead, &n.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.Newf(apperr.KindNotFound, "notification %s not found", id)
		}
		return nil, fmt.Errorf("mark notification read: %w", err)
	}
	return n, nil
}

// MarkAllRead returns how many notifications changed.
func (s *Store) MarkAllRead(ctx context.Context, userID string) (int, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE notifications SET is_read = TRUE WHERE user_id = $1 AND is_read = FALSE`,
		userID)
	if err != nil {
		return 0, fmt.Errorf("mark notifications read: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("get rows affected: %w", err)
	}
	return int(rowsAffected), nil
}
