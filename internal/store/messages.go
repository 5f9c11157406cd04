package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/relay/pkg/models"
)

// AppendMessage persists a conversation message.
func (s *Store) AppendMessage(ctx context.Context, msg *models.Message) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, user_id, role_id, author, content, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.UserID, msg.RoleID, string(msg.Author), msg.Content,
		encodeTime(msg.CreatedAt))
	return err
}

// ListMessages returns up to limit messages for a (user, role) conversation
// in chronological order.
func (s *Store) ListMessages(ctx context.Context, userID, roleID string, limit int) ([]*models.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, role_id, author, content, created_at FROM (
			SELECT * FROM messages WHERE user_id = ? AND role_id = ?
			ORDER BY created_at DESC LIMIT ?
		) ORDER BY created_at ASC`,
		userID, roleID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Message
	for rows.Next() {
		var msg models.Message
		var author, createdAt string
		if err := rows.Scan(&msg.ID, &msg.UserID, &msg.RoleID, &author, &msg.Content, &createdAt); err != nil {
			return nil, err
		}
		msg.Author = models.Author(author)
		msg.CreatedAt = decodeTime(createdAt)
		out = append(out, &msg)
	}
	return out, rows.Err()
}

// DeleteMessages removes all messages for a (user, role) conversation.
func (s *Store) DeleteMessages(ctx context.Context, userID, roleID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM messages WHERE user_id = ? AND role_id = ?`, userID, roleID)
	return err
}
