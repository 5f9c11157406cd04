package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/relay/pkg/models"
)

// CreateUser inserts a new user.
func (s *Store) CreateUser(ctx context.Context, user *models.User) error {
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, email, name, created_at) VALUES (?, ?, ?, ?)`,
		user.ID, user.Email, user.Name, encodeTime(user.CreatedAt))
	return err
}

// GetUser returns a user by id.
func (s *Store) GetUser(ctx context.Context, id string) (*models.User, error) {
	var user models.User
	var createdAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, email, name, created_at FROM users WHERE id = ?`, id).
		Scan(&user.ID, &user.Email, &user.Name, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	user.CreatedAt = decodeTime(createdAt)
	return &user, nil
}

// FindOrCreateUser returns the user with the given email, creating one if
// absent.
func (s *Store) FindOrCreateUser(ctx context.Context, email, name string) (*models.User, error) {
	var user models.User
	var createdAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, email, name, created_at FROM users WHERE email = ?`, email).
		Scan(&user.ID, &user.Email, &user.Name, &createdAt)
	if err == nil {
		user.CreatedAt = decodeTime(createdAt)
		return &user, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	user = models.User{Email: email, Name: name}
	if err := s.CreateUser(ctx, &user); err != nil {
		return nil, err
	}
	return &user, nil
}
