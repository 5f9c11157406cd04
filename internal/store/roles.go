package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/relay/pkg/models"
)

// CreateRole inserts a new role.
func (s *Store) CreateRole(ctx context.Context, role *models.Role) error {
	if role.ID == "" {
		role.ID = uuid.NewString()
	}
	if role.CreatedAt.IsZero() {
		role.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO roles (id, user_id, name, job_description, system_prompt, model, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		role.ID, role.UserID, role.Name, role.JobDescription, role.SystemPrompt, role.Model,
		encodeTime(role.CreatedAt))
	return err
}

// GetRole returns a role by id.
func (s *Store) GetRole(ctx context.Context, id string) (*models.Role, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, name, job_description, system_prompt, model, created_at
		 FROM roles WHERE id = ?`, id)
	return scanRole(row)
}

// ListRoles returns all roles owned by a user.
func (s *Store) ListRoles(ctx context.Context, userID string) ([]*models.Role, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, name, job_description, system_prompt, model, created_at
		 FROM roles WHERE user_id = ? ORDER BY created_at`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var roles []*models.Role
	for rows.Next() {
		role, err := scanRole(rows)
		if err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	return roles, rows.Err()
}

// UpdateRole replaces a role's mutable fields.
func (s *Store) UpdateRole(ctx context.Context, role *models.Role) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE roles SET name = ?, job_description = ?, system_prompt = ?, model = ?
		 WHERE id = ?`,
		role.Name, role.JobDescription, role.SystemPrompt, role.Model, role.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteRole removes a role.
func (s *Store) DeleteRole(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM roles WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRole(row rowScanner) (*models.Role, error) {
	var role models.Role
	var createdAt string
	err := row.Scan(&role.ID, &role.UserID, &role.Name, &role.JobDescription,
		&role.SystemPrompt, &role.Model, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	role.CreatedAt = decodeTime(createdAt)
	return &role, nil
}
