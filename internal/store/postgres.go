package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

var ErrNotFound = errors.New("not found")

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const userColumns = `id, issuer, subject, username, email, display_name, role, created_at, last_login_at`

func scanUser(row interface{ Scan(...any) error }) (User, error) {
	var user User
	err := row.Scan(&user.ID, &user.Issuer, &user.Subject, &user.Username, &user.Email,
		&user.DisplayName, &user.Role, &user.CreatedAt, &user.LastLoginAt)
	return user, err
}

// EnsureUser upserts the user for identity. defaultRole applies only on first
// sight; an existing role is never overwritten by sign-in.
func (s *PostgresStore) EnsureUser(ctx context.Context, identity Identity, defaultRole string) (User, error) {
	if identity.Issuer == "" || identity.Subject == "" {
		return User{}, errors.New("ensure user: issuer and subject are required")
	}
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO users (issuer, subject, username, email, display_name, role)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (issuer, subject) DO UPDATE SET
			username = EXCLUDED.username,
			email = EXCLUDED.email,
			display_name = EXCLUDED.display_name,
			last_login_at = NOW()
		RETURNING `+userColumns,
		identity.Issuer, identity.Subject, identity.Username, identity.Email, identity.DisplayName, defaultRole)
	user, err := scanUser(row)
	if err != nil {
		return User{}, fmt.Errorf("upsert user: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	user, err := scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id=$1`, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("get user: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) SetRole(ctx context.Context, userID, role string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE users SET role=$2 WHERE id=$1`, userID, role)
	if err != nil {
		return fmt.Errorf("set role: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
