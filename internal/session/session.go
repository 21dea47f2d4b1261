// Package session stores signed-in sessions created by federated sign-in.
package session

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("session not found or expired")

// Data is what a session id resolves to. IDToken is kept so logout can hand
// it to the provider as id_token_hint.
type Data struct {
	UserID    string    `json:"user_id"`
	Username  string    `json:"username"`
	Email     string    `json:"email,omitempty"`
	Role      string    `json:"role"`
	Issuer    string    `json:"issuer,omitempty"`
	IDToken   string    `json:"id_token,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type Store interface {
	Save(ctx context.Context, id string, data Data, ttl time.Duration) error
	Lookup(ctx context.Context, id string) (Data, error)
	Revoke(ctx context.Context, id string) error
	Ping(ctx context.Context) error
	Close() error
}
