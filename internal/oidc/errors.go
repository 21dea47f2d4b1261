package oidc

import (
	"errors"
	"fmt"
)

var (
	// ErrNotInitialized is returned when the coordinator is used before Initialize succeeds.
	ErrNotInitialized = errors.New("oidc not initialized")
	// ErrInvalidState covers a missing, unknown, expired or already used state.
	ErrInvalidState = errors.New("invalid or expired authorization state")
)

// InitializationError is fatal to the sign-in feature.
type InitializationError struct {
	Reason string
	Err    error
}

func (e *InitializationError) Error() string {
	if e.Err == nil {
		return "oidc initialization failed: " + e.Reason
	}
	return fmt.Sprintf("oidc initialization failed: %s: %v", e.Reason, e.Err)
}

func (e *InitializationError) Unwrap() error {
	return e.Err
}

// ExchangeError wraps a failed authorization code exchange.
type ExchangeError struct {
	Err error
}

func (e *ExchangeError) Error() string {
	return fmt.Sprintf("oidc token exchange failed: %v", e.Err)
}

func (e *ExchangeError) Unwrap() error {
	return e.Err
}

// ProfileFetchError is logged and never returned to callers.
type ProfileFetchError struct {
	Err error
}

func (e *ProfileFetchError) Error() string {
	return fmt.Sprintf("oidc userinfo fetch failed: %v", e.Err)
}

func (e *ProfileFetchError) Unwrap() error {
	return e.Err
}
