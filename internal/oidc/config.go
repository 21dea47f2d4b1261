package oidc

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// DefaultMaxPendingAge bounds how long a sign-in attempt may wait for its callback.
const DefaultMaxPendingAge = 5 * time.Minute

var validate = validator.New()

type Config struct {
	Enabled               bool
	IssuerURL             string `validate:"required,url"`
	ClientID              string `validate:"required"`
	ClientSecret          string `validate:"required"`
	RedirectURI           string `validate:"required,url"`
	Scope                 string `validate:"required"`
	Prompt                string `validate:"omitempty,oneof=none login consent select_account"`
	ResponseMode          string `validate:"omitempty,oneof=query fragment form_post"`
	ProviderName          string
	PostLogoutRedirectURI string `validate:"omitempty,url"`
	MaxPendingAge         time.Duration
}

func (c Config) check() error {
	if !c.Enabled {
		return &InitializationError{Reason: "oidc is disabled"}
	}
	if err := validate.Struct(c); err != nil {
		return &InitializationError{Reason: "invalid configuration", Err: formatValidationError(err)}
	}
	if !hasScope(c.Scope, "openid") {
		return &InitializationError{Reason: "invalid configuration", Err: errors.New("Scope: must include openid")}
	}
	return nil
}

func (c Config) maxPendingAge() time.Duration {
	if c.MaxPendingAge <= 0 {
		return DefaultMaxPendingAge
	}
	return c.MaxPendingAge
}

func hasScope(scope, want string) bool {
	for _, s := range strings.Fields(scope) {
		if s == want {
			return true
		}
	}
	return false
}

func formatValidationError(err error) error {
	if validationErrs, ok := err.(validator.ValidationErrors); ok && len(validationErrs) > 0 {
		e := validationErrs[0]
		return fmt.Errorf("%s: validation failed on '%s' tag", e.Field(), e.Tag())
	}
	return err
}
