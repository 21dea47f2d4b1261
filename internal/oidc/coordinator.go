// Package oidc drives the authorization code flow against an external
// OpenID Connect provider.
package oidc

import (
	"context"
	"log"
	"net/url"
	"strings"
	"sync"
	"time"

	"nextexplorer/api/internal/util"
)

const tokenBytes = 32

// PendingAuthorization is one sign-in attempt waiting for its callback.
type PendingAuthorization struct {
	State        string
	Nonce        string
	RedirectPath string
	CreatedAt    time.Time
}

type AuthorizationRequest struct {
	URL   string
	State string
}

type CallbackResult struct {
	Tokens TokenSet
	// UserInfo is nil when the profile could not be fetched.
	UserInfo     *UserInfo
	RedirectPath string
}

type ProviderInfo struct {
	Issuer string `json:"issuer"`
	Name   string `json:"name"`
}

// Coordinator owns the pending-state table. Provider I/O never runs while
// the table mutex is held.
type Coordinator struct {
	idp      IdentityProvider
	now      func() time.Time
	newToken func() (string, error)

	initMu   sync.RWMutex
	cfg      Config
	metadata Metadata
	client   Client

	mu      sync.Mutex
	pending map[string]PendingAuthorization
}

// NewCoordinator creates an uninitialized coordinator. A nil now uses time.Now.
func NewCoordinator(idp IdentityProvider, now func() time.Time) *Coordinator {
	if now == nil {
		now = time.Now
	}
	return &Coordinator{
		idp:      idp,
		now:      now,
		newToken: func() (string, error) { return util.RandomToken(tokenBytes) },
		pending:  make(map[string]PendingAuthorization),
	}
}

// Initialize discovers provider metadata and builds the client descriptor.
func (c *Coordinator) Initialize(ctx context.Context, cfg Config) error {
	if err := cfg.check(); err != nil {
		return err
	}

	metadata, err := c.idp.Discover(ctx, cfg.IssuerURL)
	if err != nil {
		return &InitializationError{Reason: "provider discovery", Err: err}
	}
	client, err := c.idp.NewClient(metadata, ClientConfig{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURI:  cfg.RedirectURI,
	})
	if err != nil {
		return &InitializationError{Reason: "client setup", Err: err}
	}

	c.initMu.Lock()
	c.cfg = cfg
	c.metadata = metadata
	c.client = client
	c.initMu.Unlock()

	log.Printf("oidc provider ready: issuer=%s", metadata.Issuer)
	return nil
}

// Initialized reports whether Initialize has completed.
func (c *Coordinator) Initialized() bool {
	c.initMu.RLock()
	defer c.initMu.RUnlock()
	return c.client != nil
}

func (c *Coordinator) snapshot() (Config, Metadata, Client, error) {
	c.initMu.RLock()
	defer c.initMu.RUnlock()
	if c.client == nil {
		return Config{}, Metadata{}, nil, ErrNotInitialized
	}
	return c.cfg, c.metadata, c.client, nil
}

// CreateAuthorizationRequest records a new pending attempt and returns the provider URL.
func (c *Coordinator) CreateAuthorizationRequest(redirectPath string) (AuthorizationRequest, error) {
	cfg, _, client, err := c.snapshot()
	if err != nil {
		return AuthorizationRequest{}, err
	}

	now := c.now()
	c.mu.Lock()
	c.sweepLocked(now, cfg.maxPendingAge())
	c.mu.Unlock()

	state, err := c.newToken()
	if err != nil {
		return AuthorizationRequest{}, err
	}
	nonce, err := c.newToken()
	if err != nil {
		return AuthorizationRequest{}, err
	}

	c.mu.Lock()
	c.pending[state] = PendingAuthorization{
		State:        state,
		Nonce:        nonce,
		RedirectPath: SanitizeRedirectPath(redirectPath),
		CreatedAt:    now,
	}
	c.mu.Unlock()

	authURL, err := client.AuthorizationURL(AuthorizationParams{
		Scope:        cfg.Scope,
		State:        state,
		Nonce:        nonce,
		RedirectURI:  cfg.RedirectURI,
		Prompt:       cfg.Prompt,
		ResponseMode: cfg.ResponseMode,
	})
	if err != nil {
		c.mu.Lock()
		delete(c.pending, state)
		c.mu.Unlock()
		return AuthorizationRequest{}, err
	}
	return AuthorizationRequest{URL: authURL, State: state}, nil
}

// ParseCallback extracts callback parameters from a redirect query or form body.
func (c *Coordinator) ParseCallback(values url.Values) (CallbackParams, error) {
	_, _, client, err := c.snapshot()
	if err != nil {
		return CallbackParams{}, err
	}
	return client.CallbackParams(values), nil
}

// HandleAuthorizationCallback consumes the pending state before anything else,
// so a state can be redeemed at most once.
func (c *Coordinator) HandleAuthorizationCallback(ctx context.Context, params CallbackParams) (CallbackResult, error) {
	cfg, _, client, err := c.snapshot()
	if err != nil {
		return CallbackResult{}, err
	}
	if params.State == "" {
		return CallbackResult{}, ErrInvalidState
	}

	pending, ok := c.consume(params.State)
	if !ok {
		return CallbackResult{}, ErrInvalidState
	}
	if c.now().Sub(pending.CreatedAt) > cfg.maxPendingAge() {
		return CallbackResult{}, ErrInvalidState
	}

	tokens, err := client.Exchange(ctx, cfg.RedirectURI, params, Checks{
		State: pending.State,
		Nonce: pending.Nonce,
	})
	if err != nil {
		return CallbackResult{}, &ExchangeError{Err: err}
	}

	result := CallbackResult{Tokens: tokens, RedirectPath: pending.RedirectPath}
	if tokens.AccessToken != "" {
		info, err := client.UserInfo(ctx, tokens)
		if err != nil {
			log.Printf("%v", &ProfileFetchError{Err: err})
		} else {
			result.UserInfo = &info
		}
	}
	return result, nil
}

func (c *Coordinator) consume(state string) (PendingAuthorization, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	pending, ok := c.pending[state]
	delete(c.pending, state)
	return pending, ok
}

// Sweep discards pending attempts older than the maximum pending age.
func (c *Coordinator) Sweep() int {
	cfg, _, _, err := c.snapshot()
	if err != nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sweepLocked(c.now(), cfg.maxPendingAge())
}

func (c *Coordinator) sweepLocked(now time.Time, maxAge time.Duration) int {
	removed := 0
	for state, pending := range c.pending {
		if now.Sub(pending.CreatedAt) > maxAge {
			delete(c.pending, state)
			removed++
		}
	}
	return removed
}

// LogoutURL returns the provider end-session URL. Logout is best effort: any
// failure is logged and reported as no URL.
func (c *Coordinator) LogoutURL(idToken string) (string, bool) {
	if idToken == "" {
		return "", false
	}
	logoutURL, err := c.endSessionURL(idToken)
	if err != nil {
		log.Printf("oidc logout url unavailable: %v", err)
		return "", false
	}
	return logoutURL, true
}

func (c *Coordinator) endSessionURL(idToken string) (string, error) {
	cfg, _, client, err := c.snapshot()
	if err != nil {
		return "", err
	}
	return client.EndSessionURL(idToken, cfg.PostLogoutRedirectURI)
}

// ProviderInfo returns the issuer and a display name from cached metadata.
func (c *Coordinator) ProviderInfo() (ProviderInfo, error) {
	cfg, metadata, _, err := c.snapshot()
	if err != nil {
		return ProviderInfo{}, err
	}
	name := strings.TrimSpace(cfg.ProviderName)
	if name == "" {
		name = metadata.Issuer
		if parsed, err := url.Parse(metadata.Issuer); err == nil && parsed.Host != "" {
			name = parsed.Host
		}
	}
	return ProviderInfo{Issuer: metadata.Issuer, Name: name}, nil
}

// SanitizeRedirectPath keeps same-origin absolute paths and maps everything
// else to "/". Browsers drop tab and newline from URLs, so any control
// character is rejected before the prefix checks.
func SanitizeRedirectPath(redirectPath string) string {
	if !strings.HasPrefix(redirectPath, "/") {
		return "/"
	}
	if strings.IndexFunc(redirectPath, isControl) >= 0 {
		return "/"
	}
	if strings.HasPrefix(redirectPath, "//") || strings.HasPrefix(redirectPath, "/\\") {
		return "/"
	}
	parsed, err := url.Parse(redirectPath)
	if err != nil || parsed.Scheme != "" || parsed.Host != "" {
		return "/"
	}
	return redirectPath
}

func isControl(r rune) bool {
	return r < 0x20 || r == 0x7f
}
