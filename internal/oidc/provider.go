package oidc

import (
	"context"
	"net/url"
)

// Metadata is the subset of the provider discovery document the flow uses.
type Metadata struct {
	Issuer                string   `json:"issuer"`
	AuthorizationEndpoint string   `json:"authorization_endpoint"`
	TokenEndpoint         string   `json:"token_endpoint"`
	UserinfoEndpoint      string   `json:"userinfo_endpoint,omitempty"`
	JWKSURI               string   `json:"jwks_uri"`
	EndSessionEndpoint    string   `json:"end_session_endpoint,omitempty"`
	ScopesSupported       []string `json:"scopes_supported,omitempty"`
	ResponseModes         []string `json:"response_modes_supported,omitempty"`
}

// ClientConfig describes this application as a relying party.
type ClientConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string
}

type AuthorizationParams struct {
	Scope        string
	State        string
	Nonce        string
	RedirectURI  string
	Prompt       string
	ResponseMode string
}

// CallbackParams are the parameters the provider sends back to the redirect URI.
type CallbackParams struct {
	Code             string
	State            string
	Issuer           string
	Error            string
	ErrorDescription string
}

// Checks are the values recorded at request time that the callback must match.
type Checks struct {
	State string
	Nonce string
}

// TokenSet is a token endpoint response whose id_token has been validated.
type TokenSet struct {
	AccessToken  string
	TokenType    string
	RefreshToken string
	IDToken      string
	ExpiresIn    int
	Scope        string
	// Claims holds the verified id_token claims.
	Claims map[string]any
}

type UserInfo struct {
	Subject           string         `json:"sub"`
	Name              string         `json:"name,omitempty"`
	PreferredUsername string         `json:"preferred_username,omitempty"`
	Email             string         `json:"email,omitempty"`
	EmailVerified     bool           `json:"email_verified,omitempty"`
	Groups            []string       `json:"groups,omitempty"`
	Raw               map[string]any `json:"-"`
}

// IdentityProvider discovers provider metadata and builds clients from it.
type IdentityProvider interface {
	Discover(ctx context.Context, issuerURL string) (Metadata, error)
	NewClient(metadata Metadata, cfg ClientConfig) (Client, error)
}

// Client is a relying-party descriptor bound to one provider.
type Client interface {
	AuthorizationURL(params AuthorizationParams) (string, error)
	CallbackParams(values url.Values) CallbackParams
	Exchange(ctx context.Context, redirectURI string, params CallbackParams, checks Checks) (TokenSet, error)
	UserInfo(ctx context.Context, tokens TokenSet) (UserInfo, error)
	EndSessionURL(idTokenHint, postLogoutRedirectURI string) (string, error)
}

// ClaimString reads a string claim, returning "" when absent or not a string.
func ClaimString(claims map[string]any, key string) string {
	if claims == nil {
		return ""
	}
	value, _ := claims[key].(string)
	return value
}
