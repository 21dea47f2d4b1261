package oidc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jws"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

const (
	wellKnownPath   = "/.well-known/openid-configuration"
	maxResponseSize = 1 << 20
	clockSkew       = time.Minute
)

var errStateMismatch = errors.New("callback state does not match")

// HTTPProvider talks to a real provider over HTTP.
type HTTPProvider struct {
	httpClient *http.Client
	now        func() time.Time
}

// NewHTTPProvider uses httpClient for every provider call. A nil client gets
// a 10 second timeout.
func NewHTTPProvider(httpClient *http.Client) *HTTPProvider {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPProvider{httpClient: httpClient, now: time.Now}
}

func (p *HTTPProvider) Discover(ctx context.Context, issuerURL string) (Metadata, error) {
	endpoint := strings.TrimRight(issuerURL, "/") + wellKnownPath
	var metadata Metadata
	if err := p.getJSON(ctx, endpoint, "", &metadata); err != nil {
		return Metadata{}, fmt.Errorf("fetch provider metadata: %w", err)
	}

	switch {
	case metadata.Issuer == "":
		return Metadata{}, errors.New("provider metadata missing issuer")
	case metadata.AuthorizationEndpoint == "":
		return Metadata{}, errors.New("provider metadata missing authorization_endpoint")
	case metadata.TokenEndpoint == "":
		return Metadata{}, errors.New("provider metadata missing token_endpoint")
	case metadata.JWKSURI == "":
		return Metadata{}, errors.New("provider metadata missing jwks_uri")
	}
	if !sameIssuer(metadata.Issuer, issuerURL) {
		return Metadata{}, fmt.Errorf("provider issuer %q does not match configured %q", metadata.Issuer, issuerURL)
	}
	return metadata, nil
}

func (p *HTTPProvider) NewClient(metadata Metadata, cfg ClientConfig) (Client, error) {
	if cfg.ClientID == "" {
		return nil, errors.New("client id is required")
	}
	if _, err := url.Parse(metadata.AuthorizationEndpoint); err != nil {
		return nil, fmt.Errorf("parse authorization endpoint: %w", err)
	}
	return &providerClient{provider: p, metadata: metadata, cfg: cfg}, nil
}

func (p *HTTPProvider) getJSON(ctx context.Context, endpoint, bearer string, target any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d from %s", resp.StatusCode, endpoint)
	}
	if err := json.Unmarshal(body, target); err != nil {
		return fmt.Errorf("decode %s: %w", endpoint, err)
	}
	return nil
}

type providerClient struct {
	provider *HTTPProvider
	metadata Metadata
	cfg      ClientConfig

	keysMu sync.Mutex
	keys   jwk.Set
}

func (c *providerClient) AuthorizationURL(params AuthorizationParams) (string, error) {
	u, err := url.Parse(c.metadata.AuthorizationEndpoint)
	if err != nil {
		return "", fmt.Errorf("parse authorization endpoint: %w", err)
	}
	redirectURI := params.RedirectURI
	if redirectURI == "" {
		redirectURI = c.cfg.RedirectURI
	}

	q := u.Query()
	q.Set("response_type", "code")
	q.Set("client_id", c.cfg.ClientID)
	q.Set("redirect_uri", redirectURI)
	q.Set("scope", params.Scope)
	q.Set("state", params.State)
	q.Set("nonce", params.Nonce)
	if params.Prompt != "" {
		q.Set("prompt", params.Prompt)
	}
	if params.ResponseMode != "" {
		q.Set("response_mode", params.ResponseMode)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *providerClient) CallbackParams(values url.Values) CallbackParams {
	return CallbackParams{
		Code:             values.Get("code"),
		State:            values.Get("state"),
		Issuer:           values.Get("iss"),
		Error:            values.Get("error"),
		ErrorDescription: values.Get("error_description"),
	}
}

type tokenResponse struct {
	AccessToken      string `json:"access_token"`
	TokenType        string `json:"token_type"`
	RefreshToken     string `json:"refresh_token"`
	IDToken          string `json:"id_token"`
	ExpiresIn        int    `json:"expires_in"`
	Scope            string `json:"scope"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

func (c *providerClient) Exchange(ctx context.Context, redirectURI string, params CallbackParams, checks Checks) (TokenSet, error) {
	if params.Error != "" {
		return TokenSet{}, fmt.Errorf("provider returned %s: %s", params.Error, params.ErrorDescription)
	}
	if params.State != checks.State {
		return TokenSet{}, errStateMismatch
	}
	if params.Issuer != "" && !sameIssuer(params.Issuer, c.metadata.Issuer) {
		return TokenSet{}, fmt.Errorf("callback issuer %q does not match %q", params.Issuer, c.metadata.Issuer)
	}
	if params.Code == "" {
		return TokenSet{}, errors.New("callback missing code")
	}

	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", params.Code)
	form.Set("redirect_uri", redirectURI)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.metadata.TokenEndpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return TokenSet{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	req.SetBasicAuth(url.QueryEscape(c.cfg.ClientID), url.QueryEscape(c.cfg.ClientSecret))

	resp, err := c.provider.httpClient.Do(req)
	if err != nil {
		return TokenSet{}, fmt.Errorf("token request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return TokenSet{}, fmt.Errorf("read token response: %w", err)
	}
	var payload tokenResponse
	decodeErr := json.Unmarshal(body, &payload)
	if resp.StatusCode != http.StatusOK {
		if decodeErr == nil && payload.Error != "" {
			return TokenSet{}, fmt.Errorf("token endpoint returned %s: %s", payload.Error, payload.ErrorDescription)
		}
		return TokenSet{}, fmt.Errorf("token endpoint returned status %d", resp.StatusCode)
	}
	if decodeErr != nil {
		return TokenSet{}, fmt.Errorf("decode token response: %w", decodeErr)
	}
	if payload.IDToken == "" {
		return TokenSet{}, errors.New("token response missing id_token")
	}

	claims, err := c.verifyIDToken(ctx, payload.IDToken, checks.Nonce)
	if err != nil {
		return TokenSet{}, err
	}

	return TokenSet{
		AccessToken:  payload.AccessToken,
		TokenType:    payload.TokenType,
		RefreshToken: payload.RefreshToken,
		IDToken:      payload.IDToken,
		ExpiresIn:    payload.ExpiresIn,
		Scope:        payload.Scope,
		Claims:       claims,
	}, nil
}

// verifyIDToken checks signature, issuer, audience, expiry and nonce. The
// JWKS is refetched once if the first attempt fails, to pick up rotated keys.
func (c *providerClient) verifyIDToken(ctx context.Context, raw, nonce string) (map[string]any, error) {
	keys, err := c.keySet(ctx, false)
	if err != nil {
		return nil, err
	}
	token, err := c.parseIDToken(raw, keys)
	if err != nil {
		fresh, refreshErr := c.keySet(ctx, true)
		if refreshErr != nil {
			return nil, fmt.Errorf("verify id_token: %w", err)
		}
		token, err = c.parseIDToken(raw, fresh)
		if err != nil {
			return nil, fmt.Errorf("verify id_token: %w", err)
		}
	}

	got, _ := token.Get("nonce")
	if gotNonce, _ := got.(string); gotNonce == "" || gotNonce != nonce {
		return nil, errors.New("verify id_token: nonce mismatch")
	}

	claims, err := token.AsMap(ctx)
	if err != nil {
		return nil, fmt.Errorf("read id_token claims: %w", err)
	}
	return claims, nil
}

func (c *providerClient) parseIDToken(raw string, keys jwk.Set) (jwt.Token, error) {
	return jwt.Parse([]byte(raw),
		jwt.WithKeySet(keys, jws.WithInferAlgorithmFromKey(true)),
		jwt.WithValidate(true),
		jwt.WithIssuer(c.metadata.Issuer),
		jwt.WithAudience(c.cfg.ClientID),
		jwt.WithAcceptableSkew(clockSkew),
		jwt.WithClock(jwt.ClockFunc(c.provider.now)),
	)
}

func (c *providerClient) keySet(ctx context.Context, refresh bool) (jwk.Set, error) {
	c.keysMu.Lock()
	cached := c.keys
	c.keysMu.Unlock()
	if cached != nil && !refresh {
		return cached, nil
	}

	keys, err := jwk.Fetch(ctx, c.metadata.JWKSURI, jwk.WithHTTPClient(c.provider.httpClient))
	if err != nil {
		return nil, fmt.Errorf("fetch jwks: %w", err)
	}
	c.keysMu.Lock()
	c.keys = keys
	c.keysMu.Unlock()
	return keys, nil
}

func (c *providerClient) UserInfo(ctx context.Context, tokens TokenSet) (UserInfo, error) {
	if c.metadata.UserinfoEndpoint == "" {
		return UserInfo{}, errors.New("provider has no userinfo_endpoint")
	}
	if tokens.AccessToken == "" {
		return UserInfo{}, errors.New("no access token")
	}

	var raw map[string]any
	if err := c.provider.getJSON(ctx, c.metadata.UserinfoEndpoint, tokens.AccessToken, &raw); err != nil {
		return UserInfo{}, err
	}
	encoded, err := json.Marshal(raw)
	if err != nil {
		return UserInfo{}, err
	}
	var info UserInfo
	if err := json.Unmarshal(encoded, &info); err != nil {
		return UserInfo{}, fmt.Errorf("decode userinfo: %w", err)
	}
	info.Raw = raw

	if sub := ClaimString(tokens.Claims, "sub"); sub != "" && info.Subject != sub {
		return UserInfo{}, fmt.Errorf("userinfo subject %q does not match id_token subject", info.Subject)
	}
	return info, nil
}

func (c *providerClient) EndSessionURL(idTokenHint, postLogoutRedirectURI string) (string, error) {
	if c.metadata.EndSessionEndpoint == "" {
		return "", errors.New("provider has no end_session_endpoint")
	}
	u, err := url.Parse(c.metadata.EndSessionEndpoint)
	if err != nil {
		return "", fmt.Errorf("parse end_session_endpoint: %w", err)
	}
	q := u.Query()
	q.Set("id_token_hint", idTokenHint)
	q.Set("client_id", c.cfg.ClientID)
	if postLogoutRedirectURI != "" {
		q.Set("post_logout_redirect_uri", postLogoutRedirectURI)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func sameIssuer(a, b string) bool {
	return strings.TrimRight(a, "/") == strings.TrimRight(b, "/")
}
