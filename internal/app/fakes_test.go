package app

import (
	"context"
	"net/url"
	"testing"
	"time"

	"nextexplorer/api/internal/config"
	"nextexplorer/api/internal/discovery"
	"nextexplorer/api/internal/oidc"
	"nextexplorer/api/internal/session"
	"nextexplorer/api/internal/store"
	"nextexplorer/api/internal/wopi"
)

type fakeUsers struct {
	ensureUserFn func(context.Context, store.Identity, string) (store.User, error)
	getUserFn    func(context.Context, string) (store.User, error)
	setRoleFn    func(context.Context, string, string) error
	pingFn       func(context.Context) error
}

func (f *fakeUsers) EnsureUser(ctx context.Context, identity store.Identity, defaultRole string) (store.User, error) {
	if f.ensureUserFn != nil {
		return f.ensureUserFn(ctx, identity, defaultRole)
	}
	return store.User{
		ID:       "user-" + identity.Subject,
		Issuer:   identity.Issuer,
		Subject:  identity.Subject,
		Username: identity.Username,
		Email:    identity.Email,
		Role:     defaultRole,
	}, nil
}

func (f *fakeUsers) GetUserByID(ctx context.Context, userID string) (store.User, error) {
	if f.getUserFn != nil {
		return f.getUserFn(ctx, userID)
	}
	return store.User{}, store.ErrNotFound
}

func (f *fakeUsers) SetRole(ctx context.Context, userID, role string) error {
	if f.setRoleFn != nil {
		return f.setRoleFn(ctx, userID, role)
	}
	return store.ErrNotFound
}

func (f *fakeUsers) Ping(ctx context.Context) error {
	if f.pingFn != nil {
		return f.pingFn(ctx)
	}
	return nil
}

type fakeSessions struct {
	session.Store
	pingFn func(context.Context) error
}

func (f *fakeSessions) Ping(ctx context.Context) error {
	if f.pingFn != nil {
		return f.pingFn(ctx)
	}
	return f.Store.Ping(ctx)
}

type fakeFlow struct {
	createFn       func(string) (oidc.AuthorizationRequest, error)
	handleFn       func(context.Context, oidc.CallbackParams) (oidc.CallbackResult, error)
	logoutURLFn    func(string) (string, bool)
	providerInfoFn func() (oidc.ProviderInfo, error)
	uninitialized  bool
}

func (f *fakeFlow) CreateAuthorizationRequest(redirectPath string) (oidc.AuthorizationRequest, error) {
	if f.createFn != nil {
		return f.createFn(redirectPath)
	}
	return oidc.AuthorizationRequest{URL: "https://idp.example/authorize?state=st", State: "st"}, nil
}

func (f *fakeFlow) ParseCallback(values url.Values) (oidc.CallbackParams, error) {
	return oidc.CallbackParams{Code: values.Get("code"), State: values.Get("state")}, nil
}

func (f *fakeFlow) HandleAuthorizationCallback(ctx context.Context, params oidc.CallbackParams) (oidc.CallbackResult, error) {
	if f.handleFn != nil {
		return f.handleFn(ctx, params)
	}
	return oidc.CallbackResult{}, oidc.ErrInvalidState
}

func (f *fakeFlow) LogoutURL(idToken string) (string, bool) {
	if f.logoutURLFn != nil {
		return f.logoutURLFn(idToken)
	}
	return "", false
}

func (f *fakeFlow) ProviderInfo() (oidc.ProviderInfo, error) {
	if f.providerInfoFn != nil {
		return f.providerInfoFn()
	}
	return oidc.ProviderInfo{Issuer: "https://idp.example", Name: "idp.example"}, nil
}

func (f *fakeFlow) Initialized() bool {
	return !f.uninitialized
}

type fakeOffice struct {
	tableFn func(context.Context) (discovery.Table, error)
}

func (f *fakeOffice) Table(ctx context.Context) (discovery.Table, error) {
	if f.tableFn != nil {
		return f.tableFn(ctx)
	}
	return discovery.Table{
		"docx": {
			"edit": "https://office.example/we/wordeditorframe.aspx?<ui=UI_LLCC&>",
			"view": "https://office.example/wv/wordviewerframe.aspx?<ui=UI_LLCC&>",
		},
		"pdf": {"view": "https://office.example/wv/pdf?embed=1&"},
	}, nil
}

var testNow = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

func testConfig() config.Config {
	return config.Config{
		SessionSecret: "test-session-secret",
		SessionTTL:    time.Hour,
		WOPITokenTTL:  10 * time.Hour,
		LockTTL:       30 * time.Minute,
		PublicURL:     "https://files.example",
		CORSOrigin:    "*",
		DefaultRole:   "editor",
	}
}

type testEnv struct {
	svc      *Service
	users    *fakeUsers
	sessions *fakeSessions
	flow     *fakeFlow
	office   *fakeOffice
	clock    *time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	now := testNow
	env := &testEnv{
		users:    &fakeUsers{},
		sessions: &fakeSessions{Store: session.NewMemoryStore(func() time.Time { return now })},
		flow:     &fakeFlow{},
		office:   &fakeOffice{},
		clock:    &now,
	}
	cfg := testConfig()
	env.svc = &Service{
		cfg:      cfg,
		users:    env.users,
		sessions: env.sessions,
		locks:    wopi.NewRegistry(cfg.LockTTL),
		flow:     env.flow,
		office:   env.office,
		now:      func() time.Time { return now },
	}
	return env
}

func (e *testEnv) advance(d time.Duration) {
	*e.clock = e.clock.Add(d)
}

func (e *testEnv) server() *HTTPServer {
	return NewHTTPServer(e.svc, "*")
}

func (e *testEnv) signIn(t *testing.T, role string) Session {
	t.Helper()
	sess, err := e.svc.openSession(context.Background(), store.User{
		ID:       "user-" + role,
		Issuer:   "https://idp.example",
		Subject:  role,
		Username: "avery-" + role,
		Role:     role,
	}, "id-token-"+role)
	if err != nil {
		t.Fatalf("openSession() error = %v", err)
	}
	return sess
}
