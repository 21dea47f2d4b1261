package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"nextexplorer/api/internal/auth"
	"nextexplorer/api/internal/config"
	"nextexplorer/api/internal/discovery"
	"nextexplorer/api/internal/oidc"
	"nextexplorer/api/internal/rbac"
	"nextexplorer/api/internal/session"
	"nextexplorer/api/internal/store"
	"nextexplorer/api/internal/util"
	"nextexplorer/api/internal/wopi"
)

type Session struct {
	Token     string
	SessionID string
	UserID    string
	UserName  string
	Email     string
	Role      string
	IDToken   string
	ExpiresAt time.Time
}

type Launch struct {
	URL            string `json:"url"`
	AccessToken    string `json:"accessToken"`
	AccessTokenTTL int64  `json:"accessTokenTtl"`
	FileID         string `json:"fileId"`
	Action         string `json:"action"`
}

// LockRequest is one WOPI lock call. Override is the X-WOPI-Override verb.
type LockRequest struct {
	FileID      string
	AccessToken string
	Override    string
	Lock        string
	OldLock     string
}

type userStore interface {
	EnsureUser(context.Context, store.Identity, string) (store.User, error)
	GetUserByID(context.Context, string) (store.User, error)
	SetRole(context.Context, string, string) error
	Ping(context.Context) error
}

type signInFlow interface {
	CreateAuthorizationRequest(redirectPath string) (oidc.AuthorizationRequest, error)
	ParseCallback(url.Values) (oidc.CallbackParams, error)
	HandleAuthorizationCallback(context.Context, oidc.CallbackParams) (oidc.CallbackResult, error)
	LogoutURL(idToken string) (string, bool)
	ProviderInfo() (oidc.ProviderInfo, error)
	Initialized() bool
}

type officeCatalog interface {
	Table(context.Context) (discovery.Table, error)
}

type Service struct {
	cfg      config.Config
	users    userStore
	sessions session.Store
	locks    *wopi.Registry
	flow     signInFlow
	office   officeCatalog
	now      func() time.Time
}

// New wires the service. flow and office may be nil when sign-in or the
// office integration is disabled.
func New(cfg config.Config, users *store.PostgresStore, sessions session.Store, flow *oidc.Coordinator, office *discovery.Client) *Service {
	svc := &Service{
		cfg:      cfg,
		users:    users,
		sessions: sessions,
		locks:    wopi.NewRegistry(cfg.LockTTL),
		now:      time.Now,
	}
	if flow != nil {
		svc.flow = flow
	}
	if office != nil {
		svc.office = office
	}
	return svc
}

func (s *Service) PingDatabase(ctx context.Context) error {
	return s.users.Ping(ctx)
}

func (s *Service) PingSessions(ctx context.Context) error {
	return s.sessions.Ping(ctx)
}

// SignInReady reports whether federated sign-in is configured and whether
// the provider has been initialized.
func (s *Service) SignInReady() (configured, ready bool) {
	if s.flow == nil {
		return false, false
	}
	return true, s.flow.Initialized()
}

func (s *Service) BeginLogin(redirectPath string) (oidc.AuthorizationRequest, error) {
	if s.flow == nil {
		return oidc.AuthorizationRequest{}, oidc.ErrNotInitialized
	}
	return s.flow.CreateAuthorizationRequest(redirectPath)
}

// CompleteLogin redeems a provider callback and opens a local session.
func (s *Service) CompleteLogin(ctx context.Context, values url.Values) (Session, string, error) {
	if s.flow == nil {
		return Session{}, "", oidc.ErrNotInitialized
	}
	params, err := s.flow.ParseCallback(values)
	if err != nil {
		return Session{}, "", err
	}
	result, err := s.flow.HandleAuthorizationCallback(ctx, params)
	if err != nil {
		return Session{}, "", err
	}

	identity, err := identityFromResult(result)
	if err != nil {
		return Session{}, "", &oidc.ExchangeError{Err: err}
	}
	user, err := s.users.EnsureUser(ctx, identity, s.cfg.DefaultRole)
	if err != nil {
		return Session{}, "", err
	}

	sess, err := s.openSession(ctx, user, result.Tokens.IDToken)
	if err != nil {
		return Session{}, "", err
	}
	log.Printf("signed in user %s via %s", user.ID, identity.Issuer)
	return sess, result.RedirectPath, nil
}

func identityFromResult(result oidc.CallbackResult) (store.Identity, error) {
	claims := result.Tokens.Claims
	identity := store.Identity{
		Issuer:      oidc.ClaimString(claims, "iss"),
		Subject:     oidc.ClaimString(claims, "sub"),
		Email:       oidc.ClaimString(claims, "email"),
		DisplayName: oidc.ClaimString(claims, "name"),
		Username:    oidc.ClaimString(claims, "preferred_username"),
	}
	if info := result.UserInfo; info != nil {
		if info.Subject != "" {
			identity.Subject = info.Subject
		}
		if info.Email != "" {
			identity.Email = info.Email
		}
		if info.Name != "" {
			identity.DisplayName = info.Name
		}
		if info.PreferredUsername != "" {
			identity.Username = info.PreferredUsername
		}
	}
	if identity.Subject == "" || identity.Issuer == "" {
		return store.Identity{}, errors.New("id_token carries no subject or issuer")
	}
	if identity.Username == "" {
		identity.Username = identity.Email
	}
	if identity.Username == "" {
		identity.Username = identity.Subject
	}
	return identity, nil
}

func (s *Service) openSession(ctx context.Context, user store.User, idToken string) (Session, error) {
	now := s.now()
	expiresAt := now.Add(s.cfg.SessionTTL)
	sessionID, err := util.NewID("ses")
	if err != nil {
		return Session{}, err
	}

	if err := s.sessions.Save(ctx, sessionID, session.Data{
		UserID:    user.ID,
		Username:  user.Username,
		Email:     user.Email,
		Role:      user.Role,
		Issuer:    user.Issuer,
		IDToken:   idToken,
		CreatedAt: now,
	}, s.cfg.SessionTTL); err != nil {
		return Session{}, err
	}

	token, err := auth.IssueToken([]byte(s.cfg.SessionSecret), auth.Claims{
		Kind: auth.KindSession,
		Sub:  user.ID,
		Name: user.Username,
		Role: user.Role,
		SID:  sessionID,
		Exp:  expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	return Session{
		Token:     token,
		SessionID: sessionID,
		UserID:    user.ID,
		UserName:  user.Username,
		Email:     user.Email,
		Role:      user.Role,
		IDToken:   idToken,
		ExpiresAt: expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.SessionSecret), token, s.now())
	if err != nil {
		return Session{}, err
	}
	if claims.Kind != auth.KindSession {
		return Session{}, auth.ErrInvalidToken
	}
	data, err := s.sessions.Lookup(ctx, claims.SID)
	if errors.Is(err, session.ErrNotFound) {
		return Session{}, auth.ErrInvalidToken
	}
	if err != nil {
		return Session{}, err
	}
	if data.UserID != claims.Sub {
		return Session{}, auth.ErrInvalidToken
	}

	return Session{
		Token:     token,
		SessionID: claims.SID,
		UserID:    data.UserID,
		UserName:  data.Username,
		Email:     data.Email,
		Role:      data.Role,
		IDToken:   data.IDToken,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

// Logout ends the local session and returns the provider logout URL, if any.
// It never fails: an unknown token simply has nothing to revoke.
func (s *Service) Logout(ctx context.Context, token string) (string, bool) {
	if token == "" {
		return "", false
	}
	sess, err := s.SessionFromToken(ctx, token)
	if err != nil {
		return "", false
	}
	if err := s.sessions.Revoke(ctx, sess.SessionID); err != nil {
		log.Printf("revoke session %s: %v", sess.SessionID, err)
	}
	if s.flow == nil || sess.IDToken == "" {
		return "", false
	}
	return s.flow.LogoutURL(sess.IDToken)
}

func (s *Service) ProviderInfo() (oidc.ProviderInfo, error) {
	if s.flow == nil {
		return oidc.ProviderInfo{}, oidc.ErrNotInitialized
	}
	return s.flow.ProviderInfo()
}

// LaunchEditor resolves the editor URL for filePath and mints a WOPI access
// token bound to the file.
func (s *Service) LaunchEditor(ctx context.Context, sess Session, filePath, action string) (Launch, error) {
	filePath = strings.TrimSpace(filePath)
	if filePath == "" {
		return Launch{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "path is required", nil)
	}
	requested := rbac.Action(strings.ToLower(strings.TrimSpace(action)))
	if requested == "" {
		requested = rbac.ActionEdit
	}
	if requested != rbac.ActionEdit && requested != rbac.ActionView {
		return Launch{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "action must be edit or view", nil)
	}
	if s.office == nil {
		return Launch{}, domainError(http.StatusServiceUnavailable, "OFFICE_DISABLED", "No office server is configured", nil)
	}

	table, err := s.office.Table(ctx)
	if err != nil {
		return Launch{}, fmt.Errorf("%w: %w", errOfficeUnavailable, err)
	}

	ext := path.Ext(filePath)
	if !table.Supports(ext) {
		return Launch{}, unsupportedFileType(ext)
	}
	effective := rbac.Effective(rbac.Normalize(sess.Role), requested)
	template, ok := table.Lookup(ext, string(effective))
	if !ok && effective == rbac.ActionEdit {
		effective = rbac.ActionView
		template, ok = table.Lookup(ext, string(effective))
	}
	if !ok {
		return Launch{}, unsupportedFileType(ext)
	}

	fileID := wopi.FileID(filePath)
	expiresAt := s.now().Add(s.cfg.WOPITokenTTL)
	accessToken, err := auth.IssueToken([]byte(s.cfg.SessionSecret), auth.Claims{
		Kind: auth.KindWOPI,
		Sub:  sess.UserID,
		Name: sess.UserName,
		Role: string(wopiRole(effective)),
		FID:  fileID,
		Exp:  expiresAt.Unix(),
	})
	if err != nil {
		return Launch{}, err
	}

	launchURL, err := discovery.LaunchURL(template, strings.TrimRight(s.cfg.PublicURL, "/")+"/wopi/files/"+fileID)
	if err != nil {
		return Launch{}, fmt.Errorf("build launch url: %w", err)
	}
	return Launch{
		URL:            launchURL,
		AccessToken:    accessToken,
		AccessTokenTTL: expiresAt.UnixMilli(),
		FileID:         fileID,
		Action:         string(effective),
	}, nil
}

func unsupportedFileType(ext string) error {
	return domainError(http.StatusUnsupportedMediaType, "UNSUPPORTED_FILE_TYPE", "The office server cannot open this file type", map[string]any{"extension": ext})
}

// The WOPI token carries the launched action's role so a view session can
// never take a lock.
func wopiRole(action rbac.Action) rbac.Role {
	if action == rbac.ActionEdit {
		return rbac.RoleEditor
	}
	return rbac.RoleViewer
}

const (
	overrideLock        = "LOCK"
	overrideGetLock     = "GET_LOCK"
	overrideRefreshLock = "REFRESH_LOCK"
	overrideUnlock      = "UNLOCK"
)

// HandleLock authorizes a WOPI lock call and applies it to the registry.
func (s *Service) HandleLock(req LockRequest) (wopi.Result, error) {
	now := s.now()
	claims, err := auth.ParseWOPIToken([]byte(s.cfg.SessionSecret), req.AccessToken, req.FileID, now)
	if err != nil {
		return wopi.Result{}, err
	}

	override := strings.ToUpper(strings.TrimSpace(req.Override))
	if override == overrideGetLock {
		id, _ := s.locks.GetLock(req.FileID, now)
		return wopi.Result{Status: wopi.StatusOK, CurrentLockID: id}, nil
	}
	if override != overrideLock && override != overrideRefreshLock && override != overrideUnlock {
		return wopi.Result{}, domainError(http.StatusNotImplemented, "UNSUPPORTED_OVERRIDE", "Unsupported X-WOPI-Override", map[string]any{"override": req.Override})
	}
	if !rbac.CanLock(rbac.Normalize(claims.Role)) {
		return wopi.Result{}, domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}
	if req.Lock == "" {
		return wopi.Result{}, domainError(http.StatusBadRequest, "MISSING_LOCK", "X-WOPI-Lock is required", nil)
	}

	ttl := s.locks.DefaultTTL()
	switch override {
	case overrideLock:
		if req.OldLock != "" {
			return s.locks.TryUnlockAndRelock(req.FileID, req.OldLock, req.Lock, now, ttl), nil
		}
		return s.locks.TryLock(req.FileID, req.Lock, now, ttl), nil
	case overrideRefreshLock:
		return s.locks.TryRefreshLock(req.FileID, req.Lock, now, ttl), nil
	default:
		return s.locks.TryUnlock(req.FileID, req.Lock, now), nil
	}
}

// ResetLocks drops every lock. Admin only.
func (s *Service) ResetLocks(sess Session) error {
	if err := requireAdmin(sess); err != nil {
		return err
	}
	n := s.locks.Len()
	s.locks.ResetAllLocks()
	log.Printf("reset %d wopi locks by %s", n, sess.UserID)
	return nil
}

func requireAdmin(sess Session) error {
	if rbac.Normalize(sess.Role) != rbac.RoleAdmin {
		return domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}
	return nil
}

func (s *Service) GetUser(ctx context.Context, sess Session, userID string) (store.User, error) {
	if err := requireAdmin(sess); err != nil {
		return store.User{}, err
	}
	return s.users.GetUserByID(ctx, userID)
}

// SetUserRole changes a stored role. Open sessions keep the role they were
// issued with until they expire.
func (s *Service) SetUserRole(ctx context.Context, sess Session, userID, role string) (store.User, error) {
	if err := requireAdmin(sess); err != nil {
		return store.User{}, err
	}
	role = strings.ToLower(strings.TrimSpace(role))
	if rbac.Normalize(role) != rbac.Role(role) {
		return store.User{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "role must be viewer, editor or admin", map[string]any{"role": role})
	}
	if userID == sess.UserID && rbac.Role(role) != rbac.RoleAdmin {
		return store.User{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "admins cannot remove their own admin role", nil)
	}
	if err := s.users.SetRole(ctx, userID, role); err != nil {
		return store.User{}, err
	}
	log.Printf("role of user %s set to %s by %s", userID, role, sess.UserID)
	return s.users.GetUserByID(ctx, userID)
}
