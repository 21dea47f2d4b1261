package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"nextexplorer/api/internal/auth"
	"nextexplorer/api/internal/discovery"
	"nextexplorer/api/internal/oidc"
	"nextexplorer/api/internal/store"
	"nextexplorer/api/internal/wopi"
)

const sessionCookie = "nextexplorer_session"

type HTTPServer struct {
	service    *Service
	corsOrigin string
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		s.handleReady(w, r)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/auth/oidc/login" {
		req, err := s.service.BeginLogin(r.URL.Query().Get("redirect"))
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		http.Redirect(w, r, req.URL, http.StatusFound)
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodPost) && r.URL.Path == "/api/auth/oidc/callback" {
		s.handleCallback(w, r)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/auth/oidc/provider" {
		info, err := s.service.ProviderInfo()
		if errors.Is(err, oidc.ErrNotInitialized) {
			writeJSON(w, http.StatusOK, map[string]any{"enabled": false})
			return
		}
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"enabled": true, "issuer": info.Issuer, "name": info.Name})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/logout" {
		logoutURL, ok := s.service.Logout(r.Context(), sessionToken(r))
		http.SetCookie(w, &http.Cookie{Name: sessionCookie, Value: "", Path: "/", MaxAge: -1, HttpOnly: true, SameSite: http.SameSiteLaxMode})
		var payload any
		if ok {
			payload = logoutURL
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "logoutUrl": payload})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/session" {
		token := sessionToken(r)
		if token == "" {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "userName": nil})
			return
		}
		session, err := s.service.SessionFromToken(r.Context(), token)
		if err != nil {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "userName": nil})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"authenticated": true, "userName": session.UserName, "userId": session.UserID, "role": session.Role})
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) == 3 && parts[0] == "wopi" && parts[1] == "files" {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
			return
		}
		s.handleWOPILock(w, r, parts[2])
		return
	}

	session, ok := s.requireSession(w, r)
	if !ok {
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/office/launch" {
		query := r.URL.Query()
		launch, err := s.service.LaunchEditor(r.Context(), session, query.Get("path"), query.Get("action"))
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, launch)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/admin/wopi/locks/reset" {
		if err := s.service.ResetLocks(session); err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if len(parts) == 4 && parts[0] == "api" && parts[1] == "admin" && parts[2] == "users" && r.Method == http.MethodGet {
		user, err := s.service.GetUser(r.Context(), session, parts[3])
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"user": userView(user)})
		return
	}

	if len(parts) == 5 && parts[0] == "api" && parts[1] == "admin" && parts[2] == "users" && parts[4] == "role" && r.Method == http.MethodPut {
		var body struct {
			Role string `json:"role"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		user, err := s.service.SetUserRole(r.Context(), session, parts[3], body.Role)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"user": userView(user)})
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func userView(user store.User) map[string]any {
	return map[string]any{
		"id":          user.ID,
		"issuer":      user.Issuer,
		"subject":     user.Subject,
		"username":    user.Username,
		"email":       user.Email,
		"displayName": user.DisplayName,
		"role":        user.Role,
		"createdAt":   user.CreatedAt,
		"lastLoginAt": user.LastLoginAt,
	}
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{}
	for name, ping := range map[string]func(context.Context) error{
		"database": s.service.PingDatabase,
		"sessions": s.service.PingSessions,
	} {
		if err := ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks[name] = map[string]any{"status": "error", "error": err.Error()}
			continue
		}
		checks[name] = map[string]any{"status": "ok"}
	}
	if configured, ready := s.service.SignInReady(); configured {
		if ready {
			checks["oidc"] = map[string]any{"status": "ok"}
		} else {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["oidc"] = map[string]any{"status": "error", "error": "provider not initialized"}
		}
	}

	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

// handleCallback accepts both query and form_post delivery.
func (s *HTTPServer) handleCallback(w http.ResponseWriter, r *http.Request) {
	values := r.URL.Query()
	if r.Method == http.MethodPost {
		if err := r.ParseForm(); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", "invalid form body", nil)
			return
		}
		values = r.PostForm
	}

	session, redirectPath, err := s.service.CompleteLogin(r.Context(), values)
	if err != nil {
		log.Printf("oidc callback failed: %v", err)
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    session.Token,
		Path:     "/",
		Expires:  session.ExpiresAt,
		HttpOnly: true,
		Secure:   strings.HasPrefix(s.service.cfg.PublicURL, "https://"),
		SameSite: http.SameSiteLaxMode,
	})
	http.Redirect(w, r, redirectPath, http.StatusFound)
}

func (s *HTTPServer) handleWOPILock(w http.ResponseWriter, r *http.Request, fileID string) {
	result, err := s.service.HandleLock(LockRequest{
		FileID:      fileID,
		AccessToken: r.URL.Query().Get("access_token"),
		Override:    r.Header.Get("X-WOPI-Override"),
		Lock:        r.Header.Get("X-WOPI-Lock"),
		OldLock:     r.Header.Get("X-WOPI-OldLock"),
	})
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}

	switch result.Status {
	case wopi.StatusOK:
		w.Header().Set("X-WOPI-Lock", result.CurrentLockID)
		writeJSON(w, http.StatusOK, map[string]any{})
	case wopi.StatusNotFound:
		w.Header().Set("X-WOPI-Lock", "")
		w.Header().Set("X-WOPI-LockFailureReason", "lock not found")
		writeJSON(w, http.StatusConflict, map[string]any{})
	default:
		w.Header().Set("X-WOPI-Lock", result.CurrentLockID)
		w.Header().Set("X-WOPI-LockFailureReason", "locked by another session")
		writeJSON(w, http.StatusConflict, map[string]any{})
	}
}

func (s *HTTPServer) requireSession(w http.ResponseWriter, r *http.Request) (Session, bool) {
	token := sessionToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return Session{}, false
	}
	session, err := s.service.SessionFromToken(r.Context(), token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) || errors.Is(err, auth.ErrInvalidToken) {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return Session{}, false
		}
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Session lookup failed", nil)
		return Session{}, false
	}
	return session, true
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID, X-WOPI-Override, X-WOPI-Lock, X-WOPI-OldLock")
	header.Set("Access-Control-Expose-Headers", "X-WOPI-Lock, X-WOPI-LockFailureReason")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,OPTIONS")
	header.Set("Cache-Control", "no-store")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(target); err != nil {
		return errors.New("invalid JSON body")
	}
	return nil
}

// sessionToken prefers the Authorization header over the session cookie.
func sessionToken(r *http.Request) string {
	if token := bearerToken(r); token != "" {
		return token
	}
	if cookie, err := r.Cookie(sessionCookie); err == nil {
		return strings.TrimSpace(cookie.Value)
	}
	return ""
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	var exchangeErr *oidc.ExchangeError
	var parseErr *discovery.ParseError
	switch {
	case errors.Is(err, oidc.ErrInvalidState):
		return http.StatusUnauthorized, "INVALID_STATE", "Please sign in again", nil
	case errors.As(err, &exchangeErr):
		return http.StatusUnauthorized, "SIGN_IN_FAILED", "Sign-in failed", nil
	case errors.Is(err, oidc.ErrNotInitialized):
		return http.StatusServiceUnavailable, "AUTH_UNAVAILABLE", "Single sign-on is not configured", nil
	case errors.Is(err, errOfficeUnavailable), errors.As(err, &parseErr):
		return http.StatusBadGateway, "OFFICE_UNAVAILABLE", "Office server is unavailable", nil
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrExpiredToken):
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
