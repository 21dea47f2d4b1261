package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"nextexplorer/api/internal/store"
)

func adminRequest(t *testing.T, env *testEnv, sess Session, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+sess.Token)
	rr := httptest.NewRecorder()
	env.server().Handler().ServeHTTP(rr, req)
	return rr
}

// userDirectory backs fakeUsers with a map so role changes are visible to reads.
func userDirectory(env *testEnv, users ...store.User) map[string]store.User {
	byID := map[string]store.User{}
	for _, user := range users {
		byID[user.ID] = user
	}
	env.users.getUserFn = func(_ context.Context, id string) (store.User, error) {
		user, ok := byID[id]
		if !ok {
			return store.User{}, store.ErrNotFound
		}
		return user, nil
	}
	env.users.setRoleFn = func(_ context.Context, id, role string) error {
		user, ok := byID[id]
		if !ok {
			return store.ErrNotFound
		}
		user.Role = role
		byID[id] = user
		return nil
	}
	return byID
}

func TestAdminGetsUser(t *testing.T) {
	env := newTestEnv(t)
	userDirectory(env, store.User{ID: "usr_1", Issuer: "https://idp.example", Subject: "sub-1", Username: "avery", Role: "viewer"})
	admin := env.signIn(t, "admin")

	rr := adminRequest(t, env, admin, http.MethodGet, "/api/admin/users/usr_1", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	user, _ := decodeJSON(t, rr)["user"].(map[string]any)
	if user["id"] != "usr_1" || user["username"] != "avery" || user["role"] != "viewer" {
		t.Fatalf("unexpected user %v", user)
	}

	rr = adminRequest(t, env, admin, http.MethodGet, "/api/admin/users/missing", "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown user, got %d", rr.Code)
	}
}

func TestAdminSetsRole(t *testing.T) {
	env := newTestEnv(t)
	byID := userDirectory(env, store.User{ID: "usr_1", Username: "avery", Role: "viewer"})
	admin := env.signIn(t, "admin")

	rr := adminRequest(t, env, admin, http.MethodPut, "/api/admin/users/usr_1/role", `{"role":"Editor"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	user, _ := decodeJSON(t, rr)["user"].(map[string]any)
	if user["role"] != "editor" || byID["usr_1"].Role != "editor" {
		t.Fatalf("expected role editor, got response %v stored %q", user, byID["usr_1"].Role)
	}
}

func TestSetRoleRejections(t *testing.T) {
	cases := []struct {
		name       string
		role       string
		target     string
		body       string
		wantStatus int
		wantCode   string
	}{
		{name: "editor is forbidden", role: "editor", target: "/api/admin/users/usr_1/role", body: `{"role":"admin"}`, wantStatus: http.StatusForbidden, wantCode: "FORBIDDEN"},
		{name: "unknown role", role: "admin", target: "/api/admin/users/usr_1/role", body: `{"role":"owner"}`, wantStatus: http.StatusUnprocessableEntity, wantCode: "VALIDATION_ERROR"},
		{name: "empty role", role: "admin", target: "/api/admin/users/usr_1/role", body: `{}`, wantStatus: http.StatusUnprocessableEntity, wantCode: "VALIDATION_ERROR"},
		{name: "bad json", role: "admin", target: "/api/admin/users/usr_1/role", body: `{`, wantStatus: http.StatusBadRequest, wantCode: "INVALID_BODY"},
		{name: "self demotion", role: "admin", target: "/api/admin/users/user-admin/role", body: `{"role":"viewer"}`, wantStatus: http.StatusUnprocessableEntity, wantCode: "VALIDATION_ERROR"},
		{name: "unknown user", role: "admin", target: "/api/admin/users/missing/role", body: `{"role":"viewer"}`, wantStatus: http.StatusNotFound, wantCode: "NOT_FOUND"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t)
			byID := userDirectory(env, store.User{ID: "usr_1", Role: "viewer"}, store.User{ID: "user-admin", Role: "admin"})
			sess := env.signIn(t, tc.role)

			rr := adminRequest(t, env, sess, http.MethodPut, tc.target, tc.body)
			if rr.Code != tc.wantStatus {
				t.Fatalf("expected %d, got %d body=%s", tc.wantStatus, rr.Code, rr.Body.String())
			}
			if code := decodeJSON(t, rr)["code"]; code != tc.wantCode {
				t.Fatalf("expected code %s, got %v", tc.wantCode, code)
			}
			if byID["usr_1"].Role != "viewer" || byID["user-admin"].Role != "admin" {
				t.Fatalf("roles changed on a rejected request: %+v", byID)
			}
		})
	}
}
