package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newTokenService(t *testing.T) *Service {
	t.Helper()
	svc, err := NewService(Config{Mode: ModeToken, Tokens: []Token{
		{Name: "reader", Secret: "read-token", Permissions: []string{PermissionTasksRead}},
		{Name: "ops", Secret: "ops-token", Permissions: []string{PermissionAdmin}},
	}})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return svc
}

func TestAuthenticateRequest(t *testing.T) {
	svc := newTokenService(t)
	ctx := context.Background()

	subject, err := svc.AuthenticateRequest(ctx, "Bearer read-token")
	if err != nil || subject.Name != "reader" {
		t.Fatalf("unexpected subject %+v %v", subject, err)
	}
	if !subject.HasPermission("TASKS:READ") || subject.HasPermission(PermissionTasksWrite) {
		t.Fatalf("unexpected permissions for reader")
	}

	if _, err := svc.AuthenticateRequest(ctx, ""); err != ErrMissingToken {
		t.Fatalf("expected missing token, got %v", err)
	}
	if _, err := svc.AuthenticateRequest(ctx, "Basic abc"); err != ErrInvalidToken {
		t.Fatalf("expected invalid token, got %v", err)
	}
	if _, err := svc.AuthenticateRequest(ctx, "Bearer nope"); err != ErrInvalidToken {
		t.Fatalf("expected invalid token, got %v", err)
	}

	admin, _ := svc.AuthenticateRequest(ctx, "bearer ops-token")
	if err := admin.Authorize(PermissionTasksWrite, PermissionTasksRead); err != nil {
		t.Fatalf("admin should have every permission: %v", err)
	}
}

func TestNewServiceValidation(t *testing.T) {
	if _, err := NewService(Config{Mode: ModeToken}); err == nil {
		t.Fatalf("token mode without tokens should fail")
	}
	if _, err := NewService(Config{Mode: ModeToken, Tokens: []Token{{Name: "x"}}}); err == nil {
		t.Fatalf("token without secret should fail")
	}
	if _, err := NewService(Config{Mode: "oauth"}); err == nil {
		t.Fatalf("unknown mode should fail")
	}
	svc, err := NewService(Config{})
	if err != nil || svc.Enabled() {
		t.Fatalf("empty mode means disabled: %v", err)
	}
}

func TestMiddleware(t *testing.T) {
	svc := newTokenService(t)
	var seen *Subject
	handler := svc.Middleware(MiddlewareConfig{RequiredPermissions: map[string][]string{
		http.MethodGet:  {PermissionTasksRead},
		http.MethodPost: {PermissionTasksWrite},
	}})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = SubjectFromContext(r.Context())
		w.WriteHeader(http.StatusAccepted)
	}))

	cases := []struct {
		method, token string
		status        int
	}{
		{http.MethodGet, "", http.StatusUnauthorized},
		{http.MethodGet, "Bearer read-token", http.StatusAccepted},
		{http.MethodPost, "Bearer read-token", http.StatusForbidden},
		{http.MethodPost, "Bearer ops-token", http.StatusAccepted},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(tc.method, "/api/v1/tasks", nil)
		if tc.token != "" {
			req.Header.Set("Authorization", tc.token)
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != tc.status {
			t.Fatalf("%s %q: got %d want %d", tc.method, tc.token, rec.Code, tc.status)
		}
	}
	if seen == nil || seen.Name != "ops" {
		t.Fatalf("subject not propagated: %+v", seen)
	}

	disabled, _ := NewService(Config{Mode: ModeDisabled})
	rec := httptest.NewRecorder()
	disabled.Middleware(MiddlewareConfig{})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("disabled auth should pass through, got %d", rec.Code)
	}
}
