package auth

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"OpenMCP-Broadcast/pkg/logger"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	svc, err := NewService([]Grant{
		{Name: "builder", Token: "builder-token", Permissions: []string{PermissionRead, PermissionWrite}},
		{Name: "operator", Token: "operator-token", Permissions: []string{PermissionAdmin}},
		{Name: "retired", Token: "retired-token", Permissions: []string{PermissionRead}, Disabled: true},
	}, WithAuditLogger(logger.NewAuditLogger(io.Discard)))
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return svc
}

func TestMiddlewareAndRequire(t *testing.T) {
	svc := newTestService(t)
	handler := svc.Middleware()(svc.Require(PermissionConfirm)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if SubjectFromContext(r.Context()) == nil {
			t.Fatalf("subject missing from context")
		}
		w.WriteHeader(http.StatusNoContent)
	})))

	cases := []struct {
		name   string
		header string
		want   int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic builder-token", http.StatusUnauthorized},
		{"unknown", "Bearer nope", http.StatusUnauthorized},
		{"disabled", "Bearer retired-token", http.StatusForbidden},
		{"lacks permission", "Bearer builder-token", http.StatusForbidden},
		{"admin implies confirm", "bearer operator-token", http.StatusNoContent},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/v1/pending/x/confirm", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			if rec.Code != tc.want {
				t.Fatalf("status = %d, want %d", rec.Code, tc.want)
			}
		})
	}
}

func TestDisabledServicePassesThrough(t *testing.T) {
	svc, err := NewService(nil)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	if svc.Enabled() {
		t.Fatalf("service without grants must be disabled")
	}
	handler := svc.Middleware()(svc.Require(PermissionAdmin)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/api/v1/pending/x", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestNewServiceValidatesGrants(t *testing.T) {
	if _, err := NewService([]Grant{{Name: "empty"}}); err == nil {
		t.Fatalf("expected error for grant without token")
	}
	if _, err := NewService([]Grant{{Name: "a", Token: "t"}, {Name: "b", Token: "t"}}); err == nil {
		t.Fatalf("expected error for duplicated token")
	}
	t.Setenv("BROADCAST_TEST_TOKEN", "from-env")
	svc, err := NewService([]Grant{{Name: "env", TokenEnv: "BROADCAST_TEST_TOKEN", Permissions: []string{PermissionRead}}})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	subject, err := svc.AuthenticateRequest(context.Background(), "Bearer from-env")
	if err != nil || subject.Name != "env" {
		t.Fatalf("authenticate = %v, %v", subject, err)
	}
}

func TestWithSubjectSetsActor(t *testing.T) {
	ctx := WithSubject(context.Background(), &Subject{Name: "operator", Permissions: []string{PermissionAdmin}})
	if got := logger.ActorFrom(ctx); got != "operator" {
		t.Fatalf("actor = %q, want operator", got)
	}
	if subject := SubjectFromContext(ctx); subject == nil || !subject.HasPermission(PermissionConfirm) {
		t.Fatalf("subject not stored: %+v", subject)
	}
	if WithSubject(context.Background(), nil) != context.Background() {
		t.Fatal("nil subject should leave the context untouched")
	}
}
