package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestAdminAuthMiddleware(t *testing.T) {
	tests := []struct {
		name       string
		token      string
		header     string
		wantStatus int
	}{
		{"valid token", "secret", "Bearer secret", http.StatusOK},
		{"wrong token", "secret", "Bearer nope", http.StatusUnauthorized},
		{"missing header", "secret", "", http.StatusUnauthorized},
		{"not bearer", "secret", "Basic secret", http.StatusUnauthorized},
		{"unconfigured token rejects all", "", "Bearer ", http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotActor string
			handler := NewAdminAuthMiddleware(tt.token)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				gotActor, _ = ActorFromContext(r.Context())
				w.WriteHeader(http.StatusOK)
			}))

			req := httptest.NewRequest(http.MethodPost, "/api/send/execute", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if tt.wantStatus == http.StatusOK && gotActor != ActorAdmin {
				t.Errorf("actor = %q, want %q", gotActor, ActorAdmin)
			}
		})
	}
}

func TestSharedTokenMiddleware(t *testing.T) {
	handler := NewSharedTokenMiddleware("X-Shared-Token", "provider-secret")(okHandler())

	req := httptest.NewRequest(http.MethodPost, "/api/provider/callback", nil)
	req.Header.Set("X-Shared-Token", "provider-secret")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("valid token: status = %d, want %d", w.Code, http.StatusOK)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/provider/callback", nil)
	req.Header.Set("X-Shared-Token", "other")
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("invalid token: status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
}

func TestActorFromContext_Missing(t *testing.T) {
	_, err := ActorFromContext(context.Background())
	if !errors.Is(err, ErrNoActor) {
		t.Errorf("err = %v, want ErrNoActor", err)
	}

	actor, err := ActorFromContext(ContextWithActor(context.Background(), "ops"))
	if err != nil || actor != "ops" {
		t.Errorf("actor = %q, err = %v, want ops", actor, err)
	}
}
