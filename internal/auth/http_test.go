// ABOUTME: Tests for HTTP authentication middleware
// ABOUTME: Covers token extraction, validation, development headers, role gates and failure logging

package auth

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// httpTestLogHandler captures log records for testing HTTP auth logging.
type httpTestLogHandler struct {
	mu      sync.Mutex
	records []slog.Record
}

func (h *httpTestLogHandler) Enabled(_ context.Context, _ slog.Level) bool { return true }
func (h *httpTestLogHandler) WithAttrs(_ []slog.Attr) slog.Handler         { return h }
func (h *httpTestLogHandler) WithGroup(_ string) slog.Handler              { return h }
func (h *httpTestLogHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = append(h.records, r.Clone())
	return nil
}

func (h *httpTestLogHandler) hasRecordWithReason(reason string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, r := range h.records {
		found := false
		r.Attrs(func(a slog.Attr) bool {
			if a.Key == "reason" && a.Value.String() == reason {
				found = true
				return false
			}
			return true
		})
		if found {
			return true
		}
	}
	return false
}

func serve(t *testing.T, mw func(http.Handler) http.Handler, req *http.Request) (*httptest.ResponseRecorder, *Identity) {
	t.Helper()
	var got *Identity
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = FromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})
	rec := httptest.NewRecorder()
	mw(next).ServeHTTP(rec, req)
	return rec, got
}

func TestHTTPAuthMiddleware_ValidToken(t *testing.T) {
	v := newTestVerifier(t)
	token, err := v.Generate(Identity{Subject: "agent-1", Role: RoleAgent, OrganizationID: "org-1"}, time.Hour)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/conversations", nil)
	req.Header.Set("Authorization", "Bearer "+token)

	rec, id := serve(t, HTTPAuthMiddleware(v, nil), req)
	assert.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, id)
	assert.Equal(t, "agent-1", id.Subject)
	assert.Equal(t, "org-1", id.OrganizationID)
}

func TestHTTPAuthMiddleware_Rejections(t *testing.T) {
	v := newTestVerifier(t)
	expired, err := v.Generate(Identity{Subject: "agent-1", Role: RoleAgent, OrganizationID: "org-1"}, -time.Minute)
	require.NoError(t, err)

	tests := []struct {
		name   string
		header string
		reason string
		body   string
	}{
		{"missing header", "", "token_extraction_failed", "missing authorization header"},
		{"basic auth", "Basic abc", "token_extraction_failed", "invalid authorization header format"},
		{"garbage token", "Bearer nope", "token_verification_failed", "invalid token"},
		{"expired token", "Bearer " + expired, "token_verification_failed", "token expired"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logs := &httpTestLogHandler{}
			req := httptest.NewRequest(http.MethodGet, "/api/conversations", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}

			rec, id := serve(t, HTTPAuthMiddleware(v, slog.New(logs)), req)
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
			assert.Nil(t, id)
			assert.JSONEq(t, `{"error":"`+tt.body+`"}`, rec.Body.String())
			assert.True(t, logs.hasRecordWithReason(tt.reason))
		})
	}
}

func TestHTTPAuthMiddleware_DevelopmentHeaders(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/conversations", nil)
	req.Header.Set(HeaderAgentID, "agent-9")
	req.Header.Set(HeaderOrganizationID, "org-3")

	rec, id := serve(t, HTTPAuthMiddleware(nil, nil), req)
	assert.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, id)
	assert.Equal(t, Identity{Subject: "agent-9", Role: RoleAgent, OrganizationID: "org-3"}, *id)

	missingOrg := httptest.NewRequest(http.MethodGet, "/api/conversations", nil)
	missingOrg.Header.Set(HeaderAgentID, "agent-9")
	rec, _ = serve(t, HTTPAuthMiddleware(nil, nil), missingOrg)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	admin := httptest.NewRequest(http.MethodGet, "/api/conversations", nil)
	admin.Header.Set(HeaderAgentID, "root")
	admin.Header.Set(HeaderRole, "admin")
	rec, id = serve(t, HTTPAuthMiddleware(nil, nil), admin)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, id.IsAdmin())
}

func TestRequireRole(t *testing.T) {
	tests := []struct {
		name string
		id   *Identity
		want int
	}{
		{"no identity", nil, http.StatusUnauthorized},
		{"wrong role", &Identity{Subject: "bot", Role: RoleResponder, OrganizationID: "org-1"}, http.StatusForbidden},
		{"allowed role", &Identity{Subject: "agent-1", Role: RoleAgent, OrganizationID: "org-1"}, http.StatusOK},
		{"admin", &Identity{Subject: "root", Role: RoleAdmin}, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/conversations/c1/lock", nil)
			if tt.id != nil {
				req = req.WithContext(WithIdentity(req.Context(), tt.id))
			}
			rec, _ := serve(t, RequireRole(RoleAgent), req)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}
