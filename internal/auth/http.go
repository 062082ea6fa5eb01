// ABOUTME: HTTP middleware for JWT authentication on API endpoints
// ABOUTME: Extracts the bearer token, adds the caller's identity to the request context

package auth

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
)

// Development-mode identity headers, honored only when no verifier is configured.
const (
	HeaderAgentID        = "X-Agent-ID"
	HeaderOrganizationID = "X-Organization-ID"
	HeaderRole           = "X-Role"
)

// extractBearerToken extracts a bearer token from the Authorization header.
// Returns the token and an error message (empty if successful).
func extractBearerToken(authHeader string) (string, string) {
	if authHeader == "" {
		return "", "missing authorization header"
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", "invalid authorization header format"
	}
	token := strings.TrimPrefix(authHeader, "Bearer ")
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}

func writeError(w http.ResponseWriter, msg string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// logAuthFailure records a rejected request without leaking the token.
func logAuthFailure(logger *slog.Logger, r *http.Request, reason, detail string) {
	logger.Warn("http auth failure",
		"reason", reason,
		"detail", detail,
		"method", r.Method,
		"path", r.URL.Path,
		"remote_addr", r.RemoteAddr)
}

// HTTPAuthMiddleware authenticates every request. With a nil verifier it runs in
// development mode and trusts the X-Agent-ID, X-Organization-ID and X-Role headers.
func HTTPAuthMiddleware(verifier TokenVerifier, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "auth")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if verifier == nil {
				id, errMsg := headerIdentity(r)
				if errMsg != "" {
					logAuthFailure(logger, r, "dev_headers_invalid", errMsg)
					writeError(w, errMsg, http.StatusUnauthorized)
					return
				}
				next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
				return
			}

			token, errMsg := extractBearerToken(r.Header.Get("Authorization"))
			if errMsg != "" {
				logAuthFailure(logger, r, "token_extraction_failed", errMsg)
				writeError(w, errMsg, http.StatusUnauthorized)
				return
			}

			id, err := verifier.Verify(token)
			if err != nil {
				logAuthFailure(logger, r, "token_verification_failed", err.Error())
				msg := "invalid token"
				if errors.Is(err, ErrExpiredToken) {
					msg = "token expired"
				}
				writeError(w, msg, http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}

func headerIdentity(r *http.Request) (*Identity, string) {
	subject := r.Header.Get(HeaderAgentID)
	if subject == "" {
		return nil, "missing " + HeaderAgentID + " header"
	}
	id := &Identity{
		Subject:        subject,
		Role:           RoleAgent,
		OrganizationID: r.Header.Get(HeaderOrganizationID),
	}
	if role := r.Header.Get(HeaderRole); role != "" {
		id.Role = Role(role)
		if !id.Role.Valid() {
			return nil, "unknown role " + role
		}
	}
	if id.Role != RoleAdmin && id.OrganizationID == "" {
		return nil, "missing " + HeaderOrganizationID + " header"
	}
	return id, ""
}

// RequireRole rejects callers that hold none of roles. Must be used after HTTPAuthMiddleware.
func RequireRole(roles ...Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := FromContext(r.Context())
			if id == nil {
				writeError(w, "not authenticated", http.StatusUnauthorized)
				return
			}
			if !id.HasRole(roles...) {
				writeError(w, "role not permitted", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
