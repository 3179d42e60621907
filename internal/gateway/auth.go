package gateway

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/basket/taskgate/internal/config"
)

// userContextKey is the context key type for the authenticated user id.
type userContextKey struct{}

// AuthMiddleware resolves every request to a user id. With auth enabled,
// the API key from the Authorization header (or X-API-Key, or api_key
// query param for SSE) is matched against the configured keys. With auth
// disabled, the caller names itself via X-User-ID; that mode is for
// local development only.
type AuthMiddleware struct {
	keys    []config.APIKeyEntry
	enabled bool
}

// NewAuthMiddleware creates an auth middleware from config.
func NewAuthMiddleware(cfg config.AuthConfig) *AuthMiddleware {
	return &AuthMiddleware{
		keys:    cfg.Keys,
		enabled: cfg.Enabled,
	}
}

// Wrap wraps an http.Handler with user resolution. Health and metrics
// endpoints stay open.
func (am *AuthMiddleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" || r.URL.Path == "/metrics" || r.URL.Path == "/metrics/prometheus" {
			next.ServeHTTP(w, r)
			return
		}

		if !am.enabled {
			userID := strings.TrimSpace(r.Header.Get("X-User-ID"))
			if userID == "" {
				writeError(w, http.StatusUnauthorized, "X-User-ID header required", nil)
				return
			}
			next.ServeHTTP(w, r.WithContext(withUserID(r.Context(), userID)))
			return
		}

		key := ExtractAPIKey(r)
		if key == "" {
			writeError(w, http.StatusUnauthorized, "missing API key", nil)
			return
		}
		entry, ok := am.lookupKey(key)
		if !ok {
			writeError(w, http.StatusForbidden, "invalid API key", nil)
			return
		}
		next.ServeHTTP(w, r.WithContext(withUserID(r.Context(), entry.UserID)))
	})
}

// ExtractAPIKey extracts an API key from request headers or query params.
// It checks, in order: Authorization: Bearer <key>, X-API-Key header,
// api_key query param.
func ExtractAPIKey(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	return r.URL.Query().Get("api_key")
}

// lookupKey uses constant-time comparison to prevent timing attacks.
func (am *AuthMiddleware) lookupKey(candidate string) (config.APIKeyEntry, bool) {
	for _, entry := range am.keys {
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(entry.Key)) == 1 {
			return entry, true
		}
	}
	return config.APIKeyEntry{}, false
}

func withUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userContextKey{}, userID)
}

// UserID retrieves the authenticated user id from the request context.
func UserID(ctx context.Context) string {
	if userID, ok := ctx.Value(userContextKey{}).(string); ok {
		return userID
	}
	return ""
}
