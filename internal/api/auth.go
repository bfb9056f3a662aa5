package api

import (
	"context"
	"net/http"
	"strings"

	"multicam-live/internal/observability/logging"
)

type contextKey string

const ownerContextKey contextKey = "operatorOwner"

// ContextWithOwner stores the authenticated owner in the provided context.
func ContextWithOwner(ctx context.Context, ownerID string) context.Context {
	return context.WithValue(ctx, ownerContextKey, ownerID)
}

func ownerFromContext(ctx context.Context) (string, bool) {
	ownerID, ok := ctx.Value(ownerContextKey).(string)
	return ownerID, ok && ownerID != ""
}

// ExtractToken returns the bearer token on the request.
func ExtractToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
	}
	return ""
}

// Browsers cannot set headers on a websocket handshake, so the session
// endpoint also accepts the token as a query parameter.
func sessionToken(r *http.Request) string {
	if token := ExtractToken(r); token != "" {
		return token
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

func (h *Handler) requireOwner(extract func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := extract(r)
			if token == "" {
				WriteError(w, http.StatusUnauthorized, "unauthenticated", "missing operator token")
				return
			}
			ownerID, ok := h.tokens.Resolve(token)
			if !ok {
				WriteError(w, http.StatusUnauthorized, "unauthenticated", "invalid operator token")
				return
			}
			ctx := ContextWithOwner(r.Context(), ownerID)
			ctx = logging.ContextWithOwner(ctx, ownerID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
