package server

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
)

// CORSConfig lists cross-domain browser origins, such as a hosted operator
// console, allowed to call the API and open sessions. Same-origin requests
// are always allowed.
type CORSConfig struct {
	AllowedOrigins []string
}

type corsPolicy map[string]struct{}

const (
	preflightMethods = "GET, POST, OPTIONS"
	preflightHeaders = "Content-Type, Authorization"
)

func newCORSPolicy(cfg CORSConfig) (corsPolicy, error) {
	policy := corsPolicy{}
	for _, raw := range cfg.AllowedOrigins {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		origin, err := canonicalOrigin(raw)
		if err != nil {
			return nil, fmt.Errorf("parse origin %q: %w", raw, err)
		}
		policy[origin] = struct{}{}
	}
	return policy, nil
}

// canonicalOrigin reduces an origin to lower-case scheme://host.
func canonicalOrigin(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", err
	}
	if u.Scheme == "" || u.Host == "" {
		return "", errors.New("origin must include scheme and host")
	}
	return strings.ToLower(u.Scheme) + "://" + strings.ToLower(u.Host), nil
}

// permits reports whether origin may call this server as reached by r.
func (p corsPolicy) permits(origin string, r *http.Request) bool {
	canonical, err := canonicalOrigin(origin)
	if err != nil {
		return false
	}
	if _, ok := p[canonical]; ok {
		return true
	}
	host := strings.ToLower(strings.TrimSpace(r.Host))
	if host == "" {
		return false
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return canonical == scheme+"://"+host
}

// OriginChecker exposes the CORS policy as a websocket CheckOrigin func.
// A missing Origin header means a non-browser client and is allowed.
func OriginChecker(cfg CORSConfig) (func(*http.Request) bool, error) {
	policy, err := newCORSPolicy(cfg)
	if err != nil {
		return nil, err
	}
	return func(r *http.Request) bool {
		origin := strings.TrimSpace(r.Header.Get("Origin"))
		return origin == "" || policy.permits(origin, r)
	}, nil
}

func corsMiddleware(policy corsPolicy, logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := strings.TrimSpace(r.Header.Get("Origin"))
		if origin == "" {
			next.ServeHTTP(w, r)
			return
		}
		if !policy.permits(origin, r) {
			logger.Warn("blocked cross-origin request", "origin", origin, "path", r.URL.Path)
			writeMiddlewareError(w, http.StatusForbidden, "origin_not_allowed", "origin not allowed")
			return
		}

		h := w.Header()
		h.Set("Access-Control-Allow-Origin", origin)
		h.Add("Vary", "Origin")
		h.Set("Access-Control-Expose-Headers", requestIDHeader)
		if isPreflight(r) {
			allowHeaders := r.Header.Get("Access-Control-Request-Headers")
			if allowHeaders == "" {
				allowHeaders = preflightHeaders
			}
			h.Set("Access-Control-Allow-Methods", preflightMethods)
			h.Set("Access-Control-Allow-Headers", allowHeaders)
			h.Set("Access-Control-Max-Age", "600")
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func isPreflight(r *http.Request) bool {
	return r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != ""
}
