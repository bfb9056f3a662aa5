package server

import (
	"net/http"
	"strconv"
)

// Baseline hardening values. Responses are JSON, websocket frames or
// callback text, so nothing needs to load subresources.
const (
	baselineCSP                = "default-src 'none'; frame-ancestors 'none'; base-uri 'none'; form-action 'none'"
	baselineFrameOptions       = "DENY"
	baselineReferrerPolicy     = "no-referrer"
	baselinePermissionsPolicy  = "camera=(), microphone=(), geolocation=()"
	baselineContentTypeOptions = "nosniff"
)

// SecurityConfig overrides the hardening headers set on every response.
// Empty fields keep the baseline value.
type SecurityConfig struct {
	ContentSecurityPolicy string
	FrameOptions          string
	ReferrerPolicy        string
	PermissionsPolicy     string
	ContentTypeOptions    string
	// HSTSMaxAge, in seconds, enables Strict-Transport-Security on TLS
	// requests when positive.
	HSTSMaxAge int
}

type headerValue struct {
	name, value string
}

func pick(override, baseline string) string {
	if override != "" {
		return override
	}
	return baseline
}

// headers resolves the fixed header set once per middleware.
func (cfg SecurityConfig) headers() []headerValue {
	return []headerValue{
		{"Content-Security-Policy", pick(cfg.ContentSecurityPolicy, baselineCSP)},
		{"X-Frame-Options", pick(cfg.FrameOptions, baselineFrameOptions)},
		{"X-Content-Type-Options", pick(cfg.ContentTypeOptions, baselineContentTypeOptions)},
		{"Referrer-Policy", pick(cfg.ReferrerPolicy, baselineReferrerPolicy)},
		{"Permissions-Policy", pick(cfg.PermissionsPolicy, baselinePermissionsPolicy)},
	}
}

func securityHeadersMiddleware(cfg SecurityConfig, next http.Handler) http.Handler {
	fixed := cfg.headers()
	var hsts string
	if cfg.HSTSMaxAge > 0 {
		hsts = "max-age=" + strconv.Itoa(cfg.HSTSMaxAge) + "; includeSubDomains"
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		for _, hv := range fixed {
			h.Set(hv.name, hv.value)
		}
		if hsts != "" && r.TLS != nil {
			h.Set("Strict-Transport-Security", hsts)
		}
		next.ServeHTTP(w, r)
	})
}
