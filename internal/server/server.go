package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"multicam-live/internal/observability/logging"
)

// TLSConfig names the certificate and key served when TLS is enabled.
type TLSConfig struct {
	CertFile string
	KeyFile  string
}

// DefaultShutdownTimeout bounds graceful shutdown once Run's context ends.
const DefaultShutdownTimeout = 10 * time.Second

type Config struct {
	Addr            string
	TLS             TLSConfig
	RateLimit       RateLimitConfig
	CORS            CORSConfig
	Security        SecurityConfig
	Logger          *slog.Logger
	ShutdownTimeout time.Duration
	// Ready is closed once the listener is bound.
	Ready chan<- struct{}
}

type Server struct {
	httpServer      *http.Server
	logger          *slog.Logger
	rateLimiter     *rateLimiter
	tls             TLSConfig
	shutdownTimeout time.Duration
	ready           chan<- struct{}
}

// New wraps routes in the shared middleware chain. The order, outermost
// first, is security headers, CORS, request id, request logging and rate
// limiting.
func New(routes http.Handler, cfg Config) (*Server, error) {
	if routes == nil {
		return nil, errors.New("server: routes are required")
	}
	tlsCfg := TLSConfig{CertFile: strings.TrimSpace(cfg.TLS.CertFile), KeyFile: strings.TrimSpace(cfg.TLS.KeyFile)}
	if (tlsCfg.CertFile == "") != (tlsCfg.KeyFile == "") {
		return nil, errors.New("server: both TLS cert file and key file must be provided")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cors, err := newCORSPolicy(cfg.CORS)
	if err != nil {
		return nil, err
	}
	rl, err := newRateLimiter(cfg.RateLimit)
	if err != nil {
		return nil, err
	}

	handlerChain := routes
	handlerChain = rateLimitMiddleware(rl, logger, cfg.RateLimit.TrustForwardedHeaders, handlerChain)
	handlerChain = logging.RequestLogger(logging.RequestLoggerConfig{
		Logger: logger,
		AdditionalFields: func(r *http.Request, _ int, _ time.Duration) []any {
			return []any{"remote_ip", clientIP(r, cfg.RateLimit.TrustForwardedHeaders)}
		},
		DisableRemoteAddr: true,
	})(handlerChain)
	handlerChain = requestIDMiddleware(logger, handlerChain)
	handlerChain = corsMiddleware(cors, logger, handlerChain)
	handlerChain = securityHeadersMiddleware(cfg.Security, handlerChain)

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handlerChain,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	if tlsCfg.CertFile != "" {
		httpServer.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	timeout := cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = DefaultShutdownTimeout
	}
	return &Server{
		httpServer:      httpServer,
		logger:          logger,
		rateLimiter:     rl,
		tls:             tlsCfg,
		shutdownTimeout: timeout,
		ready:           cfg.Ready,
	}, nil
}

// Handler returns the fully wrapped handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Run serves until ctx ends, then shuts down gracefully within the
// configured timeout. Hijacked websocket connections are not waited for.
func (s *Server) Run(ctx context.Context) error {
	defer s.rateLimiter.Close()

	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	if s.tls.CertFile != "" {
		cert, err := tls.LoadX509KeyPair(s.tls.CertFile, s.tls.KeyFile)
		if err != nil {
			ln.Close()
			return fmt.Errorf("load tls key pair: %w", err)
		}
		tlsCfg := s.httpServer.TLSConfig.Clone()
		tlsCfg.Certificates = append([]tls.Certificate{cert}, tlsCfg.Certificates...)
		s.httpServer.TLSConfig = tlsCfg
		ln = tls.NewListener(ln, tlsCfg)
	}

	s.logger.Info("http server listening", "addr", ln.Addr().String(), "tls", s.tls.CertFile != "")
	if s.ready != nil {
		close(s.ready)
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- s.httpServer.Serve(ln)
	}()

	select {
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()
	shutdownErr := s.httpServer.Shutdown(shutdownCtx)

	select {
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-shutdownCtx.Done():
		if shutdownErr != nil {
			return shutdownErr
		}
		return shutdownCtx.Err()
	}
	return shutdownErr
}

func rateLimitMiddleware(rl *rateLimiter, logger *slog.Logger, trustForwarded bool, next http.Handler) http.Handler {
	if rl == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.AllowRequest() {
			writeMiddlewareError(w, http.StatusTooManyRequests, "rate_limited", "global rate limit exceeded")
			return
		}
		if isPINAttempt(r) {
			allowed, retryAfter, err := rl.AllowPINAttempt(r.Context(), clientIP(r, trustForwarded))
			if err != nil {
				logging.WithContext(r.Context(), logger).Error("rate limiter failure", "error", err)
				writeMiddlewareError(w, http.StatusServiceUnavailable, "unavailable", "rate limit failure")
				return
			}
			if !allowed {
				if retryAfter > 0 {
					w.Header().Set("Retry-After", fmt.Sprintf("%.0f", retryAfter.Seconds()))
				}
				writeMiddlewareError(w, http.StatusTooManyRequests, "rate_limited", "too many PIN attempts")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// isPINAttempt matches POST /api/cameras/{index}/authorize.
func isPINAttempt(r *http.Request) bool {
	if r.Method != http.MethodPost {
		return false
	}
	path := strings.TrimSuffix(r.URL.Path, "/")
	if !strings.HasPrefix(path, "/api/cameras/") || !strings.HasSuffix(path, "/authorize") {
		return false
	}
	index := strings.TrimSuffix(strings.TrimPrefix(path, "/api/cameras/"), "/authorize")
	return index != "" && !strings.Contains(index, "/")
}

// clientIP resolves the caller's address. Forwarded headers are only
// honoured behind a trusted proxy.
func clientIP(r *http.Request, trustForwarded bool) string {
	if trustForwarded {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
		if xrip := strings.TrimSpace(r.Header.Get("X-Real-IP")); xrip != "" {
			return xrip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
