package server

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"
)

// RateLimitConfig bounds overall request throughput and the PIN attempts a
// single client may make against camera authorization.
type RateLimitConfig struct {
	GlobalRPS   float64
	GlobalBurst int
	// PINAttempts per PINWindow per client address. Zero disables the
	// limit.
	PINAttempts int
	PINWindow   time.Duration
	// RedisAddr shares PIN budgets across instances when set.
	RedisAddr     string
	RedisPassword string
	RedisTimeout  time.Duration
	RedisPrefix   string
	// TrustForwardedHeaders keys clients by X-Forwarded-For when the
	// service sits behind a proxy.
	TrustForwardedHeaders bool
	Clock                 clockwork.Clock
}

type rateLimiter struct {
	clock       clockwork.Clock
	global      *rate.Limiter
	pinLimit    int
	pinWindow   time.Duration
	pinMu       sync.Mutex
	pinBuckets  map[string]*clientLimiter
	store       tokenStore
	storePrefix string
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

type tokenStore interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, time.Duration, error)
	Close() error
}

func newRateLimiter(cfg RateLimitConfig) (*rateLimiter, error) {
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	rl := &rateLimiter{
		clock:       clock,
		pinLimit:    cfg.PINAttempts,
		pinWindow:   cfg.PINWindow,
		pinBuckets:  make(map[string]*clientLimiter),
		storePrefix: cfg.RedisPrefix,
	}
	if cfg.GlobalRPS > 0 {
		burst := cfg.GlobalBurst
		if burst <= 0 {
			burst = int(cfg.GlobalRPS)
			if burst < 1 {
				burst = 1
			}
		}
		rl.global = rate.NewLimiter(rate.Limit(cfg.GlobalRPS), burst)
	}
	if rl.pinLimit < 0 {
		rl.pinLimit = 0
	}
	if rl.pinWindow <= 0 {
		rl.pinWindow = time.Minute
	}
	if rl.storePrefix == "" {
		rl.storePrefix = "multicam:pin"
	}
	if cfg.RedisAddr != "" && rl.pinLimit > 0 {
		store, err := newRedisStore(redisStoreConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			Timeout:  cfg.RedisTimeout,
		})
		if err != nil {
			return nil, err
		}
		rl.store = store
	}
	return rl, nil
}

func (r *rateLimiter) AllowRequest() bool {
	if r == nil || r.global == nil {
		return true
	}
	return r.global.AllowN(r.clock.Now(), 1)
}

// AllowPINAttempt charges one attempt to key and reports how long to wait
// when the budget is spent.
func (r *rateLimiter) AllowPINAttempt(ctx context.Context, key string) (bool, time.Duration, error) {
	if r == nil || r.pinLimit <= 0 {
		return true, 0, nil
	}
	if key == "" {
		key = "unknown"
	}
	if r.store != nil {
		return r.store.Allow(ctx, r.storePrefix+":"+key, r.pinLimit, r.pinWindow)
	}

	now := r.clock.Now()
	r.pinMu.Lock()
	limiter, exists := r.pinBuckets[key]
	if !exists {
		refill := rate.Limit(float64(r.pinLimit) / r.pinWindow.Seconds())
		limiter = &clientLimiter{limiter: rate.NewLimiter(refill, r.pinLimit)}
		r.pinBuckets[key] = limiter
	}
	limiter.lastSeen = now
	r.cleanupLocked(now)
	r.pinMu.Unlock()

	if limiter.limiter.AllowN(now, 1) {
		return true, 0, nil
	}
	return false, retryAfter(limiter.limiter, now), nil
}

// retryAfter is the wait until lim grants a token, rounded up to whole
// seconds. The probing reservation is returned so it costs nothing.
func retryAfter(lim *rate.Limiter, now time.Time) time.Duration {
	res := lim.ReserveN(now, 1)
	if !res.OK() {
		return 0
	}
	delay := res.DelayFrom(now)
	res.CancelAt(now)
	seconds := math.Ceil(delay.Seconds() - 1e-6)
	if seconds < 1 {
		seconds = 1
	}
	return time.Duration(seconds) * time.Second
}

func (r *rateLimiter) cleanupLocked(now time.Time) {
	cutoff := now.Add(-2 * r.pinWindow)
	for key, limiter := range r.pinBuckets {
		if limiter.lastSeen.Before(cutoff) {
			delete(r.pinBuckets, key)
		}
	}
}

// Close releases the shared store, if any.
func (r *rateLimiter) Close() {
	if r == nil || r.store == nil {
		return
	}
	_ = r.store.Close()
}
