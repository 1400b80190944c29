package auth

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type ownerKey struct{}

// Owner returns the owner of the API key that authenticated the request.
func Owner(ctx context.Context) string {
	owner, _ := ctx.Value(ownerKey{}).(string)
	return owner
}

const (
	rateLimitWindow  = 1 * time.Minute
	rateLimitMaxFail = 10
	// pruneInterval is how often idle limiters are dropped.
	pruneInterval = 5 * time.Minute
)

// FailureLimiter tracks failed API key attempts per client IP. Each IP may
// fail rateLimitMaxFail times, refilling one attempt per
// rateLimitWindow/rateLimitMaxFail. Only IPs with failures are tracked, and
// an IP whose budget has fully refilled is forgotten.
type FailureLimiter struct {
	mu        sync.Mutex
	limiters  map[string]*rate.Limiter
	every     rate.Limit
	burst     int
	now       func() time.Time
	lastPrune time.Time
}

// NewFailureLimiter creates a limiter with the default budget.
func NewFailureLimiter() *FailureLimiter {
	return &FailureLimiter{
		limiters: make(map[string]*rate.Limiter),
		every:    rate.Every(rateLimitWindow / rateLimitMaxFail),
		burst:    rateLimitMaxFail,
		now:      time.Now,
	}
}

// Blocked reports whether ip has used up its failure budget.
func (fl *FailureLimiter) Blocked(ip string) bool {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	l, ok := fl.limiters[ip]
	return ok && l.TokensAt(fl.now()) < 1
}

// RecordFailure spends one failed attempt for ip.
func (fl *FailureLimiter) RecordFailure(ip string) {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	now := fl.now()
	if now.Sub(fl.lastPrune) >= pruneInterval {
		fl.prune(now)
	}

	l, ok := fl.limiters[ip]
	if !ok {
		l = rate.NewLimiter(fl.every, fl.burst)
		fl.limiters[ip] = l
	}
	l.AllowN(now, 1)
}

// prune drops limiters whose budget has fully refilled. Callers hold mu.
func (fl *FailureLimiter) prune(now time.Time) {
	for ip, l := range fl.limiters {
		if l.TokensAt(now) >= float64(fl.burst) {
			delete(fl.limiters, ip)
		}
	}
	fl.lastPrune = now
}

// RequireAPIKey is middleware that validates Bearer token auth for /api/ routes.
// Non-API routes pass through untouched.
// Returns 401 for missing/invalid keys, 429 for IPs with too many failures.
func RequireAPIKey(apiKeys *APIKeyStore, limiter *FailureLimiter, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/api/") {
			next.ServeHTTP(w, r)
			return
		}

		ip := clientIP(r)
		if limiter.Blocked(ip) {
			http.Error(w, "Too many requests", http.StatusTooManyRequests)
			return
		}

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" || !strings.HasPrefix(authHeader, "Bearer ") {
			limiter.RecordFailure(ip)
			http.Error(w, "Authorization required", http.StatusUnauthorized)
			return
		}

		key := strings.TrimPrefix(authHeader, "Bearer ")

		owner, valid, err := apiKeys.Validate(r.Context(), key)
		if err != nil {
			slog.Error("validating api key", "err", err)
			http.Error(w, "Internal error", http.StatusInternalServerError)
			return
		}
		if !valid {
			limiter.RecordFailure(ip)
			slog.Warn("invalid api key", "ip", ip)
			http.Error(w, "Invalid API key", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ownerKey{}, owner)))
	})
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
