package middleware

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/gosuda/tenantd/internal/domain"
)

type tenantLimiter struct {
	limiter    *rate.Limiter
	rpm        int64
	lastAccess time.Time
}

type ipLimiter struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// RateLimitByIP applies per-IP rate limiting for endpoints reached before a
// tenant is known (tenant administration). Stale entries are cleaned up every
// 10 minutes.
func RateLimitByIP(ctx context.Context, requestsPerSecond float64, burst int) func(http.Handler) http.Handler {
	var (
		mu       sync.Mutex
		limiters = make(map[string]*ipLimiter)
	)

	go sweep(ctx, &mu, func(cutoff time.Time) {
		for ip, il := range limiters {
			if il.lastAccess.Before(cutoff) {
				delete(limiters, ip)
			}
		}
	})

	limiterFor := func(ip string) *rate.Limiter {
		mu.Lock()
		defer mu.Unlock()

		il, ok := limiters[ip]
		if !ok {
			il = &ipLimiter{
				limiter:    rate.NewLimiter(rate.Limit(requestsPerSecond), burst),
				lastAccess: time.Now(),
			}
			limiters[ip] = il
		} else {
			il.lastAccess = time.Now()
		}
		return il.limiter
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := r.RemoteAddr
			if host, _, err := net.SplitHostPort(ip); err == nil {
				ip = host
			}
			if !limiterFor(ip).Allow() {
				http.Error(w, `{"title":"Too Many Requests","status":429,"detail":"rate limit exceeded"}`, http.StatusTooManyRequests)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// RateLimit sheds load per tenant in process, at the tenant's RateLimitRPM
// quota. Enterprise tenants and unlimited quotas are not limited. A changed
// quota takes effect on the tenant's next request.
func RateLimit(ctx context.Context, burst int) func(http.Handler) http.Handler {
	var (
		mu       sync.Mutex
		limiters = make(map[uuid.UUID]*tenantLimiter)
	)

	go sweep(ctx, &mu, func(cutoff time.Time) {
		for id, tl := range limiters {
			if tl.lastAccess.Before(cutoff) {
				delete(limiters, id)
			}
		}
	})

	limiterFor := func(tenantID uuid.UUID, rpm int64) *rate.Limiter {
		mu.Lock()
		defer mu.Unlock()

		tl, ok := limiters[tenantID]
		if !ok {
			tl = &tenantLimiter{
				limiter: rate.NewLimiter(perMinute(rpm), burst),
				rpm:     rpm,
			}
			limiters[tenantID] = tl
		} else if tl.rpm != rpm {
			tl.limiter.SetLimit(perMinute(rpm))
			tl.rpm = rpm
		}
		tl.lastAccess = time.Now()
		return tl.limiter
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			t, ok := TenantFromContext(r.Context())
			if !ok {
				// No tenant in context; skip rate limiting.
				next.ServeHTTP(w, r)
				return
			}

			rpm := t.Quotas().RateLimitRPM
			if t.IsEnterprise() {
				rpm = domain.Unlimited
			}

			if !limiterFor(t.ID(), rpm).Allow() {
				w.Header().Set("Retry-After", "60")
				http.Error(w, `{"title":"Too Many Requests","status":429,"detail":"rate limit exceeded"}`, http.StatusTooManyRequests)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func perMinute(rpm int64) rate.Limit {
	if rpm == domain.Unlimited {
		return rate.Inf
	}
	return rate.Limit(float64(rpm) / 60)
}

// sweep drops limiters idle for 30 minutes, every 10 minutes, until ctx ends.
func sweep(ctx context.Context, mu *sync.Mutex, drop func(cutoff time.Time)) {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			mu.Lock()
			drop(time.Now().Add(-30 * time.Minute))
			mu.Unlock()
		case <-ctx.Done():
			return
		}
	}
}
