package api

import (
	"net"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/time/rate"
)

// endpointClass buckets routes by cost: scans hit the database hard,
// generates spawn jobs, everything else is cheap.
type endpointClass string

const (
	classScan     endpointClass = "scan"
	classGenerate endpointClass = "generate"
	classDefault  endpointClass = "default"
)

// RateLimiter enforces per-client, per-endpoint-class request limits
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter

	scanLimit     rate.Limit
	generateLimit rate.Limit
	defaultLimit  rate.Limit
	burstSize     int
}

// NewRateLimiter creates a rate limiter from per-minute budgets
func NewRateLimiter(scanRPM, generateRPM, defaultRPM int) *RateLimiter {
	if scanRPM <= 0 {
		scanRPM = 30
	}
	if generateRPM <= 0 {
		generateRPM = 10
	}
	if defaultRPM <= 0 {
		defaultRPM = 120
	}

	return &RateLimiter{
		limiters:      make(map[string]*rate.Limiter),
		scanLimit:     rate.Limit(float64(scanRPM) / 60.0),
		generateLimit: rate.Limit(float64(generateRPM) / 60.0),
		defaultLimit:  rate.Limit(float64(defaultRPM) / 60.0),
		burstSize:     5,
	}
}

// classify maps a request path to its endpoint class
func classify(path string) endpointClass {
	switch {
	case strings.HasPrefix(path, "/api/scan"), strings.HasPrefix(path, "/api/estimate"):
		return classScan
	case strings.HasPrefix(path, "/api/archives/generate"):
		return classGenerate
	default:
		return classDefault
	}
}

// getLimiter returns the limiter for one client and class, creating it
// lazily
func (rl *RateLimiter) getLimiter(clientKey string, class endpointClass) *rate.Limiter {
	key := clientKey + "|" + string(class)

	rl.mu.Lock()
	defer rl.mu.Unlock()

	if limiter, exists := rl.limiters[key]; exists {
		return limiter
	}

	var limit rate.Limit
	switch class {
	case classScan:
		limit = rl.scanLimit
	case classGenerate:
		limit = rl.generateLimit
	default:
		limit = rl.defaultLimit
	}

	limiter := rate.NewLimiter(limit, rl.burstSize)
	rl.limiters[key] = limiter

	return limiter
}

// clientKey identifies the caller by IP
func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// RateLimitMiddleware creates a middleware that enforces rate limiting.
// Health checks are exempt.
func RateLimitMiddleware(rl *RateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/health" {
				next.ServeHTTP(w, r)
				return
			}

			class := classify(r.URL.Path)
			limiter := rl.getLimiter(clientKey(r), class)

			if !limiter.Allow() {
				respondError(w, http.StatusTooManyRequests, "RATE_LIMIT_EXCEEDED",
					"Rate limit exceeded. Please try again later.", map[string]interface{}{
						"class": class,
					})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
