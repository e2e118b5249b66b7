package middleware

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RateLimiter implements fixed window rate limiting using Redis
type RateLimiter struct {
	redis  redis.UniversalClient
	logger *zap.Logger
}

// RateLimitConfig defines rate limit rules
type RateLimitConfig struct {
	Requests int                        // Number of requests allowed
	Window   time.Duration              // Time window
	KeyFunc  func(*http.Request) string // Function to generate rate limit key
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(client redis.UniversalClient, logger *zap.Logger) *RateLimiter {
	return &RateLimiter{
		redis:  client,
		logger: logger,
	}
}

// Limit returns a middleware that enforces rate limiting
func (rl *RateLimiter) Limit(config RateLimitConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			// Generate rate limit key
			key := config.KeyFunc(r)
			if key == "" {
				rl.logger.Warn("Rate limit key is empty, allowing request")
				next.ServeHTTP(w, r)
				return
			}

			// Check rate limit
			allowed, remaining, resetTime, err := rl.checkLimit(ctx, key, config)
			if err != nil {
				rl.logger.Error("Rate limit check failed", zap.Error(err))
				// On error, allow request (fail open)
				next.ServeHTTP(w, r)
				return
			}

			// Set rate limit headers
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(config.Requests))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(resetTime.Unix(), 10))

			if !allowed {
				w.Header().Set("Retry-After", strconv.FormatInt(int64(time.Until(resetTime).Seconds()), 10))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				w.Write([]byte(`{"error":"rate limit exceeded, please try again later"}`))

				rl.logger.Warn("Rate limit exceeded",
					zap.String("key", key),
					zap.String("path", r.URL.Path),
				)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// checkLimit checks if the request is within rate limit
func (rl *RateLimiter) checkLimit(ctx context.Context, key string, config RateLimitConfig) (bool, int, time.Time, error) {
	now := time.Now()
	window := config.Window
	windowSeconds := int64(window.Seconds())

	// Redis key with window identifier
	redisKey := fmt.Sprintf("ratelimit:%s:%d", key, now.Unix()/windowSeconds)

	// Increment counter
	pipe := rl.redis.Pipeline()
	incr := pipe.Incr(ctx, redisKey)
	pipe.Expire(ctx, redisKey, window)
	_, err := pipe.Exec(ctx)
	if err != nil {
		return false, 0, time.Time{}, err
	}

	count := int(incr.Val())
	remaining := config.Requests - count
	if remaining < 0 {
		remaining = 0
	}

	// Reset at the end of the current window
	resetTime := time.Unix((now.Unix()/windowSeconds+1)*windowSeconds, 0)

	allowed := count <= config.Requests
	return allowed, remaining, resetTime, nil
}

// GetRealIP extracts the real client IP address from the request
// It checks proxy headers in order: X-Forwarded-For, X-Real-IP, RemoteAddr
func GetRealIP(r *http.Request) string {
	// Check X-Forwarded-For header (can contain multiple IPs)
	xff := r.Header.Get("X-Forwarded-For")
	if xff != "" {
		// X-Forwarded-For can be: "client, proxy1, proxy2"
		// We want the first (original client) IP
		ips := strings.Split(xff, ",")
		if len(ips) > 0 {
			clientIP := strings.TrimSpace(ips[0])
			if clientIP != "" {
				return clientIP
			}
		}
	}

	// Check X-Real-IP header
	xri := r.Header.Get("X-Real-IP")
	if xri != "" {
		return strings.TrimSpace(xri)
	}

	// Fall back to RemoteAddr (format: "IP:port")
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		// RemoteAddr doesn't have a port, use as-is
		return r.RemoteAddr
	}
	return ip
}

// Common key functions

// KeyByIP generates rate limit key based on IP address
func KeyByIP(r *http.Request) string {
	ip := GetRealIP(r)
	return fmt.Sprintf("ip:%s", ip)
}

// KeyByIPAndPath generates rate limit key based on IP address and path
func KeyByIPAndPath(r *http.Request) string {
	return fmt.Sprintf("ip:%s:path:%s", GetRealIP(r), r.URL.Path)
}

// Common rate limit configurations

// GlobalRateLimit applies to all requests from an IP
var GlobalRateLimit = RateLimitConfig{
	Requests: 100,
	Window:   1 * time.Minute,
	KeyFunc:  KeyByIP,
}

// ExportCreationRateLimit applies to export creation. Each export holds the
// single-engine worker for minutes so the budget is small.
var ExportCreationRateLimit = RateLimitConfig{
	Requests: 10,
	Window:   1 * time.Minute,
	KeyFunc:  KeyByIPAndPath,
}

// PreviewRateLimit applies to filtergraph previews, which probe remote media
var PreviewRateLimit = RateLimitConfig{
	Requests: 30,
	Window:   1 * time.Minute,
	KeyFunc:  KeyByIPAndPath,
}
