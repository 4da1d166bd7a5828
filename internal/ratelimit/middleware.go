package ratelimit

import (
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/alecgard/trustgate/internal/auth"
	"github.com/alecgard/trustgate/internal/gwerr"
)

// MetricsRecorder is an optional interface for recording rejections.
type MetricsRecorder interface {
	IncRateLimitRejection(kind string)
}

// MiddlewareOptions configures Middleware.
type MiddlewareOptions struct {
	// ExemptPrefixes are path prefixes that bypass the limiter.
	ExemptPrefixes []string
	Metrics        MetricsRecorder
}

// Middleware returns an HTTP middleware that enforces rate limits. Requests
// carrying an authenticated agent (set by auth.AgentAuthMiddleware) are keyed
// by account; anonymous requests are keyed by client IP.
//
// Rate-limit headers are always set on the response:
//
//	X-RateLimit-Limit     maximum requests allowed in the window
//	X-RateLimit-Remaining requests remaining in the current window
//	X-RateLimit-Reset     Unix timestamp when the oldest request leaves the window
//
// When the shared store is unreachable the request is allowed and the
// headers report the full quota.
func Middleware(limiter *Limiter, opts MiddlewareOptions) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if exempt(r.URL.Path, opts.ExemptPrefixes) {
				next.ServeHTTP(w, r)
				return
			}

			key := KeyForRequest(r)
			d, err := limiter.Allow(r.Context(), key)
			if err != nil {
				slog.Warn("rate limiter unavailable, allowing request", "kind", key.Kind, "error", err)
				d.Allowed = true
			}

			w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(d.Limit, 10))
			w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(d.Remaining, 10))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))

			if !d.Allowed {
				if opts.Metrics != nil {
					opts.Metrics.IncRateLimitRejection(key.Kind)
				}
				gwerr.Write(w, &gwerr.RateLimitExceeded{Limit: d.Limit, ResetAt: d.ResetAt})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// KeyForRequest derives the rate-limit key of a request.
func KeyForRequest(r *http.Request) Key {
	if agent := auth.AgentFromContext(r.Context()); agent != nil {
		return Key{Kind: KindAccount, ID: agent.AccountID, Limit: agent.RateLimit}
	}
	return Key{Kind: KindIP, ID: clientIP(r)}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func exempt(path string, prefixes []string) bool {
	for _, p := range prefixes {
		if path == p || strings.HasPrefix(path, strings.TrimSuffix(p, "/")+"/") {
			return true
		}
	}
	return false
}
