package auth

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/alecgard/trustgate/internal/gwerr"
)

type contextKey int

const agentContextKey contextKey = iota

// ContextWithAgent returns a new context carrying the given agent.
func ContextWithAgent(ctx context.Context, agent *Agent) context.Context {
	return context.WithValue(ctx, agentContextKey, agent)
}

// AgentFromContext extracts the agent from the context, or nil if not present.
func AgentFromContext(ctx context.Context) *Agent {
	agent, _ := ctx.Value(agentContextKey).(*Agent)
	return agent
}

// AgentAuthMiddleware returns middleware that authenticates requests using an
// API key in the Authorization header. The key is hashed and looked up via the
// service's agent store. On success the agent is injected into the request
// context.
func AgentAuthMiddleware(svc *Service) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := extractBearerToken(r)
			if token == "" {
				writeUnauthorized(w, "missing or malformed authorization header")
				return
			}

			agent, err := svc.Authenticate(r.Context(), token)
			if err != nil {
				writeUnauthorized(w, "invalid api key")
				return
			}

			next.ServeHTTP(w, r.WithContext(ContextWithAgent(r.Context(), agent)))
		})
	}
}

// OptionalAgentAuthMiddleware authenticates the request when it carries an
// Authorization header and passes anonymous requests through unchanged. A
// header with an invalid key is still rejected.
func OptionalAgentAuthMiddleware(svc *Service) func(http.Handler) http.Handler {
	required := AgentAuthMiddleware(svc)
	return func(next http.Handler) http.Handler {
		withAuth := required(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Authorization") == "" {
				next.ServeHTTP(w, r)
				return
			}
			withAuth.ServeHTTP(w, r)
		})
	}
}

// AdminAuthMiddleware requires the static admin key as a bearer token. An
// empty adminKey rejects every request.
func AdminAuthMiddleware(adminKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := extractBearerToken(r)
			if token == "" {
				writeUnauthorized(w, "missing or malformed authorization header")
				return
			}
			if adminKey == "" || subtle.ConstantTimeCompare([]byte(token), []byte(adminKey)) != 1 {
				writeUnauthorized(w, "invalid admin key")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func extractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return parts[1]
}

func writeUnauthorized(w http.ResponseWriter, message string) {
	gwerr.WriteCode(w, http.StatusUnauthorized, "unauthorized", message)
}
