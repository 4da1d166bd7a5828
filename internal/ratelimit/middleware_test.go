package ratelimit

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alecgard/trustgate/internal/auth"
)

type rejectCounter struct{ kinds []string }

func (c *rejectCounter) IncRateLimitRejection(kind string) { c.kinds = append(c.kinds, kind) }

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestMiddlewareHeadersAndRejection(t *testing.T) {
	clock := newFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	l := newTestLimiter(Config{AccountLimit: 2}, clock)
	rc := &rejectCounter{}
	h := Middleware(l, MiddlewareOptions{Metrics: rc})(okHandler())

	agent := &auth.Agent{ID: "agent-1", AccountID: "acct-1"}
	do := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/providers", nil)
		req = req.WithContext(auth.ContextWithAgent(context.Background(), agent))
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		return rr
	}

	rr := do()
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if rr.Header().Get("X-RateLimit-Limit") != "2" || rr.Header().Get("X-RateLimit-Remaining") != "1" {
		t.Errorf("unexpected headers %v", rr.Header())
	}
	do()

	rr = do()
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rr.Code)
	}
	if rr.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Errorf("expected remaining 0, got %q", rr.Header().Get("X-RateLimit-Remaining"))
	}
	if rr.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}
	var body struct {
		Error struct{ Code string } `json:"error"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if body.Error.Code != "rate_limited" {
		t.Errorf("expected rate_limited, got %q", body.Error.Code)
	}
	if len(rc.kinds) != 1 || rc.kinds[0] != KindAccount {
		t.Errorf("unexpected rejections %v", rc.kinds)
	}
}

func TestMiddlewareKeysAnonymousByIP(t *testing.T) {
	clock := newFakeClock(time.Now())
	l := newTestLimiter(Config{IPLimit: 1}, clock)
	h := Middleware(l, MiddlewareOptions{})(okHandler())

	req := func(addr string) int {
		r := httptest.NewRequest(http.MethodGet, "/api/v1/providers", nil)
		r.RemoteAddr = addr
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, r)
		return rr.Code
	}

	if code := req("10.0.0.1:1234"); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if code := req("10.0.0.1:5678"); code != http.StatusTooManyRequests {
		t.Fatalf("same IP on another port should be limited, got %d", code)
	}
	if code := req("10.0.0.2:1234"); code != http.StatusOK {
		t.Fatalf("other IP should be allowed, got %d", code)
	}
}

func TestMiddlewareExemptPaths(t *testing.T) {
	clock := newFakeClock(time.Now())
	l := newTestLimiter(Config{IPLimit: 1}, clock)
	h := Middleware(l, MiddlewareOptions{ExemptPrefixes: []string{"/health", "/api/v1/budgets"}})(okHandler())

	for _, path := range []string{"/health", "/health", "/api/v1/budgets/b-1", "/api/v1/budgets/b-1"} {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
		if rr.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", path, rr.Code)
		}
		if rr.Header().Get("X-RateLimit-Limit") != "" {
			t.Errorf("%s: exempt path should not carry rate-limit headers", path)
		}
	}
}

func TestMiddlewareFailsOpen(t *testing.T) {
	l := New(brokenStore{}, Config{IPLimit: 7})
	h := Middleware(l, MiddlewareOptions{})(okHandler())

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/v1/providers", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 when store is down, got %d", rr.Code)
	}
	if rr.Header().Get("X-RateLimit-Remaining") != "7" {
		t.Errorf("expected full quota header, got %q", rr.Header().Get("X-RateLimit-Remaining"))
	}
}
