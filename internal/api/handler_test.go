package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alecgard/trustgate/internal/provider"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// errorEnvelope mirrors the JSON error body for decoding in tests.
type errorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// ---------------------------------------------------------------------------
// Health check handler tests
// ---------------------------------------------------------------------------

// fakePinger implements the Ping(ctx) method used by the health handler.
type fakePinger struct {
	err error
}

func (f *fakePinger) Ping(context.Context) error { return f.err }

func TestHealthCheck_OK(t *testing.T) {
	// Build a minimal router with no DBPool (the nil path returns "ok").
	deps := RouterDeps{
		AllowedOrigins: []string{"*"},
	}
	handler := NewRouter(deps)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}

	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("expected status=ok, got %q", body["status"])
	}
	if body["database"] != "connected" {
		t.Errorf("expected database=connected, got %q", body["database"])
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("expected Content-Type application/json, got %q", ct)
	}
}

func TestHealthCheck_Degraded(t *testing.T) {
	tests := []struct {
		name         string
		db, kv       *fakePinger
		wantStatus   int
		wantDatabase string
		wantKV       string
	}{
		{"both reachable", &fakePinger{}, &fakePinger{}, http.StatusOK, "connected", "connected"},
		{"database down", &fakePinger{err: errors.New("refused")}, &fakePinger{}, http.StatusServiceUnavailable, "disconnected", "connected"},
		{"kv down", &fakePinger{}, &fakePinger{err: errors.New("refused")}, http.StatusServiceUnavailable, "connected", "disconnected"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := NewRouter(RouterDeps{DBPool: tt.db, KV: tt.kv})

			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

			if rec.Code != tt.wantStatus {
				t.Fatalf("status: got %d, want %d", rec.Code, tt.wantStatus)
			}
			var body map[string]string
			if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
				t.Fatalf("failed to decode response: %v", err)
			}
			if body["database"] != tt.wantDatabase {
				t.Errorf("database: got %q, want %q", body["database"], tt.wantDatabase)
			}
			if body["kv"] != tt.wantKV {
				t.Errorf("kv: got %q, want %q", body["kv"], tt.wantKV)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// Well-known manifest tests
// ---------------------------------------------------------------------------

func TestWellKnownHandler(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/.well-known/trustgate.json", nil)
	rec := httptest.NewRecorder()
	WellKnownHandler(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}

	var manifest map[string]interface{}
	if err := json.NewDecoder(rec.Body).Decode(&manifest); err != nil {
		t.Fatalf("failed to decode manifest: %v", err)
	}

	requiredFields := []string{"name", "description", "version", "api_base", "auth", "endpoints", "health"}
	for _, field := range requiredFields {
		if _, ok := manifest[field]; !ok {
			t.Errorf("manifest missing required field %q", field)
		}
	}

	endpoints, ok := manifest["endpoints"].(map[string]interface{})
	if !ok {
		t.Fatal("endpoints is not an object")
	}
	for _, ep := range []string{"providers", "evaluate", "feedback", "route", "budgets", "usage"} {
		if _, ok := endpoints[ep]; !ok {
			t.Errorf("endpoints missing %q", ep)
		}
	}
}

func TestWellKnownHandler_ViaRouter(t *testing.T) {
	handler := NewRouter(RouterDeps{AllowedOrigins: []string{"*"}})

	req := httptest.NewRequest(http.MethodGet, "/.well-known/trustgate.json", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200 via router, got %d", rec.Code)
	}
}

// ---------------------------------------------------------------------------
// CORS middleware tests
// ---------------------------------------------------------------------------

func TestCORSMiddleware(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	tests := []struct {
		name            string
		allowedOrigins  []string
		requestOrigin   string
		method          string
		wantStatus      int
		wantAllowOrigin string
		wantVary        string
	}{
		{
			name:            "wildcard allows any origin",
			allowedOrigins:  []string{"*"},
			requestOrigin:   "https://example.com",
			method:          http.MethodGet,
			wantStatus:      http.StatusOK,
			wantAllowOrigin: "*",
		},
		{
			name:            "specific origin is echoed back",
			allowedOrigins:  []string{"https://app.example.com"},
			requestOrigin:   "https://app.example.com",
			method:          http.MethodGet,
			wantStatus:      http.StatusOK,
			wantAllowOrigin: "https://app.example.com",
			wantVary:        "Origin",
		},
		{
			name:            "non-matching origin gets no Allow-Origin header",
			allowedOrigins:  []string{"https://app.example.com"},
			requestOrigin:   "https://evil.com",
			method:          http.MethodGet,
			wantStatus:      http.StatusOK,
			wantAllowOrigin: "",
		},
		{
			name:            "no origin header means no CORS headers",
			allowedOrigins:  []string{"*"},
			requestOrigin:   "",
			method:          http.MethodGet,
			wantStatus:      http.StatusOK,
			wantAllowOrigin: "",
		},
		{
			name:            "preflight returns 204",
			allowedOrigins:  []string{"*"},
			requestOrigin:   "https://example.com",
			method:          http.MethodOptions,
			wantStatus:      http.StatusNoContent,
			wantAllowOrigin: "*",
		},
		{
			name:            "preflight with specific origin",
			allowedOrigins:  []string{"https://app.example.com"},
			requestOrigin:   "https://app.example.com",
			method:          http.MethodOptions,
			wantStatus:      http.StatusNoContent,
			wantAllowOrigin: "https://app.example.com",
			wantVary:        "Origin",
		},
		{
			name:            "empty allowed origins list",
			allowedOrigins:  nil,
			requestOrigin:   "https://example.com",
			method:          http.MethodGet,
			wantStatus:      http.StatusOK,
			wantAllowOrigin: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mw := corsMiddleware(tt.allowedOrigins)
			handler := mw(inner)

			req := httptest.NewRequest(tt.method, "/test", nil)
			if tt.requestOrigin != "" {
				req.Header.Set("Origin", tt.requestOrigin)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("status: got %d, want %d", rec.Code, tt.wantStatus)
			}

			gotAllowOrigin := rec.Header().Get("Access-Control-Allow-Origin")
			if gotAllowOrigin != tt.wantAllowOrigin {
				t.Errorf("Access-Control-Allow-Origin: got %q, want %q", gotAllowOrigin, tt.wantAllowOrigin)
			}

			if tt.wantVary != "" {
				gotVary := rec.Header().Get("Vary")
				if gotVary != tt.wantVary {
					t.Errorf("Vary: got %q, want %q", gotVary, tt.wantVary)
				}
			}

			// When origin is set and allowed, check CORS method headers are present.
			if tt.requestOrigin != "" && tt.wantAllowOrigin != "" {
				if methods := rec.Header().Get("Access-Control-Allow-Methods"); methods == "" {
					t.Error("expected Access-Control-Allow-Methods to be set")
				}
				if headers := rec.Header().Get("Access-Control-Allow-Headers"); headers == "" {
					t.Error("expected Access-Control-Allow-Headers to be set")
				}
				if maxAge := rec.Header().Get("Access-Control-Max-Age"); maxAge != "86400" {
					t.Errorf("Access-Control-Max-Age: got %q, want 86400", maxAge)
				}
				exposed := rec.Header().Get("Access-Control-Expose-Headers")
				for _, h := range []string{"X-Request-ID", "X-RateLimit-Remaining", "X-Provider-ID", "X-Route-Attempt", "X-Usage-Limit", "X-Usage-Count"} {
					if !strings.Contains(exposed, h) {
						t.Errorf("Access-Control-Expose-Headers %q is missing %s", exposed, h)
					}
				}
			}
		})
	}
}

func TestCORSMiddleware_PreflightDoesNotCallNext(t *testing.T) {
	called := false
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	})

	mw := corsMiddleware([]string{"*"})
	handler := mw(inner)

	req := httptest.NewRequest(http.MethodOptions, "/test", nil)
	req.Header.Set("Origin", "https://example.com")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if called {
		t.Error("preflight OPTIONS should not call the next handler")
	}
}

// ---------------------------------------------------------------------------
// Secure headers middleware tests
// ---------------------------------------------------------------------------

func TestSecureHeaders(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	handler := secureHeaders(inner)

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	expectedHeaders := map[string]string{
		"X-Content-Type-Options": "nosniff",
		"X-Frame-Options":       "DENY",
		"X-XSS-Protection":      "0",
		"Referrer-Policy":        "strict-origin-when-cross-origin",
	}

	for header, want := range expectedHeaders {
		got := rec.Header().Get(header)
		if got != want {
			t.Errorf("%s: got %q, want %q", header, got, want)
		}
	}
}

// ---------------------------------------------------------------------------
// Request ID middleware tests
// ---------------------------------------------------------------------------

func TestRequestIDMiddleware_GeneratesID(t *testing.T) {
	var capturedID string
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		capturedID = RequestIDFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})

	handler := requestIDMiddleware(inner)

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	// Response header should be set.
	respID := rec.Header().Get("X-Request-ID")
	if respID == "" {
		t.Fatal("expected X-Request-ID response header to be set")
	}

	// Generated ID should be 32 hex characters (16 bytes).
	if len(respID) != 32 {
		t.Errorf("expected 32-char hex ID, got %d chars: %q", len(respID), respID)
	}

	// Context value should match response header.
	if capturedID != respID {
		t.Errorf("context ID %q does not match response header ID %q", capturedID, respID)
	}
}

func TestRequestIDMiddleware_ForwardsExistingID(t *testing.T) {
	const existingID = "my-custom-request-id-12345"

	var capturedID string
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		capturedID = RequestIDFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})

	handler := requestIDMiddleware(inner)

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	req.Header.Set("X-Request-ID", existingID)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	respID := rec.Header().Get("X-Request-ID")
	if respID != existingID {
		t.Errorf("expected forwarded ID %q, got %q", existingID, respID)
	}
	if capturedID != existingID {
		t.Errorf("context ID: expected %q, got %q", existingID, capturedID)
	}
}

func TestRequestIDMiddleware_SanitizesWhitespace(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	handler := requestIDMiddleware(inner)

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	req.Header.Set("X-Request-ID", "  some-id-with-spaces  \n")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	respID := rec.Header().Get("X-Request-ID")
	if respID != "some-id-with-spaces" {
		t.Errorf("expected sanitized ID, got %q", respID)
	}
}

func TestRequestIDMiddleware_ReplacesUnusableIDs(t *testing.T) {
	handler := requestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	for _, in := range []string{strings.Repeat("a", maxRequestIDLen+1), "abc\x00def"} {
		req := httptest.NewRequest(http.MethodGet, "/test", nil)
		req.Header.Set("X-Request-ID", in)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		got := rec.Header().Get("X-Request-ID")
		if got == in {
			t.Errorf("expected %q to be replaced", in)
		}
		if _, err := uuid.Parse(got); err != nil {
			t.Errorf("expected a generated UUID, got %q", got)
		}
	}
}

func TestRequestIDFromContext_Empty(t *testing.T) {
	// Calling with a bare context should return empty string.
	id := RequestIDFromContext(httptest.NewRequest(http.MethodGet, "/", nil).Context())
	if id != "" {
		t.Errorf("expected empty string from bare context, got %q", id)
	}
}

// ---------------------------------------------------------------------------
// writeError / writeJSON helper tests
// ---------------------------------------------------------------------------

func TestWriteError(t *testing.T) {
	rec := httptest.NewRecorder()
	writeError(rec, http.StatusNotFound, "not_found", "resource not found")

	if rec.Code != http.StatusNotFound {
		t.Errorf("expected status 404, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("expected Content-Type application/json, got %q", ct)
	}

	var envelope errorEnvelope
	if err := json.NewDecoder(rec.Body).Decode(&envelope); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if envelope.Error.Code != "not_found" {
		t.Errorf("expected code=not_found, got %q", envelope.Error.Code)
	}
	if envelope.Error.Message != "resource not found" {
		t.Errorf("expected message='resource not found', got %q", envelope.Error.Message)
	}
}

func TestWriteJSON(t *testing.T) {
	rec := httptest.NewRecorder()
	data := map[string]string{"hello": "world"}
	writeJSON(rec, http.StatusCreated, data)

	if rec.Code != http.StatusCreated {
		t.Errorf("expected status 201, got %d", rec.Code)
	}

	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if body["hello"] != "world" {
		t.Errorf("expected hello=world, got %q", body["hello"])
	}
}

// ---------------------------------------------------------------------------
// readJSON helper tests
// ---------------------------------------------------------------------------

func TestReadJSON_Valid(t *testing.T) {
	body := strings.NewReader(`{"name":"test","value":42}`)
	req := httptest.NewRequest(http.MethodPost, "/", body)

	var result struct {
		Name  string `json:"name"`
		Value int    `json:"value"`
	}
	if err := readJSON(req, &result); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Name != "test" || result.Value != 42 {
		t.Errorf("unexpected result: %+v", result)
	}
}

func TestReadJSON_InvalidJSON(t *testing.T) {
	body := strings.NewReader(`{not json`)
	req := httptest.NewRequest(http.MethodPost, "/", body)

	var result map[string]interface{}
	if err := readJSON(req, &result); err == nil {
		t.Error("expected error for invalid JSON")
	}
}

func TestReadJSON_EmptyBody(t *testing.T) {
	body := strings.NewReader("")
	req := httptest.NewRequest(http.MethodPost, "/", body)

	var result map[string]interface{}
	if err := readJSON(req, &result); err == nil {
		t.Error("expected error for empty body")
	}
}

// ---------------------------------------------------------------------------
// generateID tests
// ---------------------------------------------------------------------------

func TestGenerateID_Format(t *testing.T) {
	id := generateID()

	if _, err := uuid.Parse(id); err != nil {
		t.Errorf("expected a UUID, got %q: %v", id, err)
	}
}

func TestGenerateID_Unique(t *testing.T) {
	ids := make(map[string]struct{}, 100)
	for i := 0; i < 100; i++ {
		id := generateID()
		if _, exists := ids[id]; exists {
			t.Fatalf("duplicate ID generated: %s", id)
		}
		ids[id] = struct{}{}
	}
}

// ---------------------------------------------------------------------------
// Middleware integration via router (secure headers, request ID, CORS)
// ---------------------------------------------------------------------------

func TestRouter_SecureHeadersApplied(t *testing.T) {
	handler := NewRouter(RouterDeps{AllowedOrigins: []string{"*"}})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Error("expected X-Content-Type-Options: nosniff on router responses")
	}
	if rec.Header().Get("X-Frame-Options") != "DENY" {
		t.Error("expected X-Frame-Options: DENY on router responses")
	}
}

func TestRouter_RequestIDApplied(t *testing.T) {
	handler := NewRouter(RouterDeps{AllowedOrigins: []string{"*"}})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("expected X-Request-ID to be set on router responses")
	}
}

func TestRouter_CORSApplied(t *testing.T) {
	handler := NewRouter(RouterDeps{AllowedOrigins: []string{"https://myapp.com"}})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "https://myapp.com")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://myapp.com" {
		t.Errorf("expected Access-Control-Allow-Origin=https://myapp.com, got %q", got)
	}
}

func TestRouter_PreflightAtAnyPath(t *testing.T) {
	handler := NewRouter(RouterDeps{AllowedOrigins: []string{"*"}})

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/providers", nil)
	req.Header.Set("Origin", "https://example.com")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	// Preflight should return 204 (or at least a success status) due to CORS middleware.
	if rec.Code != http.StatusNoContent && rec.Code != http.StatusOK {
		t.Errorf("expected 204 or 200 for OPTIONS preflight, got %d", rec.Code)
	}
}

// ---------------------------------------------------------------------------
// parseTimeParam tests
// ---------------------------------------------------------------------------

func TestParseTimeParam(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
		wantStr string // expected time formatted as RFC3339 or empty
	}{
		{
			name:    "empty string",
			input:   "",
			wantErr: false,
			wantStr: "",
		},
		{
			name:    "date only",
			input:   "2024-06-15",
			wantErr: false,
			wantStr: "2024-06-15T00:00:00Z",
		},
		{
			name:    "RFC3339",
			input:   "2024-06-15T10:30:00Z",
			wantErr: false,
			wantStr: "2024-06-15T10:30:00Z",
		},
		{
			name:    "invalid format",
			input:   "not-a-date",
			wantErr: true,
		},
		{
			name:    "partial date",
			input:   "2024-06",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := parseTimeParam(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Error("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tt.wantStr == "" {
				if !result.IsZero() {
					t.Errorf("expected zero time, got %v", result)
				}
			} else {
				if result.Format(time.RFC3339) != tt.wantStr {
					t.Errorf("expected %s, got %s", tt.wantStr, result.Format(time.RFC3339))
				}
			}
		})
	}
}

// ---------------------------------------------------------------------------
// Router 404 / 401 tests
// ---------------------------------------------------------------------------

func TestRouter_NotFound(t *testing.T) {
	handler := NewRouter(RouterDeps{AllowedOrigins: []string{"*"}})

	req := httptest.NewRequest(http.MethodGet, "/nonexistent-path", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown path, got %d", rec.Code)
	}
	var envelope errorEnvelope
	if err := json.NewDecoder(rec.Body).Decode(&envelope); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if envelope.Error.Code != "not_found" {
		t.Errorf("expected code=not_found, got %q", envelope.Error.Code)
	}
}

func TestRouter_AgentRoutesRequireKey(t *testing.T) {
	handler := NewRouter(RouterDeps{})

	paths := []struct{ method, path string }{
		{http.MethodPost, "/api/v1/route/weather"},
		{http.MethodPost, "/api/v1/providers/p-1/feedback"},
		{http.MethodGet, "/api/v1/budgets/b-1"},
		{http.MethodGet, "/api/v1/usage"},
	}
	for _, p := range paths {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(p.method, p.path, strings.NewReader("{}")))
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("%s %s: expected 401, got %d", p.method, p.path, rec.Code)
		}
	}
}

func TestRouter_AdminRoutesRequireAdminKey(t *testing.T) {
	handler := NewRouter(RouterDeps{AdminKey: "secret"})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/admin/providers", strings.NewReader("{}"))
	req.Header.Set("Authorization", "Bearer wrong")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 with wrong admin key, got %d", rec.Code)
	}
}

// ---------------------------------------------------------------------------
// Error classification tests
// ---------------------------------------------------------------------------

func TestIsValidationError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"random error", fmt.Errorf("something went wrong"), false},
		{"name required", provider.ErrNameRequired, true},
		{"wrapped endpoint", fmt.Errorf("creating: %w", provider.ErrEndpointInvalid), true},
		{"feedback score", provider.ErrFeedbackScoreInvalid, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := isValidationError(tt.err)
			if got != tt.want {
				t.Errorf("isValidationError(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestWriteErr(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"no rows", fmt.Errorf("getting provider: %w", pgx.ErrNoRows), http.StatusNotFound, "not_found"},
		{"validation", provider.ErrPayoutRequired, http.StatusBadRequest, "validation_error"},
		{"unclassified", errors.New("connection reset"), http.StatusInternalServerError, "internal_error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			writeErr(rec, httptest.NewRequest(http.MethodGet, "/", nil), tt.err)

			if rec.Code != tt.wantStatus {
				t.Errorf("status: got %d, want %d", rec.Code, tt.wantStatus)
			}
			var envelope errorEnvelope
			if err := json.NewDecoder(rec.Body).Decode(&envelope); err != nil {
				t.Fatalf("failed to decode: %v", err)
			}
			if envelope.Error.Code != tt.wantCode {
				t.Errorf("code: got %q, want %q", envelope.Error.Code, tt.wantCode)
			}
			if tt.wantCode == "internal_error" && strings.Contains(envelope.Error.Message, "connection reset") {
				t.Error("internal error details leaked to the client")
			}
		})
	}
}
