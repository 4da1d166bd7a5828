// Package gwerr defines the gateway's error taxonomy. Every error a caller can
// see carries a stable code and an HTTP status, and Write renders it in the
// standard error envelope.
package gwerr

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Coded is implemented by every error in this package.
type Coded interface {
	error
	Code() string
	HTTPStatus() int
}

// ValidationError reports malformed input.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}
func (e *ValidationError) Code() string { return "validation_error" }
func (e *ValidationError) HTTPStatus() int { return http.StatusBadRequest }

// NotFoundError reports a missing resource.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string { return fmt.Sprintf("%s %q not found", e.Resource, e.ID) }
func (e *NotFoundError) Code() string { return "not_found" }
func (e *NotFoundError) HTTPStatus() int { return http.StatusNotFound }

// PlanFeatureError reports that the caller's plan lacks a feature.
type PlanFeatureError struct {
	Feature string
	Plan    string
}

func (e *PlanFeatureError) Error() string {
	return fmt.Sprintf("plan %q does not include %s", e.Plan, e.Feature)
}
func (e *PlanFeatureError) Code() string { return "plan_feature_required" }
func (e *PlanFeatureError) HTTPStatus() int { return http.StatusForbidden }

// RateLimitExceeded reports a rejected request from the rate limiter.
type RateLimitExceeded struct {
	Limit   int64
	ResetAt time.Time
}

func (e *RateLimitExceeded) Error() string {
	return fmt.Sprintf("rate limit of %d requests exceeded", e.Limit)
}
func (e *RateLimitExceeded) Code() string { return "rate_limited" }
func (e *RateLimitExceeded) HTTPStatus() int { return http.StatusTooManyRequests }

// BudgetExceeded reports an exhausted daily allowance or spending cap.
type BudgetExceeded struct {
	Reason string
	Used   float64
	Limit  float64
}

func (e *BudgetExceeded) Error() string {
	return fmt.Sprintf("%s: used %g of %g", e.Reason, e.Used, e.Limit)
}
func (e *BudgetExceeded) Code() string {
	if e.Reason == "" {
		return "budget_exceeded"
	}
	return e.Reason
}
func (e *BudgetExceeded) HTTPStatus() int { return http.StatusPaymentRequired }

// OverageBlocked reports that billing refused usage beyond the plan allowance.
type OverageBlocked struct {
	Overage int64
}

func (e *OverageBlocked) Error() string {
	return fmt.Sprintf("overage of %d requests not permitted by billing", e.Overage)
}
func (e *OverageBlocked) Code() string { return "overage_blocked" }
func (e *OverageBlocked) HTTPStatus() int { return http.StatusPaymentRequired }

// NoProvidersError reports that no provider qualified for a category.
type NoProvidersError struct {
	Category string
}

func (e *NoProvidersError) Error() string {
	return fmt.Sprintf("no providers available for category %q", e.Category)
}
func (e *NoProvidersError) Code() string { return "no_providers" }
func (e *NoProvidersError) HTTPStatus() int { return http.StatusServiceUnavailable }

// ProviderExhaustedError reports that every attempted provider failed.
type ProviderExhaustedError struct {
	Category string
	Attempts int
	LastErr  error
}

func (e *ProviderExhaustedError) Error() string {
	return fmt.Sprintf("all %d attempts for category %q failed: %v", e.Attempts, e.Category, e.LastErr)
}
func (e *ProviderExhaustedError) Unwrap() error { return e.LastErr }
func (e *ProviderExhaustedError) Code() string { return "providers_exhausted" }
func (e *ProviderExhaustedError) HTTPStatus() int { return http.StatusBadGateway }

// SettlementError reports a provider call that failed after its payment was
// already made. TxHash identifies the transfer for reconciliation.
type SettlementError struct {
	Leg    string
	TxHash string
	Err    error
}

func (e *SettlementError) Error() string {
	return fmt.Sprintf("settlement %s (tx %s): %v", e.Leg, e.TxHash, e.Err)
}
func (e *SettlementError) Unwrap() error { return e.Err }
func (e *SettlementError) Code() string { return "paid_not_executed" }
func (e *SettlementError) HTTPStatus() int { return http.StatusBadGateway }

// CodeOf returns the code of the first Coded error in err's chain, or
// "internal_error".
func CodeOf(err error) string {
	var c Coded
	if errors.As(err, &c) {
		return c.Code()
	}
	return "internal_error"
}

// StatusOf returns the HTTP status of the first Coded error in err's chain,
// or 500.
func StatusOf(err error) int {
	var c Coded
	if errors.As(err, &c) {
		return c.HTTPStatus()
	}
	return http.StatusInternalServerError
}

type envelope struct {
	Error detail `json:"error"`
}

type detail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Write renders err in the standard error envelope. Errors outside the
// taxonomy become a generic 500 so internals are not leaked.
func Write(w http.ResponseWriter, err error) {
	var c Coded
	if !errors.As(err, &c) {
		WriteCode(w, http.StatusInternalServerError, "internal_error", "internal server error")
		return
	}
	if rl, ok := c.(*RateLimitExceeded); ok && !rl.ResetAt.IsZero() {
		w.Header().Set("Retry-After", fmt.Sprintf("%d", max(1, int(time.Until(rl.ResetAt).Seconds()))))
	}
	WriteCode(w, c.HTTPStatus(), c.Code(), c.Error())
}

// WriteCode renders an explicit status, code and message.
func WriteCode(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{
		Error: detail{Code: code, Message: message},
	})
}
