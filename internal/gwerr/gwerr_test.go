package gwerr

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodesAndStatuses(t *testing.T) {
	tests := []struct {
		err    Coded
		code   string
		status int
	}{
		{&ValidationError{Field: "score", Message: "must be 1-5"}, "validation_error", 400},
		{&NotFoundError{Resource: "provider", ID: "p1"}, "not_found", 404},
		{&PlanFeatureError{Feature: "routing", Plan: "free"}, "plan_feature_required", 403},
		{&RateLimitExceeded{Limit: 60}, "rate_limited", 429},
		{&BudgetExceeded{Reason: "daily_limit_exceeded", Used: 101, Limit: 100}, "daily_limit_exceeded", 402},
		{&BudgetExceeded{Used: 10, Limit: 10}, "budget_exceeded", 402},
		{&OverageBlocked{Overage: 3}, "overage_blocked", 402},
		{&NoProvidersError{Category: "weather"}, "no_providers", 503},
		{&ProviderExhaustedError{Category: "weather", Attempts: 3, LastErr: errors.New("boom")}, "providers_exhausted", 502},
		{&SettlementError{Leg: "payment_settled_execution_failed", TxHash: "0x1", Err: errors.New("eof")}, "paid_not_executed", 502},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			assert.Equal(t, tt.code, tt.err.Code())
			assert.Equal(t, tt.status, tt.err.HTTPStatus())
			assert.NotEmpty(t, tt.err.Error())
		})
	}
}

func TestClassificationThroughWrapping(t *testing.T) {
	settle := &SettlementError{Leg: "payment_settled_execution_failed", TxHash: "0xabc", Err: errors.New("reset")}
	exhausted := &ProviderExhaustedError{Attempts: 3, LastErr: settle}
	wrapped := fmt.Errorf("routing weather: %w", exhausted)

	assert.Equal(t, "providers_exhausted", CodeOf(wrapped))
	assert.Equal(t, http.StatusBadGateway, StatusOf(wrapped))

	var se *SettlementError
	require.True(t, errors.As(wrapped, &se))
	assert.Equal(t, "0xabc", se.TxHash)

	assert.Equal(t, "internal_error", CodeOf(errors.New("plain")))
	assert.Equal(t, http.StatusInternalServerError, StatusOf(errors.New("plain")))
}

func TestWriteEnvelope(t *testing.T) {
	rec := httptest.NewRecorder()
	Write(rec, fmt.Errorf("gate: %w", &OverageBlocked{Overage: 5}))

	assert.Equal(t, http.StatusPaymentRequired, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "overage_blocked", body.Error.Code)
	assert.Contains(t, body.Error.Message, "5 requests")
}

func TestWriteHidesInternalErrors(t *testing.T) {
	rec := httptest.NewRecorder()
	Write(rec, errors.New("pq: password authentication failed"))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "password")
}

func TestWriteRateLimitRetryAfter(t *testing.T) {
	rec := httptest.NewRecorder()
	Write(rec, &RateLimitExceeded{Limit: 60, ResetAt: time.Now().Add(30 * time.Second)})

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
}
