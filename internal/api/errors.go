package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/alecgard/trustgate/internal/account"
	"github.com/alecgard/trustgate/internal/gwerr"
	"github.com/alecgard/trustgate/internal/provider"
	"github.com/jackc/pgx/v5"
)

// maxBodySize is the maximum allowed request body size (1 MB).
const maxBodySize = 1 << 20

// writeError writes a JSON error response with the given status code.
func writeError(w http.ResponseWriter, statusCode int, code, message string) {
	gwerr.WriteCode(w, statusCode, code, message)
}

// writeErr renders err through the gateway error taxonomy. Store lookups that
// found nothing become 404s; anything unclassified is logged and hidden
// behind a generic 500.
func writeErr(w http.ResponseWriter, r *http.Request, err error) {
	var coded gwerr.Coded
	switch {
	case errors.As(err, &coded):
		gwerr.Write(w, err)
	case isNotFound(err):
		writeError(w, http.StatusNotFound, "not_found", "resource not found")
	case isValidationError(err):
		gwerr.Write(w, &gwerr.ValidationError{Message: err.Error()})
	default:
		slog.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"request_id", RequestIDFromContext(r.Context()),
			"error", err,
		)
		gwerr.Write(w, err)
	}
}

// writeJSON writes a JSON response with the given status code and data.
func writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// readJSON decodes the request body into v, enforcing a size limit.
func readJSON(r *http.Request, v interface{}) error {
	lr := io.LimitReader(r.Body, maxBodySize)
	return json.NewDecoder(lr).Decode(v)
}

func isNotFound(err error) bool {
	return errors.Is(err, pgx.ErrNoRows) || errors.Is(err, account.ErrNotFound)
}

func isValidationError(err error) bool {
	return errors.Is(err, provider.ErrNameRequired) ||
		errors.Is(err, provider.ErrCategoryRequired) ||
		errors.Is(err, provider.ErrEndpointInvalid) ||
		errors.Is(err, provider.ErrPayoutRequired) ||
		errors.Is(err, provider.ErrPricingModelInvalid) ||
		errors.Is(err, provider.ErrPriceInvalid) ||
		errors.Is(err, provider.ErrUptimeOutOfRange) ||
		errors.Is(err, provider.ErrFeedbackScoreInvalid)
}
