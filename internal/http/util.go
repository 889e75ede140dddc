package httpx

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/keepsake-labs/keepsake/internal/domain/model"
	apperrors "github.com/keepsake-labs/keepsake/internal/errors"
)

// validationErrorPatterns holds common validation error substrings to classify 400 vs 5xx.
// Keeping this at package scope avoids per-call allocations in isValidationError.

var validationErrorPatterns = []string{ //nolint:gochecknoglobals // read-only cache of patterns to avoid per-call allocations
	"is required and cannot be empty",
	"cannot be empty",
	"cannot exceed",
	"at least one field must be updated",
	"must be a valid URL",
	"must use http or https scheme",
	"must have a valid host",
	"must be at least",
	"invalid template JMESPath",
}

// parseIntQuery returns the integer value of a query param or a default.
// It is tolerant of missing/invalid values.
func parseIntQuery(r *http.Request, key string, def int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

// ParseLimitOffset parses common pagination params and clamps to sane bounds.
// - defLimit: default limit when not specified
// - maxLimit: maximum allowed limit (values > maxLimit are clamped to maxLimit).
func ParseLimitOffset(r *http.Request, defLimit, maxLimit int) (int, int) {
	// A maxLimit below 1 would clamp every request to zero rows.
	if maxLimit < 1 {
		maxLimit = 1
	}

	lim := parseIntQuery(r, "limit", defLimit)
	off := parseIntQuery(r, "offset", 0)
	if lim < 1 {
		lim = 1
	}
	if lim > maxLimit {
		lim = maxLimit
	}
	if off < 0 {
		off = 0
	}
	return lim, off
}

// isValidationError decides 400 vs 5xx. Typed errors are checked first; the
// substring patterns cover services that still return plain errors.
func isValidationError(err error) bool {
	if err == nil {
		return false
	}
	var vErr *model.ValidationError
	if errors.As(err, &vErr) {
		return true
	}
	if apperrors.IsValidation(err) {
		return true
	}
	msg := err.Error()
	for _, p := range validationErrorPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}
