package domain

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	maxQueryLength = 300
	// MaxLimit bounds the number of results a caller may ask for.
	MaxLimit = 100
)

// ValidateRequest is the only hard failure of the pipeline: a missing query,
// an inverted date window or an out-of-range limit. Country problems are not
// validated here; they fall back to the default country.
func ValidateRequest(r SearchRequest) error {
	text := strings.TrimSpace(r.Query)
	if text == "" {
		return NewValidationError("query", r.Query, ErrEmptyQuery)
	}
	if utf8.RuneCountInString(text) > maxQueryLength {
		return NewValidationError("query", string([]rune(text)[:32])+"...", ErrQueryTooLong)
	}

	if !r.DateFrom.IsZero() && !r.DateTo.IsZero() && r.DateFrom.After(r.DateTo) {
		return NewValidationError("date_from", r.DateFrom.Format("2006-01-02"), ErrInvalidDateRange)
	}

	if r.Limit < 0 || r.Limit > MaxLimit {
		return NewValidationError("limit", fmt.Sprintf("%d", r.Limit), ErrInvalidLimit)
	}
	return nil
}
