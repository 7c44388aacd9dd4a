package saltedge

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// TransientError is a failure worth retrying: network errors, 5xx and 429.
type TransientError struct {
	StatusCode int
	// RetryAfter is the provider's backoff hint, zero when none was sent.
	RetryAfter time.Duration
	Err        error
}

func (e *TransientError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("saltedge transient error: %v", e.Err)
	}
	return fmt.Sprintf("saltedge transient error (status %d): %v", e.StatusCode, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// RejectedError is a 4xx business error. It is never retried.
type RejectedError struct {
	StatusCode int
	Code       string // provider error class, e.g. "ConnectionNotFound"
	Message    string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("saltedge rejected request (status %d, %s): %s", e.StatusCode, e.Code, e.Message)
}

// IsTransient reports whether err is, or wraps, a TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsRejected reports whether err is, or wraps, a RejectedError.
func IsRejected(err error) bool {
	var re *RejectedError
	return errors.As(err, &re)
}

// errorResponse covers both the flat and the nested error shapes the API returns.
type errorResponse struct {
	ErrorClass   string `json:"error_class"`
	ErrorMessage string `json:"error_message"`
	Error        *struct {
		Class   string `json:"class"`
		Message string `json:"message"`
	} `json:"error"`
}

func (r errorResponse) class() string {
	if r.Error != nil && r.Error.Class != "" {
		return r.Error.Class
	}
	return r.ErrorClass
}

func (r errorResponse) message() string {
	if r.Error != nil && r.Error.Message != "" {
		return r.Error.Message
	}
	return r.ErrorMessage
}

// parseRetryAfter reads a Retry-After header given in seconds or as an HTTP date.
func parseRetryAfter(h string, now time.Time) time.Duration {
	h = strings.TrimSpace(h)
	if h == "" {
		return 0
	}
	if secs, err := strconv.Atoi(h); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(h); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
