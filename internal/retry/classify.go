package retry

import (
	"errors"
	"net"
	"regexp"
	"strconv"
	"strings"
	"syscall"
	"time"

	apperrors "github.com/issuepilot/issuepilot/internal/common/errors"
)

// Class is the retry classification of an error.
type Class int

const (
	// ClassUnknown errors are treated as non-retryable.
	ClassUnknown Class = iota
	ClassRetryable
	ClassNonRetryable
)

// Phrases that identify a permanent failure at the provider boundary.
var nonRetryablePhrases = []string{
	"verification failed",
	"merge conflict",
	"Invalid API key",
	"prompt too long",
	"Failed to create session",
	"Failed to send prompt",
}

// Phrases that identify a transient failure.
var retryablePhrases = []string{
	"rate limit",
	"Rate limit",
	"connection reset",
	"connection refused",
	"no such host",
	"temporary failure",
	"timeout",
	"timed out",
}

var retryableStatusCodes = map[int]bool{
	408: true, 429: true, 500: true, 502: true, 503: true, 504: true,
}

var nonRetryableStatusCodes = map[int]bool{
	400: true, 401: true, 403: true,
}

// httpStatusRe matches a bare status code in boundary error messages,
// e.g. "provider returned 503".
var httpStatusRe = regexp.MustCompile(`\b(4\d\d|5\d\d)\b`)

// Classify decides whether err is worth another attempt. Structured
// application errors carry their own retryability; everything else falls
// back to message inspection. Unknown errors are not retried.
func Classify(err error, extra []string) Class {
	if err == nil {
		return ClassUnknown
	}

	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		if appErr.Retryable {
			return ClassRetryable
		}
		switch appErr.Code {
		case apperrors.ErrCodeAuth, apperrors.ErrCodeValidation, apperrors.ErrCodeVerificationFailed:
			return ClassNonRetryable
		}
	}

	msg := err.Error()
	for _, phrase := range nonRetryablePhrases {
		if strings.Contains(msg, phrase) {
			return ClassNonRetryable
		}
	}

	if isNetworkTransient(err) {
		return ClassRetryable
	}
	for _, phrase := range retryablePhrases {
		if strings.Contains(msg, phrase) {
			return ClassRetryable
		}
	}
	for _, phrase := range extra {
		if phrase != "" && strings.Contains(msg, phrase) {
			return ClassRetryable
		}
	}

	if m := httpStatusRe.FindString(msg); m != "" {
		code, _ := strconv.Atoi(m)
		if retryableStatusCodes[code] {
			return ClassRetryable
		}
		if nonRetryableStatusCodes[code] {
			return ClassNonRetryable
		}
	}
	return ClassUnknown
}

func isNetworkTransient(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.IsTemporary || dnsErr.IsTimeout
	}
	return errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED)
}

// retryAfterRe matches a wait hint embedded in an error message, in
// seconds, e.g. "rate limited, retry after 12".
var retryAfterRe = regexp.MustCompile(`(?i)retry[-_ ]?after[:= ]+(\d+)`)

func messageHint(msg string) (time.Duration, bool) {
	m := retryAfterRe.FindStringSubmatch(msg)
	if m == nil {
		return 0, false
	}
	secs, err := strconv.Atoi(m[1])
	if err != nil || secs <= 0 {
		return 0, false
	}
	return time.Duration(secs) * time.Second, true
}
