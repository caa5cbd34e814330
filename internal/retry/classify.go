package retry

import (
	"errors"
	"strings"
	"time"
)

// retryablePatterns are substrings (case-insensitive) of an error's
// message that mark it as a transient, retryable failure when the error
// is not already a typed *RateLimitError.
var retryablePatterns = []string{
	"429",
	"timeout",
	"connect",
	"reset",
	"closed",
	"unavailable",
	"temporarily",
}

// Classify reports whether err should be retried and, if the error
// carries a server-supplied Retry-After hint, how long to honor it for.
func Classify(err error) (retryable bool, retryAfter time.Duration, rateLimited bool) {
	if err == nil {
		return false, 0, false
	}
	var rle *RateLimitError
	if errors.As(err, &rle) {
		return true, rle.RetryAfter, true
	}
	msg := strings.ToLower(err.Error())
	for _, p := range retryablePatterns {
		if strings.Contains(msg, p) {
			return true, 0, strings.Contains(msg, "429")
		}
	}
	return false, 0, false
}
