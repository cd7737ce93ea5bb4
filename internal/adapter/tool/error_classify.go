package tool

import (
	"errors"
	"strings"

	"bgtask/internal/domain"
)

// retryableSentinels lists domain errors that indicate transient failures
// worth retrying.
var retryableSentinels = []error{
	domain.ErrTimeout,
	domain.ErrProviderError,
	domain.ErrRateLimit,
}

// retryablePatterns are substrings in error messages that indicate transient
// failures. Checked case-insensitively.
var retryablePatterns = []string{
	"resource temporarily unavailable",
	"deadline exceeded",
	"try again",
	"interrupted system call",
}

// classifyToolError returns true if the error is transient and the tool call
// may succeed on retry. Returns false for nil, permanent, or unknown errors.
func classifyToolError(err error) bool {
	if err == nil {
		return false
	}

	for _, sentinel := range retryableSentinels {
		if errors.Is(err, sentinel) {
			return true
		}
	}

	lower := strings.ToLower(err.Error())
	for _, p := range retryablePatterns {
		if strings.Contains(lower, p) {
			return true
		}
	}

	return false
}
