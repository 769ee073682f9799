package resilience

import (
	"errors"
	"fmt"
	"net/http"
)

// StatusError is a non-2xx answer from an HTTP collaborator.
type StatusError struct {
	Service string
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s responded with HTTP %d", e.Service, e.Code)
	}
	return fmt.Sprintf("%s responded with HTTP %d: %s", e.Service, e.Code, e.Message)
}

// RetryableStatus reports whether a response code is worth another attempt.
func RetryableStatus(code int) bool {
	return code == http.StatusRequestTimeout || code == http.StatusTooManyRequests || code >= 500
}

// ClassifyHTTP retries 408, 429 and 5xx answers. Other client errors are the
// caller's fault and do not count against the breaker.
func ClassifyHTTP(err error) ErrorClassification {
	var status *StatusError
	if errors.As(err, &status) {
		if RetryableStatus(status.Code) {
			return ErrorClassification{Retryable: true, RecordFailure: true}
		}
		return ErrorClassification{}
	}
	return ClassifyTemporary(err)
}

// ClassifyOn extends ClassifyTemporary with driver sentinels that signal a transient outage.
func ClassifyOn(transient ...error) ErrorClassifier {
	return func(err error) ErrorClassification {
		if err == nil {
			return ErrorClassification{}
		}
		if IsCircuitOpen(err) {
			return ErrorClassification{Retryable: true, RecordFailure: true}
		}
		for _, sentinel := range transient {
			if errors.Is(err, sentinel) {
				return ErrorClassification{Retryable: true, RecordFailure: true}
			}
		}
		return ClassifyTemporary(err)
	}
}
