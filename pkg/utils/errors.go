package utils

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
)

// --- Sentinel Errors for Categorization ---
var (
	ErrRetryFailed      = errors.New("request failed after all retries") // Wraps the last underlying error
	ErrClientHTTPError  = errors.New("client HTTP error (4xx)")
	ErrServerHTTPError  = errors.New("server HTTP error (5xx)")
	ErrOtherHTTPError   = errors.New("other HTTP error (non-2xx)")
	ErrRequestCreation  = errors.New("failed to create HTTP request")
	ErrResponseBodyRead = errors.New("failed to read response body")

	// Admission rejections; Admit wraps exactly one of these
	ErrBlocklisted      = errors.New("URL previously rejected")
	ErrCustomFilter     = errors.New("rejected by custom filter")
	ErrJunkFilter       = errors.New("rejected by junk filter")
	ErrScopeViolation   = errors.New("external link rejected by fetch level")
	ErrRobotsDisallowed = errors.New("disallowed by robots.txt")
	ErrMaxDepthExceeded = errors.New("maximum crawl depth exceeded")

	// Content rules
	ErrFileTooLarge     = errors.New("resource exceeds max file size")
	ErrDuplicateContent = errors.New("content already seen from another domain")

	ErrWorkerHung       = errors.New("worker exceeded its timeout")
	ErrWorkerPanic      = errors.New("worker recovered from panic")
	ErrFilesystem       = errors.New("filesystem error")
	ErrDatabase         = errors.New("database error")
	ErrSemaphoreTimeout = errors.New("timeout acquiring semaphore")
	ErrConfigValidation = errors.New("configuration validation error")
	ErrQueueClosed      = errors.New("queue closed")
)

// WrapErrorf wraps a sentinel with a formatted message so errors.Is still matches.
func WrapErrorf(sentinel error, format string, args ...any) error {
	return fmt.Errorf("%w: %s", sentinel, fmt.Sprintf(format, args...))
}

// IsRejection reports whether err is an admission decision rather than a failure.
func IsRejection(err error) bool {
	return errors.Is(err, ErrBlocklisted) ||
		errors.Is(err, ErrCustomFilter) ||
		errors.Is(err, ErrJunkFilter) ||
		errors.Is(err, ErrScopeViolation) ||
		errors.Is(err, ErrRobotsDisallowed) ||
		errors.Is(err, ErrMaxDepthExceeded)
}

// CategorizeError maps an error to a predefined category string for logging/metrics.
func CategorizeError(err error) string {
	if err == nil {
		return "None"
	}

	switch {
	case errors.Is(err, ErrRetryFailed):
		switch {
		case errors.Is(err, ErrServerHTTPError):
			return "RetryFailed_HTTPServer"
		case errors.Is(err, ErrClientHTTPError):
			return "RetryFailed_HTTPClient"
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return "RetryFailed_NetworkTimeout"
		}
		return "RetryFailed_" + networkCategory(err.Error(), "NetworkOther")
	case errors.Is(err, ErrClientHTTPError):
		errMsg := err.Error()
		for _, code := range []string{"404", "403", "401", "416", "429"} {
			if strings.Contains(errMsg, " "+code+" ") {
				return "HTTP_" + code
			}
		}
		return "HTTP_4xx"
	case errors.Is(err, ErrServerHTTPError):
		return "HTTP_5xx"
	case errors.Is(err, ErrOtherHTTPError):
		return "HTTP_OtherStatus"
	case errors.Is(err, ErrBlocklisted):
		return "Policy_Blocklist"
	case errors.Is(err, ErrCustomFilter):
		return "Policy_CustomFilter"
	case errors.Is(err, ErrJunkFilter):
		return "Policy_Junk"
	case errors.Is(err, ErrScopeViolation):
		return "Policy_External"
	case errors.Is(err, ErrRobotsDisallowed):
		return "Policy_Robots"
	case errors.Is(err, ErrMaxDepthExceeded):
		return "Policy_MaxDepth"
	case errors.Is(err, ErrFileTooLarge):
		return "Content_TooLarge"
	case errors.Is(err, ErrDuplicateContent):
		return "Content_Duplicate"
	case errors.Is(err, ErrWorkerHung):
		return "Worker_Hung"
	case errors.Is(err, ErrWorkerPanic):
		return "Worker_Panic"
	case errors.Is(err, ErrFilesystem):
		if errors.Is(err, os.ErrPermission) {
			return "Filesystem_Permission"
		}
		if errors.Is(err, os.ErrNotExist) {
			return "Filesystem_NotExist"
		}
		return "Filesystem_Other"
	case errors.Is(err, ErrDatabase):
		return "Database_Other"
	case errors.Is(err, ErrSemaphoreTimeout):
		return "Resource_SemaphoreTimeout"
	case errors.Is(err, ErrRequestCreation):
		return "Internal_RequestCreation"
	case errors.Is(err, ErrResponseBodyRead):
		return "Network_BodyRead"
	case errors.Is(err, ErrConfigValidation):
		return "Config_Validation"
	case errors.Is(err, ErrQueueClosed):
		return "Internal_QueueClosed"
	}

	if errors.Is(err, context.Canceled) {
		return "System_ContextCanceled"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		if strings.Contains(err.Error(), "semaphore") {
			return "Resource_SemaphoreTimeout"
		}
		return "System_ContextDeadlineExceeded"
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "Network_Timeout"
	}
	return networkCategory(err.Error(), "Unknown")
}

// networkCategory classifies common transport failures by message.
func networkCategory(msg, fallback string) string {
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "timeout"), strings.Contains(lower, "deadline exceeded"):
		return "Network_TimeoutGeneric"
	case strings.Contains(lower, "connection refused"):
		return "Network_ConnectionRefused"
	case strings.Contains(lower, "no such host"):
		return "Network_DNSLookup"
	case strings.Contains(lower, "tls"), strings.Contains(lower, "certificate"):
		return "Network_TLS"
	case strings.Contains(lower, "reset by peer"):
		return "Network_ConnectionReset"
	case strings.Contains(lower, "broken pipe"):
		return "Network_BrokenPipe"
	}
	return fallback
}
