package gcloud

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/camforge/camforge/internal/retry"
)

// APIError is a structured error returned by the control plane.
type APIError struct {
	StatusCode int
	Status     string
	Message    string
}

func (e *APIError) Error() string {
	if e.Status != "" {
		return fmt.Sprintf("control plane error %d (%s): %s", e.StatusCode, e.Status, e.Message)
	}
	return fmt.Sprintf("control plane error %d: %s", e.StatusCode, e.Message)
}

// isAPIErrorCode checks if the error is an APIError with one of the given HTTP codes.
func isAPIErrorCode(err error, codes ...int) bool {
	if err == nil {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		for _, code := range codes {
			if apiErr.StatusCode == code {
				return true
			}
		}
	}
	return false
}

func hasStatus(err error, statuses ...string) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	for _, s := range statuses {
		if apiErr.Status == s {
			return true
		}
	}
	return false
}

// IsNotFound checks if an error indicates a resource was not found.
func IsNotFound(err error) bool {
	return isAPIErrorCode(err, 404) || hasStatus(err, "NOT_FOUND")
}

// IsAlreadyExists checks if an error indicates the resource already
// exists. Creation steps treat this as success.
func IsAlreadyExists(err error) bool {
	return hasStatus(err, "ALREADY_EXISTS") || (isAPIErrorCode(err, 409) && !hasStatus(err, "ABORTED"))
}

// IsConflict checks for optimistic-concurrency conflicts, such as an
// IAM policy etag mismatch. These clear on re-read and are retryable.
func IsConflict(err error) bool {
	return hasStatus(err, "ABORTED", "CONFLICT")
}

// IsPermissionDenied checks if an error indicates missing permissions
// on the caller's credential. Not retryable; the operator has to grant
// access.
func IsPermissionDenied(err error) bool {
	return isAPIErrorCode(err, 401, 403) && !IsQuotaExhausted(err)
}

// IsQuotaExhausted checks if an error indicates an exhausted quota.
// Waiting does not help within a run's lifetime, so these are fatal
// and carry a remediation hint.
func IsQuotaExhausted(err error) bool {
	return hasStatus(err, "RESOURCE_EXHAUSTED") || isAPIErrorCode(err, 429)
}

// IsUnavailable checks if an error indicates a server-side failure
// expected to clear on its own.
func IsUnavailable(err error) bool {
	return isAPIErrorCode(err, 500, 502, 503, 504)
}

// Classify maps a control-plane error to a retry class: server-side
// and transport failures are transient, everything else needs operator
// attention and is fatal.
func Classify(err error) retry.Class {
	switch {
	case err == nil:
		return retry.Transient
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return retry.Fatal
	case IsUnavailable(err), IsConflict(err):
		return retry.Transient
	case IsQuotaExhausted(err), IsPermissionDenied(err):
		return retry.Fatal
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		// Remaining 4xx responses are request problems; retrying the
		// same request cannot fix them.
		return retry.Fatal
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return retry.Transient
	}
	// Unrecognized transport-level failure.
	return retry.Transient
}

// Hint returns a remediation hint for fatal control-plane errors, or
// an empty string when there is nothing actionable to say.
func Hint(err error) string {
	switch {
	case IsQuotaExhausted(err):
		return "quota exhausted: request a quota increase or choose a different project, then resume the run"
	case IsPermissionDenied(err):
		return "permission denied: grant the required role to the active credential, then resume the run"
	case IsNotFound(err):
		return "resource not found: verify the project reference and region in the configuration"
	}
	return ""
}
