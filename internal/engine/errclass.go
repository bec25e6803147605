package engine

import "strings"

// ErrorCode is a stable, machine-readable failure code. Result text stays
// human-readable; the code goes to the journal and the logs.
type ErrorCode string

const (
	ErrorCodeNotFound         ErrorCode = "NOT_FOUND"
	ErrorCodePermissionDenied ErrorCode = "PERMISSION_DENIED"
	ErrorCodeCanceled         ErrorCode = "CANCELED"
	ErrorCodeCapability       ErrorCode = "CAPABILITY_UNAVAILABLE"
	ErrorCodeUnknown          ErrorCode = "UNKNOWN"
)

// FailureClass pairs a code with whether a retry could plausibly succeed.
type FailureClass struct {
	Code      ErrorCode
	Retryable bool
}

func classifyFailure(msg string) FailureClass {
	lower := strings.ToLower(strings.TrimSpace(msg))

	switch {
	case strings.Contains(lower, "permission denied"):
		return FailureClass{Code: ErrorCodePermissionDenied}
	case strings.Contains(lower, "shell integration"):
		return FailureClass{Code: ErrorCodeCapability}
	case strings.Contains(lower, "aborted"),
		strings.Contains(lower, "canceled"),
		strings.Contains(lower, "interrupted"):
		return FailureClass{Code: ErrorCodeCanceled, Retryable: true}
	case strings.Contains(lower, "not found"),
		strings.Contains(lower, "no such file"):
		return FailureClass{Code: ErrorCodeNotFound}
	}
	return FailureClass{Code: ErrorCodeUnknown}
}
