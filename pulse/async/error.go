package async

import (
	"strings"

	"github.com/teranos/reel/fetch"
)

// ErrorCode represents the classification of a failed retrieval
type ErrorCode string

const (
	ErrorCodeUnsupportedURL ErrorCode = "unsupported_url"
	ErrorCodeUnavailable    ErrorCode = "unavailable"
	ErrorCodeAuthRequired   ErrorCode = "auth_required"
	ErrorCodeNetworkError   ErrorCode = "network_error"
	ErrorCodeTimeout        ErrorCode = "timeout"
	ErrorCodeNoOutput       ErrorCode = "no_output"
	ErrorCodeFilesystem     ErrorCode = "filesystem"
	ErrorCodePanic          ErrorCode = "panic"
	ErrorCodeUnknown        ErrorCode = "unknown"
)

// ErrorContext provides structured information about a job failure
type ErrorContext struct {
	Code      ErrorCode
	Message   string // diagnostics as recorded on the job
	Retryable bool   // worth resubmitting later
}

// ClassifyFailure categorizes a failed fetch result from its reason and
// diagnostic text.
func ClassifyFailure(res fetch.Result) ErrorContext {
	msg := res.Diagnostics()
	ctx := ErrorContext{Message: msg}

	switch res.Reason {
	case fetch.ReasonNoOutput:
		ctx.Code = ErrorCodeNoOutput
		return ctx
	case fetch.ReasonFilesystem:
		ctx.Code = ErrorCodeFilesystem
		ctx.Retryable = true
		return ctx
	}

	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "timed out") || strings.Contains(lower, "deadline exceeded"):
		ctx.Code = ErrorCodeTimeout
		ctx.Retryable = true

	case strings.Contains(lower, "unsupported url") || strings.Contains(lower, "is not a valid url"):
		ctx.Code = ErrorCodeUnsupportedURL

	case strings.Contains(lower, "sign in") || strings.Contains(lower, "login required") ||
		strings.Contains(lower, "cookies") || strings.Contains(lower, "members-only"):
		ctx.Code = ErrorCodeAuthRequired

	case strings.Contains(lower, "video unavailable") || strings.Contains(lower, "private video") ||
		strings.Contains(lower, "has been removed") || strings.Contains(lower, "http error 404"):
		ctx.Code = ErrorCodeUnavailable

	case strings.Contains(lower, "unable to download") || strings.Contains(lower, "connection") ||
		strings.Contains(lower, "network") || strings.Contains(lower, "http error 5"):
		ctx.Code = ErrorCodeNetworkError
		ctx.Retryable = true

	default:
		ctx.Code = ErrorCodeUnknown
	}

	return ctx
}
