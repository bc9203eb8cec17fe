// Package faults defines the error taxonomy shared by every pipeline stage.
//
// Stages return *Error values so that the retry executor, the orchestrator and
// the HTTP boundary can decide on retries and status codes without string
// matching.
package faults

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a failure.
type Kind string

const (
	KindValidation        Kind = "validation"
	KindNotFound          Kind = "not_found"
	KindTransient         Kind = "transient"
	KindTool              Kind = "tool"
	KindInvalidTransition Kind = "invalid_transition"
	KindUnavailable       Kind = "unavailable"
	KindInternal          Kind = "internal"
)

// Error is a classified failure. Op names the operation that failed
// (e.g. "fetch", "transcode"), Msg is a human readable description and Err the
// optional underlying cause.
type Error struct {
	Kind      Kind
	Op        string
	Msg       string
	Retriable bool
	Err       error
}

func (e *Error) Error() string {
	msg := e.Msg
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by kind and op so that sentinels like
// ErrInvalidTransition work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.Op == "" || t.Op == e.Op
}

// Sentinels for errors.Is checks.
var (
	ErrValidation        = &Error{Kind: KindValidation}
	ErrNotFound          = &Error{Kind: KindNotFound}
	ErrInvalidTransition = &Error{Kind: KindInvalidTransition}
)

// InvalidReference reports a source reference that does not match any accepted
// hosting-platform URL shape.
func InvalidReference(ref string) *Error {
	return &Error{Kind: KindValidation, Op: "validate", Msg: fmt.Sprintf("invalid source reference %q", ref)}
}

// InvalidProfile reports an unknown platform name.
func InvalidProfile(name string) *Error {
	return &Error{Kind: KindValidation, Op: "validate", Msg: fmt.Sprintf("unknown platform profile %q", name)}
}

// InvalidClip reports a clip window outside the accepted bounds.
func InvalidClip(msg string) *Error {
	return &Error{Kind: KindValidation, Op: "validate", Msg: msg}
}

// SourceNotFound reports that the hosting platform says the reference does not
// exist. Never retried.
func SourceNotFound(ref string, cause error) *Error {
	return &Error{Kind: KindNotFound, Op: "fetch", Msg: fmt.Sprintf("source %q not found", ref), Err: cause}
}

// SourceTooLarge reports a source exceeding the configured download limit.
func SourceTooLarge(ref string) *Error {
	return &Error{Kind: KindValidation, Op: "fetch", Msg: fmt.Sprintf("source %q exceeds the maximum file size", ref)}
}

// JobNotFound reports an unknown job id.
func JobNotFound(id string) *Error {
	return &Error{Kind: KindNotFound, Op: "job", Msg: fmt.Sprintf("job %q not found", id)}
}

// FetchError reports a network or availability failure while retrieving the
// source. Retriable.
func FetchError(msg string, cause error) *Error {
	return &Error{Kind: KindTransient, Op: "fetch", Msg: msg, Retriable: true, Err: cause}
}

// TranscodeError carries the transcoding tool's diagnostic text. transient
// marks failures caused by resource conditions that a retry may clear.
func TranscodeError(diagnostic string, transient bool, cause error) *Error {
	return &Error{Kind: KindTool, Op: "transcode", Msg: diagnostic, Retriable: transient, Err: cause}
}

// StoreError reports an artifact persistence failure. Retriable.
func StoreError(msg string, cause error) *Error {
	return &Error{Kind: KindTransient, Op: "store", Msg: msg, Retriable: true, Err: cause}
}

// InvalidCallback reports a callback URL that is not an absolute http(s) URL.
func InvalidCallback(u string) *Error {
	return &Error{Kind: KindValidation, Op: "validate", Msg: fmt.Sprintf("invalid callback url %q", u)}
}

// QueueFull reports that no capacity is left to accept a job.
func QueueFull(cause error) *Error {
	return &Error{Kind: KindUnavailable, Op: "submit", Msg: "job queue is full, try again later", Err: cause}
}

// InvalidTransition reports an attempted state change the state machine does
// not allow. It signals a caller bug and is never retried.
func InvalidTransition(id string, from, to string) *Error {
	return &Error{Kind: KindInvalidTransition, Op: "transition", Msg: fmt.Sprintf("job %s: %s -> %s not allowed", id, from, to)}
}

// Internal wraps an unexpected failure.
func Internal(op string, cause error) *Error {
	return &Error{Kind: KindInternal, Op: op, Msg: "internal error", Err: cause}
}

// KindOf returns the kind of the first *Error in err's chain, or KindInternal.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindInternal
}

// IsRetriable reports whether re-attempting the failed operation could
// plausibly succeed. Unclassified errors are not retried.
func IsRetriable(err error) bool {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Retriable
	}
	return false
}

// HTTPStatus maps an error to the status code used at the submit/poll boundary.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindInvalidTransition:
		return http.StatusConflict
	case KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
