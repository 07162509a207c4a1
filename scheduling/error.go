package scheduling

import "fmt"

// Kind classifies a scheduling error, per the error taxonomy of spec §7
// (encoded as a Go type rather than the teacher's bare HTTP-status
// helpers, since this core has no HTTP layer of its own).
type Kind string

const (
	KindValidation       Kind = "validation_error"
	KindNotFound         Kind = "not_found"
	KindConflict         Kind = "conflict"
	KindDailyCapReached  Kind = "daily_cap_reached"
	KindProviderTransient Kind = "provider_transient"
	KindProviderFatal    Kind = "provider_fatal"
	KindIntegrity        Kind = "integrity_error"
	KindInternal         Kind = "internal_error"
)

// Error is the typed error value every Service method returns on
// failure, so transport/ can map Kind to an HTTP status the way the
// teacher's writeError(w, code, msg) helper maps bare status ints.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func newErr(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

func wrapErr(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Message: msg, Err: err}
}

// DailyCapError carries the capacity snapshot a DailyCapReached failure
// needs so a caller can render "N/M" without a second round-trip.
type DailyCapError struct {
	*Error
	SentToday int
	DailyCap  int
}
