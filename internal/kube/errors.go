package kube

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrInvalidAPIVersion is returned for an apiVersion that is not group/version or version.
	ErrInvalidAPIVersion = errors.New("invalid API version")

	// ErrUnknownAPI is returned when no resource is registered for an apiVersion and kind.
	ErrUnknownAPI = errors.New("unknown API")

	// ErrInvalidDescriptor is returned when a descriptor string cannot be parsed.
	ErrInvalidDescriptor = errors.New("invalid descriptor")
)

// Error is an error originating from the resource API, with details about
// the request that caused it.
type Error struct {
	// Reason is one of the package sentinel errors.
	Reason error

	// Details describes the offending request.
	Details map[string]any

	// Err is the underlying cause, if any.
	Err error
}

func newError(reason error, details map[string]any, cause error) *Error {
	return &Error{Reason: reason, Details: details, Err: cause}
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Reason.Error())

	if len(e.Details) > 0 {
		keys := make([]string, 0, len(e.Details))
		for k := range e.Details {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for i, k := range keys {
			if i == 0 {
				b.WriteString(" (")
			} else {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "%s=%v", k, e.Details[k])
		}
		b.WriteString(")")
	}

	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap exposes both the reason and the cause to errors.Is and errors.As.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Reason}
	}
	return []error{e.Reason, e.Err}
}
