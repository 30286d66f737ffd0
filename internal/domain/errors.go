package domain

import (
	"errors"
	"fmt"
)

// Kind classifies a domain failure. The HTTP layer maps kinds to status
// codes; services never import net/http.
type Kind int

const (
	KindInternal Kind = iota
	KindNotFound
	KindGone
	KindConflict
	KindForbidden
	KindPayloadTooLarge
	KindValidation
	KindUnavailable
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindGone:
		return "gone"
	case KindConflict:
		return "conflict"
	case KindForbidden:
		return "forbidden"
	case KindPayloadTooLarge:
		return "payload_too_large"
	case KindValidation:
		return "validation"
	case KindUnavailable:
		return "unavailable"
	default:
		return "internal"
	}
}

// Error is the domain error carried across service boundaries.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// E builds a domain error.
func E(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap attaches a kind and message to an underlying error.
func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf extracts the kind from err, defaulting to internal.
func KindOf(err error) Kind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
