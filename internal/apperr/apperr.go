package apperr

import (
	"errors"
	"fmt"
)

// Kind categorizes ledger failures. Callers branch on the kind, never on the message.
type Kind string

const (
	InvalidArgument         Kind = "INVALID_ARGUMENT"
	NotRegistered           Kind = "NOT_REGISTERED"
	NotFound                Kind = "NOT_FOUND"
	InsufficientFunds       Kind = "INSUFFICIENT_FUNDS"
	Expired                 Kind = "EXPIRED"
	NotYetValid             Kind = "NOT_YET_VALID"
	MalformedValidityWindow Kind = "MALFORMED_VALIDITY_WINDOW"
	AlreadySettled          Kind = "ALREADY_SETTLED"
	AssetMismatch           Kind = "ASSET_MISMATCH"
	OwnershipMismatch       Kind = "OWNERSHIP_MISMATCH"
	Overflow                Kind = "OVERFLOW"
	Busy                    Kind = "BUSY"
	Internal                Kind = "INTERNAL"
)

// Error is the typed failure returned by every ledger component.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, msg)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// E builds an Error with a formatted message.
func E(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an underlying error. A nil err yields nil.
// An err that already carries a kind keeps it.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	var ae *Error
	if errors.As(err, &ae) {
		return err
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf reports the kind of err, Internal for untyped errors and "" for nil.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return Internal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
