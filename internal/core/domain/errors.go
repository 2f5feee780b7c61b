package domain

import (
	"errors"
	"fmt"
)

type ErrorKind string

const (
	KindValidation      ErrorKind = "validation"
	KindConflict        ErrorKind = "conflict"
	KindStore           ErrorKind = "store"
	KindUnsupportedUnit ErrorKind = "unsupported_unit"
)

// Retryable reports whether resubmitting the same request may succeed.
func (k ErrorKind) Retryable() bool {
	return k == KindConflict || k == KindStore
}

type Error struct {
	Kind    ErrorKind
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		return fmt.Sprintf("%s [%s]: %v", msg, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s [%s]", msg, e.Kind)
}

func (e *Error) Unwrap() error {
	return e.Err
}

var (
	ErrNotFound              = errors.New("not found")
	ErrUnknownProduct        = errors.New("unknown product")
	ErrUnknownItem           = errors.New("unknown item")
	ErrUnknownLocation       = errors.New("unknown location")
	ErrInsufficientStock     = errors.New("insufficient stock")
	ErrReplenishmentInFlight = errors.New("replenishment already in flight")
	ErrAlreadyArrived        = errors.New("item already arrived")
	ErrDuplicateRequest      = errors.New("duplicate request")
)

func NewValidationError(op string, err error, format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Op: op, Message: fmt.Sprintf(format, args...), Err: err}
}

func NewConflictError(op string, err error) *Error {
	return &Error{Kind: KindConflict, Op: op, Message: "write conflict", Err: err}
}

func NewStoreError(op string, err error) *Error {
	return &Error{Kind: KindStore, Op: op, Message: "store unavailable", Err: err}
}

func NewUnsupportedUnitError(unit string) *Error {
	return &Error{Kind: KindUnsupportedUnit, Op: "delivery", Message: fmt.Sprintf("time unit %q not supported", unit)}
}

// KindOf returns the kind of the first *Error in err's chain, or KindStore when
// err carries none.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindStore
}

func isKind(err error, kind ErrorKind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

func IsValidation(err error) bool {
	return isKind(err, KindValidation)
}

func IsConflict(err error) bool {
	return isKind(err, KindConflict)
}

func IsStore(err error) bool {
	return isKind(err, KindStore)
}

func IsUnsupportedUnit(err error) bool {
	return isKind(err, KindUnsupportedUnit)
}
