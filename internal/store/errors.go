package store

import (
	"errors"
	"strings"
)

// The kinds of errors reported by the stores and the registry service.  Use [errors.Is] to test
// an error returned by this package against one of these values.
var (
	// ErrNotFound indicates that a referenced module or version does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict indicates a uniqueness violation, either on (family, name) or (module, version).
	ErrConflict = errors.New("already exists")
	// ErrValidation indicates a missing or malformed argument.
	ErrValidation = errors.New("invalid argument")
	// ErrPersistence indicates a failure of the underlying database.
	ErrPersistence = errors.New("database operation failed")
)

// Error is the concrete error type returned by the stores.  Kind is one of [ErrNotFound],
// [ErrConflict], [ErrValidation], or [ErrPersistence] and Err, if not nil, is the underlying cause.
type Error struct {
	Kind error
	Op   string
	Key  string
	Err  error
}

// NewError returns an *Error of the specified kind for operation op on the module/version identified
// by key.
func NewError(kind error, op, key string, err error) error {
	return &Error{
		Kind: kind,
		Op:   op,
		Key:  key,
		Err:  err,
	}
}

func (e *Error) Error() string {
	var sb strings.Builder
	sb.WriteString(e.Op)
	if e.Key != "" {
		sb.WriteString(" " + e.Key)
	}
	sb.WriteString(": ")
	switch {
	case e.Err == nil:
		sb.WriteString(e.Kind.Error())
	case e.Kind == ErrPersistence:
		sb.WriteString(e.Kind.Error() + ": " + e.Err.Error())
	default:
		sb.WriteString(e.Err.Error())
	}
	return sb.String()
}

// Unwrap exposes both the error kind and the underlying cause to [errors.Is] and [errors.As].
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// KindOf returns the error kind of err, or nil if err is nil.  Errors that did not originate from
// this package are reported as [ErrPersistence].
func KindOf(err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	for _, k := range []error{ErrNotFound, ErrConflict, ErrValidation, ErrPersistence} {
		if errors.Is(err, k) {
			return k
		}
	}
	return ErrPersistence
}

func notFound(op, key string) error {
	return NewError(ErrNotFound, op, key, nil)
}

func conflict(op, key string, err error) error {
	return NewError(ErrConflict, op, key, err)
}

func invalid(op, key, msg string) error {
	return NewError(ErrValidation, op, key, errors.New(msg))
}

// persistence wraps a backend error.  Errors that already carry a kind are returned unchanged.
func persistence(op, key string, err error) error {
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return NewError(ErrPersistence, op, key, err)
}
