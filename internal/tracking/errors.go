package tracking

import (
	"errors"
	"fmt"
)

type Kind int

const (
	KindInvalidInput Kind = iota + 1
	// KindContention lost the optimistic concurrency race on every attempt.
	KindContention
	KindUnavailable
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindInvalidInput:
		return "invalid_input"
	case KindContention:
		return "contention"
	case KindUnavailable:
		return "unavailable"
	case KindFatal:
		return "fatal"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Retryable reports whether re-invoking the whole operation may succeed.
func (k Kind) Retryable() bool {
	return k == KindContention || k == KindUnavailable
}

var (
	ErrInvalidInput = errors.New("tracking: invalid input")
	ErrContention   = errors.New("tracking: contention")
	ErrUnavailable  = errors.New("tracking: unavailable")
	ErrFatal        = errors.New("tracking: fatal")

	errEmptyPath   = errors.New("page path is empty")
	errPathTooLong = fmt.Errorf("page path exceeds %d bytes once normalized", MaxKeyLength)
)

type Error struct {
	Kind Kind
	// Path is the raw page path as given by the caller.
	Path string
	Err  error
}

func newError(kind Kind, path string, err error) *Error {
	return &Error{Kind: kind, Path: path, Err: err}
}

func (e *Error) Error() string {
	return fmt.Sprintf("tracking: %s: path=%q: %v", e.Kind, e.Path, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is makes errors.Is(err, ErrContention) and friends match on Kind.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrInvalidInput:
		return e.Kind == KindInvalidInput
	case ErrContention:
		return e.Kind == KindContention
	case ErrUnavailable:
		return e.Kind == KindUnavailable
	case ErrFatal:
		return e.Kind == KindFatal
	}
	return false
}

// KindOf returns the kind of a tracking error, KindFatal for any other non-nil error and 0 for nil.
func KindOf(err error) Kind {
	if err == nil {
		return 0
	}
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return KindFatal
}

func Retryable(err error) bool {
	return err != nil && KindOf(err).Retryable()
}
