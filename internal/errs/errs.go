// Package errs defines the error taxonomy shared by the scheduler packages.
//
// Every error returned by the engine wraps exactly one of the sentinels below,
// so callers classify failures with errors.Is:
//
//	if errors.Is(err, errs.ErrShape) { ... }
package errs

import (
	"errors"
	"fmt"
)

var (
	// ErrConfig reports invalid construction parameters.
	ErrConfig = errors.New("diffsched: invalid config")
	// ErrState reports a step on a missing, exhausted or mismatched state.
	ErrState = errors.New("diffsched: invalid state")
	// ErrShape reports a sample/prediction shape mismatch.
	ErrShape = errors.New("diffsched: shape mismatch")
	// ErrNumeric reports NaN or Inf produced by an update.
	ErrNumeric = errors.New("diffsched: non-finite value")
)

func Config(format string, args ...any) error {
	return wrap(ErrConfig, format, args...)
}

func State(format string, args ...any) error {
	return wrap(ErrState, format, args...)
}

func Shape(format string, args ...any) error {
	return wrap(ErrShape, format, args...)
}

func Numeric(format string, args ...any) error {
	return wrap(ErrNumeric, format, args...)
}

// Kind returns the short label of the sentinel wrapped by err, used as a
// metrics label. Errors outside the taxonomy report "other".
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrConfig):
		return "config"
	case errors.Is(err, ErrState):
		return "state"
	case errors.Is(err, ErrShape):
		return "shape"
	case errors.Is(err, ErrNumeric):
		return "numeric"
	default:
		return "other"
	}
}

func wrap(sentinel error, format string, args ...any) error {
	return fmt.Errorf("%w: %s", sentinel, fmt.Sprintf(format, args...))
}
