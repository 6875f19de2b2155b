package engine

import (
	"errors"
	"fmt"

	"memevault/internal/engine/auth"
	"memevault/internal/payment"
	"memevault/internal/repo"
)

// ValidationError rejects a request without mutating anything.
type ValidationError struct {
	Reason string
}

func (e ValidationError) Error() string {
	return e.Reason
}

func invalidf(format string, args ...any) error {
	return ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// ConflictError reports that a concurrent transition already happened. It is
// benign and carries the state the caller should be told about.
type ConflictError struct {
	State string
}

func (e ConflictError) Error() string {
	return e.State
}

func IsValidation(err error) bool {
	var v ValidationError
	return errors.As(err, &v)
}

func IsConflict(err error) bool {
	var c ConflictError
	return errors.As(err, &c)
}

func IsForbidden(err error) bool {
	var f auth.ForbiddenError
	return errors.As(err, &f)
}

// IsTransient reports whether err is worth retrying later.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	return !IsValidation(err) && !IsConflict(err) && !IsForbidden(err) &&
		!errors.Is(err, repo.ErrNotFound) && !payment.IsInvalidInput(err)
}

// PublicMessage is the text shown to a participant for err. Unexpected
// errors are never shown verbatim.
func PublicMessage(err error) string {
	var (
		v ValidationError
		c ConflictError
		f auth.ForbiddenError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &v):
		return v.Reason
	case errors.As(err, &c):
		return c.State
	case errors.As(err, &f):
		return f.Reason
	case errors.Is(err, repo.ErrNotFound):
		return "not found"
	default:
		return "something went wrong, please try again later"
	}
}
