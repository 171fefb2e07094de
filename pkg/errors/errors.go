package errors

import (
	goErrors "errors"
	"fmt"
)

// FriendlyError is an error whose message is suitable for showing directly to
// the user, without any of the context that's normally prepended by
// WithContext.
type FriendlyError interface {
	error
	FriendlyMessage() string
}

type friendlyError struct {
	msg string
}

func (err friendlyError) Error() string {
	return err.msg
}

func (err friendlyError) FriendlyMessage() string {
	return err.msg
}

// NewFriendlyError creates a new FriendlyError with a message built from the
// template and arguments.
func NewFriendlyError(template string, args ...interface{}) error {
	return friendlyError{fmt.Sprintf(template, args...)}
}

// New returns an error with the given formatted message.
func New(template string, args ...interface{}) error {
	return goErrors.New(fmt.Sprintf(template, args...))
}

type withContext struct {
	cause   error
	context string
}

func (err withContext) Error() string {
	return fmt.Sprintf("%s: %s", err.context, err.cause)
}

func (err withContext) Unwrap() error {
	return err.cause
}

// WithContext annotates `err` with a short description of what was being
// attempted when the error occurred. Nil errors stay nil.
func WithContext(err error, context string) error {
	if err == nil {
		return nil
	}
	return withContext{cause: err, context: context}
}

// RootCause strips all of the context added by WithContext and returns the
// original error.
func RootCause(err error) error {
	for {
		ctxErr, ok := err.(withContext)
		if !ok {
			return err
		}
		err = ctxErr.cause
	}
}

// GetPrintableMessage returns the message that should be shown to the user
// for `err`. If a FriendlyError is anywhere in the chain, only its message is
// shown.
func GetPrintableMessage(err error) string {
	var friendly FriendlyError
	if goErrors.As(err, &friendly) {
		return friendly.FriendlyMessage()
	}
	return err.Error()
}

// Is is a passthrough to the standard library so that callers don't need to
// import both packages.
func Is(err, target error) bool {
	return goErrors.Is(err, target)
}

// As is a passthrough to the standard library.
func As(err error, target interface{}) bool {
	return goErrors.As(err, target)
}
