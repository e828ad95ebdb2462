package contract

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrValidation     = errors.New("validation failed")
	ErrExternalCall   = errors.New("external call failed")
	ErrBudgetExceeded = errors.New("token budget exceeded")
	ErrLoopExhausted  = errors.New("decide/act loop exhausted")

	ErrModelInvoke     = errors.New("model invoke failed")
	ErrSchemaViolation = errors.New("model response violates schema")
	ErrPromptMissing   = errors.New("required prompt is missing")
)

// Kind is the caller-visible classification of a failure.
type Kind string

const (
	KindValidation     Kind = "validation"
	KindExternalCall   Kind = "external_call"
	KindBudgetExceeded Kind = "budget_exceeded"
	KindLoopExhausted  Kind = "loop_exhausted"
	KindCanceled       Kind = "canceled"
	KindInternal       Kind = "internal"
)

// Error carries a structured kind plus message. errors.Is matches the
// sentinel of its kind, so callers can test either way.
type Error struct {
	Kind      Kind
	Op        string
	Message   string
	Transient bool
	Err       error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, msg)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	switch target {
	case ErrValidation:
		return e.Kind == KindValidation
	case ErrExternalCall:
		return e.Kind == KindExternalCall
	case ErrBudgetExceeded:
		return e.Kind == KindBudgetExceeded
	case ErrLoopExhausted:
		return e.Kind == KindLoopExhausted
	}
	return false
}

func ValidationError(op string, err error, format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Op: op, Message: fmt.Sprintf(format, args...), Err: err}
}

func ExternalCallError(op string, transient bool, err error) *Error {
	return &Error{Kind: KindExternalCall, Op: op, Transient: transient, Err: err}
}

func BudgetExceededError(op string, err error, format string, args ...any) *Error {
	return &Error{Kind: KindBudgetExceeded, Op: op, Message: fmt.Sprintf(format, args...), Err: err}
}

func LoopExhaustedError(op string, cycles int) *Error {
	return &Error{
		Kind:    KindLoopExhausted,
		Op:      op,
		Message: fmt.Sprintf("no final answer after %d decide cycles", cycles),
	}
}

// KindOf reports the structured kind of err. Unclassified errors are
// internal; context cancellation and deadlines are canceled.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if isContextErr(err) {
		return KindCanceled
	}
	return KindInternal
}

// IsTransient reports whether err is an external call failure worth retrying.
func IsTransient(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == KindExternalCall && e.Transient
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
