package monitor

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

type ErrorCode string

const (
	CodeNotFound              ErrorCode = "not_found"
	CodeInvalidRoleTransition ErrorCode = "invalid_role_transition"
	CodeCapacityExceeded      ErrorCode = "capacity_exceeded"
	CodeNotAMonitor           ErrorCode = "not_a_monitor"
	CodePersistenceFailure    ErrorCode = "persistence_failure"
	CodeInvalidInput          ErrorCode = "invalid_input"
	CodeForbidden             ErrorCode = "forbidden"
)

// Error is the typed failure returned by every Manager operation. errors.Is matches on Code, so
// errors.Is(err, ErrCapacityExceeded) holds for any capacity failure regardless of message or user.
type Error struct {
	Code    ErrorCode
	Message string
	UserID  uuid.UUID
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if e.UserID != uuid.Nil {
		msg = fmt.Sprintf("%s (user_id=%s)", msg, e.UserID)
	}
	if e.Err != nil {
		return fmt.Sprintf("monitor: %s: %v", msg, e.Err)
	}
	return "monitor: " + msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

var (
	ErrNotFound              = &Error{Code: CodeNotFound, Message: "user not found"}
	ErrInvalidRoleTransition = &Error{Code: CodeInvalidRoleTransition, Message: "user is not eligible for this role transition"}
	ErrCapacityExceeded      = &Error{Code: CodeCapacityExceeded, Message: "monitor capacity reached"}
	ErrNotAMonitor           = &Error{Code: CodeNotAMonitor, Message: "user is not an active monitor"}
	ErrPersistenceFailure    = &Error{Code: CodePersistenceFailure, Message: "store operation failed"}
	ErrInvalidInput          = &Error{Code: CodeInvalidInput, Message: "invalid input"}
	ErrForbidden             = &Error{Code: CodeForbidden, Message: "operation not permitted"}
)

func newError(code ErrorCode, userID uuid.UUID, message string) *Error {
	return &Error{Code: code, Message: message, UserID: userID}
}

func persistenceError(err error) *Error {
	return &Error{Code: CodePersistenceFailure, Message: "store operation failed", Err: err}
}

// CodeOf returns the code of the first *Error in err's chain, or "" when there is none.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsBenign reports whether err is a no-op outcome that should not be shown to end users as a failure.
func IsBenign(err error) bool {
	return errors.Is(err, ErrNotAMonitor)
}
