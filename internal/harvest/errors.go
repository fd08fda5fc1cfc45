package harvest

import (
	"errors"
	"fmt"

	"github.com/roach88/harvester/internal/oplog"
)

// ErrRetriesExhausted is wrapped by the fatal error returned when a tracked
// handler fails MaxAttempts times.
var ErrRetriesExhausted = errors.New("handler retries exhausted")

// ErrorCode categorizes fatal harvester errors.
type ErrorCode string

const (
	// ErrCodeTail indicates the log cursor could not be opened or failed.
	ErrCodeTail ErrorCode = "TAIL_FAILED"

	// ErrCodeCheckpoint indicates the checkpoint could not be read or written.
	ErrCodeCheckpoint ErrorCode = "CHECKPOINT_FAILED"

	// ErrCodeRetriesExhausted indicates a tracked handler gave up.
	ErrCodeRetriesExhausted ErrorCode = "RETRIES_EXHAUSTED"
)

// Error is a fatal harvester error. The harvester stops and Wait returns it;
// restarting resumes from the last persisted checkpoint.
type Error struct {
	Code     ErrorCode
	Message  string
	Position oplog.Position
	Resource string
	Err      error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if !e.Position.IsZero() {
		msg += fmt.Sprintf(" (position=%s", e.Position)
		if e.Resource != "" {
			msg += ", resource=" + e.Resource
		}
		msg += ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

func hasCode(err error, code ErrorCode) bool {
	var he *Error
	if errors.As(err, &he) {
		return he.Code == code
	}
	return false
}

// IsTailError reports whether err is a fatal tail error.
func IsTailError(err error) bool {
	return hasCode(err, ErrCodeTail)
}

// IsCheckpointError reports whether err is a fatal checkpoint error.
func IsCheckpointError(err error) bool {
	return hasCode(err, ErrCodeCheckpoint)
}

// IsRetriesExhausted reports whether err came from a handler that ran out
// of attempts.
func IsRetriesExhausted(err error) bool {
	return hasCode(err, ErrCodeRetriesExhausted) || errors.Is(err, ErrRetriesExhausted)
}

func newTailError(pos oplog.Position, err error) *Error {
	return &Error{Code: ErrCodeTail, Message: "log tail failed", Position: pos, Err: err}
}

func newCheckpointError(msg string, pos oplog.Position, err error) *Error {
	return &Error{Code: ErrCodeCheckpoint, Message: msg, Position: pos, Err: err}
}
