package core

import (
	"errors"
	"fmt"
)

// Error codes for domain errors.
const (
	ErrCodeNotJoined     = "not_joined"
	ErrCodeAlreadyJoined = "already_joined"
	ErrCodeBadRequest    = "bad_request"
	ErrCodeWriteFailed   = "write_failed"
	ErrCodeRateLimited   = "rate_limited"
)

var (
	ErrNotJoined     = errors.New("not joined")
	ErrAlreadyJoined = errors.New("already joined")
	ErrEmptyBody     = errors.New("message body is empty")
	ErrBadRequest    = errors.New("bad request")
	ErrWriteFailed   = errors.New("write failed")
)

// WriteError reports a failed write to the substrate.
// errors.Is(err, ErrWriteFailed) holds for every WriteError.
type WriteError struct {
	Op  string
	Err error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("%s: write failed: %v", e.Op, e.Err)
}

func (e *WriteError) Unwrap() error {
	return e.Err
}

func (e *WriteError) Is(target error) bool {
	return target == ErrWriteFailed
}

func writeError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &WriteError{Op: op, Err: err}
}

// CoreError wraps a code and human-readable message.
type CoreError struct {
	Code    string
	Message string
}

func (e *CoreError) Error() string {
	return e.Message
}

func coreError(code, msg string) *CoreError {
	return &CoreError{Code: code, Message: msg}
}

// ToCoreError maps an error onto a wire code.
func ToCoreError(err error) *CoreError {
	var ce *CoreError
	switch {
	case err == nil:
		return nil
	case errors.As(err, &ce):
		return ce
	case errors.Is(err, ErrNotJoined):
		return coreError(ErrCodeNotJoined, err.Error())
	case errors.Is(err, ErrAlreadyJoined):
		return coreError(ErrCodeAlreadyJoined, err.Error())
	case errors.Is(err, ErrEmptyBody), errors.Is(err, ErrBadRequest):
		return coreError(ErrCodeBadRequest, err.Error())
	case errors.Is(err, ErrWriteFailed):
		return coreError(ErrCodeWriteFailed, err.Error())
	default:
		return coreError(ErrCodeWriteFailed, err.Error())
	}
}
