package core

import (
	"errors"
	"fmt"
)

var (
	ErrUnauthenticated = errors.New("user not authenticated")
	ErrUserNotFound    = errors.New("user not found")
	ErrThreadNotFound  = errors.New("thread not found")
)

// ValidationError rejects client input before any external call is made.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// UpstreamError wraps failures of the conversation API, the file API or local file I/O.
type UpstreamError struct {
	Op  string
	Err error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

func upstream(op string, err error) error {
	if err == nil {
		return nil
	}
	var ue *UpstreamError
	if errors.As(err, &ue) {
		return err
	}
	return &UpstreamError{Op: op, Err: err}
}
