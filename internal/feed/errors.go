package feed

import (
	"errors"
	"fmt"
)

// AuthError is an authorization or credential failure reported by the feed.
type AuthError struct {
	Reason string
	Err    error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("feed authorization failed: %s: %v", e.Reason, e.Err)
	}
	return "feed authorization failed: " + e.Reason
}

func (e *AuthError) Unwrap() error { return e.Err }

// TransientError is a connectivity blip the feed is expected to ride out.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient feed error: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// MutationError reports a failed write of a notification field.
type MutationError struct {
	ID  string
	Err error
}

func (e *MutationError) Error() string {
	return fmt.Sprintf("mutation of notification %s failed: %v", e.ID, e.Err)
}

func (e *MutationError) Unwrap() error { return e.Err }

// Class is the error taxonomy bucket an error belongs to.
type Class int

const (
	ClassTransient Class = iota
	ClassAuth
	ClassMutation
)

func (c Class) String() string {
	switch c {
	case ClassAuth:
		return "auth"
	case ClassMutation:
		return "mutation"
	default:
		return "transient"
	}
}

// Classify buckets err. Anything unrecognised is transient.
func Classify(err error) Class {
	var authErr *AuthError
	if errors.As(err, &authErr) {
		return ClassAuth
	}
	var mutErr *MutationError
	if errors.As(err, &mutErr) {
		return ClassMutation
	}
	return ClassTransient
}

// IsAuthError reports whether err is (or wraps) an AuthError.
func IsAuthError(err error) bool {
	return Classify(err) == ClassAuth
}
