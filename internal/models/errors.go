package models

import (
	"errors"
	"fmt"
)

// Caller-facing error kinds. Every failure surfaced by the messaging core
// matches one of these with errors.Is.
var (
	// ErrInvalidMessage marks a rejected message (empty body, oversized body,
	// or a sender that is not part of the thread).
	ErrInvalidMessage = errors.New("invalid message")

	// ErrResolutionFailed marks a thread that could not be resolved or created.
	ErrResolutionFailed = errors.New("thread resolution failed")

	// ErrStoreUnavailable marks a transient store failure.
	ErrStoreUnavailable = errors.New("message store unavailable")

	// ErrOutcomeUnknown is returned when a write timed out or was cancelled
	// and may or may not have been committed.
	ErrOutcomeUnknown = fmt.Errorf("%w: write outcome unknown", ErrStoreUnavailable)
)

var (
	ErrThreadNotFound     = errors.New("thread not found")
	ErrThreadResolved     = errors.New("thread is resolved")
	ErrNotSupportThread   = errors.New("not a support thread")
	ErrInvalidTransition  = errors.New("invalid status transition")
	ErrTransitionConflict = errors.New("thread status changed concurrently")
	ErrNotParticipant     = errors.New("not a participant of this thread")
	ErrForbidden          = errors.New("not allowed to change this thread")
)

// StoreError wraps err as ErrStoreUnavailable unless it already carries a
// caller-facing kind.
func StoreError(op string, err error) error {
	if err == nil {
		return nil
	}
	if IsDomainError(err) {
		return err
	}
	return fmt.Errorf("%w: %s: %v", ErrStoreUnavailable, op, err)
}

// IsDomainError reports whether err already matches a caller-facing kind.
func IsDomainError(err error) bool {
	for _, target := range []error{
		ErrInvalidMessage,
		ErrResolutionFailed,
		ErrStoreUnavailable,
		ErrThreadNotFound,
		ErrThreadResolved,
		ErrNotSupportThread,
		ErrInvalidTransition,
		ErrTransitionConflict,
		ErrNotParticipant,
		ErrForbidden,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
