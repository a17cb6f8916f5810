package core

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrInvalidParticipant is returned when a participant identifier is empty,
	// contains the room id separator or when both sides of a pair are the same.
	ErrInvalidParticipant = errors.New("invalid participant")
	// ErrNotFound is returned when a room does not exist.
	ErrNotFound = errors.New("room not found")
	// ErrNotAParticipant is returned by the store when the sender of a message
	// is not one of the room's participants.
	ErrNotAParticipant = errors.New("not a participant of the room")
	// ErrForbidden is returned by the service when the caller is not allowed
	// to act on a room.
	ErrForbidden = errors.New("forbidden")
	// ErrEmptyMessage is returned when the message text is blank.
	ErrEmptyMessage = errors.New("empty message")
	// ErrMessageTooLong is returned when the message text exceeds the configured limit.
	ErrMessageTooLong = errors.New("message too long")
	// ErrInvalidArgument is returned for malformed cursors, limits and similar input.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrConflict is raised inside the stores when two callers race to create the same room.
	// It is recovered by re-fetching and must not reach callers of ChatStore.
	ErrConflict = errors.New("room already exists")
	// ErrRateLimited is returned when a participant sends faster than allowed.
	ErrRateLimited = errors.New("rate limit exceeded")
	// ErrStorageUnavailable wraps every I/O failure of the storage layer.
	ErrStorageUnavailable = errors.New("storage unavailable")
)

// storageErr wraps a driver error so that it matches both ErrStorageUnavailable and
// the original error. Context errors are passed through untouched so a cancelled
// read is reported as a cancellation rather than an outage.
func storageErr(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrStorageUnavailable, err)
}

// IsClientError reports whether err is caused by the caller's input and can be
// shown to them as is.
func IsClientError(err error) bool {
	for _, target := range []error{
		ErrInvalidParticipant, ErrNotFound, ErrNotAParticipant, ErrForbidden,
		ErrEmptyMessage, ErrMessageTooLong, ErrInvalidArgument, ErrRateLimited,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
