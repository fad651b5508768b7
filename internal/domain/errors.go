package domain

import "github.com/cockroachdb/errors"

// Error kinds surfaced to callers. Wrap them with errors.Wrapf or attach them to
// infrastructure causes with errors.Mark so errors.Is keeps working.
var (
	ErrNotFound           = errors.New("not found")
	ErrForbidden          = errors.New("forbidden")
	ErrAlreadyInUse       = errors.New("already in use")
	ErrArgument           = errors.New("invalid argument")
	ErrServiceUnavailable = errors.New("service unavailable")
)

var (
	ErrSerializationFailure = errors.New("serialization failure")
	// ErrConflict is returned by lock stores when a live record is owned by another holder.
	ErrConflict = errors.New("conflict")
	// ErrNotHolder is returned by unlock when the record belongs to someone else.
	ErrNotHolder = errors.New("not holder")
	// ErrInvalidTransition is returned when a state machine rejects a status change.
	ErrInvalidTransition = errors.New("invalid status transition")
)
