package conversation

import (
	"errors"
	"fmt"
)

// ErrNotFound matches any *NotFoundError via errors.Is.
var ErrNotFound = errors.New("conversation not found")

// NotFoundError is returned for operations on a user with no record.
type NotFoundError struct {
	UserID int64
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("conversation for user %d not found", e.UserID)
}

func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// StorageError wraps a failed durable read or write. When a write fails the
// in-memory record is left exactly as it was before the call.
type StorageError struct {
	Op     string
	UserID int64
	Err    error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("%s user %d: %v", e.Op, e.UserID, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// IsStorageError reports whether err carries a *StorageError.
func IsStorageError(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}
