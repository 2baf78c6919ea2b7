package ledger

import (
	"errors"
	"fmt"
)

// StorageError wraps a failure to open, write, or commit against the
// backing store. Recoverable at the call site: a failed block
// creation is simply retried at the next scheduled anchor. The one
// fatal case is storage open at startup, which the composition root
// treats as such.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("ledger storage: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// SerializationError wraps a failure to encode a snapshot or block
// record.
type SerializationError struct {
	Op  string
	Err error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("ledger serialization: %s: %v", e.Op, e.Err)
}

func (e *SerializationError) Unwrap() error { return e.Err }

// IsStorageError reports whether err is (or wraps) a StorageError.
func IsStorageError(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}

// IsSerializationError reports whether err is (or wraps) a
// SerializationError.
func IsSerializationError(err error) bool {
	var se *SerializationError
	return errors.As(err, &se)
}
