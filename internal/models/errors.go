package models

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidSource reports input that is not readable, rewindable,
	// sized and closeable.
	ErrInvalidSource = errors.New("invalid upload source")
	// ErrLocation reports an empty generated location.
	ErrLocation = errors.New("invalid upload location")
	// ErrAttachmentInvalid reports a descriptor that does not point into the
	// cache storage.
	ErrAttachmentInvalid = errors.New("attachment is not a cached file")
	// ErrAttachmentChanged reports that the persisted attachment no longer
	// matches the one being worked on. Callers should stop, not retry.
	ErrAttachmentChanged = errors.New("attachment has changed")
	// ErrRecordNotFound reports a record that no longer exists.
	ErrRecordNotFound = errors.New("record not found")
	// ErrStorageNotFound reports an unregistered storage key.
	ErrStorageNotFound = errors.New("storage not found")
	// ErrFileNotFound reports a missing location in a storage.
	ErrFileNotFound = errors.New("file not found")
)

// StorageError wraps a backend failure with the operation that caused it.
type StorageError struct {
	Op       string
	Storage  string
	Location string
	Err      error
}

func (e *StorageError) Error() string {
	if e.Location == "" {
		return fmt.Sprintf("storage %s: %s: %v", e.Storage, e.Op, e.Err)
	}
	return fmt.Sprintf("storage %s: %s %s: %v", e.Storage, e.Op, e.Location, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// WrapStorage wraps err as a StorageError; nil stays nil.
func WrapStorage(op, storage, location string, err error) error {
	if err == nil {
		return nil
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	return &StorageError{Op: op, Storage: storage, Location: location, Err: err}
}
