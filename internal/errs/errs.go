package errs

import (
	"errors"
	"fmt"
)

// Sentinels for the recovery taxonomy. Match with errors.Is.
var (
	ErrValidation   = errors.New("validation error")
	ErrPrecondition = errors.New("precondition failed")
	ErrFilesystem   = errors.New("filesystem error")
	ErrNotFound     = errors.New("backup not found")
	ErrWrongMedium  = errors.New("backup belongs to a different device")
	ErrPinInvalid   = errors.New("invalid PIN")
	ErrCancelled    = errors.New("cancelled by user")
	ErrSeedMismatch = errors.New("the seed does not match the one in the device")
)

// ValidationError rejects a request shape. Field is empty when the
// problem is not tied to a single field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Reason
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// Validation builds a ValidationError.
func Validation(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// Precondition wraps ErrPrecondition with a message.
func Precondition(msg string) error {
	return fmt.Errorf("%w: %s", ErrPrecondition, msg)
}

// FilesystemError is an I/O failure on the removable medium.
type FilesystemError struct {
	Op   string
	Path string
	Err  error
}

func (e *FilesystemError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("filesystem: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("filesystem: %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *FilesystemError) Unwrap() error { return e.Err }

func (e *FilesystemError) Is(target error) bool { return target == ErrFilesystem }

// Filesystem wraps err as a FilesystemError. A nil err stays nil.
func Filesystem(op, path string, err error) error {
	if err == nil {
		return nil
	}
	return &FilesystemError{Op: op, Path: path, Err: err}
}

// IsCancelled reports whether err unwinds a user cancellation.
func IsCancelled(err error) bool { return errors.Is(err, ErrCancelled) }
