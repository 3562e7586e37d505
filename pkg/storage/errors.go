package storage

import (
	"errors"
	"fmt"
	"io"
)

var (
	// ErrNotFound reports a cache miss. It is an expected outcome of Get,
	// not a failure.
	ErrNotFound = errors.New("artifact not found")

	ErrNotInTransaction = errors.New("not in transaction")
	ErrFileTooLarge     = errors.New("file too large")
	ErrNotRegularFile   = errors.New("not a regular file")
)

// FileTooLargeError is returned by Put when the declared size exceeds the
// configured maximum.
type FileTooLargeError struct {
	Max  uint64
	Size uint64
}

func (e *FileTooLargeError) Error() string {
	return fmt.Sprintf("file too large: %d, max size: %d", e.Size, e.Max)
}

// Is makes errors.Is(err, ErrFileTooLarge) hold.
func (e *FileTooLargeError) Is(target error) bool {
	return target == ErrFileTooLarge
}

// ShortRead reports a payload that ended after got of want bytes. It wraps
// io.ErrUnexpectedEOF.
func ShortRead(got int64, want uint64) error {
	return fmt.Errorf("read payload: got %d of %d bytes: %w", got, want, io.ErrUnexpectedEOF)
}
