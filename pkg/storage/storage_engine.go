// Package storage defines the contract every artifact cache backend
// implements, together with the transaction state shared by the concrete
// backends.
package storage

import (
	"context"
	"fmt"
	"io"
	"math"

	"stash/pkg/protocol"
)

// Backend is a handle to an artifact store.
//
// A handle carries at most one open transaction. Clone returns a new handle
// over the same underlying store with its own, idle, transaction state; the
// server clones the configured backend once per connection.
type Backend interface {
	// Version validates the protocol version requested by a client and
	// returns the version the server will speak.
	Version(requested uint32) (uint32, error)

	// Get opens the artifact stored under key and returns a reader for it
	// together with its size. A missing artifact is reported as ErrNotFound.
	Get(ctx context.Context, key Key) (io.ReadCloser, uint64, error)

	// StartTransaction opens a transaction for (identity, hash), discarding
	// whatever the previous transaction had staged.
	StartTransaction(ctx context.Context, identity, hash protocol.ID) error

	// EndTransaction commits every staged artifact of the open transaction.
	// Slots are committed one at a time; the first failure aborts the rest.
	// The handle is idle afterwards whatever the outcome.
	EndTransaction(ctx context.Context) error

	// CancelTransaction discards the open transaction. It does nothing when
	// no transaction is open.
	CancelTransaction(ctx context.Context) error

	// Put reads exactly size bytes from r and stages them under kind in the
	// open transaction.
	Put(ctx context.Context, kind protocol.Kind, size uint64, r io.Reader) error

	// Clone returns a handle sharing the underlying store.
	Clone() Backend
}

// Counter is implemented by backends that can report how many artifacts of
// each kind they hold.
type Counter interface {
	Count(ctx context.Context) (map[protocol.Kind]int, error)
}

// NegotiateVersion accepts exactly protocol.Version.
func NegotiateVersion(requested uint32) (uint32, error) {
	if requested != protocol.Version {
		return 0, fmt.Errorf("%w: %d", protocol.ErrWrongVersion, requested)
	}
	return requested, nil
}

// CheckSize enforces a maximum artifact size. A zero max means unlimited,
// bounded only by what an int64 stream length can express.
func CheckSize(max, size uint64) error {
	if max != 0 && size > max {
		return &FileTooLargeError{Max: max, Size: size}
	}
	if size > math.MaxInt64 {
		return &FileTooLargeError{Max: math.MaxInt64, Size: size}
	}
	return nil
}
