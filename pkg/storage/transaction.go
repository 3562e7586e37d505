package storage

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"stash/pkg/protocol"
)

// Staged is an artifact held by a transaction slot until it is committed or
// discarded.
type Staged interface {
	// Discard releases whatever the staged artifact holds. It must be safe to
	// call after the artifact has been committed.
	Discard() error
}

// Transaction is an in-flight set of staged artifacts bound to one
// (identity, hash) pair, with at most one artifact per kind.
type Transaction[T Staged] struct {
	Identity protocol.ID
	Hash     protocol.ID

	slots map[protocol.Kind]T
}

// NewTransaction returns an empty transaction for (identity, hash).
func NewTransaction[T Staged](identity, hash protocol.ID) *Transaction[T] {
	return &Transaction[T]{
		Identity: identity,
		Hash:     hash,
		slots:    make(map[protocol.Kind]T, len(protocol.Kinds)),
	}
}

// Key returns the cache key the slot for kind commits to.
func (t *Transaction[T]) Key(kind protocol.Kind) Key {
	return NewKey(kind, t.Identity, t.Hash)
}

// Set stores v in the slot for kind. A previously staged artifact of the same
// kind is discarded; its discard error, if any, is returned after v has been
// stored.
func (t *Transaction[T]) Set(kind protocol.Kind, v T) error {
	old, ok := t.slots[kind]
	t.slots[kind] = v
	if ok {
		return old.Discard()
	}
	return nil
}

// Len returns the number of occupied slots.
func (t *Transaction[T]) Len() int {
	return len(t.slots)
}

// Commit hands every occupied slot to fn in kind order, emptying the
// transaction. When fn fails the failing artifact and every artifact not yet
// visited are discarded and the error is returned; earlier commits stay.
func (t *Transaction[T]) Commit(fn func(Key, T) error) error {
	for i, kind := range protocol.Kinds {
		v, ok := t.slots[kind]
		if !ok {
			continue
		}
		delete(t.slots, kind)

		if err := fn(t.Key(kind), v); err != nil {
			errs := []error{fmt.Errorf("commit %s: %w", t.Key(kind), err)}
			if derr := v.Discard(); derr != nil {
				errs = append(errs, derr)
			}
			for _, rest := range protocol.Kinds[i+1:] {
				if v, ok := t.slots[rest]; ok {
					delete(t.slots, rest)
					if derr := v.Discard(); derr != nil {
						errs = append(errs, derr)
					}
				}
			}
			return errors.Join(errs...)
		}
	}
	return nil
}

// Discard releases every staged artifact.
func (t *Transaction[T]) Discard() error {
	var errs []error
	for _, kind := range protocol.Kinds {
		if v, ok := t.slots[kind]; ok {
			delete(t.slots, kind)
			if err := v.Discard(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// TransactionState is the per-handle transaction state machine: idle, or
// open with exactly one transaction. Every transition out of the open state
// other than a commit discards the staged artifacts before returning.
//
// The zero value is idle.
type TransactionState[T Staged] struct {
	mu   sync.Mutex
	open *Transaction[T]
}

// Start opens a new transaction, discarding the previous one. Discard
// failures are logged; they never prevent the new transaction from opening.
func (s *TransactionState[T]) Start(identity, hash protocol.ID) {
	s.mu.Lock()
	prev := s.open
	s.open = NewTransaction[T](identity, hash)
	s.mu.Unlock()

	if prev != nil {
		if err := prev.Discard(); err != nil {
			slog.Warn("Discard abandoned transaction", "identity", prev.Identity.String(), "hash", prev.Hash.String(), "err", err)
		}
	}
}

// InTransaction reports whether a transaction is open.
func (s *TransactionState[T]) InTransaction() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open != nil
}

// Stage stores v in the open transaction. It returns ErrNotInTransaction,
// leaving v to the caller, when the state is idle.
func (s *TransactionState[T]) Stage(kind protocol.Kind, v T) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.open == nil {
		return ErrNotInTransaction
	}
	if err := s.open.Set(kind, v); err != nil {
		slog.Warn("Discard replaced artifact", "kind", kind, "err", err)
	}
	return nil
}

// Take returns the open transaction and moves to idle. It returns nil when
// no transaction is open.
func (s *TransactionState[T]) Take() *Transaction[T] {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.open
	s.open = nil
	return t
}

// Cancel discards the open transaction, if any.
func (s *TransactionState[T]) Cancel() error {
	if t := s.Take(); t != nil {
		return t.Discard()
	}
	return nil
}
