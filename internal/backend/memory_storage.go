package backend

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"

	"stash/pkg/protocol"
	"stash/pkg/storage"
)

// maxPrealloc bounds the buffer reserved up front for an upload; larger
// uploads grow the buffer as bytes arrive.
const maxPrealloc = 1 << 20

// memoryBlob is an upload staged in memory. Committed blobs are never
// mutated, so readers can share them without copying.
type memoryBlob []byte

func (memoryBlob) Discard() error { return nil }

// readBlob reads exactly size bytes from r.
func readBlob(r io.Reader, size uint64) (memoryBlob, error) {
	var buf bytes.Buffer
	buf.Grow(int(min(size, maxPrealloc)))

	n, err := io.CopyN(&buf, r, int64(size))
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, storage.ShortRead(n, size)
		}
		return nil, err
	}
	return buf.Bytes(), nil
}

type memoryStore struct {
	mu      sync.Mutex
	objects map[storage.Key]memoryBlob
}

// MemoryStorage is a Backend that keeps artifacts in a map shared by every
// clone. It is meant for tests and ephemeral caches.
type MemoryStorage struct {
	store *memoryStore
	opts  options
	txn   storage.TransactionState[memoryBlob]
}

// NewMemoryStorage creates an empty MemoryStorage.
func NewMemoryStorage(opts ...Option) *MemoryStorage {
	return &MemoryStorage{
		store: &memoryStore{objects: make(map[storage.Key]memoryBlob)},
		opts:  newOptions(opts),
	}
}

func (s *MemoryStorage) Version(requested uint32) (uint32, error) {
	return storage.NegotiateVersion(requested)
}

func (s *MemoryStorage) Get(_ context.Context, key storage.Key) (io.ReadCloser, uint64, error) {
	s.store.mu.Lock()
	blob, ok := s.store.objects[key]
	s.store.mu.Unlock()

	if !ok {
		return nil, 0, storage.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(blob)), uint64(len(blob)), nil
}

func (s *MemoryStorage) StartTransaction(_ context.Context, identity, hash protocol.ID) error {
	s.txn.Start(identity, hash)
	return nil
}

func (s *MemoryStorage) EndTransaction(_ context.Context) error {
	txn := s.txn.Take()
	if txn == nil {
		return nil
	}

	s.store.mu.Lock()
	defer s.store.mu.Unlock()

	return txn.Commit(func(key storage.Key, blob memoryBlob) error {
		s.store.objects[key] = blob
		return nil
	})
}

func (s *MemoryStorage) CancelTransaction(_ context.Context) error {
	return s.txn.Cancel()
}

func (s *MemoryStorage) Put(_ context.Context, kind protocol.Kind, size uint64, r io.Reader) error {
	if !s.txn.InTransaction() {
		return storage.ErrNotInTransaction
	}
	if err := storage.CheckSize(s.opts.maxFileSize, size); err != nil {
		return err
	}

	blob, err := readBlob(r, size)
	if err != nil {
		return err
	}
	return s.txn.Stage(kind, blob)
}

// Clone returns a handle sharing the same map with no open transaction.
func (s *MemoryStorage) Clone() storage.Backend {
	return &MemoryStorage{store: s.store, opts: s.opts}
}

// Len returns the number of stored artifacts.
func (s *MemoryStorage) Len() int {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()
	return len(s.store.objects)
}

func (s *MemoryStorage) Count(_ context.Context) (map[protocol.Kind]int, error) {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()

	counts := make(map[protocol.Kind]int, len(protocol.Kinds))
	for key := range s.store.objects {
		counts[key.Kind]++
	}
	return counts, nil
}
