package backend

import (
	"context"
	"errors"
	"io"

	"stash/pkg/protocol"
	"stash/pkg/storage"
)

// DiscardStorage accepts every upload and stores nothing. Every lookup is a
// miss. It is used to benchmark the protocol without storage overhead.
type DiscardStorage struct{}

// NewDiscardStorage returns a DiscardStorage.
func NewDiscardStorage() DiscardStorage {
	return DiscardStorage{}
}

func (DiscardStorage) Version(requested uint32) (uint32, error) {
	return storage.NegotiateVersion(requested)
}

func (DiscardStorage) Get(context.Context, storage.Key) (io.ReadCloser, uint64, error) {
	return nil, 0, storage.ErrNotFound
}

func (DiscardStorage) StartTransaction(context.Context, protocol.ID, protocol.ID) error { return nil }

func (DiscardStorage) EndTransaction(context.Context) error { return nil }

func (DiscardStorage) CancelTransaction(context.Context) error { return nil }

// Put still consumes exactly size bytes so the stream stays framed.
func (DiscardStorage) Put(_ context.Context, _ protocol.Kind, size uint64, r io.Reader) error {
	if err := storage.CheckSize(0, size); err != nil {
		return err
	}

	n, err := io.CopyN(io.Discard, r, int64(size))
	if err != nil {
		if errors.Is(err, io.EOF) {
			return storage.ShortRead(n, size)
		}
		return err
	}
	return nil
}

func (d DiscardStorage) Clone() storage.Backend {
	return d
}
