package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"stash/pkg/protocol"
	"stash/pkg/storage"
)

// LocalFileStorage is a Backend that persists artifacts on the local
// filesystem under a content-addressed layout rooted at baseDir:
//
//	<baseDir>/<shard>/<identity-hex>-<hash-hex>.<ext>
//
// where shard is the first two characters of the filename. Uploads are
// staged as randomly named files in tempDir and renamed into place on commit.
type LocalFileStorage struct {
	baseDir string
	stager  stager
	opts    options
	txn     storage.TransactionState[*tempFile]
}

// NewLocalFileStorage creates a LocalFileStorage rooted at baseDir that
// stages uploads in tempDir.
func NewLocalFileStorage(baseDir string, tempDir string, opts ...Option) *LocalFileStorage {
	return &LocalFileStorage{
		baseDir: baseDir,
		stager:  stager{dir: tempDir},
		opts:    newOptions(opts),
	}
}

// ObjectPath computes the full filesystem path of the artifact addressed by
// key within directory.
func ObjectPath(directory string, key storage.Key) string {
	return filepath.Join(directory, filepath.FromSlash(key.Path()))
}

func (s *LocalFileStorage) Version(requested uint32) (uint32, error) {
	return storage.NegotiateVersion(requested)
}

func (s *LocalFileStorage) Get(_ context.Context, key storage.Key) (io.ReadCloser, uint64, error) {
	objPath := ObjectPath(s.baseDir, key)

	f, err := os.Open(objPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, 0, storage.ErrNotFound
		}
		return nil, 0, err
	}

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, 0, err
	}

	// A directory can collide with an artifact path if the tree was
	// tampered with; never serve it.
	if !info.Mode().IsRegular() {
		_ = f.Close()
		return nil, 0, fmt.Errorf("path %s: %w", objPath, storage.ErrNotRegularFile)
	}

	return f, uint64(info.Size()), nil
}

func (s *LocalFileStorage) StartTransaction(_ context.Context, identity, hash protocol.ID) error {
	s.txn.Start(identity, hash)
	return nil
}

func (s *LocalFileStorage) EndTransaction(_ context.Context) error {
	txn := s.txn.Take()
	if txn == nil {
		return nil
	}

	return txn.Commit(func(key storage.Key, f *tempFile) error {
		return f.moveTo(ObjectPath(s.baseDir, key))
	})
}

func (s *LocalFileStorage) CancelTransaction(_ context.Context) error {
	return s.txn.Cancel()
}

func (s *LocalFileStorage) Put(_ context.Context, kind protocol.Kind, size uint64, r io.Reader) error {
	if !s.txn.InTransaction() {
		return storage.ErrNotInTransaction
	}
	if err := storage.CheckSize(s.opts.maxFileSize, size); err != nil {
		return err
	}

	f, err := s.stager.stage(r, size)
	if err != nil {
		return err
	}

	if err := s.txn.Stage(kind, f); err != nil {
		return errors.Join(err, f.Discard())
	}
	return nil
}

// Clone returns a handle over the same directories with no open
// transaction.
func (s *LocalFileStorage) Clone() storage.Backend {
	return &LocalFileStorage{
		baseDir: s.baseDir,
		stager:  s.stager,
		opts:    s.opts,
	}
}

// Count walks the shard directories and counts the artifacts of each kind.
// Files that do not follow the artifact naming scheme are ignored.
func (s *LocalFileStorage) Count(ctx context.Context) (map[protocol.Kind]int, error) {
	counts := make(map[protocol.Kind]int, len(protocol.Kinds))

	shards, err := os.ReadDir(s.baseDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return counts, nil
		}
		return nil, err
	}

	for _, shard := range shards {
		if !shard.IsDir() || len(shard.Name()) != storage.ShardLength {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		entries, err := os.ReadDir(filepath.Join(s.baseDir, shard.Name()))
		if err != nil {
			return nil, err
		}

		for _, entry := range entries {
			if !entry.Type().IsRegular() {
				continue
			}
			key, err := storage.ParseFilename(entry.Name())
			if err != nil {
				continue
			}
			counts[key.Kind]++
		}
	}

	return counts, nil
}
