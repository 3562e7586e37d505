package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"stash/pkg/protocol"
	"stash/pkg/storage"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// S3Config locates the bucket used by S3Storage.
type S3Config struct {
	Endpoint  string `yaml:"endpoint"`
	Bucket    string `yaml:"bucket"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Region    string `yaml:"region"`
	Secure    bool   `yaml:"secure"`
	// Prefix is prepended to every object name.
	Prefix string `yaml:"prefix"`
}

// S3Storage is a Backend that stores committed artifacts as objects in an
// S3-compatible bucket, using the same sharded names as LocalFileStorage.
// Uploads are staged on local disk and sent to the bucket on commit.
type S3Storage struct {
	client *minio.Client
	bucket string
	prefix string
	stager stager
	opts   options
	txn    storage.TransactionState[*tempFile]
}

// NewS3Storage creates an S3Storage that stages uploads in tempDir.
func NewS3Storage(cfg S3Config, tempDir string, opts ...Option) (*S3Storage, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, errors.New("s3 endpoint and bucket must not be empty")
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.Secure,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create s3 client: %w", err)
	}

	return &S3Storage{
		client: client,
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
		stager: stager{dir: tempDir},
		opts:   newOptions(opts),
	}, nil
}

// EnsureBucket checks if the bucket exists, and creates it if it does not.
func (s *S3Storage) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket existence: %w", err)
	}

	if !exists {
		if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("failed to create bucket %q: %w", s.bucket, err)
		}
		slog.Info("Created bucket", "bucket", s.bucket)
	}
	return nil
}

// ObjectName returns the name of the object holding the artifact addressed
// by key.
func (s *S3Storage) ObjectName(key storage.Key) string {
	return s.prefix + key.Path()
}

func (s *S3Storage) Version(requested uint32) (uint32, error) {
	return storage.NegotiateVersion(requested)
}

func (s *S3Storage) Get(ctx context.Context, key storage.Key) (io.ReadCloser, uint64, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, s.ObjectName(key), minio.GetObjectOptions{})
	if err != nil {
		return nil, 0, fmt.Errorf("get object %s: %w", s.ObjectName(key), err)
	}

	info, err := obj.Stat()
	if err != nil {
		_ = obj.Close()
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, 0, storage.ErrNotFound
		}
		return nil, 0, fmt.Errorf("stat object %s: %w", s.ObjectName(key), err)
	}

	return obj, uint64(info.Size), nil
}

func (s *S3Storage) StartTransaction(_ context.Context, identity, hash protocol.ID) error {
	s.txn.Start(identity, hash)
	return nil
}

func (s *S3Storage) EndTransaction(ctx context.Context) error {
	txn := s.txn.Take()
	if txn == nil {
		return nil
	}

	return txn.Commit(func(key storage.Key, f *tempFile) error {
		if err := s.upload(ctx, key, f); err != nil {
			return err
		}
		return f.Discard()
	})
}

func (s *S3Storage) upload(ctx context.Context, key storage.Key, f *tempFile) error {
	src, err := f.open()
	if err != nil {
		return err
	}
	defer src.Close()

	_, err = s.client.PutObject(ctx, s.bucket, s.ObjectName(key), src, int64(f.size), minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		return fmt.Errorf("put object %s: %w", s.ObjectName(key), err)
	}
	return nil
}

func (s *S3Storage) CancelTransaction(_ context.Context) error {
	return s.txn.Cancel()
}

func (s *S3Storage) Put(_ context.Context, kind protocol.Kind, size uint64, r io.Reader) error {
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

// Clone returns a handle sharing the client and bucket with no open
// transaction.
func (s *S3Storage) Clone() storage.Backend {
	return &S3Storage{
		client: s.client,
		bucket: s.bucket,
		prefix: s.prefix,
		stager: s.stager,
		opts:   s.opts,
	}
}
