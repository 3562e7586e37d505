package backend

import (
	"bytes"
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"time"

	"stash/pkg/protocol"
	"stash/pkg/storage"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations
var migrationsFS embed.FS

// SQLiteStorage is a Backend that keeps every artifact as a BLOB row in a
// single SQLite database file. Uploads are staged in memory, and a commit
// writes all staged kinds in one SQL transaction.
type SQLiteStorage struct {
	db   *sql.DB
	opts options
	txn  storage.TransactionState[memoryBlob]
}

// OpenSQLiteStorage opens (creating if needed) the database at path and
// applies the schema.
func OpenSQLiteStorage(ctx context.Context, path string, opts ...Option) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite3", "file:"+path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	if err := initSchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &SQLiteStorage{db: db, opts: newOptions(opts)}, nil
}

// initSchema applies every SQL file under migrations in lexicographical
// order.
func initSchema(ctx context.Context, db *sql.DB) error {
	return fs.WalkDir(migrationsFS, "migrations", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		content, err := migrationsFS.ReadFile(path)
		if err != nil {
			return fmt.Errorf("error reading SQL file: %w", err)
		}

		slog.Debug("Running migration", "path", path)
		if _, err := db.ExecContext(ctx, string(content)); err != nil {
			return fmt.Errorf("migration %s: %w", path, err)
		}
		return nil
	})
}

// withTransaction runs fn within a database transaction.
func withTransaction(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("error beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return fmt.Errorf("error executing transaction: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("error committing transaction: %w", err)
	}

	return nil
}

// Close closes the database shared by this handle and all of its clones.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

func (s *SQLiteStorage) Version(requested uint32) (uint32, error) {
	return storage.NegotiateVersion(requested)
}

func (s *SQLiteStorage) Get(ctx context.Context, key storage.Key) (io.ReadCloser, uint64, error) {
	var size int64
	var data []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT size, data FROM artifacts WHERE identity = ? AND hash = ? AND kind = ?`,
		key.Identity[:], key.Hash[:], int(key.Kind),
	).Scan(&size, &data)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, storage.ErrNotFound
	}
	if err != nil {
		return nil, 0, fmt.Errorf("lookup %s: %w", key, err)
	}
	if int64(len(data)) != size {
		return nil, 0, fmt.Errorf("lookup %s: stored %d bytes, recorded size %d", key, len(data), size)
	}

	return io.NopCloser(bytes.NewReader(data)), uint64(size), nil
}

func (s *SQLiteStorage) StartTransaction(_ context.Context, identity, hash protocol.ID) error {
	s.txn.Start(identity, hash)
	return nil
}

func (s *SQLiteStorage) EndTransaction(ctx context.Context) error {
	txn := s.txn.Take()
	if txn == nil || txn.Len() == 0 {
		return nil
	}

	now := time.Now().UTC()
	return withTransaction(ctx, s.db, func(tx *sql.Tx) error {
		return txn.Commit(func(key storage.Key, blob memoryBlob) error {
			data := []byte(blob)
			if data == nil {
				data = []byte{}
			}
			_, err := tx.ExecContext(ctx,
				`INSERT INTO artifacts(identity, hash, kind, size, data, created_at)
				 VALUES(?, ?, ?, ?, ?, ?)
				 ON CONFLICT(identity, hash, kind) DO UPDATE SET
				 	size=excluded.size,
				 	data=excluded.data,
				 	created_at=excluded.created_at`,
				key.Identity[:], key.Hash[:], int(key.Kind), len(data), data, now,
			)
			return err
		})
	})
}

func (s *SQLiteStorage) CancelTransaction(_ context.Context) error {
	return s.txn.Cancel()
}

func (s *SQLiteStorage) Put(_ context.Context, kind protocol.Kind, size uint64, r io.Reader) error {
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

// Clone returns a handle sharing the database with no open transaction.
func (s *SQLiteStorage) Clone() storage.Backend {
	return &SQLiteStorage{db: s.db, opts: s.opts}
}

func (s *SQLiteStorage) Count(ctx context.Context) (map[protocol.Kind]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT kind, COUNT(*) FROM artifacts GROUP BY kind`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[protocol.Kind]int, len(protocol.Kinds))
	for rows.Next() {
		var kind, n int
		if err := rows.Scan(&kind, &n); err != nil {
			return nil, err
		}
		counts[protocol.Kind(kind)] = n
	}
	return counts, rows.Err()
}
