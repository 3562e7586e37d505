package backend

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"

	"stash/pkg/storage"

	"github.com/google/uuid"
)

const stagingBufferSize = 64 * 1024

// stager writes uploads into uniquely named files under dir.
type stager struct {
	dir string
}

// tempFile is an upload staged on disk. It is removed by Discard, or moved
// into place by moveTo. A tempFile that becomes unreachable without either is
// removed in the background by a runtime cleanup.
type tempFile struct {
	path    string
	size    uint64
	done    bool
	cleanup runtime.Cleanup
}

// stage streams exactly size bytes from r into a new temporary file.
func (s stager) stage(r io.Reader, size uint64) (*tempFile, error) {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return nil, fmt.Errorf("create temp dir: %w", err)
	}

	path := filepath.Join(s.dir, uuid.NewString())
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}

	t := &tempFile{path: path, size: size}
	t.cleanup = runtime.AddCleanup(t, removeAbandoned, path)

	w := bufio.NewWriterSize(f, stagingBufferSize)
	n, err := io.CopyN(w, r, int64(size))
	if err == nil {
		err = w.Flush()
	}
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}

	if err != nil {
		if derr := t.Discard(); derr != nil {
			slog.Warn("Remove temp file", "path", path, "err", derr)
		}
		if errors.Is(err, io.EOF) {
			return nil, storage.ShortRead(n, size)
		}
		return nil, fmt.Errorf("write temp file: %w", err)
	}

	return t, nil
}

// Discard removes the staged file. It is a no-op once the file was moved or
// removed.
func (t *tempFile) Discard() error {
	if t.done {
		return nil
	}
	t.done = true
	t.cleanup.Stop()

	if err := os.Remove(t.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove temp file %s: %w", t.path, err)
	}
	return nil
}

// moveTo renames the staged file to dest, creating dest's directory first.
func (t *tempFile) moveTo(dest string) error {
	if t.done {
		return fmt.Errorf("temp file %s already released", t.path)
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("create shard dir: %w", err)
	}

	if err := MoveFile(t.path, dest); err != nil {
		return fmt.Errorf("move %s to %s: %w", t.path, dest, err)
	}

	t.done = true
	t.cleanup.Stop()
	return nil
}

// open returns the staged file for reading.
func (t *tempFile) open() (*os.File, error) {
	if t.done {
		return nil, fmt.Errorf("temp file %s already released", t.path)
	}
	return os.Open(t.path)
}

func removeAbandoned(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		slog.Warn("Remove abandoned temp file", "path", path, "err", err)
	}
}
