package backend

import (
	"errors"
	"os"
	"path/filepath"
	"syscall"

	"github.com/google/uuid"
)

// CopyFile copies the contents of srcPath into a new file at destPath.
func CopyFile(srcPath string, destPath string) error {
	srcFile, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer srcFile.Close()

	destFile, err := os.Create(destPath)
	if err != nil {
		return err
	}

	if _, err := destFile.ReadFrom(srcFile); err != nil {
		_ = destFile.Close()
		return err
	}
	return destFile.Close()
}

// MoveFile renames srcPath to destPath, replacing any file already there.
//
// When the two paths live on different filesystems the contents are copied
// into a sibling of destPath first and then renamed over it, so readers of
// destPath never observe a partially written file.
func MoveFile(srcPath string, destPath string) error {
	err := os.Rename(srcPath, destPath)
	if err == nil || !errors.Is(err, syscall.EXDEV) {
		return err
	}

	partial := filepath.Join(filepath.Dir(destPath), ".partial-"+uuid.NewString())
	if err := CopyFile(srcPath, partial); err != nil {
		_ = os.Remove(partial)
		return err
	}

	if err := os.Rename(partial, destPath); err != nil {
		_ = os.Remove(partial)
		return err
	}

	// NOTE: the copy is in place at this point, a leftover source file only
	// wastes space in the staging area.
	if err := os.Remove(srcPath); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
