// Package fsutil contains utilities for working with the file system.
package fsutil

import (
	"io"
	"os"
	"os/user"
	"path"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// DirPermMode is the default permission mode for directories created by paraselect.
const DirPermMode = os.ModePerm & 0770

// TempSuffix is appended to the names of files being written atomically. Files ending with it are
// leftovers of an interrupted write and are safe to remove.
const TempSuffix = ".tmp"

// FileExists returns whether the file or directory exists or an error if something went wrong in the filesystem.
func FileExists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, errors.Wrapf(err, "failed to FileExists(%q)", path)
}

// ReplaceTildeInDir by the user's home directory. Returns dir if it doesn't start with "~".
//
// It returns an error if `dir` has an unknown user or some other filesystem error (e.g: `~unknown/...`)
func ReplaceTildeInDir(dir string) (string, error) {
	if len(dir) == 0 || dir[0] != '~' {
		return dir, nil
	}
	var userName string
	if dir != "~" && !strings.HasPrefix(dir, "~/") {
		sepIdx := strings.IndexRune(dir, '/')
		if sepIdx == -1 {
			userName = dir[1:]
		} else {
			userName = dir[1:sepIdx]
		}
	}
	var usr *user.User
	var err error
	if userName == "" {
		usr, err = user.Current()
	} else {
		usr, err = user.Lookup(userName)
	}
	if err != nil {
		return "", errors.Wrapf(err, "failed to lookup home directory for user in path %q", dir)
	}
	return path.Join(usr.HomeDir, dir[1+len(userName):]), nil
}

// AtomicFile is a file being written under a temporary name in its final directory.
// Commit flushes it to disk and renames it to its final name; Abort removes it.
// Readers of the final name therefore never see a partially written file.
type AtomicFile struct {
	*os.File
	finalPath string
	done      bool
}

// CreateAtomic creates a temporary file next to finalPath.
func CreateAtomic(finalPath string) (*AtomicFile, error) {
	dir, base := filepath.Split(finalPath)
	if dir == "" {
		dir = "."
	}
	f, err := os.CreateTemp(dir, base+".*"+TempSuffix)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create temporary file for %q", finalPath)
	}
	return &AtomicFile{File: f, finalPath: finalPath}, nil
}

// Commit syncs, closes and renames the temporary file to its final path.
func (f *AtomicFile) Commit() error {
	if f.done {
		return errors.Errorf("atomic file %q already committed or aborted", f.finalPath)
	}
	f.done = true
	tmpPath := f.Name()
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmpPath)
		return errors.Wrapf(err, "failed to sync %q", tmpPath)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return errors.Wrapf(err, "failed to close %q", tmpPath)
	}
	if err := os.Rename(tmpPath, f.finalPath); err != nil {
		_ = os.Remove(tmpPath)
		return errors.Wrapf(err, "failed to rename %q to %q", tmpPath, f.finalPath)
	}
	return nil
}

// Abort closes and removes the temporary file. It is a no-op after Commit, so it can be deferred.
func (f *AtomicFile) Abort() {
	if f.done {
		return
	}
	f.done = true
	_ = f.Close()
	_ = os.Remove(f.Name())
}

// WriteFileAtomic writes the contents produced by write to path atomically.
func WriteFileAtomic(path string, write func(w io.Writer) error) error {
	f, err := CreateAtomic(path)
	if err != nil {
		return err
	}
	defer f.Abort()
	if err = write(f); err != nil {
		return err
	}
	return f.Commit()
}

// RemoveTempFiles removes leftovers of interrupted atomic writes in dir. It returns the number of files removed.
func RemoveTempFiles(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to list %q", dir)
	}
	var count int
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), TempSuffix) {
			continue
		}
		if err := os.Remove(filepath.Join(dir, entry.Name())); err != nil {
			return count, errors.Wrapf(err, "failed to remove leftover %q", entry.Name())
		}
		count++
	}
	return count, nil
}
