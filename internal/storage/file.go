package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
)

// lockRetry is the polling interval used while waiting for an advisory lock.
const lockRetry = 5 * time.Millisecond

// renameFile is swapped out in tests to exercise the copy fallback.
var renameFile = os.Rename

// lockedFile guards one JSON document on disk.
//
// Mutations hold an exclusive lock across read-modify-write-rename; reads hold
// a shared lock. The OS lock lives on a "<path>.lock" sidecar because the data
// file itself is replaced by rename on every write. A fresh flock handle is
// opened per operation so that lock ownership is per call, not per process.
type lockedFile struct {
	path string
	mu   sync.RWMutex
}

func newLockedFile(path string) *lockedFile {
	return &lockedFile{path: path}
}

// view reads the current contents under a shared lock. A missing file is
// reported as nil data.
func (f *lockedFile) view(ctx context.Context, fn func(data []byte) error) error {
	f.mu.RLock()
	defer f.mu.RUnlock()

	fl := flock.New(f.path + ".lock")
	ok, err := fl.TryRLockContext(ctx, lockRetry)
	if err != nil || !ok {
		return fmt.Errorf("storage: shared lock %s: %w", f.path, lockErr(err))
	}
	defer func() { _ = fl.Unlock() }()

	data, err := readIfExists(f.path)
	if err != nil {
		return fmt.Errorf("storage: read %s: %w", f.path, err)
	}
	return fn(data)
}

// update runs fn under an exclusive lock. fn receives the current contents
// (nil when the file does not exist) and returns the replacement; a nil
// replacement leaves the file untouched.
func (f *lockedFile) update(ctx context.Context, fn func(data []byte) ([]byte, error)) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	fl := flock.New(f.path + ".lock")
	ok, err := fl.TryLockContext(ctx, lockRetry)
	if err != nil || !ok {
		return fmt.Errorf("%w: exclusive lock %s: %w", ErrWriteFailed, f.path, lockErr(err))
	}
	defer func() { _ = fl.Unlock() }()

	data, err := readIfExists(f.path)
	if err != nil {
		return fmt.Errorf("%w: read %s: %w", ErrWriteFailed, f.path, err)
	}
	out, err := fn(data)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := writeAtomic(f.path, out); err != nil {
		return fmt.Errorf("%w: %w", ErrWriteFailed, err)
	}
	return nil
}

// size returns the on-disk size of the data file, or 0 if it does not exist.
func (f *lockedFile) size() int64 {
	info, err := os.Stat(f.path)
	if err != nil {
		return 0
	}
	return info.Size()
}

func lockErr(err error) error {
	if err != nil {
		return err
	}
	return errors.New("lock not acquired")
}

func readIfExists(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	return data, err
}

// writeAtomic writes data to a temporary file next to path and renames it
// over path. If the rename fails the temp file is copied into place instead;
// an error is returned only when neither succeeds.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp in %s: %w", dir, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write %s: %w", tmpName, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("sync %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close %s: %w", tmpName, err)
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("chmod %s: %w", tmpName, err)
	}

	renameErr := renameFile(tmpName, path)
	if renameErr == nil {
		return nil
	}
	if err := copyFile(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("rename %s: %v; copy fallback: %w", tmpName, renameErr, err)
	}
	_ = os.Remove(tmpName)
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
