// Package fs provides the filesystem operations used by the symbol pipeline.
//
// The main types are:
//   - [FS]: interface for filesystem operations
//   - [Real]: production implementation using [os] package
//   - [Recorder]: test wrapper that keeps an ordered log of operations
//
// Example usage:
//
//	fsys := fs.NewReal()
//	dir, err := fsys.MkdirTemp("", "stripsyms-")
//	if err != nil {
//	    return err
//	}
//	defer fsys.RemoveAll(dir)
package fs

import (
	"io"
	"os"
)

// Locker represents a held file lock.
// Call [Locker.Close] to release the lock.
//
// Example:
//
//	lock, err := fsys.Lock(filepath.Join(cacheDir, ".stripsyms.lock"))
//	if errors.Is(err, fs.ErrLocked) {
//	    return nil // another run owns the cache directory
//	}
//	defer lock.Close()
type Locker interface {
	io.Closer
}

// FS defines the filesystem operations the pipeline performs.
//
// All methods mirror their [os] package equivalents but can be intercepted
// for testing.
type FS interface {
	// --- Metadata ---

	// Stat returns file info. See [os.Stat].
	// Returns [os.ErrNotExist] if file doesn't exist.
	Stat(path string) (os.FileInfo, error)

	// Exists reports whether a file or directory exists.
	// Returns (false, nil) if not found, (false, err) on other errors.
	Exists(path string) (bool, error)

	// --- Directory Operations ---

	// MkdirAll creates a directory and all parents. See [os.MkdirAll].
	MkdirAll(path string, perm os.FileMode) error

	// MkdirTemp creates a new unique directory. See [os.MkdirTemp].
	MkdirTemp(dir, pattern string) (string, error)

	// --- Mutations ---

	// CopyFileAtomic copies src to dst. dst is either fully written or
	// left untouched.
	CopyFileAtomic(src, dst string) error

	// RemoveAll deletes a path and any children. See [os.RemoveAll].
	RemoveAll(path string) error

	// Rename moves/renames a file or directory. See [os.Rename].
	Rename(oldpath, newpath string) error

	// --- Locking ---

	// Lock acquires an exclusive advisory lock on path without waiting.
	// Returns [ErrLocked] if another process holds it.
	Lock(path string) (Locker, error)
}
