package fs

import "errors"

// ErrLocked is returned by [FS.Lock] when another process holds the lock.
var ErrLocked = errors.New("lock held by another process")
