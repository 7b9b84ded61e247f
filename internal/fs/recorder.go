package fs

import (
	"fmt"
	"os"
	"strings"
	"sync"
)

// Event records a single FS operation seen by a [Recorder].
type Event struct {
	Seq  uint64
	Op   string
	Path string
	Dest string // rename/copy target, empty otherwise
	Err  error
}

func (e Event) String() string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "#%d %s %s", e.Seq, e.Op, e.Path)

	if e.Dest != "" {
		fmt.Fprintf(&sb, " -> %s", e.Dest)
	}

	if e.Err != nil {
		fmt.Fprintf(&sb, " err=%v", e.Err)
	}

	return sb.String()
}

// Recorder wraps an [FS] and keeps an ordered log of every operation.
//
// Errors can be injected per (op, path) with [Recorder.Inject]; an injected
// operation is logged but never reaches the wrapped FS.
//
// Safe for concurrent use.
type Recorder struct {
	fs FS

	mu       sync.Mutex
	events   []Event
	seq      uint64
	injected map[string]error
}

// NewRecorder returns a [Recorder] wrapping fsys.
func NewRecorder(fsys FS) *Recorder {
	return &Recorder{fs: fsys, injected: map[string]error{}}
}

// Inject makes the next and all later calls of op on path fail with err.
// Op names match the lowercase method names ("rename", "mkdirtemp", ...).
func (r *Recorder) Inject(op, path string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.injected[op+"\x00"+path] = err
}

// Events returns a copy of all recorded events in call order.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Event, len(r.events))
	copy(out, r.events)

	return out
}

// Count returns how many times op was called, successful or not.
func (r *Recorder) Count(op string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0

	for _, e := range r.events {
		if e.Op == op {
			n++
		}
	}

	return n
}

// Mutations returns the events that changed the filesystem successfully.
func (r *Recorder) Mutations() []Event {
	var out []Event

	for _, e := range r.Events() {
		if e.Err != nil {
			continue
		}

		switch e.Op {
		case "mkdirall", "mkdirtemp", "copy", "removeall", "rename", "lock":
			out = append(out, e)
		}
	}

	return out
}

// String formats the log one event per line.
func (r *Recorder) String() string {
	events := r.Events()
	lines := make([]string, 0, len(events))

	for _, e := range events {
		lines = append(lines, e.String())
	}

	return strings.Join(lines, "\n")
}

func (r *Recorder) Stat(path string) (os.FileInfo, error) {
	if err := r.fault("stat", path); err != nil {
		return nil, err
	}

	info, err := r.fs.Stat(path)
	r.add("stat", path, "", err)

	return info, err
}

func (r *Recorder) Exists(path string) (bool, error) {
	if err := r.fault("exists", path); err != nil {
		return false, err
	}

	exists, err := r.fs.Exists(path)
	r.add("exists", path, "", err)

	return exists, err
}

func (r *Recorder) MkdirAll(path string, perm os.FileMode) error {
	if err := r.fault("mkdirall", path); err != nil {
		return err
	}

	err := r.fs.MkdirAll(path, perm)
	r.add("mkdirall", path, "", err)

	return err
}

func (r *Recorder) MkdirTemp(dir, pattern string) (string, error) {
	if err := r.fault("mkdirtemp", dir); err != nil {
		return "", err
	}

	name, err := r.fs.MkdirTemp(dir, pattern)
	r.add("mkdirtemp", name, "", err)

	return name, err
}

func (r *Recorder) CopyFileAtomic(src, dst string) error {
	if err := r.fault("copy", src); err != nil {
		return err
	}

	err := r.fs.CopyFileAtomic(src, dst)
	r.add("copy", src, dst, err)

	return err
}

func (r *Recorder) RemoveAll(path string) error {
	if err := r.fault("removeall", path); err != nil {
		return err
	}

	err := r.fs.RemoveAll(path)
	r.add("removeall", path, "", err)

	return err
}

func (r *Recorder) Rename(oldpath, newpath string) error {
	if err := r.fault("rename", oldpath); err != nil {
		return err
	}

	err := r.fs.Rename(oldpath, newpath)
	r.add("rename", oldpath, newpath, err)

	return err
}

func (r *Recorder) Lock(path string) (Locker, error) {
	if err := r.fault("lock", path); err != nil {
		return nil, err
	}

	l, err := r.fs.Lock(path)
	r.add("lock", path, "", err)

	return l, err
}

// Interface compliance.
var _ FS = (*Recorder)(nil)

func (r *Recorder) fault(op, path string) error {
	r.mu.Lock()
	err, ok := r.injected[op+"\x00"+path]
	r.mu.Unlock()

	if !ok {
		return nil
	}

	r.add(op, path, "", err)

	return err
}

func (r *Recorder) add(op, path, dest string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.seq++
	r.events = append(r.events, Event{Seq: r.seq, Op: op, Path: path, Dest: dest, Err: err})
}
