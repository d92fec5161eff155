// Package store implements the external collaborator contract named in
// SPEC_FULL.md §4.7: a reference-counted lock on a content-addressed
// path that keeps it from being deleted while any sandbox references it.
// The content-addressed directory-of-hashed-files itself is out of
// scope (SPEC_FULL.md §1); this package only owns the locking contract
// the sandbox and controller consume.
package store

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"
)

// Store roots a content-addressed directory of hashed files and hands
// out reference-counted locks on paths within it.
type Store struct {
	root string

	mu    sync.Mutex
	locks map[string]*refCountedLock
}

// New roots a Store at dir, creating it if necessary.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("store: creating root %s: %w", dir, err)
	}
	return &Store{root: dir, locks: make(map[string]*refCountedLock)}, nil
}

// Path returns the on-disk path for a content hash.
func (s *Store) Path(hash string) string {
	return filepath.Join(s.root, hash)
}

// Root returns the store's root directory, the path a sandbox's rootfs
// bind-mounts read-only (SPEC_FULL.md §3).
func (s *Store) Root() string {
	return s.root
}

type refCountedLock struct {
	path string
	fl   *flock.Flock
	refs int
}

// Lock is a reference-counted handle to a path; while any Lock is
// outstanding for that path, it must not be deleted.
type Lock struct {
	store *Store
	entry *refCountedLock
}

// Path returns the filesystem path this lock protects.
func (l *Lock) Path() string { return l.entry.path }

// Release drops this reference. The underlying advisory lock is released
// once the last reference is dropped.
func (l *Lock) Release() {
	s := l.store
	s.mu.Lock()
	defer s.mu.Unlock()
	l.entry.refs--
	if l.entry.refs <= 0 {
		l.entry.fl.Unlock()
		delete(s.locks, l.entry.path)
	}
}

func (s *Store) acquire(path string) (*Lock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry, ok := s.locks[path]; ok {
		entry.refs++
		return &Lock{store: s, entry: entry}, nil
	}

	fl := flock.New(path + ".lock")
	if err := fl.RLock(); err != nil {
		return nil, fmt.Errorf("store: locking %s: %w", path, err)
	}
	entry := &refCountedLock{path: path, fl: fl, refs: 1}
	s.locks[path] = entry
	return &Lock{store: s, entry: entry}, nil
}

// GetFile returns a Lock on an existing file named by hash. The caller
// must Release it when the sandbox binding it no longer needs the path
// to stay live.
func (s *Store) GetFile(hash string) (*Lock, error) {
	path := s.Path(hash)
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("store: %s not present: %w", hash, err)
	}
	return s.acquire(path)
}

// Pending is an in-progress store write returned by CreateFile.
type Pending struct {
	store *Store
	tmp   *os.File
}

// CreateFile opens a temporary file under the store root for writing new
// content whose hash isn't known until it has been fully written.
func (s *Store) CreateFile() (*Pending, error) {
	f, err := os.CreateTemp(s.root, ".tmp-*")
	if err != nil {
		return nil, fmt.Errorf("store: creating temp file: %w", err)
	}
	return &Pending{store: s, tmp: f}, nil
}

// Write appends to the pending file.
func (p *Pending) Write(b []byte) (int, error) {
	return p.tmp.Write(b)
}

// Complete finalizes the pending write under its content hash and
// returns a Lock on the resulting path, atomically renaming the temp
// file into place.
func (p *Pending) Complete(hash string) (*Lock, error) {
	if err := p.tmp.Close(); err != nil {
		return nil, fmt.Errorf("store: closing temp file: %w", err)
	}
	dst := p.store.Path(hash)
	if err := os.Rename(p.tmp.Name(), dst); err != nil {
		return nil, fmt.Errorf("store: renaming into place: %w", err)
	}
	return p.store.acquire(dst)
}

// Abort discards a pending write without publishing it.
func (p *Pending) Abort() error {
	p.tmp.Close()
	return os.Remove(p.tmp.Name())
}
