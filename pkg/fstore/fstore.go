// Package fstore implements locked, atomic JSON persistence. Every mutable
// state file in the runtime (atoms, threads, WAL, chats, tasks, registries)
// goes through this package: writers serialize on an advisory lock held on a
// sibling .lock file and replace the file with a temp-write-then-rename, so a
// reader never observes a half-written document.
package fstore

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"github.com/rogpeppe/go-internal/lockedfile"

	"github.com/aide-sh/aide/pkg/logger"
)

// DefaultLockTimeout bounds how long a caller waits for the advisory lock
// before giving up with ErrLockTimeout.
const DefaultLockTimeout = 10 * time.Second

// ErrLockTimeout is returned when the sibling lock could not be acquired
// within the configured wait. The operation is safe to retry.
var ErrLockTimeout = errors.New("fstore: lock acquisition timed out")

// Store performs advisory-locked atomic JSON reads and writes rooted at a
// base directory. The zero value is not usable; use New.
type Store struct {
	lockTimeout time.Duration
}

// Option configures a Store.
type Option func(*Store)

// WithLockTimeout overrides the default 10s lock wait.
func WithLockTimeout(d time.Duration) Option {
	return func(s *Store) { s.lockTimeout = d }
}

// New creates a Store.
func New(opts ...Option) *Store {
	s := &Store{lockTimeout: DefaultLockTimeout}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func lockPath(path string) string {
	return path + ".lock"
}

// withLock acquires the exclusive advisory lock for path, bounded by the
// store's lock timeout, and runs fn while holding it. lockedfile blocks
// indefinitely, so acquisition runs on its own goroutine and the caller
// abandons it on timeout; the goroutine releases the lock immediately if it
// wins after the deadline.
func (s *Store) withLock(path string, fn func() error) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrap(err, "failed to create state directory")
	}

	type acquired struct {
		unlock func()
		err    error
	}
	ch := make(chan acquired, 1)
	go func() {
		mu := lockedfile.MutexAt(lockPath(path))
		unlock, err := mu.Lock()
		ch <- acquired{unlock: unlock, err: err}
	}()

	timer := time.NewTimer(s.lockTimeout)
	defer timer.Stop()

	select {
	case got := <-ch:
		if got.err != nil {
			return errors.Wrap(got.err, "failed to acquire file lock")
		}
		defer got.unlock()
		return fn()
	case <-timer.C:
		go func() {
			if got := <-ch; got.err == nil {
				got.unlock()
			}
		}()
		return errors.Wrapf(ErrLockTimeout, "path %s", path)
	}
}

// Save atomically persists v as indented JSON at path. The document is
// written to a sibling temp file and renamed into place while the advisory
// lock is held, so concurrent savers serialize and readers see either the
// old or the new document.
func (s *Store) Save(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to marshal state")
	}

	return s.withLock(path, func() error {
		tmp := path + ".tmp"
		if err := os.WriteFile(tmp, data, 0o644); err != nil {
			return errors.Wrap(err, "failed to write temp file")
		}
		if err := os.Rename(tmp, path); err != nil {
			os.Remove(tmp)
			return errors.Wrap(err, "failed to replace state file")
		}
		return nil
	})
}

// Load reads the JSON document at path into out. A missing file leaves out
// untouched (the caller's default). A corrupt file is logged and treated the
// same way; a partial document must never displace a good one, so decode
// errors are never fatal here.
func (s *Store) Load(path string, out any) error {
	return s.withLock(path, func() error {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return errors.Wrap(err, "failed to read state file")
		}
		if err := json.Unmarshal(data, out); err != nil {
			logger.G(context.Background()).WithError(err).WithField("path", path).
				Warn("state file corrupt, falling back to default")
			return nil
		}
		return nil
	})
}

// Update loads the document at path into out, applies fn, and saves the
// result, all under one lock acquisition. This is the read-modify-write
// primitive shared registries (process registry, execution log) use so
// concurrent writers cannot lose entries.
func (s *Store) Update(path string, out any, fn func() error) error {
	return s.withLock(path, func() error {
		data, err := os.ReadFile(path)
		if err == nil {
			if uerr := json.Unmarshal(data, out); uerr != nil {
				logger.G(context.Background()).WithError(uerr).WithField("path", path).
					Warn("state file corrupt, falling back to default")
			}
		} else if !os.IsNotExist(err) {
			return errors.Wrap(err, "failed to read state file")
		}

		if err := fn(); err != nil {
			return err
		}

		updated, err := json.MarshalIndent(out, "", "  ")
		if err != nil {
			return errors.Wrap(err, "failed to marshal state")
		}
		tmp := path + ".tmp"
		if err := os.WriteFile(tmp, updated, 0o644); err != nil {
			return errors.Wrap(err, "failed to write temp file")
		}
		if err := os.Rename(tmp, path); err != nil {
			os.Remove(tmp)
			return errors.Wrap(err, "failed to replace state file")
		}
		return nil
	})
}
