package lease

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const (
	// lockRetryInterval paces attempts to grab the control lock file.
	lockRetryInterval = 50 * time.Millisecond
	// lockStaleAfter is how old a control lock may be before it is assumed to
	// belong to a crashed process and broken. The lock is only held for the
	// duration of a single read-modify-write, so anything this old is dead.
	lockStaleAfter = 30 * time.Second
	// lockWaitMax bounds how long Update waits for the control lock.
	lockWaitMax = 10 * time.Second
)

// FileStore persists one JSON record per builder in a shared directory,
// typically on a network filesystem reachable by every caller. Mutations are
// serialized through an exclusively-created lock file next to the record, and
// writes go through a temp file plus rename so readers never observe a torn
// record.
type FileStore struct {
	dir string
}

func NewFileStore(dir string) *FileStore {
	return &FileStore{dir: dir}
}

// DefaultStateDir returns the per-user fallback state directory.
func DefaultStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "absconda", "remote")
	}
	return filepath.Join(home, ".cache", "absconda", "remote")
}

func (s *FileStore) statePath(name string) string {
	return filepath.Join(s.dir, name+".json")
}

func (s *FileStore) lockPath(name string) string {
	return filepath.Join(s.dir, name+".lock")
}

func (s *FileStore) Get(ctx context.Context, name string) (State, error) {
	st, err := s.read(name)
	if err != nil {
		return State{}, err
	}
	return *st, nil
}

func (s *FileStore) Update(ctx context.Context, name string, fn func(st *State) error) (State, error) {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return State{}, fmt.Errorf("create state dir: %w", err)
	}
	unlock, err := s.lock(ctx, name)
	if err != nil {
		return State{}, err
	}
	defer unlock()

	st, err := s.read(name)
	if err != nil {
		return State{}, err
	}
	if err := fn(st); err != nil {
		return State{}, err
	}
	st.UpdatedAt = time.Now().UTC()
	if err := s.write(name, st); err != nil {
		return State{}, err
	}
	return *st, nil
}

func (s *FileStore) Delete(ctx context.Context, name string) error {
	unlock, err := s.lock(ctx, name)
	if err != nil {
		return err
	}
	defer unlock()
	if err := os.Remove(s.statePath(name)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func (s *FileStore) read(name string) (*State, error) {
	data, err := os.ReadFile(s.statePath(name))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return newState(name), nil
		}
		return nil, err
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("parse state record for %q: %w", name, err)
	}
	return &st, nil
}

func (s *FileStore) write(name string, st *State) error {
	payload, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.statePath(name) + ".tmp"
	if err := os.WriteFile(tmp, payload, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.statePath(name))
}

// lock takes the per-builder control lock by creating the lock file
// exclusively. Lock files older than lockStaleAfter are broken.
func (s *FileStore) lock(ctx context.Context, name string) (func(), error) {
	path := s.lockPath(name)
	deadline := time.Now().Add(lockWaitMax)
	for {
		fd, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			fmt.Fprintf(fd, "%d", os.Getpid())
			fd.Close()
			return func() { os.Remove(path) }, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("create control lock: %w", err)
		}
		if info, statErr := os.Stat(path); statErr == nil && time.Since(info.ModTime()) > lockStaleAfter {
			os.Remove(path)
			continue
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("timed out waiting for control lock %s", path)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(lockRetryInterval):
		}
	}
}

var _ Store = (*FileStore)(nil)
