package lease

import (
	"context"
	"sync"
	"time"
)

// MemStore keeps builder state in process memory. It backs tests and
// single-process usage where no sharing is needed.
type MemStore struct {
	mu    sync.Mutex
	items map[string]*State
}

func NewMemStore() *MemStore {
	return &MemStore{items: make(map[string]*State)}
}

func (s *MemStore) Get(ctx context.Context, name string) (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.items[name]
	if !ok {
		return *newState(name), nil
	}
	return cloneState(st), nil
}

func (s *MemStore) Update(ctx context.Context, name string, fn func(st *State) error) (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.items[name]
	if !ok {
		st = newState(name)
	}
	working := cloneState(st)
	if err := fn(&working); err != nil {
		return State{}, err
	}
	working.UpdatedAt = time.Now().UTC()
	stored := working
	s.items[name] = &stored
	return cloneState(&stored), nil
}

func (s *MemStore) Delete(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, name)
	return nil
}

func cloneState(st *State) State {
	out := *st
	if st.Lease != nil {
		l := *st.Lease
		out.Lease = &l
	}
	if st.LastBuildAt != nil {
		t := *st.LastBuildAt
		out.LastBuildAt = &t
	}
	return out
}

var _ Store = (*MemStore)(nil)
