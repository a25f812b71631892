package session

import (
	"errors"
	"sort"
	"sync"
)

var ErrExists = errors.New("session already exists")

// Store holds the live sessions keyed by id. Insert and remove are atomic;
// the records themselves are owned by their loop.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewStore() *Store {
	return &Store{sessions: make(map[string]*Session)}
}

// Insert adds s, refusing a duplicate id.
func (st *Store) Insert(s *Session) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	if _, ok := st.sessions[s.ID]; ok {
		return ErrExists
	}
	st.sessions[s.ID] = s
	return nil
}

func (st *Store) Get(id string) (*Session, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	s, ok := st.sessions[id]
	return s, ok
}

// Has reports whether id is still live. Suspended steps call it before
// touching the session again.
func (st *Store) Has(id string) bool {
	_, ok := st.Get(id)
	return ok
}

// Remove deletes id and reports whether it was present.
func (st *Store) Remove(id string) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	if _, ok := st.sessions[id]; !ok {
		return false
	}
	delete(st.sessions, id)
	return true
}

// IDs returns the live session ids, sorted.
func (st *Store) IDs() []string {
	st.mu.RLock()
	defer st.mu.RUnlock()
	ids := make([]string, 0, len(st.sessions))
	for id := range st.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (st *Store) Len() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.sessions)
}
