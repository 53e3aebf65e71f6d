// Package session owns the per-contact conversational state.
//
// A contact has at most one SessionState at any time. Stores are keyed by contact id and the
// Manager serializes all processing for one contact so that state is never written concurrently.
package session

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/models"
)

var (
	// ErrLockAcquire is returned when the distributed lock for a contact cannot be acquired.
	ErrLockAcquire = errors.New("failed to acquire contact lock")
)

// Store persists session state keyed by contact id.
type Store interface {
	// Get returns nil, nil when the contact has no session.
	Get(ctx context.Context, contactID string) (*models.SessionState, error)
	Save(ctx context.Context, state *models.SessionState) error
	Delete(ctx context.Context, contactID string) error
	// List returns the contact ids that currently have a session.
	List(ctx context.Context) ([]string, error)
}

// MemoryStore keeps sessions in a map. Values are copied on the way in and out.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]models.SessionState
}

// NewMemoryStore creates an empty in-process session store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]models.SessionState)}
}

func (s *MemoryStore) Get(_ context.Context, contactID string) (*models.SessionState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.sessions[contactID]
	if !ok {
		return nil, nil
	}
	out := clone(st)
	return &out, nil
}

func (s *MemoryStore) Save(_ context.Context, state *models.SessionState) error {
	if state == nil || state.ContactID == "" {
		return models.ErrEmptyContact
	}
	touch(state)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[state.ContactID] = clone(*state)
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, contactID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, contactID)
	return nil
}

func (s *MemoryStore) List(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func clone(st models.SessionState) models.SessionState {
	out := st
	if st.Variables != nil {
		out.Variables = make(map[string]any, len(st.Variables))
		for k, v := range st.Variables {
			out.Variables[k] = v
		}
	}
	if st.Context != nil {
		out.Context = make(map[string]string, len(st.Context))
		for k, v := range st.Context {
			out.Context[k] = v
		}
	}
	return out
}

func touch(state *models.SessionState) {
	now := time.Now()
	if state.StartedAt.IsZero() {
		state.StartedAt = now
	}
	state.UpdatedAt = now
}
