package session

import (
	"context"

	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/BTreeMap/FlowPipe/internal/store"
)

// SQLStore keeps sessions in the relational store's sessions table.
type SQLStore struct {
	repo store.SessionRepo
}

// NewSQLStore adapts a store.SessionRepo to the session Store contract.
func NewSQLStore(repo store.SessionRepo) *SQLStore {
	return &SQLStore{repo: repo}
}

func (s *SQLStore) Get(_ context.Context, contactID string) (*models.SessionState, error) {
	return s.repo.GetSession(contactID)
}

func (s *SQLStore) Save(_ context.Context, state *models.SessionState) error {
	if state == nil || state.ContactID == "" {
		return models.ErrEmptyContact
	}
	touch(state)
	return s.repo.SaveSession(*state)
}

func (s *SQLStore) Delete(_ context.Context, contactID string) error {
	return s.repo.DeleteSession(contactID)
}

func (s *SQLStore) List(_ context.Context) ([]string, error) {
	return s.repo.ListSessions()
}
