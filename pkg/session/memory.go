package session

import (
	"context"
	"sort"
	"sync"

	"github.com/dukex/callflow/pkg/models"
)

// MemoryStore keeps sessions in process memory. Sessions are copied on the way in and
// out so callers never share state with the store.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*models.CallSession
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*models.CallSession)}
}

func (m *MemoryStore) Create(_ context.Context, session *models.CallSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.sessions[session.CallID]; exists {
		return newError("Create", session.CallID, ErrSessionExists)
	}

	session.Revision = 1
	m.sessions[session.CallID] = session.Clone()

	return nil
}

func (m *MemoryStore) Get(_ context.Context, callID string) (*models.CallSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stored, exists := m.sessions[callID]
	if !exists {
		return nil, newError("Get", callID, ErrSessionNotFound)
	}

	return stored.Clone(), nil
}

func (m *MemoryStore) Update(_ context.Context, session *models.CallSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, exists := m.sessions[session.CallID]
	if !exists {
		return newError("Update", session.CallID, ErrSessionNotFound)
	}

	if stored.Revision != session.Revision {
		return newError("Update", session.CallID, ErrRevisionConflict)
	}

	session.Revision++
	m.sessions[session.CallID] = session.Clone()

	return nil
}

func (m *MemoryStore) List(_ context.Context) ([]*models.CallSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sessions := make([]*models.CallSession, 0, len(m.sessions))
	for _, stored := range m.sessions {
		sessions = append(sessions, stored.Clone())
	}

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].StartedAt.Before(sessions[j].StartedAt)
	})

	return sessions, nil
}

func (m *MemoryStore) Delete(_ context.Context, callID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.sessions[callID]; !exists {
		return newError("Delete", callID, ErrSessionNotFound)
	}

	delete(m.sessions, callID)

	return nil
}

func (m *MemoryStore) Close() error {
	return nil
}
