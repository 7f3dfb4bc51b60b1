package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

type sessionState struct {
	locked    bool
	createdAt time.Time
	messages  []Message
	pending   []Proposal
}

// InMemoryStore is an in-process store for local/dev use and tests.
type InMemoryStore struct {
	mu        sync.Mutex
	sessions  map[string]*sessionState
	projects  map[string]map[string]any
	snapshots map[string][]Message
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		sessions:  make(map[string]*sessionState),
		projects:  make(map[string]map[string]any),
		snapshots: make(map[string][]Message),
	}
}

func (s *InMemoryStore) CreateSessionIfAbsent(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureLocked(sessionID)
	return nil
}

func (s *InMemoryStore) AppendMessage(_ context.Context, sessionID string, msg Message) (Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.ensureLocked(sessionID)
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	msg.SessionID = sessionID
	msg.Seq = len(st.messages) + 1
	st.messages = append(st.messages, msg)
	return msg, nil
}

func (s *InMemoryStore) ListMessages(_ context.Context, sessionID string) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.sessions[sessionID]
	if !ok {
		return nil, nil
	}
	out := make([]Message, len(st.messages))
	copy(out, st.messages)
	return out, nil
}

func (s *InMemoryStore) MessageExists(_ context.Context, sessionID, requestID string) (bool, error) {
	if requestID == "" {
		return false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.sessions[sessionID]
	if !ok {
		return false, nil
	}
	for i := range st.messages {
		if st.messages[i].RequestID == requestID {
			return true, nil
		}
	}
	return false, nil
}

func (s *InMemoryStore) GetLock(_ context.Context, sessionID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.sessions[sessionID]
	if !ok {
		return false, nil
	}
	return st.locked, nil
}

func (s *InMemoryStore) SetLock(_ context.Context, sessionID string, locked bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureLocked(sessionID).locked = locked
	return nil
}

func (s *InMemoryStore) TryAcquireLock(_ context.Context, sessionID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.ensureLocked(sessionID)
	if st.locked {
		return false, nil
	}
	st.locked = true
	return true, nil
}

func (s *InMemoryStore) GetPendingProposals(_ context.Context, sessionID string) ([]Proposal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.sessions[sessionID]
	if !ok || len(st.pending) == 0 {
		return nil, nil
	}
	out := make([]Proposal, len(st.pending))
	copy(out, st.pending)
	return out, nil
}

func (s *InMemoryStore) SetPendingProposals(_ context.Context, sessionID string, proposals []Proposal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.ensureLocked(sessionID)
	st.pending = make([]Proposal, len(proposals))
	copy(st.pending, proposals)
	return nil
}

func (s *InMemoryStore) ClearPendingProposals(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.sessions[sessionID]; ok {
		st.pending = nil
	}
	return nil
}

func (s *InMemoryStore) UpsertProject(_ context.Context, projectID, name string, payload map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	merged := s.projects[projectID]
	if merged == nil {
		merged = make(map[string]any)
	}
	if name != "" {
		merged["name"] = name
	}
	for k, v := range payload {
		merged[k] = v
	}
	s.projects[projectID] = merged
	return nil
}

func (s *InMemoryStore) SaveProjectHistorySnapshot(_ context.Context, projectID string, msgs []Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, len(msgs))
	copy(out, msgs)
	s.snapshots[projectID] = out
	return nil
}

// GetProject returns a stored project payload. Used by tests and debugging.
func (s *InMemoryStore) GetProject(projectID string) (map[string]any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[projectID]
	if !ok {
		return nil, false
	}
	out := make(map[string]any, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out, true
}

// GetProjectHistorySnapshot returns a stored snapshot. Used by tests.
func (s *InMemoryStore) GetProjectHistorySnapshot(projectID string) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.snapshots[projectID]
	out := make([]Message, len(msgs))
	copy(out, msgs)
	return out
}

func (s *InMemoryStore) Close() error { return nil }

func (s *InMemoryStore) ensureLocked(sessionID string) *sessionState {
	st, ok := s.sessions[sessionID]
	if !ok {
		st = &sessionState{createdAt: time.Now().UTC()}
		s.sessions[sessionID] = st
	}
	return st
}
