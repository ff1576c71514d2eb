package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/lodestone-research/lodestone/internal/store"
)

// MemoryStore keeps sessions in process memory. It is the default store and
// sufficient for a single session's lifetime; durability is opt-in via the
// postgres store.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]store.Session
	events   map[string][]store.SessionEvent
	seq      map[string]int64
}

func New() *MemoryStore {
	return &MemoryStore{
		sessions: map[string]store.Session{},
		events:   map[string][]store.SessionEvent{},
		seq:      map[string]int64{},
	}
}

func (m *MemoryStore) CreateSession(ctx context.Context, session store.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.sessions[session.ID]; exists {
		return fmt.Errorf("session %s already exists", session.ID)
	}
	m.sessions[session.ID] = cloneSession(session)
	return nil
}

func (m *MemoryStore) UpdateSession(ctx context.Context, session store.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.sessions[session.ID]; !exists {
		return fmt.Errorf("session %s not found", session.ID)
	}
	m.sessions[session.ID] = cloneSession(session)
	return nil
}

func (m *MemoryStore) GetSession(ctx context.Context, sessionID string) (*store.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	session, ok := m.sessions[sessionID]
	if !ok {
		return nil, nil
	}
	cloned := cloneSession(session)
	return &cloned, nil
}

func (m *MemoryStore) ListSessions(ctx context.Context) ([]store.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	results := make([]store.Session, 0, len(m.sessions))
	for _, session := range m.sessions {
		results = append(results, cloneSession(session))
	}
	sort.Slice(results, func(i, j int) bool {
		return results[i].CreatedAt > results[j].CreatedAt
	})
	return results, nil
}

func (m *MemoryStore) AppendEvent(ctx context.Context, event store.SessionEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events[event.SessionID] = append(m.events[event.SessionID], event)
	return nil
}

func (m *MemoryStore) ListEvents(ctx context.Context, sessionID string, afterSeq int64) ([]store.SessionEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	events := m.events[sessionID]
	if afterSeq <= 0 {
		return append([]store.SessionEvent{}, events...), nil
	}
	filtered := []store.SessionEvent{}
	for _, event := range events {
		if event.Seq > afterSeq {
			filtered = append(filtered, event)
		}
	}
	return filtered, nil
}

func (m *MemoryStore) NextSeq(ctx context.Context, sessionID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq[sessionID] += 1
	return m.seq[sessionID], nil
}

func cloneSession(session store.Session) store.Session {
	cloned := session
	cloned.Stages = append([]store.StageResult{}, session.Stages...)
	cloned.SubQuestions = append([]store.SubQuestion{}, session.SubQuestions...)
	cloned.Sources = append([]store.SourceDocument{}, session.Sources...)
	if session.Config.ModelOverrides != nil {
		overrides := make(map[string]string, len(session.Config.ModelOverrides))
		for role, model := range session.Config.ModelOverrides {
			overrides[role] = model
		}
		cloned.Config.ModelOverrides = overrides
	}
	return cloned
}
