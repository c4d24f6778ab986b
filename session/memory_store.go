package session

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store implementation.
//
// Suitable for development, testing, and single-instance deployments.
// Data is lost when the process exits.
type MemoryStore struct {
	mu         sync.RWMutex
	sessions   map[string]*Session
	messages   map[string]map[int]*Message
	replay     map[string][]string
	workspaces map[string]*Workspace
	now        func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions:   make(map[string]*Session),
		messages:   make(map[string]map[int]*Message),
		replay:     make(map[string][]string),
		workspaces: make(map[string]*Workspace),
		now:        time.Now,
	}
}

func (s *MemoryStore) CreateSession(ctx context.Context, sess *Session) (*Session, error) {
	if err := ValidateID(sess.ID); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sess.ID]; ok {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateSession, sess.ID)
	}
	cp := sess.Copy()
	now := s.now()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = cp.CreatedAt
	}
	s.sessions[cp.ID] = cp
	return cp.Copy(), nil
}

func (s *MemoryStore) GetSession(ctx context.Context, id string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return sess.Copy(), nil
}

func (s *MemoryStore) UpdateMetadata(ctx context.Context, id string, metadata Metadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	sess.Metadata = metadata.copy()
	sess.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) ListSessions(ctx context.Context, opts *ListOptions) ([]*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	workspaceID := opts.workspaceID()
	out := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		if !sess.IsActive {
			continue
		}
		if workspaceID != "" && sess.WorkspaceID != workspaceID {
			continue
		}
		out = append(out, sess.Copy())
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return paginate(out, opts.limit(), opts.offset()), nil
}

func paginate[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return []T{}
	}
	items = items[offset:]
	if limit < len(items) {
		items = items[:limit]
	}
	return items
}

func (s *MemoryStore) DeleteSession(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.sessions[id]
	delete(s.sessions, id)
	delete(s.messages, id)
	delete(s.replay, id)
	return ok, nil
}

func (s *MemoryStore) AppendMessage(ctx context.Context, msg *Message) error {
	if err := validateMessage(msg); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[msg.SessionID]; !ok {
		return ErrSessionNotFound
	}
	bySeq := s.messages[msg.SessionID]
	if bySeq == nil {
		bySeq = make(map[int]*Message)
		s.messages[msg.SessionID] = bySeq
	}
	if _, ok := bySeq[msg.Sequence]; ok {
		return fmt.Errorf("%w: session %s sequence %d", ErrSequenceConflict, msg.SessionID, msg.Sequence)
	}
	cp := msg.Copy()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = s.now()
	}
	bySeq[cp.Sequence] = cp
	return nil
}

func (s *MemoryStore) Messages(ctx context.Context, id string) ([]*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	bySeq := s.messages[id]
	out := make([]*Message, 0, len(bySeq))
	for _, msg := range bySeq {
		out = append(out, msg.Copy())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

func (s *MemoryStore) NextSequence(ctx context.Context, id string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	next := 0
	for seq := range s.messages[id] {
		if seq+1 > next {
			next = seq + 1
		}
	}
	return next, nil
}

func (s *MemoryStore) IncrementMessageCount(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	sess.MessageCount++
	sess.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) AddUsage(ctx context.Context, id string, costUSD float64, inputTokens, outputTokens int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	sess.TotalCostUSD = costUSD
	sess.TotalInputTokens += inputTokens
	sess.TotalOutputTokens += outputTokens
	sess.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) ReplayLines(ctx context.Context, id string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.replay[id]), nil
}

func (s *MemoryStore) ReplaceReplayLines(ctx context.Context, id string, lines []string) error {
	if err := ValidateID(id); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[id]; !ok {
		return ErrSessionNotFound
	}
	if len(lines) == 0 {
		delete(s.replay, id)
		return nil
	}
	s.replay[id] = slices.Clone(lines)
	return nil
}

//// Workspaces ////////////////////////////////////////////////////////////////

func (s *MemoryStore) CreateWorkspace(ctx context.Context, ws *Workspace) (*Workspace, error) {
	if err := ValidateID(ws.ID); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.workspaces[ws.ID]; ok {
		return nil, fmt.Errorf("workspace %s already exists", ws.ID)
	}
	cp := ws.Copy()
	now := s.now()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = cp.CreatedAt
	s.workspaces[cp.ID] = cp
	return cp.Copy(), nil
}

func (s *MemoryStore) GetWorkspace(ctx context.Context, id string) (*Workspace, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ws, ok := s.workspaces[id]
	if !ok {
		return nil, ErrWorkspaceNotFound
	}
	return ws.Copy(), nil
}

func (s *MemoryStore) ListWorkspaces(ctx context.Context, limit, offset int) ([]*Workspace, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Workspace, 0, len(s.workspaces))
	for _, ws := range s.workspaces {
		out = append(out, ws.Copy())
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	opts := &ListOptions{Limit: limit, Offset: offset}
	return paginate(out, opts.limit(), opts.offset()), nil
}

func (s *MemoryStore) UpdateWorkspace(ctx context.Context, ws *Workspace) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.workspaces[ws.ID]
	if !ok {
		return ErrWorkspaceNotFound
	}
	cp := ws.Copy()
	cp.CreatedAt = existing.CreatedAt
	cp.UpdatedAt = s.now()
	s.workspaces[cp.ID] = cp
	return nil
}

func (s *MemoryStore) DeleteWorkspace(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.workspaces[id]
	delete(s.workspaces, id)
	return ok, nil
}
